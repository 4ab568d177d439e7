package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/transfa/gateway-service/internal/api"
	"github.com/transfa/gateway-service/internal/app"
	"github.com/transfa/gateway-service/internal/config"
	"github.com/transfa/gateway-service/internal/logging"
	"github.com/transfa/gateway-service/internal/notify"
	"github.com/transfa/gateway-service/internal/store"
	"github.com/transfa/gateway-service/internal/trust"
	"github.com/transfa/gateway-service/pkg/bankclient"
	"github.com/transfa/gateway-service/pkg/rabbitmq"
)

func serveCmd(configPath *string) *cobra.Command {
	var skipMigrations bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cfg, logger, skipMigrations)
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply migrations on startup")
	return cmd
}

func serve(cfg config.Config, logger *logrus.Logger, skipMigrations bool) error {
	log := logging.Component(logger, "bootstrap")
	log.WithField("port", cfg.ServerPort).Info("starting gateway-service")

	ctx := context.Background()
	pool, db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	defer db.Close()
	log.Info("database connected")

	if !skipMigrations {
		if err := store.RunMigrations(ctx, db); err != nil {
			return err
		}
		log.Info("migrations applied")
	}

	var events rabbitmq.Publisher
	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, cfg.EventsExchange, logger)
	if err != nil {
		log.WithError(err).Warn("rabbitmq producer unavailable; using fallback")
		events = &rabbitmq.EventProducerFallback{Logger: logger}
	} else {
		defer producer.Close()
		events = producer
		log.Info("rabbitmq producer connected")
	}

	redisClient := connectRedis(cfg.RedisURL, log)
	if redisClient != nil {
		defer redisClient.Close()
	}

	serviceStrategy := trust.NewHMACStrategy([]byte(cfg.ServiceSharedSecret))
	serviceCodec := trust.NewCodec(serviceStrategy, cfg.GatewayIssuer, cfg.ServiceTokenTTL())
	identityCodec := trust.NewCodec(trust.NewHMACStrategy([]byte(cfg.IdentitySecret)), cfg.IdentityIssuer, 0)

	repository := store.NewPostgresRepository(db)
	bank := bankclient.NewClient(cfg.BankAPIBaseURL, cfg.BankTimeout(), logger)
	hasher := app.BcryptHasher{}
	hub := notify.NewHub(notify.DefaultWriteTimeout, logger)
	wsGateway := notify.NewWebSocketGateway(hub)
	defer wsGateway.Close()

	links := app.NewLinkService(repository, serviceCodec, hasher, events, cfg.BankConsentURL, cfg.LinkCooldown(), logger)
	merchants := app.NewMerchantService(repository, cfg.MerchantTokenTolerance(), logger)

	sagaOpts := []app.SagaOption{app.WithIntentCompleter(merchants)}
	var limiter api.RateLimiter
	if redisClient != nil {
		limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
		if cfg.TransferIdempotencyEnabled {
			sagaOpts = append(sagaOpts, app.WithIdempotency(app.NewRedisIdempotencyGuard(redisClient, "gateway", cfg.TransferIdempotencyTTL())))
			log.Info("transfer idempotency keys enabled")
		}
	} else if cfg.TransferIdempotencyEnabled {
		log.Warn("transfer idempotency requested but redis is unavailable; keys are ignored")
	}
	saga := app.NewTransferSaga(repository, bank, serviceCodec, hasher, hub, events, cfg.PoolAccountToken, logger, sagaOpts...)

	sweeper := app.NewSweeper(repository, merchants, events, cfg.StaleTransferAfter(), logger)
	if err := sweeper.Start(cfg.StaleTransferSchedule); err != nil {
		return fmt.Errorf("start stale transfer sweeper: %w", err)
	}
	defer func() { <-sweeper.Stop().Done() }()

	handlers := api.NewHandlers(links, saga, merchants, hub, wsGateway, logger)
	auth := &api.Authenticator{
		Identity:       identityCodec,
		IdentityIssuer: cfg.IdentityIssuer,
		Service:        serviceCodec,
		BankIssuer:     cfg.BankIssuer,
		Tolerance:      cfg.ServiceTokenTolerance(),
		Merchants:      merchants,
		Logger:         logging.Component(logger, "auth"),
	}
	router := api.NewRouter(handlers, auth, api.RouterConfig{
		AllowedOrigins:         cfg.AllowedOrigins(),
		Limiter:                limiter,
		LinkLimitPerMinute:     cfg.LinkRateLimitPerMinute,
		MerchantLimitPerMinute: cfg.MerchantRateLimitPerMinute,
	}, logging.Component(logger, "http"))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.WithField("addr", server.Addr).Info("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-serverErr:
		return fmt.Errorf("server stopped unexpectedly: %w", err)
	}
	log.Info("shutdown started")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown failed")
	}
	log.Info("shutdown complete")
	return nil
}

// connectRedis returns nil when Redis is not configured or unreachable; rate limiting and
// idempotency keys are then disabled.
func connectRedis(redisURL string, log logrus.FieldLogger) *redis.Client {
	if strings.TrimSpace(redisURL) == "" {
		log.Warn("redis url missing; rate limiting disabled")
		return nil
	}
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		log.WithError(err).Warn("redis url parse failed; rate limiting disabled")
		return nil
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.WithError(err).Warn("redis ping failed; rate limiting disabled")
		_ = client.Close()
		return nil
	}
	log.Info("redis connected")
	return client
}
