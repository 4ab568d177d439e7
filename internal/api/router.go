/**
 * @description
 * This file sets up the HTTP router for the gateway-service. It defines the API endpoints,
 * associates them with their handlers, and applies the middleware for each caller type.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: router and standard middleware.
 * - github.com/go-chi/cors: CORS for the client app.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

const requestTimeout = 60 * time.Second

// RouterConfig carries the per-route limits.
type RouterConfig struct {
	AllowedOrigins         []string
	Limiter                RateLimiter
	LinkLimitPerMinute     int
	MerchantLimitPerMinute int
}

// NewRouter creates the gateway router.
func NewRouter(h *Handlers, auth *Authenticator, cfg RouterConfig, logger logrus.FieldLogger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", IdempotencyKeyHeader},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("healthy"))
	})

	// Long-lived push channels run without the request timeout.
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireUser)
		r.Get("/notifications/stream", h.NotificationStreamHandler)
		r.Get("/notifications/ws", h.NotificationSocketHandler)
	})
	r.Group(func(r chi.Router) {
		r.Use(RateLimit(cfg.Limiter, "merchant", cfg.MerchantLimitPerMinute, logger))
		r.Use(auth.RequireMerchant)
		r.Get("/merchant/intents/{id}/stream", h.IntentStreamHandler)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireUser)

			r.With(RateLimit(cfg.Limiter, "link", cfg.LinkLimitPerMinute, logger)).Post("/accounts/link", h.LinkAccountHandler)
			r.Get("/accounts", h.ListAccountsHandler)
			r.Post("/accounts/{id}/unlink", h.UnlinkAccountHandler)
			r.Delete("/accounts/{id}", h.DeleteAccountHandler)
			r.Post("/accounts/{id}/merchant", h.EnableMerchantHandler)
			r.Post("/accounts/{id}/keys", h.CreateMerchantKeyHandler)
			r.Delete("/accounts/{id}/keys/{key}", h.RevokeMerchantKeyHandler)

			r.Get("/aliases", h.ListAliasesHandler)
			r.Patch("/aliases/{id}", h.RenameAliasHandler)

			r.Post("/transfers", h.CreateTransferHandler)
			r.Get("/transfers", h.ListTransfersHandler)
			r.Get("/transfers/{id}", h.GetTransferHandler)
		})

		r.Route("/internal", func(r chi.Router) {
			r.Use(auth.RequireService)
			r.Post("/accounts/confirm", h.ConfirmLinkHandler)
			r.Get("/transfers/{id}", h.LookupTransferHandler)
		})

		r.Group(func(r chi.Router) {
			r.Use(RateLimit(cfg.Limiter, "merchant", cfg.MerchantLimitPerMinute, logger))
			r.Use(auth.RequireMerchant)
			r.Post("/merchant/intents", h.CreateIntentHandler)
			r.Post("/merchant/intents/{id}/inquiry", h.InquireIntentHandler)
		})
	})

	return r
}
