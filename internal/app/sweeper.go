/**
 * @description
 * Periodic job that drives transfer records abandoned mid-saga (process crash, lost
 * status write) to a terminal status so none stays open forever.
 *
 *   Initiated -> Failed    debit outcome unknown, flagged for review
 *   Debited   -> Refunded  source debited without credit, flagged for manual refund
 *   Credited  -> Completed both legs went through
 *
 * @dependencies
 * - github.com/robfig/cron/v3: scheduling.
 */

package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/transfa/gateway-service/internal/domain"
	"github.com/transfa/gateway-service/internal/logging"
	"github.com/transfa/gateway-service/internal/store"
	"github.com/transfa/gateway-service/pkg/rabbitmq"
)

const sweepBatchSize = 100

// Sweeper finalizes stale transfer records.
type Sweeper struct {
	repo    store.Repository
	intents IntentCompleter
	events  rabbitmq.Publisher
	after   time.Duration
	now     func() time.Time
	logger  logrus.FieldLogger
	cron    *cron.Cron
}

// NewSweeper creates a sweeper for records untouched for longer than after.
func NewSweeper(repo store.Repository, intents IntentCompleter, events rabbitmq.Publisher, after time.Duration, logger logrus.FieldLogger) *Sweeper {
	entry := logging.Component(logger, "stale_transfer_sweeper")
	if intents == nil {
		intents = repo
	}
	if events == nil {
		events = &rabbitmq.EventProducerFallback{}
	}
	return &Sweeper{
		repo:    repo,
		intents: intents,
		events:  events,
		after:   after,
		now:     time.Now,
		logger:  entry,
		cron:    cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(entry)))),
	}
}

// Start schedules Sweep on schedule (standard 5-field cron syntax) and starts the scheduler.
func (s *Sweeper) Start(schedule string) error {
	if _, err := s.cron.AddFunc(schedule, func() { s.Sweep(context.Background()) }); err != nil {
		return err
	}
	s.logger.WithField("schedule", schedule).Info("scheduled stale transfer sweep")
	s.cron.Start()
	return nil
}

// Stop stops scheduling and returns a context done once a running sweep has finished.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

// Sweep runs one pass and returns the number of records finalized.
func (s *Sweeper) Sweep(ctx context.Context) int {
	cutoff := s.now().Add(-s.after)
	stale, err := s.repo.ListStaleTransfers(ctx, []domain.TransferStatus{
		domain.TransferInitiated, domain.TransferDebited, domain.TransferCredited,
	}, cutoff, sweepBatchSize)
	if err != nil {
		s.logger.WithError(err).Error("stale transfer query failed")
		return 0
	}

	finalized := 0
	for i := range stale {
		t := &stale[i]
		if s.finalize(ctx, t) {
			finalized++
		}
	}
	if finalized > 0 {
		s.logger.WithField("count", finalized).Warn("finalized stale transfers")
	}
	return finalized
}

func (s *Sweeper) finalize(ctx context.Context, t *domain.Transfer) bool {
	var (
		next       domain.TransferStatus
		update     store.TransferStatusUpdate
		routingKey string
	)
	switch t.Status {
	case domain.TransferInitiated:
		next = domain.TransferFailed
		update = store.TransferStatusUpdate{RequiresManualRefund: true, FailureReason: "abandoned before debit was recorded; verify with bank"}
		routingKey = domain.RoutingTransferFailed
	case domain.TransferDebited:
		next = domain.TransferRefunded
		update = store.TransferStatusUpdate{RequiresManualRefund: true, FailureReason: "abandoned after debit; credit outcome unknown"}
		routingKey = domain.RoutingTransferCreditFailed
	case domain.TransferCredited:
		next = domain.TransferCompleted
		routingKey = domain.RoutingTransferCompleted
	default:
		return false
	}

	log := s.logger.WithFields(logrus.Fields{"transfer_id": t.ID, "from": t.Status, "to": next})
	if err := s.repo.UpdateTransferStatus(ctx, t.ID, t.Status, next, update); err != nil {
		// Lost the race with a saga that is still running.
		log.WithError(err).Debug("stale transfer not finalized")
		return false
	}
	log.Warn("stale transfer finalized")

	if next == domain.TransferCompleted && t.MerchantTransactionID != nil {
		if _, err := s.intents.CompleteIntent(ctx, *t.MerchantTransactionID, t.ID); err != nil {
			log.WithError(err).Warn("merchant transaction completion failed")
		}
	}

	event := domain.TransferEvent{
		TransferID:           t.ID.String(),
		UserID:               t.UserID,
		Status:               next,
		Amount:               t.Amount,
		RequiresManualRefund: t.RequiresManualRefund || update.RequiresManualRefund,
		Reason:               update.FailureReason,
		Timestamp:            s.now().UTC(),
	}
	if err := s.events.Publish(ctx, routingKey, event); err != nil {
		log.WithError(err).Warn("event publish failed")
	}
	return true
}
