/**
 * @description
 * TransferSaga moves money from a user's linked account to a destination through the
 * gateway's pool account in two bank legs, recording every step on the transfer record:
 *
 *   Initiated -> Debited -> Credited -> Completed
 *   Initiated -> Refunded (debit refused)      Initiated -> Failed (internal error)
 *   Debited   -> Refunded (credit refused, or credit unrecordable, requires_manual_refund)
 *
 * @notes
 * - A refused credit leaves the source debited. The record is marked Refunded and flagged
 *   for manual refund; no reversal is issued.
 * - Once the record exists the saga runs to a terminal status even if the caller goes away.
 * - Notifications and intent completion are best-effort.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/transfa/gateway-service/internal/domain"
	"github.com/transfa/gateway-service/internal/logging"
	"github.com/transfa/gateway-service/internal/notify"
	"github.com/transfa/gateway-service/internal/store"
	"github.com/transfa/gateway-service/internal/trust"
	"github.com/transfa/gateway-service/pkg/rabbitmq"
)

// IdempotencyGuard rejects repeated submissions of the same client key.
type IdempotencyGuard interface {
	Claim(ctx context.Context, scope, key string) (bool, error)
	Release(ctx context.Context, scope, key string) error
}

// IntentCompleter flips a merchant intent to Completed.
type IntentCompleter interface {
	CompleteIntent(ctx context.Context, intentID, transferID uuid.UUID) (bool, error)
}

// TransferSaga executes transfers.
type TransferSaga struct {
	repo        store.Repository
	bank        BankGateway
	tokens      TokenMinter
	hasher      PINHasher
	notifier    Notifier
	events      rabbitmq.Publisher
	idempotency IdempotencyGuard
	intents     IntentCompleter
	poolToken   string
	now         func() time.Time
	logger      logrus.FieldLogger
}

// SagaOption customizes a TransferSaga.
type SagaOption func(*TransferSaga)

// WithIdempotency enables duplicate-submission rejection.
func WithIdempotency(guard IdempotencyGuard) SagaOption {
	return func(s *TransferSaga) { s.idempotency = guard }
}

// WithIntentCompleter routes merchant intent completion through c instead of the repository.
func WithIntentCompleter(c IntentCompleter) SagaOption {
	return func(s *TransferSaga) { s.intents = c }
}

// NewTransferSaga creates the saga. poolToken is the bank token of the gateway's pool account.
func NewTransferSaga(repo store.Repository, bank BankGateway, tokens TokenMinter, hasher PINHasher, notifier Notifier, events rabbitmq.Publisher, poolToken string, logger logrus.FieldLogger, opts ...SagaOption) *TransferSaga {
	if events == nil {
		events = &rabbitmq.EventProducerFallback{}
	}
	s := &TransferSaga{
		repo:      repo,
		bank:      bank,
		tokens:    tokens,
		hasher:    hasher,
		notifier:  notifier,
		events:    events,
		intents:   repo,
		poolToken: poolToken,
		now:       time.Now,
		logger:    logging.Component(logger, "transfer_saga"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// destination is a TransferTarget resolved against the store.
type destination struct {
	accountNumber  string
	alias          *domain.ReceiverServiceAccount
	intent         *domain.MerchantTransaction
	receiverUserID string
}

// Execute validates req, then runs both bank legs.
func (s *TransferSaga) Execute(ctx context.Context, req domain.TransferRequest) (*domain.Transfer, error) {
	if err := validateTransferRequest(req); err != nil {
		return nil, err
	}

	if s.idempotency != nil && req.IdempotencyKey != "" {
		claimed, err := s.idempotency.Claim(ctx, req.SourceAccountID.String(), req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("%w: idempotency check failed: %v", domain.ErrUpstream, err)
		}
		if !claimed {
			return nil, domain.ErrDuplicateSubmission
		}
	}

	transfer, source, dest, err := s.prepare(ctx, req)
	if err != nil {
		if s.idempotency != nil && req.IdempotencyKey != "" {
			if relErr := s.idempotency.Release(context.WithoutCancel(ctx), req.SourceAccountID.String(), req.IdempotencyKey); relErr != nil {
				s.logger.WithError(relErr).Warn("idempotency key release failed")
			}
		}
		return nil, err
	}

	// From here on the record exists and must reach a terminal status.
	return s.run(context.WithoutCancel(ctx), transfer, *source.AccountToken, dest)
}

func validateTransferRequest(req domain.TransferRequest) error {
	switch {
	case strings.TrimSpace(req.UserID) == "":
		return domain.ValidationError("user is required")
	case req.SourceAccountID == uuid.Nil:
		return domain.ValidationError("source account is required")
	case req.Target == nil:
		return domain.ValidationError("destination is required")
	case !req.Amount.IsPositive():
		return domain.ValidationError("amount must be greater than zero")
	case !req.Amount.Equal(req.Amount.Round(2)):
		return domain.ValidationError("amount supports at most two decimal places")
	case req.PIN == "":
		return domain.ValidationError("pin is required")
	}
	return nil
}

// prepare checks every precondition and persists the Initiated record. Nothing is written
// when a precondition fails.
func (s *TransferSaga) prepare(ctx context.Context, req domain.TransferRequest) (*domain.Transfer, *domain.Account, *destination, error) {
	dest, err := s.resolveDestination(ctx, req)
	if err != nil {
		return nil, nil, nil, err
	}

	source, err := s.repo.FindAccountByID(ctx, req.SourceAccountID)
	if err != nil {
		return nil, nil, nil, err
	}
	if source.OwnerUserID != req.UserID {
		return nil, nil, nil, domain.ErrAccountNotFound
	}
	if !source.CanTransfer() {
		return nil, nil, nil, domain.ErrAccountNotVerified
	}
	if source.AccountNumber == dest.accountNumber {
		return nil, nil, nil, domain.ValidationError("source and destination must differ")
	}

	if !s.hasher.Compare(source.PINHash, req.PIN) {
		s.logger.WithField("source_account_id", source.ID).Warn("pin mismatch")
		return nil, nil, nil, domain.ErrInvalidPIN
	}

	balanceToken, err := s.tokens.Mint(trust.AccountPayload{AccountToken: *source.AccountToken}, trust.AudienceBank)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("mint balance token: %w", err)
	}
	balance, err := s.bank.GetBalance(ctx, balanceToken)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: balance read failed: %v", domain.ErrUpstream, err)
	}
	if balance.LessThan(req.Amount) {
		return nil, nil, nil, domain.ErrInsufficientFunds
	}

	transfer := &domain.Transfer{
		ID:                       uuid.New(),
		UserID:                   req.UserID,
		SourceAccountID:          source.ID,
		SourceAccountNumber:      source.AccountNumber,
		DestinationAccountNumber: dest.accountNumber,
		Amount:                   req.Amount,
		Note:                     strings.TrimSpace(req.Note),
		Status:                   domain.TransferInitiated,
	}
	if dest.alias != nil {
		transfer.ReceiverServiceID = &dest.alias.ID
	}
	if dest.intent != nil {
		transfer.MerchantTransactionID = &dest.intent.ID
	}
	if err := s.repo.CreateTransfer(ctx, transfer); err != nil {
		return nil, nil, nil, fmt.Errorf("create transfer record: %w", err)
	}
	return transfer, source, dest, nil
}

func (s *TransferSaga) resolveDestination(ctx context.Context, req domain.TransferRequest) (*destination, error) {
	switch target := req.Target.(type) {
	case domain.BankAccountTarget:
		number := strings.TrimSpace(target.AccountNumber)
		if !domain.ValidAccountNumber(number) {
			return nil, domain.ValidationError("destination account number must be 9-18 digits")
		}
		dest := &destination{accountNumber: number}
		if account, err := s.repo.FindAccountByNumber(ctx, number); err == nil {
			dest.receiverUserID = account.OwnerUserID
		} else if !errors.Is(err, domain.ErrAccountNotFound) {
			return nil, fmt.Errorf("lookup destination: %w", err)
		}
		return dest, nil

	case domain.ServiceAliasTarget:
		alias, err := s.repo.FindAliasByID(ctx, target.AliasID)
		if err != nil {
			return nil, err
		}
		dest := &destination{accountNumber: alias.AccountNumber, alias: alias, receiverUserID: alias.OwnerUserID}
		if target.MerchantTransactionID != nil {
			intent, err := s.repo.FindIntentByID(ctx, *target.MerchantTransactionID)
			if err != nil {
				return nil, err
			}
			if err := checkIntent(intent, alias, req.Amount); err != nil {
				return nil, err
			}
			dest.intent = intent
		}
		return dest, nil

	case domain.MerchantIntentTarget:
		intent, err := s.repo.FindIntentByID(ctx, target.TransactionID)
		if err != nil {
			return nil, err
		}
		alias, err := s.repo.FindAliasByID(ctx, intent.ReceiverServiceID)
		if err != nil {
			return nil, err
		}
		if err := checkIntent(intent, alias, req.Amount); err != nil {
			return nil, err
		}
		return &destination{accountNumber: alias.AccountNumber, alias: alias, intent: intent, receiverUserID: alias.OwnerUserID}, nil
	}
	return nil, domain.ValidationError("unsupported destination")
}

func checkIntent(intent *domain.MerchantTransaction, alias *domain.ReceiverServiceAccount, amount decimal.Decimal) error {
	if intent.Status != domain.IntentInitiated {
		return domain.ErrIntentClosed
	}
	if !intent.Amount.Equal(amount) {
		return fmt.Errorf("%w: amount does not match merchant transaction", domain.ErrIntegrityMismatch)
	}
	if intent.ReceiverServiceID != alias.ID {
		return fmt.Errorf("%w: receiver does not match merchant transaction", domain.ErrIntegrityMismatch)
	}
	return nil
}

func (s *TransferSaga) run(ctx context.Context, t *domain.Transfer, sourceToken string, dest *destination) (*domain.Transfer, error) {
	log := s.logger.WithFields(logrus.Fields{"transfer_id": t.ID, "user_id": t.UserID})

	// Debit leg.
	debitToken, err := s.tokens.Mint(trust.TransferPayload{AccountToken: sourceToken, SenderTxID: t.ID.String()}, trust.AudienceBank)
	if err != nil {
		s.finish(ctx, t, domain.TransferFailed, store.TransferStatusUpdate{FailureReason: "could not authorize debit"})
		s.publishEvent(ctx, domain.RoutingTransferFailed, t)
		return t, fmt.Errorf("mint debit token: %w", err)
	}
	ok, err := s.bank.Transfer(ctx, debitToken)
	if err != nil || !ok {
		reason := "debit declined by bank"
		if err != nil {
			reason = "debit request failed: " + err.Error()
		}
		log.WithField("reason", reason).Warn("debit leg failed")
		s.finish(ctx, t, domain.TransferRefunded, store.TransferStatusUpdate{FailureReason: reason})
		s.publishEvent(ctx, domain.RoutingTransferRefunded, t)
		return t, domain.ErrDebitFailed
	}
	if err := s.advance(ctx, t, domain.TransferDebited); err != nil {
		log.WithError(err).Error("debited status write failed")
		s.finish(ctx, t, domain.TransferRefunded, store.TransferStatusUpdate{RequiresManualRefund: true, FailureReason: "debit succeeded but could not be recorded"})
		s.publishEvent(ctx, domain.RoutingTransferCreditFailed, t)
		return t, domain.ErrCreditFailed
	}
	log.Info("debit leg succeeded")

	// Credit leg. Failure here leaves the source debited.
	creditToken, err := s.tokens.Mint(trust.TransferPayload{AccountToken: s.poolToken, SenderTxID: t.ID.String()}, trust.AudienceBank)
	if err == nil {
		ok, err = s.bank.Transfer(ctx, creditToken)
	}
	if err != nil || !ok {
		reason := "credit declined by bank"
		if err != nil {
			reason = "credit request failed: " + err.Error()
		}
		log.WithField("reason", reason).Error("credit leg failed after debit; manual refund required")
		s.finish(ctx, t, domain.TransferRefunded, store.TransferStatusUpdate{RequiresManualRefund: true, FailureReason: reason})
		s.publishEvent(ctx, domain.RoutingTransferCreditFailed, t)
		return t, domain.ErrCreditFailed
	}
	if err := s.advance(ctx, t, domain.TransferCredited); err != nil {
		log.WithError(err).Warn("credited status write failed; retrying")
		if err = s.advance(ctx, t, domain.TransferCredited); err != nil {
			// Money moved but the record cannot say so. Debited only ends in Refunded, so close it
			// there with the flag and let an operator reconcile.
			log.WithError(err).Error("credited status write failed after both legs succeeded; manual review required")
			s.finish(ctx, t, domain.TransferRefunded, store.TransferStatusUpdate{
				RequiresManualRefund: true,
				FailureReason:        "debit and credit both succeeded but the credit could not be recorded; reconcile with bank",
			})
			s.publishEvent(ctx, domain.RoutingTransferCreditFailed, t)
			return t, domain.ErrSettlementUnrecorded
		}
	}
	log.Info("credit leg succeeded")

	s.deliver(ctx, t, dest)

	if err := s.advance(ctx, t, domain.TransferCompleted); err != nil {
		log.WithError(err).Error("completed status write failed")
		return t, fmt.Errorf("record completion: %w", err)
	}
	s.publishEvent(ctx, domain.RoutingTransferCompleted, t)
	log.Info("transfer completed")
	return t, nil
}

// deliver runs the post-credit side effects. Failures are logged only.
func (s *TransferSaga) deliver(ctx context.Context, t *domain.Transfer, dest *destination) {
	notification := domain.TransferNotification{
		Type:       "transfer.received",
		TransferID: t.ID.String(),
		Amount:     t.Amount,
		Note:       t.Note,
		Status:     string(domain.TransferCredited),
	}
	if dest.alias != nil {
		notification.ReceiverServiceID = dest.alias.ID.String()
	}
	if dest.receiverUserID != "" && s.notifier != nil {
		s.notifier.Publish(notify.UserSubscriber(dest.receiverUserID), notification)
	}

	if dest.intent == nil {
		return
	}
	changed, err := s.intents.CompleteIntent(ctx, dest.intent.ID, t.ID)
	if err != nil {
		s.logger.WithField("transfer_id", t.ID).WithField("merchant_transaction_id", dest.intent.ID).WithError(err).Warn("merchant transaction completion failed")
		return
	}
	if !changed {
		s.logger.WithField("merchant_transaction_id", dest.intent.ID).Warn("merchant transaction was already completed")
	}
	if s.notifier != nil {
		notification.Type = "merchant.payment_completed"
		notification.MerchantTransactionID = dest.intent.ID.String()
		notification.Note = ""
		s.notifier.Publish(notify.IntentSubscriber(dest.intent.ID.String()), notification)
	}
}

func (s *TransferSaga) advance(ctx context.Context, t *domain.Transfer, next domain.TransferStatus) error {
	return s.transition(ctx, t, next, store.TransferStatusUpdate{})
}

func (s *TransferSaga) transition(ctx context.Context, t *domain.Transfer, next domain.TransferStatus, update store.TransferStatusUpdate) error {
	if err := s.repo.UpdateTransferStatus(ctx, t.ID, t.Status, next, update); err != nil {
		return err
	}
	t.Status = next
	t.UpdatedAt = s.now().UTC()
	if update.RequiresManualRefund {
		t.RequiresManualRefund = true
	}
	if update.FailureReason != "" {
		reason := update.FailureReason
		t.FailureReason = &reason
	}
	return nil
}

// finish writes a terminal status, logging rather than returning write failures so the
// caller still reports the original cause.
func (s *TransferSaga) finish(ctx context.Context, t *domain.Transfer, terminal domain.TransferStatus, update store.TransferStatusUpdate) {
	if err := s.transition(ctx, t, terminal, update); err != nil {
		s.logger.WithFields(logrus.Fields{"transfer_id": t.ID, "from": t.Status, "to": terminal}).WithError(err).Error("terminal status write failed")
	}
}

func (s *TransferSaga) publishEvent(ctx context.Context, routingKey string, t *domain.Transfer) {
	event := domain.TransferEvent{
		TransferID:           t.ID.String(),
		UserID:               t.UserID,
		Status:               t.Status,
		Amount:               t.Amount,
		RequiresManualRefund: t.RequiresManualRefund,
		Timestamp:            s.now().UTC(),
	}
	if t.FailureReason != nil {
		event.Reason = *t.FailureReason
	}
	if err := s.events.Publish(ctx, routingKey, event); err != nil {
		s.logger.WithField("transfer_id", t.ID).WithField("routing_key", routingKey).WithError(err).Warn("event publish failed")
	}
}

// GetTransfer returns one of userID's transfers.
func (s *TransferSaga) GetTransfer(ctx context.Context, userID string, id uuid.UUID) (*domain.Transfer, error) {
	t, err := s.repo.FindTransferByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, domain.ErrTransferNotFound
	}
	return t, nil
}

func (s *TransferSaga) ListTransfers(ctx context.Context, userID string, limit int) ([]domain.Transfer, error) {
	return s.repo.ListTransfersByUser(ctx, userID, limit)
}

// LookupTransfer answers the bank's confirmation lookup for a senderTxId.
func (s *TransferSaga) LookupTransfer(ctx context.Context, id uuid.UUID) (domain.TransferLookup, error) {
	t, err := s.repo.FindTransferByID(ctx, id)
	if err != nil {
		return domain.TransferLookup{}, err
	}
	return domain.TransferLookup{ID: t.ID.String(), Amount: t.Amount, Status: t.Status}, nil
}
