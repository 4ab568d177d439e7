/**
 * @description
 * MerchantIntentLedger and MerchantKeyAuth. A merchant creates a payment intent against one
 * of its receiver aliases, polls or streams it, and the transfer saga completes it.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/transfa/gateway-service/internal/domain"
	"github.com/transfa/gateway-service/internal/logging"
	"github.com/transfa/gateway-service/internal/store"
	"github.com/transfa/gateway-service/internal/trust"
)

// MerchantService implements merchant intents and merchant authentication.
type MerchantService struct {
	repo      store.Repository
	tolerance time.Duration
	now       func() time.Time
	logger    logrus.FieldLogger
}

// NewMerchantService creates a MerchantService. tolerance bounds merchant token age.
func NewMerchantService(repo store.Repository, tolerance time.Duration, logger logrus.FieldLogger) *MerchantService {
	return &MerchantService{
		repo:      repo,
		tolerance: tolerance,
		now:       time.Now,
		logger:    logging.Component(logger, "merchant_service"),
	}
}

// Authenticate checks that apiKey belongs to the merchant account behind aliasID and that
// token was signed with that key's secret. Every failure is the same ErrUnauthorized.
func (s *MerchantService) Authenticate(ctx context.Context, apiKey string, aliasID uuid.UUID, token string) (*domain.ReceiverServiceAccount, error) {
	alias, err := s.authenticate(ctx, apiKey, aliasID, token)
	if err != nil {
		s.logger.WithField("receiver_service_id", aliasID).WithError(err).Debug("merchant authentication failed")
		if errors.Is(err, domain.ErrUnauthorized) || errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrUnauthorized
		}
		return nil, err
	}
	return alias, nil
}

func (s *MerchantService) authenticate(ctx context.Context, apiKey string, aliasID uuid.UUID, token string) (*domain.ReceiverServiceAccount, error) {
	if apiKey == "" || token == "" || aliasID == uuid.Nil {
		return nil, domain.ErrUnauthorized
	}
	alias, err := s.repo.FindAliasByID(ctx, aliasID)
	if err != nil {
		return nil, err
	}
	account, err := s.repo.FindAccountByNumber(ctx, alias.AccountNumber)
	if err != nil {
		return nil, err
	}
	if account.OwnerUserID != alias.OwnerUserID || !account.IsMerchant || account.Status != domain.AccountVerified {
		return nil, domain.ErrUnauthorized
	}
	key, ok := account.FindMerchantKey(apiKey)
	if !ok {
		return nil, domain.ErrUnauthorized
	}
	codec := trust.NewCodec(trust.NewHMACStrategy([]byte(key.Secret)), apiKey, 0, trust.WithClock(s.now))
	if err := codec.Verify(token, apiKey, trust.AudienceMerchant, s.tolerance, nil); err != nil {
		return nil, err
	}
	return alias, nil
}

// CreateIntent opens a payment intent for amount on aliasID.
func (s *MerchantService) CreateIntent(ctx context.Context, aliasID uuid.UUID, amount decimal.Decimal) (*domain.MerchantTransaction, error) {
	if !amount.IsPositive() || !amount.Equal(amount.Round(2)) {
		return nil, domain.ValidationError("amount must be positive with at most two decimal places")
	}
	intent := &domain.MerchantTransaction{
		ID:                uuid.New(),
		ReceiverServiceID: aliasID,
		Amount:            amount,
		Status:            domain.IntentInitiated,
	}
	if err := s.repo.CreateIntent(ctx, intent); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"merchant_transaction_id": intent.ID, "receiver_service_id": aliasID}).Info("merchant transaction created")
	return intent, nil
}

// Inquire returns an intent that is still open and belongs to aliasID. Anything else is
// reported as not found.
func (s *MerchantService) Inquire(ctx context.Context, intentID, aliasID uuid.UUID) (*domain.MerchantTransaction, error) {
	intent, err := s.repo.FindIntentByID(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.ReceiverServiceID != aliasID || intent.Status != domain.IntentInitiated {
		return nil, domain.ErrIntentNotFound
	}
	return intent, nil
}

// CompleteIntent marks an intent paid by transferID. Completing twice is a no-op.
func (s *MerchantService) CompleteIntent(ctx context.Context, intentID, transferID uuid.UUID) (bool, error) {
	changed, err := s.repo.CompleteIntent(ctx, intentID, transferID)
	if err != nil {
		return false, fmt.Errorf("complete merchant transaction: %w", err)
	}
	if changed {
		s.logger.WithFields(logrus.Fields{"merchant_transaction_id": intentID, "transfer_id": transferID}).Info("merchant transaction completed")
	}
	return changed, nil
}
