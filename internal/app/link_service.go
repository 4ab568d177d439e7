/**
 * @description
 * AccountLinkRegistry. Owns the account status machine (Pending -> Verified <-> Unlinked),
 * the link handshake with the bank's consent page, and the receiver alias that stands in
 * for the account number once the bank confirms the link. Merchant mode and merchant API
 * keys hang off the same account record.
 *
 * @dependencies
 * - internal/store: persistence.
 * - internal/trust: link tokens for the bank consent redirect.
 * - pkg/rabbitmq: account.linked events.
 * - github.com/sirupsen/logrus: structured logging.
 */

package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/transfa/gateway-service/internal/domain"
	"github.com/transfa/gateway-service/internal/logging"
	"github.com/transfa/gateway-service/internal/store"
	"github.com/transfa/gateway-service/internal/trust"
	"github.com/transfa/gateway-service/pkg/rabbitmq"
)

const maxDisplayNameLength = 64

// LinkService implements the account linking registry.
type LinkService struct {
	repo       store.Repository
	tokens     TokenMinter
	hasher     PINHasher
	events     rabbitmq.Publisher
	consentURL string
	cooldown   time.Duration
	now        func() time.Time
	logger     logrus.FieldLogger
}

// NewLinkService creates a LinkService. consentURL is the bank page users are redirected to.
func NewLinkService(repo store.Repository, tokens TokenMinter, hasher PINHasher, events rabbitmq.Publisher, consentURL string, cooldown time.Duration, logger logrus.FieldLogger) *LinkService {
	if events == nil {
		events = &rabbitmq.EventProducerFallback{}
	}
	return &LinkService{
		repo:       repo,
		tokens:     tokens,
		hasher:     hasher,
		events:     events,
		consentURL: consentURL,
		cooldown:   cooldown,
		now:        time.Now,
		logger:     logging.Component(logger, "link_service"),
	}
}

func validateLinkRequest(req *domain.LinkRequest) error {
	req.OwnerUserID = strings.TrimSpace(req.OwnerUserID)
	req.AccountNumber = strings.TrimSpace(req.AccountNumber)
	req.HolderName = strings.TrimSpace(req.HolderName)
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.RoutingCode = strings.ToUpper(strings.TrimSpace(req.RoutingCode))

	switch {
	case req.OwnerUserID == "":
		return domain.ValidationError("owner is required")
	case !domain.ValidAccountNumber(req.AccountNumber):
		return domain.ValidationError("account number must be 9-18 digits")
	case req.HolderName == "":
		return domain.ValidationError("holder name is required")
	case req.CustomerID == "":
		return domain.ValidationError("customer id is required")
	case !domain.ValidRoutingCode(req.RoutingCode):
		return domain.ValidationError("routing code is malformed")
	case !domain.ValidPIN(req.PIN):
		return domain.ValidationError("pin must be 4-6 digits")
	}
	return nil
}

// RequestLink records (or refreshes) a Pending account and returns the consent redirect.
func (s *LinkService) RequestLink(ctx context.Context, req domain.LinkRequest) (*domain.LinkRedirect, error) {
	if err := validateLinkRequest(&req); err != nil {
		return nil, err
	}

	existing, err := s.repo.FindAccountByNumber(ctx, req.AccountNumber)
	if err != nil && !errors.Is(err, domain.ErrAccountNotFound) {
		return nil, fmt.Errorf("lookup account: %w", err)
	}

	if existing != nil {
		if existing.Status == domain.AccountVerified {
			return nil, domain.ErrAlreadyLinked
		}
		if s.now().Sub(existing.UpdatedAt) < s.cooldown {
			return nil, domain.ErrLinkCooldown
		}
	}

	pinHash, err := s.hasher.Hash(req.PIN)
	if err != nil {
		return nil, fmt.Errorf("hash pin: %w", err)
	}

	var account *domain.Account
	if existing == nil {
		account = &domain.Account{
			ID:            uuid.New(),
			OwnerUserID:   req.OwnerUserID,
			AccountNumber: req.AccountNumber,
			HolderName:    req.HolderName,
			CustomerID:    req.CustomerID,
			RoutingCode:   req.RoutingCode,
			PINHash:       pinHash,
			Status:        domain.AccountPending,
		}
		if err := s.repo.CreateAccount(ctx, account); err != nil {
			return nil, err
		}
	} else {
		account = existing
		account.OwnerUserID = req.OwnerUserID
		account.HolderName = req.HolderName
		account.CustomerID = req.CustomerID
		account.RoutingCode = req.RoutingCode
		account.PINHash = pinHash
		if err := s.repo.RefreshPendingLink(ctx, account); err != nil {
			return nil, err
		}
	}

	token, err := s.tokens.Mint(trust.LinkPayload{
		AccountID:   account.ID.String(),
		OwnerUserID: account.OwnerUserID,
		CustomerID:  account.CustomerID,
	}, trust.AudienceBankConsent)
	if err != nil {
		return nil, fmt.Errorf("mint link token: %w", err)
	}

	redirect, err := s.redirectURL(token)
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{"account_id": account.ID, "owner_user_id": account.OwnerUserID, "status": account.Status}).Info("link requested")
	return &domain.LinkRedirect{AccountID: account.ID, RedirectURL: redirect, Token: token}, nil
}

func (s *LinkService) redirectURL(token string) (string, error) {
	u, err := url.Parse(s.consentURL)
	if err != nil {
		return "", fmt.Errorf("parse consent url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ConfirmLink is called by the bank once the user consented. The caller has already
// verified the bank's service token.
func (s *LinkService) ConfirmLink(ctx context.Context, c domain.LinkConfirmation) (*domain.ReceiverServiceAccount, error) {
	if strings.TrimSpace(c.AccountToken) == "" {
		return nil, domain.ValidationError("account token is required")
	}

	account, err := s.repo.FindAccountByID(ctx, c.AccountID)
	if err != nil {
		return nil, err
	}
	if !account.CanConfirm() {
		return nil, domain.ErrInvalidState
	}
	if account.AccountNumber != c.AccountNumber || account.CustomerID != c.CustomerID {
		s.logger.WithField("account_id", account.ID).Warn("link confirmation does not match stored account")
		return nil, fmt.Errorf("%w: confirmation does not match the pending account", domain.ErrIntegrityMismatch)
	}

	alias, err := s.repo.ConfirmAccountLink(ctx, account.ID, c.AccountToken)
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{"account_id": account.ID, "receiver_service_id": alias.ID}).Info("account linked")
	event := domain.AccountLinkedEvent{
		AccountID:         account.ID.String(),
		OwnerUserID:       account.OwnerUserID,
		ReceiverServiceID: alias.ID.String(),
		Timestamp:         s.now().UTC(),
	}
	if err := s.events.Publish(ctx, domain.RoutingAccountLinked, event); err != nil {
		s.logger.WithField("account_id", account.ID).WithError(err).Warn("account.linked publish failed")
	}
	return alias, nil
}

// ownedAccount loads accountID and hides accounts that belong to someone else.
func (s *LinkService) ownedAccount(ctx context.Context, ownerUserID string, accountID uuid.UUID) (*domain.Account, error) {
	account, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.OwnerUserID != ownerUserID {
		return nil, domain.ErrAccountNotFound
	}
	return account, nil
}

// Unlink moves a Verified account to Unlinked and forgets its bank token.
func (s *LinkService) Unlink(ctx context.Context, ownerUserID string, accountID uuid.UUID) error {
	account, err := s.ownedAccount(ctx, ownerUserID, accountID)
	if err != nil {
		return err
	}
	if account.Status != domain.AccountVerified {
		return domain.ErrInvalidState
	}
	if err := s.repo.UnlinkAccount(ctx, accountID); err != nil {
		return err
	}
	s.logger.WithField("account_id", accountID).Info("account unlinked")
	return nil
}

// Delete removes the account and its aliases. Transfers already running keep the token
// they captured.
func (s *LinkService) Delete(ctx context.Context, ownerUserID string, accountID uuid.UUID) error {
	if _, err := s.ownedAccount(ctx, ownerUserID, accountID); err != nil {
		return err
	}
	if err := s.repo.DeleteAccountWithAliases(ctx, accountID); err != nil {
		return err
	}
	s.logger.WithField("account_id", accountID).Info("account deleted")
	return nil
}

func (s *LinkService) ListAccounts(ctx context.Context, ownerUserID string) ([]domain.Account, error) {
	return s.repo.ListAccountsByOwner(ctx, ownerUserID)
}

func (s *LinkService) ListAliases(ctx context.Context, ownerUserID string) ([]domain.ReceiverServiceAccount, error) {
	return s.repo.ListAliasesByOwner(ctx, ownerUserID)
}

// RenameAlias changes the display name shown to counterparties.
func (s *LinkService) RenameAlias(ctx context.Context, ownerUserID string, aliasID uuid.UUID, displayName string) (*domain.ReceiverServiceAccount, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" || len(displayName) > maxDisplayNameLength {
		return nil, domain.ValidationError("display name must be 1-%d characters", maxDisplayNameLength)
	}
	return s.repo.RenameAlias(ctx, ownerUserID, aliasID, displayName)
}

// EnableMerchant turns a Verified account into a merchant account.
func (s *LinkService) EnableMerchant(ctx context.Context, ownerUserID string, accountID uuid.UUID) (*domain.Account, error) {
	account, err := s.ownedAccount(ctx, ownerUserID, accountID)
	if err != nil {
		return nil, err
	}
	if account.Status != domain.AccountVerified {
		return nil, domain.ErrAccountNotVerified
	}
	if !account.IsMerchant {
		if err := s.repo.EnableMerchant(ctx, accountID); err != nil {
			return nil, err
		}
		account.IsMerchant = true
	}
	return account, nil
}

// CreateMerchantKey issues a new API key/secret pair. The secret is only ever returned here.
func (s *LinkService) CreateMerchantKey(ctx context.Context, ownerUserID string, accountID uuid.UUID, name string) (domain.MerchantKey, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxDisplayNameLength {
		return domain.MerchantKey{}, domain.ValidationError("key name must be 1-%d characters", maxDisplayNameLength)
	}
	account, err := s.ownedAccount(ctx, ownerUserID, accountID)
	if err != nil {
		return domain.MerchantKey{}, err
	}
	if !account.IsMerchant {
		return domain.MerchantKey{}, domain.ErrNotMerchant
	}

	key, err := randomToken("pk_", 16)
	if err != nil {
		return domain.MerchantKey{}, err
	}
	secret, err := randomToken("sk_", 32)
	if err != nil {
		return domain.MerchantKey{}, err
	}
	created := domain.MerchantKey{Name: name, Key: key, Secret: secret, CreatedAt: s.now().UTC()}

	keys := append(append([]domain.MerchantKey{}, account.MerchantKeys...), created)
	if err := s.repo.UpdateMerchantKeys(ctx, accountID, keys); err != nil {
		return domain.MerchantKey{}, err
	}
	s.logger.WithFields(logrus.Fields{"account_id": accountID, "api_key": key}).Info("merchant key created")
	return created, nil
}

// RevokeMerchantKey deletes one API key.
func (s *LinkService) RevokeMerchantKey(ctx context.Context, ownerUserID string, accountID uuid.UUID, apiKey string) error {
	account, err := s.ownedAccount(ctx, ownerUserID, accountID)
	if err != nil {
		return err
	}
	keys := make([]domain.MerchantKey, 0, len(account.MerchantKeys))
	found := false
	for _, k := range account.MerchantKeys {
		if k.Key == apiKey {
			found = true
			continue
		}
		keys = append(keys, k)
	}
	if !found {
		return domain.ErrMerchantKeyMissing
	}
	if err := s.repo.UpdateMerchantKeys(ctx, accountID, keys); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{"account_id": accountID, "api_key": apiKey}).Info("merchant key revoked")
	return nil
}

func randomToken(prefix string, n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key material: %w", err)
	}
	return prefix + hex.EncodeToString(buf), nil
}
