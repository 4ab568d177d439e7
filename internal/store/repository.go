/**
 * @description
 * The Repository interface covers every persistence operation of the gateway: linked
 * accounts, receiver aliases, transfer records and merchant intents. Application services
 * depend on this interface only, so tests can substitute in-memory stubs.
 *
 * @dependencies
 * - github.com/google/uuid: identifiers.
 * - internal/domain: the gateway's models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/gateway-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Accounts
	CreateAccount(ctx context.Context, account *domain.Account) error
	FindAccountByID(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	FindAccountByNumber(ctx context.Context, accountNumber string) (*domain.Account, error)
	ListAccountsByOwner(ctx context.Context, ownerUserID string) ([]domain.Account, error)
	// RefreshPendingLink rewrites the mutable link fields of a Pending/Unlinked account.
	RefreshPendingLink(ctx context.Context, account *domain.Account) error
	// ConfirmAccountLink verifies the account and find-or-creates its alias in one
	// transaction. Returns domain.ErrInvalidState when the account is not Pending/Unlinked.
	ConfirmAccountLink(ctx context.Context, accountID uuid.UUID, accountToken string) (*domain.ReceiverServiceAccount, error)
	// UnlinkAccount moves Verified to Unlinked and clears the token.
	UnlinkAccount(ctx context.Context, accountID uuid.UUID) error
	DeleteAccountWithAliases(ctx context.Context, accountID uuid.UUID) error
	EnableMerchant(ctx context.Context, accountID uuid.UUID) error
	UpdateMerchantKeys(ctx context.Context, accountID uuid.UUID, keys []domain.MerchantKey) error

	// Receiver aliases
	FindAliasByID(ctx context.Context, id uuid.UUID) (*domain.ReceiverServiceAccount, error)
	ListAliasesByOwner(ctx context.Context, ownerUserID string) ([]domain.ReceiverServiceAccount, error)
	RenameAlias(ctx context.Context, ownerUserID string, aliasID uuid.UUID, displayName string) (*domain.ReceiverServiceAccount, error)

	// Transfers
	CreateTransfer(ctx context.Context, transfer *domain.Transfer) error
	// UpdateTransferStatus is a compare-and-set on the current status. Returns
	// domain.ErrInvalidTransition when the record is no longer in status from.
	UpdateTransferStatus(ctx context.Context, id uuid.UUID, from, to domain.TransferStatus, update TransferStatusUpdate) error
	FindTransferByID(ctx context.Context, id uuid.UUID) (*domain.Transfer, error)
	ListTransfersByUser(ctx context.Context, userID string, limit int) ([]domain.Transfer, error)
	ListStaleTransfers(ctx context.Context, statuses []domain.TransferStatus, updatedBefore time.Time, limit int) ([]domain.Transfer, error)

	// Merchant intents
	CreateIntent(ctx context.Context, intent *domain.MerchantTransaction) error
	FindIntentByID(ctx context.Context, id uuid.UUID) (*domain.MerchantTransaction, error)
	// CompleteIntent flips Initiated to Completed. changed is false when the intent was
	// already Completed.
	CompleteIntent(ctx context.Context, id uuid.UUID, transferID uuid.UUID) (changed bool, err error)
}

// TransferStatusUpdate carries the optional columns written alongside a status change.
type TransferStatusUpdate struct {
	RequiresManualRefund bool
	FailureReason        string
}
