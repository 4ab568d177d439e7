/**
 * @description
 * The transfer record (SenderServiceAccount) and its forward-only status machine, plus the
 * tagged union used to describe where a transfer is going.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferStatus is the saga state of a transfer record.
type TransferStatus string

const (
	TransferInitiated TransferStatus = "Initiated"
	TransferDebited   TransferStatus = "Debited"
	TransferCredited  TransferStatus = "Credited"
	TransferCompleted TransferStatus = "Completed"
	TransferRefunded  TransferStatus = "Refunded"
	TransferFailed    TransferStatus = "Failed"
)

var transferTransitions = map[TransferStatus][]TransferStatus{
	TransferInitiated: {TransferDebited, TransferRefunded, TransferFailed},
	TransferDebited:   {TransferCredited, TransferRefunded},
	TransferCredited:  {TransferCompleted},
}

// CanTransitionTo reports whether next is an allowed successor of s.
func (s TransferStatus) CanTransitionTo(next TransferStatus) bool {
	for _, allowed := range transferTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s TransferStatus) IsTerminal() bool {
	return len(transferTransitions[s]) == 0
}

// Transfer is one funds-movement attempt.
type Transfer struct {
	ID                       uuid.UUID
	UserID                   string
	SourceAccountID          uuid.UUID
	SourceAccountNumber      string
	DestinationAccountNumber string
	ReceiverServiceID        *uuid.UUID
	MerchantTransactionID    *uuid.UUID
	Amount                   decimal.Decimal
	Note                     string
	Status                   TransferStatus
	RequiresManualRefund     bool
	FailureReason            *string
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// Page sizes for transfer listings.
const (
	DefaultTransferListLimit = 50
	MaxTransferListLimit     = 200
)

// ClampTransferListLimit maps a requested page size into [1, MaxTransferListLimit].
// Non-positive values mean the default.
func ClampTransferListLimit(limit int) int {
	if limit <= 0 {
		return DefaultTransferListLimit
	}
	if limit > MaxTransferListLimit {
		return MaxTransferListLimit
	}
	return limit
}

// TransferView is the sender-facing representation of a transfer. Destination account
// numbers are masked.
type TransferView struct {
	ID                    string          `json:"id"`
	SourceAccountID       string          `json:"source_account_id"`
	Destination           string          `json:"destination"`
	ReceiverServiceID     *string         `json:"receiver_service_id,omitempty"`
	MerchantTransactionID *string         `json:"merchant_transaction_id,omitempty"`
	Amount                decimal.Decimal `json:"amount"`
	Note                  string          `json:"note,omitempty"`
	Status                TransferStatus  `json:"status"`
	RequiresManualRefund  bool            `json:"requires_manual_refund"`
	FailureReason         *string         `json:"failure_reason,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// View builds the sender-facing representation.
func (t *Transfer) View() TransferView {
	v := TransferView{
		ID:                   t.ID.String(),
		SourceAccountID:      t.SourceAccountID.String(),
		Destination:          MaskAccountNumber(t.DestinationAccountNumber),
		Amount:               t.Amount,
		Note:                 t.Note,
		Status:               t.Status,
		RequiresManualRefund: t.RequiresManualRefund,
		FailureReason:        t.FailureReason,
		CreatedAt:            t.CreatedAt,
		UpdatedAt:            t.UpdatedAt,
	}
	if t.ReceiverServiceID != nil {
		id := t.ReceiverServiceID.String()
		v.ReceiverServiceID = &id
		// Alias transfers never reveal the receiver's number, not even masked.
		v.Destination = id
	}
	if t.MerchantTransactionID != nil {
		id := t.MerchantTransactionID.String()
		v.MerchantTransactionID = &id
	}
	return v
}

// TransferTarget is where a transfer is going. Exactly one of the concrete target types
// below implements it.
type TransferTarget interface {
	isTransferTarget()
}

// BankAccountTarget sends to a raw bank account number.
type BankAccountTarget struct {
	AccountNumber string
}

// ServiceAliasTarget sends to a receiver alias, optionally paying a merchant intent that
// must be bound to the same alias.
type ServiceAliasTarget struct {
	AliasID               uuid.UUID
	MerchantTransactionID *uuid.UUID
}

// MerchantIntentTarget pays a merchant intent; the destination is the intent's alias.
type MerchantIntentTarget struct {
	TransactionID uuid.UUID
}

func (BankAccountTarget) isTransferTarget()    {}
func (ServiceAliasTarget) isTransferTarget()   {}
func (MerchantIntentTarget) isTransferTarget() {}

// TransferRequest is the validated input of the transfer saga.
type TransferRequest struct {
	UserID          string
	SourceAccountID uuid.UUID
	Target          TransferTarget
	Amount          decimal.Decimal
	PIN             string
	Note            string
	IdempotencyKey  string
}

// TransferLookup is what the bank sees when it confirms a senderTxId.
type TransferLookup struct {
	ID     string          `json:"id"`
	Amount decimal.Decimal `json:"amount"`
	Status TransferStatus  `json:"status"`
}
