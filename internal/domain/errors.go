/**
 * @description
 * Error taxonomy shared by every layer of the gateway-service. Each specific error wraps
 * one of the class sentinels so handlers can map on the class with errors.Is while the
 * saga and registry still return precise causes.
 */

package domain

import (
	"errors"
	"fmt"
)

// Error classes.
var (
	ErrValidation        = errors.New("validation error")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrConflict          = errors.New("conflict")
	ErrNotFound          = errors.New("not found")
	ErrUpstream          = errors.New("upstream failure")
	ErrIntegrityMismatch = errors.New("integrity mismatch")
)

// Account linking.
var (
	ErrAccountNotFound    = fmt.Errorf("%w: account", ErrNotFound)
	ErrAliasNotFound      = fmt.Errorf("%w: receiver service account", ErrNotFound)
	ErrAlreadyLinked      = fmt.Errorf("%w: account is already linked", ErrConflict)
	ErrLinkCooldown       = fmt.Errorf("%w: link was requested recently, try again later", ErrConflict)
	ErrInvalidState       = fmt.Errorf("%w: account is not in a state that allows this operation", ErrConflict)
	ErrAccountNotVerified = fmt.Errorf("%w: source account is not verified", ErrConflict)
	ErrDuplicateAlias     = fmt.Errorf("%w: receiver service account already exists", ErrConflict)
	ErrNotMerchant        = fmt.Errorf("%w: account is not a merchant account", ErrConflict)
	ErrMerchantKeyMissing = fmt.Errorf("%w: merchant key", ErrNotFound)
)

// Transfers and merchant intents.
var (
	ErrTransferNotFound    = fmt.Errorf("%w: transfer", ErrNotFound)
	ErrIntentNotFound      = fmt.Errorf("%w: merchant transaction", ErrNotFound)
	ErrIntentClosed        = fmt.Errorf("%w: merchant transaction is no longer open", ErrConflict)
	ErrInvalidPIN          = fmt.Errorf("%w: invalid gateway pin", ErrUnauthorized)
	ErrInsufficientFunds   = fmt.Errorf("%w: insufficient funds", ErrValidation)
	ErrDuplicateSubmission = fmt.Errorf("%w: transfer with this idempotency key was already submitted", ErrConflict)
	ErrInvalidTransition   = fmt.Errorf("%w: invalid transfer status transition", ErrConflict)

	// ErrDebitFailed means the origin bank refused the debit. No money moved.
	ErrDebitFailed = fmt.Errorf("%w: debit from source bank failed", ErrUpstream)
	// ErrCreditFailed means the source was debited but the pool credit failed. The record is
	// marked Refunded without any reversal being issued and needs manual follow-up.
	ErrCreditFailed = fmt.Errorf("%w: credit to pool account failed after debit", ErrUpstream)
	// ErrSettlementUnrecorded means both bank legs went through but the record could not be
	// moved past Debited. It is flagged for manual reconciliation.
	ErrSettlementUnrecorded = fmt.Errorf("%w: transfer settled at the bank but could not be recorded", ErrUpstream)
)

// ValidationError builds a validation error carrying a field-level message.
func ValidationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
