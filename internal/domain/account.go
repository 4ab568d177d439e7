/**
 * @description
 * Domain models for a linked bank account and the anonymized receiver alias derived
 * from it once the bank confirms the link.
 *
 * @notes
 * - AccountToken is set iff Status == Verified. The store enforces the same rule with a
 *   CHECK constraint.
 * - PINHash, AccountToken and merchant key secrets never leave the service through the
 *   public views below.
 */

package domain

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AccountStatus is the link status of an Account.
type AccountStatus string

const (
	AccountPending  AccountStatus = "Pending"
	AccountVerified AccountStatus = "Verified"
	AccountUnlinked AccountStatus = "Unlinked"
)

// DefaultAliasName is the display name given to a freshly created receiver alias.
const DefaultAliasName = "Gateway Receiver"

var (
	accountNumberPattern = regexp.MustCompile(`^[0-9]{9,18}$`)
	routingCodePattern   = regexp.MustCompile(`^[A-Z]{4}0[A-Z0-9]{6}$`)
	pinPattern           = regexp.MustCompile(`^[0-9]{4,6}$`)
)

// MerchantKey is one API key/secret pair owned by a merchant account.
type MerchantKey struct {
	Name      string    `json:"name"`
	Key       string    `json:"key"`
	Secret    string    `json:"secret"`
	CreatedAt time.Time `json:"createdAt"`
}

// Account is a user's claim on a specific external bank account.
type Account struct {
	ID            uuid.UUID
	OwnerUserID   string
	AccountNumber string
	HolderName    string
	CustomerID    string
	RoutingCode   string
	PINHash       string
	Status        AccountStatus
	AccountToken  *string
	IsMerchant    bool
	MerchantKeys  []MerchantKey
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CanConfirm reports whether the bank's confirmation callback may verify the account.
func (a *Account) CanConfirm() bool {
	return a.Status == AccountPending || a.Status == AccountUnlinked
}

// CanTransfer reports whether the account may be used as a transfer source.
func (a *Account) CanTransfer() bool {
	return a.Status == AccountVerified && a.AccountToken != nil && *a.AccountToken != ""
}

// FindMerchantKey returns the stored key matching apiKey.
func (a *Account) FindMerchantKey(apiKey string) (MerchantKey, bool) {
	for _, k := range a.MerchantKeys {
		if k.Key == apiKey {
			return k, true
		}
	}
	return MerchantKey{}, false
}

// AccountView is the owner-facing representation of an Account.
type AccountView struct {
	ID                  string            `json:"id"`
	AccountNumberMasked string            `json:"account_number_masked"`
	HolderName          string            `json:"holder_name"`
	RoutingCode         string            `json:"routing_code"`
	Status              AccountStatus     `json:"status"`
	IsMerchant          bool              `json:"is_merchant"`
	MerchantKeys        []MerchantKeyView `json:"merchant_keys"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// MerchantKeyView omits the secret.
type MerchantKeyView struct {
	Name      string    `json:"name"`
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

// View builds the owner-facing representation.
func (a *Account) View() AccountView {
	keys := make([]MerchantKeyView, 0, len(a.MerchantKeys))
	for _, k := range a.MerchantKeys {
		keys = append(keys, MerchantKeyView{Name: k.Name, Key: k.Key, CreatedAt: k.CreatedAt})
	}
	return AccountView{
		ID:                  a.ID.String(),
		AccountNumberMasked: MaskAccountNumber(a.AccountNumber),
		HolderName:          a.HolderName,
		RoutingCode:         a.RoutingCode,
		Status:              a.Status,
		IsMerchant:          a.IsMerchant,
		MerchantKeys:        keys,
		CreatedAt:           a.CreatedAt,
		UpdatedAt:           a.UpdatedAt,
	}
}

// ReceiverServiceAccount is the anonymized alias standing in for a real account number.
type ReceiverServiceAccount struct {
	ID            uuid.UUID
	OwnerUserID   string
	AccountNumber string
	DisplayName   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AliasView is the only representation of an alias that leaves the service.
type AliasView struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// View builds the public alias representation. The account number is never included.
func (r *ReceiverServiceAccount) View() AliasView {
	return AliasView{ID: r.ID.String(), DisplayName: r.DisplayName, CreatedAt: r.CreatedAt}
}

// ValidAccountNumber reports whether s is 9–18 digits.
func ValidAccountNumber(s string) bool {
	return accountNumberPattern.MatchString(s)
}

// ValidRoutingCode reports whether s matches the bank routing format (IFSC style).
func ValidRoutingCode(s string) bool {
	return routingCodePattern.MatchString(s)
}

// ValidPIN reports whether s is a 4–6 digit gateway PIN.
func ValidPIN(s string) bool {
	return pinPattern.MatchString(s)
}

// MaskAccountNumber keeps only the last four digits.
func MaskAccountNumber(accountNumber string) string {
	if len(accountNumber) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(accountNumber)-4) + accountNumber[len(accountNumber)-4:]
}
