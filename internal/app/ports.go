package app

import (
	"context"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
)

// BankGateway is the bank API as the saga sees it.
type BankGateway interface {
	GetBalance(ctx context.Context, token string) (decimal.Decimal, error)
	Transfer(ctx context.Context, token string) (bool, error)
}

// TokenMinter mints single-use trust tokens.
type TokenMinter interface {
	Mint(payload any, audience string) (string, error)
}

// Notifier pushes best-effort messages to connected subscribers.
type Notifier interface {
	Publish(subscriberID string, payload any) bool
}

// PINHasher is a one-way PIN comparison primitive.
type PINHasher interface {
	Hash(pin string) (string, error)
	Compare(hash, pin string) bool
}

// BcryptHasher hashes gateway PINs with bcrypt.
type BcryptHasher struct {
	Cost int
}

func (h BcryptHasher) Hash(pin string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(pin), cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func (h BcryptHasher) Compare(hash, pin string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)) == nil
}
