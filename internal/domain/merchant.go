package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// IntentStatus is the status of a merchant payment intent.
type IntentStatus string

const (
	IntentInitiated IntentStatus = "Initiated"
	IntentCompleted IntentStatus = "Completed"
)

// MerchantTransaction is a merchant's request to be paid a fixed amount via an alias.
type MerchantTransaction struct {
	ID                uuid.UUID
	ReceiverServiceID uuid.UUID
	Amount            decimal.Decimal
	Status            IntentStatus
	SenderServiceID   *uuid.UUID
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IntentView is the inquiry response. It deliberately carries nothing about the payer.
type IntentView struct {
	ID                string          `json:"id"`
	ReceiverServiceID string          `json:"receiverServiceId"`
	Amount            decimal.Decimal `json:"amount"`
	Status            IntentStatus    `json:"status"`
}

// View builds the inquiry response.
func (m *MerchantTransaction) View() IntentView {
	return IntentView{
		ID:                m.ID.String(),
		ReceiverServiceID: m.ReceiverServiceID.String(),
		Amount:            m.Amount,
		Status:            m.Status,
	}
}
