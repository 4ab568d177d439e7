/**
 * @description
 * Payloads published to RabbitMQ and pushed through the notification hub.
 */

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Routing keys for lifecycle events on the events exchange.
const (
	RoutingAccountLinked        = "account.linked"
	RoutingTransferCompleted    = "transfer.completed"
	RoutingTransferRefunded     = "transfer.refunded"
	RoutingTransferFailed       = "transfer.failed"
	RoutingTransferCreditFailed = "transfer.credit_failed"
)

// TransferEvent is published on every terminal transfer status.
type TransferEvent struct {
	TransferID           string          `json:"transfer_id"`
	UserID               string          `json:"user_id"`
	Status               TransferStatus  `json:"status"`
	Amount               decimal.Decimal `json:"amount"`
	RequiresManualRefund bool            `json:"requires_manual_refund"`
	Reason               string          `json:"reason,omitempty"`
	Timestamp            time.Time       `json:"timestamp"`
}

// AccountLinkedEvent is published when the bank confirms a link.
type AccountLinkedEvent struct {
	AccountID         string    `json:"account_id"`
	OwnerUserID       string    `json:"owner_user_id"`
	ReceiverServiceID string    `json:"receiver_service_id"`
	Timestamp         time.Time `json:"timestamp"`
}

// TransferNotification is pushed to the receiving user and to a waiting merchant.
type TransferNotification struct {
	Type                  string          `json:"type"`
	TransferID            string          `json:"transfer_id"`
	Amount                decimal.Decimal `json:"amount"`
	Note                  string          `json:"note,omitempty"`
	ReceiverServiceID     string          `json:"receiver_service_id,omitempty"`
	MerchantTransactionID string          `json:"merchant_transaction_id,omitempty"`
	Status                string          `json:"status"`
}
