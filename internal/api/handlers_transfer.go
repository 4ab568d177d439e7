package api

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/transfa/gateway-service/internal/domain"
)

// IdempotencyKeyHeader carries the optional client idempotency key.
const IdempotencyKeyHeader = "Idempotency-Key"

type transferRequest struct {
	SourceAccountID       string          `json:"source_account_id"`
	TransferType          string          `json:"transfer_type"`
	AccountNumber         string          `json:"account_number,omitempty"`
	ReceiverServiceID     string          `json:"receiver_service_id,omitempty"`
	MerchantTransactionID string          `json:"merchant_transaction_id,omitempty"`
	Amount                decimal.Decimal `json:"amount"`
	PIN                   string          `json:"pin"`
	Note                  string          `json:"note,omitempty"`
}

type transferFailureResponse struct {
	Error    string              `json:"error"`
	Transfer domain.TransferView `json:"transfer"`
}

// target resolves the loosely typed body into exactly one destination.
func (req transferRequest) target() (domain.TransferTarget, error) {
	switch strings.ToLower(strings.TrimSpace(req.TransferType)) {
	case "account":
		if req.AccountNumber == "" {
			return nil, domain.ValidationError("account_number is required for account transfers")
		}
		return domain.BankAccountTarget{AccountNumber: req.AccountNumber}, nil
	case "service":
		aliasID, err := uuid.Parse(req.ReceiverServiceID)
		if err != nil {
			return nil, domain.ValidationError("receiver_service_id must be a valid id")
		}
		target := domain.ServiceAliasTarget{AliasID: aliasID}
		if req.MerchantTransactionID != "" {
			intentID, err := uuid.Parse(req.MerchantTransactionID)
			if err != nil {
				return nil, domain.ValidationError("merchant_transaction_id must be a valid id")
			}
			target.MerchantTransactionID = &intentID
		}
		return target, nil
	case "merchant":
		intentID, err := uuid.Parse(req.MerchantTransactionID)
		if err != nil {
			return nil, domain.ValidationError("merchant_transaction_id must be a valid id")
		}
		return domain.MerchantIntentTarget{TransactionID: intentID}, nil
	}
	return nil, domain.ValidationError("transfer_type must be one of account, service, merchant")
}

// CreateTransferHandler runs a transfer to completion and reports the terminal status.
func (h *Handlers) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sourceID, err := uuid.Parse(req.SourceAccountID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "source_account_id must be a valid id")
		return
	}
	target, err := req.target()
	if err != nil {
		writeServiceError(w, h.logger, "create_transfer", err)
		return
	}

	transfer, err := h.transfers.Execute(r.Context(), domain.TransferRequest{
		UserID:          userID,
		SourceAccountID: sourceID,
		Target:          target,
		Amount:          req.Amount,
		PIN:             req.PIN,
		Note:            req.Note,
		IdempotencyKey:  strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)),
	})
	if err != nil && transfer != nil {
		// The record exists; return it so the client can reference it with support.
		status, message := statusFor(err)
		h.logger.WithFields(logrus.Fields{"transfer_id": transfer.ID, "status": transfer.Status}).WithError(err).Warn("transfer ended without completing")
		writeJSON(w, status, transferFailureResponse{Error: message, Transfer: transfer.View()})
		return
	}
	if err != nil {
		writeServiceError(w, h.logger, "create_transfer", err)
		return
	}
	writeJSON(w, http.StatusCreated, transfer.View())
}

// ListTransfersHandler lists the caller's transfers, newest first.
func (h *Handlers) ListTransfersHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}
	transfers, err := h.transfers.ListTransfers(r.Context(), userID, listLimit(r))
	if err != nil {
		writeServiceError(w, h.logger, "list_transfers", err)
		return
	}
	views := make([]domain.TransferView, 0, len(transfers))
	for i := range transfers {
		views = append(views, transfers[i].View())
	}
	writeJSON(w, http.StatusOK, views)
}

// GetTransferHandler returns one of the caller's transfers.
func (h *Handlers) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	transfer, err := h.transfers.GetTransfer(r.Context(), userID, id)
	if err != nil {
		writeServiceError(w, h.logger, "get_transfer", err)
		return
	}
	writeJSON(w, http.StatusOK, transfer.View())
}
