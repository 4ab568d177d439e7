package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/transfa/gateway-service/internal/domain"
	"github.com/transfa/gateway-service/internal/trust"
)

// ConfirmLinkHandler is the bank's callback once a user consented to a link. The account
// data travels inside the signed service token, never in the request body.
func (h *Handlers) ConfirmLinkHandler(w http.ResponseWriter, r *http.Request) {
	raw, ok := servicePayloadFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var payload trust.ConfirmPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid confirmation payload")
		return
	}
	accountID, err := uuid.Parse(payload.AccountID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid confirmation payload")
		return
	}

	alias, err := h.links.ConfirmLink(r.Context(), domain.LinkConfirmation{
		AccountID:     accountID,
		AccountNumber: payload.AccountNumber,
		CustomerID:    payload.CustomerID,
		AccountToken:  payload.AccountToken,
	})
	if err != nil {
		writeServiceError(w, h.logger, "confirm_link", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":            string(domain.AccountVerified),
		"receiverServiceId": alias.ID.String(),
	})
}

// LookupTransferHandler lets the bank confirm that a senderTxId is a real gateway transfer.
func (h *Handlers) LookupTransferHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	lookup, err := h.transfers.LookupTransfer(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, "lookup_transfer", err)
		return
	}
	writeJSON(w, http.StatusOK, lookup)
}
