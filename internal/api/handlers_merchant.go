package api

import (
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/transfa/gateway-service/internal/notify"
)

type createIntentRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// CreateIntentHandler opens a payment intent on the authenticated merchant alias.
func (h *Handlers) CreateIntentHandler(w http.ResponseWriter, r *http.Request) {
	alias, ok := MerchantAliasFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var req createIntentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	intent, err := h.merchants.CreateIntent(r.Context(), alias.ID, req.Amount)
	if err != nil {
		writeServiceError(w, h.logger, "create_intent", err)
		return
	}
	writeJSON(w, http.StatusCreated, intent.View())
}

// InquireIntentHandler returns an open intent of the authenticated alias.
func (h *Handlers) InquireIntentHandler(w http.ResponseWriter, r *http.Request) {
	alias, ok := MerchantAliasFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	intentID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	intent, err := h.merchants.Inquire(r.Context(), intentID, alias.ID)
	if err != nil {
		writeServiceError(w, h.logger, "inquire_intent", err)
		return
	}
	writeJSON(w, http.StatusOK, intent.View())
}

// IntentStreamHandler holds a push stream open until the intent is paid or the merchant
// disconnects.
func (h *Handlers) IntentStreamHandler(w http.ResponseWriter, r *http.Request) {
	alias, ok := MerchantAliasFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	intentID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.merchants.Inquire(r.Context(), intentID, alias.ID); err != nil {
		writeServiceError(w, h.logger, "intent_stream", err)
		return
	}
	h.hub.ServeStream(w, r, notify.IntentSubscriber(intentID.String()))
}
