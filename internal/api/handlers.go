/**
 * @description
 * HTTP handlers for the gateway-service. Handlers parse requests, call the application
 * services and write the HTTP response; error classes are mapped in errors.go.
 *
 * @dependencies
 * - internal/app: link registry, transfer saga, merchant ledger.
 * - internal/notify: push channels.
 */

package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/transfa/gateway-service/internal/app"
	"github.com/transfa/gateway-service/internal/domain"
	"github.com/transfa/gateway-service/internal/logging"
	"github.com/transfa/gateway-service/internal/notify"
)

const maxBodyBytes = 1 << 20

// Handlers holds the application services the handlers use.
type Handlers struct {
	links     *app.LinkService
	transfers *app.TransferSaga
	merchants *app.MerchantService
	hub       *notify.Hub
	ws        *notify.WebSocketGateway
	logger    logrus.FieldLogger
}

// NewHandlers creates a new instance of Handlers.
func NewHandlers(links *app.LinkService, transfers *app.TransferSaga, merchants *app.MerchantService, hub *notify.Hub, ws *notify.WebSocketGateway, logger logrus.FieldLogger) *Handlers {
	return &Handlers{
		links:     links,
		transfers: transfers,
		merchants: merchants,
		hub:       hub,
		ws:        ws,
		logger:    logging.Component(logger, "api"),
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func (h *Handlers) requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		h.logger.WithError(errMissingUser).Error("authenticated route without user")
		writeError(w, http.StatusInternalServerError, internalMessage)
		return "", false
	}
	return userID, true
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

func listLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return domain.DefaultTransferListLimit
	}
	return domain.ClampTransferListLimit(limit)
}

type linkAccountRequest struct {
	AccountNumber string `json:"account_number"`
	HolderName    string `json:"holder_name"`
	CustomerID    string `json:"customer_id"`
	RoutingCode   string `json:"routing_code"`
	PIN           string `json:"pin"`
}

// LinkAccountHandler starts the link handshake and returns the bank consent redirect.
func (h *Handlers) LinkAccountHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}
	var req linkAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	redirect, err := h.links.RequestLink(r.Context(), domain.LinkRequest{
		OwnerUserID:   userID,
		AccountNumber: req.AccountNumber,
		HolderName:    req.HolderName,
		CustomerID:    req.CustomerID,
		RoutingCode:   req.RoutingCode,
		PIN:           req.PIN,
	})
	if err != nil {
		writeServiceError(w, h.logger, "link_account", err)
		return
	}
	writeJSON(w, http.StatusAccepted, redirect)
}

// ListAccountsHandler lists the caller's linked accounts.
func (h *Handlers) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}
	accounts, err := h.links.ListAccounts(r.Context(), userID)
	if err != nil {
		writeServiceError(w, h.logger, "list_accounts", err)
		return
	}
	views := make([]domain.AccountView, 0, len(accounts))
	for i := range accounts {
		views = append(views, accounts[i].View())
	}
	writeJSON(w, http.StatusOK, views)
}

// UnlinkAccountHandler moves a Verified account to Unlinked.
func (h *Handlers) UnlinkAccountHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}
	accountID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.links.Unlink(r.Context(), userID, accountID); err != nil {
		writeServiceError(w, h.logger, "unlink_account", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteAccountHandler removes an account and its aliases.
func (h *Handlers) DeleteAccountHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}
	accountID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.links.Delete(r.Context(), userID, accountID); err != nil {
		writeServiceError(w, h.logger, "delete_account", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EnableMerchantHandler turns on merchant mode.
func (h *Handlers) EnableMerchantHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}
	accountID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	account, err := h.links.EnableMerchant(r.Context(), userID, accountID)
	if err != nil {
		writeServiceError(w, h.logger, "enable_merchant", err)
		return
	}
	writeJSON(w, http.StatusOK, account.View())
}

type createKeyRequest struct {
	Name string `json:"name"`
}

// CreateMerchantKeyHandler issues an API key. The response is the only place the secret appears.
func (h *Handlers) CreateMerchantKeyHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}
	accountID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req createKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	key, err := h.links.CreateMerchantKey(r.Context(), userID, accountID, req.Name)
	if err != nil {
		writeServiceError(w, h.logger, "create_merchant_key", err)
		return
	}
	writeJSON(w, http.StatusCreated, key)
}

// RevokeMerchantKeyHandler deletes an API key.
func (h *Handlers) RevokeMerchantKeyHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}
	accountID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.links.RevokeMerchantKey(r.Context(), userID, accountID, chi.URLParam(r, "key")); err != nil {
		writeServiceError(w, h.logger, "revoke_merchant_key", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListAliasesHandler lists the caller's receiver aliases.
func (h *Handlers) ListAliasesHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}
	aliases, err := h.links.ListAliases(r.Context(), userID)
	if err != nil {
		writeServiceError(w, h.logger, "list_aliases", err)
		return
	}
	views := make([]domain.AliasView, 0, len(aliases))
	for i := range aliases {
		views = append(views, aliases[i].View())
	}
	writeJSON(w, http.StatusOK, views)
}

type renameAliasRequest struct {
	DisplayName string `json:"display_name"`
}

// RenameAliasHandler changes an alias display name.
func (h *Handlers) RenameAliasHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}
	aliasID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req renameAliasRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	alias, err := h.links.RenameAlias(r.Context(), userID, aliasID, req.DisplayName)
	if err != nil {
		writeServiceError(w, h.logger, "rename_alias", err)
		return
	}
	writeJSON(w, http.StatusOK, alias.View())
}
