package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/transfa/gateway-service/internal/domain"
)

const (
	creditFailedMessage = "Your account was debited but the transfer could not be completed. " +
		"Please contact support; a manual refund has been flagged."
	unrecordedMessage = "Your account was debited and the payment was sent, but we could not record it. " +
		"Please contact support with this transfer id; it has been flagged for review."
	debitFailedMessage = "The bank declined the debit. No money was moved."
	upstreamMessage    = "The bank is unavailable right now. Please try again later."
	internalMessage    = "Internal server error"
)

// statusFor maps an error class to its HTTP status and client message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrCreditFailed):
		return http.StatusBadGateway, creditFailedMessage
	case errors.Is(err, domain.ErrSettlementUnrecorded):
		return http.StatusBadGateway, unrecordedMessage
	case errors.Is(err, domain.ErrDebitFailed):
		return http.StatusBadGateway, debitFailedMessage
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusPaymentRequired, err.Error()
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, domain.ErrIntegrityMismatch):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrUpstream):
		return http.StatusBadGateway, upstreamMessage
	}
	return http.StatusInternalServerError, internalMessage
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError logs err and writes its mapped response. Only unexpected errors are
// logged at error level.
func writeServiceError(w http.ResponseWriter, logger logrus.FieldLogger, endpoint string, err error) {
	status, message := statusFor(err)
	entry := logger.WithFields(logrus.Fields{"endpoint": endpoint, "status": status}).WithError(err)
	switch {
	case status >= http.StatusInternalServerError:
		entry.Error("request failed")
	case status == http.StatusUnauthorized:
		entry.Debug("request rejected")
	default:
		entry.Warn("request rejected")
	}
	writeError(w, status, message)
}
