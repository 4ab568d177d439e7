package api

import (
	"net/http"

	"github.com/transfa/gateway-service/internal/notify"
)

// NotificationStreamHandler subscribes the caller to their notifications over chunked HTTP.
func (h *Handlers) NotificationStreamHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}
	h.hub.ServeStream(w, r, notify.UserSubscriber(userID))
}

// NotificationSocketHandler is the WebSocket variant of NotificationStreamHandler.
func (h *Handlers) NotificationSocketHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}
	h.ws.Serve(w, r, notify.UserSubscriber(userID))
}
