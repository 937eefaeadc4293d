package handler

import (
	"encoding/json"
	"net/http"

	"github.com/rendezvous/internal/middleware"
	"github.com/rendezvous/internal/push"
)

// PushHandler хранит Web Push подписки текущего пользователя.
type PushHandler struct {
	subs     *push.Subscriptions
	notifier *push.Notifier
}

func NewPushHandler(subs *push.Subscriptions, notifier *push.Notifier) *PushHandler {
	return &PushHandler{subs: subs, notifier: notifier}
}

// SubscribeRequest: тело от фронта (subscription из PushManager.getSubscription()).
type SubscribeRequest struct {
	Subscription push.Subscription `json:"subscription"`
}

func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if !req.Subscription.Valid() {
		writeError(w, http.StatusBadRequest, "subscription.endpoint and subscription.keys required")
		return
	}
	if err := h.subs.Add(r.Context(), userID, req.Subscription); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	var req UnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint required")
		return
	}
	if err := h.subs.Remove(r.Context(), userID, req.Endpoint); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// VAPIDKey: публичный ключ для PushManager.subscribe. Пустой ключ означает, что пуши выключены.
func (h *PushHandler) VAPIDKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":          h.notifier.Enabled(),
		"vapid_public_key": h.notifier.PublicKey(),
	})
}
