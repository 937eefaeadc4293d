package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rendezvous/internal/apperr"
	"github.com/rendezvous/internal/auth"
	"github.com/rendezvous/internal/logger"
	"github.com/rendezvous/internal/middleware"
	"github.com/rendezvous/internal/ws"
)

type WSHandler struct {
	hub            *ws.Hub
	verifier       *auth.Verifier
	opts           ws.Options
	allowedOrigins string
	allowGuests    bool
	upgrader       websocket.Upgrader
}

// NewWSHandler создаёт обработчик upgrade для одного пространства имён.
// allowedOrigins: как в CORS (через запятую или "*"). allowGuests пускает соединения без токена.
func NewWSHandler(hub *ws.Hub, verifier *auth.Verifier, opts ws.Options, allowedOrigins string, allowGuests bool) *WSHandler {
	h := &WSHandler{
		hub:            hub,
		verifier:       verifier,
		opts:           opts,
		allowedOrigins: strings.TrimSpace(allowedOrigins),
		allowGuests:    allowGuests,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// ServeWS поднимает соединение и только потом проверяет токен: отказ уходит клиенту
// событием authError, после чего соединение закрывается кодом 4401.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws %s upgrade: %v", h.hub.Name(), err)
		return
	}

	identity, err := h.verifier.Verify(r.Context(), auth.CredentialFromRequest(r))
	if err != nil {
		if !h.allowGuests || apperr.Is(err, apperr.KindStoreUnavailable) {
			h.reject(conn, r, err)
			return
		}
		identity = nil
	}

	origin := strings.TrimRight(strings.TrimSpace(r.Header.Get("Origin")), "/")
	if origin == "null" {
		origin = ""
	}
	client := ws.NewClient(h.hub, conn, identity, origin, h.opts)
	if !h.hub.Connect(client) {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"), deadline)
		conn.Close()
	}
}

func (h *WSHandler) reject(conn *websocket.Conn, r *http.Request, err error) {
	reason := string(auth.ReasonOf(err))
	if reason == "" {
		reason = string(apperr.KindOf(err))
	}
	logger.Infof("ws %s rejected ip=%s reason=%s token=%s", h.hub.Name(), r.RemoteAddr, reason,
		middleware.MaskToken(auth.CredentialFromRequest(r)))
	ws.Reject(conn, ws.AuthErrorPayload{Reason: reason, Message: apperr.PublicMessage(err)}, h.opts.WriteWait)
}
