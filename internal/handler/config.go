package handler

import (
	"net/http"

	"github.com/rendezvous/internal/config"
)

type callConfigResponse struct {
	ICEServers  []config.IceServer `json:"iceServers"`
	AllowGuests bool               `json:"allowGuests"`
}

// CallConfig отдаёт клиенту STUN/TURN серверы для RTCPeerConnection.
func CallConfig(cfg *config.Config) http.HandlerFunc {
	resp := callConfigResponse{ICEServers: cfg.CallICEServers, AllowGuests: cfg.CallAllowGuests}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, resp)
	}
}
