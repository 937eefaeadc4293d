package call

import (
	"errors"
	"strings"

	"github.com/rendezvous/internal/logger"
	"github.com/rendezvous/internal/ws"
)

// ErrTargetGone: адресат сигнала не подключён (или уже отключился).
var ErrTargetGone = errors.New("signal target is not connected")

// Relay пересылает WebRTC-сигналы между соединениями. Содержимое сигнала не разбирается:
// проверяется только, что адресат существует.
type Relay struct {
	hub *ws.Hub
}

func NewRelay(hub *ws.Hub) *Relay {
	return &Relay{hub: hub}
}

func (r *Relay) Forward(from *ws.Client, target, event string, payload any) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return ErrTargetGone
	}
	if !r.hub.EmitTo(target, event, payload) {
		logger.Debugf("vc relay %s from=%s to=%s: target gone", event, from.ID(), target)
		return ErrTargetGone
	}
	return nil
}
