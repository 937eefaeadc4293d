// Package call обслуживает пространство имён /vc: присутствие в видеокомнатах и пересылка WebRTC-сигналов.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rendezvous/internal/apperr"
	"github.com/rendezvous/internal/auth"
	"github.com/rendezvous/internal/logger"
	"github.com/rendezvous/internal/model"
	"github.com/rendezvous/internal/presence"
	"github.com/rendezvous/internal/storage"
	"github.com/rendezvous/internal/ws"
)

// Входящие события /vc.
const (
	EventJoinRoom        = "join_room"
	EventLeaveRoom       = "leave_room"
	EventSendMessage     = "send_message"
	EventSendingSignal   = "sending_signal"
	EventReturningSignal = "returning_signal"
)

// Исходящие события /vc.
const (
	EventConnected      = "vc_connected"
	EventUserJoined     = "user_joined"
	EventUserLeft       = "user_left"
	EventReceiveMessage = "receive_message"
	EventUserSignal     = "user_joined_signal"
	EventReturnedSignal = "receiving_returned_signal"
	EventSignalFailed   = "signal_failed"
	EventRoomClosed     = "room_closed"
)

const defaultGuestUsername = "default"

// TokenVerifier проверяет accessToken из join_room / send_message.
type TokenVerifier interface {
	Verify(ctx context.Context, credential string) (*auth.Identity, error)
}

type Namespace struct {
	hub      *ws.Hub
	presence *presence.Store
	rooms    storage.RoomStore
	verifier TokenVerifier
	relay    *Relay
	now      func() time.Time
}

// New связывает обработчик с хабом. rooms == nil: комнаты не проверяются, room_id принимается как есть.
func New(hub *ws.Hub, p *presence.Store, rooms storage.RoomStore, verifier TokenVerifier) *Namespace {
	n := &Namespace{
		hub:      hub,
		presence: p,
		rooms:    rooms,
		verifier: verifier,
		relay:    NewRelay(hub),
		now:      time.Now,
	}
	hub.SetHandler(n)
	return n
}

type roomRequest struct {
	RoomID      string `json:"room_id"`
	Username    string `json:"username"`
	AccessToken string `json:"accessToken,omitempty"`
	Message     string `json:"message,omitempty"`
}

type signalRequest struct {
	SocketID        string          `json:"socket_id"`
	Username        string          `json:"username"`
	Signal          json.RawMessage `json:"signal"`
	NewUserSocketID string          `json:"new_user_socket_id"`
	NewUserName     string          `json:"new_user_name"`
}

type peer struct {
	SocketID string `json:"socket_id"`
	Username string `json:"username"`
}

type joinAck struct {
	Status        string           `json:"status"`
	RoomID        string           `json:"room_id"`
	ExistingUsers []presence.Entry `json:"existingUsers"`
	SocketID      string           `json:"socket_id"`
}

type roomAck struct {
	Status string `json:"status"`
	RoomID string `json:"room_id"`
}

type errorAck struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type chatMessage struct {
	SocketID string `json:"socket_id"`
	Message  string `json:"message"`
	Username string `json:"username"`
}

type userSignal struct {
	Username        string          `json:"username"`
	Signal          json.RawMessage `json:"signal"`
	NewUserSocketID string          `json:"new_user_socket_id"`
}

type returnedSignal struct {
	Username string          `json:"username"`
	Signal   json.RawMessage `json:"signal"`
	SocketID string          `json:"socket_id"`
}

type signalFailed struct {
	Target string `json:"target"`
	Event  string `json:"event"`
}

func (n *Namespace) OnConnect(ctx context.Context, c *ws.Client) {
	logger.Infof("vc connected socket=%s user_id=%s", c.ID(), c.UserID())
	c.Emit(EventConnected, map[string]string{"socket_id": c.ID()})
}

// OnDisconnect сначала покидает комнаты, в которые соединение входило через этот процесс,
// затем проходит по всем комнатам хранилища: запись могла остаться после сбоя.
func (n *Namespace) OnDisconnect(ctx context.Context, c *ws.Client) {
	notified := make(map[string]bool)
	for _, roomID := range n.hub.Rooms(c) {
		removed, err := n.presence.Leave(ctx, roomID, c.ID())
		if err != nil {
			logger.Errorf("vc disconnect leave room=%s socket=%s: %v", roomID, c.ID(), err)
			continue
		}
		if removed != nil {
			n.hub.Broadcast(roomID, EventUserLeft, peer{SocketID: c.ID(), Username: removed.Username}, c)
			notified[roomID] = true
		}
	}

	departures, err := n.presence.Sweep(ctx, c.ID())
	if err != nil {
		logger.Errorf("vc disconnect sweep socket=%s: %v", c.ID(), err)
	}
	for _, d := range departures {
		if notified[d.RoomID] {
			continue
		}
		n.hub.Broadcast(d.RoomID, EventUserLeft, peer{SocketID: c.ID(), Username: d.Entry.Username}, c)
	}
	logger.Infof("vc disconnected socket=%s user_id=%s", c.ID(), c.UserID())
}

func (n *Namespace) HandleEvent(ctx context.Context, c *ws.Client, msg ws.Incoming) {
	var err error
	switch msg.Event {
	case EventJoinRoom:
		err = n.joinRoom(ctx, c, msg)
	case EventLeaveRoom:
		err = n.leaveRoom(ctx, c, msg)
	case EventSendMessage:
		err = n.sendMessage(ctx, c, msg)
	case EventSendingSignal:
		err = n.sendingSignal(c, msg)
	case EventReturningSignal:
		err = n.returningSignal(c, msg)
	default:
		err = apperr.Invalid("unknown event: " + msg.Event)
	}
	if err != nil {
		n.fail(c, msg, err)
	}
}

func (n *Namespace) fail(c *ws.Client, msg ws.Incoming, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindUnknown || kind == apperr.KindStoreUnavailable {
		logger.Errorf("vc %s socket=%s: %v", msg.Event, c.ID(), err)
	}
	text := apperr.PublicMessage(err)
	if msg.Ack != nil {
		c.Reply(msg, errorAck{Status: "error", Code: string(kind), Message: text})
		return
	}
	c.Emit(ws.EventError, ws.ErrorPayload{Code: string(kind), Message: text, Event: msg.Event})
}

func decodeRoom(raw json.RawMessage) (roomRequest, error) {
	var req roomRequest
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &req); err != nil {
			return req, apperr.Invalid("malformed payload")
		}
	}
	req.RoomID = strings.TrimSpace(req.RoomID)
	if req.RoomID == "" {
		return req, apperr.Invalid("room_id is required")
	}
	req.Username = strings.TrimSpace(req.Username)
	return req, nil
}

// resolveRoom принимает id комнаты или её connection string и возвращает каноничный id.
func (n *Namespace) resolveRoom(ctx context.Context, ref string) (*model.Room, string, error) {
	if n.rooms == nil {
		return nil, ref, nil
	}
	r, err := n.rooms.GetByID(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		r, err = n.rooms.GetByConnectionString(ctx, ref)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, "", apperr.NotFound("room not found")
	}
	if err != nil {
		return nil, "", apperr.StoreUnavailable("room lookup failed", err)
	}
	return r, r.ID, nil
}

// identify: валидный accessToken важнее личности соединения; невалидный просто игнорируется.
func (n *Namespace) identify(ctx context.Context, c *ws.Client, token string) (userID, username string) {
	if id := c.Identity(); id != nil {
		userID, username = id.ID, id.Username
	}
	if token == "" || n.verifier == nil {
		return userID, username
	}
	id, err := n.verifier.Verify(ctx, token)
	if err != nil {
		logger.Debugf("vc accessToken ignored socket=%s reason=%s", c.ID(), auth.ReasonOf(err))
		return userID, username
	}
	return id.ID, id.Username
}

func (n *Namespace) joinRoom(ctx context.Context, c *ws.Client, msg ws.Incoming) error {
	req, err := decodeRoom(msg.Data)
	if err != nil {
		return err
	}
	room, roomID, err := n.resolveRoom(ctx, req.RoomID)
	if err != nil {
		return err
	}

	userID, name := n.identify(ctx, c, req.AccessToken)
	if req.Username != "" {
		name = req.Username
	}
	if name == "" {
		name = defaultGuestUsername
	}

	res, err := n.presence.Join(ctx, roomID, presence.Entry{SocketID: c.ID(), UserID: userID, Username: name})
	if err != nil {
		return err
	}
	n.hub.Join(c, roomID)

	status := "already_joined"
	if res.Joined {
		status = "joined"
		n.hub.Broadcast(roomID, EventUserJoined, peer{SocketID: c.ID(), Username: name}, c)
		if room != nil && len(res.Existing) == 0 {
			if err := n.rooms.TouchSession(ctx, room.ID, n.now().UTC()); err != nil {
				logger.Errorf("vc touch session room=%s: %v", room.ID, err)
			}
		}
		logger.Infof("vc join room=%s socket=%s user_id=%s members=%d", roomID, c.ID(), userID, len(res.Existing)+1)
	}
	c.Reply(msg, joinAck{Status: status, RoomID: roomID, ExistingUsers: res.Existing, SocketID: c.ID()})
	return nil
}

func (n *Namespace) leaveRoom(ctx context.Context, c *ws.Client, msg ws.Incoming) error {
	req, err := decodeRoom(msg.Data)
	if err != nil {
		return err
	}
	_, roomID, err := n.resolveRoom(ctx, req.RoomID)
	if err != nil {
		return err
	}
	removed, err := n.presence.Leave(ctx, roomID, c.ID())
	if err != nil {
		return err
	}
	if removed != nil {
		name := removed.Username
		if req.Username != "" {
			name = req.Username
		}
		n.hub.Broadcast(roomID, EventUserLeft, peer{SocketID: c.ID(), Username: name}, c)
	}
	n.hub.Leave(c, roomID)
	c.Reply(msg, roomAck{Status: "left", RoomID: roomID})
	return nil
}

func (n *Namespace) sendMessage(ctx context.Context, c *ws.Client, msg ws.Incoming) error {
	req, err := decodeRoom(msg.Data)
	if err != nil {
		return err
	}
	_, roomID, err := n.resolveRoom(ctx, req.RoomID)
	if err != nil {
		return err
	}
	if !n.hub.InRoom(c, roomID) {
		return apperr.Forbidden("join the room first")
	}
	_, name := n.identify(ctx, c, req.AccessToken)
	if req.Username != "" {
		name = req.Username
	}
	n.hub.Broadcast(roomID, EventReceiveMessage, chatMessage{SocketID: c.ID(), Message: req.Message, Username: name}, c)
	c.Reply(msg, roomAck{Status: "sent", RoomID: roomID})
	return nil
}

// decodeSignal разбирает сигнал; единственная проверка: адресат указан.
func decodeSignal(raw json.RawMessage, event string) (signalRequest, error) {
	var req signalRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, apperr.Invalid("malformed payload")
	}
	req.SocketID = strings.TrimSpace(req.SocketID)
	req.NewUserSocketID = strings.TrimSpace(req.NewUserSocketID)
	switch {
	case event == EventSendingSignal && req.SocketID == "":
		return req, apperr.Invalid("socket_id is required")
	case event == EventReturningSignal && req.NewUserSocketID == "":
		return req, apperr.Invalid("new_user_socket_id is required")
	}
	return req, nil
}

// signalResult сообщает отправителю исход пересылки: ack, если он его ждёт, иначе signal_failed при ошибке.
func (n *Namespace) signalResult(c *ws.Client, msg ws.Incoming, target string, err error) {
	if err == nil {
		c.Reply(msg, map[string]string{"status": "sent"})
		return
	}
	if msg.Ack != nil {
		c.Reply(msg, errorAck{Status: "error", Code: string(apperr.KindNotFound), Message: err.Error()})
		return
	}
	c.Emit(EventSignalFailed, signalFailed{Target: target, Event: msg.Event})
}

func (n *Namespace) sendingSignal(c *ws.Client, msg ws.Incoming) error {
	req, err := decodeSignal(msg.Data, EventSendingSignal)
	if err != nil {
		return err
	}
	// new_user_socket_id всегда реальный id отправителя: подменить адрес ответа нельзя.
	err = n.relay.Forward(c, req.SocketID, EventUserSignal, userSignal{
		Username:        req.Username,
		Signal:          req.Signal,
		NewUserSocketID: c.ID(),
	})
	n.signalResult(c, msg, req.SocketID, err)
	return nil
}

func (n *Namespace) returningSignal(c *ws.Client, msg ws.Incoming) error {
	req, err := decodeSignal(msg.Data, EventReturningSignal)
	if err != nil {
		return err
	}
	err = n.relay.Forward(c, req.NewUserSocketID, EventReturnedSignal, returnedSignal{
		Username: req.NewUserName,
		Signal:   req.Signal,
		SocketID: c.ID(),
	})
	n.signalResult(c, msg, req.NewUserSocketID, err)
	return nil
}

// CloseRoom выгоняет всех из удалённой комнаты: ключ присутствия удаляется, участники получают room_closed.
func (n *Namespace) CloseRoom(ctx context.Context, roomID string) (int, error) {
	entries, err := n.presence.Drop(ctx, roomID)
	if err != nil {
		return 0, err
	}
	members := n.hub.Members(roomID)
	for _, m := range members {
		m.Emit(EventRoomClosed, roomAck{Status: "closed", RoomID: roomID})
		n.hub.Leave(m, roomID)
	}
	logger.Infof("vc room closed room=%s presence=%d live=%d", roomID, len(entries), len(members))
	return len(members), nil
}
