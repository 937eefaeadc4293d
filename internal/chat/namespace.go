// Package chat обслуживает пространство имён /im: беседы один-на-один, сообщения и их статусы.
package chat

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/rendezvous/internal/apperr"
	"github.com/rendezvous/internal/conversation"
	"github.com/rendezvous/internal/ledger"
	"github.com/rendezvous/internal/logger"
	"github.com/rendezvous/internal/model"
	"github.com/rendezvous/internal/storage"
	"github.com/rendezvous/internal/ws"
)

const pushTimeout = 15 * time.Second

// Notifier доставляет уведомление пользователю без живого соединения.
type Notifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string) int
}

type Namespace struct {
	hub     *ws.Hub
	dir     *conversation.Directory
	ledger  *ledger.Ledger
	users   storage.UserStore
	push    Notifier
	baseURL string
}

// New связывает обработчик с хабом. push может быть nil; baseURL: origin для соединений без Origin.
func New(hub *ws.Hub, dir *conversation.Directory, l *ledger.Ledger, users storage.UserStore, push Notifier, baseURL string) *Namespace {
	n := &Namespace{
		hub:     hub,
		dir:     dir,
		ledger:  l,
		users:   users,
		push:    push,
		baseURL: baseURL,
	}
	hub.SetHandler(n)
	return n
}

func (n *Namespace) origin(c *ws.Client) string {
	if o := c.Origin(); o != "" {
		return o
	}
	return n.baseURL
}

func (n *Namespace) OnConnect(ctx context.Context, c *ws.Client) {
	logger.Infof("im connected socket=%s user_id=%s", c.ID(), c.UserID())
}

// OnDisconnect ничего не хранит: комнаты /im живут только в хабе и снимаются при Unregister.
func (n *Namespace) OnDisconnect(ctx context.Context, c *ws.Client) {
	logger.Infof("im disconnected socket=%s user_id=%s rooms=%d", c.ID(), c.UserID(), len(n.hub.Rooms(c)))
}

func (n *Namespace) HandleEvent(ctx context.Context, c *ws.Client, msg ws.Incoming) {
	if c.UserID() == "" {
		n.fail(c, msg, apperr.Unauthenticated("authentication required"))
		return
	}

	var err error
	switch msg.Event {
	case EventCheckConversation:
		err = n.checkConversation(ctx, c, msg)
	case EventCreateConversation:
		err = n.createConversation(ctx, c, msg)
	case EventJoinRoom:
		err = n.joinRoom(ctx, c, msg)
	case EventSendMessage:
		err = n.sendMessage(ctx, c, msg)
	case EventIsDelivered:
		err = n.isDelivered(ctx, c, msg)
	case EventMarkAsSeen:
		err = n.markAsSeen(ctx, c, msg)
	case EventTyping:
		err = n.typing(ctx, c, msg)
	case EventDeleteMessage, EventDeleteChat:
		err = apperr.Invalid(msg.Event + " is not supported")
	default:
		err = apperr.Invalid("unknown event: " + msg.Event)
	}
	if err != nil {
		n.fail(c, msg, err)
	}
}

// fail превращает ошибку в ack со статусом error либо в событие error.
func (n *Namespace) fail(c *ws.Client, msg ws.Incoming, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindUnknown || kind == apperr.KindStoreUnavailable {
		logger.Errorf("im %s socket=%s user_id=%s: %v", msg.Event, c.ID(), c.UserID(), err)
	}
	text := apperr.PublicMessage(err)
	if msg.Ack != nil {
		c.Reply(msg, errorAck{Status: "error", Code: string(kind), Message: text})
		return
	}
	c.Emit(ws.EventError, ws.ErrorPayload{Code: string(kind), Message: text, Event: msg.Event})
}

func (n *Namespace) checkConversation(ctx context.Context, c *ws.Client, msg ws.Incoming) error {
	var req participantRequest
	if err := decodeParticipant(msg, &req); err != nil {
		return err
	}
	res, err := n.dir.CheckExisting(ctx, c.UserID(), req.ParticipantID)
	if err != nil {
		return err
	}
	base := n.origin(c)
	for i := range res.Messages {
		res.Messages[i].Attachments = n.ledger.ResolveAttachments(res.Messages[i].Attachments, base)
	}
	c.Emit(EventConversationCheck, res)
	c.Reply(msg, res)
	return nil
}

func (n *Namespace) createConversation(ctx context.Context, c *ws.Client, msg ws.Incoming) error {
	var req participantRequest
	if err := decodeParticipant(msg, &req); err != nil {
		return err
	}
	if _, err := n.users.GetByID(ctx, req.ParticipantID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.NotFound("participant not found")
		}
		return apperr.StoreUnavailable("participant lookup failed", err)
	}
	conv, created, err := n.dir.Resolve(ctx, c.UserID(), req.ParticipantID)
	if err != nil {
		return err
	}
	n.hub.Join(c, conv.ID)

	// Комната и все соединения участника получают событие ровно по одному разу.
	targets := make(map[*ws.Client]struct{})
	for _, m := range n.hub.Members(conv.ID) {
		targets[m] = struct{}{}
	}
	for _, m := range n.hub.UserClients(req.ParticipantID) {
		targets[m] = struct{}{}
	}
	for t := range targets {
		t.Emit(EventChatRoomCreated, conv.ID)
	}
	if created {
		logger.Infof("im conversation created id=%s by=%s with=%s", conv.ID, c.UserID(), req.ParticipantID)
	}
	c.Reply(msg, statusAck{Status: "joined", ConversationID: conv.ID})
	return nil
}

func (n *Namespace) joinRoom(ctx context.Context, c *ws.Client, msg ws.Incoming) error {
	id, err := decodeID(msg.Data, "conversationId")
	if err != nil {
		return err
	}
	if _, err := n.dir.Authorize(ctx, id, c.UserID()); err != nil {
		return err
	}
	status := "joined"
	if !n.hub.Join(c, id) {
		status = "already_joined"
	}
	c.Reply(msg, statusAck{Status: status, ConversationID: id})
	return nil
}

func (n *Namespace) sendMessage(ctx context.Context, c *ws.Client, msg ws.Incoming) error {
	var req sendMessageRequest
	if err := decode(msg.Data, &req); err != nil {
		return err
	}
	m, err := n.ledger.Append(ctx, ledger.AppendInput{
		ConversationID: req.ConversationID,
		SenderID:       c.UserID(),
		Text:           req.Message,
		Attachments:    req.Attachments,
	})
	if err != nil {
		return err
	}
	// Отправитель мог не вызвать joinRoom; после успешной записи он участник комнаты.
	n.hub.Join(c, m.ConversationID)

	n.hub.BroadcastFunc(m.ConversationID, EventReceiveMessage, func(r *ws.Client) any {
		return n.ledger.Present(m, n.origin(r))
	}, c)
	c.Reply(msg, sendAck{Status: "received", MessageID: m.ID})

	if n.push != nil && !n.hub.Online(m.ReceiverID) {
		go n.notifyOffline(c, m)
	}
	return nil
}

func (n *Namespace) notifyOffline(c *ws.Client, m *model.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()
	title := "New message"
	if id := c.Identity(); id != nil && id.Username != "" {
		title = id.Username
	}
	body := m.Text
	if body == "" {
		body = "Attachment"
	}
	sent := n.push.Notify(ctx, m.ReceiverID, title, body, map[string]string{
		"conversationId": m.ConversationID,
		"messageId":      m.ID,
	})
	logger.Debugf("im push user_id=%s msg=%s delivered=%d", m.ReceiverID, m.ID, sent)
}

func (n *Namespace) isDelivered(ctx context.Context, c *ws.Client, msg ws.Incoming) error {
	id, err := decodeID(msg.Data, "messageId")
	if err != nil {
		return err
	}
	m, changed, err := n.ledger.MarkDelivered(ctx, id, c.UserID())
	if err != nil {
		return err
	}
	if changed {
		n.hub.Broadcast(m.ConversationID, EventMessageDelivered,
			StatusChange{MessageID: m.ID, ConversationID: m.ConversationID, By: c.UserID()}, c)
	}
	c.Reply(msg, map[string]any{"status": "delivered", "messageId": m.ID, "changed": changed})
	return nil
}

func (n *Namespace) markAsSeen(ctx context.Context, c *ws.Client, msg ws.Incoming) error {
	var req markSeenRequest
	if trimmed := bytes.TrimSpace(msg.Data); len(trimmed) > 0 && trimmed[0] == '"' {
		req.MessageID = ws.DecodeID(msg.Data, "messageId")
		if err := req.Validate(); err != nil {
			return err
		}
	} else if err := decode(msg.Data, &req); err != nil {
		return err
	}
	if req.ConversationID != "" {
		if _, err := n.dir.Authorize(ctx, req.ConversationID, c.UserID()); err != nil {
			return err
		}
	}
	m, changed, err := n.ledger.MarkSeen(ctx, req.MessageID, c.UserID())
	if err != nil {
		return err
	}
	if changed {
		n.hub.Broadcast(m.ConversationID, EventMessageSeen,
			StatusChange{MessageID: m.ID, ConversationID: m.ConversationID, By: c.UserID()}, c)
	}
	c.Reply(msg, map[string]any{"status": "seen", "messageId": m.ID, "changed": changed})
	return nil
}

func (n *Namespace) typing(ctx context.Context, c *ws.Client, msg ws.Incoming) error {
	id, err := decodeID(msg.Data, "conversationId")
	if err != nil {
		return err
	}
	if !n.hub.InRoom(c, id) {
		if _, err := n.dir.Authorize(ctx, id, c.UserID()); err != nil {
			return err
		}
	}
	n.hub.Broadcast(id, EventTypingOut, id, c)
	return nil
}

// decodeParticipant принимает {"participantId": "..."} или просто строку.
func decodeParticipant(msg ws.Incoming, req *participantRequest) error {
	if trimmed := bytes.TrimSpace(msg.Data); len(trimmed) > 0 && trimmed[0] == '"' {
		req.ParticipantID = ws.DecodeID(msg.Data, "participantId")
		return req.Validate()
	}
	return decode(msg.Data, req)
}
