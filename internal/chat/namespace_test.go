package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rendezvous/internal/auth"
	"github.com/rendezvous/internal/blob"
	"github.com/rendezvous/internal/conversation"
	"github.com/rendezvous/internal/ledger"
	"github.com/rendezvous/internal/model"
	"github.com/rendezvous/internal/storage/memory"
	"github.com/rendezvous/internal/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Ack   *int64          `json:"ack"`
}

type pushCall struct {
	UserID string
	Title  string
	Body   string
	Data   map[string]string
}

type fakeNotifier struct {
	calls chan pushCall
}

func (f *fakeNotifier) Notify(_ context.Context, userID, title, body string, data map[string]string) int {
	f.calls <- pushCall{UserID: userID, Title: title, Body: body, Data: data}
	return 1
}

type env struct {
	srv  *httptest.Server
	hub  *ws.Hub
	push *fakeNotifier
}

func newEnv(t *testing.T) *env {
	t.Helper()
	stores, users := memory.NewStores()
	ctx := context.Background()
	for _, id := range []string{"alice", "bob", "carol"} {
		require.NoError(t, users.Upsert(ctx, &model.User{ID: id, Username: id, Email: id + "@example.com"}))
	}
	blobs := blob.NewLocal(t.TempDir())
	dir := conversation.New(stores.Conversations, stores.Messages, stores.Users, time.UTC)
	l := ledger.New(stores.Conversations, stores.Messages, blobs, time.UTC)

	hub := ws.NewHub("im", 100)
	push := &fakeNotifier{calls: make(chan pushCall, 8)}
	New(hub, dir, l, stores.Users, push, "http://fallback")
	runCtx, cancel := context.WithCancel(context.Background())
	go hub.Run(runCtx)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		uid := r.URL.Query().Get("user")
		u, _ := stores.Users.GetByID(r.Context(), uid)
		hub.Connect(ws.NewClient(hub, conn, &auth.Identity{ID: uid, Username: uid, User: u}, r.Header.Get("Origin"), ws.Options{}))
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &env{srv: srv, hub: hub, push: push}
}

func (e *env) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/?user=" + user
	h := http.Header{}
	h.Set("Origin", "http://"+user+".example")
	conn, _, err := websocket.DefaultDialer.Dial(url, h)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return e.hub.Online(user) }, 2*time.Second, 5*time.Millisecond)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data any, ack int64) {
	t.Helper()
	msg := map[string]any{"event": event, "data": data}
	if ack > 0 {
		msg["ack"] = ack
	}
	require.NoError(t, conn.WriteJSON(msg))
}

// expect читает кадры, пока не встретит event (для "ack": с нужным номером).
func expect(t *testing.T, conn *websocket.Conn, event string, ack int64) frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var f frame
		require.NoError(t, conn.ReadJSON(&f), "waiting for %s", event)
		if f.Event != event {
			continue
		}
		if event == ws.EventAck && (f.Ack == nil || *f.Ack != ack) {
			continue
		}
		return f
	}
}

// expectNone проверяет, что за wait не пришло событие event.
func expectNone(t *testing.T, conn *websocket.Conn, event string, wait time.Duration) {
	t.Helper()
	deadline := time.Now().Add(wait)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		assert.NotEqual(t, event, f.Event, "unexpected %s: %s", event, f.Data)
	}
}

func decodeData[T any](t *testing.T, f frame) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(f.Data, &out))
	return out
}

func createConversation(t *testing.T, conn *websocket.Conn, participant string, ack int64) string {
	t.Helper()
	send(t, conn, EventCreateConversation, map[string]string{"participantId": participant}, ack)
	res := decodeData[map[string]string](t, expect(t, conn, ws.EventAck, ack))
	require.Equal(t, "joined", res["status"], res)
	return res["conversationId"]
}

func TestCreateConversation_NotifiesParticipantAndIsIdempotent(t *testing.T) {
	e := newEnv(t)
	alice := e.dial(t, "alice")
	bob := e.dial(t, "bob")

	send(t, alice, EventCreateConversation, map[string]string{"participantId": "bob"}, 1)
	id := decodeData[string](t, expect(t, alice, EventChatRoomCreated, 0))
	require.NotEmpty(t, id)
	res := decodeData[map[string]string](t, expect(t, alice, ws.EventAck, 1))
	assert.Equal(t, id, res["conversationId"])

	created := expect(t, bob, EventChatRoomCreated, 0)
	assert.Equal(t, id, decodeData[string](t, created))

	// Bare-string payload, reversed direction: same conversation.
	send(t, bob, EventCreateConversation, "alice", 2)
	res = decodeData[map[string]string](t, expect(t, bob, ws.EventAck, 2))
	assert.Equal(t, id, res["conversationId"])
}

func TestCreateConversation_UnknownParticipant(t *testing.T) {
	e := newEnv(t)
	alice := e.dial(t, "alice")

	send(t, alice, EventCreateConversation, map[string]string{"participantId": "nobody"}, 7)
	res := decodeData[map[string]string](t, expect(t, alice, ws.EventAck, 7))
	assert.Equal(t, "error", res["status"])
	assert.Equal(t, "not_found", res["code"])

	send(t, alice, EventCreateConversation, map[string]string{"participantId": "alice"}, 8)
	res = decodeData[map[string]string](t, expect(t, alice, ws.EventAck, 8))
	assert.Equal(t, "invalid", res["code"])
}

func TestSendMessage_BroadcastExcludesSender(t *testing.T) {
	e := newEnv(t)
	alice := e.dial(t, "alice")
	bob := e.dial(t, "bob")

	id := createConversation(t, alice, "bob", 1)
	send(t, bob, EventJoinRoom, id, 2)
	joined := decodeData[map[string]string](t, expect(t, bob, ws.EventAck, 2))
	assert.Equal(t, "joined", joined["status"])

	send(t, alice, EventSendMessage, map[string]any{"conversationId": id, "message": "hi bob"}, 3)
	ack := decodeData[map[string]string](t, expect(t, alice, ws.EventAck, 3))
	assert.Equal(t, "received", ack["status"])
	require.NotEmpty(t, ack["messageId"])

	got := decodeData[ledger.ReceivedMessage](t, expect(t, bob, EventReceiveMessage, 0))
	assert.Equal(t, ack["messageId"], got.MessageID)
	assert.Equal(t, id, got.ConversationID)
	assert.Equal(t, "alice", got.SenderID)
	assert.Equal(t, "bob", got.ReceiverID)
	assert.Equal(t, "hi bob", got.Message)
	assert.False(t, got.Seen)
	assert.False(t, got.Delivered)
	assert.Regexp(t, `^\d{2}:\d{2}$`, got.SentAt)

	expectNone(t, alice, EventReceiveMessage, 200*time.Millisecond)

	select {
	case call := <-e.push.calls:
		t.Fatalf("unexpected push to online user: %+v", call)
	default:
	}
}

func TestSendMessage_NonParticipantForbidden(t *testing.T) {
	e := newEnv(t)
	alice := e.dial(t, "alice")
	carol := e.dial(t, "carol")
	id := createConversation(t, alice, "bob", 1)

	send(t, carol, EventSendMessage, map[string]any{"conversationId": id, "message": "hey"}, 2)
	res := decodeData[map[string]string](t, expect(t, carol, ws.EventAck, 2))
	assert.Equal(t, "forbidden", res["code"])

	// Without an ack the failure is reported as an error event.
	send(t, carol, EventJoinRoom, map[string]string{"conversationId": id}, 0)
	errFrame := decodeData[ws.ErrorPayload](t, expect(t, carol, ws.EventError, 0))
	assert.Equal(t, "forbidden", errFrame.Code)
	assert.Equal(t, EventJoinRoom, errFrame.Event)

	send(t, carol, EventJoinRoom, map[string]string{"conversationId": "missing"}, 3)
	res = decodeData[map[string]string](t, expect(t, carol, ws.EventAck, 3))
	assert.Equal(t, "not_found", res["code"])
}

func TestMarkAsSeen_BroadcastOnlyOnTransition(t *testing.T) {
	e := newEnv(t)
	alice := e.dial(t, "alice")
	bob := e.dial(t, "bob")
	id := createConversation(t, alice, "bob", 1)
	send(t, bob, EventJoinRoom, id, 2)
	expect(t, bob, ws.EventAck, 2)

	send(t, alice, EventSendMessage, map[string]any{"conversationId": id, "message": "ping"}, 3)
	msgID := decodeData[map[string]string](t, expect(t, alice, ws.EventAck, 3))["messageId"]
	expect(t, bob, EventReceiveMessage, 0)

	send(t, bob, EventIsDelivered, msgID, 4)
	expect(t, bob, ws.EventAck, 4)
	delivered := decodeData[StatusChange](t, expect(t, alice, EventMessageDelivered, 0))
	assert.Equal(t, StatusChange{MessageID: msgID, ConversationID: id, By: "bob"}, delivered)

	send(t, bob, EventMarkAsSeen, map[string]string{"messageId": msgID, "conversationId": id}, 5)
	first := decodeData[map[string]any](t, expect(t, bob, ws.EventAck, 5))
	assert.Equal(t, true, first["changed"])
	seen := decodeData[StatusChange](t, expect(t, alice, EventMessageSeen, 0))
	assert.Equal(t, msgID, seen.MessageID)

	// Only the receiver may mark.
	send(t, alice, EventMarkAsSeen, msgID, 7)
	res := decodeData[map[string]string](t, expect(t, alice, ws.EventAck, 7))
	assert.Equal(t, "forbidden", res["code"])

	send(t, bob, EventMarkAsSeen, msgID, 6)
	second := decodeData[map[string]any](t, expect(t, bob, ws.EventAck, 6))
	assert.Equal(t, false, second["changed"])
	// After a read timeout the connection is unusable, so this check goes last.
	expectNone(t, alice, EventMessageSeen, 200*time.Millisecond)
}

func TestCheckConversation(t *testing.T) {
	e := newEnv(t)
	alice := e.dial(t, "alice")

	send(t, alice, EventCheckConversation, map[string]string{"participantId": "bob"}, 0)
	res := decodeData[conversation.CheckResult](t, expect(t, alice, EventConversationCheck, 0))
	assert.False(t, res.Exists)

	id := createConversation(t, alice, "bob", 1)

	// Только что созданная беседа: messages приходит пустым массивом, а не пропадает.
	send(t, alice, EventCheckConversation, map[string]string{"participantId": "bob"}, 0)
	empty := expect(t, alice, EventConversationCheck, 0)
	assert.JSONEq(t, `{"exists":true,"conversationId":"`+id+`","messages":[]}`, string(empty.Data))

	send(t, alice, EventSendMessage, map[string]any{"conversationId": id, "message": "first"}, 2)
	expect(t, alice, ws.EventAck, 2)

	send(t, alice, EventCheckConversation, "bob", 3)
	res = decodeData[conversation.CheckResult](t, expect(t, alice, ws.EventAck, 3))
	assert.True(t, res.Exists)
	assert.Equal(t, id, res.ConversationID)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "first", res.Messages[0].Message)
	assert.Equal(t, "alice", res.Messages[0].SenderID)
}

func TestSendMessage_PushesOfflineReceiver(t *testing.T) {
	e := newEnv(t)
	alice := e.dial(t, "alice")
	id := createConversation(t, alice, "bob", 1)

	send(t, alice, EventSendMessage, map[string]any{"conversationId": id, "message": "are you there?"}, 2)
	msgID := decodeData[map[string]string](t, expect(t, alice, ws.EventAck, 2))["messageId"]

	select {
	case call := <-e.push.calls:
		assert.Equal(t, "bob", call.UserID)
		assert.Equal(t, "alice", call.Title)
		assert.Equal(t, "are you there?", call.Body)
		assert.Equal(t, msgID, call.Data["messageId"])
	case <-time.After(2 * time.Second):
		t.Fatal("push notification was not sent")
	}
}

func TestTypingAndUnsupportedEvents(t *testing.T) {
	e := newEnv(t)
	alice := e.dial(t, "alice")
	bob := e.dial(t, "bob")
	id := createConversation(t, alice, "bob", 1)
	send(t, bob, EventJoinRoom, id, 2)
	expect(t, bob, ws.EventAck, 2)

	send(t, bob, EventTyping, id, 0)
	assert.Equal(t, id, decodeData[string](t, expect(t, alice, EventTypingOut, 0)))

	for i, event := range []string{EventDeleteMessage, EventDeleteChat, "whatever"} {
		ack := int64(10 + i)
		send(t, alice, event, map[string]string{"messageId": "x"}, ack)
		res := decodeData[map[string]string](t, expect(t, alice, ws.EventAck, ack))
		assert.Equal(t, "invalid", res["code"], event)
	}
}
