package ws

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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Ack   *int64          `json:"ack"`
}

type testHandler struct {
	hub          *Hub
	connected    chan *Client
	disconnected chan []string
}

func (h *testHandler) OnConnect(_ context.Context, c *Client) {
	c.Emit("hello", map[string]string{"socket_id": c.ID()})
	h.connected <- c
}

func (h *testHandler) HandleEvent(_ context.Context, c *Client, msg Incoming) {
	switch msg.Event {
	case "join":
		room := DecodeID(msg.Data, "room")
		c.Reply(msg, map[string]bool{"joined": h.hub.Join(c, room)})
	case "say":
		n := h.hub.Broadcast("lobby", "said", json.RawMessage(msg.Data), c)
		c.Reply(msg, map[string]int{"delivered": n})
	case "whisper":
		var in struct{ To string }
		_ = json.Unmarshal(msg.Data, &in)
		c.Reply(msg, map[string]bool{"ok": h.hub.EmitTo(in.To, "whispered", c.ID())})
	case "boom":
		panic("boom")
	}
}

func (h *testHandler) OnDisconnect(_ context.Context, c *Client) {
	h.disconnected <- h.hub.Rooms(c)
}

func newTestServer(t *testing.T) (*Hub, *testHandler, *httptest.Server) {
	t.Helper()
	hub := NewHub("test", 10)
	th := &testHandler{hub: hub, connected: make(chan *Client, 8), disconnected: make(chan []string, 8)}
	hub.SetHandler(th)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if r.URL.Query().Get("reject") != "" {
			Reject(conn, AuthErrorPayload{Reason: "missing", Message: "Token missing."}, time.Second)
			return
		}
		id := &auth.Identity{ID: r.URL.Query().Get("user"), Username: "u"}
		hub.Connect(NewClient(hub, conn, id, r.Header.Get("Origin"), Options{}))
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, th, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func send(t *testing.T, conn *websocket.Conn, event string, data any, ack int64) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Incoming{Event: event, Data: raw, Ack: &ack}))
}

func TestHub_BroadcastExcludesSender(t *testing.T) {
	hub, th, srv := newTestServer(t)

	a := dial(t, srv, "user=a")
	assert.Equal(t, "hello", read(t, a).Event)
	<-th.connected
	b := dial(t, srv, "user=b")
	assert.Equal(t, "hello", read(t, b).Event)
	<-th.connected

	for _, conn := range []*websocket.Conn{a, b} {
		send(t, conn, "join", "lobby", 1)
		f := read(t, conn)
		assert.Equal(t, EventAck, f.Event)
		assert.JSONEq(t, `{"joined":true}`, string(f.Data))
	}

	send(t, a, "say", "hi", 2)
	ack := read(t, a)
	assert.Equal(t, EventAck, ack.Event)
	require.NotNil(t, ack.Ack)
	assert.Equal(t, int64(2), *ack.Ack)
	assert.JSONEq(t, `{"delivered":1}`, string(ack.Data))

	got := read(t, b)
	assert.Equal(t, "said", got.Event)
	assert.JSONEq(t, `"hi"`, string(got.Data))
	assert.Len(t, hub.Members("lobby"), 2)
	assert.True(t, hub.Online("a"))
}

func TestHub_EmitToAndUnknownTarget(t *testing.T) {
	_, th, srv := newTestServer(t)

	a := dial(t, srv, "user=a")
	helloA := read(t, a)
	<-th.connected
	b := dial(t, srv, "user=b")
	read(t, b)
	bClient := <-th.connected

	send(t, a, "whisper", map[string]string{"To": bClient.ID()}, 1)
	assert.JSONEq(t, `{"ok":true}`, string(read(t, a).Data))
	w := read(t, b)
	assert.Equal(t, "whispered", w.Event)

	var hello struct{ SocketID string `json:"socket_id"` }
	require.NoError(t, json.Unmarshal(helloA.Data, &hello))
	assert.JSONEq(t, `"`+hello.SocketID+`"`, string(w.Data))

	send(t, a, "whisper", map[string]string{"To": "nobody"}, 2)
	assert.JSONEq(t, `{"ok":false}`, string(read(t, a).Data))
}

func TestHub_PanicAndMalformedAreContained(t *testing.T) {
	_, th, srv := newTestServer(t)
	a := dial(t, srv, "user=a")
	read(t, a)
	<-th.connected

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("{not json")))
	f := read(t, a)
	assert.Equal(t, EventError, f.Event)
	assert.Contains(t, string(f.Data), "invalid")

	send(t, a, "boom", nil, 1)
	f = read(t, a)
	assert.Equal(t, EventError, f.Event)
	assert.Contains(t, string(f.Data), "boom")

	// Соединение живо после паники.
	send(t, a, "join", "lobby", 2)
	assert.Equal(t, EventAck, read(t, a).Event)
}

func TestHub_DisconnectLeavesRooms(t *testing.T) {
	hub, th, srv := newTestServer(t)
	a := dial(t, srv, "user=a")
	read(t, a)
	<-th.connected

	send(t, a, "join", "lobby", 1)
	read(t, a)
	send(t, a, "join", "other", 2)
	read(t, a)

	require.NoError(t, a.Close())
	select {
	case rooms := <-th.disconnected:
		assert.ElementsMatch(t, []string{"lobby", "other"}, rooms)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not observed")
	}
	assert.Eventually(t, func() bool { return hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, hub.Members("lobby"))
	assert.False(t, hub.Online("a"))
}

func TestReject_SendsAuthErrorAndCloseCode(t *testing.T) {
	_, _, srv := newTestServer(t)
	conn := dial(t, srv, "reject=1")

	f := read(t, conn)
	assert.Equal(t, EventAuthError, f.Event)
	assert.JSONEq(t, `{"reason":"missing","message":"Token missing."}`, string(f.Data))

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CloseAuthFailed, ce.Code)
}

// newAcceptServer: хаб без обработчика событий, результат Connect пишется в accepted.
func newAcceptServer(t *testing.T, hub *Hub, accepted chan<- bool) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ok := hub.Connect(NewClient(hub, conn, nil, "", Options{}))
		if !ok {
			conn.Close()
		}
		accepted <- ok
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHub_ConnectionLimit(t *testing.T) {
	hub := NewHub("limit", 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	accepted := make(chan bool, 2)
	srv := newAcceptServer(t, hub, accepted)

	dial(t, srv, "")
	assert.True(t, <-accepted)
	dial(t, srv, "")
	assert.False(t, <-accepted)
	assert.Equal(t, 1, hub.Len())
}

func TestHub_ShutdownWaitsForDisconnectHandlers(t *testing.T) {
	hub := NewHub("shutdown", 100)
	th := &testHandler{hub: hub, connected: make(chan *Client, 16), disconnected: make(chan []string, 16)}
	hub.SetHandler(th)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	accepted := make(chan bool, 16)
	srv := newAcceptServer(t, hub, accepted)

	const n = 5
	for i := 0; i < n; i++ {
		conn := dial(t, srv, "")
		assert.Equal(t, "hello", read(t, conn).Event)
		require.True(t, <-accepted)
	}

	cancel()
	select {
	case <-hub.done:
	case <-time.After(3 * time.Second):
		t.Fatal("hub did not shut down")
	}
	// Run вернулся только после OnDisconnect каждого принятого клиента.
	assert.Len(t, th.disconnected, n)
	assert.Equal(t, 0, hub.Len())

	dial(t, srv, "")
	assert.False(t, <-accepted, "stopped hub must refuse new connections")
}

func TestDecodeID(t *testing.T) {
	assert.Equal(t, "abc", DecodeID(json.RawMessage(`"abc"`), "conversationId"))
	assert.Equal(t, "abc", DecodeID(json.RawMessage(`{"conversationId":" abc "}`), "conversationId"))
	assert.Equal(t, "", DecodeID(json.RawMessage(`{"other":"abc"}`), "conversationId"))
	assert.Equal(t, "", DecodeID(nil, "conversationId"))
	assert.Equal(t, "", DecodeID(json.RawMessage(`42`), "conversationId"))
}
