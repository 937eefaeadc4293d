package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rendezvous/internal/auth"
	"github.com/rendezvous/internal/logger"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 64 << 10
	defaultSendBufSize    = 256
)

// Options: лимиты соединения; нулевые значения заменяются значениями по умолчанию.
type Options struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	SendBufSize    int
}

func (o Options) withDefaults() Options {
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	if o.SendBufSize <= 0 {
		o.SendBufSize = defaultSendBufSize
	}
	return o
}

// bufPool pools bytes.Buffer for JSON encoding in the hot-path (writePump).
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Client represents a single WebSocket connection.
// Lifecycle: NewClient -> Hub.Connect (Register, start) -> [readPump, writePump] -> Close -> Wait.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan Outgoing
	id       string
	identity *auth.Identity
	origin   string
	opts     Options

	// done is used as a non-blocking guard in sendToClient.
	done chan struct{}
	// cancel cancels the context passed to start, triggering pump shutdown.
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

// NewClient создаёт клиента. identity может быть nil (гостевое соединение); origin: наблюдаемый origin клиента.
func NewClient(hub *Hub, conn *websocket.Conn, identity *auth.Identity, origin string, opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan Outgoing, opts.SendBufSize),
		id:       uuid.New().String(),
		identity: identity,
		origin:   origin,
		opts:     opts,
		done:     make(chan struct{}),
	}
}

// ID: идентификатор соединения (socket id), уникален в пределах процесса.
func (c *Client) ID() string { return c.id }

// UserID пуст у гостевых соединений.
func (c *Client) UserID() string {
	if c.identity == nil {
		return ""
	}
	return c.identity.ID
}

func (c *Client) Identity() *auth.Identity { return c.identity }

func (c *Client) Origin() string { return c.origin }

func (c *Client) Done() <-chan struct{} { return c.done }

// Emit ставит событие в очередь отправки. false: соединение закрыто или переполнено.
func (c *Client) Emit(event string, data any) bool {
	return c.hub.sendToClient(c, Outgoing{Event: event, Data: data})
}

// Reply отвечает на Incoming с ack; без ack ничего не отправляет и возвращает false.
func (c *Client) Reply(msg Incoming, data any) bool {
	if msg.Ack == nil {
		return false
	}
	return c.hub.sendToClient(c, Outgoing{Event: EventAck, Data: data, Ack: msg.Ack})
}

// start launches readPump and writePump; Hub.Connect has already bound cancel and counted both pumps.
func (c *Client) start(ctx context.Context) {
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pump goroutines have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close signals the client to stop. Safe to call multiple times from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		c.conn.Close()
	})
}

// readPump обрабатывает события соединения строго по очереди.
// После выхода соединение отписывается от хаба (disconnect).
func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.disconnect(c)
		c.Close()
	}()

	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait)); err != nil {
		logger.Errorf("ws set read deadline socket=%s: %v", c.id, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debugf("ws read error ns=%s socket=%s: %v", c.hub.name, c.id, err)
			}
			return
		}

		var msg Incoming
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Event == "" {
			c.Emit(EventError, ErrorPayload{Code: "invalid", Message: "malformed envelope"})
			continue
		}

		c.hub.dispatch(ctx, c, msg)
	}
}

// writePump writes messages to the WebSocket connection.
// Exits on ctx cancellation, write error, or connection close.
func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker((c.opts.PongWait * 9) / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			c.drain()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.opts.WriteWait))
			return
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drain дописывает уже поставленные в очередь события перед закрытием.
func (c *Client) drain() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(msg Outgoing) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
		return err
	}
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)
	if err := json.NewEncoder(buf).Encode(msg); err != nil {
		logger.Errorf("ws marshal error socket=%s event=%s: %v", c.id, msg.Event, err)
		return nil
	}
	data := buf.Bytes()
	// json.Encoder appends '\n'; trim it for WebSocket text messages.
	if len(data) > 0 && data[len(data)-1] == '\n' {
		data = data[:len(data)-1]
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
