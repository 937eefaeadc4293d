// Package ws: комнаты и рассылка событий поверх gorilla/websocket.
// Один Hub обслуживает одно пространство имён (/im или /vc).
package ws

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rendezvous/internal/apperr"
	"github.com/rendezvous/internal/logger"
)

// Handler: бизнес-логика пространства имён. Методы вызываются из readPump соединения,
// поэтому события одного соединения никогда не выполняются параллельно.
type Handler interface {
	OnConnect(ctx context.Context, c *Client)
	HandleEvent(ctx context.Context, c *Client, msg Incoming)
	OnDisconnect(ctx context.Context, c *Client)
}

type registration struct {
	client *Client
	ok     chan bool
}

type Hub struct {
	name     string
	maxConns int
	handler  Handler

	mu      sync.RWMutex
	conns   map[string]*Client
	byUser  map[string]map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
	joined  map[*Client]map[string]struct{}
	handled sync.WaitGroup

	register chan registration
	done     chan struct{}
}

func NewHub(name string, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		name:     name,
		maxConns: maxConns,
		conns:    make(map[string]*Client),
		byUser:   make(map[string]map[*Client]struct{}),
		rooms:    make(map[string]map[*Client]struct{}),
		joined:   make(map[*Client]map[string]struct{}),
		register: make(chan registration, 64),
		done:     make(chan struct{}),
	}
}

// SetHandler задаёт обработчик событий; вызывать до Run.
func (h *Hub) SetHandler(handler Handler) {
	h.handler = handler
}

func (h *Hub) Name() string { return h.name }

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case r := <-h.register:
			r.ok <- h.addClient(r.client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.RLock()
	all := make([]*Client, 0, len(h.conns))
	for _, c := range h.conns {
		all = append(all, c)
	}
	h.mu.RUnlock()

	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
	// Обработчики disconnect (sweep присутствия) должны успеть завершиться.
	h.handled.Wait()
}

func (h *Hub) addClient(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.conns) >= h.maxConns {
		logger.Errorf("ws connection limit reached ns=%s (%d), rejecting socket=%s", h.name, h.maxConns, c.id)
		return false
	}
	h.conns[c.id] = c
	// Done вызывает disconnect; Add выполняется в цикле Run, поэтому не гоняется с shutdown.
	h.handled.Add(1)
	if uid := c.UserID(); uid != "" {
		if _, ok := h.byUser[uid]; !ok {
			h.byUser[uid] = make(map[*Client]struct{})
		}
		h.byUser[uid][c] = struct{}{}
	}
	return true
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if h.conns[c.id] == c {
		delete(h.conns, c.id)
	}
	if uid := c.UserID(); uid != "" {
		if set, ok := h.byUser[uid]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.byUser, uid)
			}
		}
	}
	h.leaveAllLocked(c)
	h.mu.Unlock()

	c.Close()
}

// Register добавляет соединение в хаб. false: превышен лимит соединений или хаб остановлен.
func (h *Hub) Register(c *Client) bool {
	r := registration{client: c, ok: make(chan bool, 1)}
	select {
	case h.register <- r:
	case <-h.done:
		return false
	}
	select {
	case ok := <-r.ok:
		return ok
	case <-h.done:
		return false
	}
}

// Unregister убирает соединение из хаба и всех его комнат. Выполняется синхронно,
// чтобы disconnect не ждал цикл Run во время shutdown.
func (h *Hub) Unregister(c *Client) {
	h.removeClient(c)
}

// Connect регистрирует клиента, вызывает OnConnect и запускает его насосы.
// cancel и счётчик насосов привязываются до Register: shutdown может закрыть
// и ждать клиента раньше, чем насосы запущены.
func (h *Hub) Connect(c *Client) bool {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(2)
	if !h.Register(c) {
		c.wg.Add(-2)
		cancel()
		return false
	}
	if h.handler != nil {
		h.safeCall(ctx, c, "connect", func() { h.handler.OnConnect(ctx, c) })
	}
	c.start(ctx)
	return true
}

func (h *Hub) dispatch(ctx context.Context, c *Client, msg Incoming) {
	if h.handler == nil {
		return
	}
	h.safeCall(ctx, c, msg.Event, func() { h.handler.HandleEvent(ctx, c, msg) })
}

// disconnect вызывается из readPump ровно один раз.
func (h *Hub) disconnect(c *Client) {
	defer h.handled.Done()
	if h.handler != nil {
		// ctx соединения уже может быть отменён; disconnect получает собственный.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		h.safeCall(ctx, c, "disconnect", func() { h.handler.OnDisconnect(ctx, c) })
		cancel()
	}
	h.Unregister(c)
}

// safeCall служит границей отказа: паника обработчика логируется и не роняет процесс.
func (h *Hub) safeCall(ctx context.Context, c *Client, event string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("ws handler panic ns=%s event=%s socket=%s: %v\n%s", h.name, event, c.id, rec, debug.Stack())
			c.Emit(EventError, ErrorPayload{
				Code:    string(apperr.KindUnknown),
				Message: fmt.Sprintf("internal error handling %s", event),
				Event:   event,
			})
		}
	}()
	fn()
}

// Join добавляет соединение в комнату. false: уже было в ней.
func (h *Hub) Join(c *Client, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	if _, in := members[c]; in {
		return false
	}
	members[c] = struct{}{}
	set, ok := h.joined[c]
	if !ok {
		set = make(map[string]struct{})
		h.joined[c] = set
	}
	set[room] = struct{}{}
	return true
}

// Leave убирает соединение из комнаты. false: его там не было.
func (h *Hub) Leave(c *Client, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveLocked(c, room)
}

func (h *Hub) leaveLocked(c *Client, room string) bool {
	members, ok := h.rooms[room]
	if !ok {
		return false
	}
	if _, in := members[c]; !in {
		return false
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
	if set, ok := h.joined[c]; ok {
		delete(set, room)
		if len(set) == 0 {
			delete(h.joined, c)
		}
	}
	return true
}

// LeaveAll убирает соединение из всех комнат и возвращает их.
func (h *Hub) LeaveAll(c *Client) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveAllLocked(c)
}

func (h *Hub) leaveAllLocked(c *Client) []string {
	set := h.joined[c]
	rooms := make([]string, 0, len(set))
	for room := range set {
		rooms = append(rooms, room)
	}
	for _, room := range rooms {
		h.leaveLocked(c, room)
	}
	return rooms
}

// Rooms: комнаты, в которых состоит соединение.
func (h *Hub) Rooms(c *Client) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.joined[c]))
	for room := range h.joined[c] {
		out = append(out, room)
	}
	return out
}

func (h *Hub) Members(room string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		out = append(out, c)
	}
	return out
}

func (h *Hub) InRoom(c *Client, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][c]
	return ok
}

func (h *Hub) Lookup(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

// UserClients: живые соединения пользователя.
func (h *Hub) UserClients(userID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.byUser[userID]))
	for c := range h.byUser[userID] {
		out = append(out, c)
	}
	return out
}

// Online: есть ли у пользователя живое соединение в этом пространстве имён.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]) > 0
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast рассылает событие всем участникам комнаты, кроме except (nil: всем). Возвращает число адресатов.
func (h *Hub) Broadcast(room, event string, payload any, except *Client) int {
	return h.BroadcastFunc(room, event, func(*Client) any { return payload }, except)
}

// BroadcastFunc как Broadcast, но payload строится для каждого получателя (например, URL по его origin).
func (h *Hub) BroadcastFunc(room, event string, payload func(*Client) any, except *Client) int {
	n := 0
	for _, c := range h.Members(room) {
		if c == except {
			continue
		}
		if h.sendToClient(c, Outgoing{Event: event, Data: payload(c)}) {
			n++
		}
	}
	return n
}

// EmitTo отправляет событие ровно одному соединению. false: соединения нет.
func (h *Hub) EmitTo(connID, event string, payload any) bool {
	c, ok := h.Lookup(connID)
	if !ok {
		return false
	}
	return h.sendToClient(c, Outgoing{Event: event, Data: payload})
}

func (h *Hub) sendToClient(c *Client, msg Outgoing) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client ns=%s socket=%s", h.name, c.id)
		c.Close()
		return false
	}
}
