package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendezvous/internal/model"
	"github.com/rendezvous/internal/storage"
)

// NewStores: набор документных хранилищ в памяти.
func NewStores() (storage.Stores, *Users) {
	users := NewUsers()
	return storage.Stores{
		Users:         users,
		Conversations: NewConversations(),
		Messages:      NewMessages(),
		Rooms:         NewRooms(),
		Close:         func() {},
	}, users
}

type Users struct {
	mu    sync.RWMutex
	users map[string]model.User
}

func NewUsers() *Users {
	return &Users{users: make(map[string]model.User)}
}

func (s *Users) GetByID(ctx context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &u, nil
}

func (s *Users) Upsert(ctx context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.users[u.ID] = cp
	return nil
}

type Conversations struct {
	mu     sync.RWMutex
	byID   map[string]model.Conversation
	byPair map[string]string
}

func NewConversations() *Conversations {
	return &Conversations{
		byID:   make(map[string]model.Conversation),
		byPair: make(map[string]string),
	}
}

func (s *Conversations) FindByPair(ctx context.Context, lo, hi string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPair[lo+":"+hi]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := s.byID[id]
	return &c, nil
}

func (s *Conversations) Create(ctx context.Context, c *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := c.ParticipantA + ":" + c.ParticipantB
	if _, ok := s.byPair[key]; ok {
		return storage.ErrConflict
	}
	if _, ok := s.byID[c.ID]; ok {
		return storage.ErrConflict
	}
	s.byID[c.ID] = *c
	s.byPair[key] = c.ID
	return nil
}

func (s *Conversations) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &c, nil
}

func (s *Conversations) SetLastMessage(ctx context.Context, conversationID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[conversationID]
	if !ok {
		return storage.ErrNotFound
	}
	id := messageID
	c.LastMessageID = &id
	s.byID[conversationID] = c
	return nil
}

func (s *Conversations) ListByUser(ctx context.Context, userID string) ([]model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Conversation, 0, 8)
	for _, c := range s.byID {
		if c.HasParticipant(userID) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

type Messages struct {
	mu     sync.RWMutex
	byID   map[string]*model.Message
	byConv map[string][]string
}

func NewMessages() *Messages {
	return &Messages{
		byID:   make(map[string]*model.Message),
		byConv: make(map[string][]string),
	}
}

func cloneMessage(m *model.Message) model.Message {
	cp := *m
	cp.Attachments = append([]string(nil), m.Attachments...)
	return cp
}

func (s *Messages) Create(ctx context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[m.ID]; ok {
		return storage.ErrConflict
	}
	cp := cloneMessage(m)
	s.byID[m.ID] = &cp
	s.byConv[m.ConversationID] = append(s.byConv[m.ConversationID], m.ID)
	return nil
}

func (s *Messages) GetByID(ctx context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := cloneMessage(m)
	return &cp, nil
}

func (s *Messages) MarkDelivered(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return false, storage.ErrNotFound
	}
	if m.IsDelivered {
		return false, nil
	}
	m.IsDelivered = true
	return true, nil
}

func (s *Messages) MarkSeen(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return false, storage.ErrNotFound
	}
	if m.IsSeen {
		return false, nil
	}
	m.IsSeen = true
	m.IsDelivered = true
	return true, nil
}

func (s *Messages) ListPage(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byConv[conversationID]
	out := make([]model.Message, 0, limit)
	for i := len(ids) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, cloneMessage(s.byID[ids[i]]))
	}
	return out, nil
}

func (s *Messages) ListAll(ctx context.Context, conversationID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byConv[conversationID]
	out := make([]model.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneMessage(s.byID[id]))
	}
	return out, nil
}

func (s *Messages) CountUnseen(ctx context.Context, conversationID, receiverID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, id := range s.byConv[conversationID] {
		m := s.byID[id]
		if m.ReceiverID == receiverID && !m.IsSeen {
			n++
		}
	}
	return n, nil
}

type Rooms struct {
	mu   sync.RWMutex
	byID map[string]model.Room
}

func NewRooms() *Rooms {
	return &Rooms{byID: make(map[string]model.Room)}
}

func (s *Rooms) Create(ctx context.Context, r *model.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[r.ID]; ok {
		return storage.ErrConflict
	}
	for _, existing := range s.byID {
		if existing.ConnectionString == r.ConnectionString {
			return storage.ErrConflict
		}
	}
	s.byID[r.ID] = *r
	return nil
}

func (s *Rooms) GetByID(ctx context.Context, id string) (*model.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &r, nil
}

func (s *Rooms) GetByConnectionString(ctx context.Context, cs string) (*model.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.byID {
		if r.ConnectionString == cs {
			return &r, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Rooms) ListByCreator(ctx context.Context, userID string) ([]model.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Room, 0, 4)
	for _, r := range s.byID {
		if r.CreatedBy == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Rooms) Rename(ctx context.Context, id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return storage.ErrNotFound
	}
	r.Name = name
	s.byID[id] = r
	return nil
}

func (s *Rooms) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.byID, id)
	return nil
}

func (s *Rooms) TouchSession(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return storage.ErrNotFound
	}
	t := at
	r.LastSessionAt = &t
	s.byID[id] = r
	return nil
}
