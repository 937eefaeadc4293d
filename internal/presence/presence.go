// Package presence хранит участников видеокомнат: одно JSON-значение со списком на комнату.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rendezvous/internal/apperr"
	"github.com/rendezvous/internal/keylock"
	"github.com/rendezvous/internal/logger"
	"github.com/rendezvous/internal/model"
	"github.com/rendezvous/internal/storage"
)

// KeyPrefix: префикс ключей комнат в KV; по нему Sweep и Reset находят все комнаты.
const KeyPrefix = "presence:room:"

type Entry = model.PresenceEntry

// JoinResult: Joined = false, если соединение уже было в комнате. Existing: остальные участники.
type JoinResult struct {
	Joined   bool
	Existing []Entry
}

// Departure: удаление соединения из комнаты при Sweep.
type Departure struct {
	RoomID    string
	Entry     Entry
	Remaining int
}

// Store сериализует изменения одной комнаты in-process замком и атомарным Update хранилища
// (в Redis это WATCH/MULTI), так что параллельные join/leave не теряют записи.
type Store struct {
	kv    storage.KV
	locks *keylock.Map
	now   func() time.Time
}

func New(kv storage.KV) *Store {
	return &Store{kv: kv, locks: keylock.New(), now: time.Now}
}

func Key(roomID string) string {
	return KeyPrefix + roomID
}

func decode(raw []byte) ([]Entry, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var list []Entry
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("presence decode: %w", err)
	}
	return list, nil
}

// encode возвращает nil для пустого списка: хранилище никогда не держит пустое значение.
func encode(list []Entry) ([]byte, error) {
	if len(list) == 0 {
		return nil, nil
	}
	return json.Marshal(list)
}

func validRoom(roomID string) error {
	if strings.TrimSpace(roomID) == "" {
		return apperr.Invalid("room_id is required")
	}
	return nil
}

func (s *Store) Join(ctx context.Context, roomID string, e Entry) (JoinResult, error) {
	if err := validRoom(roomID); err != nil {
		return JoinResult{}, err
	}
	if e.SocketID == "" {
		return JoinResult{}, apperr.Invalid("socket id is required")
	}
	if e.JoinedAt.IsZero() {
		e.JoinedAt = s.now().UTC()
	}

	unlock := s.locks.Lock(roomID)
	defer unlock()

	var res JoinResult
	err := s.kv.Update(ctx, Key(roomID), func(cur []byte) ([]byte, error) {
		res = JoinResult{}
		list, err := decode(cur)
		if err != nil {
			return nil, err
		}
		existing := make([]Entry, 0, len(list))
		for _, x := range list {
			if x.SocketID == e.SocketID {
				res.Joined = false
				for _, y := range list {
					if y.SocketID != e.SocketID {
						res.Existing = append(res.Existing, y)
					}
				}
				return cur, nil
			}
			existing = append(existing, x)
		}
		res.Joined = true
		res.Existing = existing
		return encode(append(list, e))
	})
	if err != nil {
		return JoinResult{}, apperr.StoreUnavailable("presence join failed", err)
	}
	if res.Existing == nil {
		res.Existing = []Entry{}
	}
	return res, nil
}

// removeFrom убирает socketID из списка комнаты (общий шаг Leave и Sweep).
func (s *Store) removeFrom(ctx context.Context, roomID, socketID string) (*Entry, int, error) {
	unlock := s.locks.Lock(roomID)
	defer unlock()

	var (
		removed   *Entry
		remaining int
	)
	err := s.kv.Update(ctx, Key(roomID), func(cur []byte) ([]byte, error) {
		removed, remaining = nil, 0
		list, err := decode(cur)
		if err != nil {
			return nil, err
		}
		kept := list[:0:0]
		for i := range list {
			if list[i].SocketID == socketID {
				x := list[i]
				removed = &x
				continue
			}
			kept = append(kept, list[i])
		}
		remaining = len(kept)
		if removed == nil {
			return cur, nil
		}
		return encode(kept)
	})
	if err != nil {
		return nil, 0, err
	}
	return removed, remaining, nil
}

// Leave убирает соединение из комнаты. removed = nil, если его там не было.
func (s *Store) Leave(ctx context.Context, roomID, socketID string) (*Entry, error) {
	if err := validRoom(roomID); err != nil {
		return nil, err
	}
	removed, _, err := s.removeFrom(ctx, roomID, socketID)
	if err != nil {
		return nil, apperr.StoreUnavailable("presence leave failed", err)
	}
	return removed, nil
}

// Sweep перебирает ВСЕ комнаты в хранилище и убирает из них socketID. Вызывается один раз при отключении.
func (s *Store) Sweep(ctx context.Context, socketID string) ([]Departure, error) {
	defer logger.DeferLogDuration("presence.Sweep", time.Now())()
	keys, err := s.kv.Keys(ctx, KeyPrefix+"*")
	if err != nil {
		return nil, apperr.StoreUnavailable("presence scan failed", err)
	}
	var (
		out      []Departure
		firstErr error
	)
	for _, key := range keys {
		roomID := strings.TrimPrefix(key, KeyPrefix)
		removed, remaining, err := s.removeFrom(ctx, roomID, socketID)
		if err != nil {
			// Остальные комнаты всё равно чистим.
			logger.Errorf("presence.Sweep room=%s socket=%s: %v", roomID, socketID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if removed != nil {
			out = append(out, Departure{RoomID: roomID, Entry: *removed, Remaining: remaining})
		}
	}
	if firstErr != nil {
		return out, apperr.StoreUnavailable("presence sweep incomplete", firstErr)
	}
	return out, nil
}

func (s *Store) Members(ctx context.Context, roomID string) ([]Entry, error) {
	raw, err := s.kv.Get(ctx, Key(roomID))
	if errors.Is(err, storage.ErrNotFound) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, apperr.StoreUnavailable("presence read failed", err)
	}
	list, err := decode(raw)
	if err != nil {
		return nil, apperr.StoreUnavailable("presence read failed", err)
	}
	return list, nil
}

// Drop удаляет комнату целиком (комнату удалил владелец) и возвращает тех, кто в ней был.
func (s *Store) Drop(ctx context.Context, roomID string) ([]Entry, error) {
	unlock := s.locks.Lock(roomID)
	defer unlock()

	var members []Entry
	err := s.kv.Update(ctx, Key(roomID), func(cur []byte) ([]byte, error) {
		list, err := decode(cur)
		if err != nil {
			return nil, err
		}
		members = list
		return nil, nil
	})
	if err != nil {
		return nil, apperr.StoreUnavailable("presence drop failed", err)
	}
	return members, nil
}

// Reset удаляет присутствие, оставшееся от предыдущего процесса: после рестарта ни одно соединение не живо.
func (s *Store) Reset(ctx context.Context) (int, error) {
	keys, err := s.kv.Keys(ctx, KeyPrefix+"*")
	if err != nil {
		return 0, apperr.StoreUnavailable("presence scan failed", err)
	}
	for _, key := range keys {
		if err := s.kv.Delete(ctx, key); err != nil {
			return 0, apperr.StoreUnavailable("presence reset failed", err)
		}
	}
	return len(keys), nil
}
