package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rendezvous/internal/logger"
	"github.com/rendezvous/internal/middleware"
	"github.com/rendezvous/internal/model"
	"github.com/rendezvous/internal/storage"
)

const (
	maxRoomName       = 100
	connStringRetries = 3
)

// RoomCloser выгоняет участников из удалённой комнаты (реализует call.Namespace).
type RoomCloser interface {
	CloseRoom(ctx context.Context, roomID string) (int, error)
}

type RoomHandler struct {
	rooms  storage.RoomStore
	closer RoomCloser
	now    func() time.Time
}

func NewRoomHandler(rooms storage.RoomStore, closer RoomCloser) *RoomHandler {
	return &RoomHandler{rooms: rooms, closer: closer, now: time.Now}
}

type roomRequest struct {
	Name string `json:"name"`
}

func (req *roomRequest) normalize() bool {
	req.Name = strings.TrimSpace(req.Name)
	return req.Name != "" && len([]rune(req.Name)) <= maxRoomName
}

type roomResponse struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	ConnectionString string     `json:"connectionString"`
	CreatedBy        string     `json:"createdBy"`
	CreatedAt        time.Time  `json:"createdAt"`
	LastSessionAt    *time.Time `json:"lastSessionAt,omitempty"`
}

func toRoomResponse(r *model.Room) roomResponse {
	return roomResponse{
		ID:               r.ID,
		Name:             r.Name,
		ConnectionString: r.ConnectionString,
		CreatedBy:        r.CreatedBy,
		CreatedAt:        r.CreatedAt,
		LastSessionAt:    r.LastSessionAt,
	}
}

func newConnectionString() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (h *RoomHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req roomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.normalize() {
		writeError(w, http.StatusBadRequest, "name is required (max 100 characters)")
		return
	}
	room := &model.Room{
		ID:        uuid.New().String(),
		CreatedBy: middleware.GetUserID(r.Context()),
		Name:      req.Name,
		CreatedAt: h.now().UTC(),
	}
	// connectionString короткий, коллизии редки: повторяем с новым значением.
	for attempt := 0; ; attempt++ {
		cs, err := newConnectionString()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		room.ConnectionString = cs
		err = h.rooms.Create(r.Context(), room)
		if err == nil {
			break
		}
		if errors.Is(err, storage.ErrConflict) && attempt < connStringRetries {
			continue
		}
		logger.Errorf("room create: %v", err)
		writeError(w, http.StatusServiceUnavailable, "room create failed")
		return
	}
	logger.Infof("room created id=%s by=%s", room.ID, room.CreatedBy)
	writeJSON(w, http.StatusCreated, toRoomResponse(room))
}

func (h *RoomHandler) List(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.rooms.ListByCreator(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		logger.Errorf("room list: %v", err)
		writeError(w, http.StatusServiceUnavailable, "room list failed")
		return
	}
	out := make([]roomResponse, 0, len(rooms))
	for i := range rooms {
		out = append(out, toRoomResponse(&rooms[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": out})
}

// owned загружает комнату и проверяет, что текущий пользователь её создатель.
func (h *RoomHandler) owned(w http.ResponseWriter, r *http.Request) (*model.Room, bool) {
	room, err := h.rooms.GetByID(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "room not found")
		return nil, false
	}
	if err != nil {
		logger.Errorf("room get: %v", err)
		writeError(w, http.StatusServiceUnavailable, "room lookup failed")
		return nil, false
	}
	if room.CreatedBy != middleware.GetUserID(r.Context()) {
		writeError(w, http.StatusForbidden, "only the room creator can do this")
		return nil, false
	}
	return room, true
}

func (h *RoomHandler) Rename(w http.ResponseWriter, r *http.Request) {
	var req roomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.normalize() {
		writeError(w, http.StatusBadRequest, "name is required (max 100 characters)")
		return
	}
	room, ok := h.owned(w, r)
	if !ok {
		return
	}
	if err := h.rooms.Rename(r.Context(), room.ID, req.Name); err != nil {
		logger.Errorf("room rename: %v", err)
		writeError(w, http.StatusServiceUnavailable, "room rename failed")
		return
	}
	room.Name = req.Name
	writeJSON(w, http.StatusOK, toRoomResponse(room))
}

func (h *RoomHandler) Delete(w http.ResponseWriter, r *http.Request) {
	room, ok := h.owned(w, r)
	if !ok {
		return
	}
	if err := h.rooms.Delete(r.Context(), room.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Errorf("room delete: %v", err)
		writeError(w, http.StatusServiceUnavailable, "room delete failed")
		return
	}
	evicted := 0
	if h.closer != nil {
		n, err := h.closer.CloseRoom(r.Context(), room.ID)
		if err != nil {
			logger.Errorf("room close %s: %v", room.ID, err)
		}
		evicted = n
	}
	logger.Infof("room deleted id=%s evicted=%d", room.ID, evicted)
	w.WriteHeader(http.StatusNoContent)
}
