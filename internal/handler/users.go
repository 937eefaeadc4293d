package handler

import (
	"errors"
	"net/http"

	"github.com/rendezvous/internal/blob"
	"github.com/rendezvous/internal/middleware"
	"github.com/rendezvous/internal/model"
	"github.com/rendezvous/internal/storage"
)

type UserHandler struct {
	users   storage.UserStore
	blobs   blob.Store
	baseURL string
}

func NewUserHandler(users storage.UserStore, blobs blob.Store, baseURL string) *UserHandler {
	return &UserHandler{users: users, blobs: blobs, baseURL: baseURL}
}

type meResponse struct {
	model.UserPublic
	Email string `json:"email"`
}

func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	u, err := h.users.GetByID(r.Context(), middleware.GetUserID(r.Context()))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "user lookup failed")
		return
	}
	pub := u.ToPublic()
	pub.ProfilePic = blob.Resolve(h.blobs, requestBase(r, h.baseURL), pub.ProfilePic)
	writeJSON(w, http.StatusOK, meResponse{UserPublic: pub, Email: u.Email})
}
