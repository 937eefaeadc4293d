package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rendezvous/internal/blob"
	"github.com/rendezvous/internal/conversation"
	"github.com/rendezvous/internal/ledger"
	"github.com/rendezvous/internal/middleware"
)

type ConversationHandler struct {
	dir     *conversation.Directory
	ledger  *ledger.Ledger
	blobs   blob.Store
	baseURL string
}

func NewConversationHandler(dir *conversation.Directory, l *ledger.Ledger, blobs blob.Store, baseURL string) *ConversationHandler {
	return &ConversationHandler{dir: dir, ledger: l, blobs: blobs, baseURL: baseURL}
}

type chatListResponse struct {
	Chats []conversation.Summary `json:"chats"`
}

// List: список бесед пользователя, новые сверху.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	chats, err := h.dir.ListForUser(r.Context(), userID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	base := requestBase(r, h.baseURL)
	for i := range chats {
		chats[i].Participant.ProfilePic = blob.Resolve(h.blobs, base, chats[i].Participant.ProfilePic)
	}
	writeJSON(w, http.StatusOK, chatListResponse{Chats: chats})
}

type messagePage struct {
	Messages []ledger.ReceivedMessage `json:"messages"`
	Page     int                      `json:"page"`
	Limit    int                      `json:"limit"`
}

// Messages: страница истории, новые сверху. Только для участников беседы.
func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())
	if _, err := h.dir.Authorize(r.Context(), id, userID); err != nil {
		writeAppError(w, r, err)
		return
	}
	page, limit := ledger.NormalizePage(queryInt(r, "page", 1), queryInt(r, "limit", ledger.DefaultPageSize))
	msgs, err := h.ledger.ListPage(r.Context(), id, page, limit)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messagePage{
		Messages: h.ledger.PresentAll(msgs, requestBase(r, h.baseURL)),
		Page:     page,
		Limit:    limit,
	})
}
