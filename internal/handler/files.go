package handler

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rendezvous/internal/blob"
	"github.com/rendezvous/internal/logger"
)

type FileHandler struct {
	blobs         blob.Store
	maxUploadSize int64
	baseURL       string
}

func NewFileHandler(blobs blob.Store, maxUploadSize int64, baseURL string) *FileHandler {
	if maxUploadSize <= 0 {
		maxUploadSize = 20 << 20
	}
	return &FileHandler{blobs: blobs, maxUploadSize: maxUploadSize, baseURL: baseURL}
}

type FileUploadResponse struct {
	Ref         string `json:"ref"`
	URL         string `json:"url"`
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	ContentType string `json:"content_type"`
}

// Upload принимает multipart-поле "file". В сообщения клиент кладёт ref, а не url.
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	obj, err := h.blobs.Put(r.Context(), header.Filename, file)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, FileUploadResponse{
		Ref:         obj.Ref,
		URL:         blob.Resolve(h.blobs, requestBase(r, h.baseURL), obj.Ref),
		FileName:    obj.FileName,
		FileSize:    obj.FileSize,
		ContentType: obj.ContentType,
	})
}

// Serve отдаёт вложение по ref. Для S3 клиенты ходят напрямую по публичному URL.
func (h *FileHandler) Serve(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	rc, err := h.blobs.Open(r.Context(), ref)
	if errors.Is(err, blob.ErrNotFound) {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		logger.Errorf("file serve %s: %v", ref, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", blob.ContentTypeByExt(filepath.Ext(ref)))
	w.Header().Set("Cache-Control", "private, max-age=86400")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if _, err := io.Copy(w, rc); err != nil {
		logger.Debugf("file serve %s: %v", ref, err)
	}
}
