package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/rendezvous/internal/apperr"
	"github.com/rendezvous/internal/logger"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusOf сопоставляет вид ошибки HTTP-статусу.
func statusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case apperr.KindInvalid:
		return http.StatusBadRequest
	case apperr.KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// writeAppError отдаёт ошибку домена; внутренние и ошибки хранилища логируются.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindUnknown || kind == apperr.KindStoreUnavailable {
		logger.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, statusOf(kind), errorResponse{Error: apperr.PublicMessage(err), Code: string(kind)})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

// requestBase: origin, относительно которого строятся абсолютные URL вложений.
// Origin клиента важнее Host; fallback: PUBLIC_BASE_URL.
func requestBase(r *http.Request, fallback string) string {
	if o := strings.TrimSpace(r.Header.Get("Origin")); o != "" && o != "null" {
		return strings.TrimRight(o, "/")
	}
	if fallback != "" {
		return fallback
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// Health: проверка живости процесса.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
