package middleware

import (
	"context"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rendezvous/internal/logger"
)

type requestInfoKey struct{}

// requestInfo заполняется внутренними middleware (Authenticate), а читается RequestLog после ответа:
// r.WithContext во внутренних слоях не виден внешним.
type requestInfo struct {
	userID string
}

func requestInfoFrom(ctx context.Context) *requestInfo {
	v, _ := ctx.Value(requestInfoKey{}).(*requestInfo)
	return v
}

// RequestLog логирует method, path, статус, user_id и время выполнения каждого HTTP-запроса.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrap, ok := w.(*responseWriter)
		if !ok {
			wrap = &responseWriter{ResponseWriter: w, status: http.StatusOK}
		}
		info := &requestInfo{}
		next.ServeHTTP(wrap, r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, info)))
		logger.Slog().Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrap.status,
			"user_id", info.userID,
			"request_id", chimw.GetReqID(r.Context()),
			"duration", time.Since(start),
		)
	})
}
