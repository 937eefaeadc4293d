package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/rendezvous/internal/apperr"
	"github.com/rendezvous/internal/auth"
	"github.com/rendezvous/internal/logger"
)

type authFailure struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Authenticate проверяет bearer-токен (заголовок Authorization или ?token=) и кладёт личность в контекст.
// 401 с reason при отказе, 503 если хранилище пользователей недоступно.
func Authenticate(v *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred := auth.CredentialFromRequest(r)
			id, err := v.Verify(r.Context(), cred)
			if err != nil {
				status := http.StatusUnauthorized
				body := authFailure{Error: apperr.PublicMessage(err), Reason: string(auth.ReasonOf(err))}
				if apperr.Is(err, apperr.KindStoreUnavailable) {
					status = http.StatusServiceUnavailable
					logger.Errorf("auth: %v", err)
				} else {
					logger.Debugf("auth rejected %s %s token=%s: %v", r.Method, r.URL.Path, MaskToken(cred), err)
				}
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(status)
				_ = json.NewEncoder(w).Encode(body)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
