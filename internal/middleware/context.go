package middleware

import (
	"context"

	"github.com/rendezvous/internal/auth"
)

type contextKey string

const (
	UserIDKey   contextKey = "user_id"
	IdentityKey contextKey = "identity"
)

// WithIdentity кладёт проверенную личность в контекст запроса.
func WithIdentity(ctx context.Context, id *auth.Identity) context.Context {
	if info := requestInfoFrom(ctx); info != nil {
		info.userID = id.ID
	}
	ctx = context.WithValue(ctx, IdentityKey, id)
	return context.WithValue(ctx, UserIDKey, id.ID)
}

// GetUserID возвращает user_id из контекста (устанавливается Authenticate).
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(UserIDKey).(string)
	return v
}

// GetIdentity возвращает личность из контекста или nil.
func GetIdentity(ctx context.Context) *auth.Identity {
	v, _ := ctx.Value(IdentityKey).(*auth.Identity)
	return v
}
