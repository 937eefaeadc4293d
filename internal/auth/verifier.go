// Package auth проверяет bearer-токены, выпущенные сервисом идентификации.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rendezvous/internal/apperr"
	"github.com/rendezvous/internal/logger"
	"github.com/rendezvous/internal/model"
	"github.com/rendezvous/internal/storage"
)

// Reason сообщает клиенту, почему токен отклонён.
type Reason string

const (
	ReasonMissing     Reason = "missing"
	ReasonInvalid     Reason = "invalid"
	ReasonExpired     Reason = "expired"
	ReasonUnknownUser Reason = "unknown_user"
)

var reasonMessages = map[Reason]string{
	ReasonMissing:     "Token missing. Please provide a valid token.",
	ReasonInvalid:     "Invalid token.",
	ReasonExpired:     "Token expired. Please sign in again.",
	ReasonUnknownUser: "User not found.",
}

// Error: отклонённый токен; классифицируется как apperr.KindUnauthenticated.
type Error struct {
	Reason  Reason
	Message string
	Cause   error
}

func newError(reason Reason, cause error) *Error {
	return &Error{Reason: reason, Message: reasonMessages[reason], Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("auth %s: %v", e.Reason, e.Cause)
	}
	return "auth " + string(e.Reason)
}

func (e *Error) Unwrap() []error {
	errs := []error{apperr.Unauthenticated(e.Message)}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// ReasonOf достаёт причину отказа из err; "" для ошибок не из auth.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// Claims: поля JWT в формате сервиса идентификации.
type Claims struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Identity: проверенный пользователь, хранится на соединении всё время его жизни.
type Identity struct {
	ID       string
	Email    string
	Username string
	User     *model.User
}

type Verifier struct {
	secret []byte
	users  storage.UserStore
	now    func() time.Time
}

func NewVerifier(secret string, users storage.UserStore) *Verifier {
	return &Verifier{secret: []byte(secret), users: users, now: time.Now}
}

// Verify проверяет токен и загружает пользователя, которого он называет.
func (v *Verifier) Verify(ctx context.Context, credential string) (*Identity, error) {
	defer logger.DeferLogDuration("auth.Verify", time.Now())()
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, newError(ReasonMissing, nil)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(credential, claims,
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.secret, nil
		},
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, newError(ReasonExpired, err)
		}
		return nil, newError(ReasonInvalid, err)
	}
	if !token.Valid {
		return nil, newError(ReasonInvalid, nil)
	}

	userID := claims.ID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return nil, newError(ReasonInvalid, errors.New("token has no user id"))
	}

	user, err := v.users.GetByID(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, newError(ReasonUnknownUser, nil)
	}
	if err != nil {
		return nil, apperr.StoreUnavailable("failed to load user", err)
	}

	username := claims.Username
	if username == "" {
		username = user.Username
	}
	email := claims.Email
	if email == "" {
		email = user.Email
	}
	return &Identity{ID: user.ID, Email: email, Username: username, User: user}, nil
}

// CredentialFromRequest читает "Authorization: Bearer <token>", иначе query-параметр token:
// браузер не может выставить заголовки при upgrade до websocket.
func CredentialFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
