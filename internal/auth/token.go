package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rendezvous/internal/model"
)

const defaultTokenTTL = 24 * time.Hour

// Issue подписывает токен в формате сервиса идентификации. Только для dev-инструментов и тестов:
// токены пользователям выдаёт сервис идентификации.
func Issue(secret string, u *model.User, ttl time.Duration) (string, error) {
	if u == nil || u.ID == "" {
		return "", errors.New("auth: user id required")
	}
	if ttl == 0 {
		ttl = defaultTokenTTL
	}
	now := time.Now()
	claims := &Claims{
		ID:       u.ID,
		Email:    u.Email,
		Username: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   u.ID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
