package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rendezvous/internal/apperr"
	"github.com/rendezvous/internal/model"
	"github.com/rendezvous/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func newVerifier(t *testing.T) (*Verifier, *model.User) {
	t.Helper()
	users := memory.NewUsers()
	u := &model.User{ID: "u-1", Email: "alice@example.com", Username: "alice"}
	require.NoError(t, users.Upsert(context.Background(), u))
	return NewVerifier(testSecret, users), u
}

func TestVerifier_Verify(t *testing.T) {
	v, alice := newVerifier(t)
	ctx := context.Background()

	valid, err := Issue(testSecret, alice, time.Hour)
	require.NoError(t, err)
	expired, err := Issue(testSecret, alice, -time.Minute)
	require.NoError(t, err)
	foreign, err := Issue("other-secret", alice, time.Hour)
	require.NoError(t, err)
	ghost, err := Issue(testSecret, &model.User{ID: "ghost"}, time.Hour)
	require.NoError(t, err)
	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{ID: alice.ID}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name       string
		credential string
		reason     Reason
	}{
		{name: "missing", credential: "", reason: ReasonMissing},
		{name: "whitespace only", credential: "   ", reason: ReasonMissing},
		{name: "malformed", credential: "not-a-jwt", reason: ReasonInvalid},
		{name: "wrong secret", credential: foreign, reason: ReasonInvalid},
		{name: "alg none", credential: noneAlg, reason: ReasonInvalid},
		{name: "expired", credential: expired, reason: ReasonExpired},
		{name: "unknown user", credential: ghost, reason: ReasonUnknownUser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := v.Verify(ctx, tt.credential)
			require.Error(t, err)
			assert.Nil(t, id)
			assert.Equal(t, tt.reason, ReasonOf(err))
			assert.True(t, apperr.Is(err, apperr.KindUnauthenticated))
			assert.NotEmpty(t, apperr.PublicMessage(err))
		})
	}

	t.Run("valid", func(t *testing.T) {
		id, err := v.Verify(ctx, valid)
		require.NoError(t, err)
		assert.Equal(t, alice.ID, id.ID)
		assert.Equal(t, "alice", id.Username)
		assert.Equal(t, "alice@example.com", id.Email)
		require.NotNil(t, id.User)
		assert.Equal(t, alice.ID, id.User.ID)
	})
}

func TestVerifier_ReasonsHaveDistinctMessages(t *testing.T) {
	seen := map[string]Reason{}
	for r, msg := range reasonMessages {
		prev, dup := seen[msg]
		assert.False(t, dup, "reasons %s and %s share a message", r, prev)
		seen[msg] = r
	}
}

func TestCredentialFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		header string
		want   string
	}{
		{name: "bearer header", url: "/im", header: "Bearer abc", want: "abc"},
		{name: "query param", url: "/im?token=xyz", want: "xyz"},
		{name: "header wins over query", url: "/im?token=xyz", header: "Bearer abc", want: "abc"},
		{name: "non bearer header", url: "/im?token=xyz", header: "Basic Zm9v", want: ""},
		{name: "nothing", url: "/im", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.url, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, CredentialFromRequest(r))
		})
	}
}
