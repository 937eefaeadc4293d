package push

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/rendezvous/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sub(endpoint string) Subscription {
	var s Subscription
	s.Endpoint = endpoint
	s.Keys.P256dh = "p256"
	s.Keys.Auth = "auth"
	return s
}

func TestSubscriptions_AddDedupRemove(t *testing.T) {
	ctx := context.Background()
	s := NewSubscriptions(memory.NewKV())

	require.NoError(t, s.Add(ctx, "u1", sub("https://push/a")))
	require.NoError(t, s.Add(ctx, "u1", sub("https://push/b")))
	require.NoError(t, s.Add(ctx, "u1", sub("https://push/a")))

	list, err := s.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "https://push/b", list[0].Endpoint)
	assert.Equal(t, "https://push/a", list[1].Endpoint)

	require.NoError(t, s.Remove(ctx, "u1", "https://push/a"))
	require.NoError(t, s.Remove(ctx, "u1", "https://push/b"))
	list, err = s.List(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestNotifier_SendsAndDropsStale(t *testing.T) {
	ctx := context.Background()
	subs := NewSubscriptions(memory.NewKV())
	require.NoError(t, subs.Add(ctx, "u1", sub("https://push/live")))
	require.NoError(t, subs.Add(ctx, "u1", sub("https://push/gone")))

	var (
		mu       sync.Mutex
		payloads []string
	)
	n := NewNotifier(subs, &VAPIDKeys{PublicKey: "pub", PrivateKey: "priv"}, "").
		WithSender(func(_ context.Context, msg []byte, s *webpush.Subscription, _ *webpush.Options) (*http.Response, error) {
			mu.Lock()
			payloads = append(payloads, string(msg))
			mu.Unlock()
			status := http.StatusCreated
			if strings.HasSuffix(s.Endpoint, "gone") {
				status = http.StatusGone
			}
			return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(""))}, nil
		})

	assert.True(t, n.Enabled())
	assert.Equal(t, "pub", n.PublicKey())
	assert.Equal(t, 1, n.Notify(ctx, "u1", "Alice", "hi", map[string]string{"conversation_id": "c1"}))
	require.Len(t, payloads, 2)
	assert.Contains(t, payloads[0], `"title":"Alice"`)

	list, err := subs.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "https://push/live", list[0].Endpoint)
}

func TestNotifier_DisabledWithoutKeys(t *testing.T) {
	n := NewNotifier(NewSubscriptions(memory.NewKV()), nil, "")
	assert.False(t, n.Enabled())
	assert.Empty(t, n.PublicKey())
	assert.Equal(t, 0, n.Notify(context.Background(), "u1", "t", "b", nil))
}

func TestEnsureVAPIDKeys_GeneratesOnceAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vapid.json")
	first, err := EnsureVAPIDKeys(path)
	require.NoError(t, err)
	require.NotEmpty(t, first.PublicKey)
	require.NotEmpty(t, first.PrivateKey)

	second, err := EnsureVAPIDKeys(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.NoError(t, first.Validate())

	explicit, err := ResolveVAPIDKeys(first.PublicKey, first.PrivateKey, filepath.Join(t.TempDir(), "unused.json"))
	require.NoError(t, err)
	assert.Equal(t, first, explicit)

	_, err = ResolveVAPIDKeys("p", "q", path)
	assert.Error(t, err)
}

func TestEnsureVAPIDKeys_RegeneratesCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vapid.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"public_key":"x"}`), 0o600))

	keys, err := EnsureVAPIDKeys(path)
	require.NoError(t, err)
	require.NoError(t, keys.Validate())

	reloaded, err := EnsureVAPIDKeys(path)
	require.NoError(t, err)
	assert.Equal(t, keys, reloaded)
}
