package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rendezvous/internal/apperr"
	"github.com/rendezvous/internal/model"
	"github.com/rendezvous/internal/storage"
	"github.com/rendezvous/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDirectory(t *testing.T) (*Directory, storage.Stores, *memory.Users) {
	t.Helper()
	stores, users := memory.NewStores()
	ctx := context.Background()
	for _, u := range []model.User{
		{ID: "alice", Username: "Alice", ProfilePic: "alice.png"},
		{ID: "bob", Username: "Bob"},
		{ID: "carol", Username: "Carol"},
	} {
		u := u
		require.NoError(t, users.Upsert(ctx, &u))
	}
	return New(stores.Conversations, stores.Messages, stores.Users, time.UTC), stores, users
}

func TestResolve_CanonicalAndIdempotent(t *testing.T) {
	d, _, _ := newDirectory(t)
	ctx := context.Background()

	ab, created, err := d.Resolve(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "alice", ab.ParticipantA)
	assert.Equal(t, "bob", ab.ParticipantB)

	ba, created, err := d.Resolve(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, ab.ID, ba.ID)

	again, _, err := d.Resolve(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, ab.ID, again.ID)

	ac, _, err := d.Resolve(ctx, "carol", "alice")
	require.NoError(t, err)
	assert.NotEqual(t, ab.ID, ac.ID)
}

func TestResolve_InvalidPairs(t *testing.T) {
	d, _, _ := newDirectory(t)
	for _, tc := range []struct{ name, a, b string }{
		{"self", "alice", "alice"},
		{"empty a", "", "bob"},
		{"empty b", "alice", ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := d.Resolve(context.Background(), tc.a, tc.b)
			assert.True(t, apperr.Is(err, apperr.KindInvalid))
		})
	}
}

func TestResolve_ConcurrentBothSides(t *testing.T) {
	d, _, _ := newDirectory(t)
	ctx := context.Background()

	const n = 64
	ids := make([]string, n)
	createdCount := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			c, created, err := d.Resolve(ctx, a, b)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[i] = c.ID
			if created {
				createdCount++
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, createdCount)
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 0, d.locks.Len())
}

// racingStore имитирует создание той же пары другим процессом между FindByPair и Create.
type racingStore struct {
	storage.ConversationStore
	once sync.Once
}

func (s *racingStore) Create(ctx context.Context, c *model.Conversation) error {
	s.once.Do(func() {
		other := *c
		other.ID = "from-other-process"
		_ = s.ConversationStore.Create(ctx, &other)
	})
	return s.ConversationStore.Create(ctx, c)
}

func TestResolve_ReconcilesStoreConflict(t *testing.T) {
	stores, _ := memory.NewStores()
	d := New(&racingStore{ConversationStore: stores.Conversations}, stores.Messages, stores.Users, time.UTC)

	c, created, err := d.Resolve(context.Background(), "bob", "alice")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "from-other-process", c.ID)
}

type failingConvs struct{ storage.ConversationStore }

func (failingConvs) FindByPair(context.Context, string, string) (*model.Conversation, error) {
	return nil, errors.New("connection refused")
}

func TestResolve_StoreUnavailable(t *testing.T) {
	stores, _ := memory.NewStores()
	d := New(failingConvs{stores.Conversations}, stores.Messages, stores.Users, time.UTC)
	_, _, err := d.Resolve(context.Background(), "alice", "bob")
	assert.True(t, apperr.Is(err, apperr.KindStoreUnavailable))
}

func TestCheckExisting(t *testing.T) {
	d, stores, _ := newDirectory(t)
	ctx := context.Background()

	res, err := d.CheckExisting(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.False(t, res.Exists)
	assert.Empty(t, res.ConversationID)
	raw, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"exists":false}`, string(raw))

	c, _, err := d.Resolve(ctx, "alice", "bob")
	require.NoError(t, err)

	// Беседа без истории: messages присутствует пустым массивом.
	res, err = d.CheckExisting(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, res.Exists)
	raw, err = json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"messages":[]`)
	assert.JSONEq(t, `{"exists":true,"conversationId":"`+c.ID+`","messages":[]}`, string(raw))

	base := time.Date(2024, time.July, 15, 9, 5, 0, 0, time.UTC)
	for i, text := range []string{"first", "second"} {
		require.NoError(t, stores.Messages.Create(ctx, &model.Message{
			ID: text, ConversationID: c.ID, SenderID: "alice", ReceiverID: "bob",
			Text: text, SentAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	res, err = d.CheckExisting(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.True(t, res.Exists)
	assert.Equal(t, c.ID, res.ConversationID)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, "first", res.Messages[0].Message)
	assert.Equal(t, "09:05", res.Messages[0].SentAt)
	assert.Equal(t, "July 15", res.Messages[0].Date)
	assert.Equal(t, "09:06", res.Messages[1].SentAt)
	assert.Equal(t, "alice", res.Messages[1].SenderID)
}

func TestAuthorize(t *testing.T) {
	d, _, _ := newDirectory(t)
	ctx := context.Background()
	c, _, err := d.Resolve(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = d.Authorize(ctx, c.ID, "bob")
	assert.NoError(t, err)

	_, err = d.Authorize(ctx, c.ID, "carol")
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	_, err = d.Authorize(ctx, "missing", "bob")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	ok, err := d.IsParticipant(ctx, c.ID, "carol")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListForUser(t *testing.T) {
	d, stores, _ := newDirectory(t)
	ctx := context.Background()
	now := time.Date(2024, time.July, 15, 18, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	ab, _, err := d.Resolve(ctx, "alice", "bob")
	require.NoError(t, err)
	ac, _, err := d.Resolve(ctx, "alice", "carol")
	require.NoError(t, err)

	add := func(id, conv, from, to string, at time.Time) {
		require.NoError(t, stores.Messages.Create(ctx, &model.Message{
			ID: id, ConversationID: conv, SenderID: from, ReceiverID: to, Text: id, SentAt: at,
		}))
		require.NoError(t, stores.Conversations.SetLastMessage(ctx, conv, id))
	}
	add("m1", ab.ID, "bob", "alice", now.AddDate(0, 0, -3))
	add("m2", ac.ID, "carol", "alice", now.Add(-time.Hour))
	add("m3", ac.ID, "carol", "alice", now.Add(-30*time.Minute))

	list, err := d.ListForUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)

	assert.Equal(t, ac.ID, list[0].ChatID)
	assert.Equal(t, "Carol", list[0].Participant.Name)
	assert.Equal(t, "17:30", list[0].LastMessage.SentAt)
	assert.Equal(t, 2, list[0].UnseenCount)

	assert.Equal(t, ab.ID, list[1].ChatID)
	assert.Equal(t, "07/12/2024", list[1].LastMessage.SentAt)
	assert.Equal(t, 1, list[1].UnseenCount)

	bobList, err := d.ListForUser(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, bobList, 1)
	assert.Equal(t, "alice.png", bobList[0].Participant.ProfilePic)
	assert.Equal(t, 0, bobList[0].UnseenCount)
}

func TestFormatListStamp_UsesDisplayZone(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	now := time.Date(2024, time.July, 15, 22, 0, 0, 0, time.UTC)
	msg := time.Date(2024, time.July, 15, 21, 30, 0, 0, time.UTC)
	assert.Equal(t, "00:30", FormatListStamp(msg, now, loc))
	assert.Equal(t, "07/15/2024", FormatListStamp(msg.AddDate(0, 0, -1).Add(2*time.Hour), now, loc))
}
