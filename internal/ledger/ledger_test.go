package ledger

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rendezvous/internal/apperr"
	"github.com/rendezvous/internal/blob"
	"github.com/rendezvous/internal/model"
	"github.com/rendezvous/internal/storage"
	"github.com/rendezvous/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	ledger *Ledger
	stores storage.Stores
	blobs  *blob.Local
	conv   *model.Conversation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	stores, _ := memory.NewStores()
	blobs := blob.NewLocal(t.TempDir())
	conv := &model.Conversation{ID: "c1", ParticipantA: "alice", ParticipantB: "bob", CreatedAt: time.Now()}
	require.NoError(t, stores.Conversations.Create(context.Background(), conv))
	return &fixture{
		ledger: New(stores.Conversations, stores.Messages, blobs, time.UTC),
		stores: stores,
		blobs:  blobs,
		conv:   conv,
	}
}

func TestAppend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.ledger.Append(ctx, AppendInput{ConversationID: "c1", SenderID: "bob", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "alice", m.ReceiverID)
	assert.False(t, m.IsDelivered)
	assert.False(t, m.IsSeen)

	c, err := f.stores.Conversations.GetByID(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, c.LastMessageID)
	assert.Equal(t, m.ID, *c.LastMessageID)
}

func TestAppend_Errors(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		in   AppendInput
		kind apperr.Kind
	}{
		{"missing conversation id", AppendInput{SenderID: "bob", Text: "x"}, apperr.KindInvalid},
		{"empty body", AppendInput{ConversationID: "c1", SenderID: "bob", Text: "  "}, apperr.KindInvalid},
		{"blank attachments only", AppendInput{ConversationID: "c1", SenderID: "bob", Attachments: []string{" "}}, apperr.KindInvalid},
		{"too long", AppendInput{ConversationID: "c1", SenderID: "bob", Text: strings.Repeat("a", maxTextLen+1)}, apperr.KindInvalid},
		{"unknown conversation", AppendInput{ConversationID: "nope", SenderID: "bob", Text: "x"}, apperr.KindNotFound},
		{"outsider", AppendInput{ConversationID: "c1", SenderID: "carol", Text: "x"}, apperr.KindForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.ledger.Append(context.Background(), tc.in)
			assert.Equal(t, tc.kind, apperr.KindOf(err))
		})
	}
}

func TestMark_MonotonicAndReceiverOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, err := f.ledger.Append(ctx, AppendInput{ConversationID: "c1", SenderID: "alice", Text: "hello"})
	require.NoError(t, err)

	_, _, err = f.ledger.MarkDelivered(ctx, m.ID, "alice")
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	got, changed, err := f.ledger.MarkDelivered(ctx, m.ID, "bob")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, got.IsDelivered)

	_, changed, err = f.ledger.MarkDelivered(ctx, m.ID, "bob")
	require.NoError(t, err)
	assert.False(t, changed)

	got, changed, err = f.ledger.MarkSeen(ctx, m.ID, "bob")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, got.IsSeen)

	_, changed, err = f.ledger.MarkSeen(ctx, m.ID, "bob")
	require.NoError(t, err)
	assert.False(t, changed)

	// Повторная отметка доставки не сбрасывает прочтение.
	_, _, err = f.ledger.MarkDelivered(ctx, m.ID, "bob")
	require.NoError(t, err)
	stored, err := f.stores.Messages.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsSeen)
	assert.True(t, stored.IsDelivered)

	_, _, err = f.ledger.MarkSeen(ctx, "missing", "bob")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestMarkSeen_ImpliesDelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, err := f.ledger.Append(ctx, AppendInput{ConversationID: "c1", SenderID: "alice", Text: "hello"})
	require.NoError(t, err)

	_, changed, err := f.ledger.MarkSeen(ctx, m.ID, "bob")
	require.NoError(t, err)
	assert.True(t, changed)

	_, changed, err = f.ledger.MarkDelivered(ctx, m.ID, "bob")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestListPage_NewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		f.ledger.now = func() time.Time { return at }
		_, err := f.ledger.Append(ctx, AppendInput{ConversationID: "c1", SenderID: "alice", Text: string(rune('a' + i))})
		require.NoError(t, err)
	}

	first, err := f.ledger.ListPage(ctx, "c1", 0, 0)
	require.NoError(t, err)
	require.Len(t, first, DefaultPageSize)
	assert.Equal(t, "y", first[0].Text)

	second, err := f.ledger.ListPage(ctx, "c1", 2, 20)
	require.NoError(t, err)
	require.Len(t, second, 5)
	assert.Equal(t, "a", second[4].Text)

	history, err := f.ledger.History(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, history, 25)
	assert.Equal(t, "a", history[0].Text)
}

func TestNormalizePage(t *testing.T) {
	p, s := NormalizePage(-1, 1000)
	assert.Equal(t, 1, p)
	assert.Equal(t, MaxPageSize, s)
	p, s = NormalizePage(3, 0)
	assert.Equal(t, 3, p)
	assert.Equal(t, DefaultPageSize, s)
}

func TestAttachmentsRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	content := []byte("%PDF-1.4 report body")
	obj, err := f.blobs.Put(ctx, "report.pdf", bytes.NewReader(content))
	require.NoError(t, err)

	_, err = f.ledger.Append(ctx, AppendInput{ConversationID: "c1", SenderID: "alice", Attachments: []string{obj.Ref}})
	require.NoError(t, err)

	page, err := f.ledger.ListPage(ctx, "c1", 1, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)

	presented := f.ledger.Present(&page[0], "http://bob.example")
	require.Len(t, presented.Attachments, 1)
	assert.Equal(t, "http://bob.example/api/files/"+obj.Ref, presented.Attachments[0])

	ref := strings.TrimPrefix(presented.Attachments[0], "http://bob.example/api/files/")
	rc, err := f.blobs.Open(ctx, ref)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestAppend_ConcurrentKeepsAllMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := "alice"
			if i%2 == 0 {
				sender = "bob"
			}
			_, err := f.ledger.Append(ctx, AppendInput{ConversationID: "c1", SenderID: sender, Text: "m"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	all, err := f.ledger.History(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, all, 40)

	c, err := f.stores.Conversations.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, all[len(all)-1].ID, *c.LastMessageID)
}
