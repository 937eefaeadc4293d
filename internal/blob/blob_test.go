package blob

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/rendezvous/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

func TestLocal_PutOpenRoundTrip(t *testing.T) {
	s := NewLocal(t.TempDir())
	content := append(append([]byte{}, pngHeader...), bytes.Repeat([]byte("x"), 2048)...)

	obj, err := s.Put(context.Background(), "photo.png", bytes.NewReader(content))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(obj.Ref, ".png"))
	assert.Equal(t, "photo.png", obj.FileName)
	assert.Equal(t, int64(len(content)), obj.FileSize)
	assert.Equal(t, "image/png", obj.ContentType)

	rc, err := s.Open(context.Background(), obj.Ref)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestLocal_PutRejects(t *testing.T) {
	s := NewLocal(t.TempDir())

	_, err := s.Put(context.Background(), "run.sh", strings.NewReader("echo hi"))
	assert.True(t, apperr.Is(err, apperr.KindInvalid))

	_, err = s.Put(context.Background(), "fake.png", strings.NewReader("not a png at all"))
	assert.ErrorIs(t, err, ErrContentMismatch)
}

func TestLocal_OpenUnknownOrTraversal(t *testing.T) {
	s := NewLocal(t.TempDir())
	for _, ref := range []string{"missing.txt", "../etc/passwd", "", ".hidden"} {
		_, err := s.Open(context.Background(), ref)
		assert.ErrorIs(t, err, ErrNotFound, ref)
	}
}

func TestResolve(t *testing.T) {
	s := NewLocal(t.TempDir())
	assert.Equal(t, "http://a.example/api/files/x.png", Resolve(s, "http://a.example/", "x.png"))
	assert.Equal(t, "https://cdn.example/y.png", Resolve(s, "http://a.example", "https://cdn.example/y.png"))
	assert.Equal(t,
		[]string{"http://b/api/files/1.txt", "http://b/api/files/2.txt"},
		ResolveAll(s, "http://b", []string{"1.txt", "2.txt"}))
}

func TestS3_URLIgnoresOrigin(t *testing.T) {
	s, err := NewS3(S3Config{Endpoint: "localhost:9000", Bucket: "attachments", AccessKey: "k", SecretKey: "s"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000/attachments/abc.png", s.URL("http://whatever", "abc.png"))

	_, err = NewS3(S3Config{Endpoint: "localhost:9000"})
	assert.Error(t, err)
}

func TestSafeFilename(t *testing.T) {
	assert.Equal(t, "отчёт.pdf", SafeFilename(" отчёт.pdf "))
	assert.Equal(t, "ab.txt", SafeFilename("a\"/b.txt"))
	assert.Equal(t, "", SafeFilename("  "))
}
