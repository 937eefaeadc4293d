// Package blob хранит вложения сообщений и превращает их ссылки (ref) в абсолютные URL.
package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/rendezvous/internal/apperr"
)

var (
	ErrNotFound        = errors.New("blob: not found")
	ErrBlockedType     = apperr.Invalid("file type not allowed")
	ErrContentMismatch = apperr.Invalid("file content does not match type")
)

// BlockedExt: только опасные расширения (исполняемые/скрипты). Остальные разрешены.
var BlockedExt = map[string]bool{
	".exe": true, ".sh": true, ".js": true, ".bat": true, ".cmd": true,
	".php": true, ".py": true, ".rb": true,
}

// Object описывает сохранённое вложение.
type Object struct {
	Ref         string `json:"ref"`
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	ContentType string `json:"content_type"`
}

// Store: хранилище вложений. Реализации: Local (диск, gzip) и S3 (minio).
type Store interface {
	// Put сохраняет содержимое под новым ref; name: исходное имя файла от клиента.
	Put(ctx context.Context, name string, r io.Reader) (*Object, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	// URL возвращает абсолютный адрес вложения для клиента с origin base.
	URL(base, ref string) string
}

// Resolve переписывает ref в абсолютный URL; уже абсолютные ссылки не трогает.
func Resolve(s Store, base, ref string) string {
	if ref == "" || strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	return s.URL(base, ref)
}

// ResolveAll применяет Resolve к каждому ref, сохраняя порядок.
func ResolveAll(s Store, base string, refs []string) []string {
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		out = append(out, Resolve(s, base, ref))
	}
	return out
}

// prepared хранит результат проверки загрузки: новое имя, отображаемое имя и поток с уже прочитанной головой.
type prepared struct {
	ref         string
	displayName string
	contentType string
	body        io.Reader
}

func prepare(name string, r io.Reader) (*prepared, error) {
	// В ряде клиентов/прокси пробел в имени кодируется как "+".
	rawName := strings.ReplaceAll(name, "+", " ")
	ext := strings.ToLower(filepath.Ext(rawName))
	if BlockedExt[ext] {
		return nil, ErrBlockedType
	}

	head := make([]byte, 512)
	n, err := io.ReadAtLeast(r, head, len(head))
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	head = head[:n]
	if !matchMagic(ext, head) {
		return nil, ErrContentMismatch
	}

	ref := uuid.New().String() + ext
	display := SafeFilename(filepath.Base(rawName))
	if display == "" || display == "." {
		display = ref
	}
	return &prepared{
		ref:         ref,
		displayName: display,
		contentType: ContentTypeByExt(ext),
		body:        io.MultiReader(bytes.NewReader(head), r),
	}, nil
}

func matchMagic(ext string, head []byte) bool {
	switch ext {
	case ".jpg", ".jpeg":
		return len(head) >= 3 && head[0] == 0xFF && head[1] == 0xD8 && head[2] == 0xFF
	case ".png":
		return len(head) >= 8 && bytes.Equal(head[:8], []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A})
	case ".gif":
		return len(head) >= 6 && (bytes.Equal(head[:6], []byte("GIF87a")) || bytes.Equal(head[:6], []byte("GIF89a")))
	case ".webp":
		return len(head) >= 12 && bytes.Equal(head[8:12], []byte("WEBP"))
	case ".pdf":
		return len(head) >= 5 && bytes.Equal(head[:5], []byte("%PDF-"))
	case ".docx":
		return len(head) >= 4 && head[0] == 0x50 && head[1] == 0x4B && (head[2] == 0x03 || head[2] == 0x05) && head[3] == 0x04
	}
	return true
}

// ContentTypeByExt возвращает MIME-тип по расширению или application/octet-stream.
func ContentTypeByExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".txt":
		return "text/plain"
	}
	return "application/octet-stream"
}

// SafeFilename убирает управляющие символы, кавычки и разделители пути. UTF-8 сохраняется.
func SafeFilename(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\r', '\n', '"', '\\', '/', '\x00':
			continue
		}
		if unicode.IsPrint(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// validRef отсекает попытки выйти за каталог хранилища.
func validRef(ref string) bool {
	return ref != "" && ref == filepath.Base(ref) && !strings.HasPrefix(ref, ".")
}
