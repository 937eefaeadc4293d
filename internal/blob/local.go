package blob

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Local хранит вложения на диске в сжатом виде (<ref>.gz) и раздаёт их через /api/files/{ref}.
type Local struct {
	Dir string
}

func NewLocal(dir string) *Local {
	return &Local{Dir: dir}
}

func (s *Local) Put(ctx context.Context, name string, r io.Reader) (*Object, error) {
	p, err := prepare(name, r)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob local mkdir: %w", err)
	}

	dstPath := filepath.Join(s.Dir, p.ref+".gz")
	dst, err := os.Create(dstPath)
	if err != nil {
		return nil, fmt.Errorf("blob local create: %w", err)
	}
	counter := &countingWriter{}
	gz := gzip.NewWriter(dst)
	if err := copyWithContext(ctx, io.MultiWriter(gz, counter), p.body); err != nil {
		gz.Close()
		dst.Close()
		os.Remove(dstPath)
		return nil, err
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return nil, fmt.Errorf("blob local gzip: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dstPath)
		return nil, fmt.Errorf("blob local close: %w", err)
	}
	return &Object{Ref: p.ref, FileName: p.displayName, FileSize: counter.n, ContentType: p.contentType}, nil
}

func (s *Local) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	if !validRef(ref) {
		return nil, ErrNotFound
	}
	f, err := os.Open(filepath.Join(s.Dir, ref+".gz"))
	if errors.Is(err, fs.ErrNotExist) {
		// Несжатые файлы, положенные вручную.
		plain, perr := os.Open(filepath.Join(s.Dir, ref))
		if errors.Is(perr, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		if perr != nil {
			return nil, fmt.Errorf("blob local open: %w", perr)
		}
		return plain, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blob local open: %w", err)
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blob local gzip: %w", err)
	}
	return &gzipFile{Reader: gz, f: f}, nil
}

func (s *Local) URL(base, ref string) string {
	return strings.TrimRight(base, "/") + "/api/files/" + ref
}

type gzipFile struct {
	*gzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	gzErr := g.Reader.Close()
	if err := g.f.Close(); err != nil {
		return err
	}
	return gzErr
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("upload cancelled: %w", ctx.Err())
		default:
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read: %w", readErr)
		}
	}
}

var _ Store = (*Local)(nil)
