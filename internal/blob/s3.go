package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rendezvous/internal/logger"
)

// S3Config: параметры S3-совместимого хранилища.
type S3Config struct {
	Endpoint  string
	UseSSL    bool
	AccessKey string
	SecretKey string
	Bucket    string
	// PublicURL: базовый адрес, по которому клиенты скачивают объекты; по умолчанию Endpoint.
	PublicURL string
}

// S3 хранит вложения в бакете; URL не зависит от origin клиента.
type S3 struct {
	bucket        string
	publicBaseURL string
	client        *minio.Client

	bucketInitOnce sync.Once
	bucketInitErr  error
}

func NewS3(cfg S3Config) (*S3, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("s3: endpoint is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	cli, err := minio.New(parseEndpoint(endpoint), &minio.Options{
		Creds:  credentials.NewStaticV4(strings.TrimSpace(cfg.AccessKey), strings.TrimSpace(cfg.SecretKey), ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	base := strings.TrimSpace(cfg.PublicURL)
	if base == "" {
		scheme := "http://"
		if cfg.UseSSL {
			scheme = "https://"
		}
		base = endpoint
		if !strings.Contains(base, "://") {
			base = scheme + base
		}
	}
	return &S3{bucket: bucket, publicBaseURL: strings.TrimRight(base, "/"), client: cli}, nil
}

func (s *S3) Put(ctx context.Context, name string, r io.Reader) (*Object, error) {
	p, err := prepare(name, r)
	if err != nil {
		return nil, err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	info, err := s.client.PutObject(ctx, s.bucket, p.ref, p.body, -1, minio.PutObjectOptions{
		ContentType: p.contentType,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: put object: %w", err)
	}
	logger.Infof("s3 upload completed bucket=%s key=%s size=%d", s.bucket, p.ref, info.Size)
	return &Object{Ref: p.ref, FileName: p.displayName, FileSize: info.Size, ContentType: p.contentType}, nil
}

func (s *S3) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	if !validRef(ref) {
		return nil, ErrNotFound
	}
	obj, err := s.client.GetObject(ctx, s.bucket, ref, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("s3: get object: %w", err)
	}
	// GetObject ленивый: отсутствие объекта видно только после Stat.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3: stat object: %w", err)
	}
	return obj, nil
}

func (s *S3) URL(_ string, ref string) string {
	return fmt.Sprintf("%s/%s/%s", s.publicBaseURL, s.bucket, strings.TrimLeft(ref, "/"))
}

func (s *S3) ensureBucket(ctx context.Context) error {
	s.bucketInitOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			s.bucketInitErr = fmt.Errorf("s3: check bucket: %w", err)
			return
		}
		if exists {
			return
		}
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			s.bucketInitErr = fmt.Errorf("s3: create bucket: %w", err)
			return
		}
		policy := fmt.Sprintf(`{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"AWS":["*"]},"Action":["s3:GetObject"],"Resource":["arn:aws:s3:::%s/*"]}]}`, s.bucket)
		if err := s.client.SetBucketPolicy(ctx, s.bucket, policy); err != nil {
			s.bucketInitErr = fmt.Errorf("s3: set bucket policy: %w", err)
		}
	})
	return s.bucketInitErr
}

func parseEndpoint(endpoint string) string {
	if parsed, err := url.Parse(endpoint); err == nil && parsed.Host != "" {
		return parsed.Host
	}
	return endpoint
}

var _ Store = (*S3)(nil)
