package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rendezvous/internal/blob"
	"github.com/rendezvous/internal/config"
	"github.com/rendezvous/internal/logger"
	"github.com/rendezvous/internal/repository"
	"github.com/rendezvous/internal/startup"
	"github.com/rendezvous/internal/storage"
	"github.com/rendezvous/internal/storage/memory"
)

const connectWait = 60 * time.Second

// openStores подключает документное хранилище по STORE_BACKEND.
func openStores(ctx context.Context, cfg *config.Config, migrateOnly bool) (storage.Stores, error) {
	switch cfg.Database.Backend {
	case "memory":
		stores, _ := memory.NewStores()
		logger.Info("store: in-memory (данные не переживут перезапуск)")
		return stores, nil
	case "mongo":
		client, err := startup.ConnectMongo(ctx, cfg.Database.MongoURI, cfg.Database.MongoDatabase, connectWait)
		if err != nil {
			return storage.Stores{}, err
		}
		logger.Infof("store: mongo db=%s", cfg.Database.MongoDatabase)
		return client.Stores(), nil
	case "postgres", "":
		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
		if err != nil {
			return storage.Stores{}, fmt.Errorf("parse db config: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.DBMaxConnections())
		poolCfg.MinConns = 2
		pool, err := startup.ConnectDB(ctx, poolCfg, connectWait)
		if err != nil {
			return storage.Stores{}, err
		}
		if err := startup.Migrate(ctx, pool); err != nil {
			pool.Close()
			return storage.Stores{}, err
		}
		if migrateOnly {
			return storage.Stores{Close: pool.Close}, nil
		}
		logger.Info("store: postgres connected, migrations applied")
		return repository.NewStores(pool), nil
	}
	return storage.Stores{}, fmt.Errorf("unknown STORE_BACKEND %q", cfg.Database.Backend)
}

// openKV подключает хранилище присутствия и push-подписок.
func openKV(ctx context.Context, cfg *config.Config) (storage.KV, error) {
	switch cfg.Presence.Backend {
	case "memory":
		logger.Info("presence: in-memory")
		return memory.NewKV(), nil
	case "redis", "":
		kv, err := startup.ConnectRedis(ctx, cfg.Presence.RedisURL, connectWait)
		if err != nil {
			return nil, err
		}
		logger.Info("presence: redis connected")
		return kv, nil
	}
	return nil, fmt.Errorf("unknown PRESENCE_BACKEND %q", cfg.Presence.Backend)
}

func openBlobs(cfg *config.Config) (blob.Store, error) {
	switch cfg.Blob.Backend {
	case "s3":
		return blob.NewS3(blob.S3Config{
			Endpoint:  cfg.Blob.S3Endpoint,
			UseSSL:    cfg.Blob.S3UseSSL,
			AccessKey: cfg.Blob.S3AccessKey,
			SecretKey: cfg.Blob.S3SecretKey,
			Bucket:    cfg.Blob.S3Bucket,
			PublicURL: cfg.Blob.S3PublicURL,
		})
	case "local", "":
		return blob.NewLocal(cfg.Blob.UploadDir), nil
	}
	return nil, fmt.Errorf("unknown BLOB_BACKEND %q", cfg.Blob.Backend)
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "rendezvous"
		password = "rendezvous_secret"
		database = "rendezvous"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.Backend = "postgres"
	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
