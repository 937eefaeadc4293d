package startup

import (
	"context"
	"time"

	"github.com/rendezvous/internal/storage/redis"
)

// ConnectRedis подключается к Redis с повторами.
func ConnectRedis(ctx context.Context, url string, maxWait time.Duration) (*redis.Client, error) {
	var client *redis.Client
	err := Retry(ctx, "redis", maxWait, 2*time.Second, func(ctx context.Context) error {
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		c, err := redis.New(connectCtx, url)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	return client, err
}
