package startup

import (
	"context"
	"time"

	"github.com/rendezvous/internal/storage/mongo"
)

// ConnectMongo подключается к MongoDB с повторами и создаёт индексы.
func ConnectMongo(ctx context.Context, uri, database string, maxWait time.Duration) (*mongo.Client, error) {
	var client *mongo.Client
	err := Retry(ctx, "mongo", maxWait, 2*time.Second, func(ctx context.Context) error {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		c, err := mongo.New(connectCtx, uri, database)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	indexCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := client.EnsureIndexes(indexCtx); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
