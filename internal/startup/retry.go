// Package startup подключает внешние хранилища при старте сервиса: с повторами и экспоненциальной паузой.
package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/rendezvous/internal/logger"
)

const maxBackoff = 30 * time.Second

// Retry вызывает connect, пока он не вернёт nil или не истечёт maxWait.
// Пауза между попытками растёт от initial вдвое, но не выше maxBackoff.
func Retry(ctx context.Context, what string, maxWait, initial time.Duration, connect func(ctx context.Context) error) error {
	deadline := time.Now().Add(maxWait)
	backoff := initial
	for attempt := 1; ; attempt++ {
		err := connect(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Infof("%s connected after %d attempts", what, attempt)
			}
			return nil
		}
		if time.Now().Add(backoff).After(deadline) {
			return fmt.Errorf("%s: gave up after %v: %w", what, maxWait, err)
		}
		logger.Errorf("%s connect failed, retry in %v: %v", what, backoff, err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", what, ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}
