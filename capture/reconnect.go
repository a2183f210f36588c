package capture

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type ReconnectConfig struct {
	// MaxRetries <= 0 retries until the context is cancelled.
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		RetryDelay:    500 * time.Millisecond,
		MaxRetryDelay: 10 * time.Second,
	}
}

// backoff is RetryDelay * 2^(attempt-1), capped at MaxRetryDelay.
func backoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if cfg.MaxRetryDelay > 0 && (delay > cfg.MaxRetryDelay || delay <= 0) {
		delay = cfg.MaxRetryDelay
	}
	return delay
}

// runWithReconnect calls connect until it succeeds, the retries run out or ctx ends.
func runWithReconnect(ctx context.Context, connect func(context.Context) error, cfg ReconnectConfig, log *zap.Logger) (int, error) {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}
		err := connect(ctx)
		if err == nil {
			return attempt, nil
		}
		attempt++
		if cfg.MaxRetries > 0 && attempt >= cfg.MaxRetries {
			return attempt, fmt.Errorf("capture: reconnect gave up after %d attempts: %w", attempt, err)
		}
		delay := backoff(attempt, cfg)
		log.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-time.After(delay):
		}
	}
}
