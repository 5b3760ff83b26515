// Package retry runs a call with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"content-curator/internal/policy"
)

// Config controls retry behaviour. Attempts counts the first call.
type Config struct {
	Attempts  int
	BaseDelay time.Duration
	// Sleep waits between attempts; tests replace it to record delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig makes three attempts with 1s and 2s pauses between them.
var DefaultConfig = Config{
	Attempts:  3,
	BaseDelay: time.Second,
}

// Delay returns the pause after the given 0-indexed failed attempt.
func (c Config) Delay(attempt int) time.Duration {
	return c.BaseDelay * time.Duration(1<<uint(attempt))
}

// Do calls fn until it succeeds, returns a non-retryable error, or the attempt
// budget is spent. The last error is returned unchanged.
func Do[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return zero, err
		}

		if attempt < attempts-1 {
			wait := cfg.Delay(attempt)
			slog.Debug("retrying", slog.Int("attempt", attempt+1), slog.Duration("wait", wait), slog.Any("error", err))
			if err := sleep(ctx, wait); err != nil {
				return zero, err
			}
		}
	}
	return zero, lastErr
}

// IsRetryable returns true for transient errors worth retrying.
func IsRetryable(err error) bool {
	if policy.IsRetryable(err) {
		return true
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	// Connection errors (dial failures, connection refused, etc.)
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// IsRetryableStatus returns true for HTTP status codes worth retrying.
func IsRetryableStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
