package retry

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"
)

// Unlimited makes Do retry until fn succeeds or the context ends.
const Unlimited = -1

// Config defines retry behavior with exponential backoff
type Config struct {
	MaxRetries   int // Unlimited (-1) retries forever
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64 // 0.0-1.0, default 0.1 for +/-10% jitter to prevent thundering herd

	// OnRetry is called after a failed attempt that will be retried, with the
	// 1-based attempt number, the error and the wait before the next attempt.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultConfig returns sensible defaults for database operations
// 3 retries with 100ms initial delay, capped at 5s, doubling each time, with 10% jitter
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// ReconnectConfig returns the policy used to re-establish a lost database
// connection: retry forever, starting at 100ms and capped at 10s.
func ReconnectConfig() *Config {
	return &Config{
		MaxRetries:   Unlimited,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// applyJitter adds random jitter to a delay to prevent thundering herd.
// Jitter is calculated as: delay +/- (delay * jitterFactor * random(-1 to +1))
func applyJitter(delay time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 || delay <= 0 {
		return delay
	}
	jitter := float64(delay) * jitterFactor * (rand.Float64()*2 - 1)
	return time.Duration(float64(delay) + jitter)
}

func (c *Config) nextDelay(delay time.Duration) time.Duration {
	next := time.Duration(float64(delay) * c.Multiplier)
	if c.MaxDelay > 0 && next > c.MaxDelay {
		next = c.MaxDelay
	}
	return next
}

func (c *Config) exhausted(attempt int) bool {
	return c.MaxRetries != Unlimited && attempt > c.MaxRetries
}

// Do executes fn with exponential backoff retry logic
// Returns nil on success, or last error after all retries exhausted
// Respects context cancellation during wait periods
func Do(ctx context.Context, cfg *Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult executes fn and returns both result and error
// Useful for functions that return values (like pgxpool.New)
// Respects context cancellation during wait periods
func DoWithResult[T any](ctx context.Context, cfg *Config, fn func() (T, error)) (T, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var result T
	delay := cfg.InitialDelay

	for attempt := 1; ; attempt++ {
		r, err := fn()
		if err == nil {
			return r, nil
		}
		result = r // Keep last result even on error

		if cfg.exhausted(attempt) {
			return result, err
		}

		wait := applyJitter(delay, cfg.JitterFactor)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			delay = cfg.nextDelay(delay)
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		}
	}
}

// IsRetryable determines if an error is transient and worth retrying.
// Connection-class failures are retryable; bad SQL, constraint violations and
// permission errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"timed out",
		"temporary failure",
		"too many connections",
		"network is unreachable",
		"unexpected eof",
		"conn closed",
		"closed pool",
		"server closed the connection",
		"the database system is starting up",
		"the database system is shutting down",
		"terminating connection",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
