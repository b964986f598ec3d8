// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/xtxerr/perocube/config"
)

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NonRetryableError marks an error that must not be retried.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps err so that Do returns it immediately.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable reports whether err was wrapped by NonRetryable.
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Config controls the retry loop.
type Config struct {
	MaxAttempts  int           // total attempts, including the first; <= 0 means 1
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration // cap on the delay between attempts
	Multiplier   float64       // backoff multiplier, 2 when zero
	AddJitter    bool          // add up to 25% random delay

	// Retryable decides whether an error is worth another attempt. When nil
	// every error except a NonRetryableError is retried.
	Retryable func(error) bool

	// OnRetry is called before sleeping ahead of attempt number next.
	OnRetry func(next int, err error)
}

// DefaultConfig returns the retry policy used for sink writes.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  config.DefaultRetryAttempts,
		InitialDelay: config.DefaultRetryInitialDelay,
		MaxDelay:     config.DefaultRetryMaxDelay,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// Quick returns a config for fast retries during startup.
func Quick() Config {
	return Config{
		MaxAttempts:  10,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   1.5,
		AddJitter:    true,
	}
}

func (c Config) normalized() (Config, error) {
	if c.InitialDelay < 0 {
		return c, errors.New("retry: InitialDelay cannot be negative")
	}
	if c.MaxDelay < 0 {
		return c, errors.New("retry: MaxDelay cannot be negative")
	}
	if c.Multiplier < 0 {
		return c, errors.New("retry: Multiplier cannot be negative")
	}
	if c.Multiplier > 1000 {
		c.Multiplier = 1000
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = config.DefaultRetryInitialDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = config.DefaultRetryMaxDelay
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2.0
	}
	if c.MaxDelay < c.InitialDelay {
		return c, errors.New("retry: MaxDelay must be >= InitialDelay")
	}
	return c, nil
}

func (c Config) retryable(err error) bool {
	if IsNonRetryable(err) {
		return false
	}
	if c.Retryable != nil {
		return c.Retryable(err)
	}
	return true
}

// Do calls fn until it succeeds, returns an error that is not retryable, the
// attempts are used up or ctx is done. The last error from fn is wrapped in
// the returned error.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	cfg, err := cfg.normalized()
	if err != nil {
		return err
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !cfg.retryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt+1, lastErr)
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err)
		}

		sleep := delay
		if cfg.AddJitter && delay >= 4 {
			randMu.Lock()
			sleep += time.Duration(randSource.Int63n(int64(delay / 4)))
			randMu.Unlock()
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, lastErr)
		case <-timer.C:
		}

		next := float64(delay) * cfg.Multiplier
		if next > float64(cfg.MaxDelay) {
			delay = cfg.MaxDelay
		} else {
			delay = time.Duration(next)
		}
	}

	return fmt.Errorf("retry failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// DoWithResult is Do for operations that produce a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = fn(ctx)
		return innerErr
	})
	return result, err
}
