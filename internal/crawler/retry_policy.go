package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/listing-crawler/internal/store"
)

// RetryPolicy centralizes attempt budgets, pacing, and blacklist constants so
// the worker, rate limiter, and proxy pool read them from one place.
type RetryPolicy struct {
	// MaxAttempts is the per-target attempt budget before FAILED.
	MaxAttempts int `mapstructure:"max_attempts"`

	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	BackoffFactor  float64       `mapstructure:"backoff_factor"`
	RecoveryFactor float64       `mapstructure:"recovery_factor"`
	BlockFactor    float64       `mapstructure:"block_factor"`
	BlockThreshold int           `mapstructure:"block_threshold"`
	BlockCooldown  time.Duration `mapstructure:"block_cooldown"`

	BlacklistThreshold int           `mapstructure:"blacklist_threshold"`
	BlacklistDuration  time.Duration `mapstructure:"blacklist_duration"`
	AcquireBackoff     time.Duration `mapstructure:"acquire_backoff"`
	AcquireMaxBackoff  time.Duration `mapstructure:"acquire_max_backoff"`

	// StoreRetries bounds consecutive failed store calls before a worker gives up.
	StoreRetries   int           `mapstructure:"store_retries"`
	StoreBaseDelay time.Duration `mapstructure:"store_base_delay"`
	StoreMaxDelay  time.Duration `mapstructure:"store_max_delay"`
}

// DefaultRetryPolicy returns the production defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        3,
		BaseDelay:          2 * time.Second,
		MaxDelay:           2 * time.Minute,
		BackoffFactor:      2,
		RecoveryFactor:     0.9,
		BlockFactor:        4,
		BlockThreshold:     3,
		BlockCooldown:      20 * time.Minute,
		BlacklistThreshold: 10,
		BlacklistDuration:  60 * time.Minute,
		AcquireBackoff:     time.Second,
		AcquireMaxBackoff:  30 * time.Second,
		StoreRetries:       8,
		StoreBaseDelay:     250 * time.Millisecond,
		StoreMaxDelay:      30 * time.Second,
	}
}

// Validate enforces the relationships the rate limiter and pool rely on.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxAttempts <= 0:
		return fmt.Errorf("retry.max_attempts must be > 0")
	case p.BaseDelay <= 0 || p.MaxDelay < p.BaseDelay:
		return fmt.Errorf("retry delays must satisfy 0 < base_delay <= max_delay")
	case p.BackoffFactor <= 1:
		return fmt.Errorf("retry.backoff_factor must be > 1")
	case p.RecoveryFactor <= 0 || p.RecoveryFactor >= 1:
		return fmt.Errorf("retry.recovery_factor must be in (0, 1)")
	case p.BlockFactor < p.BackoffFactor:
		return fmt.Errorf("retry.block_factor must be >= backoff_factor")
	case p.BlacklistThreshold <= 0:
		return fmt.Errorf("retry.blacklist_threshold must be > 0")
	case p.BlacklistDuration <= 0:
		return fmt.Errorf("retry.blacklist_duration must be > 0")
	case p.StoreRetries <= 0:
		return fmt.Errorf("retry.store_retries must be > 0")
	}
	return nil
}

// StoreBackoff returns the jittered wait before retrying a store call.
func (p RetryPolicy) StoreBackoff(attempt int) time.Duration {
	base := p.StoreBaseDelay
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	maxDelay := p.StoreMaxDelay
	if maxDelay < base {
		maxDelay = base
	}
	delay := float64(base) * math.Pow(2, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

// RetryStore runs op until it succeeds, the context ends, or StoreRetries
// consecutive attempts fail. Lease and transition errors are not retried
// since repeating them cannot succeed.
func (p RetryPolicy) RetryStore(ctx context.Context, op func(context.Context) error) error {
	retries := p.StoreRetries
	if retries <= 0 {
		retries = 1
	}
	var err error
	for attempt := 0; attempt < retries; attempt++ {
		if err = op(ctx); err == nil || !retryableStoreError(err) {
			return err
		}
		if attempt == retries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("store retry canceled: %w", ctx.Err())
		case <-time.After(p.StoreBackoff(attempt)):
		}
	}
	return fmt.Errorf("store unavailable after %d attempts: %w", retries, err)
}

func retryableStoreError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch {
	case errors.Is(err, store.ErrLeaseLost),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrInvalidTransition):
		return false
	default:
		return true
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
