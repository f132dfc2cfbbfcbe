package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-crawler/internal/store"
)

func fastPolicy() RetryPolicy {
	p := DefaultRetryPolicy()
	p.StoreRetries = 3
	p.StoreBaseDelay = time.Millisecond
	p.StoreMaxDelay = 2 * time.Millisecond
	return p
}

func TestDefaultRetryPolicyIsValid(t *testing.T) {
	t.Parallel()

	p := DefaultRetryPolicy()
	require.NoError(t, p.Validate())
	assert.Equal(t, 20*time.Minute, p.BlockCooldown)
}

func TestRetryPolicyValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*RetryPolicy)
		want   string
	}{
		{name: "attempts", mutate: func(p *RetryPolicy) { p.MaxAttempts = 0 }, want: "max_attempts"},
		{name: "delays", mutate: func(p *RetryPolicy) { p.MaxDelay = p.BaseDelay / 2 }, want: "base_delay"},
		{name: "backoff", mutate: func(p *RetryPolicy) { p.BackoffFactor = 1 }, want: "backoff_factor"},
		{name: "recovery", mutate: func(p *RetryPolicy) { p.RecoveryFactor = 1 }, want: "recovery_factor"},
		{name: "block factor", mutate: func(p *RetryPolicy) { p.BlockFactor = 1.5 }, want: "block_factor"},
		{name: "blacklist", mutate: func(p *RetryPolicy) { p.BlacklistThreshold = 0 }, want: "blacklist_threshold"},
		{name: "store retries", mutate: func(p *RetryPolicy) { p.StoreRetries = 0 }, want: "store_retries"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := DefaultRetryPolicy()
			tt.mutate(&p)
			err := p.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestStoreBackoffIsCapped(t *testing.T) {
	t.Parallel()

	p := DefaultRetryPolicy()
	for attempt := 0; attempt < 20; attempt++ {
		d := p.StoreBackoff(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, p.StoreMaxDelay)
	}
}

func TestRetryStoreRecoversFromTransientErrors(t *testing.T) {
	t.Parallel()

	calls := 0
	err := fastPolicy().RetryStore(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStoreGivesUp(t *testing.T) {
	t.Parallel()

	calls := 0
	err := fastPolicy().RetryStore(context.Background(), func(context.Context) error {
		calls++
		return errors.New("connection refused")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, calls)
}

func TestRetryStoreDoesNotRetryLeaseErrors(t *testing.T) {
	t.Parallel()

	for _, sentinel := range []error{store.ErrLeaseLost, store.ErrNotFound, store.ErrInvalidTransition} {
		calls := 0
		err := fastPolicy().RetryStore(context.Background(), func(context.Context) error {
			calls++
			return fmt.Errorf("checkpoint: %w", sentinel)
		})
		require.ErrorIs(t, err, sentinel)
		assert.Equal(t, 1, calls)
	}
}

func TestRetryStoreStopsOnCancel(t *testing.T) {
	t.Parallel()

	p := fastPolicy()
	p.StoreBaseDelay = time.Hour
	p.StoreMaxDelay = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	err := p.RetryStore(ctx, func(context.Context) error {
		cancel()
		return errors.New("connection reset")
	})
	require.ErrorIs(t, err, context.Canceled)
}
