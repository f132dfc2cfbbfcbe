// Package ratelimit implements the per-worker adaptive pacing delay.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/listing-crawler/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	BackoffFactor  float64
	RecoveryFactor float64
	// BlockFactor multiplies the delay on a CAPTCHA/block signal.
	BlockFactor float64
	// BlockThreshold consecutive blocks trigger BlockCooldown.
	BlockThreshold int
	BlockCooldown  time.Duration
}

// Limiter tracks one worker's pacing. Requests are spaced at least Delay
// apart by a burst-1 token bucket whose rate follows the adaptive delay.
// It is confined to its worker goroutine and is not safe for concurrent use.
type Limiter struct {
	cfg    Config
	delay  time.Duration
	blocks int
	rl     *rate.Limiter
}

// New creates a Limiter seeded at BaseDelay.
func New(cfg Config) *Limiter {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = 2
	}
	if cfg.RecoveryFactor <= 0 || cfg.RecoveryFactor >= 1 {
		cfg.RecoveryFactor = 0.9
	}
	if cfg.BlockFactor < cfg.BackoffFactor {
		cfg.BlockFactor = cfg.BackoffFactor * 2
	}
	if cfg.BlockThreshold <= 0 {
		cfg.BlockThreshold = 3
	}
	return &Limiter{
		cfg:   cfg,
		delay: cfg.BaseDelay,
		rl:    rate.NewLimiter(rate.Every(cfg.BaseDelay), 1),
	}
}

// Delay returns the current delay, always within [BaseDelay, MaxDelay].
func (l *Limiter) Delay() time.Duration {
	return l.delay
}

// RecordSuccess speeds pacing back up and clears the block streak.
func (l *Limiter) RecordSuccess() {
	l.blocks = 0
	l.scale(l.cfg.RecoveryFactor)
}

// RecordFailure backs off after an ordinary failure such as a timeout.
func (l *Limiter) RecordFailure() {
	l.scale(l.cfg.BackoffFactor)
}

// RecordBlock backs off steeply after a CAPTCHA/block page. Once the
// consecutive block count reaches the threshold it returns the cooldown the
// worker must sit out and starts a new streak; otherwise it returns 0.
func (l *Limiter) RecordBlock() time.Duration {
	l.blocks++
	l.scale(l.cfg.BlockFactor)
	if l.blocks < l.cfg.BlockThreshold {
		return 0
	}
	l.blocks = 0
	metrics.ObserveBlockCooldown()
	return l.cfg.BlockCooldown
}

// ConsecutiveBlocks returns the current block streak.
func (l *Limiter) ConsecutiveBlocks() int {
	return l.blocks
}

// Wait blocks until the next request may go out or ctx ends.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	err := l.rl.Wait(ctx)
	metrics.ObserveRateLimitDelay(time.Since(start))
	if err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

func (l *Limiter) scale(factor float64) {
	next := time.Duration(float64(l.delay) * factor)
	if next < l.cfg.BaseDelay {
		next = l.cfg.BaseDelay
	}
	if next > l.cfg.MaxDelay {
		next = l.cfg.MaxDelay
	}
	l.delay = next
	l.rl.SetLimit(rate.Every(next))
}
