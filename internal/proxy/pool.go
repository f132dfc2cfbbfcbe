// Package proxy owns egress proxy health: acquisition, failure accounting,
// time-boxed blacklisting, and automatic rehabilitation.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/listing-crawler/internal/metrics"
)

// ErrNoProxies is returned when the pool is built from an empty list.
var ErrNoProxies = errors.New("no proxies configured")

// Health is the eligibility state of a proxy.
type Health string

// Proxy health states.
const (
	Healthy     Health = "healthy"
	Blacklisted Health = "blacklisted"
)

// Strategy selects among healthy proxies.
type Strategy string

// Acquire strategies.
const (
	RoundRobin     Strategy = "round_robin"
	HealthWeighted Strategy = "health_weighted"
)

// Direct is the pseudo-proxy used when no proxies are configured.
var Direct = Record{ID: -1, Address: "", Health: Healthy}

// Record is a snapshot of one proxy credential and its health. Workers hold
// copies; only the Pool mutates the canonical state.
type Record struct {
	ID                  int
	Address             string
	Health              Health
	ConsecutiveFailures int
	BlacklistedUntil    time.Time
}

// URL parses the address for transports; nil for Direct.
func (r Record) URL() (*url.URL, error) {
	if r.Address == "" {
		return nil, nil
	}
	u, err := url.Parse(r.Address)
	if err != nil {
		return nil, fmt.Errorf("parse proxy address: %w", err)
	}
	return u, nil
}

// Label is a credential-free identifier safe for logs.
func (r Record) Label() string {
	if r.Address == "" {
		return "direct"
	}
	u, err := url.Parse(r.Address)
	if err != nil || u.Host == "" {
		return fmt.Sprintf("proxy-%d", r.ID)
	}
	return u.Host
}

// Config controls pool behavior.
type Config struct {
	Addresses          []string
	Strategy           Strategy
	BlacklistThreshold int
	BlacklistDuration  time.Duration
	AcquireBackoff     time.Duration
	AcquireMaxBackoff  time.Duration
	// Now defaults to time.Now; tests inject a fake clock.
	Now func() time.Time
}

type entry struct {
	rec   Record
	inUse int
}

// Pool is the single point of mutation for proxy health. Mutations take mu;
// Healthy and Snapshot read a published copy without locking.
type Pool struct {
	cfg      Config
	logger   *zap.Logger
	mu       sync.Mutex
	entries  []*entry
	next     int
	snapshot atomic.Pointer[[]Record]
	wakeup   chan struct{}
	warn     *rate.Sometimes
	direct   bool
}

// New builds a pool from a static address list. An empty list yields a pool
// that always hands out Direct.
func New(cfg Config, logger *zap.Logger) (*Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = RoundRobin
	}
	if cfg.Strategy != RoundRobin && cfg.Strategy != HealthWeighted {
		return nil, fmt.Errorf("unknown proxy strategy %q", cfg.Strategy)
	}
	if cfg.BlacklistThreshold <= 0 {
		cfg.BlacklistThreshold = 10
	}
	if cfg.BlacklistDuration <= 0 {
		cfg.BlacklistDuration = time.Hour
	}
	if cfg.AcquireBackoff <= 0 {
		cfg.AcquireBackoff = time.Second
	}
	if cfg.AcquireMaxBackoff < cfg.AcquireBackoff {
		cfg.AcquireMaxBackoff = 30 * cfg.AcquireBackoff
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	p := &Pool{
		cfg:    cfg,
		logger: logger,
		wakeup: make(chan struct{}),
		warn:   &rate.Sometimes{Interval: time.Minute},
	}
	for i, raw := range cfg.Addresses {
		addr, err := normalizeAddress(raw)
		if err != nil {
			logger.Warn("skipping invalid proxy address", zap.Int("index", i), zap.Error(err))
			continue
		}
		p.entries = append(p.entries, &entry{rec: Record{ID: len(p.entries), Address: addr, Health: Healthy}})
	}
	if len(cfg.Addresses) > 0 && len(p.entries) == 0 {
		return nil, fmt.Errorf("%w: all %d addresses invalid", ErrNoProxies, len(cfg.Addresses))
	}
	p.direct = len(p.entries) == 0
	p.publishLocked()
	logger.Info("proxy pool ready", zap.Int("proxies", len(p.entries)), zap.String("strategy", string(cfg.Strategy)))
	return p, nil
}

// Acquire returns a healthy proxy, blocking with backoff while every proxy
// is blacklisted. It only fails when ctx ends.
func (p *Pool) Acquire(ctx context.Context) (Record, error) {
	if p.direct {
		return Direct, nil
	}
	backoff := p.cfg.AcquireBackoff
	for {
		rec, wait, ok := p.tryAcquire()
		if ok {
			return rec, nil
		}
		if wait <= 0 || wait > backoff {
			wait = backoff
		}
		p.warn.Do(func() {
			p.logger.Warn("no healthy proxies; waiting for blacklist expiry",
				zap.Int("proxies", len(p.entries)),
				zap.Duration("retry_in", wait),
			)
		})
		p.mu.Lock()
		wake := p.wakeup
		p.mu.Unlock()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Record{}, fmt.Errorf("acquire proxy: %w", ctx.Err())
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > p.cfg.AcquireMaxBackoff {
			backoff = p.cfg.AcquireMaxBackoff
		}
	}
}

// Release returns a borrowed slot.
func (p *Pool) Release(rec Record) {
	if rec.ID < 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.lookupLocked(rec.ID); e != nil && e.inUse > 0 {
		e.inUse--
	}
}

// ReportSuccess resets the failure streak. It never lifts a blacklist early.
func (p *Pool) ReportSuccess(rec Record) {
	if rec.ID < 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.lookupLocked(rec.ID); e != nil {
		e.rec.ConsecutiveFailures = 0
		p.publishLocked()
	}
}

// ReportFailure counts a failure and reports whether the proxy is now blacklisted.
func (p *Pool) ReportFailure(rec Record) bool {
	if rec.ID < 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.lookupLocked(rec.ID)
	if e == nil {
		return false
	}
	now := p.cfg.Now()
	p.rehabilitateLocked(now)
	if e.rec.Health == Blacklisted {
		return true
	}
	e.rec.ConsecutiveFailures++
	if e.rec.ConsecutiveFailures >= p.cfg.BlacklistThreshold {
		e.rec.Health = Blacklisted
		e.rec.BlacklistedUntil = now.Add(p.cfg.BlacklistDuration)
		metrics.ObserveProxyBlacklisted()
		p.logger.Warn("proxy blacklisted",
			zap.String("proxy", e.rec.Label()),
			zap.Int("consecutive_failures", e.rec.ConsecutiveFailures),
			zap.Time("until", e.rec.BlacklistedUntil),
		)
	}
	p.publishLocked()
	return e.rec.Health == Blacklisted
}

// Healthy reports whether the proxy is currently eligible, from the
// published snapshot plus the expiry time.
func (p *Pool) Healthy(rec Record) bool {
	if rec.ID < 0 {
		return true
	}
	snap := p.snapshot.Load()
	if snap == nil || rec.ID >= len(*snap) {
		return false
	}
	cur := (*snap)[rec.ID]
	return cur.Health == Healthy || !p.cfg.Now().Before(cur.BlacklistedUntil)
}

// Snapshot returns the last published health state of every proxy.
func (p *Pool) Snapshot() []Record {
	snap := p.snapshot.Load()
	if snap == nil {
		return nil
	}
	out := make([]Record, len(*snap))
	copy(out, *snap)
	return out
}

func (p *Pool) tryAcquire() (Record, time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.cfg.Now()
	p.rehabilitateLocked(now)

	var chosen *entry
	switch p.cfg.Strategy {
	case HealthWeighted:
		chosen = p.pickWeightedLocked()
	default:
		chosen = p.pickRoundRobinLocked()
	}
	if chosen == nil {
		return Record{}, p.earliestExpiryLocked(now), false
	}
	chosen.inUse++
	return chosen.rec, 0, true
}

func (p *Pool) pickRoundRobinLocked() *entry {
	for i := 0; i < len(p.entries); i++ {
		idx := (p.next + i) % len(p.entries)
		if e := p.entries[idx]; e.rec.Health == Healthy {
			p.next = (idx + 1) % len(p.entries)
			return e
		}
	}
	return nil
}

// pickWeightedLocked prefers the least shared proxy, then the shortest
// failure streak, then round-robin order.
func (p *Pool) pickWeightedLocked() *entry {
	var best *entry
	bestIdx := 0
	for i := 0; i < len(p.entries); i++ {
		idx := (p.next + i) % len(p.entries)
		e := p.entries[idx]
		if e.rec.Health != Healthy {
			continue
		}
		if best == nil ||
			e.inUse < best.inUse ||
			(e.inUse == best.inUse && e.rec.ConsecutiveFailures < best.rec.ConsecutiveFailures) {
			best = e
			bestIdx = idx
		}
	}
	if best != nil {
		p.next = (bestIdx + 1) % len(p.entries)
	}
	return best
}

func (p *Pool) rehabilitateLocked(now time.Time) {
	changed := false
	for _, e := range p.entries {
		if e.rec.Health == Blacklisted && !now.Before(e.rec.BlacklistedUntil) {
			e.rec.Health = Healthy
			e.rec.ConsecutiveFailures = 0
			e.rec.BlacklistedUntil = time.Time{}
			changed = true
			p.logger.Info("proxy rehabilitated", zap.String("proxy", e.rec.Label()))
		}
	}
	if changed {
		p.publishLocked()
	}
}

func (p *Pool) earliestExpiryLocked(now time.Time) time.Duration {
	var earliest time.Time
	for _, e := range p.entries {
		if e.rec.Health == Blacklisted && (earliest.IsZero() || e.rec.BlacklistedUntil.Before(earliest)) {
			earliest = e.rec.BlacklistedUntil
		}
	}
	if earliest.IsZero() {
		return 0
	}
	return earliest.Sub(now)
}

func (p *Pool) lookupLocked(id int) *entry {
	if id < 0 || id >= len(p.entries) {
		return nil
	}
	return p.entries[id]
}

// publishLocked swaps in a fresh snapshot and wakes blocked acquirers when
// health changed.
func (p *Pool) publishLocked() {
	snap := make([]Record, len(p.entries))
	healthy := 0
	for i, e := range p.entries {
		snap[i] = e.rec
		if e.rec.Health == Healthy {
			healthy++
		}
	}
	p.snapshot.Store(&snap)
	metrics.SetHealthyProxies(healthy)
	close(p.wakeup)
	p.wakeup = make(chan struct{})
}

func normalizeAddress(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty proxy address")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid proxy URL: %w", err)
	}
	if _, _, err := net.SplitHostPort(u.Host); err != nil {
		return "", fmt.Errorf("invalid proxy host:port: %w", err)
	}
	return u.String(), nil
}
