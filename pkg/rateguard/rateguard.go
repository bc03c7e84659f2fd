// Package rateguard implements a per-owner-name insert-flood guard: a
// token bucket per owner name, so a single hostile or misbehaving
// upstream can't force unbounded RRsetStore churn for one name.
package rateguard

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dnscache/pkg/telemetry"
)

// Config controls the per-owner token bucket and the idle-eviction
// sweep for tracked owner names.
type Config struct {
	Enabled          bool
	InsertsPerSecond float64
	Burst            int
	CleanupInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.InsertsPerSecond <= 0 {
		c.InsertsPerSecond = 50
	}
	if c.Burst <= 0 {
		c.Burst = 100
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
	return c
}

type ownerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Guard enforces the per-owner-name token bucket. A nil *Guard is valid
// and always allows, matching the teacher's nil-manager idiom so callers
// don't need a separate "disabled" branch.
type Guard struct {
	cfg     Config
	metrics *telemetry.Metrics

	mu     sync.Mutex
	owners map[string]*ownerLimiter

	stopCh chan struct{}
	now    func() time.Time
}

// New builds a Guard. If cfg.Enabled is false, New returns nil — Allow
// on a nil Guard always succeeds.
func New(cfg Config, metrics *telemetry.Metrics) *Guard {
	if !cfg.Enabled {
		return nil
	}
	cfg = cfg.withDefaults()
	g := &Guard{
		cfg:     cfg,
		metrics: metrics,
		owners:  make(map[string]*ownerLimiter, 128),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	go g.cleanupLoop()
	return g
}

// Allow reports whether an insert for owner may proceed. A nil Guard, or
// an empty owner name, always allows.
func (g *Guard) Allow(owner string) bool {
	if g == nil || owner == "" {
		return true
	}
	entry := g.limiterFor(owner)
	if entry.limiter.Allow() {
		return true
	}
	if g.metrics != nil {
		g.metrics.RateGuardDropped.Add(context.Background(), 1)
	}
	return false
}

func (g *Guard) limiterFor(owner string) *ownerLimiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	if entry, ok := g.owners[owner]; ok {
		entry.lastSeen = g.now()
		return entry
	}

	entry := &ownerLimiter{
		limiter:  rate.NewLimiter(rate.Limit(g.cfg.InsertsPerSecond), g.cfg.Burst),
		lastSeen: g.now(),
	}
	g.owners[owner] = entry
	return entry
}

func (g *Guard) cleanupLoop() {
	ticker := time.NewTicker(g.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.cleanup()
		case <-g.stopCh:
			return
		}
	}
}

func (g *Guard) cleanup() {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for owner, entry := range g.owners {
		if now.Sub(entry.lastSeen) > g.cfg.CleanupInterval {
			delete(g.owners, owner)
		}
	}
}

// Stop terminates the background cleanup goroutine. Safe to call on a
// nil Guard.
func (g *Guard) Stop() {
	if g == nil {
		return
	}
	select {
	case <-g.stopCh:
		return
	default:
		close(g.stopCh)
	}
}
