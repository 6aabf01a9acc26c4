// Package ratelimit tracks per-model request quotas over a sliding window
// and rotates through model tiers when the active one runs out of quota.
package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/mixaill76/free_llm_dispatch/internal/clock"
	"github.com/mixaill76/free_llm_dispatch/internal/monitoring"
)

// window is the sliding interval free-tier quotas are measured over.
const window = time.Minute

// Tier is one model with its requests-per-minute quota.
type Tier struct {
	Name string
	RPM  int
}

// TierLimiter owns the request windows for one provider's tier list.
// A single mutex guards all state; it is never held across sleeps.
type TierLimiter struct {
	mu      sync.Mutex
	tiers   []Tier
	windows [][]time.Time
	current int

	provider string
	cooldown time.Duration
	clk      clock.Clock
	metrics  *monitoring.Metrics
	logger   *slog.Logger
}

func NewTierLimiter(provider string, tiers []Tier, cooldown time.Duration, clk clock.Clock, metrics *monitoring.Metrics) *TierLimiter {
	if len(tiers) == 0 {
		panic("ratelimit.NewTierLimiter: at least one tier is required")
	}
	if clk == nil {
		panic("ratelimit.NewTierLimiter: clock must not be nil")
	}
	if metrics == nil {
		panic("ratelimit.NewTierLimiter: metrics must not be nil")
	}

	return &TierLimiter{
		tiers:    append([]Tier(nil), tiers...),
		windows:  make([][]time.Time, len(tiers)),
		provider: provider,
		cooldown: cooldown,
		clk:      clk,
		metrics:  metrics,
		logger:   slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}
}

// SetLogger sets the logger for the limiter
func (l *TierLimiter) SetLogger(logger *slog.Logger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger = logger
}

// Active returns the tier requests are currently routed to.
func (l *TierLimiter) Active() Tier {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tiers[l.current]
}

// Tiers returns the configured tier list in rotation order.
func (l *TierLimiter) Tiers() []Tier {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Tier(nil), l.tiers...)
}

// CanMakeRequest reports whether the active tier has quota left. When it
// does not, the limiter switches to the next tier before returning false,
// so every false answer moves the rotation forward exactly once. The
// caller re-reads Active afterwards. No request is recorded either way.
func (l *TierLimiter) CanMakeRequest(ctx context.Context) (bool, error) {
	l.mu.Lock()
	now := l.clk.Now()
	l.pruneLocked(l.current, now)
	cur := l.tiers[l.current]
	used := len(l.windows[l.current])
	if used < cur.RPM {
		l.mu.Unlock()
		return true, nil
	}
	l.mu.Unlock()

	l.logger.Info("tier quota exhausted",
		"provider", l.provider,
		"tier", cur.Name,
		"requests_in_window", used,
		"rpm", cur.RPM,
	)
	_, err := l.Switch(ctx)
	return false, err
}

// Record counts one accepted response against the named tier's window.
// Unknown names are ignored.
func (l *TierLimiter) Record(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.indexLocked(name)
	if i < 0 {
		return
	}
	l.windows[i] = append(l.windows[i], l.clk.Now())
}

// HasCapacity reports whether the named tier has quota left, without
// recording anything or touching the rotation. The fallback pass uses it
// because its tier order is fixed.
func (l *TierLimiter) HasCapacity(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.indexLocked(name)
	if i < 0 {
		return false
	}
	l.pruneLocked(i, l.clk.Now())
	return len(l.windows[i]) < l.tiers[i].RPM
}

// CurrentLoad returns how many requests the named tier has in its window.
func (l *TierLimiter) CurrentLoad(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.indexLocked(name)
	if i < 0 {
		return 0
	}
	l.pruneLocked(i, l.clk.Now())
	return len(l.windows[i])
}

// Switch advances the rotation to the next tier, resets the new tier's
// window and pauses for the cooldown. Single-tier lists skip the cooldown.
func (l *TierLimiter) Switch(ctx context.Context) (Tier, error) {
	l.mu.Lock()
	old := l.tiers[l.current]
	l.current = (l.current + 1) % len(l.tiers)
	next := l.tiers[l.current]
	l.windows[l.current] = nil
	wrapped := l.current == 0
	l.mu.Unlock()

	l.logger.Info("switching model tier",
		"provider", l.provider,
		"from", old.Name,
		"to", next.Name,
	)
	l.metrics.RecordTierSwitch(l.provider, next.Name)
	if wrapped {
		l.metrics.RecordTierRotation(l.provider)
	}

	if len(l.tiers) > 1 && l.cooldown > 0 {
		if err := l.clk.Sleep(ctx, l.cooldown); err != nil {
			return next, err
		}
	}
	return next, nil
}

func (l *TierLimiter) indexLocked(name string) int {
	for i, t := range l.tiers {
		if t.Name == name {
			return i
		}
	}
	return -1
}

// pruneLocked drops timestamps that fell out of the sliding window.
func (l *TierLimiter) pruneLocked(i int, now time.Time) {
	w := l.windows[i]
	kept := w[:0]
	for _, ts := range w {
		if now.Sub(ts) < window {
			kept = append(kept, ts)
		}
	}
	l.windows[i] = kept
}
