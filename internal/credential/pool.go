package credential

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mixaill76/free_llm_dispatch/internal/clock"
	"github.com/mixaill76/free_llm_dispatch/internal/monitoring"
)

var (
	ErrNoCredentialsConfigured = errors.New("no credentials configured")
	ErrNoCredentialAvailable   = errors.New("no credential available")
)

// PoolConfig carries the pacing knobs for one pool. Values are used as
// given; callers fill defaults before constructing the pool.
type PoolConfig struct {
	// MinInterval is the minimum spacing between two selections of the
	// same credential.
	MinInterval time.Duration

	// RateLimitDelay is how long MarkRateLimited removes a credential
	// from selection.
	RateLimitDelay time.Duration

	// Wait is how long Acquire sleeps between attempts when every
	// credential is busy, and WaitAttempts is how many such sleeps it
	// performs before giving up. Zero WaitAttempts means a single
	// non-blocking attempt.
	Wait         time.Duration
	WaitAttempts int
}

type entry struct {
	cred             Credential
	usageCount       int64
	lastUsedAt       time.Time
	rateLimitedUntil time.Time
}

func (e *entry) available(now time.Time, minInterval time.Duration) bool {
	if now.Before(e.rateLimitedUntil) {
		return false
	}
	if !e.lastUsedAt.IsZero() && now.Sub(e.lastUsedAt) < minInterval {
		return false
	}
	return true
}

// Pool selects credentials by lowest usage count, breaking ties in
// round-robin order starting just after the previously selected slot.
// The mutex is never held across sleeps.
type Pool struct {
	mu      sync.Mutex
	entries []*entry
	next    int

	provider string
	cfg      PoolConfig
	clk      clock.Clock
	metrics  *monitoring.Metrics
	logger   *slog.Logger
}

func NewPool(provider string, creds []Credential, cfg PoolConfig, clk clock.Clock, metrics *monitoring.Metrics) *Pool {
	if clk == nil {
		panic("credential.NewPool: clock must not be nil")
	}
	if metrics == nil {
		panic("credential.NewPool: metrics must not be nil")
	}

	entries := make([]*entry, 0, len(creds))
	for _, c := range creds {
		if c.IsZero() {
			continue
		}
		entries = append(entries, &entry{cred: c})
	}

	p := &Pool{
		entries:  entries,
		provider: provider,
		cfg:      cfg,
		clk:      clk,
		metrics:  metrics,
		logger:   slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}
	p.metrics.UpdateCredentialsAvailable(provider, len(entries))
	return p
}

// SetLogger sets the logger for the pool
func (p *Pool) SetLogger(logger *slog.Logger) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logger = logger
}

// Size returns the number of configured credentials.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Available returns how many credentials are currently selectable.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.availableLocked(p.clk.Now())
}

func (p *Pool) availableLocked(now time.Time) int {
	count := 0
	for _, e := range p.entries {
		if e.available(now, p.cfg.MinInterval) {
			count++
		}
	}
	return count
}

// Acquire returns the next credential to use, waiting between attempts
// when all credentials are paced out or banned. It fails immediately
// with ErrNoCredentialsConfigured on an empty pool and never sleeps in
// that case.
func (p *Pool) Acquire(ctx context.Context) (Credential, error) {
	if p.Size() == 0 {
		return Credential{}, ErrNoCredentialsConfigured
	}

	op := func() (Credential, error) {
		cred, usage, avail, ok := p.take()
		if !ok {
			return Credential{}, ErrNoCredentialAvailable
		}
		p.logger.Debug("credential acquired",
			"provider", p.provider,
			"credential", cred.Display,
			"usage_count", usage,
		)
		p.metrics.UpdateCredentialsAvailable(p.provider, avail)
		return cred, nil
	}

	notify := func(err error, wait time.Duration) {
		p.logger.Debug("all credentials busy, waiting",
			"provider", p.provider,
			"wait", wait,
		)
	}

	b := backoff.WithMaxRetries(
		backoff.WithContext(backoff.NewConstantBackOff(p.cfg.Wait), ctx),
		uint64(p.cfg.WaitAttempts),
	)
	cred, err := backoff.RetryNotifyWithTimerAndData(op, b, notify, clock.NewBackoffTimer(p.clk))
	if err != nil {
		if errors.Is(err, ErrNoCredentialAvailable) {
			p.metrics.RecordPoolExhausted(p.provider)
			p.logger.Warn("credential pool exhausted",
				"provider", p.provider,
				"size", p.Size(),
			)
		}
		return Credential{}, err
	}
	return cred, nil
}

// take performs one selection pass under the lock. It returns the chosen
// credential, its new usage count, and the count of credentials still
// available after the selection.
func (p *Pool) take() (Credential, int64, int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clk.Now()
	n := len(p.entries)

	var best *entry
	bestIdx := -1
	for off := 0; off < n; off++ {
		i := (p.next + off) % n
		e := p.entries[i]
		if !e.available(now, p.cfg.MinInterval) {
			continue
		}
		if best == nil || e.usageCount < best.usageCount {
			best = e
			bestIdx = i
		}
	}
	if best == nil {
		return Credential{}, 0, 0, false
	}

	best.usageCount++
	best.lastUsedAt = now
	p.next = (bestIdx + 1) % n

	return best.cred, best.usageCount, p.availableLocked(now), true
}

// MarkRateLimited bans cred for the configured delay and refreshes its
// last-used time. Unknown credentials and repeated calls are no-ops
// beyond extending the ban window.
func (p *Pool) MarkRateLimited(cred Credential) {
	p.mu.Lock()

	now := p.clk.Now()
	var until time.Time
	found := false
	for _, e := range p.entries {
		if e.cred.ID() == cred.ID() {
			e.rateLimitedUntil = now.Add(p.cfg.RateLimitDelay)
			e.lastUsedAt = now
			until = e.rateLimitedUntil
			found = true
			break
		}
	}
	avail := p.availableLocked(now)
	p.mu.Unlock()

	if !found {
		return
	}
	p.logger.Warn("credential rate limited",
		"provider", p.provider,
		"credential", cred.Display,
		"until", until,
	)
	p.metrics.RecordCredentialRateLimited(p.provider)
	p.metrics.UpdateCredentialsAvailable(p.provider, avail)
}

// UsageCount returns the selection count for the given credential.
func (p *Pool) UsageCount(cred Credential) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.cred.ID() == cred.ID() {
			return e.usageCount
		}
	}
	return 0
}
