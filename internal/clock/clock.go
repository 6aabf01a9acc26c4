// Package clock abstracts time for every component that makes timing
// decisions, so rate-limit windows, cooldowns, and retry waits can be
// driven deterministically in tests.
package clock

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Clock provides current time and cancellable sleeping.
// All library code uses an injected Clock; nothing below cmd/ calls
// time.Now or time.Sleep directly.
type Clock interface {
	// Now returns the current time in UTC.
	Now() time.Time

	// Sleep blocks for d or until ctx is done, whichever comes first.
	// Returns the context error when interrupted, nil otherwise.
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

// System returns the real clock backed by the Go runtime.
func System() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Manual is a test clock. Now starts at the construction time and only
// moves via Advance or Sleep. Sleep never blocks: it records the requested
// duration, advances the clock by it, and returns immediately.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration

	// OnSleep, when set, runs after each recorded sleep with the requested
	// duration. Tests use it to mutate state mid-wait.
	OnSleep func(d time.Duration)
}

// NewManual creates a Manual clock starting at start (normalized to UTC).
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d < 0 {
		d = 0
	}

	m.mu.Lock()
	m.now = m.now.Add(d)
	m.sleeps = append(m.sleeps, d)
	hook := m.OnSleep
	m.mu.Unlock()

	if hook != nil {
		hook(d)
	}
	return nil
}

// Advance moves the clock forward by d without recording a sleep.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Sleeps returns a copy of all recorded sleep durations in order.
func (m *Manual) Sleeps() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.sleeps))
	copy(out, m.sleeps)
	return out
}

// TotalSlept returns the sum of all recorded sleep durations.
func (m *Manual) TotalSlept() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total time.Duration
	for _, d := range m.sleeps {
		total += d
	}
	return total
}

// sleepTimer adapts a Clock to the backoff.Timer interface so retry loops
// built on cenkalti/backoff wait through the injected clock.
type sleepTimer struct {
	clk    Clock
	c      chan time.Time
	cancel context.CancelFunc
}

// NewBackoffTimer returns a backoff.Timer that sleeps via clk.
// Pass it to backoff.RetryNotifyWithTimer.
func NewBackoffTimer(clk Clock) backoff.Timer {
	return &sleepTimer{clk: clk, c: make(chan time.Time, 1)}
}

func (t *sleepTimer) Start(d time.Duration) {
	t.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go func() {
		if err := t.clk.Sleep(ctx, d); err != nil {
			return
		}
		select {
		case t.c <- t.clk.Now():
		case <-ctx.Done():
		}
	}()
}

func (t *sleepTimer) Stop() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

func (t *sleepTimer) C() <-chan time.Time {
	return t.c
}
