package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixaill76/free_llm_dispatch/internal/clock"
	"github.com/mixaill76/free_llm_dispatch/internal/monitoring"
)

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestLimiter(tiers []Tier) (*TierLimiter, *clock.Manual) {
	clk := clock.NewManual(testStart)
	l := NewTierLimiter("gemini", tiers, 5*time.Second, clk, monitoring.New(false))
	return l, clk
}

func TestCanMakeRequest_UnderQuota(t *testing.T) {
	l, clk := newTestLimiter([]Tier{{Name: "tier-a", RPM: 2}})
	ctx := context.Background()

	// Checking does not consume quota.
	for i := 0; i < 5; i++ {
		ok, err := l.CanMakeRequest(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Empty(t, clk.Sleeps())
	assert.Equal(t, 0, l.CurrentLoad("tier-a"))
}

func TestCanMakeRequest_ExhaustedQuotaSwitchesOnce(t *testing.T) {
	l, clk := newTestLimiter([]Tier{
		{Name: "tier-a", RPM: 1},
		{Name: "tier-b", RPM: 5},
		{Name: "tier-c", RPM: 5},
	})
	ctx := context.Background()

	l.Record("tier-a")

	ok, err := l.CanMakeRequest(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// One false answer advances the rotation by exactly one tier.
	assert.Equal(t, "tier-b", l.Active().Name)
	assert.Equal(t, []time.Duration{5 * time.Second}, clk.Sleeps())
}

func TestSwitch_RoundRobinClosure(t *testing.T) {
	l, clk := newTestLimiter([]Tier{
		{Name: "tier-a", RPM: 1},
		{Name: "tier-b", RPM: 1},
		{Name: "tier-c", RPM: 1},
	})
	ctx := context.Background()

	l.Record("tier-a")

	for i := 0; i < 3; i++ {
		_, err := l.Switch(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, "tier-a", l.Active().Name)
	// Switching to a tier resets its window, so the full cycle wiped the
	// request recorded above.
	assert.Equal(t, 0, l.CurrentLoad("tier-a"))
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second}, clk.Sleeps())
}

func TestSwitch_SingleTierSkipsCooldown(t *testing.T) {
	l, clk := newTestLimiter([]Tier{{Name: "only", RPM: 1}})
	ctx := context.Background()

	l.Record("only")
	next, err := l.Switch(ctx)
	require.NoError(t, err)

	assert.Equal(t, "only", next.Name)
	assert.Equal(t, "only", l.Active().Name)
	assert.Empty(t, clk.Sleeps())
	assert.Equal(t, 0, l.CurrentLoad("only"))
}

func TestSwitch_ContextCanceledDuringCooldown(t *testing.T) {
	l, _ := newTestLimiter([]Tier{
		{Name: "tier-a", RPM: 1},
		{Name: "tier-b", RPM: 1},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	next, err := l.Switch(ctx)
	require.ErrorIs(t, err, context.Canceled)
	// The rotation still moved; only the cooldown was cut short.
	assert.Equal(t, "tier-b", next.Name)
	assert.Equal(t, "tier-b", l.Active().Name)
}

func TestWindowSlides(t *testing.T) {
	l, clk := newTestLimiter([]Tier{{Name: "tier-a", RPM: 1}})

	l.Record("tier-a")
	assert.False(t, l.HasCapacity("tier-a"))

	clk.Advance(59 * time.Second)
	assert.False(t, l.HasCapacity("tier-a"))

	clk.Advance(time.Second)
	assert.True(t, l.HasCapacity("tier-a"))
	assert.Equal(t, 0, l.CurrentLoad("tier-a"))
}

func TestRecord_CountsAgainstNamedTier(t *testing.T) {
	l, _ := newTestLimiter([]Tier{
		{Name: "tier-a", RPM: 5},
		{Name: "tier-b", RPM: 5},
	})

	l.Record("tier-b")
	l.Record("tier-b")

	assert.Equal(t, 0, l.CurrentLoad("tier-a"))
	assert.Equal(t, 2, l.CurrentLoad("tier-b"))
}

func TestRecord_UnknownTierIgnored(t *testing.T) {
	l, _ := newTestLimiter([]Tier{{Name: "tier-a", RPM: 5}})

	l.Record("never-configured")
	assert.Equal(t, 0, l.CurrentLoad("tier-a"))
	assert.False(t, l.HasCapacity("never-configured"))
}

func TestHasCapacity_NoSideEffects(t *testing.T) {
	l, clk := newTestLimiter([]Tier{
		{Name: "tier-a", RPM: 1},
		{Name: "tier-b", RPM: 1},
	})

	l.Record("tier-a")
	assert.False(t, l.HasCapacity("tier-a"))

	// Unlike CanMakeRequest, peeking does not rotate or sleep.
	assert.Equal(t, "tier-a", l.Active().Name)
	assert.Empty(t, clk.Sleeps())
}

func TestQuotaHandoffBetweenTiers(t *testing.T) {
	l, _ := newTestLimiter([]Tier{
		{Name: "tier-a", RPM: 1},
		{Name: "tier-b", RPM: 1},
	})
	ctx := context.Background()

	ok, err := l.CanMakeRequest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	l.Record("tier-a")

	// Second request: tier-a is out of quota, so the limiter rotates and
	// the request proceeds on tier-b.
	ok, err = l.CanMakeRequest(ctx)
	require.NoError(t, err)
	require.False(t, ok)
	assert.Equal(t, "tier-b", l.Active().Name)

	ok, err = l.CanMakeRequest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	l.Record("tier-b")

	assert.Equal(t, 1, l.CurrentLoad("tier-a"))
	assert.Equal(t, 1, l.CurrentLoad("tier-b"))
}

func TestTiersReturnsCopy(t *testing.T) {
	l, _ := newTestLimiter([]Tier{{Name: "tier-a", RPM: 1}})

	tiers := l.Tiers()
	tiers[0].Name = "mutated"

	assert.Equal(t, "tier-a", l.Active().Name)
}
