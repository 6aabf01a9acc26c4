// Package testhelpers provides shared fixtures for package tests.
package testhelpers

import (
	"io"
	"log/slog"

	"github.com/mixaill76/free_llm_dispatch/internal/config"
)

// NewTestLogger creates a logger that discards all output, keeping test
// runs quiet.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// NewTestTunables returns the default dispatch tunables. Each call yields
// a fresh copy, so tests mutate the result freely.
func NewTestTunables() config.Tunables {
	return config.Tunables{
		RateLimitDelay:          config.DefaultRateLimitDelay,
		MinInterval:             config.DefaultMinInterval,
		MaxRetries:              config.DefaultMaxRetries,
		PoolWait:                config.DefaultPoolWait,
		PoolWaitAttempts:        config.DefaultPoolWaitAttempts,
		TierSwitchCooldown:      config.DefaultTierSwitchCooldown,
		RateLimitBackoff:        config.DefaultRateLimitBackoff,
		TimeoutBackoff:          config.DefaultTimeoutBackoff,
		TransientBackoff:        config.DefaultTransientBackoff,
		EmptyBackoff:            config.DefaultEmptyBackoff,
		SecondaryAttemptTimeout: config.DefaultSecondaryAttemptTimeout,
		SecondaryBudget:         config.DefaultSecondaryBudget,
		SecondaryCredsPerTier:   config.DefaultSecondaryCredsPerTier,
	}
}
