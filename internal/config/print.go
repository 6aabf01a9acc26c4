package config

import (
	"fmt"
	"log/slog"

	"github.com/mixaill76/free_llm_dispatch/internal/security"
)

// LogSummary writes the effective configuration to the log with all
// credentials masked.
func (c *Config) LogSummary(log *slog.Logger) {
	log.Info("configuration loaded",
		"log_level", c.LogLevel,
		"log_format", c.LogFormat,
		"prometheus_enabled", c.Monitoring.PrometheusEnabled,
		"metrics_addr", c.Monitoring.ListenAddr,
	)

	logProvider(log, ProviderGemini, &c.Primary)
	logProvider(log, ProviderOpenRouter, &c.Secondary)

	t := &c.Tunables
	log.Info("dispatch tunables",
		"rate_limit_delay", t.RateLimitDelay,
		"min_interval", t.MinInterval,
		"max_retries", t.MaxRetries,
		"pool_wait", t.PoolWait,
		"pool_wait_attempts", t.PoolWaitAttempts,
		"tier_switch_cooldown", t.TierSwitchCooldown,
		"secondary_attempt_timeout", t.SecondaryAttemptTimeout,
		"secondary_budget", t.SecondaryBudget,
	)
}

func logProvider(log *slog.Logger, name string, p *ProviderConfig) {
	masked := make([]string, len(p.Credentials))
	for i, key := range p.Credentials {
		masked[i] = security.MaskAPIKey(key)
	}

	tiers := make([]string, len(p.Tiers))
	for i, tier := range p.Tiers {
		tiers[i] = fmt.Sprintf("%s (%d rpm)", tier.Name, tier.RPM)
	}

	attrs := []any{
		"provider", name,
		"base_url", p.BaseURL,
		"credentials", masked,
		"tiers", tiers,
	}
	if len(p.ServiceAccountFiles) > 0 {
		attrs = append(attrs,
			"service_account_files", len(p.ServiceAccountFiles),
			"project_id", p.ProjectID,
			"location", p.Location,
		)
	}
	log.Info("provider configured", attrs...)
}
