package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

// Provider names used in config sections, log fields, metric labels and events.
const (
	ProviderGemini     = "gemini"
	ProviderOpenRouter = "openrouter"
)

// Dispatch tunables. These are the values Normalize fills in when the
// config file leaves a field unset.
const (
	DefaultRateLimitDelay          = 60 * time.Second
	DefaultMinInterval             = 1 * time.Second
	DefaultMaxRetries              = 3
	DefaultPoolWait                = 2 * time.Second
	DefaultPoolWaitAttempts        = 3
	DefaultTierSwitchCooldown      = 5 * time.Second
	DefaultRateLimitBackoff        = 5 * time.Second
	DefaultTimeoutBackoff          = 5 * time.Second
	DefaultTransientBackoff        = 3 * time.Second
	DefaultEmptyBackoff            = 5 * time.Second
	DefaultSecondaryAttemptTimeout = 30 * time.Second
	DefaultSecondaryBudget         = 6
	DefaultSecondaryCredsPerTier   = 2
)

const (
	DefaultGeminiBaseURL     = "https://generativelanguage.googleapis.com"
	DefaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
	DefaultVertexLocation    = "global"
)

// DefaultPrimaryTiers returns the free-tier Gemini rotation in preference
// order with their per-minute quotas.
func DefaultPrimaryTiers() []TierConfig {
	return []TierConfig{
		{Name: "gemini-2.5-pro", RPM: 5},
		{Name: "gemini-2.5-flash", RPM: 10},
		{Name: "gemini-2.5-flash-lite-preview-06-17", RPM: 15},
		{Name: "gemini-2.0-flash", RPM: 15},
		{Name: "gemini-2.0-flash-lite", RPM: 30},
	}
}

// DefaultSecondaryTiers returns the OpenRouter fallback models in the fixed
// order the secondary pass walks them.
func DefaultSecondaryTiers() []TierConfig {
	return []TierConfig{
		{Name: "deepseek/deepseek-r1-0528:free", RPM: 30},
		{Name: "google/gemini-2.5-pro-exp-03-25", RPM: 15},
		{Name: "qwen/qwen3-235b-a22b:free", RPM: 30},
	}
}

type Config struct {
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Primary    ProviderConfig   `yaml:"primary"`
	Secondary  ProviderConfig   `yaml:"secondary"`
	Tunables   Tunables         `yaml:"tunables"`
}

// ProviderConfig describes one provider account pool and its model tiers.
// Vertex fields only apply to the primary (Gemini) provider.
type ProviderConfig struct {
	Credentials         []string     `yaml:"credentials"`
	ServiceAccountFiles []string     `yaml:"service_account_files"`
	ProjectID           string       `yaml:"project_id"`
	Location            string       `yaml:"location"`
	BaseURL             string       `yaml:"base_url"`
	Tiers               []TierConfig `yaml:"tiers"`
}

type TierConfig struct {
	Name string `yaml:"name"`
	RPM  int    `yaml:"rpm"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	ListenAddr        string `yaml:"listen_addr"`
}

type Tunables struct {
	RateLimitDelay          time.Duration `yaml:"rate_limit_delay"`
	MinInterval             time.Duration `yaml:"min_interval"`
	MaxRetries              int           `yaml:"max_retries"`
	PoolWait                time.Duration `yaml:"pool_wait"`
	PoolWaitAttempts        int           `yaml:"pool_wait_attempts"`
	TierSwitchCooldown      time.Duration `yaml:"tier_switch_cooldown"`
	RateLimitBackoff        time.Duration `yaml:"rate_limit_backoff"`
	TimeoutBackoff          time.Duration `yaml:"timeout_backoff"`
	TransientBackoff        time.Duration `yaml:"transient_backoff"`
	EmptyBackoff            time.Duration `yaml:"empty_backoff"`
	SecondaryAttemptTimeout time.Duration `yaml:"secondary_attempt_timeout"`
	SecondaryBudget         int           `yaml:"secondary_budget"`
	SecondaryCredsPerTier   int           `yaml:"secondary_credentials_per_tier"`
}

// UnmarshalYAML implements custom unmarshaling for Tunables
func (t *Tunables) UnmarshalYAML(value *yaml.Node) error {
	// Create a temporary struct with string durations
	type tempConfig struct {
		RateLimitDelay          string `yaml:"rate_limit_delay"`
		MinInterval             string `yaml:"min_interval"`
		MaxRetries              int    `yaml:"max_retries"`
		PoolWait                string `yaml:"pool_wait"`
		PoolWaitAttempts        int    `yaml:"pool_wait_attempts"`
		TierSwitchCooldown      string `yaml:"tier_switch_cooldown"`
		RateLimitBackoff        string `yaml:"rate_limit_backoff"`
		TimeoutBackoff          string `yaml:"timeout_backoff"`
		TransientBackoff        string `yaml:"transient_backoff"`
		EmptyBackoff            string `yaml:"empty_backoff"`
		SecondaryAttemptTimeout string `yaml:"secondary_attempt_timeout"`
		SecondaryBudget         int    `yaml:"secondary_budget"`
		SecondaryCredsPerTier   int    `yaml:"secondary_credentials_per_tier"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	t.MaxRetries = temp.MaxRetries
	t.PoolWaitAttempts = temp.PoolWaitAttempts
	t.SecondaryBudget = temp.SecondaryBudget
	t.SecondaryCredsPerTier = temp.SecondaryCredsPerTier

	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"rate_limit_delay", temp.RateLimitDelay, &t.RateLimitDelay},
		{"min_interval", temp.MinInterval, &t.MinInterval},
		{"pool_wait", temp.PoolWait, &t.PoolWait},
		{"tier_switch_cooldown", temp.TierSwitchCooldown, &t.TierSwitchCooldown},
		{"rate_limit_backoff", temp.RateLimitBackoff, &t.RateLimitBackoff},
		{"timeout_backoff", temp.TimeoutBackoff, &t.TimeoutBackoff},
		{"transient_backoff", temp.TransientBackoff, &t.TransientBackoff},
		{"empty_backoff", temp.EmptyBackoff, &t.EmptyBackoff},
		{"secondary_attempt_timeout", temp.SecondaryAttemptTimeout, &t.SecondaryAttemptTimeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", f.name, err)
		}
		*f.dst = d
	}

	return nil
}

// envOverrides carries the environment variables that take precedence over
// file values. Key lists are comma separated.
type envOverrides struct {
	GoogleAPIKeys     []string `env:"GOOGLE_API_KEYS" envSeparator:","`
	OpenRouterAPIKeys []string `env:"OPENROUTER_API_KEYS" envSeparator:","`
	LogLevel          string   `env:"FREE_LLM_LOG_LEVEL"`
	LogFormat         string   `env:"FREE_LLM_LOG_FORMAT"`
	MetricsAddr       string   `env:"FREE_LLM_METRICS_ADDR"`
}

// Load reads the config file at path, applies environment overrides and
// fills in defaults. An empty path yields the default configuration with
// credentials taken from the environment only.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}

	if keys := cleanKeys(ov.GoogleAPIKeys); len(keys) > 0 {
		c.Primary.Credentials = keys
	}
	if keys := cleanKeys(ov.OpenRouterAPIKeys); len(keys) > 0 {
		c.Secondary.Credentials = keys
	}
	if ov.LogLevel != "" {
		c.LogLevel = ov.LogLevel
	}
	if ov.LogFormat != "" {
		c.LogFormat = ov.LogFormat
	}
	if ov.MetricsAddr != "" {
		c.Monitoring.ListenAddr = ov.MetricsAddr
	}

	return nil
}

// Normalize cleans up configuration values and fills in defaults
func (c *Config) Normalize() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Monitoring.ListenAddr == "" {
		c.Monitoring.ListenAddr = ":9090"
	}

	c.Primary.Credentials = cleanKeys(c.Primary.Credentials)
	c.Secondary.Credentials = cleanKeys(c.Secondary.Credentials)

	if c.Primary.BaseURL == "" {
		c.Primary.BaseURL = DefaultGeminiBaseURL
	}
	c.Primary.BaseURL = strings.TrimRight(c.Primary.BaseURL, "/")
	if c.Primary.Location == "" {
		c.Primary.Location = DefaultVertexLocation
	}
	if len(c.Primary.Tiers) == 0 {
		c.Primary.Tiers = DefaultPrimaryTiers()
	}

	if c.Secondary.BaseURL == "" {
		c.Secondary.BaseURL = DefaultOpenRouterBaseURL
	}
	c.Secondary.BaseURL = strings.TrimRight(c.Secondary.BaseURL, "/")
	if len(c.Secondary.Tiers) == 0 {
		c.Secondary.Tiers = DefaultSecondaryTiers()
	}

	t := &c.Tunables
	if t.RateLimitDelay == 0 {
		t.RateLimitDelay = DefaultRateLimitDelay
	}
	if t.MinInterval == 0 {
		t.MinInterval = DefaultMinInterval
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = DefaultMaxRetries
	}
	if t.PoolWait == 0 {
		t.PoolWait = DefaultPoolWait
	}
	if t.PoolWaitAttempts == 0 {
		t.PoolWaitAttempts = DefaultPoolWaitAttempts
	}
	if t.TierSwitchCooldown == 0 {
		t.TierSwitchCooldown = DefaultTierSwitchCooldown
	}
	if t.RateLimitBackoff == 0 {
		t.RateLimitBackoff = DefaultRateLimitBackoff
	}
	if t.TimeoutBackoff == 0 {
		t.TimeoutBackoff = DefaultTimeoutBackoff
	}
	if t.TransientBackoff == 0 {
		t.TransientBackoff = DefaultTransientBackoff
	}
	if t.EmptyBackoff == 0 {
		t.EmptyBackoff = DefaultEmptyBackoff
	}
	if t.SecondaryAttemptTimeout == 0 {
		t.SecondaryAttemptTimeout = DefaultSecondaryAttemptTimeout
	}
	if t.SecondaryBudget == 0 {
		t.SecondaryBudget = DefaultSecondaryBudget
	}
	if t.SecondaryCredsPerTier == 0 {
		t.SecondaryCredsPerTier = DefaultSecondaryCredsPerTier
	}
}

func cleanKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k != "" {
			out = append(out, k)
		}
	}
	return out
}

func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid log_level: %s", c.LogLevel)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("invalid log_format: %s (must be text or json)", c.LogFormat)
	}

	if err := validateProvider(ProviderGemini, &c.Primary); err != nil {
		return err
	}
	if err := validateProvider(ProviderOpenRouter, &c.Secondary); err != nil {
		return err
	}

	if len(c.Primary.ServiceAccountFiles) > 0 && c.Primary.ProjectID == "" {
		return fmt.Errorf("primary: project_id is required with service_account_files")
	}

	t := &c.Tunables
	if t.MaxRetries <= 0 {
		return fmt.Errorf("invalid max_retries: %d", t.MaxRetries)
	}
	if t.PoolWaitAttempts < 0 {
		return fmt.Errorf("invalid pool_wait_attempts: %d", t.PoolWaitAttempts)
	}
	if t.SecondaryBudget <= 0 {
		return fmt.Errorf("invalid secondary_budget: %d", t.SecondaryBudget)
	}
	if t.SecondaryCredsPerTier <= 0 {
		return fmt.Errorf("invalid secondary_credentials_per_tier: %d", t.SecondaryCredsPerTier)
	}
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"rate_limit_delay", t.RateLimitDelay},
		{"min_interval", t.MinInterval},
		{"pool_wait", t.PoolWait},
		{"tier_switch_cooldown", t.TierSwitchCooldown},
		{"rate_limit_backoff", t.RateLimitBackoff},
		{"timeout_backoff", t.TimeoutBackoff},
		{"transient_backoff", t.TransientBackoff},
		{"empty_backoff", t.EmptyBackoff},
		{"secondary_attempt_timeout", t.SecondaryAttemptTimeout},
	} {
		if d.val < 0 {
			return fmt.Errorf("invalid %s: %v", d.name, d.val)
		}
	}

	return nil
}

func validateProvider(name string, p *ProviderConfig) error {
	parsedURL, err := url.Parse(p.BaseURL)
	if err != nil {
		return fmt.Errorf("%s: invalid base_url: %w", name, err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("%s: base_url must use http or https scheme, got: %s", name, parsedURL.Scheme)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("%s: base_url must have a host", name)
	}

	if len(p.Tiers) == 0 {
		return fmt.Errorf("%s: at least one tier is required", name)
	}
	seen := make(map[string]bool, len(p.Tiers))
	for i, tier := range p.Tiers {
		if tier.Name == "" {
			return fmt.Errorf("%s: tier %d: name is required", name, i)
		}
		if seen[tier.Name] {
			return fmt.Errorf("%s: duplicate tier: %s", name, tier.Name)
		}
		seen[tier.Name] = true
		if tier.RPM <= 0 {
			return fmt.Errorf("%s: tier %s: invalid rpm: %d", name, tier.Name, tier.RPM)
		}
	}

	return nil
}
