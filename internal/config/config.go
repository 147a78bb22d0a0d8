package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// DefaultStoreTable holds the snapshot in the sqlite and postgres stores.
const DefaultStoreTable = "keypool_credentials"

// Session registry drivers
const (
	SessionsNone     = "none"
	SessionsMemory   = "memory"
	SessionsPostgres = "postgres"
)

// Probe providers
const (
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
)

type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Pool        PoolConfig         `yaml:"pool"`
	Credentials []CredentialConfig `yaml:"credentials"`
	Store       StoreConfig        `yaml:"store"`
	Sessions    SessionsConfig     `yaml:"sessions"`
	Probe       ProbeConfig        `yaml:"probe"`
	Monitoring  MonitoringConfig   `yaml:"monitoring"`
}

type ServerConfig struct {
	Port           int           `yaml:"port"`
	LoggingLevel   string        `yaml:"logging_level"`
	LogFormat      string        `yaml:"log_format"`
	MasterKey      string        `yaml:"master_key"`
	PersistTimeout time.Duration `yaml:"persist_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

type PoolConfig struct {
	FailureThreshold      int           `yaml:"failure_threshold"`
	QuotaCooldown         time.Duration `yaml:"quota_cooldown"`
	QuotaSweepInterval    time.Duration `yaml:"quota_sweep_interval"`
	SessionPruneInterval  time.Duration `yaml:"session_prune_interval"`
	AllowDegradedFallback bool          `yaml:"allow_degraded_fallback"`
	EnforceRateLimits     bool          `yaml:"enforce_rate_limits"`
	DefaultRPM            int           `yaml:"default_rpm"`
	DefaultRPD            int           `yaml:"default_rpd"`
	SessionCacheSize      int           `yaml:"session_cache_size"`
	QuotaKeywords         []string      `yaml:"quota_keywords"`
}

type CredentialConfig struct {
	APIKey string `yaml:"api_key"`
	RPM    int    `yaml:"rpm"`
	RPD    int    `yaml:"rpd"`
}

type StoreConfig struct {
	Driver         string        `yaml:"driver"`
	Path           string        `yaml:"path"`
	DatabaseURL    string        `yaml:"database_url"`
	Table          string        `yaml:"table"`
	MaxConns       int32         `yaml:"max_conns"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type SessionsConfig struct {
	Driver      string        `yaml:"driver"`
	IdleTTL     time.Duration `yaml:"idle_ttl"`
	DatabaseURL string        `yaml:"database_url"`
	Query       string        `yaml:"query"`
}

type ProbeConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Provider  string        `yaml:"provider"`
	Model     string        `yaml:"model"`
	Workers   int           `yaml:"workers"`
	Timeout   time.Duration `yaml:"timeout"`
	Spacing   time.Duration `yaml:"spacing"`
	OnStartup bool          `yaml:"on_startup"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool          `yaml:"prometheus_enabled"`
	MetricsInterval   time.Duration `yaml:"metrics_interval"`
}

// UnmarshalYAML implements custom unmarshaling for PoolConfig so that
// durations and switches may be given as "os.environ/VAR" references.
func (p *PoolConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		FailureThreshold      int      `yaml:"failure_threshold"`
		QuotaCooldown         string   `yaml:"quota_cooldown"`
		QuotaSweepInterval    string   `yaml:"quota_sweep_interval"`
		SessionPruneInterval  string   `yaml:"session_prune_interval"`
		AllowDegradedFallback string   `yaml:"allow_degraded_fallback"`
		EnforceRateLimits     string   `yaml:"enforce_rate_limits"`
		DefaultRPM            int      `yaml:"default_rpm"`
		DefaultRPD            int      `yaml:"default_rpd"`
		SessionCacheSize      int      `yaml:"session_cache_size"`
		QuotaKeywords         []string `yaml:"quota_keywords"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	defaults := DefaultPoolConfig()
	p.FailureThreshold = temp.FailureThreshold
	p.DefaultRPM = temp.DefaultRPM
	p.DefaultRPD = temp.DefaultRPD
	p.SessionCacheSize = temp.SessionCacheSize
	p.QuotaKeywords = temp.QuotaKeywords

	var err error
	if p.QuotaCooldown, err = parseField(temp.QuotaCooldown, defaults.QuotaCooldown, time.ParseDuration, "pool.quota_cooldown"); err != nil {
		return err
	}
	if p.QuotaSweepInterval, err = parseField(temp.QuotaSweepInterval, defaults.QuotaSweepInterval, time.ParseDuration, "pool.quota_sweep_interval"); err != nil {
		return err
	}
	if p.SessionPruneInterval, err = parseField(temp.SessionPruneInterval, defaults.SessionPruneInterval, time.ParseDuration, "pool.session_prune_interval"); err != nil {
		return err
	}
	if p.AllowDegradedFallback, err = parseField(temp.AllowDegradedFallback, defaults.AllowDegradedFallback, parseBool, "pool.allow_degraded_fallback"); err != nil {
		return err
	}
	if p.EnforceRateLimits, err = parseField(temp.EnforceRateLimits, defaults.EnforceRateLimits, parseBool, "pool.enforce_rate_limits"); err != nil {
		return err
	}
	return nil
}

// normalizeKeywords drops blank entries. An empty result is nil, so the
// pool falls back to the built-in quota keywords instead of matching nothing.
func normalizeKeywords(keywords []string) []string {
	var out []string
	for _, kw := range keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

// DefaultPoolConfig returns the pool policy used when the section is absent.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		FailureThreshold:      3,
		QuotaCooldown:         24 * time.Hour,
		QuotaSweepInterval:    time.Hour,
		SessionPruneInterval:  30 * time.Minute,
		AllowDegradedFallback: true,
		EnforceRateLimits:     true,
		DefaultRPM:            60,
		DefaultRPD:            1500,
		SessionCacheSize:      10000,
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, normalizes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	cfg := Config{Pool: DefaultPoolConfig()}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Normalize resolves env references and fills defaults
func (c *Config) Normalize() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LoggingLevel == "" {
		c.Server.LoggingLevel = "info"
	}
	c.Server.LoggingLevel = strings.ToLower(c.Server.LoggingLevel)
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "text"
	}
	if c.Server.PersistTimeout == 0 {
		c.Server.PersistTimeout = 5 * time.Second
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	c.Server.MasterKey = resolveEnvString(c.Server.MasterKey)

	defaults := DefaultPoolConfig()
	if c.Pool.FailureThreshold == 0 {
		c.Pool.FailureThreshold = defaults.FailureThreshold
	}
	if c.Pool.DefaultRPM == 0 {
		c.Pool.DefaultRPM = defaults.DefaultRPM
	}
	if c.Pool.DefaultRPD == 0 {
		c.Pool.DefaultRPD = defaults.DefaultRPD
	}
	if c.Pool.SessionCacheSize == 0 {
		c.Pool.SessionCacheSize = defaults.SessionCacheSize
	}
	c.Pool.QuotaKeywords = normalizeKeywords(c.Pool.QuotaKeywords)

	for i := range c.Credentials {
		c.Credentials[i].APIKey = strings.TrimSpace(resolveEnvString(c.Credentials[i].APIKey))
	}

	if c.Store.Driver == "" {
		c.Store.Driver = StoreMemory
	}
	c.Store.Path = resolveEnvString(c.Store.Path)
	c.Store.DatabaseURL = resolveEnvString(c.Store.DatabaseURL)
	if c.Store.ConnectTimeout == 0 {
		c.Store.ConnectTimeout = 10 * time.Second
	}
	if c.Store.MaxConns == 0 {
		c.Store.MaxConns = 4
	}
	if c.Store.Table == "" {
		c.Store.Table = DefaultStoreTable
	}

	if c.Sessions.Driver == "" {
		c.Sessions.Driver = SessionsMemory
	}
	if c.Sessions.IdleTTL == 0 {
		c.Sessions.IdleTTL = time.Hour
	}
	c.Sessions.DatabaseURL = resolveEnvString(c.Sessions.DatabaseURL)
	if c.Sessions.DatabaseURL == "" && c.Sessions.Driver == SessionsPostgres {
		c.Sessions.DatabaseURL = c.Store.DatabaseURL
	}

	if c.Probe.Provider == "" {
		c.Probe.Provider = ProviderGemini
	}
	if c.Probe.Model == "" {
		c.Probe.Model = defaultProbeModel(c.Probe.Provider)
	}
	if c.Probe.Workers == 0 {
		c.Probe.Workers = 4
	}
	if c.Probe.Timeout == 0 {
		c.Probe.Timeout = 15 * time.Second
	}

	if c.Monitoring.MetricsInterval == 0 {
		c.Monitoring.MetricsInterval = 10 * time.Second
	}
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Server.LoggingLevel] {
		return fmt.Errorf("invalid logging_level: %s (must be debug, info, warn or error)", c.Server.LoggingLevel)
	}
	if c.Server.LogFormat != "text" && c.Server.LogFormat != "json" {
		return fmt.Errorf("invalid log_format: %s (must be text or json)", c.Server.LogFormat)
	}
	if c.Server.MasterKey == "" {
		return fmt.Errorf("master_key is required")
	}

	if c.Pool.FailureThreshold < 1 {
		return fmt.Errorf("invalid pool.failure_threshold: %d", c.Pool.FailureThreshold)
	}
	if c.Pool.QuotaCooldown <= 0 {
		return fmt.Errorf("invalid pool.quota_cooldown: %v", c.Pool.QuotaCooldown)
	}
	if c.Pool.QuotaSweepInterval <= 0 {
		return fmt.Errorf("invalid pool.quota_sweep_interval: %v", c.Pool.QuotaSweepInterval)
	}
	if c.Pool.SessionPruneInterval <= 0 {
		return fmt.Errorf("invalid pool.session_prune_interval: %v", c.Pool.SessionPruneInterval)
	}
	if !validLimit(c.Pool.DefaultRPM) {
		return fmt.Errorf("invalid pool.default_rpm: %d", c.Pool.DefaultRPM)
	}
	if !validLimit(c.Pool.DefaultRPD) {
		return fmt.Errorf("invalid pool.default_rpd: %d", c.Pool.DefaultRPD)
	}
	if c.Pool.SessionCacheSize < 0 {
		return fmt.Errorf("invalid pool.session_cache_size: %d", c.Pool.SessionCacheSize)
	}

	// An empty list is allowed: credentials may be restored from the store
	// or pushed through the admin API.
	for i, cred := range c.Credentials {
		if cred.APIKey == "" {
			return fmt.Errorf("credential %d: api_key is required", i)
		}
		if cred.RPM != 0 && !validLimit(cred.RPM) {
			return fmt.Errorf("credential %d: invalid rpm: %d", i, cred.RPM)
		}
		if cred.RPD != 0 && !validLimit(cred.RPD) {
			return fmt.Errorf("credential %d: invalid rpd: %d", i, cred.RPD)
		}
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreFile, StoreSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for driver %s", c.Store.Driver)
		}
	case StorePostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("store.database_url is required for driver postgres")
		}
	default:
		return fmt.Errorf("invalid store.driver: %s", c.Store.Driver)
	}
	if !validIdentifier(c.Store.Table) {
		return fmt.Errorf("invalid store.table: %q", c.Store.Table)
	}

	switch c.Sessions.Driver {
	case SessionsNone, SessionsMemory:
	case SessionsPostgres:
		if c.Sessions.DatabaseURL == "" {
			return fmt.Errorf("sessions.database_url is required for driver postgres")
		}
		if c.Sessions.Query == "" {
			return fmt.Errorf("sessions.query is required for driver postgres")
		}
	default:
		return fmt.Errorf("invalid sessions.driver: %s", c.Sessions.Driver)
	}

	if c.Probe.Provider != ProviderGemini && c.Probe.Provider != ProviderAnthropic {
		return fmt.Errorf("invalid probe.provider: %s", c.Probe.Provider)
	}
	if c.Probe.Workers < 1 {
		return fmt.Errorf("invalid probe.workers: %d", c.Probe.Workers)
	}

	return nil
}

// APIKeys returns the configured keys in order.
func (c *Config) APIKeys() []string {
	keys := make([]string, 0, len(c.Credentials))
	for _, cred := range c.Credentials {
		keys = append(keys, cred.APIKey)
	}
	return keys
}

func defaultProbeModel(provider string) string {
	if provider == ProviderAnthropic {
		return "claude-haiku-4-5"
	}
	return "gemini-2.0-flash"
}
