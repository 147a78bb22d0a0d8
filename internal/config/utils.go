package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/mixaill76/keypool/internal/security"
)

// resolveEnvString resolves environment variable if value is in format "os.environ/VAR_NAME"
func resolveEnvString(value string) string {
	const prefix = "os.environ/"
	if strings.HasPrefix(value, prefix) {
		envVar := strings.TrimPrefix(value, prefix)
		if envValue := os.Getenv(envVar); envValue != "" {
			return envValue
		}
		slog.Warn("environment variable not set, returning empty string",
			"env_var", envVar,
			"pattern", value,
		)
		return ""
	}
	return value
}

// parseFunc is a function type that parses a string value into the desired type
type parseFunc[T any] func(string) (T, error)

// parseField resolves env variable and parses value with proper error context
func parseField[T any](tempValue string, defaultValue T, parser parseFunc[T], fieldPath string) (T, error) {
	if tempValue == "" {
		return defaultValue, nil
	}

	resolved := resolveEnvString(tempValue)
	if resolved == "" {
		return defaultValue, nil
	}
	parsed, err := parser(resolved)
	if err != nil {
		return defaultValue, fmt.Errorf("invalid %s: %w", fieldPath, err)
	}
	return parsed, nil
}

func parseBool(s string) (bool, error) {
	return strconv.ParseBool(strings.TrimSpace(s))
}

// validLimit accepts -1 (unlimited) or a positive ceiling
func validLimit(value int) bool {
	return value == -1 || value > 0
}

// PrintConfig outputs the configuration in a structured, readable format to the logger
func PrintConfig(logger *slog.Logger, cfg *Config) {
	logger.Info("=== Configuration Loaded ===")

	logger.Info("server",
		"port", cfg.Server.Port,
		"logging_level", cfg.Server.LoggingLevel,
		"log_format", cfg.Server.LogFormat,
		"master_key", "***REDACTED***",
		"persist_timeout", cfg.Server.PersistTimeout.String(),
	)

	logger.Info("pool",
		"failure_threshold", cfg.Pool.FailureThreshold,
		"quota_cooldown", cfg.Pool.QuotaCooldown.String(),
		"quota_sweep_interval", cfg.Pool.QuotaSweepInterval.String(),
		"session_prune_interval", cfg.Pool.SessionPruneInterval.String(),
		"allow_degraded_fallback", cfg.Pool.AllowDegradedFallback,
		"enforce_rate_limits", cfg.Pool.EnforceRateLimits,
		"default_rpm", limitToString(cfg.Pool.DefaultRPM),
		"default_rpd", limitToString(cfg.Pool.DefaultRPD),
		"session_cache_size", cfg.Pool.SessionCacheSize,
		"quota_keywords", len(cfg.Pool.QuotaKeywords),
	)

	logger.Info("credentials",
		"total_count", len(cfg.Credentials),
	)
	for i, cred := range cfg.Credentials {
		logger.Info(fmt.Sprintf("  [%d] credential", i),
			"api_key", security.MaskAPIKey(cred.APIKey),
			"rpm", limitToString(cred.RPM),
			"rpd", limitToString(cred.RPD),
		)
	}

	logger.Info("store",
		"driver", cfg.Store.Driver,
		"path", cfg.Store.Path,
		"table", cfg.Store.Table,
		"database_url", security.MaskDatabaseURL(cfg.Store.DatabaseURL),
	)

	logger.Info("sessions",
		"driver", cfg.Sessions.Driver,
		"idle_ttl", cfg.Sessions.IdleTTL.String(),
	)

	if cfg.Probe.Enabled {
		logger.Info("probe (ENABLED)",
			"provider", cfg.Probe.Provider,
			"model", cfg.Probe.Model,
			"workers", cfg.Probe.Workers,
			"timeout", cfg.Probe.Timeout.String(),
			"on_startup", cfg.Probe.OnStartup,
		)
	} else {
		logger.Info("probe", "status", "DISABLED")
	}

	logger.Info("monitoring",
		"prometheus_enabled", cfg.Monitoring.PrometheusEnabled,
		"metrics_interval", cfg.Monitoring.MetricsInterval.String(),
	)

	logger.Info("=== Configuration Ready ===")
}

// limitToString converts a ceiling to string, showing "default" for 0 and "unlimited" for -1
func limitToString(limit int) string {
	switch limit {
	case 0:
		return "default"
	case -1:
		return "unlimited (-1)"
	default:
		return fmt.Sprintf("%d", limit)
	}
}

// validIdentifier accepts plain SQL identifiers: letters, digits and
// underscores, not starting with a digit.
func validIdentifier(name string) bool {
	if name == "" || len(name) > 63 {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
