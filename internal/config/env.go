// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridrun/gridrun/internal/log"
)

// ParseString reads a string from an environment variable or returns the
// default. The source of the value is logged for observability.
func ParseString(key, defaultValue string) string {
	return parseStringWithLogger(log.WithComponent("config"), key, defaultValue)
}

func parseStringWithLogger(logger zerolog.Logger, key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		lowerKey := strings.ToLower(key)
		switch {
		case strings.Contains(lowerKey, "token") || strings.Contains(lowerKey, "secret") || strings.Contains(lowerKey, "password"):
			// Sensitive values: log only that they were set.
			logger.Debug().
				Str("key", key).
				Str("source", "environment").
				Bool("sensitive", true).
				Msg("using environment variable")
		case value == "":
			logger.Debug().
				Str("key", key).
				Str("default", defaultValue).
				Str("source", "default").
				Msg("using default value (environment variable is empty)")
			return defaultValue
		default:
			logger.Debug().
				Str("key", key).
				Str("value", value).
				Str("source", "environment").
				Msg("using environment variable")
		}
		return value
	}
	logger.Debug().
		Str("key", key).
		Str("default", defaultValue).
		Str("source", "default").
		Msg("using default value")
	return defaultValue
}

// ParseInt reads an integer from an environment variable or returns the
// default. Invalid values fall back to the default with a warning.
func ParseInt(key string, defaultValue int) int {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok {
		if v == "" {
			return defaultValue
		}
		if i, err := strconv.Atoi(v); err == nil {
			logger.Debug().
				Str("key", key).
				Int("value", i).
				Str("source", "environment").
				Msg("using environment variable")
			return i
		}
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Int("default", defaultValue).
			Msg("invalid integer in environment variable, using default")
	}
	return defaultValue
}

// ParseDuration reads a Go duration ("30s", "5m") from an environment
// variable or returns the default.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok {
		if v == "" {
			return defaultValue
		}
		if d, err := time.ParseDuration(v); err == nil {
			logger.Debug().
				Str("key", key).
				Dur("value", d).
				Str("source", "environment").
				Msg("using environment variable")
			return d
		}
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Dur("default", defaultValue).
			Msg("invalid duration in environment variable, using default")
	}
	return defaultValue
}

// ParseBool reads a boolean from an environment variable or returns the
// default. It accepts true/false, 1/0 and yes/no, case-insensitive.
func ParseBool(key string, defaultValue bool) bool {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok {
		if v == "" {
			return defaultValue
		}
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		default:
			logger.Warn().
				Str("key", key).
				Str("value", v).
				Bool("default", defaultValue).
				Msg("invalid boolean in environment variable, using default")
			return defaultValue
		}
	}
	return defaultValue
}

// ParseFloat reads a float64 from an environment variable or returns the
// default.
func ParseFloat(key string, defaultValue float64) float64 {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok {
		if v == "" {
			return defaultValue
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Float64("default", defaultValue).
			Msg("invalid float in environment variable, using default")
	}
	return defaultValue
}

// applyEnv overlays GRIDRUN_* environment variables onto cfg.
func applyEnv(cfg *Config) {
	cfg.DataDir = ParseString("GRIDRUN_DATA_DIR", cfg.DataDir)

	cfg.Server.Listen = ParseString("GRIDRUN_LISTEN", cfg.Server.Listen)
	cfg.Server.ReadTimeout = ParseDuration("GRIDRUN_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = ParseDuration("GRIDRUN_WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.ShutdownTimeout = ParseDuration("GRIDRUN_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)
	cfg.Server.RateLimitRPM = ParseInt("GRIDRUN_RATE_LIMIT_RPM", cfg.Server.RateLimitRPM)

	cfg.Metrics.Enabled = ParseBool("GRIDRUN_METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.Listen = ParseString("GRIDRUN_METRICS_LISTEN", cfg.Metrics.Listen)

	cfg.Store.Backend = ParseString("GRIDRUN_STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.Path = ParseString("GRIDRUN_STORE_PATH", cfg.Store.Path)

	cfg.Archive.Enabled = ParseBool("GRIDRUN_ARCHIVE_ENABLED", cfg.Archive.Enabled)
	cfg.Archive.Path = ParseString("GRIDRUN_ARCHIVE_PATH", cfg.Archive.Path)

	cfg.Workflows.Dir = ParseString("GRIDRUN_WORKFLOWS_DIR", cfg.Workflows.Dir)
	cfg.Workflows.Watch = ParseBool("GRIDRUN_WORKFLOWS_WATCH", cfg.Workflows.Watch)

	cfg.Engine.MaxParallel = ParseInt("GRIDRUN_MAX_PARALLEL", cfg.Engine.MaxParallel)
	cfg.Engine.LeaseTTL = ParseDuration("GRIDRUN_LEASE_TTL", cfg.Engine.LeaseTTL)
	cfg.Engine.HeartbeatEvery = ParseDuration("GRIDRUN_HEARTBEAT_EVERY", cfg.Engine.HeartbeatEvery)
	cfg.Engine.IdempotencyTTL = ParseDuration("GRIDRUN_IDEMPOTENCY_TTL", cfg.Engine.IdempotencyTTL)
	cfg.Engine.Retention = ParseDuration("GRIDRUN_RETENTION", cfg.Engine.Retention)
	cfg.Engine.SweepInterval = ParseDuration("GRIDRUN_SWEEP_INTERVAL", cfg.Engine.SweepInterval)
	cfg.Engine.WorkRoot = ParseString("GRIDRUN_WORK_ROOT", cfg.Engine.WorkRoot)
	cfg.Engine.ArtifactRoot = ParseString("GRIDRUN_ARTIFACT_ROOT", cfg.Engine.ArtifactRoot)

	cfg.Envman.Bin = ParseString("GRIDRUN_ENVMAN_BIN", cfg.Envman.Bin)
	cfg.Envman.CacheDownloads = ParseBool("GRIDRUN_ENVMAN_CACHE_DOWNLOADS", cfg.Envman.CacheDownloads)
	cfg.Envman.CreateTimeout = ParseDuration("GRIDRUN_ENVMAN_CREATE_TIMEOUT", cfg.Envman.CreateTimeout)
	cfg.Envman.ReuseEnvs = ParseBool("GRIDRUN_ENVMAN_REUSE", cfg.Envman.ReuseEnvs)
	cfg.Envman.EnvTTL = ParseDuration("GRIDRUN_ENVMAN_TTL", cfg.Envman.EnvTTL)
	cfg.Envman.KeepEnvs = ParseBool("GRIDRUN_ENVMAN_KEEP", cfg.Envman.KeepEnvs)

	cfg.Cache.Backend = ParseString("GRIDRUN_CACHE_BACKEND", cfg.Cache.Backend)
	cfg.Cache.Addr = ParseString("GRIDRUN_CACHE_ADDR", cfg.Cache.Addr)
	cfg.Cache.Password = ParseString("GRIDRUN_CACHE_PASSWORD", cfg.Cache.Password)
	cfg.Cache.DB = ParseInt("GRIDRUN_CACHE_DB", cfg.Cache.DB)

	cfg.Notify.Enabled = ParseBool("GRIDRUN_NOTIFY_ENABLED", cfg.Notify.Enabled)
	cfg.Notify.URL = ParseString("GRIDRUN_NOTIFY_URL", cfg.Notify.URL)
	cfg.Notify.Secret = ParseString("GRIDRUN_NOTIFY_SECRET", cfg.Notify.Secret)
	cfg.Notify.Timeout = ParseDuration("GRIDRUN_NOTIFY_TIMEOUT", cfg.Notify.Timeout)

	cfg.Telemetry.Enabled = ParseBool("GRIDRUN_OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Exporter = ParseString("GRIDRUN_OTEL_EXPORTER", cfg.Telemetry.Exporter)
	cfg.Telemetry.Endpoint = ParseString("GRIDRUN_OTEL_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.SamplingRate = ParseFloat("GRIDRUN_OTEL_SAMPLING_RATE", cfg.Telemetry.SamplingRate)
	cfg.Telemetry.Environment = ParseString("GRIDRUN_OTEL_ENVIRONMENT", cfg.Telemetry.Environment)

	cfg.Auth.Token = ParseString("GRIDRUN_API_TOKEN", cfg.Auth.Token)

	cfg.Log.Level = ParseString("GRIDRUN_LOG_LEVEL", cfg.Log.Level)
}
