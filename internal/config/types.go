// SPDX-License-Identifier: MIT

// Package config loads daemon configuration with the precedence
// environment > YAML file > defaults. Unknown YAML keys are rejected.
package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Config is the full daemon configuration.
type Config struct {
	// DataDir anchors all relative state paths (store, archive, workspaces,
	// artifacts).
	DataDir string `yaml:"data_dir"`

	Server    ServerConfig    `yaml:"server"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Store     StoreConfig     `yaml:"store"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Workflows WorkflowsConfig `yaml:"workflows"`
	Engine    EngineConfig    `yaml:"engine"`
	Envman    EnvmanConfig    `yaml:"envman"`
	Cache     CacheConfig     `yaml:"cache"`
	Notify    NotifyConfig    `yaml:"notify"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig configures the API listener.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// RateLimitRPM caps requests per client IP per minute on event
	// endpoints. Zero disables the limiter.
	RateLimitRPM int `yaml:"rate_limit_rpm"`
}

// MetricsConfig configures the separate Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// StoreConfig selects the state store backend.
type StoreConfig struct {
	// Backend is "badger" or "memory".
	Backend string `yaml:"backend"`

	// Path is the badger directory, relative to DataDir unless absolute.
	Path string `yaml:"path"`
}

// ArchiveConfig configures the SQLite run-history archive.
type ArchiveConfig struct {
	Enabled bool `yaml:"enabled"`

	// Path is the database file, relative to DataDir unless absolute.
	Path string `yaml:"path"`
}

// WorkflowsConfig locates workflow definition files.
type WorkflowsConfig struct {
	// Dir holds *.yml / *.yaml workflow files.
	Dir string `yaml:"dir"`

	// Watch reloads definitions on file changes.
	Watch bool `yaml:"watch"`
}

// EngineConfig tunes run scheduling and retention.
type EngineConfig struct {
	MaxParallel    int           `yaml:"max_parallel"`
	LeaseTTL       time.Duration `yaml:"lease_ttl"`
	HeartbeatEvery time.Duration `yaml:"heartbeat_every"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
	Retention      time.Duration `yaml:"retention"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`

	// WorkRoot and ArtifactRoot are relative to DataDir unless absolute.
	WorkRoot     string `yaml:"work_root"`
	ArtifactRoot string `yaml:"artifact_root"`
}

// EnvmanConfig configures the environment-manager CLI.
type EnvmanConfig struct {
	// Bin is the manager executable, e.g. "micromamba". Empty selects the
	// in-memory fake, which only makes sense in tests.
	Bin            string        `yaml:"bin"`
	CacheDownloads bool          `yaml:"cache_downloads"`
	CreateTimeout  time.Duration `yaml:"create_timeout"`

	// ReuseEnvs enables the environment reuse cache.
	ReuseEnvs bool          `yaml:"reuse_envs"`
	EnvTTL    time.Duration `yaml:"env_ttl"`

	// KeepEnvs skips teardown after jobs, for debugging.
	KeepEnvs bool `yaml:"keep_envs"`
}

// CacheConfig selects the environment reuse cache backend.
type CacheConfig struct {
	// Backend is "memory", "redis" or "off".
	Backend  string `yaml:"backend"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NotifyConfig configures the run-conclusion webhook.
type NotifyConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`

	// Outbound allowlist for the webhook target.
	AllowHosts   []string `yaml:"allow_hosts"`
	AllowCIDRs   []string `yaml:"allow_cidrs"`
	AllowPorts   []int    `yaml:"allow_ports"`
	AllowSchemes []string `yaml:"allow_schemes"`
}

// TelemetryConfig configures OTLP tracing.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
}

// AuthConfig configures API authentication.
type AuthConfig struct {
	// Token protects mutating endpoints. Empty disables auth; the startup
	// validation warns about that outside of development.
	Token string `yaml:"token"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is trace, debug, info, warn or error.
	Level string `yaml:"level"`
}

// Default returns the built-in defaults, anchored at dataDir.
func Default() Config {
	return Config{
		DataDir: "/var/lib/gridrun",
		Server: ServerConfig{
			Listen:          ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 20 * time.Second,
			RateLimitRPM:    120,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  ":9090",
		},
		Store: StoreConfig{
			Backend: "badger",
			Path:    "state",
		},
		Archive: ArchiveConfig{
			Enabled: true,
			Path:    "archive.db",
		},
		Workflows: WorkflowsConfig{
			Dir:   "workflows",
			Watch: true,
		},
		Engine: EngineConfig{
			MaxParallel:    4,
			LeaseTTL:       30 * time.Second,
			HeartbeatEvery: 10 * time.Second,
			IdempotencyTTL: 24 * time.Hour,
			Retention:      7 * 24 * time.Hour,
			SweepInterval:  5 * time.Minute,
			WorkRoot:       "work",
			ArtifactRoot:   "artifacts",
		},
		Envman: EnvmanConfig{
			Bin:            "micromamba",
			CacheDownloads: true,
			CreateTimeout:  15 * time.Minute,
			ReuseEnvs:      true,
			EnvTTL:         2 * time.Hour,
		},
		Cache: CacheConfig{
			Backend: "memory",
		},
		Notify: NotifyConfig{
			Timeout:      10 * time.Second,
			AllowSchemes: []string{"https"},
			AllowPorts:   []int{443},
		},
		Telemetry: TelemetryConfig{
			Exporter:     "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 0.1,
			Environment:  "production",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Resolve joins a state path with DataDir unless it is already absolute.
func (c *Config) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.DataDir, path)
}

// StorePath returns the resolved badger directory.
func (c *Config) StorePath() string { return c.Resolve(c.Store.Path) }

// ArchivePath returns the resolved archive database file.
func (c *Config) ArchivePath() string { return c.Resolve(c.Archive.Path) }

// WorkflowsDir returns the resolved workflow definitions directory.
func (c *Config) WorkflowsDir() string { return c.Resolve(c.Workflows.Dir) }

// WorkRoot returns the resolved job workspace root.
func (c *Config) WorkRoot() string { return c.Resolve(c.Engine.WorkRoot) }

// ArtifactRoot returns the resolved artifact root.
func (c *Config) ArtifactRoot() string { return c.Resolve(c.Engine.ArtifactRoot) }

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("config: server.listen is required")
	}
	switch c.Store.Backend {
	case "badger", "memory":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	switch c.Cache.Backend {
	case "", "memory", "redis", "off":
	default:
		return fmt.Errorf("config: unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.Backend == "redis" && c.Cache.Addr == "" {
		return fmt.Errorf("config: cache.addr is required for the redis backend")
	}
	if c.Engine.MaxParallel < 1 {
		return fmt.Errorf("config: engine.max_parallel must be at least 1")
	}
	if c.Engine.HeartbeatEvery >= c.Engine.LeaseTTL {
		return fmt.Errorf("config: engine.heartbeat_every must be shorter than engine.lease_ttl")
	}
	if c.Notify.Enabled && c.Notify.URL == "" {
		return fmt.Errorf("config: notify.url is required when notify is enabled")
	}
	if c.Telemetry.Enabled {
		switch c.Telemetry.Exporter {
		case "grpc", "http":
		default:
			return fmt.Errorf("config: unknown telemetry exporter %q", c.Telemetry.Exporter)
		}
	}
	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		return fmt.Errorf("config: telemetry.sampling_rate must be between 0 and 1")
	}
	return nil
}
