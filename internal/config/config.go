// Package config loads LatZero's layered configuration: a Config struct
// composed of per-component sub-structs, a DefaultConfig constructor, a
// file loader accepting either JSON or YAML, and an environment-variable
// overlay: one struct tree, explicit defaults, and an enumerate-every-var
// LoadFromEnv rather than reflection-based binding.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/latzero/latzero/internal/trigger"
)

// TransportConfig controls the Listener (spec.md §4.3, §6).
type TransportConfig struct {
	Host               string        `json:"host" yaml:"host"`
	Port               int           `json:"port" yaml:"port"`
	UseVsock           bool          `json:"use_vsock" yaml:"use_vsock"`
	VsockCID           uint32        `json:"vsock_cid" yaml:"vsock_cid"`
	VsockPort          uint32        `json:"vsock_port" yaml:"vsock_port"`
	MaxConnections     int           `json:"max_connections" yaml:"max_connections"`
	WriteQueueSize     int           `json:"write_queue_size" yaml:"write_queue_size"`
	WriteTimeout       time.Duration `json:"write_timeout" yaml:"write_timeout"`
	EnableTLS          bool          `json:"enable_tls" yaml:"enable_tls"`
	RateLimitPerSecond float64       `json:"rate_limit_per_second" yaml:"rate_limit_per_second"`
	RateLimitBurst     int           `json:"rate_limit_burst" yaml:"rate_limit_burst"`
}

// Addr returns the host:port TCP listen address.
func (c TransportConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// PersistenceConfig controls the durable store (spec.md §4.1).
type PersistenceConfig struct {
	Engine         string `json:"engine" yaml:"engine"` // "bbolt", "postgres", "memory"
	DataDir        string `json:"data_dir" yaml:"data_dir"`
	PostgresDSN    string `json:"postgres_dsn" yaml:"postgres_dsn"`
	BackupDir      string `json:"backup_dir" yaml:"backup_dir"`
	BackupInterval time.Duration `json:"backup_interval" yaml:"backup_interval"`
	MaxBackups     int    `json:"max_backups" yaml:"max_backups"`
	S3Bucket       string `json:"s3_bucket" yaml:"s3_bucket"`
	S3Prefix       string `json:"s3_prefix" yaml:"s3_prefix"`
}

// RegistryConfig controls rehydration retention (spec.md §4.5).
type RegistryConfig struct {
	RehydrationMaxAge      time.Duration `json:"rehydration_max_age" yaml:"rehydration_max_age"`
	RehydrationSweepPeriod time.Duration `json:"rehydration_sweep_period" yaml:"rehydration_sweep_period"`
}

// PoolConfig controls the Pool Manager (spec.md §4.4). It has no tunables
// beyond sentinel bootstrap today, but is kept as its own struct so new
// pool-scoped knobs have a home without reshaping Config.
type PoolConfig struct{}

// TriggerConfig controls the Trigger Router (spec.md §4.6).
type TriggerConfig struct {
	MaxInFlight   int           `json:"max_in_flight" yaml:"max_in_flight"`
	DefaultTTL    time.Duration `json:"default_ttl" yaml:"default_ttl"`
	MaxTTL        time.Duration `json:"max_ttl" yaml:"max_ttl"`
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	EMAAlpha      float64       `json:"ema_alpha" yaml:"ema_alpha"`
	Policy        string        `json:"policy" yaml:"policy"` // round_robin | random | first_available | load_balanced
}

func (c TriggerConfig) toRouterConfig() trigger.Config {
	return trigger.Config{
		MaxInFlight:   c.MaxInFlight,
		DefaultTTL:    c.DefaultTTL,
		MaxTTL:        c.MaxTTL,
		SweepInterval: c.SweepInterval,
		EMAAlpha:      c.EMAAlpha,
		Policy:        trigger.Policy(c.Policy),
	}
}

// RouterConfig exposes the trigger.Config this TriggerConfig produces, for
// callers (the Orchestrator) wiring up the Router.
func (c TriggerConfig) RouterConfig() trigger.Config { return c.toRouterConfig() }

// MemoryConfig controls the Memory Manager's GC sweep (spec.md §4.7).
type MemoryConfig struct {
	GCInterval time.Duration `json:"gc_interval" yaml:"gc_interval"`
	IdleMaxAge time.Duration `json:"idle_max_age" yaml:"idle_max_age"`
	BackingDir string        `json:"backing_dir" yaml:"backing_dir"` // e.g. /dev/shm/latzero when available
}

// ObservabilityConfig controls logging, metrics, and tracing.
type ObservabilityConfig struct {
	LogLevel  string        `json:"log_level" yaml:"log_level"`
	LogFormat string        `json:"log_format" yaml:"log_format"` // text | json
	Metrics   MetricsConfig `json:"metrics" yaml:"metrics"`
	Tracing   TracingConfig `json:"tracing" yaml:"tracing"`
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
	Addr      string `json:"addr" yaml:"addr"` // HTTP address to serve /metrics, empty disables the listener
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Exporter    string  `json:"exporter" yaml:"exporter"` // otlp-http (alias otlp), stdout
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
}

// SecurityConfig controls the security stub (spec.md §9). It is a config
// placeholder today; a real implementation would add key material paths.
type SecurityConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// AdminRPCConfig controls the optional gRPC introspection surface.
type AdminRPCConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// ClusterConfig is reserved per spec.md §6's `--cluster` flag; LatZero's
// core is single-node, so this config has no effect beyond being echoed on
// the CLI surface.
type ClusterConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// Config is the root configuration tree.
type Config struct {
	Transport     TransportConfig     `json:"transport" yaml:"transport"`
	Persistence   PersistenceConfig   `json:"persistence" yaml:"persistence"`
	Registry      RegistryConfig      `json:"registry" yaml:"registry"`
	Pool          PoolConfig          `json:"pool" yaml:"pool"`
	Trigger       TriggerConfig       `json:"trigger" yaml:"trigger"`
	Memory        MemoryConfig        `json:"memory" yaml:"memory"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
	Security      SecurityConfig      `json:"security" yaml:"security"`
	AdminRPC      AdminRPCConfig      `json:"admin_rpc" yaml:"admin_rpc"`
	Cluster       ClusterConfig       `json:"cluster" yaml:"cluster"`
}

// DefaultConfig returns a Config with the defaults described across
// spec.md §§4.1–4.8 and §6.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dataDir := filepath.Join(home, ".latzero")

	return &Config{
		Transport: TransportConfig{
			Host:               "127.0.0.1",
			Port:               7420,
			MaxConnections:     10000,
			WriteQueueSize:     256,
			WriteTimeout:       10 * time.Second,
			RateLimitPerSecond: 0,
			RateLimitBurst:     0,
		},
		Persistence: PersistenceConfig{
			Engine:         "bbolt",
			DataDir:        dataDir,
			BackupDir:      filepath.Join(dataDir, "backups"),
			BackupInterval: 1 * time.Hour,
			MaxBackups:     24,
		},
		Registry: RegistryConfig{
			RehydrationMaxAge:      24 * time.Hour,
			RehydrationSweepPeriod: 10 * time.Minute,
		},
		Trigger: TriggerConfig{
			MaxInFlight:   10000,
			DefaultTTL:    30 * time.Second,
			MaxTTL:        5 * time.Minute,
			SweepInterval: 60 * time.Second,
			EMAAlpha:      0.1,
			Policy:        "round_robin",
		},
		Memory: MemoryConfig{
			GCInterval: 5 * time.Minute,
			IdleMaxAge: 30 * time.Minute,
			BackingDir: "/dev/shm/latzero",
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "text",
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "latzero",
				Addr:      "",
			},
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "latzero",
				SampleRate:  1.0,
			},
		},
		Security: SecurityConfig{Enabled: false},
		AdminRPC: AdminRPCConfig{Enabled: false, Addr: ":7421"},
		Cluster:  ClusterConfig{Enabled: false},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file, selected by
// extension (.yaml/.yml vs anything else treated as JSON), applied on top
// of DefaultConfig.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// LoadFromEnv applies LATZERO_* environment variable overrides, per
// spec.md §6 plus extended per-component overrides.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("LATZERO_HOST"); v != "" {
		cfg.Transport.Host = v
	}
	if v := os.Getenv("LATZERO_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Transport.Port = n
		}
	}
	if v := os.Getenv("LATZERO_DATA_DIR"); v != "" {
		cfg.Persistence.DataDir = v
		cfg.Persistence.BackupDir = filepath.Join(v, "backups")
	}
	if v := os.Getenv("LATZERO_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("LATZERO_ENABLE_TLS"); v != "" {
		cfg.Transport.EnableTLS = parseBool(v)
	}
	if v := os.Getenv("LATZERO_CLUSTER_MODE"); v != "" {
		cfg.Cluster.Enabled = parseBool(v)
	}

	// Extended per-component overrides, beyond the spec's minimal surface.
	if v := os.Getenv("LATZERO_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Transport.MaxConnections = n
		}
	}
	if v := os.Getenv("LATZERO_PERSISTENCE_ENGINE"); v != "" {
		cfg.Persistence.Engine = v
	}
	if v := os.Getenv("LATZERO_POSTGRES_DSN"); v != "" {
		cfg.Persistence.PostgresDSN = v
		cfg.Persistence.Engine = "postgres"
	}
	if v := os.Getenv("LATZERO_MAX_BACKUPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Persistence.MaxBackups = n
		}
	}
	if v := os.Getenv("LATZERO_BACKUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Persistence.BackupInterval = d
		}
	}
	if v := os.Getenv("LATZERO_S3_BUCKET"); v != "" {
		cfg.Persistence.S3Bucket = v
	}
	if v := os.Getenv("LATZERO_S3_PREFIX"); v != "" {
		cfg.Persistence.S3Prefix = v
	}
	if v := os.Getenv("LATZERO_REHYDRATION_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Registry.RehydrationMaxAge = d
		}
	}
	if v := os.Getenv("LATZERO_TRIGGER_MAX_IN_FLIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Trigger.MaxInFlight = n
		}
	}
	if v := os.Getenv("LATZERO_TRIGGER_DEFAULT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Trigger.DefaultTTL = d
		}
	}
	if v := os.Getenv("LATZERO_TRIGGER_POLICY"); v != "" {
		cfg.Trigger.Policy = v
	}
	if v := os.Getenv("LATZERO_MEMORY_IDLE_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Memory.IdleMaxAge = d
		}
	}
	if v := os.Getenv("LATZERO_MEMORY_BACKING_DIR"); v != "" {
		cfg.Memory.BackingDir = v
	}
	if v := os.Getenv("LATZERO_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("LATZERO_METRICS_ADDR"); v != "" {
		cfg.Observability.Metrics.Addr = v
	}
	if v := os.Getenv("LATZERO_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("LATZERO_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("LATZERO_ADMINRPC_ENABLED"); v != "" {
		cfg.AdminRPC.Enabled = parseBool(v)
	}
	if v := os.Getenv("LATZERO_ADMINRPC_ADDR"); v != "" {
		cfg.AdminRPC.Addr = v
	}
	if v := os.Getenv("LATZERO_VSOCK"); v != "" {
		cfg.Transport.UseVsock = parseBool(v)
	}
	if v := os.Getenv("LATZERO_VSOCK_CID"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Transport.VsockCID = uint32(n)
		}
	}
	if v := os.Getenv("LATZERO_VSOCK_PORT"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Transport.VsockPort = uint32(n)
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
