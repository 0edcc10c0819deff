package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigHasSaneDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Transport.Port == 0 {
		t.Fatal("expected nonzero default port")
	}
	if cfg.Persistence.DataDir == "" {
		t.Fatal("expected nonempty data dir")
	}
	if cfg.Trigger.Policy != "round_robin" {
		t.Fatalf("expected default trigger policy round_robin, got %s", cfg.Trigger.Policy)
	}
	if cfg.Trigger.RouterConfig().MaxInFlight != cfg.Trigger.MaxInFlight {
		t.Fatal("RouterConfig should carry MaxInFlight through")
	}
}

func TestLoadFromFileJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"transport":{"port":9000,"host":"0.0.0.0"}}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Transport.Port != 9000 {
		t.Fatalf("expected port 9000, got %d", cfg.Transport.Port)
	}
	if cfg.Transport.Host != "0.0.0.0" {
		t.Fatalf("expected host 0.0.0.0, got %s", cfg.Transport.Host)
	}
	// Fields not present in the file retain the DefaultConfig value.
	if cfg.Trigger.Policy != "round_robin" {
		t.Fatalf("expected unset field to retain default, got %s", cfg.Trigger.Policy)
	}
}

func TestLoadFromFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "transport:\n  port: 9100\n  host: 10.0.0.1\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Transport.Port != 9100 {
		t.Fatalf("expected port 9100, got %d", cfg.Transport.Port)
	}
	if cfg.Transport.Host != "10.0.0.1" {
		t.Fatalf("expected host 10.0.0.1, got %s", cfg.Transport.Host)
	}
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	cfg := DefaultConfig()

	t.Setenv("LATZERO_PORT", "8888")
	t.Setenv("LATZERO_HOST", "192.168.1.1")
	t.Setenv("LATZERO_DATA_DIR", "/tmp/latzero-test")
	t.Setenv("LATZERO_LOG_LEVEL", "debug")
	t.Setenv("LATZERO_ENABLE_TLS", "true")
	t.Setenv("LATZERO_CLUSTER_MODE", "1")
	t.Setenv("LATZERO_TRIGGER_DEFAULT_TTL", "45s")

	LoadFromEnv(cfg)

	if cfg.Transport.Port != 8888 {
		t.Fatalf("expected port 8888, got %d", cfg.Transport.Port)
	}
	if cfg.Transport.Host != "192.168.1.1" {
		t.Fatalf("expected host override, got %s", cfg.Transport.Host)
	}
	if cfg.Persistence.DataDir != "/tmp/latzero-test" {
		t.Fatalf("expected data dir override, got %s", cfg.Persistence.DataDir)
	}
	if cfg.Persistence.BackupDir != filepath.Join("/tmp/latzero-test", "backups") {
		t.Fatalf("expected backup dir to move with data dir, got %s", cfg.Persistence.BackupDir)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Fatalf("expected log level override, got %s", cfg.Observability.LogLevel)
	}
	if !cfg.Transport.EnableTLS {
		t.Fatal("expected TLS enabled")
	}
	if !cfg.Cluster.Enabled {
		t.Fatal("expected cluster mode enabled")
	}
	if cfg.Trigger.DefaultTTL != 45*time.Second {
		t.Fatalf("expected default ttl override, got %s", cfg.Trigger.DefaultTTL)
	}
}

func TestParseBool(t *testing.T) {
	cases := map[string]bool{
		"true": true, "TRUE": true, "1": true, "yes": true,
		"false": false, "0": false, "no": false, "": false,
	}
	for in, want := range cases {
		if got := parseBool(in); got != want {
			t.Errorf("parseBool(%q) = %v, want %v", in, got, want)
		}
	}
}
