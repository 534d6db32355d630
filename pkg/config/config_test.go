package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
server:
  address: 127.0.0.1
  port: 9090
  engine: fasthttp
  db_path: /tmp/personadb
security:
  rate_limit:
    rps: 25.5
    burst: 50
  api_keys:
    backend: ["bk-1", "bk-2"]
    admin: ["adm-1"]
  audit_max_size: 64MB
logging:
  level: debug
lifecycle:
  edit_window: 15m
  default_max_forward_chain: 5
sweep:
  enabled: true
  cron: "*/5 * * * *"
  period: 90s
  batch_size: 250
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != "127.0.0.1" || cfg.Server.Port != 9090 {
		t.Fatalf("server: %+v", cfg.Server)
	}
	if cfg.Addr() != "127.0.0.1:9090" {
		t.Fatalf("addr: %s", cfg.Addr())
	}
	if cfg.Server.Engine != "fasthttp" {
		t.Fatalf("engine: %s", cfg.Server.Engine)
	}
	if got := cfg.Security.AuditMaxSize.Int64(); got != 64*1000*1000 {
		t.Fatalf("audit_max_size: %d", got)
	}
	if cfg.Security.RateLimit.RPS != 25.5 || cfg.Security.RateLimit.Burst != 50 {
		t.Fatalf("rate limit: %+v", cfg.Security.RateLimit)
	}
	if cfg.EditWindow() != 15*time.Minute {
		t.Fatalf("edit window: %v", cfg.EditWindow())
	}
	if cfg.Sweep.Period.Duration() != 90*time.Second {
		t.Fatalf("sweep period: %v", cfg.Sweep.Period.Duration())
	}
	if !cfg.Sweep.Enabled || cfg.Sweep.BatchSize != 250 {
		t.Fatalf("sweep: %+v", cfg.Sweep)
	}
}

func TestDurationNumericSeconds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("sweep:\n  period: 30\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sweep.Period.Duration() != 30*time.Second {
		t.Fatalf("numeric seconds: %v", cfg.Sweep.Period.Duration())
	}
}

func TestDefaults(t *testing.T) {
	cfg := &Config{}
	if cfg.Addr() != "0.0.0.0:8080" {
		t.Fatalf("default addr: %s", cfg.Addr())
	}
	if cfg.EditWindow() != 30*time.Minute {
		t.Fatalf("default edit window: %v", cfg.EditWindow())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PERSONADB_ADDR", "10.0.0.5:7070")
	t.Setenv("PERSONADB_DB_PATH", "/data/db")
	t.Setenv("PERSONADB_ENGINE", "FastHTTP")
	t.Setenv("PERSONADB_API_BACKEND_KEYS", "bk-a, bk-b")
	t.Setenv("PERSONADB_RATE_RPS", "12")
	t.Setenv("PERSONADB_USE_ENCRYPTION", "true")

	cfg := &Config{}
	backend, signing, envUsed := LoadEnvOverrides(cfg)
	if !envUsed {
		t.Fatal("expected envUsed")
	}
	if cfg.Server.Address != "10.0.0.5" || cfg.Server.Port != 7070 {
		t.Fatalf("addr override: %+v", cfg.Server)
	}
	if cfg.Server.DBPath != "/data/db" {
		t.Fatalf("db path: %s", cfg.Server.DBPath)
	}
	if cfg.Server.Engine != "fasthttp" {
		t.Fatalf("engine normalization: %s", cfg.Server.Engine)
	}
	if cfg.Security.RateLimit.RPS != 12 {
		t.Fatalf("rps: %v", cfg.Security.RateLimit.RPS)
	}
	if !cfg.Security.Encryption.Use {
		t.Fatal("encryption should be enabled")
	}
	if _, ok := backend["bk-a"]; !ok {
		t.Fatalf("backend keys: %v", backend)
	}
	if _, ok := backend["bk-b"]; !ok {
		t.Fatalf("backend keys: %v", backend)
	}
	// signing keys mirror backend keys
	if len(signing) != len(backend) {
		t.Fatalf("signing keys: %v", signing)
	}
}

func TestResolveConfigPath(t *testing.T) {
	if got := ResolveConfigPath("/explicit.yaml", true); got != "/explicit.yaml" {
		t.Fatalf("flag set: %s", got)
	}
	t.Setenv("PERSONADB_CONFIG", "/from-env.yaml")
	if got := ResolveConfigPath("./config.yaml", false); got != "/from-env.yaml" {
		t.Fatalf("env fallback: %s", got)
	}
	os.Unsetenv("PERSONADB_CONFIG")
	if got := ResolveConfigPath("./config.yaml", false); got != "./config.yaml" {
		t.Fatalf("default: %s", got)
	}
}

func TestLoadEffectiveMissingFile(t *testing.T) {
	cfg, _, _, _, err := LoadEffective(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should not be fatal: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected empty config")
	}
}
