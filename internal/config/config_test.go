package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPPort != "8080" {
		t.Fatalf("HTTPPort = %q", cfg.HTTPPort)
	}
	if cfg.FlushInterval != 2*time.Second {
		t.Fatalf("FlushInterval = %s", cfg.FlushInterval)
	}
	if cfg.MaxFlushAttempts != 5 {
		t.Fatalf("MaxFlushAttempts = %d", cfg.MaxFlushAttempts)
	}
	if cfg.DeadLetterKey != "pending:dead" {
		t.Fatalf("DeadLetterKey = %q", cfg.DeadLetterKey)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9999")
	t.Setenv("FLUSH_INTERVAL", "250ms")
	t.Setenv("EVIDENCE_S3_PATH_STYLE", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPPort != "9999" {
		t.Fatalf("HTTPPort = %q", cfg.HTTPPort)
	}
	if cfg.FlushInterval != 250*time.Millisecond {
		t.Fatalf("FlushInterval = %s", cfg.FlushInterval)
	}
	if !cfg.EvidencePathStyle {
		t.Fatal("EvidencePathStyle not set")
	}
}

func TestLoadFileOverridesEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "riskmate.toml")
	body := `
http_port = "7070"
upstream_base_url = "https://api.riskmate.example"
flush_interval = "10s"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("HTTP_PORT", "9999")
	t.Setenv("RISKMATE_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPPort != "7070" {
		t.Fatalf("file override lost: HTTPPort = %q", cfg.HTTPPort)
	}
	if cfg.UpstreamBaseURL != "https://api.riskmate.example" {
		t.Fatalf("UpstreamBaseURL = %q", cfg.UpstreamBaseURL)
	}
	if cfg.FlushInterval != 10*time.Second {
		t.Fatalf("FlushInterval = %s", cfg.FlushInterval)
	}
	// Fields absent from the file keep their env/default values.
	if cfg.MetricsAddr != ":9090" {
		t.Fatalf("MetricsAddr = %q", cfg.MetricsAddr)
	}
}

func TestLoadBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "riskmate.toml")
	if err := os.WriteFile(path, []byte(`flush_interval = "not a duration"`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("RISKMATE_CONFIG", path)

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unparseable flush_interval")
	}
}
