package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParse_Defaults(t *testing.T) {
	cfg, version, err := Parse(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if version {
		t.Fatal("expected version=false")
	}
	if cfg.ListenAddr != ":20000" {
		t.Fatalf("unexpected default listen addr: %s", cfg.ListenAddr)
	}
	if cfg.RateLimit != 0 {
		t.Fatalf("expected rate limiting disabled by default, got %v", cfg.RateLimit)
	}
}

func TestParse_FlagOverridesDefault(t *testing.T) {
	cfg, _, err := Parse([]string{"-listen", ":9999", "-log-level", "debug"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Fatalf("flag override not applied: %s", cfg.ListenAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("flag override not applied: %s", cfg.LogLevel)
	}
}

func TestParse_EnvOverridesDefaultButNotFlag(t *testing.T) {
	t.Setenv("SPEED_DAEMON_LISTEN", ":8888")
	t.Setenv("SPEED_DAEMON_LOG_LEVEL", "warn")

	cfg, _, err := Parse([]string{"-log-level", "error"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":8888" {
		t.Fatalf("expected env to override default, got %s", cfg.ListenAddr)
	}
	if cfg.LogLevel != "error" {
		t.Fatalf("expected flag to win over env, got %s", cfg.LogLevel)
	}
}

func TestParse_FileAppliesBelowEnvAndFlag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "listen: \":7777\"\nlog_level: debug\nrate_limit: 50\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("SPEED_DAEMON_LOG_LEVEL", "warn")

	cfg, _, err := Parse([]string{"-config", path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":7777" {
		t.Fatalf("expected file value for listen, got %s", cfg.ListenAddr)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected env to beat file for log-level, got %s", cfg.LogLevel)
	}
	if cfg.RateLimit != 50 {
		t.Fatalf("expected file value for rate-limit, got %v", cfg.RateLimit)
	}
}

func TestParse_InvalidLogFormatRejected(t *testing.T) {
	_, _, err := Parse([]string{"-log-format", "xml"})
	if err == nil {
		t.Fatal("expected validation error for invalid log-format")
	}
}

func TestParse_VersionFlag(t *testing.T) {
	_, version, err := Parse([]string{"-version"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !version {
		t.Fatal("expected version=true")
	}
}

func TestParse_DurationFlagsParsed(t *testing.T) {
	cfg, _, err := Parse([]string{"-write-timeout", "5s", "-read-idle-timeout", "10s"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.WriteTimeout != 5*time.Second {
		t.Fatalf("unexpected write timeout: %v", cfg.WriteTimeout)
	}
	if cfg.ReadIdleTimeout != 10*time.Second {
		t.Fatalf("unexpected read idle timeout: %v", cfg.ReadIdleTimeout)
	}
}
