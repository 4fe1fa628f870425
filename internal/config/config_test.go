package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	t.Parallel()
	var cfg Config
	cfg.Defaults()

	if cfg.Server.Addr != "127.0.0.1:8080" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Server.IdleTimeout != 30*time.Second {
		t.Errorf("idle timeout = %v", cfg.Server.IdleTimeout)
	}
	if cfg.Server.MaxHeaderBytes != 16<<10 {
		t.Errorf("max header bytes = %d", cfg.Server.MaxHeaderBytes)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}

	// Defaults never override explicit values.
	cfg = Config{LogLevel: "debug"}
	cfg.Server.Addr = ":9000"
	cfg.Defaults()
	if cfg.Server.Addr != ":9000" || cfg.LogLevel != "debug" {
		t.Errorf("explicit values overridden: %q %q", cfg.Server.Addr, cfg.LogLevel)
	}
}

func validConfig() Config {
	var cfg Config
	cfg.Defaults()
	return cfg
}

func TestValidate(t *testing.T) {
	t.Parallel()

	t.Run("defaults pass", func(t *testing.T) {
		t.Parallel()
		cfg := validConfig()
		if err := cfg.Validate(); err != nil {
			t.Fatalf("Validate: %v", err)
		}
	})

	t.Run("missing addr", func(t *testing.T) {
		t.Parallel()
		cfg := validConfig()
		cfg.Server.Addr = ""
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), "server.addr is required") {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("bad log level", func(t *testing.T) {
		t.Parallel()
		cfg := validConfig()
		cfg.LogLevel = "verbose"
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), "log_level") {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("negative max conns", func(t *testing.T) {
		t.Parallel()
		cfg := validConfig()
		cfg.Server.MaxConns = -1
		if err := cfg.Validate(); err == nil {
			t.Fatal("negative max_conns accepted")
		}
	})

	t.Run("tls cert without key", func(t *testing.T) {
		t.Parallel()
		cert := filepath.Join(t.TempDir(), "cert.pem")
		if err := os.WriteFile(cert, []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
		cfg := validConfig()
		cfg.Server.TLSCert = cert
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), "must be set together") {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("tls cert file must exist", func(t *testing.T) {
		t.Parallel()
		cfg := validConfig()
		cfg.Server.TLSCert = "/nonexistent/cert.pem"
		cfg.Server.TLSKey = "/nonexistent/key.pem"
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), "existing file") {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("upload dir must exist", func(t *testing.T) {
		t.Parallel()
		cfg := validConfig()
		cfg.Uploads.Dir = "/nonexistent/uploads"
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), "existing directory") {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("access rule needs expression", func(t *testing.T) {
		t.Parallel()
		cfg := validConfig()
		cfg.Access = []AccessRuleConfig{{Deny: true}}
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), "expression") {
			t.Fatalf("got %v", err)
		}
	})
}

func TestLoadFromFile(t *testing.T) {
	// Viper state is global; no t.Parallel here.
	dir := t.TempDir()
	path := filepath.Join(dir, "hearthd.yaml")
	content := `
server:
  addr: ":8443"
  max_conns: 128
  idle_timeout: 45s
sessions:
  volatile_timeout: 10m
  group_cap: 3
  secure_fallback: true
log_level: warn
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8443" || cfg.Server.MaxConns != 128 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.IdleTimeout != 45*time.Second {
		t.Errorf("idle timeout = %v", cfg.Server.IdleTimeout)
	}
	if cfg.Sessions.VolatileTimeout != 10*time.Minute {
		t.Errorf("volatile timeout = %v", cfg.Sessions.VolatileTimeout)
	}
	if cfg.Sessions.GroupCap != 3 || !cfg.Sessions.SecureFallback {
		t.Errorf("sessions = %+v", cfg.Sessions)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
	// Untouched fields still get defaults.
	if cfg.Server.MaxHeaderBytes != 16<<10 {
		t.Errorf("max header bytes = %d", cfg.Server.MaxHeaderBytes)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hearthd.yaml")
	if err := os.WriteFile(path, []byte("server:\n  addr: \":8080\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HEARTH_SERVER_ADDR", ":9999")
	t.Setenv("HEARTH_LOG_LEVEL", "error")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Errorf("addr = %q, want env override", cfg.Server.Addr)
	}
	if cfg.LogLevel != "error" {
		t.Errorf("log level = %q, want env override", cfg.LogLevel)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hearthd.yaml")
	if err := os.WriteFile(path, []byte("log_level: loud\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("invalid log level accepted")
	}
}
