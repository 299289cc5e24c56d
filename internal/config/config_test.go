package config

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

var testKey = base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MASTER_KEY_B64", testKey)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DB.Driver != "sqlite" || !cfg.DB.AutoMigrate {
		t.Fatalf("unexpected db config %+v", cfg.DB)
	}
	if cfg.Provider.Timeout != 30*time.Second {
		t.Fatalf("expected 30s provider timeout, got %s", cfg.Provider.Timeout)
	}
	if cfg.Provider.DefaultProvider != "ollama" || cfg.Provider.DefaultMaxTokens != 1000 || cfg.Provider.DefaultTemperature != 0.7 {
		t.Fatalf("unexpected provider defaults %+v", cfg.Provider)
	}
	if cfg.Crypto.CurrentKeyID != "default" || len(cfg.Crypto.Keys["default"]) != 32 {
		t.Fatalf("unexpected crypto config %+v", cfg.Crypto.CurrentKeyID)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MASTER_KEY_B64", testKey)
	t.Setenv("DB_DRIVER", "POSTGRES")
	t.Setenv("DB_DSN", "postgres://localhost/taskpilot")
	t.Setenv("PROVIDER_TIMEOUT", "5s")
	t.Setenv("DEFAULT_TEMPERATURE", "1.25")
	t.Setenv("RATE_LIMIT_PER_HOUR", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DB.Driver != "postgres" {
		t.Fatalf("expected postgres driver, got %q", cfg.DB.Driver)
	}
	if cfg.Provider.Timeout != 5*time.Second {
		t.Fatalf("expected 5s timeout, got %s", cfg.Provider.Timeout)
	}
	if cfg.Provider.DefaultTemperature != 1.25 {
		t.Fatalf("expected temperature 1.25, got %v", cfg.Provider.DefaultTemperature)
	}
	if cfg.Rate.PerHour != 60 {
		t.Fatalf("expected invalid rate limit to fall back to 60, got %d", cfg.Rate.PerHour)
	}
}

func TestLoadValidation(t *testing.T) {
	t.Chdir(t.TempDir())

	if _, err := Load(); !errors.Is(err, ErrMissingMasterKey) {
		t.Fatalf("expected ErrMissingMasterKey, got %v", err)
	}

	t.Setenv("MASTER_KEY_B64", testKey)
	t.Setenv("DB_DRIVER", "mysql")
	if _, err := Load(); !errors.Is(err, ErrInvalidDriver) {
		t.Fatalf("expected ErrInvalidDriver, got %v", err)
	}

	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DEFAULT_TEMPERATURE", "3")
	if _, err := Load(); !errors.Is(err, ErrInvalidDefaults) {
		t.Fatalf("expected ErrInvalidDefaults, got %v", err)
	}
}

func TestLoadRotatedKeys(t *testing.T) {
	t.Chdir(t.TempDir())
	other := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("n", 32)))
	t.Setenv("MASTER_KEYS_JSON", `{"old":"`+testKey+`"}`)
	t.Setenv("MASTER_KEY_NEW_B64", other)

	if _, err := Load(); err == nil {
		t.Fatalf("expected an error without MASTER_KEY_CURRENT_ID")
	}

	t.Setenv("MASTER_KEY_CURRENT_ID", "NEW")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Crypto.CurrentKeyID != "NEW" || len(cfg.Crypto.Keys) != 2 {
		t.Fatalf("unexpected keys: current=%q n=%d", cfg.Crypto.CurrentKeyID, len(cfg.Crypto.Keys))
	}
}
