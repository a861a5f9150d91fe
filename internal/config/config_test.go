package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DB_DSN", "file:test.db")
	t.Setenv("SUPABASE_JWT_SECRET", "jwt-secret")
	t.Setenv("PROVIDER_ENCRYPTION_KEY", strings.Repeat("k", 32))
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AppMode != ModeAll {
		t.Fatalf("expected mode %s, got %s", ModeAll, cfg.AppMode)
	}
	if cfg.Providers.Timeout != 60*time.Second {
		t.Fatalf("unexpected provider timeout %s", cfg.Providers.Timeout)
	}
	if cfg.Providers.OllamaBaseURL != "http://localhost:11434" {
		t.Fatalf("unexpected ollama default %q", cfg.Providers.OllamaBaseURL)
	}
	if len(cfg.Crypto.Secret) != 32 {
		t.Fatalf("expected 32-byte secret, got %d", len(cfg.Crypto.Secret))
	}
	if cfg.Storage.Enabled() {
		t.Fatalf("storage must be disabled without a bucket")
	}
}

func TestLoadRejectsMissingEncryptionKey(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("PROVIDER_ENCRYPTION_KEY", "")

	if _, err := Load(); !errors.Is(err, ErrMissingEncryptionKey) {
		t.Fatalf("expected ErrMissingEncryptionKey, got %v", err)
	}
}

func TestLoadRejectsShortEncryptionKey(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("PROVIDER_ENCRYPTION_KEY", strings.Repeat("k", 31))

	if _, err := Load(); !errors.Is(err, ErrShortEncryptionKey) {
		t.Fatalf("expected ErrShortEncryptionKey, got %v", err)
	}
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("APP_MODE", "webhook")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for unsupported mode")
	}
}

func TestWorkerModeDoesNotNeedJWTSecret(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("SUPABASE_JWT_SECRET", "")
	t.Setenv("APP_MODE", "worker")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AppMode != ModeWorker {
		t.Fatalf("expected worker mode, got %s", cfg.AppMode)
	}
}

func TestInvalidDurationFallsBackToDefault(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("IMAGE_TIMEOUT", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Providers.ImageTimeout != 180*time.Second {
		t.Fatalf("expected default image timeout, got %s", cfg.Providers.ImageTimeout)
	}
}
