package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Bind != "127.0.0.1" {
		t.Errorf("expected default bind 127.0.0.1, got %q", cfg.Bind)
	}
	if cfg.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.DefaultPolicyProfile != "safe" {
		t.Errorf("expected default policy profile safe, got %q", cfg.DefaultPolicyProfile)
	}
	if cfg.SnapshotLRU != defaultSnapshotLRU {
		t.Errorf("expected default snapshot LRU %d, got %d", defaultSnapshotLRU, cfg.SnapshotLRU)
	}
	if !cfg.RateLimitEnabled {
		t.Error("expected rate limiting enabled by default")
	}
	if cfg.OverridesHotReload {
		t.Error("expected overrides hot-reload disabled by default")
	}
}

func TestValidateClampsInvalidPort(t *testing.T) {
	cfg := Load()
	cfg.Port = 99999
	cfg.Validate()
	if cfg.Port != 8080 {
		t.Errorf("expected invalid port reset to 8080, got %d", cfg.Port)
	}
}

func TestValidateRejectsPathTraversal(t *testing.T) {
	cfg := Load()
	cfg.DataDir = "../../etc"
	cfg.Validate()
	if cfg.DataDir != "./data" {
		t.Errorf("expected DATA_DIR reset on path traversal, got %q", cfg.DataDir)
	}
}

func TestValidateRejectsUnknownPolicyProfile(t *testing.T) {
	cfg := Load()
	cfg.DefaultPolicyProfile = "reckless"
	cfg.Validate()
	if cfg.DefaultPolicyProfile != "safe" {
		t.Errorf("expected unknown profile reset to safe, got %q", cfg.DefaultPolicyProfile)
	}
}

func TestValidateClampsSnapshotLRU(t *testing.T) {
	cfg := Load()
	cfg.SnapshotLRU = 0
	cfg.Validate()
	if cfg.SnapshotLRU != defaultSnapshotLRU {
		t.Errorf("expected zero SNAPSHOT_LRU reset to default, got %d", cfg.SnapshotLRU)
	}

	cfg.SnapshotLRU = maxSnapshotLRU + 1000
	cfg.Validate()
	if cfg.SnapshotLRU != maxSnapshotLRU {
		t.Errorf("expected oversized SNAPSHOT_LRU capped to %d, got %d", maxSnapshotLRU, cfg.SnapshotLRU)
	}
}

func TestValidateDefaultTimeoutNeverExceedsMax(t *testing.T) {
	cfg := Load()
	cfg.MaxTimeout = 10 * time.Second
	cfg.DefaultTimeout = 60 * time.Second
	cfg.Validate()
	if cfg.DefaultTimeout != cfg.MaxTimeout {
		t.Errorf("expected DEFAULT_TIMEOUT clamped to MAX_TIMEOUT, got %v", cfg.DefaultTimeout)
	}
}

func TestValidateDisablesHotReloadWithoutPath(t *testing.T) {
	cfg := Load()
	cfg.OverridesPath = ""
	cfg.OverridesHotReload = true
	cfg.Validate()
	if cfg.OverridesHotReload {
		t.Error("expected OVERRIDES_HOT_RELOAD disabled when OVERRIDES_PATH is empty")
	}
}

func TestValidateRejectsOverridesPathTraversal(t *testing.T) {
	cfg := Load()
	cfg.OverridesPath = "../../secrets.yaml"
	cfg.Validate()
	if cfg.OverridesPath != "" {
		t.Errorf("expected OVERRIDES_PATH cleared on path traversal, got %q", cfg.OverridesPath)
	}
}

func TestGetEnvStringSlice(t *testing.T) {
	t.Setenv("TEST_CORS_ORIGINS", "https://a.example, https://b.example,,https://c.example")
	got := getEnvStringSlice("TEST_CORS_ORIGINS", nil)
	want := []string{"https://a.example", "https://b.example", "https://c.example"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestGetEnvDurationRejectsNonPositive(t *testing.T) {
	t.Setenv("TEST_DURATION", "-5s")
	got := getEnvDuration("TEST_DURATION", 30*time.Second)
	if got != 30*time.Second {
		t.Errorf("expected fallback to default on non-positive duration, got %v", got)
	}
}
