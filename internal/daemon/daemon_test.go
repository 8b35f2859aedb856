package daemon

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/agentmb/agentmb-daemon/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Load()
	cfg.DataDir = t.TempDir()
	cfg.Bind = "127.0.0.1"
	cfg.Port = 0 // let the OS pick a free port
	cfg.RateLimitEnabled = false
	cfg.Validate()
	return cfg
}

func TestNewBuildsSupervisor(t *testing.T) {
	cfg := testConfig(t)

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.server == nil {
		t.Fatal("expected server to be built")
	}
	if s.httpServer == nil {
		t.Fatal("expected http.Server to be built")
	}
	if err := s.shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestNewWithRateLimitEnabledWiresLimiter(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimitEnabled = true
	cfg.RateLimitRPM = 60

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.rateLimiter == nil {
		t.Fatal("expected rate limiter to be wired when RateLimitEnabled is true")
	}
	if err := s.shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.ShutdownGraceTimeout = 2 * time.Second

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// give the listener a moment to come up before tearing it down
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRunServesHealthEndpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.Port = 18765
	cfg.ShutdownGraceTimeout = 2 * time.Second

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	time.Sleep(150 * time.Millisecond)

	resp, err := http.Get("http://" + s.httpServer.Addr + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 from /health, got %d", resp.StatusCode)
	}
}

func TestSetupLoggingAcceptsAllLevels(t *testing.T) {
	for _, level := range []string{"trace", "debug", "info", "warn", "error", "unknown"} {
		SetupLogging(level)
	}
}
