package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandler(t *testing.T) {
	handler := Handler()
	if handler == nil {
		t.Fatal("Handler() returned nil")
	}

	RecordAction("click", "ok", 1*time.Second)
	UpdateSessionMetrics(1)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	body := w.Body.String()

	expectedMetrics := []string{
		"agentmb_active_sessions",
		"agentmb_actions_total",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(body, metric) {
			t.Errorf("Expected metric %q not found in output", metric)
		}
	}
}

func TestSetBuildInfo(t *testing.T) {
	SetBuildInfo("1.0.0", "go1.24")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "agentmb_build_info") {
		t.Error("Expected agentmb_build_info metric")
	}
	if !strings.Contains(body, `version="1.0.0"`) {
		t.Error("Expected version label in build_info")
	}
	if !strings.Contains(body, `go_version="go1.24"`) {
		t.Error("Expected go_version label in build_info")
	}
}

func TestRecordAction(t *testing.T) {
	RecordAction("click", "ok", 1*time.Second)
	RecordAction("click", "action_failure", 500*time.Millisecond)
	RecordAction("navigate", "ok", 2*time.Second)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "agentmb_actions_total") {
		t.Error("Expected agentmb_actions_total metric")
	}
	if !strings.Contains(body, "agentmb_action_duration_seconds") {
		t.Error("Expected agentmb_action_duration_seconds metric")
	}
}

func TestRecordPolicyDenial(t *testing.T) {
	RecordPolicyDenial("safe", "rate_limited")
	RecordPolicyDenial("safe", "retry_budget_exhausted")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "agentmb_policy_denials_total") {
		t.Error("Expected agentmb_policy_denials_total metric")
	}
}

func TestRecordFallback(t *testing.T) {
	RecordFallback("click")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "agentmb_fallback_total") {
		t.Error("Expected agentmb_fallback_total metric")
	}
}

func TestUpdateSessionMetrics(t *testing.T) {
	UpdateSessionMetrics(5)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "agentmb_active_sessions 5") {
		t.Error("Expected active_sessions to be 5")
	}
}

func TestUpdateSnapshotMetrics(t *testing.T) {
	UpdateSnapshotMetrics(42)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "agentmb_snapshot_elements 42") {
		t.Error("Expected snapshot_elements to be 42")
	}
}

func TestStartMemoryCollector(t *testing.T) {
	stopCh := make(chan struct{})

	go StartMemoryCollector(50*time.Millisecond, stopCh)
	time.Sleep(150 * time.Millisecond)
	close(stopCh)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	body := w.Body.String()

	if !strings.Contains(body, "agentmb_memory_usage_bytes") {
		t.Error("Expected agentmb_memory_usage_bytes metric")
	}
	if !strings.Contains(body, "agentmb_memory_sys_bytes") {
		t.Error("Expected agentmb_memory_sys_bytes metric")
	}
	if !strings.Contains(body, "agentmb_goroutines") {
		t.Error("Expected agentmb_goroutines metric")
	}
}
