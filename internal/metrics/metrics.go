// Package metrics provides Prometheus metrics for monitoring the daemon:
// action throughput and latency, active sessions, snapshot size, policy
// denials, and coords-track fallback usage.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActionsTotal counts completed actions by verb and outcome status.
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmb_actions_total",
			Help: "Total number of actions processed by verb and status",
		},
		[]string{"action", "status"},
	)

	// ActionDuration tracks action duration by verb.
	ActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentmb_action_duration_seconds",
			Help:    "Action duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		[]string{"action"},
	)

	// ActiveSessions shows current active sessions.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentmb_active_sessions",
			Help: "Number of active browser sessions",
		},
	)

	// SnapshotElements shows the total number of elements held live across
	// every session's snapshot registry.
	SnapshotElements = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentmb_snapshot_elements",
			Help: "Total number of elements currently held in snapshot registries",
		},
	)

	// PolicyDenials counts actions rejected by the policy gate, by profile
	// and reason (sensitive, rate_cap, retry_budget).
	PolicyDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmb_policy_denials_total",
			Help: "Total actions denied by the policy gate, by profile and reason",
		},
		[]string{"profile", "reason"},
	)

	// FallbackUsed counts actions that fell back to the coords track after
	// their primary execution path failed.
	FallbackUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmb_fallback_total",
			Help: "Total actions that used auto_fallback coords execution",
		},
		[]string{"action"},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentmb_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// MemorySysBytes shows system memory obtained.
	MemorySysBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentmb_memory_sys_bytes",
			Help: "Total memory obtained from system",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentmb_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentmb_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		ActionsTotal,
		ActionDuration,
		ActiveSessions,
		SnapshotElements,
		PolicyDenials,
		FallbackUsed,
		MemoryUsageBytes,
		MemorySysBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartMemoryCollector starts a goroutine that periodically updates runtime
// memory metrics until stopCh is closed.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateMemoryMetrics()
		case <-stopCh:
			return
		}
	}
}

func updateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	MemorySysBytes.Set(float64(m.Sys))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// RecordAction records metrics for one completed action.
func RecordAction(action, status string, duration time.Duration) {
	ActionsTotal.WithLabelValues(action, status).Inc()
	ActionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordPolicyDenial records a policy gate rejection.
func RecordPolicyDenial(profile, reason string) {
	PolicyDenials.WithLabelValues(profile, reason).Inc()
}

// RecordFallback records a coords-track fallback execution.
func RecordFallback(action string) {
	FallbackUsed.WithLabelValues(action).Inc()
}

// UpdateSessionMetrics updates the active session count gauge.
func UpdateSessionMetrics(count int) {
	ActiveSessions.Set(float64(count))
}

// UpdateSnapshotMetrics updates the total snapshot-registry element count gauge.
func UpdateSnapshotMetrics(count int) {
	SnapshotElements.Set(float64(count))
}
