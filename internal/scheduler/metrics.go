package scheduler

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cropalert/backend/internal/service"
)

const maxHistory = 20

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cropalert",
		Subsystem: "alert_runs",
		Name:      "total",
		Help:      "Alert runs by result.",
	}, []string{"result"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cropalert",
		Subsystem: "alert_runs",
		Name:      "duration_seconds",
		Help:      "Wall time of completed alert runs.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	subscriptionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cropalert",
		Subsystem: "alert_runs",
		Name:      "subscription_outcomes_total",
		Help:      "Per-subscription outcomes across alert runs.",
	}, []string{"status"})
)

// RunSummary holds metrics for a single alert run
type RunSummary struct {
	RunID         string        `json:"run_id,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   time.Time     `json:"completed_at"`
	Duration      time.Duration `json:"duration"`
	Subscriptions int           `json:"subscriptions"`
	Sent          int           `json:"sent"`
	Failed        int           `json:"failed"`
	Errors        int           `json:"errors"`
	NoData        int           `json:"no_data"`
	Success       bool          `json:"success"`
	ErrorMessage  string        `json:"error,omitempty"`
}

// MetricsCollector keeps summaries of recent alert runs
type MetricsCollector struct {
	mu                  sync.RWMutex
	history             []RunSummary
	totalRuns           int
	successfulRuns      int
	failedRuns          int
	skippedRuns         int
	consecutiveFailures int
	lastRunTime         time.Time
}

// NewMetricsCollector creates a new MetricsCollector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// RecordRun records the result of a run. Runs rejected because another
// run was in progress only count as skipped.
func (mc *MetricsCollector) RecordRun(report *service.RunReport, err error, startedAt time.Time) {
	completed := time.Now()

	if errors.Is(err, service.ErrRunInProgress) {
		mc.mu.Lock()
		mc.skippedRuns++
		mc.mu.Unlock()
		runsTotal.WithLabelValues("skipped").Inc()
		return
	}

	summary := RunSummary{
		StartedAt:   startedAt,
		CompletedAt: completed,
		Duration:    completed.Sub(startedAt),
		Success:     err == nil,
	}
	if err != nil {
		summary.ErrorMessage = err.Error()
	}
	if report != nil {
		summary.RunID = report.RunID
		summary.StartedAt = report.StartedAt
		summary.Subscriptions = report.Subscriptions
		summary.Sent = report.Count(service.OutcomeSent)
		summary.Failed = report.Count(service.OutcomeFailed)
		summary.Errors = report.Count(service.OutcomeError)
		summary.NoData = report.Count(service.OutcomeNoData)
		if !report.FinishedAt.IsZero() {
			summary.CompletedAt = report.FinishedAt
			summary.Duration = report.Duration()
		}
		for status, n := range report.Counts {
			subscriptionOutcomes.WithLabelValues(string(status)).Add(float64(n))
		}
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.totalRuns++
	if summary.Success {
		mc.successfulRuns++
		mc.consecutiveFailures = 0
		runsTotal.WithLabelValues("success").Inc()
	} else {
		mc.failedRuns++
		mc.consecutiveFailures++
		runsTotal.WithLabelValues("failure").Inc()
	}
	runDuration.Observe(summary.Duration.Seconds())

	mc.lastRunTime = summary.CompletedAt
	mc.history = append(mc.history, summary)
	if len(mc.history) > maxHistory {
		mc.history = mc.history[len(mc.history)-maxHistory:]
	}
}

// GetLastRun returns the most recent run, if any.
func (mc *MetricsCollector) GetLastRun() (RunSummary, bool) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	if len(mc.history) == 0 {
		return RunSummary{}, false
	}
	return mc.history[len(mc.history)-1], true
}

// GetHistory returns recent runs, newest first.
func (mc *MetricsCollector) GetHistory() []RunSummary {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	out := make([]RunSummary, 0, len(mc.history))
	for i := len(mc.history) - 1; i >= 0; i-- {
		out = append(out, mc.history[i])
	}
	return out
}

// MetricsSummary provides an overview of alert run performance
type MetricsSummary struct {
	TotalRuns       int       `json:"total_runs"`
	TotalSuccessful int       `json:"total_successful"`
	TotalFailed     int       `json:"total_failed"`
	TotalSkipped    int       `json:"total_skipped"`
	LastRunTime     time.Time `json:"last_run_time"`
}

// GetSummary returns aggregate counters
func (mc *MetricsCollector) GetSummary() MetricsSummary {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	return MetricsSummary{
		TotalRuns:       mc.totalRuns,
		TotalSuccessful: mc.successfulRuns,
		TotalFailed:     mc.failedRuns,
		TotalSkipped:    mc.skippedRuns,
		LastRunTime:     mc.lastRunTime,
	}
}

// HealthStatus represents the health of the alert engine
type HealthStatus struct {
	Healthy             bool           `json:"healthy"`
	LastRunTime         time.Time      `json:"last_run_time"`
	NextRunTime         time.Time      `json:"next_run_time"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	LastRun             *RunSummary    `json:"last_run,omitempty"`
	Summary             MetricsSummary `json:"summary"`
	Message             string         `json:"message,omitempty"`
}

// GetHealthStatus reports unhealthy when the last run failed to load, or
// when more than 30% of its subscriptions ended in an error.
func (mc *MetricsCollector) GetHealthStatus(nextRunTime time.Time) HealthStatus {
	summary := mc.GetSummary()
	last, ok := mc.GetLastRun()

	mc.mu.RLock()
	consecutive := mc.consecutiveFailures
	mc.mu.RUnlock()

	status := HealthStatus{
		LastRunTime:         summary.LastRunTime,
		NextRunTime:         nextRunTime,
		ConsecutiveFailures: consecutive,
		Summary:             summary,
	}

	switch {
	case !ok:
		status.Healthy = true
		status.Message = "No alert runs recorded yet"
	case !last.Success:
		status.LastRun = &last
		status.Message = "Last alert run failed: " + last.ErrorMessage
	default:
		status.LastRun = &last
		status.Healthy = last.Subscriptions == 0 ||
			float64(last.Errors)/float64(last.Subscriptions) <= 0.3
		if status.Healthy {
			status.Message = "Alert engine is operating normally"
		} else {
			status.Message = "Many subscriptions failed in the last run"
		}
	}

	return status
}
