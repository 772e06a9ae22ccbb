// Package metrics exposes the scheduler's operational counters
// (schedules dispatched, executions completed/failed, notifications
// sent, uptime) over a small HTTP surface, grounded on
// internal/metrics/metrics.go's expvar-based counters and health/ready
// handlers.
package metrics

import (
	"context"
	"encoding/json"
	"expvar"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Metrics holds one process's scheduler counters. Constructed
// explicitly via New — never a package-level singleton (§9), which is
// why the underlying expvar vars are built with `new` rather than
// `expvar.NewInt`/`expvar.NewMap`: those publish into the global
// expvar registry by name and would panic on a second construction
// (e.g. in tests).
type Metrics struct {
	JobsScheduled        *expvar.Int
	JobsCompleted        *expvar.Int
	JobsFailed           *expvar.Int
	ActiveExecutions     *expvar.Int
	NotificationsSent    *expvar.Int
	NotificationsFailed  *expvar.Int
	NotificationsRetried *expvar.Int
	ResponseTimes        *expvar.Map
	ErrorCounts          *expvar.Map

	startTime time.Time
	log       *logrus.Logger
}

// New builds a Metrics instance with its own unregistered expvar
// variables.
func New(log *logrus.Logger) *Metrics {
	responseTimes := new(expvar.Map)
	responseTimes.Init()
	errorCounts := new(expvar.Map)
	errorCounts.Init()

	return &Metrics{
		JobsScheduled:        new(expvar.Int),
		JobsCompleted:        new(expvar.Int),
		JobsFailed:           new(expvar.Int),
		ActiveExecutions:     new(expvar.Int),
		NotificationsSent:    new(expvar.Int),
		NotificationsFailed:  new(expvar.Int),
		NotificationsRetried: new(expvar.Int),
		ResponseTimes:        responseTimes,
		ErrorCounts:          errorCounts,
		startTime:            time.Now(),
		log:                  log,
	}
}

// RecordJobScheduled increments the scheduled-executions counter.
func (m *Metrics) RecordJobScheduled() { m.JobsScheduled.Add(1) }

// RecordJobCompleted increments the completed-executions counter.
func (m *Metrics) RecordJobCompleted() { m.JobsCompleted.Add(1) }

// RecordJobFailed increments the failed-executions counter.
func (m *Metrics) RecordJobFailed() { m.JobsFailed.Add(1) }

// RecordExecutionStarted marks one more execution as in flight.
func (m *Metrics) RecordExecutionStarted() { m.ActiveExecutions.Add(1) }

// RecordExecutionFinished marks an in-flight execution as done.
func (m *Metrics) RecordExecutionFinished() { m.ActiveExecutions.Add(-1) }

// RecordNotificationSent increments the notifications-sent counter.
func (m *Metrics) RecordNotificationSent() { m.NotificationsSent.Add(1) }

// RecordNotificationFailed increments the notifications-failed counter.
func (m *Metrics) RecordNotificationFailed() { m.NotificationsFailed.Add(1) }

// RecordNotificationRetried increments the notifications-retried counter.
func (m *Metrics) RecordNotificationRetried() { m.NotificationsRetried.Add(1) }

// RecordResponseTime records an operation's duration in milliseconds.
func (m *Metrics) RecordResponseTime(operation string, duration time.Duration) {
	m.ResponseTimes.Add(operation, int64(duration.Milliseconds()))
}

// RecordError tallies an error by type.
func (m *Metrics) RecordError(errorType string) {
	m.ErrorCounts.Add(errorType, 1)
}

// UptimeSeconds reports how long this Metrics instance has existed.
func (m *Metrics) UptimeSeconds() int64 {
	return int64(time.Since(m.startTime).Seconds())
}

// StartServer starts the metrics/health/readiness HTTP server and
// blocks until ctx is cancelled or the listener fails.
func (m *Metrics) StartServer(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", m.metricsHandler)
	mux.HandleFunc("/health", m.healthHandler)
	mux.HandleFunc("/ready", m.readinessHandler)

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			m.log.Errorf("metrics server shutdown error: %v", err)
		}
	}()

	m.log.Infof("metrics server starting on port %d", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (m *Metrics) metricsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	snapshot := map[string]any{
		"jobs_scheduled_total":        m.JobsScheduled.Value(),
		"jobs_completed_total":        m.JobsCompleted.Value(),
		"jobs_failed_total":           m.JobsFailed.Value(),
		"active_executions":           m.ActiveExecutions.Value(),
		"notifications_sent_total":    m.NotificationsSent.Value(),
		"notifications_failed_total":  m.NotificationsFailed.Value(),
		"notifications_retried_total": m.NotificationsRetried.Value(),
		"uptime_seconds":              m.UptimeSeconds(),
	}
	_ = json.NewEncoder(w).Encode(snapshot)
}

func (m *Metrics) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","timestamp":"` + time.Now().Format(time.RFC3339) + `"}`))
}

func (m *Metrics) readinessHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}
