package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestNewReturnsIndependentInstances(t *testing.T) {
	m1 := New(testLogger())
	m2 := New(testLogger())

	m1.RecordJobScheduled()
	assert.EqualValues(t, 1, m1.JobsScheduled.Value())
	assert.EqualValues(t, 0, m2.JobsScheduled.Value())
}

func TestJobCounters(t *testing.T) {
	m := New(testLogger())

	m.RecordJobScheduled()
	m.RecordJobCompleted()
	m.RecordJobFailed()
	m.RecordJobFailed()

	assert.EqualValues(t, 1, m.JobsScheduled.Value())
	assert.EqualValues(t, 1, m.JobsCompleted.Value())
	assert.EqualValues(t, 2, m.JobsFailed.Value())
}

func TestActiveExecutionsTracksStartAndFinish(t *testing.T) {
	m := New(testLogger())

	m.RecordExecutionStarted()
	m.RecordExecutionStarted()
	assert.EqualValues(t, 2, m.ActiveExecutions.Value())

	m.RecordExecutionFinished()
	assert.EqualValues(t, 1, m.ActiveExecutions.Value())
}

func TestNotificationCounters(t *testing.T) {
	m := New(testLogger())

	m.RecordNotificationSent()
	m.RecordNotificationFailed()
	m.RecordNotificationRetried()
	m.RecordNotificationRetried()

	assert.EqualValues(t, 1, m.NotificationsSent.Value())
	assert.EqualValues(t, 1, m.NotificationsFailed.Value())
	assert.EqualValues(t, 2, m.NotificationsRetried.Value())
}

func TestRecordResponseTimeDoesNotPanic(t *testing.T) {
	m := New(testLogger())
	m.RecordResponseTime("dispatch", 50*time.Millisecond)
}

func TestRecordErrorDoesNotPanic(t *testing.T) {
	m := New(testLogger())
	m.RecordError("smtp_error")
	m.RecordError("smtp_error")
}

func TestUptimeSecondsIsNonNegative(t *testing.T) {
	m := New(testLogger())
	assert.GreaterOrEqual(t, m.UptimeSeconds(), int64(0))
}

func TestMetricsHandlerReportsCounters(t *testing.T) {
	m := New(testLogger())
	m.RecordJobScheduled()
	m.RecordJobCompleted()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	m.metricsHandler(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Body.String(), `"jobs_scheduled_total":1`)
	assert.Contains(t, rr.Body.String(), `"jobs_completed_total":1`)
}

func TestHealthHandlerReportsHealthy(t *testing.T) {
	m := New(testLogger())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	m.healthHandler(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"healthy"`)
}

func TestReadinessHandlerReportsReady(t *testing.T) {
	m := New(testLogger())

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rr := httptest.NewRecorder()
	m.readinessHandler(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"ready"`)
}
