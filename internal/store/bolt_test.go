package store_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MxBlackSheep/labscheduler/internal/model"
	"github.com/MxBlackSheep/labscheduler/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *store.BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scheduler.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testSchedule(id string) *model.Schedule {
	start := time.Now().Add(time.Hour)
	return &model.Schedule{
		ScheduleID:               id,
		ExperimentName:           "demo",
		ExperimentPath:           "C:/Experiments/demo.med",
		ScheduleType:             model.ScheduleOnce,
		StartTime:                &start,
		EstimatedDurationMinutes: 30,
		IsActive:                 true,
		RetryConfig:              model.DefaultRetryConfig(),
		Prerequisites:            []string{},
		NotificationContactIDs:   []string{},
	}
}

func TestCreateAndGetSchedule(t *testing.T) {
	s := openTestStore(t)
	sched := testSchedule("sched-1")
	require.NoError(t, s.CreateSchedule(sched))

	got, err := s.GetSchedule("sched-1")
	require.NoError(t, err)
	assert.Equal(t, "demo", got.ExperimentName)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestCreateScheduleConflict(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateSchedule(testSchedule("dup")))
	err := s.CreateSchedule(testSchedule("dup"))
	require.Error(t, err)
	assert.Equal(t, model.KindConflict, model.KindOf(err))
}

func TestGetScheduleNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetSchedule("missing")
	require.Error(t, err)
	assert.Equal(t, model.KindNotFound, model.KindOf(err))
}

func TestUpdateScheduleOptimisticConcurrency(t *testing.T) {
	s := openTestStore(t)
	sched := testSchedule("sched-2")
	require.NoError(t, s.CreateSchedule(sched))

	got, err := s.GetSchedule("sched-2")
	require.NoError(t, err)

	stale := got.UpdatedAt.Add(-time.Hour)
	got.ExperimentName = "renamed"
	err = s.UpdateSchedule(got, stale)
	require.Error(t, err)
	assert.Equal(t, model.KindConflict, model.KindOf(err))

	err = s.UpdateSchedule(got, got.UpdatedAt)
	require.NoError(t, err)

	reloaded, err := s.GetSchedule("sched-2")
	require.NoError(t, err)
	assert.Equal(t, "renamed", reloaded.ExperimentName)
}

func TestDeleteScheduleCascadesExecutions(t *testing.T) {
	s := openTestStore(t)
	sched := testSchedule("sched-3")
	require.NoError(t, s.CreateSchedule(sched))

	exec := model.NewJobExecution("exec-1", "sched-3", time.Now())
	require.NoError(t, s.CreateJobExecution(exec))

	got, _ := s.GetSchedule("sched-3")
	require.NoError(t, s.DeleteSchedule("sched-3", got.UpdatedAt))

	history, err := s.GetExecutionHistory("sched-3", 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestListActiveSchedulesOrderedByStartTime(t *testing.T) {
	s := openTestStore(t)
	later := testSchedule("later")
	earlier := testSchedule("earlier")
	earlyStart := time.Now().Add(10 * time.Minute)
	lateStart := time.Now().Add(2 * time.Hour)
	earlier.StartTime = &earlyStart
	later.StartTime = &lateStart
	require.NoError(t, s.CreateSchedule(later))
	require.NoError(t, s.CreateSchedule(earlier))

	active, err := s.ListActiveSchedules()
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "earlier", active[0].ScheduleID)
	assert.Equal(t, "later", active[1].ScheduleID)
}

func TestMarkAndResolveRecoveryRequired(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateSchedule(testSchedule("sched-4")))

	_, err := s.MarkRecoveryRequired("sched-4", "vendor stuck", "operator1")
	require.NoError(t, err)

	state, err := s.GetManualRecoveryState()
	require.NoError(t, err)
	assert.True(t, state.Active)
	assert.Equal(t, "sched-4", state.ScheduleID)

	_, err = s.ResolveRecoveryRequired("sched-4", "cleared", "operator2")
	require.NoError(t, err)

	state, err = s.GetManualRecoveryState()
	require.NoError(t, err)
	assert.False(t, state.Active)
}

func TestNotificationLogAtMostOnce(t *testing.T) {
	s := openTestStore(t)
	entry := &model.NotificationLogEntry{
		ExecutionID: "exec-9",
		EventType:   model.EventAborted,
		Status:      model.NotificationPending,
		Recipients:  []string{"a@example.com"},
	}
	require.NoError(t, s.CreateNotificationLog(entry))

	exists, err := s.NotificationLogExists("exec-9", model.EventAborted)
	require.NoError(t, err)
	assert.True(t, exists)

	err = s.CreateNotificationLog(entry)
	require.Error(t, err)
	assert.Equal(t, model.KindConflict, model.KindOf(err))
}

func TestScheduleExecutionSummary(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateSchedule(testSchedule("sched-5")))

	dur := 10
	e1 := model.NewJobExecution("e1", "sched-5", time.Now())
	e1.Status = model.StatusCompleted
	e1.DurationMinutes = &dur
	e2 := model.NewJobExecution("e2", "sched-5", time.Now().Add(time.Minute))
	e2.Status = model.StatusFailed
	require.NoError(t, s.CreateJobExecution(e1))
	require.NoError(t, s.CreateJobExecution(e2))

	summary, err := s.GetScheduleExecutionSummary("sched-5")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.Success)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 0.5, summary.SuccessRate)
}

func TestLockAcquireReleaseAndExpiry(t *testing.T) {
	s := openTestStore(t)
	ok, err := s.AcquireLock("sched-lock", "instance-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLock("sched-lock", "instance-b")
	require.NoError(t, err)
	assert.False(t, ok, "second instance should not steal an active lock")

	require.NoError(t, s.ReleaseLock("sched-lock", "instance-a"))

	ok, err = s.AcquireLock("sched-lock", "instance-b")
	require.NoError(t, err)
	assert.True(t, ok, "lock should be free after release")
}

func TestCleanupExpiredLocksRemovesNothingWhenFresh(t *testing.T) {
	s := openTestStore(t)
	_, err := s.AcquireLock("sched-fresh", "instance-a")
	require.NoError(t, err)

	cleaned, err := s.CleanupExpiredLocks()
	require.NoError(t, err)
	assert.Equal(t, 0, cleaned)
}
