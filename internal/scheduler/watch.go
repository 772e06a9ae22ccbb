package scheduler

import (
	"context"
	"time"

	"github.com/MxBlackSheep/labscheduler/internal/model"
)

// registerWatch adds an in-memory ExecutionWatch for execution,
// grounded on scheduler_engine.py's self._active_executions map.
func (e *Engine) registerWatch(s *model.Schedule, execution *model.JobExecution, startedAt time.Time) {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	e.watches[execution.ExecutionID] = &model.ExecutionWatch{
		ExecutionID:     execution.ExecutionID,
		ScheduleID:      s.ScheduleID,
		ExperimentName:  s.ExperimentName,
		StartedAt:       startedAt,
		ExpectedMinutes: s.EstimatedDurationMinutes,
		ContactIDs:      s.NotificationContactIDs,
	}
}

func (e *Engine) clearWatch(executionID string) {
	e.watchMu.Lock()
	delete(e.watches, executionID)
	e.watchMu.Unlock()
}

// ActiveWatches returns a snapshot of in-flight executions.
func (e *Engine) ActiveWatches() []*model.ExecutionWatch {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	out := make([]*model.ExecutionWatch, 0, len(e.watches))
	for _, w := range e.watches {
		out = append(out, w)
	}
	return out
}

// evaluateActiveExecutions mirrors the watchdog step of
// _scheduler_loop: any execution still running at 2x its expected
// duration gets a one-time long_running alert.
func (e *Engine) evaluateActiveExecutions(now time.Time) {
	const longRunningMultiplier = 2

	e.watchMu.Lock()
	due := make([]*model.ExecutionWatch, 0)
	for _, w := range e.watches {
		if w.ExpectedMinutes <= 0 || len(w.ContactIDs) == 0 {
			continue
		}
		if w.WasNotified(string(model.EventLongRunning)) {
			continue
		}
		elapsed := now.Sub(w.StartedAt).Minutes()
		if elapsed >= float64(w.ExpectedMinutes*longRunningMultiplier) {
			w.MarkNotified(string(model.EventLongRunning))
			due = append(due, w)
		}
	}
	e.watchMu.Unlock()

	if e.notifier == nil {
		return
	}

	for _, w := range due {
		schedule := e.GetSchedule(w.ScheduleID)
		if schedule == nil {
			schedule = &model.Schedule{ScheduleID: w.ScheduleID, ExperimentName: w.ExperimentName}
		}
		execution := &model.JobExecution{ExecutionID: w.ExecutionID, ScheduleID: w.ScheduleID}
		elapsedMinutes := int(now.Sub(w.StartedAt).Minutes())
		eventCtx := map[string]any{
			"elapsed_minutes":  elapsedMinutes,
			"expected_minutes": w.ExpectedMinutes,
		}
		if err := e.notifier.DispatchExecutionEvent(context.Background(), schedule, execution, model.EventLongRunning, eventCtx, w.ContactIDs); err != nil {
			e.log.Errorf("failed to dispatch long-running notification for %s: %v", w.ExecutionID, err)
		}
	}
}
