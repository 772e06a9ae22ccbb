package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/MxBlackSheep/labscheduler/internal/jobqueue"
	"github.com/MxBlackSheep/labscheduler/internal/model"
)

// processDueJob mirrors _process_due_job: respects max_concurrent_jobs,
// creates the pending JobExecution, registers the watch, and runs the
// job on its own goroutine so the tick loop can move on to the next
// due schedule. When more than one job may run at once, the dispatch
// additionally goes through the conflict-checked priority queue
// (spec.md §4.F: "for deployments where max_concurrent_jobs > 1") so
// overlapping execution windows are caught before dispatch rather than
// left to the executor/process monitor to sort out.
func (e *Engine) processDueJob(ctx context.Context, s *model.Schedule, now time.Time) {
	e.runningMu.Lock()
	if len(e.running) >= e.cfg.MaxConcurrentJobs {
		e.runningMu.Unlock()
		return
	}
	e.running[s.ScheduleID] = true
	e.runningMu.Unlock()

	execution := model.NewJobExecution(fmt.Sprintf("exec-%s-%d", s.ScheduleID, now.UnixNano()), s.ScheduleID, now)
	start := now
	execution.StartTime = &start

	var queued *jobqueue.QueuedJob
	if e.cfg.MaxConcurrentJobs > 1 {
		conflicts, ok := e.queue.Enqueue(s, execution, jobqueue.PriorityNormal)
		for _, c := range conflicts {
			e.log.Warnf("schedule %s conflict (%s/%s): %s", s.ExperimentName, c.Type, c.Severity, c.Message)
		}
		if !ok {
			e.log.Warnf("schedule %s deferred: blocking conflict with an in-progress experiment", s.ExperimentName)
			e.clearRunning(s.ScheduleID)
			return
		}
		queued = e.queue.Next(false)
		if queued == nil {
			// capacity already reserved above via e.running, so this is
			// unexpected, but fail safe rather than dispatch untracked.
			e.clearRunning(s.ScheduleID)
			return
		}
		e.queue.StartExecution(queued)
	}

	if err := e.st.CreateJobExecution(execution); err != nil {
		e.log.Errorf("failed to create execution record for %s: %v", s.ScheduleID, err)
		if queued != nil {
			e.queue.CompleteExecution(s.ScheduleID)
		}
		e.clearRunning(s.ScheduleID)
		return
	}

	e.registerWatch(s, execution, now)
	if e.metrics != nil {
		e.metrics.RecordJobScheduled()
		e.metrics.RecordExecutionStarted()
	}

	go func() {
		defer e.clearRunning(s.ScheduleID)
		defer e.clearWatch(execution.ExecutionID)
		if queued != nil {
			defer e.queue.CompleteExecution(s.ScheduleID)
		}
		if e.metrics != nil {
			defer e.metrics.RecordExecutionFinished()
		}
		e.runJob(ctx, s, execution)
	}()
}

func (e *Engine) clearRunning(scheduleID string) {
	e.runningMu.Lock()
	delete(e.running, scheduleID)
	e.runningMu.Unlock()
}

// runJob mirrors _execute_job: transitions the execution to running,
// runs the pre-execution pipeline, invokes the executor, persists the
// outcome, and dispatches whatever follow-up the result calls for.
func (e *Engine) runJob(ctx context.Context, s *model.Schedule, execution *model.JobExecution) {
	execution.Status = model.StatusRunning
	_ = e.st.CreateJobExecution(execution)

	e.log.Infof("starting execution %s for schedule %s (%s)", execution.ExecutionID, s.ScheduleID, s.ExperimentName)

	var preResult struct {
		ok      bool
		reason  string
		cleanup func()
	}

	if e.pipeline != nil {
		result := e.pipeline.Run(s)
		preResult.ok = result.Success
		preResult.reason = result.FailureReason
		preResult.cleanup = func() { e.pipeline.Cleanup(result.Steps) }
	} else {
		preResult.ok = true
	}

	var success bool
	if !preResult.ok {
		execution.ErrorMessage = preResult.reason
		success = false
	} else {
		success = e.executor.Execute(ctx, s, execution)
		if preResult.cleanup != nil {
			preResult.cleanup()
		}
	}

	now := time.Now()
	execution.EndTime = &now
	if execution.StartTime != nil {
		minutes := int(now.Sub(*execution.StartTime).Minutes())
		execution.DurationMinutes = &minutes
	}

	if success {
		execution.Status = model.StatusCompleted
		e.handleSuccess(s, execution)
	} else {
		execution.Status = model.StatusFailed
		e.handleFailure(ctx, s, execution)
	}

	if err := e.st.CreateJobExecution(execution); err != nil {
		e.log.Errorf("failed to persist execution result for %s: %v", execution.ExecutionID, err)
	}
}

// handleSuccess mirrors the success branch of _process_due_job: reset
// the failure counter and advance/deactivate the schedule depending on
// its type.
func (e *Engine) handleSuccess(s *model.Schedule, execution *model.JobExecution) {
	s.FailedExecutionCount = 0
	s.UpdatedAt = time.Now()

	switch s.ScheduleType {
	case model.ScheduleOnce:
		s.IsActive = false
	case model.ScheduleInterval, model.ScheduleCron:
		next := e.calculateNextExecutionTime(s)
		s.StartTime = &next
	}

	e.persistSchedule(s)
	if e.metrics != nil {
		e.metrics.RecordJobCompleted()
	}
	e.log.Infof("execution %s for %s completed successfully", execution.ExecutionID, s.ExperimentName)
}

// handleFailure mirrors _handle_failed_execution: increments the
// failure counter, checks whether the vendor itself reported an abort
// (via candidate name search against the instrument DB, or a keyword
// match on the error message as a fallback), and requires manual
// recovery when either signal fires.
func (e *Engine) handleFailure(ctx context.Context, s *model.Schedule, execution *model.JobExecution) {
	s.FailedExecutionCount++
	s.UpdatedAt = time.Now()
	e.persistSchedule(s)
	if e.metrics != nil {
		e.metrics.RecordJobFailed()
	}

	e.log.Warnf("execution %s for %s failed: %s", execution.ExecutionID, s.ExperimentName, execution.ErrorMessage)

	note, abortDetected := e.detectAbort(s, execution)

	if abortDetected {
		if e.notifier != nil {
			eventCtx := map[string]any{
				"retry_count":    execution.RetryCount,
				"failed_count":   s.FailedExecutionCount,
				"abort_detected": abortDetected,
			}
			if err := e.notifier.DispatchExecutionEvent(ctx, s, execution, model.EventAborted, eventCtx, nil); err != nil {
				e.log.Errorf("failed to dispatch aborted notification for %s: %v", execution.ExecutionID, err)
			}
		}
		if err := e.RequireManualRecovery(s.ScheduleID, note, "system"); err != nil {
			e.log.Errorf("failed to mark %s for manual recovery: %v", s.ScheduleID, err)
		}
	}
}

// detectAbort mirrors should_block_due_to_abort: candidate names are
// the experiment name, then the path's basename without extension.
// When no instrument DB is wired, or it does not report an abort,
// falls back to a keyword match on the execution's own error message.
func (e *Engine) detectAbort(s *model.Schedule, execution *model.JobExecution) (note string, blocked bool) {
	if e.instrument != nil {
		candidates := abortCandidateNames(s)
		n, ok, err := e.instrument.ShouldBlockDueToAbort(candidates, e.cfg.AbortStates)
		if err == nil && ok {
			return n, true
		}
	}
	if messageIndicatesAbort(execution.ErrorMessage) {
		return execution.ErrorMessage, true
	}
	return "", false
}

func abortCandidateNames(s *model.Schedule) []string {
	candidates := []string{s.ExperimentName}
	if s.ExperimentPath != "" {
		base := filepath.Base(s.ExperimentPath)
		stem := strings.TrimSuffix(base, filepath.Ext(base))
		if stem != "" && stem != s.ExperimentName {
			candidates = append(candidates, stem)
		}
	}
	return candidates
}
