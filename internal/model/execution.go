package model

import "time"

// ExecutionStatus enumerates JobExecution.Status values.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusQueued    ExecutionStatus = "queued"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusMissed    ExecutionStatus = "missed"
	StatusBlocked   ExecutionStatus = "blocked"
	StatusRetrying  ExecutionStatus = "retrying"
	StatusCancelled ExecutionStatus = "cancelled"
)

// JobExecution is one attempted run of a Schedule.
type JobExecution struct {
	ExecutionID      string          `json:"execution_id"`
	ScheduleID       string          `json:"schedule_id"`
	Status           ExecutionStatus `json:"status"`
	StartTime        *time.Time      `json:"start_time,omitempty"`
	EndTime          *time.Time      `json:"end_time,omitempty"`
	DurationMinutes  *int            `json:"duration_minutes,omitempty"`
	RetryCount       int             `json:"retry_count"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	CommandExecuted  string          `json:"command_executed,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// NewJobExecution mirrors JobExecution.__post_init__: a fresh id and
// created_at when unset.
func NewJobExecution(id, scheduleID string, now time.Time) *JobExecution {
	return &JobExecution{
		ExecutionID: id,
		ScheduleID:  scheduleID,
		Status:      StatusPending,
		CreatedAt:   now,
	}
}

// ExecutionWindow is an in-memory-only projected interval used by the
// job queue's conflict detector (§4.F). Never persisted.
type ExecutionWindow struct {
	ScheduleID string
	Start      time.Time
	End        time.Time
	IsRunning  bool
}

// Overlaps reports whether the two half-open intervals [Start,End)
// intersect, mirroring job_queue.py's _check_time_conflicts.
func (w ExecutionWindow) Overlaps(start, end time.Time) bool {
	return start.Before(w.End) && end.After(w.Start)
}

// ExecutionWatch is the in-memory record the scheduler engine keeps
// for each running execution, used by the long-running watchdog and
// by per-event notification de-duplication (§4.H, §4.G).
type ExecutionWatch struct {
	ExecutionID     string
	ScheduleID      string
	ExperimentName  string
	StartedAt       time.Time
	ExpectedMinutes int
	ContactIDs      []string
	NotifiedEvents  map[string]bool
}

// MarkNotified records that event has already been dispatched for
// this watch, mirroring ExecutionWatch.mark_notified in
// original_source/scheduler_engine.py.
func (w *ExecutionWatch) MarkNotified(event string) {
	if w.NotifiedEvents == nil {
		w.NotifiedEvents = make(map[string]bool)
	}
	w.NotifiedEvents[event] = true
}

// WasNotified mirrors ExecutionWatch.was_notified.
func (w *ExecutionWatch) WasNotified(event string) bool {
	return w.NotifiedEvents[event]
}
