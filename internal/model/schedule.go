// Package model holds the data types shared across the scheduler: the
// persisted Schedule/JobExecution/NotificationContact family, the
// in-memory ExecutionWindow/ExecutionWatch records, and the error
// taxonomy every component returns through.
package model

import "time"

// ScheduleType enumerates how a Schedule's next run time is derived.
type ScheduleType string

const (
	ScheduleOnce     ScheduleType = "once"
	ScheduleInterval ScheduleType = "interval"
	ScheduleCron     ScheduleType = "cron"
)

// BackoffStrategy enumerates RetryConfig.BackoffStrategy values.
type BackoffStrategy string

const (
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// RetryConfig controls how the executor retries a failed run and how
// many failures a Schedule tolerates before auto-deactivating.
type RetryConfig struct {
	MaxRetries        int             `json:"max_retries"`
	RetryDelayMinutes int             `json:"retry_delay_minutes"`
	BackoffStrategy   BackoffStrategy `json:"backoff_strategy"`
	AbortAfterHours   int             `json:"abort_after_hours"`
}

// DefaultRetryConfig mirrors original_source's RetryConfig dataclass
// defaults (max_retries=5, retry_delay_minutes=2, linear, 24h).
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        5,
		RetryDelayMinutes: 2,
		BackoffStrategy:   BackoffLinear,
		AbortAfterHours:   24,
	}
}

// Schedule is the durable specification of a recurring or one-shot run.
type Schedule struct {
	ScheduleID               string       `json:"schedule_id"`
	ExperimentName            string       `json:"experiment_name"`
	ExperimentPath             string       `json:"experiment_path"`
	ScheduleType               ScheduleType `json:"schedule_type"`
	CronExpr                   string       `json:"cron_expr,omitempty"`
	IntervalHours              *int         `json:"interval_hours,omitempty"`
	StartTime                  *time.Time   `json:"start_time,omitempty"`
	EstimatedDurationMinutes   int          `json:"estimated_duration_minutes"`
	CreatedBy                  string       `json:"created_by"`
	IsActive                   bool         `json:"is_active"`
	RetryConfig                RetryConfig  `json:"retry_config"`
	Prerequisites               []string     `json:"prerequisites"`
	NotificationContactIDs      []string     `json:"notification_contact_ids"`
	FailedExecutionCount        int          `json:"failed_execution_count"`
	RecoveryRequired            bool         `json:"recovery_required"`
	RecoveryNote                 *string      `json:"recovery_note,omitempty"`
	RecoveryMarkedAt             *time.Time   `json:"recovery_marked_at,omitempty"`
	RecoveryMarkedBy             *string      `json:"recovery_marked_by,omitempty"`
	RecoveryResolvedAt           *time.Time   `json:"recovery_resolved_at,omitempty"`
	RecoveryResolvedBy           *string      `json:"recovery_resolved_by,omitempty"`
	CreatedAt                   time.Time    `json:"created_at"`
	UpdatedAt                   time.Time    `json:"updated_at"`
}

// NewSchedule applies the construction defaults original_source's
// ScheduledExperiment.__post_init__ applies: non-nil slices, a
// populated RetryConfig (so MaxRetries is never ambiguous — see
// DESIGN.md open-question #2), and timestamps.
func NewSchedule(id string, now time.Time) *Schedule {
	return &Schedule{
		ScheduleID:             id,
		IsActive:               true,
		RetryConfig:            DefaultRetryConfig(),
		Prerequisites:          []string{},
		NotificationContactIDs: []string{},
		CreatedBy:              "system",
		CreatedAt:              now,
		UpdatedAt:              now,
	}
}

// MaxRetries returns RetryConfig.MaxRetries, defaulting to 3 when the
// schedule was persisted before RetryConfig existed (DESIGN.md open
// question #2, grounded on scheduler_engine.py's
// `max_failures = retry_config.max_retries if set else 3`).
func (s *Schedule) MaxRetries() int {
	if s.RetryConfig.MaxRetries > 0 {
		return s.RetryConfig.MaxRetries
	}
	return 3
}

// Validate enforces the invariants from spec.md §3 / §8 boundary
// behaviours.
func (s *Schedule) Validate() error {
	if s.ExperimentName == "" {
		return NewError(KindValidation, "experiment_name is required")
	}
	if s.ExperimentPath == "" {
		return NewError(KindValidation, "experiment_path is required")
	}
	switch s.ScheduleType {
	case ScheduleOnce, ScheduleInterval, ScheduleCron:
	default:
		return NewError(KindValidation, "schedule_type must be once, interval, or cron")
	}
	if s.ScheduleType == ScheduleInterval && (s.IntervalHours == nil || *s.IntervalHours <= 0) {
		return NewError(KindValidation, "interval_hours is required and must be positive for interval schedules")
	}
	if s.ScheduleType == ScheduleCron && s.CronExpr == "" {
		return NewError(KindValidation, "cron_expr is required for cron schedules")
	}
	if s.EstimatedDurationMinutes <= 0 {
		return NewError(KindValidation, "estimated_duration_minutes must be positive")
	}
	return nil
}
