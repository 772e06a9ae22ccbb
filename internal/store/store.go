// Package store is the embedded persistence layer: schedules, job
// executions, notification contacts/log, and the global manual-recovery
// singleton, all held in a single bbolt file with optimistic
// concurrency on writes.
package store

import (
	"time"

	"github.com/MxBlackSheep/labscheduler/internal/model"
)

// ExecutionSummary is the aggregate §4.B
// get_schedule_execution_summary result.
type ExecutionSummary struct {
	Total       int
	Success     int
	Failed      int
	AvgDuration float64
	Last        *model.JobExecution
	Next        *time.Time
	SuccessRate float64
}

// NotificationLogFilter narrows GetNotificationLogs.
type NotificationLogFilter struct {
	ScheduleID  string
	ExecutionID string
	EventType   model.NotificationEventType
	Status      model.NotificationStatus
	Limit       int
}

// Store is the full persistence contract from spec.md §4.B. Every
// write to a schedule, contact or the notification settings sets
// UpdatedAt; UpdateSchedule, DeleteSchedule and UpdateContact accept an
// expectedUpdatedAt token for optimistic concurrency (zero time.Time
// skips the check).
type Store interface {
	CreateSchedule(s *model.Schedule) error
	GetSchedule(id string) (*model.Schedule, error)
	ListActiveSchedules() ([]*model.Schedule, error)
	ListAllSchedules() ([]*model.Schedule, error)
	UpdateSchedule(s *model.Schedule, expectedUpdatedAt time.Time) error
	DeleteSchedule(id string, expectedUpdatedAt time.Time) error

	MarkRecoveryRequired(id, note, actor string) (*model.Schedule, error)
	ResolveRecoveryRequired(id, note, actor string) (*model.Schedule, error)
	GetManualRecoveryState() (*model.ManualRecoveryState, error)
	SetGlobalRecovery(state *model.ManualRecoveryState) error
	ClearGlobalRecovery(resolvedBy string, now time.Time) error

	CreateJobExecution(e *model.JobExecution) error
	GetExecutionHistory(scheduleID string, limit int) ([]*model.JobExecution, error)
	GetScheduleExecutionSummary(id string) (*ExecutionSummary, error)

	CreateContact(c *model.NotificationContact) error
	GetContact(id string) (*model.NotificationContact, error)
	ListContacts() ([]*model.NotificationContact, error)
	UpdateContact(c *model.NotificationContact, expectedUpdatedAt time.Time) error
	DeleteContact(id string) error

	NotificationLogExists(executionID string, eventType model.NotificationEventType) (bool, error)
	CreateNotificationLog(e *model.NotificationLogEntry) error
	UpdateNotificationLog(e *model.NotificationLogEntry) error
	GetNotificationLogs(filter NotificationLogFilter) ([]*model.NotificationLogEntry, error)

	GetNotificationSettings() (*model.NotificationSettings, error)
	SaveNotificationSettings(s *model.NotificationSettings) error

	// InvalidateSchedule is a no-op at the store layer (§4.B:
	// "the store itself does not cache"); it exists on the interface
	// so callers that hold both a store and an engine cache can treat
	// invalidation uniformly.
	InvalidateSchedule(id string)

	AcquireLock(scheduleID, instanceID string) (bool, error)
	ReleaseLock(scheduleID, instanceID string) error
	CleanupExpiredLocks() (int, error)

	Close() error
}

// updatedAtTolerance is the optimistic-concurrency slack (§4.B) to
// absorb a timestamp's round trip through text serialization.
const updatedAtTolerance = time.Second

func withinTolerance(expected, actual time.Time) bool {
	if expected.IsZero() {
		return true
	}
	diff := actual.Sub(expected)
	if diff < 0 {
		diff = -diff
	}
	return diff <= updatedAtTolerance
}
