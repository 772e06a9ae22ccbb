package model

import "time"

// NotificationEventType enumerates NotificationLogEntry.EventType values.
type NotificationEventType string

const (
	EventAborted                 NotificationEventType = "aborted"
	EventLongRunning              NotificationEventType = "long_running"
	EventManualRecoveryRequired    NotificationEventType = "manual_recovery_required"
	EventManualRecoveryCleared     NotificationEventType = "manual_recovery_cleared"
	EventTest                     NotificationEventType = "test"
)

// NotificationStatus enumerates NotificationLogEntry.Status values.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationError   NotificationStatus = "error"
)

// NotificationContact is an address the dispatcher may alert.
type NotificationContact struct {
	ContactID    string    `json:"contact_id"`
	DisplayName  string    `json:"display_name"`
	EmailAddress string    `json:"email_address"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NotificationLogEntry is a notification attempt record. The unique
// pair (ExecutionID, EventType) enforces at-most-once delivery.
type NotificationLogEntry struct {
	LogID         string                `json:"log_id"`
	ScheduleID    string                `json:"schedule_id,omitempty"`
	ExecutionID   string                `json:"execution_id,omitempty"`
	EventType     NotificationEventType `json:"event_type"`
	Status        NotificationStatus    `json:"status"`
	Recipients    []string              `json:"recipients"`
	Subject       string                `json:"subject,omitempty"`
	Message       string                `json:"message,omitempty"`
	Attachments   []string              `json:"attachments"`
	ErrorMessage  string                `json:"error_message,omitempty"`
	TriggeredAt   time.Time             `json:"triggered_at"`
	ProcessedAt   *time.Time            `json:"processed_at,omitempty"`
	Metadata      map[string]any        `json:"metadata,omitempty"`
}

// NotificationSettings is the singleton SMTP configuration row. UseTLS
// and UseSSL are mutually exclusive at send time per spec.md §4.G step
// 4 (notify.Dispatcher clears UseTLS when both are set).
type NotificationSettings struct {
	Host                       string    `json:"host"`
	Port                       int       `json:"port"`
	Username                   string    `json:"username,omitempty"`
	Sender                     string    `json:"sender"`
	PasswordEncrypted          string    `json:"password_encrypted,omitempty"`
	UseTLS                     bool      `json:"use_tls"`
	UseSSL                     bool      `json:"use_ssl"`
	ManualRecoveryRecipients   []string  `json:"manual_recovery_recipients,omitempty"`
	UpdatedAt                 time.Time `json:"updated_at"`
	UpdatedBy                  string    `json:"updated_by,omitempty"`
}

// ManualRecoveryState is the global singleton pause flag (§3).
type ManualRecoveryState struct {
	Active         bool       `json:"active"`
	Note           string     `json:"note,omitempty"`
	ScheduleID     string     `json:"schedule_id,omitempty"`
	ExperimentName string     `json:"experiment_name,omitempty"`
	TriggeredBy    string     `json:"triggered_by,omitempty"`
	TriggeredAt    *time.Time `json:"triggered_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}
