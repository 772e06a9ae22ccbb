package notify

import (
	"context"
	"time"

	"github.com/MxBlackSheep/labscheduler/internal/metrics"
	"github.com/MxBlackSheep/labscheduler/internal/model"
	"github.com/MxBlackSheep/labscheduler/internal/store"
	"github.com/sirupsen/logrus"
)

// PasswordSource resolves the plaintext SMTP password from whatever
// the settings row stores (config-file secret, keyring, etc). The
// store only ever holds PasswordEncrypted; decoding it is the
// dispatcher's caller's concern, not the persistence layer's.
type PasswordSource func(settings *model.NotificationSettings) string

// Dispatcher sends event-typed, at-most-once notifications, grounded
// on scheduler_engine.py's _dispatch_execution_notification.
type Dispatcher struct {
	st         store.Store
	resilience *ResilienceManager
	password   PasswordSource
	log        *logrus.Logger
	enabled    bool
	metrics    *metrics.Metrics
}

// New builds a Dispatcher. enabled mirrors config.enable_notifications
// (spec.md §4.H step 6); when false, Dispatch is a no-op. metricsRecorder
// may be nil, in which case send outcomes simply aren't counted.
func New(st store.Store, log *logrus.Logger, enabled bool, password PasswordSource, metricsRecorder *metrics.Metrics) *Dispatcher {
	if password == nil {
		password = func(s *model.NotificationSettings) string { return "" }
	}
	return &Dispatcher{
		st:         st,
		resilience: NewResilienceManager(5, 60*time.Second, nil),
		password:   password,
		log:        log,
		enabled:    enabled,
		metrics:    metricsRecorder,
	}
}

// recoveryExecutionRef synthesizes an execution-id-shaped key for
// manual-recovery events, which have no JobExecution of their own but
// still dedupe through the same (execution_id, event_type) store key.
func recoveryExecutionRef(scheduleID string) string {
	return "schedule:" + scheduleID
}

// DispatchExecutionEvent sends an aborted/long_running alert tied to a
// specific execution. contactIDs overrides schedule's own
// NotificationContactIDs when non-empty (used by the long-running
// watchdog, which may have captured a narrower contact set on the
// ExecutionWatch).
func (d *Dispatcher) DispatchExecutionEvent(ctx context.Context, schedule *model.Schedule, execution *model.JobExecution, eventType model.NotificationEventType, context map[string]any, contactIDs []string) error {
	return d.dispatch(ctx, schedule, execution.ExecutionID, eventType, context, contactIDs, "", "")
}

// DispatchRecoveryEvent sends a manual_recovery_required/cleared alert
// for a schedule-level state transition (no JobExecution involved).
func (d *Dispatcher) DispatchRecoveryEvent(ctx context.Context, schedule *model.Schedule, eventType model.NotificationEventType, note, actor string) error {
	return d.dispatch(ctx, schedule, recoveryExecutionRef(schedule.ScheduleID), eventType, nil, nil, note, actor)
}

// DispatchTest sends a one-off test notification to verify SMTP
// settings, bypassing the at-most-once log (there is no execution or
// schedule to key dedup on).
func (d *Dispatcher) DispatchTest(ctx context.Context, recipients []string) error {
	if !d.enabled {
		return nil
	}
	settings, err := d.st.GetNotificationSettings()
	if err != nil {
		return err
	}
	r := renderEvent(model.EventTest, &model.Schedule{}, &model.JobExecution{}, nil, "", "")
	return d.send(ctx, settings, recipients, r)
}

func (d *Dispatcher) dispatch(ctx context.Context, schedule *model.Schedule, executionRef string, eventType model.NotificationEventType, eventContext map[string]any, contactIDs []string, note, actor string) error {
	if !d.enabled {
		d.log.Debugf("notifications disabled, skipping %s alert", eventType)
		return nil
	}

	ids := contactIDs
	if len(ids) == 0 {
		ids = schedule.NotificationContactIDs
	}
	if len(ids) == 0 {
		d.log.Debugf("no notification contacts for schedule %s", schedule.ScheduleID)
		return nil
	}

	exists, err := d.st.NotificationLogExists(executionRef, eventType)
	if err != nil {
		return err
	}
	if exists {
		d.log.Debugf("notification already logged for %s (%s)", executionRef, eventType)
		return nil
	}

	var contacts []*model.NotificationContact
	var missing []string
	for _, id := range ids {
		contact, err := d.st.GetContact(id)
		if err != nil || contact == nil || !contact.IsActive {
			missing = append(missing, id)
			continue
		}
		contacts = append(contacts, contact)
	}
	if len(contacts) == 0 {
		d.log.Infof("skipping notification %s for %s - no active contacts (missing=%v)", eventType, schedule.ScheduleID, missing)
		return nil
	}

	recipients := make([]string, 0, len(contacts))
	for _, c := range contacts {
		if c.EmailAddress != "" {
			recipients = append(recipients, c.EmailAddress)
		}
	}

	r := renderEvent(eventType, schedule, &model.JobExecution{ExecutionID: executionRef}, eventContext, note, actor)

	entry := &model.NotificationLogEntry{
		ScheduleID:  schedule.ScheduleID,
		ExecutionID: executionRef,
		EventType:   eventType,
		Status:      model.NotificationPending,
		Recipients:  recipients,
		Subject:     r.Subject,
		Message:     r.Body,
		TriggeredAt: time.Now().Local(),
		Metadata:    map[string]any{"context": eventContext, "missing_contacts": missing},
	}
	if err := d.st.CreateNotificationLog(entry); err != nil {
		return err
	}

	settings, err := d.st.GetNotificationSettings()
	if err != nil {
		now := time.Now().Local()
		entry.Status = model.NotificationError
		entry.ErrorMessage = err.Error()
		entry.ProcessedAt = &now
		d.st.UpdateNotificationLog(entry)
		return err
	}

	sendErr := d.send(ctx, settings, recipients, r)

	now := time.Now().Local()
	entry.ProcessedAt = &now
	if sendErr != nil {
		entry.Status = model.NotificationError
		entry.ErrorMessage = sendErr.Error()
		d.log.Errorf("failed to dispatch notification for %s (%s): %v", executionRef, eventType, sendErr)
		if d.metrics != nil {
			d.metrics.RecordNotificationFailed()
		}
	} else {
		entry.Status = model.NotificationSent
		if d.metrics != nil {
			d.metrics.RecordNotificationSent()
		}
	}
	if err := d.st.UpdateNotificationLog(entry); err != nil {
		d.log.Errorf("failed to update notification log %s: %v", entry.LogID, err)
	}
	return sendErr
}

func (d *Dispatcher) send(ctx context.Context, settings *model.NotificationSettings, recipients []string, r rendered) error {
	// use_ssl takes precedence over use_tls per spec.md §4.G step 4:
	// "if both requested, use_tls is cleared".
	effective := *settings
	if effective.UseSSL {
		effective.UseTLS = false
	}
	password := d.password(settings)
	attempt := 0
	err := d.resilience.Execute(ctx, func() error {
		if attempt > 0 && d.metrics != nil {
			d.metrics.RecordNotificationRetried()
		}
		attempt++
		return sendMessage(ctx, &effective, password, recipients, r.Subject, r.Body)
	})
	return err
}
