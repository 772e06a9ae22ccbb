package notify

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/MxBlackSheep/labscheduler/internal/model"
	"github.com/MxBlackSheep/labscheduler/internal/store"
	"github.com/mocktools/go-smtp-mock/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is a minimal in-memory store.Store used to unit-test the
// dispatcher without pulling in bbolt.
type fakeStore struct {
	contacts  map[string]*model.NotificationContact
	settings  *model.NotificationSettings
	logs      map[string]*model.NotificationLogEntry
	createErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		contacts: make(map[string]*model.NotificationContact),
		logs:     make(map[string]*model.NotificationLogEntry),
	}
}

func logKey(executionID string, eventType model.NotificationEventType) string {
	return executionID + "|" + string(eventType)
}

func (f *fakeStore) CreateSchedule(s *model.Schedule) error                               { return nil }
func (f *fakeStore) GetSchedule(id string) (*model.Schedule, error)                        { return nil, nil }
func (f *fakeStore) ListActiveSchedules() ([]*model.Schedule, error)                       { return nil, nil }
func (f *fakeStore) ListAllSchedules() ([]*model.Schedule, error)                          { return nil, nil }
func (f *fakeStore) UpdateSchedule(s *model.Schedule, expected time.Time) error            { return nil }
func (f *fakeStore) DeleteSchedule(id string, expected time.Time) error                    { return nil }
func (f *fakeStore) MarkRecoveryRequired(id, note, actor string) (*model.Schedule, error)  { return nil, nil }
func (f *fakeStore) ResolveRecoveryRequired(id, note, actor string) (*model.Schedule, error) {
	return nil, nil
}
func (f *fakeStore) GetManualRecoveryState() (*model.ManualRecoveryState, error) { return nil, nil }
func (f *fakeStore) SetGlobalRecovery(state *model.ManualRecoveryState) error    { return nil }
func (f *fakeStore) ClearGlobalRecovery(resolvedBy string, now time.Time) error  { return nil }
func (f *fakeStore) CreateJobExecution(e *model.JobExecution) error              { return nil }
func (f *fakeStore) GetExecutionHistory(scheduleID string, limit int) ([]*model.JobExecution, error) {
	return nil, nil
}
func (f *fakeStore) GetScheduleExecutionSummary(id string) (*store.ExecutionSummary, error) {
	return nil, nil
}
func (f *fakeStore) CreateContact(c *model.NotificationContact) error { return nil }
func (f *fakeStore) GetContact(id string) (*model.NotificationContact, error) {
	c, ok := f.contacts[id]
	if !ok {
		return nil, nil
	}
	return c, nil
}
func (f *fakeStore) ListContacts() ([]*model.NotificationContact, error) { return nil, nil }
func (f *fakeStore) UpdateContact(c *model.NotificationContact, expected time.Time) error {
	return nil
}
func (f *fakeStore) DeleteContact(id string) error { return nil }

func (f *fakeStore) NotificationLogExists(executionID string, eventType model.NotificationEventType) (bool, error) {
	_, ok := f.logs[logKey(executionID, eventType)]
	return ok, nil
}
func (f *fakeStore) CreateNotificationLog(e *model.NotificationLogEntry) error {
	if f.createErr != nil {
		return f.createErr
	}
	if e.LogID == "" {
		e.LogID = fmt.Sprintf("log-%d", len(f.logs)+1)
	}
	f.logs[logKey(e.ExecutionID, e.EventType)] = e
	return nil
}
func (f *fakeStore) UpdateNotificationLog(e *model.NotificationLogEntry) error {
	f.logs[logKey(e.ExecutionID, e.EventType)] = e
	return nil
}
func (f *fakeStore) GetNotificationLogs(filter store.NotificationLogFilter) ([]*model.NotificationLogEntry, error) {
	return nil, nil
}
func (f *fakeStore) GetNotificationSettings() (*model.NotificationSettings, error) {
	return f.settings, nil
}
func (f *fakeStore) SaveNotificationSettings(s *model.NotificationSettings) error {
	f.settings = s
	return nil
}
func (f *fakeStore) InvalidateSchedule(id string)                                    {}
func (f *fakeStore) AcquireLock(scheduleID, instanceID string) (bool, error)          { return true, nil }
func (f *fakeStore) ReleaseLock(scheduleID, instanceID string) error                  { return nil }
func (f *fakeStore) CleanupExpiredLocks() (int, error)                               { return 0, nil }
func (f *fakeStore) Close() error                                                     { return nil }

var _ store.Store = (*fakeStore)(nil)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newMockServer(t *testing.T) *smtpmock.Server {
	t.Helper()
	server := smtpmock.New(smtpmock.ConfigurationAttr{})
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func baseSchedule() *model.Schedule {
	return &model.Schedule{
		ScheduleID:             "sched-1",
		ExperimentName:         "demo",
		NotificationContactIDs: []string{"c1"},
	}
}

func TestDispatchExecutionEventSendsAndMarksSent(t *testing.T) {
	server := newMockServer(t)
	fs := newFakeStore()
	fs.contacts["c1"] = &model.NotificationContact{ContactID: "c1", EmailAddress: "a@example.com", IsActive: true}
	fs.settings = &model.NotificationSettings{Host: server.HostAddress, Port: server.Port, Sender: "scheduler@example.com"}

	d := New(fs, testLogger(), true, nil, nil)
	execution := model.NewJobExecution("exec-1", "sched-1", time.Now())

	err := d.DispatchExecutionEvent(context.Background(), baseSchedule(), execution, model.EventAborted, map[string]any{"reason": "boom"}, nil)
	require.NoError(t, err)

	entry := fs.logs[logKey("exec-1", model.EventAborted)]
	require.NotNil(t, entry)
	assert.Equal(t, model.NotificationSent, entry.Status)
	assert.Contains(t, entry.Recipients, "a@example.com")
}

func TestDispatchExecutionEventSkipsWhenAlreadyLogged(t *testing.T) {
	fs := newFakeStore()
	fs.contacts["c1"] = &model.NotificationContact{ContactID: "c1", EmailAddress: "a@example.com", IsActive: true}
	fs.logs[logKey("exec-1", model.EventAborted)] = &model.NotificationLogEntry{ExecutionID: "exec-1", EventType: model.EventAborted}

	d := New(fs, testLogger(), true, nil, nil)
	execution := model.NewJobExecution("exec-1", "sched-1", time.Now())

	err := d.DispatchExecutionEvent(context.Background(), baseSchedule(), execution, model.EventAborted, nil, nil)
	require.NoError(t, err)
	assert.Len(t, fs.logs, 1)
}

func TestDispatchSkipsWhenNoActiveContacts(t *testing.T) {
	fs := newFakeStore()
	fs.contacts["c1"] = &model.NotificationContact{ContactID: "c1", EmailAddress: "a@example.com", IsActive: false}

	d := New(fs, testLogger(), true, nil, nil)
	execution := model.NewJobExecution("exec-1", "sched-1", time.Now())

	err := d.DispatchExecutionEvent(context.Background(), baseSchedule(), execution, model.EventAborted, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, fs.logs)
}

func TestDispatchDisabledIsNoop(t *testing.T) {
	fs := newFakeStore()
	d := New(fs, testLogger(), false, nil, nil)
	execution := model.NewJobExecution("exec-1", "sched-1", time.Now())

	err := d.DispatchExecutionEvent(context.Background(), baseSchedule(), execution, model.EventAborted, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, fs.logs)
}

func TestDispatchRecoveryEventUsesSyntheticExecutionRef(t *testing.T) {
	server := newMockServer(t)
	fs := newFakeStore()
	fs.contacts["c1"] = &model.NotificationContact{ContactID: "c1", EmailAddress: "a@example.com", IsActive: true}
	fs.settings = &model.NotificationSettings{Host: server.HostAddress, Port: server.Port, Sender: "scheduler@example.com"}

	d := New(fs, testLogger(), true, nil, nil)
	err := d.DispatchRecoveryEvent(context.Background(), baseSchedule(), model.EventManualRecoveryRequired, "jammed", "operator")
	require.NoError(t, err)

	entry := fs.logs[logKey(recoveryExecutionRef("sched-1"), model.EventManualRecoveryRequired)]
	require.NotNil(t, entry)
	assert.Equal(t, model.NotificationSent, entry.Status)
	assert.Contains(t, entry.Message, "jammed")
}

func TestDispatchMarksErrorWhenSendFails(t *testing.T) {
	fs := newFakeStore()
	fs.contacts["c1"] = &model.NotificationContact{ContactID: "c1", EmailAddress: "a@example.com", IsActive: true}
	// No listener on this port: connection should fail immediately.
	fs.settings = &model.NotificationSettings{Host: "127.0.0.1", Port: 1, Sender: "scheduler@example.com"}

	d := New(fs, testLogger(), true, nil, nil)
	execution := model.NewJobExecution("exec-1", "sched-1", time.Now())

	err := d.DispatchExecutionEvent(context.Background(), baseSchedule(), execution, model.EventAborted, nil, nil)
	require.Error(t, err)

	entry := fs.logs[logKey("exec-1", model.EventAborted)]
	require.NotNil(t, entry)
	assert.Equal(t, model.NotificationError, entry.Status)
	assert.NotEmpty(t, entry.ErrorMessage)
}
