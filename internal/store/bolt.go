package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/MxBlackSheep/labscheduler/internal/model"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

const (
	bucketSchedules         = "schedules"
	bucketExecutions        = "executions"
	bucketContacts          = "contacts"
	bucketNotificationLogs  = "notification_logs"
	bucketMeta              = "meta"
	bucketLocks             = "locks"

	metaKeyRecoveryState       = "manual_recovery_state"
	metaKeyNotificationConfig = "notification_settings"

	lockExpiry = 5 * time.Minute
)

// BoltStore is the production Store, a single bbolt file holding all
// scheduler state. Grounded on database/boltdb.go's bucket-per-entity,
// JSON-marshal-per-key approach, extended from one bucket pair to the
// full entity set spec.md §4.B names.
type BoltStore struct {
	db *bbolt.DB
}

var _ Store = (*BoltStore)(nil)

// Open creates/opens the bbolt file at path and ensures every bucket
// exists.
func Open(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open bbolt store at %s", path)
	}
	buckets := []string{
		bucketSchedules, bucketExecutions, bucketContacts,
		bucketNotificationLogs, bucketMeta, bucketLocks,
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return errors.Wrapf(err, "create %s bucket", name)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initialize bbolt buckets")
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}

func putJSON(tx *bbolt.Tx, bucket, key string, v any) error {
	raw, err := migrateOnWriteSchema(v)
	if err != nil {
		return errors.Wrap(err, "marshal")
	}
	return tx.Bucket([]byte(bucket)).Put([]byte(key), raw)
}

func getJSON(tx *bbolt.Tx, bucket, key string, v any) (bool, error) {
	raw := tx.Bucket([]byte(bucket)).Get([]byte(key))
	if raw == nil {
		return false, nil
	}
	if err := unmarshalMigrated(raw, v); err != nil {
		return false, errors.Wrap(err, "unmarshal")
	}
	return true, nil
}

// --- Schedules ---

func (b *BoltStore) CreateSchedule(s *model.Schedule) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketSchedules))
		if bkt.Get([]byte(s.ScheduleID)) != nil {
			return model.NewError(model.KindConflict, "schedule already exists: "+s.ScheduleID)
		}
		now := time.Now().Local()
		s.CreatedAt = now
		s.UpdatedAt = now
		return putJSON(tx, bucketSchedules, s.ScheduleID, s)
	})
}

func (b *BoltStore) GetSchedule(id string) (*model.Schedule, error) {
	var s model.Schedule
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		found, err = getJSON(tx, bucketSchedules, id, &s)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, model.NewError(model.KindNotFound, "schedule not found: "+id)
	}
	return &s, nil
}

func (b *BoltStore) ListActiveSchedules() ([]*model.Schedule, error) {
	all, err := b.ListAllSchedules()
	if err != nil {
		return nil, err
	}
	out := make([]*model.Schedule, 0, len(all))
	for _, s := range all {
		if s.IsActive {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i].StartTime, out[j].StartTime
		if si == nil {
			return false
		}
		if sj == nil {
			return true
		}
		return si.Before(*sj)
	})
	return out, nil
}

func (b *BoltStore) ListAllSchedules() ([]*model.Schedule, error) {
	var out []*model.Schedule
	err := b.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketSchedules))
		return bkt.ForEach(func(k, v []byte) error {
			var s model.Schedule
			if err := unmarshalMigrated(v, &s); err != nil {
				return errors.Wrap(err, "unmarshal schedule "+string(k))
			}
			out = append(out, &s)
			return nil
		})
	})
	return out, err
}

func (b *BoltStore) UpdateSchedule(s *model.Schedule, expectedUpdatedAt time.Time) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketSchedules))
		raw := bkt.Get([]byte(s.ScheduleID))
		if raw == nil {
			return model.NewError(model.KindNotFound, "schedule not found: "+s.ScheduleID)
		}
		var existing model.Schedule
		if err := unmarshalMigrated(raw, &existing); err != nil {
			return errors.Wrap(err, "unmarshal existing schedule")
		}
		if !withinTolerance(expectedUpdatedAt, existing.UpdatedAt) {
			return model.NewError(model.KindConflict, "schedule was modified concurrently: "+s.ScheduleID)
		}
		s.CreatedAt = existing.CreatedAt
		s.UpdatedAt = time.Now().Local()
		return putJSON(tx, bucketSchedules, s.ScheduleID, s)
	})
}

func (b *BoltStore) DeleteSchedule(id string, expectedUpdatedAt time.Time) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketSchedules))
		raw := bkt.Get([]byte(id))
		if raw == nil {
			return model.NewError(model.KindNotFound, "schedule not found: "+id)
		}
		var existing model.Schedule
		if err := unmarshalMigrated(raw, &existing); err != nil {
			return errors.Wrap(err, "unmarshal existing schedule")
		}
		if !withinTolerance(expectedUpdatedAt, existing.UpdatedAt) {
			return model.NewError(model.KindConflict, "schedule was modified concurrently: "+id)
		}
		if err := bkt.Delete([]byte(id)); err != nil {
			return errors.Wrap(err, "delete schedule")
		}
		execBkt := tx.Bucket([]byte(bucketExecutions))
		cursor := execBkt.Cursor()
		var toDelete [][]byte
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var e model.JobExecution
			if err := unmarshalMigrated(v, &e); err == nil && e.ScheduleID == id {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := execBkt.Delete(k); err != nil {
				return errors.Wrap(err, "cascade delete execution")
			}
		}
		return nil
	})
}

// --- Manual recovery ---

func (b *BoltStore) MarkRecoveryRequired(id, note, actor string) (*model.Schedule, error) {
	var out model.Schedule
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketSchedules))
		raw := bkt.Get([]byte(id))
		if raw == nil {
			return model.NewError(model.KindNotFound, "schedule not found: "+id)
		}
		var s model.Schedule
		if err := unmarshalMigrated(raw, &s); err != nil {
			return errors.Wrap(err, "unmarshal schedule")
		}
		now := time.Now().Local()
		s.RecoveryRequired = true
		s.RecoveryNote = &note
		s.RecoveryMarkedAt = &now
		s.RecoveryMarkedBy = &actor
		s.RecoveryResolvedAt = nil
		s.RecoveryResolvedBy = nil
		s.UpdatedAt = now
		if err := putJSON(tx, bucketSchedules, id, &s); err != nil {
			return err
		}
		state := model.ManualRecoveryState{
			Active:         true,
			Note:           note,
			ScheduleID:     id,
			ExperimentName: s.ExperimentName,
			TriggeredBy:    actor,
			TriggeredAt:    &now,
		}
		if err := putJSON(tx, bucketMeta, metaKeyRecoveryState, &state); err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *BoltStore) ResolveRecoveryRequired(id, note, actor string) (*model.Schedule, error) {
	var out model.Schedule
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketSchedules))
		raw := bkt.Get([]byte(id))
		if raw == nil {
			return model.NewError(model.KindNotFound, "schedule not found: "+id)
		}
		var s model.Schedule
		if err := unmarshalMigrated(raw, &s); err != nil {
			return errors.Wrap(err, "unmarshal schedule")
		}
		now := time.Now().Local()
		s.RecoveryRequired = false
		s.RecoveryResolvedAt = &now
		s.RecoveryResolvedBy = &actor
		if note != "" {
			s.RecoveryNote = &note
		}
		s.UpdatedAt = now
		if err := putJSON(tx, bucketSchedules, id, &s); err != nil {
			return err
		}
		state := model.ManualRecoveryState{Active: false, ResolvedBy: actor, ResolvedAt: &now}
		if err := putJSON(tx, bucketMeta, metaKeyRecoveryState, &state); err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *BoltStore) GetManualRecoveryState() (*model.ManualRecoveryState, error) {
	var state model.ManualRecoveryState
	err := b.db.View(func(tx *bbolt.Tx) error {
		_, err := getJSON(tx, bucketMeta, metaKeyRecoveryState, &state)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (b *BoltStore) SetGlobalRecovery(state *model.ManualRecoveryState) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, bucketMeta, metaKeyRecoveryState, state)
	})
}

func (b *BoltStore) ClearGlobalRecovery(resolvedBy string, now time.Time) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		state := model.ManualRecoveryState{Active: false, ResolvedBy: resolvedBy, ResolvedAt: &now}
		return putJSON(tx, bucketMeta, metaKeyRecoveryState, &state)
	})
}

// --- Job executions ---

func (b *BoltStore) CreateJobExecution(e *model.JobExecution) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().Local()
		}
		return putJSON(tx, bucketExecutions, e.ExecutionID, e)
	})
}

func (b *BoltStore) GetExecutionHistory(scheduleID string, limit int) ([]*model.JobExecution, error) {
	var out []*model.JobExecution
	err := b.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketExecutions))
		return bkt.ForEach(func(k, v []byte) error {
			var e model.JobExecution
			if err := unmarshalMigrated(v, &e); err != nil {
				return errors.Wrap(err, "unmarshal execution "+string(k))
			}
			if scheduleID == "" || e.ScheduleID == scheduleID {
				out = append(out, &e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *BoltStore) GetScheduleExecutionSummary(id string) (*ExecutionSummary, error) {
	history, err := b.GetExecutionHistory(id, 0)
	if err != nil {
		return nil, err
	}
	summary := &ExecutionSummary{Total: len(history)}
	var durationSum float64
	var durationCount int
	for i, e := range history {
		switch e.Status {
		case model.StatusCompleted:
			summary.Success++
		case model.StatusFailed:
			summary.Failed++
		}
		if e.DurationMinutes != nil {
			durationSum += float64(*e.DurationMinutes)
			durationCount++
		}
		if i == 0 {
			summary.Last = e
		}
	}
	if durationCount > 0 {
		summary.AvgDuration = durationSum / float64(durationCount)
	}
	if summary.Total > 0 {
		summary.SuccessRate = float64(summary.Success) / float64(summary.Total)
	}
	sched, err := b.GetSchedule(id)
	if err == nil && sched.StartTime != nil {
		summary.Next = sched.StartTime
	}
	return summary, nil
}

// --- Contacts ---

func (b *BoltStore) CreateContact(c *model.NotificationContact) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if c.ContactID == "" {
			c.ContactID = uuid.NewString()
		}
		now := time.Now().Local()
		c.CreatedAt = now
		c.UpdatedAt = now
		return putJSON(tx, bucketContacts, c.ContactID, c)
	})
}

func (b *BoltStore) GetContact(id string) (*model.NotificationContact, error) {
	var c model.NotificationContact
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		found, err = getJSON(tx, bucketContacts, id, &c)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, model.NewError(model.KindNotFound, "contact not found: "+id)
	}
	return &c, nil
}

func (b *BoltStore) ListContacts() ([]*model.NotificationContact, error) {
	var out []*model.NotificationContact
	err := b.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketContacts))
		return bkt.ForEach(func(k, v []byte) error {
			var c model.NotificationContact
			if err := unmarshalMigrated(v, &c); err != nil {
				return errors.Wrap(err, "unmarshal contact "+string(k))
			}
			out = append(out, &c)
			return nil
		})
	})
	return out, err
}

func (b *BoltStore) UpdateContact(c *model.NotificationContact, expectedUpdatedAt time.Time) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketContacts))
		raw := bkt.Get([]byte(c.ContactID))
		if raw == nil {
			return model.NewError(model.KindNotFound, "contact not found: "+c.ContactID)
		}
		var existing model.NotificationContact
		if err := unmarshalMigrated(raw, &existing); err != nil {
			return errors.Wrap(err, "unmarshal existing contact")
		}
		if !withinTolerance(expectedUpdatedAt, existing.UpdatedAt) {
			return model.NewError(model.KindConflict, "contact was modified concurrently: "+c.ContactID)
		}
		c.CreatedAt = existing.CreatedAt
		c.UpdatedAt = time.Now().Local()
		return putJSON(tx, bucketContacts, c.ContactID, c)
	})
}

func (b *BoltStore) DeleteContact(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketContacts))
		if bkt.Get([]byte(id)) == nil {
			return model.NewError(model.KindNotFound, "contact not found: "+id)
		}
		return errors.Wrap(bkt.Delete([]byte(id)), "delete contact")
	})
}

// --- Notification log ---

func notificationLogKey(executionID string, eventType model.NotificationEventType) string {
	return executionID + "|" + string(eventType)
}

func (b *BoltStore) NotificationLogExists(executionID string, eventType model.NotificationEventType) (bool, error) {
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketNotificationLogs))
		found = bkt.Get([]byte(notificationLogKey(executionID, eventType))) != nil
		return nil
	})
	return found, err
}

func (b *BoltStore) CreateNotificationLog(e *model.NotificationLogEntry) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		key := notificationLogKey(e.ExecutionID, e.EventType)
		bkt := tx.Bucket([]byte(bucketNotificationLogs))
		if bkt.Get([]byte(key)) != nil {
			return model.NewError(model.KindConflict, fmt.Sprintf("notification already logged for %s/%s", e.ExecutionID, e.EventType))
		}
		if e.LogID == "" {
			e.LogID = uuid.NewString()
		}
		if e.TriggeredAt.IsZero() {
			e.TriggeredAt = time.Now().Local()
		}
		return putJSON(tx, bucketNotificationLogs, key, e)
	})
}

func (b *BoltStore) UpdateNotificationLog(e *model.NotificationLogEntry) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		key := notificationLogKey(e.ExecutionID, e.EventType)
		bkt := tx.Bucket([]byte(bucketNotificationLogs))
		if bkt.Get([]byte(key)) == nil {
			return model.NewError(model.KindNotFound, "notification log not found: "+key)
		}
		return putJSON(tx, bucketNotificationLogs, key, e)
	})
}

func (b *BoltStore) GetNotificationLogs(filter NotificationLogFilter) ([]*model.NotificationLogEntry, error) {
	var out []*model.NotificationLogEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketNotificationLogs))
		return bkt.ForEach(func(k, v []byte) error {
			var e model.NotificationLogEntry
			if err := unmarshalMigrated(v, &e); err != nil {
				return errors.Wrap(err, "unmarshal notification log "+string(k))
			}
			if filter.ScheduleID != "" && e.ScheduleID != filter.ScheduleID {
				return nil
			}
			if filter.ExecutionID != "" && e.ExecutionID != filter.ExecutionID {
				return nil
			}
			if filter.EventType != "" && e.EventType != filter.EventType {
				return nil
			}
			if filter.Status != "" && e.Status != filter.Status {
				return nil
			}
			out = append(out, &e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.After(out[j].TriggeredAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Notification settings ---

func (b *BoltStore) GetNotificationSettings() (*model.NotificationSettings, error) {
	var s model.NotificationSettings
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		found, err = getJSON(tx, bucketMeta, metaKeyNotificationConfig, &s)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, model.NewError(model.KindNotFound, "notification settings not configured")
	}
	return &s, nil
}

func (b *BoltStore) SaveNotificationSettings(s *model.NotificationSettings) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		s.UpdatedAt = time.Now().Local()
		return putJSON(tx, bucketMeta, metaKeyNotificationConfig, s)
	})
}

// InvalidateSchedule is intentionally a no-op: the store itself does
// not cache (§4.B). It exists so callers can invalidate through a
// single Store-shaped reference.
func (b *BoltStore) InvalidateSchedule(string) {}
