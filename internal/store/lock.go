package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

// parseLockInfo and formatLockInfo mirror database/boltdb.go's
// instanceID:timestamp encoding, generalized from job IDs to schedule
// IDs for §5's distributed mutual-exclusion requirement.
func parseLockInfo(lockData []byte) (instanceID string, lockedAt time.Time, err error) {
	parts := strings.SplitN(string(lockData), ":", 2)
	if len(parts) != 2 {
		return "", time.Time{}, fmt.Errorf("malformed lock info: expected instanceID:timestamp")
	}
	instanceID = parts[0]
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("invalid lock timestamp: %w", err)
	}
	return instanceID, time.Unix(0, nanos), nil
}

func formatLockInfo(instanceID string) string {
	return fmt.Sprintf("%s:%d", instanceID, time.Now().UnixNano())
}

// AcquireLock attempts to take the named schedule's run-lock for
// instanceID, succeeding immediately if unlocked, if already held by
// instanceID, or if the existing holder's lock has expired.
func (b *BoltStore) AcquireLock(scheduleID, instanceID string) (bool, error) {
	var locked bool
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketLocks))
		key := []byte(scheduleID)
		current := bkt.Get(key)
		if current == nil {
			locked = true
			return errors.Wrap(bkt.Put(key, []byte(formatLockInfo(instanceID))), "put lock")
		}
		heldBy, lockedAt, err := parseLockInfo(current)
		if err != nil {
			return errors.Wrap(err, "parse existing lock")
		}
		if heldBy == instanceID || time.Since(lockedAt) > lockExpiry {
			locked = true
			return errors.Wrap(bkt.Put(key, []byte(formatLockInfo(instanceID))), "re-acquire lock")
		}
		locked = false
		return nil
	})
	return locked, err
}

// ReleaseLock releases scheduleID's lock, but only if instanceID is
// the current holder.
func (b *BoltStore) ReleaseLock(scheduleID, instanceID string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketLocks))
		key := []byte(scheduleID)
		current := bkt.Get(key)
		if current == nil {
			return nil
		}
		heldBy, _, err := parseLockInfo(current)
		if err != nil {
			return errors.Wrap(bkt.Delete(key), "delete malformed lock")
		}
		if heldBy == instanceID {
			return errors.Wrap(bkt.Delete(key), "delete lock")
		}
		return nil
	})
}

// CleanupExpiredLocks removes every lock whose holder has exceeded
// lockExpiry, returning the count removed.
func (b *BoltStore) CleanupExpiredLocks() (int, error) {
	cleaned := 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketLocks))
		cursor := bkt.Cursor()
		var expired [][]byte
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			_, lockedAt, err := parseLockInfo(v)
			if err != nil || time.Since(lockedAt) > lockExpiry {
				expired = append(expired, append([]byte(nil), k...))
			}
		}
		for _, k := range expired {
			if err := bkt.Delete(k); err != nil {
				return err
			}
			cleaned++
		}
		return nil
	})
	return cleaned, err
}
