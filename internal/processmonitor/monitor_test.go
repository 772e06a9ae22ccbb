package processmonitor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsVendorRunningReflectsCheckFunc(t *testing.T) {
	m := New(time.Hour, nil)
	m.check = func() (bool, int, error) { return true, 2, nil }
	assert.True(t, m.IsVendorRunning())

	m.check = func() (bool, int, error) { return false, 0, nil }
	assert.False(t, m.IsVendorRunning())
}

func TestPollOnceUpdatesStatusAndFiresCallbackOnChange(t *testing.T) {
	m := New(time.Hour, nil)
	var calls int32
	m.AddChangeCallback(func(Status) { atomic.AddInt32(&calls, 1) })

	m.check = func() (bool, int, error) { return true, 1, nil }
	m.pollOnce()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.True(t, m.Status().IsRunning)

	// Same state again: no further callback.
	m.pollOnce()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	m.check = func() (bool, int, error) { return false, 0, nil }
	m.pollOnce()
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.False(t, m.Status().IsRunning)
}

func TestWaitForAvailableReturnsOnceNotRunning(t *testing.T) {
	m := New(time.Hour, nil)
	var flips int32
	m.check = func() (bool, int, error) {
		n := atomic.AddInt32(&flips, 1)
		return n < 2, 0, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok := m.WaitForAvailable(ctx, time.Second)
	require.False(t, ok, "first poll still running; should time out before second poll at 5s interval")
}

func TestWaitForAvailableTrueWhenAlreadyFree(t *testing.T) {
	m := New(time.Hour, nil)
	m.check = func() (bool, int, error) { return false, 0, nil }
	ctx := context.Background()
	assert.True(t, m.WaitForAvailable(ctx, time.Second))
}

func TestStartStopLoopTerminates(t *testing.T) {
	m := New(10*time.Millisecond, nil)
	m.check = func() (bool, int, error) { return false, 0, nil }
	m.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	m.Stop()
}
