// Package processmonitor answers "is the vendor instrument software
// busy right now" cheaply, by polling the OS process table on a
// background interval and caching the answer (§4.C).
package processmonitor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Status is a snapshot of the polled state.
type Status struct {
	IsRunning    bool
	ProcessCount int
	LastCheck    time.Time
}

// ChangeCallback is invoked whenever the running/not-running answer
// flips.
type ChangeCallback func(Status)

// checkFunc performs one OS-level query for the vendor process;
// swapped out per build target (monitor_windows.go / monitor_other.go).
type checkFunc func() (running bool, count int, err error)

// Monitor polls checkInterval for the vendor binary's running state,
// grounded on process_monitor.py's HamiltonProcessMonitor: a background
// loop, a lock-guarded last-known status, and change callbacks. Unlike
// the Python original, Monitor is never a package singleton — callers
// construct and own one explicitly (§9 anti-pattern note).
type Monitor struct {
	checkInterval time.Duration
	check         checkFunc
	log           *logrus.Logger

	mu        sync.RWMutex
	last      Status
	callbacks []ChangeCallback

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Monitor. checkInterval defaults to 5 seconds when <= 0.
func New(checkInterval time.Duration, log *logrus.Logger) *Monitor {
	if checkInterval <= 0 {
		checkInterval = 5 * time.Second
	}
	return &Monitor{
		checkInterval: checkInterval,
		check:         platformCheck,
		log:           log,
		last:          Status{LastCheck: time.Now()},
	}
}

// AddChangeCallback registers a callback fired on every running/count
// transition.
func (m *Monitor) AddChangeCallback(cb ChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// IsVendorRunning answers synchronously without waiting for the next
// poll tick, by issuing one fresh check. Use Status() for the cached,
// zero-cost answer.
func (m *Monitor) IsVendorRunning() bool {
	running, _, err := m.check()
	if err != nil {
		if m.log != nil {
			m.log.WithError(err).Debug("vendor process check failed")
		}
		return false
	}
	return running
}

// Status returns the last polled snapshot.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Start begins the background polling loop. Call Stop to end it.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx)
}

// Stop ends the background polling loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollOnce()
		}
	}
}

func (m *Monitor) pollOnce() {
	running, count, err := m.check()
	if err != nil {
		if m.log != nil {
			m.log.WithError(err).Warn("process monitor check failed")
		}
		running, count = false, 0
	}
	next := Status{IsRunning: running, ProcessCount: count, LastCheck: time.Now()}

	m.mu.Lock()
	changed := m.last.IsRunning != next.IsRunning || m.last.ProcessCount != next.ProcessCount
	m.last = next
	callbacks := append([]ChangeCallback(nil), m.callbacks...)
	m.mu.Unlock()

	if changed {
		for _, cb := range callbacks {
			cb(next)
		}
	}
}

// WaitForAvailable polls (ignoring the cached Status, issuing a fresh
// check each attempt) until the vendor is no longer running or timeout
// elapses, mirroring wait_for_hamilton_available.
func (m *Monitor) WaitForAvailable(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	pollInterval := 5 * time.Second
	for {
		if !m.IsVendorRunning() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(pollInterval):
		}
	}
}
