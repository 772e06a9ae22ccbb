// Package scheduler is the main engine: a single background loop that
// dispatches due schedules to the executor, gated by manual-recovery
// state and vendor availability. Grounded on scheduler/scheduler.go's
// ticker-driven dispatch loop shape, generalized from mailgrid's
// generic job queue to original_source/scheduler_engine.py's
// SchedulerEngine state machine.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MxBlackSheep/labscheduler/internal/clock"
	"github.com/MxBlackSheep/labscheduler/internal/executor"
	"github.com/MxBlackSheep/labscheduler/internal/jobqueue"
	"github.com/MxBlackSheep/labscheduler/internal/metrics"
	"github.com/MxBlackSheep/labscheduler/internal/model"
	"github.com/MxBlackSheep/labscheduler/internal/notify"
	"github.com/MxBlackSheep/labscheduler/internal/preexec"
	"github.com/MxBlackSheep/labscheduler/internal/processmonitor"
	"github.com/MxBlackSheep/labscheduler/internal/store"
	"github.com/robfig/cron/v3"
)

// Logger is a minimal logging interface compatible with logrus.Logger,
// kept identical to scheduler/scheduler.go's Logger so the same
// adapter works for both.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	Debugf(format string, args ...any)
}

// RunStateReader is the narrow slice of internal/instrumentdb.Adapter
// the engine needs to decide whether a failed execution was actually
// an operator abort, mirroring database_manager.py's
// should_block_due_to_abort: each candidate name is checked in turn
// and the first abort-state match wins.
type RunStateReader interface {
	ShouldBlockDueToAbort(candidateNames []string, abortStates []string) (note string, blocked bool, err error)
}

// Config mirrors original_source's SchedulerConfig dataclass.
type Config struct {
	CheckInterval       time.Duration
	MaxConcurrentJobs   int
	StartupDelay        time.Duration
	EnableNotifications bool
	AbortStates         []string
}

// DefaultConfig mirrors SchedulerConfig's defaults (30s check
// interval, single concurrent job, 10s startup delay).
func DefaultConfig() Config {
	return Config{
		CheckInterval:       30 * time.Second,
		MaxConcurrentJobs:   1,
		StartupDelay:        10 * time.Second,
		EnableNotifications: true,
		AbortStates:         []string{"Aborted", "Error"},
	}
}

// Engine is the core scheduling loop. Construct with New; never a
// package-level singleton (§9 — this replaces mailgrid's
// scheduler/manager.go globalManager anti-pattern).
type Engine struct {
	cfg Config
	st  store.Store

	monitor    *processmonitor.Monitor
	executor   *executor.Executor
	pipeline   *preexec.Pipeline
	notifier   *notify.Dispatcher
	instrument RunStateReader
	metrics    *metrics.Metrics
	log        Logger

	// queue orders and conflict-checks dispatch when MaxConcurrentJobs
	// allows more than one in-flight run; see processDueJob.
	queue *jobqueue.Queue

	schedulesMu sync.RWMutex
	schedules   map[string]*model.Schedule

	runningMu sync.Mutex
	running   map[string]bool

	watchMu sync.Mutex
	watches map[string]*model.ExecutionWatch

	recoveryMu        sync.Mutex
	recoveryCache     *model.ManualRecoveryState
	recoveryChecked   time.Time
	recoveryLoggedOn  bool

	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	started  bool
}

// New constructs an Engine. Every dependency is passed explicitly;
// there is no default wiring or global registry.
func New(cfg Config, st store.Store, monitor *processmonitor.Monitor, exec *executor.Executor, pipeline *preexec.Pipeline, notifier *notify.Dispatcher, instrument RunStateReader, metricsRecorder *metrics.Metrics, log Logger) *Engine {
	if cfg.MaxConcurrentJobs < 1 {
		cfg.MaxConcurrentJobs = 1
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	return &Engine{
		cfg:        cfg,
		st:         st,
		monitor:    monitor,
		executor:   exec,
		pipeline:   pipeline,
		notifier:   notifier,
		instrument: instrument,
		metrics:    metricsRecorder,
		log:        log,
		queue:      jobqueue.New(cfg.MaxConcurrentJobs),
		schedules:  make(map[string]*model.Schedule),
		running:    make(map[string]bool),
		watches:    make(map[string]*model.ExecutionWatch),
		done:       make(chan struct{}),
	}
}

// Start loads active schedules, primes the manual-recovery cache,
// starts the process monitor, and launches the background loop after
// cfg.StartupDelay.
func (e *Engine) Start(ctx context.Context) error {
	schedules, err := e.st.ListActiveSchedules()
	if err != nil {
		return fmt.Errorf("load active schedules: %w", err)
	}
	e.schedulesMu.Lock()
	for _, s := range schedules {
		e.schedules[s.ScheduleID] = s
	}
	e.schedulesMu.Unlock()

	e.refreshManualRecoveryState(true)

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.startedAt = time.Now()
	e.started = true

	if e.monitor != nil {
		e.monitor.Start(loopCtx)
	}

	e.log.Infof("scheduler engine started with %d active schedules", len(schedules))
	go e.loop(loopCtx)
	return nil
}

// Stop signals the loop to exit after its current tick and waits for
// it to finish. In-flight executions are not killed (spec.md §5
// cancellation semantics); only the dispatch loop itself stops.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	if e.monitor != nil {
		e.monitor.Stop()
	}
	e.started = false
	e.log.Infof("scheduler engine stopped")
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)

	select {
	case <-time.After(e.cfg.StartupDelay):
	case <-ctx.Done():
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		e.tick(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.CheckInterval):
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("panic in scheduler tick: %v", r)
		}
	}()

	now := time.Now()

	recovery := e.refreshManualRecoveryState(false)
	if recovery.Active {
		return
	}

	due := e.findDueJobs(now)
	for _, s := range due {
		if e.refreshManualRecoveryState(false).Active {
			break
		}
		e.processDueJob(ctx, s, now)
	}

	e.evaluateActiveExecutions(now)
}

// findDueJobs mirrors _find_due_jobs: skips inactive/no-start-time/
// already-running/recovery-required schedules, auto-deactivates
// schedules over the retry limit, and applies the missed-job policy
// before returning the list of schedules actually due for dispatch.
func (e *Engine) findDueJobs(now time.Time) []*model.Schedule {
	var due []*model.Schedule

	e.schedulesMu.RLock()
	snapshot := make([]*model.Schedule, 0, len(e.schedules))
	for _, s := range e.schedules {
		snapshot = append(snapshot, s)
	}
	e.schedulesMu.RUnlock()

	for _, s := range snapshot {
		if !s.IsActive || s.StartTime == nil || s.RecoveryRequired {
			continue
		}
		if e.isRunning(s.ScheduleID) {
			continue
		}

		if s.FailedExecutionCount > s.MaxRetries() {
			e.log.Warnf("schedule %s exceeded retry limit (%d/%d), disabling", s.ExperimentName, s.FailedExecutionCount, s.MaxRetries())
			s.IsActive = false
			e.persistSchedule(s)
			continue
		}

		start := clock.EnsureLocalNaive(*s.StartTime)
		if start.After(now) {
			continue
		}

		overdueMinutes := now.Sub(start).Minutes()

		if s.ScheduleType == model.ScheduleInterval && s.IntervalHours != nil {
			grace := float64(*s.IntervalHours*60) / 2
			if overdueMinutes > grace {
				e.recordMissed(s, start, now, fmt.Sprintf("experiment missed - overdue by %.1f minutes", overdueMinutes))
				next := e.calculateNextExecutionTime(s)
				s.StartTime = &next
				s.UpdatedAt = now
				e.persistSchedule(s)
				continue
			}
			due = append(due, s)
			continue
		}

		if s.ScheduleType == model.ScheduleOnce && overdueMinutes > 30 {
			e.recordMissed(s, start, now, fmt.Sprintf("one-time experiment missed - overdue by %.1f minutes", overdueMinutes))
			s.IsActive = false
			e.persistSchedule(s)
			continue
		}

		due = append(due, s)
	}

	return due
}

func (e *Engine) recordMissed(s *model.Schedule, start, now time.Time, message string) {
	exec := &model.JobExecution{
		ExecutionID:  fmt.Sprintf("missed-%s-%d", s.ScheduleID, now.UnixNano()),
		ScheduleID:   s.ScheduleID,
		Status:       model.StatusMissed,
		StartTime:    &start,
		EndTime:      &now,
		ErrorMessage: message,
		CreatedAt:    now,
	}
	if err := e.st.CreateJobExecution(exec); err != nil {
		e.log.Errorf("failed to record missed execution for %s: %v", s.ScheduleID, err)
	}
	e.log.Infof("%s (%s)", message, s.ExperimentName)
}

func (e *Engine) persistSchedule(s *model.Schedule) {
	if err := e.st.UpdateSchedule(s, s.UpdatedAt); err != nil {
		e.log.Errorf("failed to persist schedule %s: %v", s.ScheduleID, err)
	}
}

// calculateNextExecutionTime mirrors _calculate_next_execution_time:
// interval schedules advance by interval_hours (rounded to the
// minute) unless the current start_time is still in the future; once
// schedules keep their original start_time; cron schedules use
// robfig/cron to compute the next fire time (DESIGN.md open question
// decision — treated as "interval with a computed next time").
func (e *Engine) calculateNextExecutionTime(s *model.Schedule) time.Time {
	now := time.Now()

	switch s.ScheduleType {
	case model.ScheduleInterval:
		if s.IntervalHours == nil {
			return now
		}
		if s.StartTime != nil && clock.EnsureLocalNaive(*s.StartTime).After(now) {
			return *s.StartTime
		}
		next := now.Add(time.Duration(*s.IntervalHours) * time.Hour)
		return next.Truncate(time.Minute)
	case model.ScheduleOnce:
		if s.StartTime != nil {
			return *s.StartTime
		}
		return now
	case model.ScheduleCron:
		sched, err := cron.ParseStandard(s.CronExpr)
		if err != nil {
			e.log.Errorf("invalid cron expression for %s: %v", s.ScheduleID, err)
			return now
		}
		return sched.Next(now)
	default:
		return now
	}
}

func (e *Engine) isRunning(scheduleID string) bool {
	e.runningMu.Lock()
	defer e.runningMu.Unlock()
	return e.running[scheduleID]
}

// GetActiveSchedules returns a snapshot of the in-memory cache.
func (e *Engine) GetActiveSchedules() []*model.Schedule {
	e.schedulesMu.RLock()
	defer e.schedulesMu.RUnlock()
	out := make([]*model.Schedule, 0, len(e.schedules))
	for _, s := range e.schedules {
		out = append(out, s)
	}
	return out
}

// GetSchedule returns a cached schedule, falling back to the store.
func (e *Engine) GetSchedule(id string) *model.Schedule {
	e.schedulesMu.RLock()
	s, ok := e.schedules[id]
	e.schedulesMu.RUnlock()
	if ok {
		return s
	}
	loaded, err := e.st.GetSchedule(id)
	if err != nil {
		return nil
	}
	return loaded
}

// AddSchedule validates, persists, and caches a new schedule,
// computing start_time if unset.
func (e *Engine) AddSchedule(s *model.Schedule) error {
	s.StartTime = normalizedPtr(s.StartTime)
	if err := s.Validate(); err != nil {
		return err
	}
	if s.StartTime == nil {
		next := e.calculateNextExecutionTime(s)
		s.StartTime = &next
	}
	if err := e.st.CreateSchedule(s); err != nil {
		return err
	}
	e.schedulesMu.Lock()
	e.schedules[s.ScheduleID] = s
	e.schedulesMu.Unlock()
	e.log.Infof("added schedule: %s (%s)", s.ExperimentName, s.ScheduleID)
	return nil
}

// RemoveSchedule deletes a schedule from the store and the cache.
func (e *Engine) RemoveSchedule(id string) error {
	e.schedulesMu.RLock()
	s, ok := e.schedules[id]
	e.schedulesMu.RUnlock()
	var expected time.Time
	if ok {
		expected = s.UpdatedAt
	}
	if err := e.st.DeleteSchedule(id, expected); err != nil {
		return err
	}
	e.schedulesMu.Lock()
	delete(e.schedules, id)
	e.schedulesMu.Unlock()
	return nil
}

// UpdateSchedule validates and persists changes to an existing
// schedule.
func (e *Engine) UpdateSchedule(s *model.Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := e.st.UpdateSchedule(s, s.UpdatedAt); err != nil {
		return err
	}
	e.schedulesMu.Lock()
	e.schedules[s.ScheduleID] = s
	e.schedulesMu.Unlock()
	return nil
}

// Status reports the running snapshot used by an operator surface.
type Status struct {
	Running             bool
	ActiveSchedules     int
	RunningJobs         int
	MaxConcurrentJobs   int
	CheckIntervalSeconds float64
	UptimeSeconds       float64
}

func (e *Engine) Status() Status {
	e.schedulesMu.RLock()
	activeCount := len(e.schedules)
	e.schedulesMu.RUnlock()

	e.runningMu.Lock()
	runningCount := len(e.running)
	e.runningMu.Unlock()

	uptime := 0.0
	if !e.startedAt.IsZero() {
		uptime = time.Since(e.startedAt).Seconds()
	}

	return Status{
		Running:              e.started,
		ActiveSchedules:      activeCount,
		RunningJobs:          runningCount,
		MaxConcurrentJobs:    e.cfg.MaxConcurrentJobs,
		CheckIntervalSeconds: e.cfg.CheckInterval.Seconds(),
		UptimeSeconds:        uptime,
	}
}

func normalizedPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := clock.EnsureLocalNaive(*t)
	return &v
}

// messageIndicatesAbort is the heuristic fallback abort taxonomy
// (spec.md §9 Open Questions: "substring matches on 'abort', 'return
// code 64', etc.") used when the instrument DB can't confirm the run
// state directly.
func messageIndicatesAbort(message string) bool {
	if message == "" {
		return false
	}
	lowered := strings.ToLower(message)
	for _, kw := range []string{"abort", "aborted", "manual abort", "stopped by user", "user stopped", "return code 64"} {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}
