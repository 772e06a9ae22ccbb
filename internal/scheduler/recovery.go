package scheduler

import (
	"context"
	"time"

	"github.com/MxBlackSheep/labscheduler/internal/model"
)

// manualRecoveryMinInterval is the floor on how often the global
// recovery flag is re-read from the store, mirroring
// scheduler_engine.py's half-tick cache (max(check_interval/2, 5s)).
const manualRecoveryMinInterval = 5 * time.Second

func (e *Engine) recoveryCacheInterval() time.Duration {
	half := e.cfg.CheckInterval / 2
	if half < manualRecoveryMinInterval {
		return manualRecoveryMinInterval
	}
	return half
}

// refreshManualRecoveryState returns the cached global recovery state,
// re-reading the store at most once per recoveryCacheInterval unless
// force is set (used on Start). Logs only on active/cleared
// transitions, not on every tick.
func (e *Engine) refreshManualRecoveryState(force bool) *model.ManualRecoveryState {
	e.recoveryMu.Lock()
	defer e.recoveryMu.Unlock()

	if !force && e.recoveryCache != nil && time.Since(e.recoveryChecked) < e.recoveryCacheInterval() {
		return e.recoveryCache
	}

	state, err := e.st.GetManualRecoveryState()
	if err != nil {
		e.log.Errorf("failed to read manual recovery state: %v", err)
		if e.recoveryCache != nil {
			return e.recoveryCache
		}
		return &model.ManualRecoveryState{}
	}
	if state == nil {
		state = &model.ManualRecoveryState{}
	}

	e.recoveryChecked = time.Now()

	if state.Active && !e.recoveryLoggedOn {
		e.log.Warnf("scheduler paused: manual recovery required for %s", state.ExperimentName)
		e.recoveryLoggedOn = true
	} else if !state.Active && e.recoveryLoggedOn {
		e.log.Infof("manual recovery cleared, scheduler resuming")
		e.recoveryLoggedOn = false
	}

	e.recoveryCache = state
	return state
}

// RequireManualRecovery marks a schedule as needing manual recovery,
// sets the global pause flag, and dispatches a
// manual_recovery_required alert, mirroring
// scheduler_engine.py's require_manual_recovery.
func (e *Engine) RequireManualRecovery(scheduleID, note, actor string) error {
	s, err := e.st.MarkRecoveryRequired(scheduleID, note, actor)
	if err != nil {
		return err
	}

	now := time.Now()
	if err := e.st.SetGlobalRecovery(&model.ManualRecoveryState{
		Active:         true,
		Note:           note,
		ScheduleID:     scheduleID,
		ExperimentName: s.ExperimentName,
		TriggeredBy:    actor,
		TriggeredAt:    &now,
	}); err != nil {
		e.log.Errorf("failed to set global recovery flag: %v", err)
	}

	e.schedulesMu.Lock()
	e.schedules[s.ScheduleID] = s
	e.schedulesMu.Unlock()
	e.refreshManualRecoveryState(true)

	if e.notifier != nil {
		if err := e.notifier.DispatchRecoveryEvent(context.Background(), s, model.EventManualRecoveryRequired, note, actor); err != nil {
			e.log.Errorf("failed to dispatch manual recovery notification for %s: %v", scheduleID, err)
		}
	}
	return nil
}

// ResolveManualRecovery clears a schedule's recovery flag, clears the
// global pause flag, and dispatches a manual_recovery_cleared alert.
func (e *Engine) ResolveManualRecovery(scheduleID, note, actor string) error {
	s, err := e.st.ResolveRecoveryRequired(scheduleID, note, actor)
	if err != nil {
		return err
	}

	if err := e.st.ClearGlobalRecovery(actor, time.Now()); err != nil {
		e.log.Errorf("failed to clear global recovery flag: %v", err)
	}

	e.schedulesMu.Lock()
	e.schedules[s.ScheduleID] = s
	e.schedulesMu.Unlock()
	e.refreshManualRecoveryState(true)

	if e.notifier != nil {
		if err := e.notifier.DispatchRecoveryEvent(context.Background(), s, model.EventManualRecoveryCleared, note, actor); err != nil {
			e.log.Errorf("failed to dispatch recovery-cleared notification for %s: %v", scheduleID, err)
		}
	}
	return nil
}
