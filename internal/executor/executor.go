// Package executor spawns the vendor instrument binary for a schedule,
// enforcing the retry/backoff and timeout contract of §4.E.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/MxBlackSheep/labscheduler/internal/model"
	"github.com/MxBlackSheep/labscheduler/internal/processmonitor"
	"github.com/sirupsen/logrus"
)

// InstrumentRunStateReader asks the instrument DB for the last reported
// RunState of a method, used to reclassify an apparent success as
// failed when the vendor itself recorded an operator abort.
type InstrumentRunStateReader interface {
	LastRunState(experimentName string) (string, error)
}

// Config configures path resolution, timeouts, and retry ceilings.
type Config struct {
	VendorBinaryPath        string
	MethodBasePath          string
	ExecutionTimeoutMinutes int
	MaxRetryAttempts        int
	AbortStates             []string
}

// DefaultConfig mirrors experiment_executor.py's ExecutionConfig
// defaults.
func DefaultConfig() Config {
	return Config{
		ExecutionTimeoutMinutes: 120,
		MaxRetryAttempts:        5,
		AbortStates:             []string{"Aborted", "Error"},
	}
}

// Executor runs a schedule's vendor process with retry/backoff,
// grounded on experiment_executor.py's ExperimentExecutor. Constructed
// explicitly per use (§9: no package-level singleton).
type Executor struct {
	cfg     Config
	monitor *processmonitor.Monitor
	runDB   InstrumentRunStateReader
	log     *logrus.Logger

	mu     sync.Mutex
	active map[string]*activeProcess
}

// activeProcess tracks one in-flight vendor process. cmd.Wait is
// called exactly once, by the single goroutine runOnce spawns for it;
// done closes when that call returns, letting both the timeout path
// and Stop's grace-period kill watch for completion without ever
// calling Wait themselves.
type activeProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// New builds an Executor.
func New(cfg Config, monitor *processmonitor.Monitor, runDB InstrumentRunStateReader, log *logrus.Logger) *Executor {
	return &Executor{cfg: cfg, monitor: monitor, runDB: runDB, log: log, active: make(map[string]*activeProcess)}
}

// Execute runs schedule's vendor binary, retrying per its RetryConfig,
// and updates execution in place. Returns true on success.
func (e *Executor) Execute(ctx context.Context, schedule *model.Schedule, execution *model.JobExecution) bool {
	maxRetries := schedule.RetryConfig.MaxRetries
	if maxRetries > e.cfg.MaxRetryAttempts {
		maxRetries = e.cfg.MaxRetryAttempts
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	var last runResult
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if e.monitor != nil && e.monitor.IsVendorRunning() {
			if attempt == maxRetries {
				execution.ErrorMessage = "vendor instrument busy after all retry attempts"
				execution.RetryCount = attempt
				return false
			}
			e.sleepBackoff(ctx, schedule, attempt)
			continue
		}

		last = e.runOnce(ctx, schedule)
		execution.RetryCount = attempt
		execution.CommandExecuted = last.commandExecuted

		if last.success {
			break
		}
		if attempt == maxRetries {
			break
		}
		e.sleepBackoff(ctx, schedule, attempt)
	}

	if last.success && e.runDB != nil {
		state, err := e.runDB.LastRunState(schedule.ExperimentName)
		if err == nil && e.isAbortState(state) {
			last.success = false
			last.errorMessage = fmt.Sprintf("Hamilton reported last run as %s", state)
			if e.log != nil {
				e.log.Warnf("vendor reported aborted run for %s: %s", schedule.ExperimentName, state)
			}
		}
	}

	execution.ErrorMessage = last.errorMessage
	if last.success {
		execution.ErrorMessage = ""
	}
	return last.success
}

func (e *Executor) isAbortState(state string) bool {
	for _, s := range e.cfg.AbortStates {
		if s == state {
			return true
		}
	}
	return false
}

func (e *Executor) sleepBackoff(ctx context.Context, schedule *model.Schedule, attempt int) {
	delay := ComputeBackoff(string(schedule.RetryConfig.BackoffStrategy), schedule.RetryConfig.RetryDelayMinutes, attempt)
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

type runResult struct {
	success         bool
	returnCode      int
	errorMessage    string
	commandExecuted string
}

func (e *Executor) runOnce(ctx context.Context, schedule *model.Schedule) runResult {
	methodPath := ResolveExperimentPath(schedule.ExperimentPath, e.cfg.MethodBasePath)
	if _, err := os.Stat(methodPath); err != nil {
		return runResult{success: false, returnCode: -1, errorMessage: "method file not found: " + methodPath}
	}

	cmdString := fmt.Sprintf("%q %q -t", e.cfg.VendorBinaryPath, methodPath)
	timeout := time.Duration(e.cfg.ExecutionTimeoutMinutes) * time.Minute

	// exec.CommandContext would hard-kill the process the instant its
	// context expires, giving the vendor binary no chance to respond to
	// a break signal first. Instead the deadline and ctx cancellation
	// are both handled by this goroutine, which escalates through
	// killWithGracePeriod (break signal, then kill after 10s) exactly
	// like Stop does.
	cmd := exec.Command(e.cfg.VendorBinaryPath, methodPath, "-t")
	configureProcessGroup(cmd)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return runResult{success: false, returnCode: -1, errorMessage: "failed to start vendor process: " + err.Error(), commandExecuted: cmdString}
	}

	proc := &activeProcess{cmd: cmd, done: make(chan struct{})}
	e.mu.Lock()
	e.active[schedule.ScheduleID] = proc
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, schedule.ScheduleID)
		e.mu.Unlock()
	}()

	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(proc.done)
	}()

	var timedOut, cancelled bool
	select {
	case <-proc.done:
	case <-time.After(timeout):
		timedOut = true
		e.killWithGracePeriod(proc)
	case <-ctx.Done():
		cancelled = true
		e.killWithGracePeriod(proc)
	}
	<-proc.done
	err := waitErr

	if timedOut {
		return runResult{
			success:         false,
			returnCode:      -1,
			errorMessage:    "execution timed out after " + timeout.String(),
			commandExecuted: cmdString,
		}
	}
	if cancelled {
		return runResult{
			success:         false,
			returnCode:      -1,
			errorMessage:    "execution canceled: " + ctx.Err().Error(),
			commandExecuted: cmdString,
		}
	}

	returnCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			returnCode = exitErr.ExitCode()
		} else {
			returnCode = -1
		}
	}

	success := returnCode == 0
	var errMsg string
	if !success {
		errMsg = fmt.Sprintf("vendor process failed with return code %d", returnCode)
		if stderr.Len() > 0 {
			errMsg += ": " + stderr.String()
		}
	}

	return runResult{success: success, returnCode: returnCode, errorMessage: errMsg, commandExecuted: cmdString}
}

// killWithGracePeriod sends the platform break signal, then force-kills
// after 10 seconds if the process has not exited (§4.E). It never calls
// cmd.Wait itself — proc.done is only ever closed by the single
// goroutine runOnce spawned to wait on the process, so this can be
// called from both the timeout path and Stop without a double-Wait.
func (e *Executor) killWithGracePeriod(proc *activeProcess) {
	sendBreakSignal(proc.cmd)
	select {
	case <-proc.done:
	case <-time.After(10 * time.Second):
		if proc.cmd.Process != nil {
			_ = proc.cmd.Process.Kill()
		}
	}
}

// Stop drains the named schedule's active process the same way a
// timeout does: break signal, then kill after grace period.
func (e *Executor) Stop(scheduleID string) bool {
	e.mu.Lock()
	proc, ok := e.active[scheduleID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	e.killWithGracePeriod(proc)
	return true
}

// ActiveExecutions returns schedule IDs with a currently running
// process.
func (e *Executor) ActiveExecutions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.active))
	for id := range e.active {
		out = append(out, id)
	}
	return out
}
