package executor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/MxBlackSheep/labscheduler/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript writes a tiny shell script that exits with the given
// code, returning its path. Skips the test on Windows, where the
// vendor binary contract (HxRun.exe + -t) has no shell-script analogue.
func writeScript(t *testing.T, exitCode int) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("vendor process contract is Windows-specific; shell script stand-in does not apply")
	}
	path := filepath.Join(t.TempDir(), "fake_vendor.sh")
	content := "#!/bin/sh\nexit " + itoa(exitCode) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0755))
	return path
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func methodFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "demo.med")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	return path
}

func TestExecuteSucceedsOnZeroExit(t *testing.T) {
	vendor := writeScript(t, 0)
	method := methodFile(t)

	cfg := DefaultConfig()
	cfg.VendorBinaryPath = vendor
	cfg.MethodBasePath = filepath.Dir(method)

	e := New(cfg, nil, nil, nil)
	schedule := &model.Schedule{ScheduleID: "s1", ExperimentName: "demo", ExperimentPath: method, RetryConfig: model.DefaultRetryConfig()}
	execution := model.NewJobExecution("e1", "s1", time.Now())

	ok := e.Execute(context.Background(), schedule, execution)
	assert.True(t, ok)
	assert.Empty(t, execution.ErrorMessage)
	assert.Contains(t, execution.CommandExecuted, "-t")
}

func TestExecuteFailsOnNonZeroExitAfterRetries(t *testing.T) {
	vendor := writeScript(t, 1)
	method := methodFile(t)

	cfg := DefaultConfig()
	cfg.VendorBinaryPath = vendor
	cfg.MethodBasePath = filepath.Dir(method)

	e := New(cfg, nil, nil, nil)
	schedule := &model.Schedule{
		ScheduleID: "s2", ExperimentName: "demo", ExperimentPath: method,
		RetryConfig: model.RetryConfig{MaxRetries: 1, RetryDelayMinutes: 0, BackoffStrategy: model.BackoffLinear},
	}
	execution := model.NewJobExecution("e2", "s2", time.Now())

	ok := e.Execute(context.Background(), schedule, execution)
	assert.False(t, ok)
	assert.Contains(t, execution.ErrorMessage, "return code")
	assert.Equal(t, 1, execution.RetryCount)
}

func TestExecuteReclassifiesSuccessAsFailedOnAbortState(t *testing.T) {
	vendor := writeScript(t, 0)
	method := methodFile(t)

	cfg := DefaultConfig()
	cfg.VendorBinaryPath = vendor
	cfg.MethodBasePath = filepath.Dir(method)

	e := New(cfg, nil, fakeRunStateReader{state: "Aborted"}, nil)
	schedule := &model.Schedule{ScheduleID: "s3", ExperimentName: "demo", ExperimentPath: method, RetryConfig: model.DefaultRetryConfig()}
	execution := model.NewJobExecution("e3", "s3", time.Now())

	ok := e.Execute(context.Background(), schedule, execution)
	assert.False(t, ok)
	assert.Contains(t, execution.ErrorMessage, "Aborted")
}

func TestExecuteFailsFastWhenMethodFileMissing(t *testing.T) {
	vendor := writeScript(t, 0)
	cfg := DefaultConfig()
	cfg.VendorBinaryPath = vendor
	cfg.MethodBasePath = t.TempDir()

	e := New(cfg, nil, nil, nil)
	schedule := &model.Schedule{
		ScheduleID: "s4", ExperimentName: "demo", ExperimentPath: "/does/not/exist",
		RetryConfig: model.RetryConfig{MaxRetries: 0, RetryDelayMinutes: 0, BackoffStrategy: model.BackoffLinear},
	}
	execution := model.NewJobExecution("e4", "s4", time.Now())

	ok := e.Execute(context.Background(), schedule, execution)
	assert.False(t, ok)
	assert.Contains(t, execution.ErrorMessage, "not found")
}

// writeSleepScript writes a script that sleeps for a while, so a
// timeout set to fire immediately always wins the race against natural
// completion.
func writeSleepScript(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("vendor process contract is Windows-specific; shell script stand-in does not apply")
	}
	path := filepath.Join(t.TempDir(), "slow_vendor.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nsleep 30\nexit 0\n"), 0755))
	return path
}

func TestExecuteKillsProcessOnTimeoutWithoutDoubleWait(t *testing.T) {
	vendor := writeSleepScript(t)
	method := methodFile(t)

	cfg := DefaultConfig()
	cfg.VendorBinaryPath = vendor
	cfg.MethodBasePath = filepath.Dir(method)
	cfg.ExecutionTimeoutMinutes = 0 // fires the timeout branch immediately

	e := New(cfg, nil, nil, nil)
	schedule := &model.Schedule{
		ScheduleID: "s5", ExperimentName: "demo", ExperimentPath: method,
		RetryConfig: model.RetryConfig{MaxRetries: 0, RetryDelayMinutes: 0, BackoffStrategy: model.BackoffLinear},
	}
	execution := model.NewJobExecution("e5", "s5", time.Now())

	start := time.Now()
	ok := e.Execute(context.Background(), schedule, execution)
	elapsed := time.Since(start)

	assert.False(t, ok)
	assert.Contains(t, execution.ErrorMessage, "timed out")
	// the 30s sleep must never be waited out; the process is killed
	// well within the 10s grace period.
	assert.Less(t, elapsed, 10*time.Second)
	assert.Empty(t, e.ActiveExecutions())
}

type fakeRunStateReader struct{ state string }

func (f fakeRunStateReader) LastRunState(string) (string, error) { return f.state, nil }
