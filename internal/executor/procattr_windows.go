//go:build windows

package executor

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup creates a new process group so a later
// Ctrl-Break can be delivered without affecting the parent (§4.E).
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// sendBreakSignal delivers CTRL_BREAK_EVENT to the process group.
func sendBreakSignal(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.GenerateConsoleCtrlEvent(syscall.CTRL_BREAK_EVENT, uint32(cmd.Process.Pid))
}
