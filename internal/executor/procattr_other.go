//go:build !windows

package executor

import "os/exec"

// configureProcessGroup is a no-op outside Windows; the vendor binary
// and its Ctrl-Break contract are Windows-only (§4.E).
func configureProcessGroup(*exec.Cmd) {}

// sendBreakSignal falls back to Process.Kill since there is no
// Ctrl-Break equivalent outside Windows.
func sendBreakSignal(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
