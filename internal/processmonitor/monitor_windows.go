//go:build windows

package processmonitor

import (
	"bytes"
	"os/exec"
	"syscall"
	"time"
)

// vendorProcessName is the instrument-control binary the Python
// original polled for via WMI/tasklist.
const vendorProcessName = "HxRun.exe"

// platformCheck shells out to tasklist filtered on the vendor image
// name, mirroring process_monitor.py's non-WMI fallback path (the WMI
// path itself has no Go-ecosystem analogue in the example pack and is
// intentionally not reproduced; tasklist is the documented fallback the
// Python code already falls back to when the wmi module is absent).
func platformCheck() (running bool, count int, err error) {
	cmd := exec.Command("tasklist", "/FI", "IMAGENAME eq "+vendorProcessName)
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
	var out bytes.Buffer
	cmd.Stdout = &out

	done := make(chan error, 1)
	go func() { done <- cmd.Run() }()

	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return false, 0, nil
	}
	if err != nil {
		return false, 0, nil
	}
	text := out.String()
	count = bytes.Count(out.Bytes(), []byte(vendorProcessName))
	running = bytes.Contains([]byte(text), []byte(vendorProcessName))
	return running, count, nil
}
