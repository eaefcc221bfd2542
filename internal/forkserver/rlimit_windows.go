//go:build windows

package forkserver

import (
	"os/exec"
)

func applyRlimits(cmd *exec.Cmd, memLimitMB int) error {
	// Windows has no POSIX rlimit equivalent wired through os/exec; memory
	// capping there would go through a job object, which is out of scope
	// for this driver's Linux-first design.
	return nil
}

type waitStatus struct {
	signaled bool
	exited   bool
	code     int
}

func unixWaitStatus(raw uint32) waitStatus {
	return waitStatus{exited: true, code: int(raw)}
}

func (w waitStatus) Signaled() bool  { return w.signaled }
func (w waitStatus) Exited() bool    { return w.exited }
func (w waitStatus) ExitStatus() int { return w.code }

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

func wasSignaled(ee *exec.ExitError) bool { return false }
