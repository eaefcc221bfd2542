//go:build !windows

package forkserver

import "syscall"

// processGroupAttr returns SysProcAttr to create a new process group on
// unix, so a timed-out target and any children it spawned can be killed
// together (spec.md §4.2 timeout handling). Grounded on the teacher's
// internal/exec/exec_unix.go, which uses the same idiom to clean up a
// Python subprocess tree.
func processGroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends SIGKILL to the process group.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
