//go:build !windows

package forkserver

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// applyRlimits prepares the child's memory and core-dump limits. It does
// not call setrlimit: with memLimitMB > 0 it puts the child in its own
// process group, passes the limit in bytes as SSFUZZ_MEM_LIMIT_BYTES (only
// when the current RLIMIT_AS is unlimited or larger) and sets
// SSFUZZ_CORE_DUMP_DISABLE=1, for a runtime in the child to apply; a
// target that ignores these variables runs without either limit. With
// memLimitMB <= 0 it sets nothing.
func applyRlimits(cmd *exec.Cmd, memLimitMB int) error {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	if memLimitMB <= 0 {
		return nil
	}
	limitBytes := uint64(memLimitMB) * 1024 * 1024
	cmd.SysProcAttr.Setpgid = true
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_AS, &rlim); err == nil {
		if rlim.Cur == unix.RLIM_INFINITY || rlim.Cur > limitBytes {
			cmd.Env = append(cmd.Env, envPair("SSFUZZ_MEM_LIMIT_BYTES", limitBytes))
		}
	}
	cmd.Env = append(cmd.Env, "SSFUZZ_CORE_DUMP_DISABLE=1")
	return nil
}

func envPair(key string, v uint64) string {
	return key + "=" + uitoa(v)
}

func uitoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

type waitStatus unix.WaitStatus

func unixWaitStatus(raw uint32) waitStatus {
	return waitStatus(unix.WaitStatus(raw))
}

func (w waitStatus) Signaled() bool   { return unix.WaitStatus(w).Signaled() }
func (w waitStatus) Exited() bool     { return unix.WaitStatus(w).Exited() }
func (w waitStatus) ExitStatus() int  { return unix.WaitStatus(w).ExitStatus() }

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

func wasSignaled(ee *exec.ExitError) bool {
	ws, ok := ee.ProcessState.Sys().(syscall.WaitStatus)
	if !ok {
		return false
	}
	return ws.Signaled()
}
