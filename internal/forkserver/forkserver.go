// Package forkserver implements the fork-server driver (spec.md §4.2,
// component C2) and the external wire protocol of spec.md §6: a control
// pipe and a status pipe at fixed fd numbers, a 4-byte hello handshake, and
// a per-execution write-go/read-pid/read-status cycle guarded by an
// interval timer.
//
// Process spawning and cleanup follow the teacher's internal/exec style:
// a dedicated process group per child (procgroup_unix.go /
// procgroup_windows.go) so a timeout can kill the whole subtree.
package forkserver

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dsmmcken/ssfuzz/internal/childvm"
	"github.com/dsmmcken/ssfuzz/internal/config"
	"github.com/dsmmcken/ssfuzz/internal/flog"
	"github.com/dsmmcken/ssfuzz/internal/netns"
	"github.com/dsmmcken/ssfuzz/internal/shm"
)

// Fixed fd numbers the instrumentation expects (spec §6).
const (
	ControlPipeFD = 198
	StatusPipeFD  = 199

	// ExecFailSig is the distinguished value a child writes into the first
	// word of the bitmap when it fails to exec the target (spec §6).
	ExecFailSig uint32 = 0xfee1dead
)

// Outcome classifies one execution result (spec §4.2).
type Outcome int

const (
	None Outcome = iota
	Timeout
	Crash
	Err // target failed to exec
	NoInstrumentation
	NoBits
)

func (o Outcome) String() string {
	switch o {
	case None:
		return "none"
	case Timeout:
		return "timeout"
	case Crash:
		return "crash"
	case Err:
		return "error"
	case NoInstrumentation:
		return "no-instrumentation"
	case NoBits:
		return "no-bits"
	default:
		return "unknown"
	}
}

// ctlWriter is the parent-writes-"go"-words-here side of the control
// channel; satisfied by both an *os.File pipe and a vsock net.Conn.
type ctlWriter interface {
	io.Writer
	io.Closer
}

// statusReader is the parent-reads-pid/status side of the status channel;
// satisfied by both an *os.File pipe and a vsock net.Conn.
type statusReader interface {
	io.Reader
	io.Closer
	SetReadDeadline(time.Time) error
}

// Driver owns a fork-server child and its control/status channel, which is
// either a pair of pipes (TransportPipe) or a single vsock connection into
// a childvm microVM (TransportVsock) carrying the same wire protocol.
type Driver struct {
	cmd      string
	args     []string
	env      []string
	execTime time.Duration
	memMB    int

	bitmap *shm.Segment

	proc         *exec.Cmd
	ctlW         ctlWriter    // parent writes "go" words here
	stW          statusReader // parent reads exit status here; child's stdin/hello arrives here too
	forkserverUp bool

	childTimedOut bool
	lastPID       int

	netNS string

	transport config.ChildTransport
	vmCfg     childvm.Config
	vmPort    uint32
	vm        *childvm.Handle
}

// Options configures a Driver.
type Options struct {
	Cmd         string
	Args        []string
	ExtraEnv    []string
	ExecTimeout time.Duration
	MemLimitMB  int // 0 = unlimited
	Bitmap      *shm.Segment
	// NetNS, if set, runs the child inside this network namespace
	// (spec --netns), created on demand via internal/netns.
	NetNS string

	// Transport selects how the child is driven (spec --child-transport).
	// Empty or TransportPipe spawns cmd directly; TransportVsock boots a
	// childvm microVM and dials it instead.
	Transport config.ChildTransport
	// VM configures the microVM booted when Transport == TransportVsock.
	VM childvm.Config
	// VMPort is the guest vsock port the fork-server stub listens on.
	VMPort uint32
}

// SetExecTimeout overrides the per-execution timeout, used to re-run a
// suspected crash/hang with a more generous timeout before it is accepted
// as confirmed (spec §7 "re-running once with a more generous timeout").
func (d *Driver) SetExecTimeout(timeout time.Duration) {
	d.execTime = timeout
}

// New constructs a Driver without spawning anything yet.
func New(opts Options) *Driver {
	transport := opts.Transport
	if transport == "" {
		transport = config.TransportPipe
	}
	return &Driver{
		cmd:       opts.Cmd,
		args:      opts.Args,
		env:       opts.ExtraEnv,
		execTime:  opts.ExecTimeout,
		memMB:     opts.MemLimitMB,
		bitmap:    opts.Bitmap,
		netNS:     opts.NetNS,
		transport: transport,
		vmCfg:     opts.VM,
		vmPort:    opts.VMPort,
	}
}

// Start spawns the fork-server stub and blocks until it reports readiness
// (the 4-byte hello), or returns an error if the child never writes it
// within twice the exec timeout, at least 2s (spec §4.2 "stub initializes once and signals
// readiness"). When Transport is TransportVsock the child instead runs
// inside a childvm microVM, reached over a vsock connection carrying the
// same handshake.
func (d *Driver) Start() error {
	if d.transport == config.TransportVsock {
		return d.startVsock(context.Background())
	}

	ctlR, ctlW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("creating control pipe: %w", err)
	}
	stR, stW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("creating status pipe: %w", err)
	}

	if d.netNS != "" {
		if err := netns.Ensure(d.netNS); err != nil {
			return fmt.Errorf("preparing network namespace %q: %w", d.netNS, err)
		}
	}
	childPath, childArgs := netns.Args(d.netNS, d.cmd, d.args)

	cmd := exec.Command(childPath, childArgs...)
	cmd.Env = append(os.Environ(), d.env...)
	cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d", shm.EnvVar, d.bitmap.ID()))
	cmd.SysProcAttr = processGroupAttr()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{ctlR, stW} // becomes fd 3 and 4 in child; the
	// instrumentation runtime is responsible for dup2'ing these down to
	// ControlPipeFD/StatusPipeFD — out of scope per spec §1.

	if err := applyRlimits(cmd, d.memMB); err != nil {
		return fmt.Errorf("applying rlimits: %w", err)
	}

	if err := cmd.Start(); err != nil {
		ctlR.Close()
		ctlW.Close()
		stR.Close()
		stW.Close()
		return fmt.Errorf("starting fork-server: %w", err)
	}
	ctlR.Close()
	stW.Close()

	d.proc = cmd
	d.ctlW = ctlW
	d.stW = stR

	hello := make([]byte, 4)
	deadline := time.Now().Add(2 * maxDuration(d.execTime, time.Second))
	stR.SetReadDeadline(deadline)
	if _, err := readFull(stR, hello); err != nil {
		d.killChild()
		return fmt.Errorf("fork-server did not signal readiness: %w", err)
	}

	d.forkserverUp = true
	flog.Debugf("fork-server ready for %s", d.cmd)
	return nil
}

// startVsock boots a childvm microVM and dials its guest vsock listener,
// using the resulting connection for both the control and status sides of
// the wire protocol (spec §6), instead of the pipe pair Start uses.
func (d *Driver) startVsock(ctx context.Context) error {
	handle, err := childvm.Boot(ctx, d.vmCfg)
	if err != nil {
		return fmt.Errorf("booting child vm: %w", err)
	}

	conn, err := childvm.Dial(ctx, d.vmCfg.VsockUDSPath, d.vmPort)
	if err != nil {
		handle.Stop(ctx)
		return fmt.Errorf("dialing child vm vsock: %w", err)
	}

	d.vm = handle
	d.ctlW = conn
	d.stW = conn

	hello := make([]byte, 4)
	deadline := time.Now().Add(2 * maxDuration(d.execTime, time.Second))
	d.stW.SetReadDeadline(deadline)
	if _, err := readFull(d.stW, hello); err != nil {
		d.killChild()
		return fmt.Errorf("fork-server did not signal readiness over vsock: %w", err)
	}

	d.forkserverUp = true
	flog.Debugf("fork-server ready over vsock for %s (vm pid %d)", d.cmd, handle.PID())
	return nil
}

// Execute runs one instrumentation execution: zero bitmap, write the
// previous-timed-out flag, read the child pid, arm the timer, read the
// wait status (spec §6 wire protocol; §5 ordering guarantees (a)/(d)).
func (d *Driver) Execute(ctx context.Context) (Outcome, error) {
	d.bitmap.Reset()

	if !d.forkserverUp {
		return d.executeDirect(ctx)
	}

	prevTimedOut := uint32(0)
	if d.childTimedOut {
		prevTimedOut = 1
	}
	d.childTimedOut = false

	if err := writeU32(d.ctlW, prevTimedOut); err != nil {
		return Err, fmt.Errorf("writing go word: %w", err)
	}

	pidBuf := make([]byte, 4)
	d.stW.SetReadDeadline(time.Now().Add(maxDuration(d.execTime, time.Second)))
	if _, err := readFull(d.stW, pidBuf); err != nil {
		return Err, fmt.Errorf("reading child pid: %w", err)
	}
	d.lastPID = int(binary.LittleEndian.Uint32(pidBuf))

	statusBuf := make([]byte, 4)
	d.stW.SetReadDeadline(time.Now().Add(d.execTime))
	_, err := readFull(d.stW, statusBuf)
	if err != nil {
		d.childTimedOut = true
		d.killPID(d.lastPID)
		return Timeout, nil
	}
	status := binary.LittleEndian.Uint32(statusBuf)

	return d.classifyStatus(status)
}

func (d *Driver) classifyStatus(status uint32) (Outcome, error) {
	ws := unixWaitStatus(status)
	switch {
	case ws.Signaled():
		return Crash, nil
	case ws.Exited() && ws.ExitStatus() != 0:
		// Non-zero, non-signal exit: spec treats this as a normal run
		// unless the bitmap's first word carries ExecFailSig.
		if d.bitmapSignalsExecFail() {
			return Err, fmt.Errorf("child failed to exec target")
		}
		return None, nil
	default:
		return None, nil
	}
}

func (d *Driver) bitmapSignalsExecFail() bool {
	b := d.bitmap.Bytes()
	if len(b) < 4 {
		return false
	}
	return binary.LittleEndian.Uint32(b[:4]) == ExecFailSig
}

// executeDirect execs the child directly per run, the fallback used when
// instrumentation is absent (spec §4.2 "Fallbacks").
func (d *Driver) executeDirect(ctx context.Context) (Outcome, error) {
	runCtx, cancel := context.WithTimeout(ctx, maxDuration(d.execTime, time.Second))
	defer cancel()

	if d.netNS != "" {
		if err := netns.Ensure(d.netNS); err != nil {
			return Err, fmt.Errorf("preparing network namespace %q: %w", d.netNS, err)
		}
	}
	childPath, childArgs := netns.Args(d.netNS, d.cmd, d.args)

	cmd := exec.CommandContext(runCtx, childPath, childArgs...)
	cmd.Env = os.Environ()
	if d.bitmap != nil {
		cmd.Env = append(cmd.Env, d.env...)
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d", shm.EnvVar, d.bitmap.ID()))
	}
	cmd.SysProcAttr = processGroupAttr()
	if err := applyRlimits(cmd, d.memMB); err != nil {
		return Err, err
	}

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		if cmd.Process != nil {
			killProcessGroup(cmd.Process.Pid)
		}
		return Timeout, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok {
			if exitErr.ProcessState != nil && wasSignaled(exitErr) {
				return Crash, nil
			}
		}
		return Err, nil
	}

	if d.bitmap != nil && allZero(d.bitmap.Bytes()) {
		return NoInstrumentation, nil
	}
	return None, nil
}

// Stop kills the fork-server and any in-flight child (spec §5 cancellation
// semantics: pending children receive KILL immediately, the fork-server is
// KILLed after the last in-flight child is reaped).
func (d *Driver) Stop() {
	if d.lastPID != 0 {
		d.killPID(d.lastPID)
	}
	d.killChild()
}

func (d *Driver) killChild() {
	if d.proc != nil && d.proc.Process != nil {
		killProcessGroup(d.proc.Process.Pid)
		d.proc.Wait()
	}
	if d.vm != nil {
		d.vm.Stop(context.Background())
		d.vm = nil
	}
	if d.ctlW != nil {
		d.ctlW.Close()
	}
	if d.stW != nil {
		d.stW.Close()
	}
}

func (d *Driver) killPID(pid int) {
	if pid <= 0 {
		return
	}
	unix.Kill(pid, unix.SIGKILL)
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func readFull(f io.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, fmt.Errorf("unexpected EOF from fork-server")
		}
	}
	return total, nil
}

func writeU32(f io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := f.Write(buf[:])
	return err
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
