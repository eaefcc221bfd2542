//go:build linux

// Package childvm implements the alternate vsock-based child transport
// (SPEC_FULL.md §2 "firecracker+vsock repurposed as an alternate C2
// transport", selected via --child-transport=vsock): the fuzz target runs
// inside a Firecracker microVM instead of as a direct fork-server child,
// and the fork-server control/status protocol is carried over a vsock
// connection instead of anonymous pipes.
//
// Grounded on the teacher's internal/vm package, which already boots a
// Firecracker microVM communicating over vsock (go_src/internal/vm/rootfs_linux.go);
// this package generalizes that machine lifecycle from a Deephaven server
// VM to an arbitrary fuzz-target VM.
package childvm

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	firecracker "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/dsmmcken/ssfuzz/internal/flog"
)

// Config describes the microVM to boot (spec's childvm transport).
type Config struct {
	KernelImagePath string
	RootfsPath      string
	VCPUCount       int64
	MemSizeMB       int64

	// VsockUDSPath is the host-side unix socket Firecracker exposes for its
	// vsock device; Dial speaks Firecracker's CONNECT handshake over it.
	VsockUDSPath string
	// GuestCID is the vsock context id the guest kernel is configured with.
	GuestCID uint32
}

// socketPath returns the per-boot Firecracker API socket, placed beside
// the vsock unix socket so a stale socket from a previous run never
// collides with a new one.
func socketPath(cfg Config) string {
	return filepath.Join(filepath.Dir(cfg.VsockUDSPath), fmt.Sprintf("firecracker-%d.sock", os.Getpid()))
}

// Handle wraps a running microVM.
type Handle struct {
	machine *firecracker.Machine
	cancel  context.CancelFunc
}

// Boot starts a Firecracker microVM per cfg and returns once the VMM has
// started; it does not wait for the guest's vsock listener.
func Boot(ctx context.Context, cfg Config) (*Handle, error) {
	vmCtx, cancel := context.WithCancel(ctx)

	fcCfg := firecracker.Config{
		SocketPath:      socketPath(cfg),
		KernelImagePath: cfg.KernelImagePath,
		Drives: []models.Drive{
			{
				DriveID:      firecracker.String("rootfs"),
				PathOnHost:   firecracker.String(cfg.RootfsPath),
				IsRootDevice: firecracker.Bool(true),
				IsReadOnly:   firecracker.Bool(false),
			},
		},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  firecracker.Int64(cfg.VCPUCount),
			MemSizeMib: firecracker.Int64(cfg.MemSizeMB),
		},
		VsockDevices: []firecracker.VsockDevice{
			{ID: "vsock0", Path: cfg.VsockUDSPath, CID: cfg.GuestCID},
		},
	}

	m, err := firecracker.NewMachine(vmCtx, fcCfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("constructing firecracker machine: %w", err)
	}
	if err := m.Start(vmCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("starting firecracker machine: %w", err)
	}

	flog.Infof("childvm booted, pid=%d vsock=%s", m.PID(), cfg.VsockUDSPath)
	return &Handle{machine: m, cancel: cancel}, nil
}

// Stop tears down the microVM.
func (h *Handle) Stop(ctx context.Context) error {
	defer h.cancel()
	return h.machine.StopVMM()
}

// PID returns the Firecracker process's pid, for the same process-group
// kill-on-timeout handling internal/forkserver uses for direct children.
func (h *Handle) PID() int { return h.machine.PID() }

// dialTimeout bounds how long Dial waits to connect to the host-side vsock
// unix socket; the CONNECT exchange that follows has no timeout of its own.
const dialTimeout = 5 * time.Second

// Dial opens a vsock connection to the guest on the given port, speaking
// Firecracker's host-side CONNECT handshake over the device's unix socket.
// The returned net.Conn carries the fork-server control/status protocol
// (spec §6) exactly as the pipe transport does — internal/forkserver's
// wire format is transport-agnostic.
func Dial(ctx context.Context, vsockUDSPath string, port uint32) (net.Conn, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", vsockUDSPath)
	if err != nil {
		return nil, fmt.Errorf("dialing vsock device socket: %w", err)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending CONNECT: %w", err)
	}
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading CONNECT response: %w", err)
	}
	var gotPort uint32
	if _, err := fmt.Sscanf(line, "OK %d", &gotPort); err != nil {
		conn.Close()
		return nil, fmt.Errorf("unexpected CONNECT response %q", line)
	}
	return conn, nil
}
