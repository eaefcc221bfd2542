//go:build !linux

package childvm

import (
	"context"
	"fmt"
	"net"
)

// Config mirrors the linux-only Config so callers can reference it from
// platform-independent code paths.
type Config struct {
	KernelImagePath string
	RootfsPath      string
	VCPUCount       int64
	MemSizeMB       int64
	VsockUDSPath    string
	GuestCID        uint32
}

// Handle is a placeholder; childvm requires Linux with KVM support.
type Handle struct{}

func (h *Handle) Stop(ctx context.Context) error { return nil }
func (h *Handle) PID() int                       { return 0 }

func Boot(ctx context.Context, cfg Config) (*Handle, error) {
	return nil, fmt.Errorf("childvm transport requires Linux with KVM support")
}

func Dial(ctx context.Context, vsockUDSPath string, port uint32) (net.Conn, error) {
	return nil, fmt.Errorf("childvm transport requires Linux with KVM support")
}
