// Package netns runs a target process inside a named Linux network
// namespace (--netns), so a fuzz target that binds to a fixed port can be
// run many times concurrently without port collisions between campaigns.
//
// Grounded on firecracker-go-sdk's own use of vishvananda/netlink+netns to
// wire a microVM's tap device into a namespace; this package borrows the
// same pair of libraries for the plain fork-server transport instead of a
// VM boundary.
package netns

import (
	"fmt"
	"runtime"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// Exists reports whether a namespace with the given name is already
// present, so the caller can decide between joining and creating one.
func Exists(name string) bool {
	h, err := netns.GetFromName(name)
	if err != nil {
		return false
	}
	h.Close()
	return true
}

// Ensure creates the named namespace if it does not already exist, and
// brings its loopback interface up — a freshly created namespace starts
// with lo down, which would make a target bound to 127.0.0.1 unreachable.
func Ensure(name string) error {
	if Exists(name) {
		return nil
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origin, err := netns.Get()
	if err != nil {
		return fmt.Errorf("getting origin namespace: %w", err)
	}
	defer origin.Close()
	defer netns.Set(origin)

	handle, err := netns.NewNamed(name)
	if err != nil {
		return fmt.Errorf("creating namespace %q: %w", name, err)
	}
	defer handle.Close()

	lo, err := netlink.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("looking up loopback in namespace %q: %w", name, err)
	}
	if err := netlink.LinkSetUp(lo); err != nil {
		return fmt.Errorf("bringing up loopback in namespace %q: %w", name, err)
	}
	return nil
}

// Args rewrites a (path, args) pair to run under the named namespace via
// `ip netns exec`. Returning the rewritten
// program and arguments rather than a constructed *exec.Cmd lets the caller
// keep using exec.CommandContext for its own cancellation/timeout handling.
func Args(name, path string, args []string) (string, []string) {
	if name == "" {
		return path, args
	}
	return "ip", append([]string{"netns", "exec", name, path}, args...)
}
