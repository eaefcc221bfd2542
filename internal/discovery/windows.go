//go:build windows

package discovery

import "fmt"

// discoverProcesses is not implemented on Windows.
func discoverProcesses() ([]Server, error) {
	return nil, fmt.Errorf("process discovery is not supported on Windows")
}

// killProcess is not implemented on Windows.
func killProcess(pid int) error {
	return fmt.Errorf("process kill is not supported on Windows")
}
