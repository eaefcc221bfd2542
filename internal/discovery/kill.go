package discovery

import "fmt"

// Kill stops the process listening on the given port, used to clear a
// stale target left over from a previous campaign before --attach reuses
// its port.
func Kill(port int) error {
	servers, err := Discover()
	if err != nil {
		return fmt.Errorf("discovering processes: %w", err)
	}

	for _, s := range servers {
		if s.Port != port {
			continue
		}
		if s.PID <= 0 {
			return fmt.Errorf("process on port %d has no PID", port)
		}
		return killProcess(s.PID)
	}

	return &NotFoundError{Port: port}
}

// NotFoundError is returned when no process is found on the specified port.
type NotFoundError struct {
	Port int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no process found on port %d", e.Port)
}
