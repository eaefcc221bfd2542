package discovery

import (
	"fmt"
	"os"
	"strings"
)

// Server represents a listening fuzz-target process found on the host,
// used by `ssfuzz replay --attach` to recover a previously spawned
// target's PID/command without having to respawn it.
type Server struct {
	Port   int    `json:"port"`
	PID    int    `json:"pid,omitempty"`
	Source string `json:"source"`
	Script string `json:"script,omitempty"`
	CWD    string `json:"cwd,omitempty"`
}

// Discover finds all processes listening on a TCP port, the set of
// candidates a previous fuzzing session's target could be running as.
func Discover() ([]Server, error) {
	servers, err := discoverProcesses()
	if err != nil {
		return nil, fmt.Errorf("process discovery: %w", err)
	}
	return dedupeByPort(servers), nil
}

// dedupeByPort collapses duplicate entries for the same port, keeping the
// first one seen (a port can show up twice across /proc/net/tcp and
// /proc/net/tcp6 for a dual-stack listener).
func dedupeByPort(servers []Server) []Server {
	seen := make(map[int]bool)
	var result []Server
	for _, s := range servers {
		if !seen[s.Port] {
			seen[s.Port] = true
			result = append(result, s)
		}
	}
	return result
}

// ClassifyProcess reports the command name for pid, used to label a
// discovered listener so the user can recognize their own target process.
func ClassifyProcess(pid int) string {
	cmdline := readProcCmdline(pid)
	return classifyCmdline(cmdline)
}

// classifyCmdline extracts a short, human-readable label from a full
// command line: the basename of argv[0], or "unknown" if cmdline could
// not be read.
func classifyCmdline(cmdline string) string {
	if cmdline == "" {
		return "unknown"
	}
	argv0 := cmdline
	if idx := strings.IndexByte(cmdline, ' '); idx >= 0 {
		argv0 = cmdline[:idx]
	}
	if idx := strings.LastIndexByte(argv0, '/'); idx >= 0 {
		argv0 = argv0[idx+1:]
	}
	if argv0 == "" {
		return "unknown"
	}
	return argv0
}

// ClassifyCmdlineForTest exposes classifyCmdline for unit testing.
func ClassifyCmdlineForTest(cmdline string) string {
	return classifyCmdline(cmdline)
}

// DedupeByPortForTest exposes dedupeByPort for unit testing.
func DedupeByPortForTest(servers []Server) []Server {
	return dedupeByPort(servers)
}

// readProcCmdline reads the command line for a given PID.
// Returns empty string if it cannot be read.
func readProcCmdline(pid int) string {
	path := fmt.Sprintf("/proc/%d/cmdline", pid)
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	// cmdline uses null bytes as separators
	return strings.ReplaceAll(string(data), "\x00", " ")
}
