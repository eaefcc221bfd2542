// Package config resolves and persists the campaign configuration: CLI
// flags, environment variables, and the on-disk fuzzer.toml written beside
// fuzzer_stats (spec.md §4.11, §6). Adapted from the teacher's
// internal/config package, which resolved a Deephaven version the same way
// (flag > env > rc-file > toml default).
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// SelectionMode names a target-state or seed selection algorithm (spec §4.6).
type SelectionMode string

const (
	SelectRandom     SelectionMode = "random"
	SelectRoundRobin SelectionMode = "round-robin"
	SelectFavored    SelectionMode = "favored"
)

// ChildTransport selects how the fork-server child is driven (spec §4.2,
// and SPEC_FULL.md's alternate vsock transport).
type ChildTransport string

const (
	TransportPipe  ChildTransport = "pipe"
	TransportVsock ChildTransport = "vsock"
)

// NetworkTarget is the parsed `scheme://host/port` network info (spec §6).
type NetworkTarget struct {
	Scheme string `toml:"scheme" json:"scheme"` // "tcp" or "udp"
	Host   string `toml:"host" json:"host"`
	Port   int    `toml:"port" json:"port"`
}

func (t NetworkTarget) String() string { return fmt.Sprintf("%s://%s/%d", t.Scheme, t.Host, t.Port) }

// ParseNetworkTarget parses "tcp://127.0.0.1/4444" style network info.
func ParseNetworkTarget(s string) (NetworkTarget, error) {
	u, err := url.Parse(s)
	if err != nil {
		return NetworkTarget{}, fmt.Errorf("parsing network target %q: %w", s, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "tcp" && scheme != "udp" {
		return NetworkTarget{}, fmt.Errorf("network target %q: scheme must be tcp or udp", s)
	}
	host := u.Hostname()
	portStr := u.Port()
	if portStr == "" {
		portStr = strings.TrimPrefix(u.Path, "/")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return NetworkTarget{}, fmt.Errorf("network target %q: invalid port", s)
	}
	return NetworkTarget{Scheme: scheme, Host: host, Port: port}, nil
}

// Config is the fully resolved campaign configuration, persisted as
// <outdir>/fuzzer.toml.
type Config struct {
	InputDir    string   `toml:"input_dir"`
	OutputDir   string   `toml:"output_dir"`
	TargetCmd   []string `toml:"target_cmd"`
	Network     NetworkTarget `toml:"network"`
	Protocol    string   `toml:"protocol"`

	StateAware    bool          `toml:"state_aware"`
	RegionLevel   bool          `toml:"region_level_mutation"`
	StateSelect   SelectionMode `toml:"state_select_mode"`
	SeedSelect    SelectionMode `toml:"seed_select_mode"`

	ExecTimeout   time.Duration `toml:"exec_timeout"`
	PollInterval  time.Duration `toml:"poll_interval"`
	SocketTimeout time.Duration `toml:"socket_timeout"`
	ServerWait    time.Duration `toml:"server_wait"`

	MemLimitMB     int    `toml:"mem_limit_mb"`
	DictDir        string `toml:"dict_dir"`
	CleanupScript  string `toml:"cleanup_script"`
	NetNS          string `toml:"netns"`
	GracefulTerm   bool   `toml:"graceful_terminate"`
	BindLocalPort  int    `toml:"bind_local_port"`
	CollectGreeting bool  `toml:"collect_greeting"`

	ChildTransport ChildTransport `toml:"child_transport"`

	// VM fields configure the childvm transport (only read when
	// ChildTransport == TransportVsock).
	VMKernelImage string `toml:"vm_kernel_image"`
	VMRootfs      string `toml:"vm_rootfs"`
	VMVCPUCount   int64  `toml:"vm_vcpu_count"`
	VMMemSizeMB   int64  `toml:"vm_mem_size_mb"`
	VMVsockUDS    string `toml:"vm_vsock_uds"`
	VMGuestCID    uint32 `toml:"vm_guest_cid"`
	VMGuestPort   uint32 `toml:"vm_guest_port"`

	MasterID int `toml:"master_id"`
	WorkerID int `toml:"worker_id"`

	SkipCrashes bool `toml:"skip_crashes"`

	LLMProtocolTag string `toml:"llm_protocol_tag"`
}

// Defaults returns a Config with every spec-mandated default filled in.
func Defaults() Config {
	return Config{
		StateAware:     true,
		StateSelect:    SelectFavored,
		SeedSelect:     SelectFavored,
		ExecTimeout:    1 * time.Second,
		PollInterval:   1 * time.Millisecond,
		SocketTimeout:  1 * time.Millisecond,
		ServerWait:     10 * time.Millisecond,
		ChildTransport: TransportPipe,
		VMVCPUCount:    1,
		VMMemSizeMB:    128,
		VMGuestCID:     3,
		VMGuestPort:    52,
		Network:        NetworkTarget{Scheme: "tcp"},
	}
}

// Path returns the on-disk location of the campaign's fuzzer.toml.
func Path(outputDir string) string { return filepath.Join(outputDir, "fuzzer.toml") }

// Load reads fuzzer.toml from outputDir, used on `ssfuzz run --resume`.
func Load(outputDir string) (Config, error) {
	data, err := os.ReadFile(Path(outputDir))
	if err != nil {
		return Config{}, fmt.Errorf("reading fuzzer.toml: %w", err)
	}
	cfg := Defaults()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing fuzzer.toml: %w", err)
	}
	return cfg, nil
}

// Save writes the resolved Config to <outputDir>/fuzzer.toml.
func Save(outputDir string, cfg Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling fuzzer.toml: %w", err)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}
	return os.WriteFile(Path(outputDir), data, 0o644)
}

// EnvOverrides holds the SSFUZZ_* environment variables the fuzzer
// recognizes, as read by ReadEnv. They are not merged into Config. Debug
// turns on verbose logging in `ssfuzz run`, and ExitWhenDone and
// BenchUntilCrash stop the main loop; the other fields are read but not
// acted on.
type EnvOverrides struct {
	SkipBitmapLen  bool // SSFUZZ_SKIP_BITMAP_LEN_CHECK
	NoAffinity     bool // SSFUZZ_NO_AFFINITY
	HangTimeoutMS  int  // SSFUZZ_HANG_TMOUT
	Deferred       bool // SSFUZZ_DEFER_FORKSRV
	Persistent     bool // SSFUZZ_PERSISTENT
	PreloadPath    string // SSFUZZ_PRELOAD
	ExitWhenDone   bool // SSFUZZ_EXIT_WHEN_DONE
	BenchUntilCrash bool // SSFUZZ_BENCH_UNTIL_CRASH
	Debug          bool // SSFUZZ_DEBUG
}

// ReadEnv reads the recognized SSFUZZ_* environment variables.
func ReadEnv() EnvOverrides {
	var e EnvOverrides
	e.SkipBitmapLen = envBool("SSFUZZ_SKIP_BITMAP_LEN_CHECK")
	e.NoAffinity = envBool("SSFUZZ_NO_AFFINITY")
	if v := os.Getenv("SSFUZZ_HANG_TMOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			e.HangTimeoutMS = n
		}
	}
	e.Deferred = envBool("SSFUZZ_DEFER_FORKSRV")
	e.Persistent = envBool("SSFUZZ_PERSISTENT")
	e.PreloadPath = os.Getenv("SSFUZZ_PRELOAD")
	e.ExitWhenDone = envBool("SSFUZZ_EXIT_WHEN_DONE")
	e.BenchUntilCrash = envBool("SSFUZZ_BENCH_UNTIL_CRASH")
	e.Debug = envBool("SSFUZZ_DEBUG")
	return e
}

func envBool(name string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	return v == "1" || v == "true" || v == "yes"
}
