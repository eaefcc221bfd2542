package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/dsmmcken/ssfuzz/internal/config"
	"github.com/dsmmcken/ssfuzz/internal/flog"
	"github.com/dsmmcken/ssfuzz/internal/oracle"
	"github.com/dsmmcken/ssfuzz/internal/report"
	"github.com/dsmmcken/ssfuzz/internal/statusui"
)

var (
	runInputDir     string
	runOutputDir    string
	runNetwork      string
	runProtocol     string
	runStateAware   bool
	runRegionLevel  bool
	runStateSelect  string
	runSeedSelect   string
	runExecTimeout  time.Duration
	runSocketTO     time.Duration
	runServerWait   time.Duration
	runMemLimitMB   int
	runDictDir      string
	runCleanup      string
	runNetNS        string
	runGraceful     bool
	runCollectGreet bool
	runTransport    string
	runVMKernel     string
	runVMRootfs     string
	runVMVCPUCount  int64
	runVMMemMB      int64
	runVMVsockUDS   string
	runVMGuestCID   uint32
	runVMGuestPort  uint32
	runSkipCrashes  bool
	runLLMTag       string
	runLLMEndpoint  string
	runLLMAPIKey    string
	runLLMModel     string
	runResume       bool
	runUI           bool
)

func addRunCommand(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "run TARGET_CMD [ARGS...]",
		Short: "Run a fuzzing campaign against a target command",
		Long: `Run a fuzzing campaign against a target command.

Examples:
  ssfuzz run --input-dir corpus --output-dir out --network tcp://127.0.0.1/4444 -- ./target
  ssfuzz run --output-dir out --resume -- ./target`,
		Args: cobra.MinimumNArgs(1),
		RunE: runRun,
	}

	flags := cmd.Flags()
	flags.StringVar(&runInputDir, "input-dir", "corpus", "Seed corpus directory")
	flags.StringVar(&runOutputDir, "output-dir", "out", "Campaign output directory")
	flags.StringVar(&runNetwork, "network", "tcp://127.0.0.1/4444", "Network target (scheme://host/port)")
	flags.StringVar(&runProtocol, "protocol", "textline", "Registered protocol plugin name")
	flags.BoolVar(&runStateAware, "state-aware", true, "Enable state-aware target-state selection")
	flags.BoolVar(&runRegionLevel, "region-level-mutation", true, "Bias mutation toward message regions")
	flags.StringVar(&runStateSelect, "state-select", "favored", "Target-state selection mode: random|round-robin|favored")
	flags.StringVar(&runSeedSelect, "seed-select", "favored", "Seed selection mode: random|round-robin|favored (saved in fuzzer.toml; seed choice does not depend on it)")
	flags.DurationVar(&runExecTimeout, "exec-timeout", time.Second, "Per-execution timeout")
	flags.DurationVar(&runSocketTO, "socket-timeout", time.Millisecond, "Per-read socket timeout")
	flags.DurationVar(&runServerWait, "server-wait", 10*time.Millisecond, "Delay before dialing the target after launch")
	flags.IntVar(&runMemLimitMB, "mem-limit-mb", 0, "Child memory limit in MB, passed to the target as SSFUZZ_MEM_LIMIT_BYTES (0 = no limit)")
	flags.StringVar(&runDictDir, "dict-dir", "", "Token dictionary directory (saved in fuzzer.toml; no tokens are loaded from it)")
	flags.StringVar(&runCleanup, "cleanup-script", "", "Script run before each execution")
	flags.StringVar(&runNetNS, "netns", "", "Network namespace to run the target in")
	flags.BoolVar(&runGraceful, "graceful-terminate", false, "Half-close the connection after quiescence")
	flags.BoolVar(&runCollectGreet, "collect-greeting", false, "Read a server greeting before sending messages")
	flags.StringVar(&runTransport, "child-transport", "pipe", "Child transport: pipe|vsock")
	flags.StringVar(&runVMKernel, "vm-kernel-image", "", "Firecracker kernel image (child-transport=vsock)")
	flags.StringVar(&runVMRootfs, "vm-rootfs", "", "Firecracker rootfs image (child-transport=vsock)")
	flags.Int64Var(&runVMVCPUCount, "vm-vcpu-count", 1, "Firecracker vCPU count (child-transport=vsock)")
	flags.Int64Var(&runVMMemMB, "vm-mem-mb", 128, "Firecracker guest memory in MB (child-transport=vsock)")
	flags.StringVar(&runVMVsockUDS, "vm-vsock-uds", "", "Host-side vsock unix socket path (child-transport=vsock)")
	flags.Uint32Var(&runVMGuestCID, "vm-guest-cid", 3, "Guest vsock context id (child-transport=vsock)")
	flags.Uint32Var(&runVMGuestPort, "vm-guest-port", 52, "Guest vsock port the fork-server stub listens on (child-transport=vsock)")
	flags.BoolVar(&runSkipCrashes, "skip-crashes", false, "Treat crashing seeds as non-fatal during calibration")
	flags.StringVar(&runLLMTag, "llm-protocol-tag", "", "Protocol tag for the LLM oracle (saved in fuzzer.toml; not included in prompts)")
	flags.StringVar(&runLLMEndpoint, "llm-endpoint", "", "LLM chat-completion endpoint (enables the oracle)")
	flags.StringVar(&runLLMAPIKey, "llm-api-key", "", "LLM API key")
	flags.StringVar(&runLLMModel, "llm-model", "", "LLM model name")
	flags.BoolVar(&runResume, "resume", false, "Resume from an existing output directory's fuzzer.toml")
	flags.BoolVar(&runUI, "ui", false, "Show a live status display instead of plain log lines")

	parent.AddCommand(cmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	var cfg config.Config
	if runResume {
		loaded, err := config.Load(runOutputDir)
		if err != nil {
			return fmt.Errorf("resuming %s: %w", runOutputDir, err)
		}
		cfg = loaded
		cfg.TargetCmd = args
	} else {
		cfg = config.Defaults()
		cfg.InputDir = runInputDir
		cfg.OutputDir = runOutputDir
		cfg.TargetCmd = args
		cfg.Protocol = runProtocol
		cfg.StateAware = runStateAware
		cfg.RegionLevel = runRegionLevel
		cfg.StateSelect = config.SelectionMode(runStateSelect)
		cfg.SeedSelect = config.SelectionMode(runSeedSelect)
		cfg.ExecTimeout = runExecTimeout
		cfg.SocketTimeout = runSocketTO
		cfg.ServerWait = runServerWait
		cfg.MemLimitMB = runMemLimitMB
		cfg.DictDir = runDictDir
		cfg.CleanupScript = runCleanup
		cfg.NetNS = runNetNS
		cfg.GracefulTerm = runGraceful
		cfg.CollectGreeting = runCollectGreet
		cfg.ChildTransport = config.ChildTransport(runTransport)
		cfg.VMKernelImage = runVMKernel
		cfg.VMRootfs = runVMRootfs
		cfg.VMVCPUCount = runVMVCPUCount
		cfg.VMMemSizeMB = runVMMemMB
		cfg.VMVsockUDS = runVMVsockUDS
		cfg.VMGuestCID = runVMGuestCID
		cfg.VMGuestPort = runVMGuestPort
		cfg.SkipCrashes = runSkipCrashes
		cfg.LLMProtocolTag = runLLMTag

		target, err := config.ParseNetworkTarget(runNetwork)
		if err != nil {
			return err
		}
		cfg.Network = target
	}

	env := config.ReadEnv()
	if env.Debug {
		flog.SetVerbose(true)
	}

	ctx := context.Background()
	campaign, err := NewCampaign(ctx, cfg)
	if err != nil {
		return err
	}
	defer campaign.Close()

	if runLLMEndpoint != "" {
		campaign.SetOracle(oracle.NewHTTPOracle(runLLMEndpoint, runLLMAPIKey, runLLMModel))
	}

	if !runResume {
		if err := campaign.LoadCorpus(ctx); err != nil {
			return err
		}
	}
	if err := config.Save(cfg.OutputDir, cfg); err != nil {
		flog.Warnf("persisting fuzzer.toml: %v", err)
	}

	report.Linef(cmd.OutOrStdout(), "ssfuzz: fuzzing %s against %s (protocol %s)", strings.Join(args, " "), cfg.Network, cfg.Protocol)

	if runUI {
		snapshots := campaign.Subscribe()
		program := tea.NewProgram(statusui.New(snapshots))
		go func() {
			if _, err := program.Run(); err != nil {
				flog.Warnf("status display exited: %v", err)
			}
		}()
		defer program.Quit()
	}

	if err := campaign.Run(ctx); err != nil {
		if report.IsJSON() {
			_ = report.PrintError(cmd.ErrOrStderr(), "campaign_error", err.Error())
		} else {
			fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
		}
		os.Exit(report.ExitError)
	}

	if campaign.UniqueCrashes > 0 {
		os.Exit(report.ExitCrashFound)
	}
	return nil
}
