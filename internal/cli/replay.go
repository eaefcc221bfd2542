package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dsmmcken/ssfuzz/internal/config"
	"github.com/dsmmcken/ssfuzz/internal/discovery"
	"github.com/dsmmcken/ssfuzz/internal/forkserver"
	"github.com/dsmmcken/ssfuzz/internal/report"
)

var (
	replayNetwork string
	replayAttach  bool
)

func addReplayCommand(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "replay ARTIFACT [TARGET_CMD ARGS...]",
		Short: "Re-execute one saved crash, hang, or queue artifact",
		Long: `Re-execute a single replayable-crashes/replayable-hangs/queue artifact
against either a freshly spawned target command, or (with --attach) an
already-running server discovered on the configured network target.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runReplay,
	}

	flags := cmd.Flags()
	flags.StringVar(&replayNetwork, "network", "tcp://127.0.0.1/4444", "Network target (scheme://host/port)")
	flags.BoolVar(&replayAttach, "attach", false, "Attach to an already-running server instead of spawning TARGET_CMD")

	parent.AddCommand(cmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	artifactPath := args[0]
	buf, err := os.ReadFile(artifactPath)
	if err != nil {
		return fmt.Errorf("reading artifact: %w", err)
	}

	cfg := config.Defaults()
	cfg.OutputDir, err = os.MkdirTemp("", "ssfuzz-replay-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(cfg.OutputDir)
	cfg.Protocol = "textline"

	target, err := config.ParseNetworkTarget(replayNetwork)
	if err != nil {
		return err
	}
	cfg.Network = target

	if replayAttach {
		servers, err := discovery.Discover()
		if err != nil {
			return fmt.Errorf("discovering running servers: %w", err)
		}
		found := false
		for _, s := range servers {
			if s.Port == target.Port {
				found = true
				report.Linef(cmd.OutOrStdout(), "attaching to pid %d (%s) on port %d", s.PID, s.Source, s.Port)
				break
			}
		}
		if !found {
			return fmt.Errorf("no running server found on port %d; start one or omit --attach", target.Port)
		}
	} else {
		if len(args) < 2 {
			return fmt.Errorf("TARGET_CMD is required unless --attach is set")
		}
		cfg.TargetCmd = args[1:]
	}

	ctx := context.Background()
	campaign, err := NewCampaign(ctx, cfg)
	if err != nil {
		return err
	}
	defer campaign.Close()

	res, err := campaign.Execute(ctx, buf)
	if err != nil {
		return err
	}

	if report.IsJSON() {
		return report.PrintJSON(cmd.OutOrStdout(), map[string]any{
			"outcome":     res.Outcome.String(),
			"new_cov":     res.NewCov,
			"checksum":    res.Checksum,
			"elapsed_us":  res.ElapsedUS,
			"states":      res.States,
			"short_send":  res.Net.ShortSend,
			"likely_buggy": res.Net.LikelyBuggy,
		})
	}

	report.Linef(cmd.OutOrStdout(), "outcome: %s", res.Outcome)
	report.Linef(cmd.OutOrStdout(), "new coverage: %v", res.NewCov)
	report.Linef(cmd.OutOrStdout(), "elapsed: %dus", res.ElapsedUS)
	report.Linef(cmd.OutOrStdout(), "states: %v", res.States)

	if res.Outcome == forkserver.Crash {
		os.Exit(report.ExitCrashFound)
	}
	return nil
}
