package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dsmmcken/ssfuzz/internal/calibrate"
	"github.com/dsmmcken/ssfuzz/internal/config"
	"github.com/dsmmcken/ssfuzz/internal/report"
)

var (
	calInputDir    string
	calOutputDir   string
	calNetwork     string
	calProtocol    string
	calSkipCrashes bool
)

func addCalibrateCommand(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "calibrate TARGET_CMD [ARGS...]",
		Short: "Dry-run calibrate a seed corpus without starting a campaign",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runCalibrate,
	}

	flags := cmd.Flags()
	flags.StringVar(&calInputDir, "input-dir", "corpus", "Seed corpus directory")
	flags.StringVar(&calOutputDir, "output-dir", "out", "Campaign output directory (its layout is created and locked; results are printed, not saved)")
	flags.StringVar(&calNetwork, "network", "tcp://127.0.0.1/4444", "Network target (scheme://host/port)")
	flags.StringVar(&calProtocol, "protocol", "textline", "Registered protocol plugin name")
	flags.BoolVar(&calSkipCrashes, "skip-crashes", false, "Treat crashing seeds as non-fatal")

	parent.AddCommand(cmd)
}

func runCalibrate(cmd *cobra.Command, args []string) error {
	cfg := config.Defaults()
	cfg.InputDir = calInputDir
	cfg.OutputDir = calOutputDir
	cfg.TargetCmd = args
	cfg.Protocol = calProtocol
	cfg.SkipCrashes = calSkipCrashes

	target, err := config.ParseNetworkTarget(calNetwork)
	if err != nil {
		return err
	}
	cfg.Network = target

	ctx := context.Background()
	campaign, err := NewCampaign(ctx, cfg)
	if err != nil {
		return err
	}
	defer campaign.Close()

	ents, err := os.ReadDir(cfg.InputDir)
	if err != nil {
		return fmt.Errorf("reading input dir: %w", err)
	}

	run := campaign.asCalibrateRunFunc(ctx)
	type row struct {
		Seed        string  `json:"seed"`
		ExecUSAvg   int64   `json:"exec_us_avg"`
		BitmapSize  int     `json:"bitmap_size"`
		VarBehavior bool    `json:"var_behavior"`
		Runs        int     `json:"runs"`
		Error       string  `json:"error,omitempty"`
	}
	var rows []row
	for _, de := range ents {
		if de.IsDir() {
			continue
		}
		path := filepath.Join(cfg.InputDir, de.Name())
		buf, err := os.ReadFile(path)
		if err != nil {
			rows = append(rows, row{Seed: de.Name(), Error: err.Error()})
			continue
		}
		res, err := calibrate.Run(buf, run, cfg.SkipCrashes)
		if err != nil {
			rows = append(rows, row{Seed: de.Name(), Error: err.Error()})
			continue
		}
		rows = append(rows, row{
			Seed: de.Name(), ExecUSAvg: res.ExecUSAvg, BitmapSize: res.BitmapSize,
			VarBehavior: res.VarBehavior, Runs: res.Runs,
		})
	}

	if report.IsJSON() {
		return report.PrintJSON(cmd.OutOrStdout(), rows)
	}
	for _, r := range rows {
		if r.Error != "" {
			report.Linef(cmd.OutOrStdout(), "%s: FAILED (%s)", r.Seed, r.Error)
			continue
		}
		report.Linef(cmd.OutOrStdout(), "%s: %d runs, %dus avg, %d bitmap bytes, var=%v",
			r.Seed, r.Runs, r.ExecUSAvg, r.BitmapSize, r.VarBehavior)
	}
	return nil
}
