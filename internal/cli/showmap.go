package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dsmmcken/ssfuzz/internal/bitmap"
	"github.com/dsmmcken/ssfuzz/internal/config"
	"github.com/dsmmcken/ssfuzz/internal/report"
)

var showmapNetwork string

func addShowmapCommand(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "showmap INPUT TARGET_CMD [ARGS...]",
		Short: "Execute INPUT once and print its classified coverage bitmap",
		Long:  "showmap runs a single buffer through the fork-server and network driver and prints every nonzero bitmap offset, without touching the queue.",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runShowmap,
	}

	flags := cmd.Flags()
	flags.StringVar(&showmapNetwork, "network", "tcp://127.0.0.1/4444", "Network target (scheme://host/port)")

	parent.AddCommand(cmd)
}

func runShowmap(cmd *cobra.Command, args []string) error {
	buf, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	cfg := config.Defaults()
	cfg.OutputDir, err = os.MkdirTemp("", "ssfuzz-showmap-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(cfg.OutputDir)
	cfg.Protocol = "textline"
	cfg.TargetCmd = args[1:]

	target, err := config.ParseNetworkTarget(showmapNetwork)
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

	res, err := campaign.Execute(ctx, buf)
	if err != nil {
		return err
	}

	type hit struct {
		Offset int `json:"offset"`
		Value  int `json:"value"`
	}
	var hits []hit
	for i := 0; i < res.Trace.Len(); i++ {
		if v := res.Trace.Get(i); v != 0 {
			hits = append(hits, hit{Offset: i, Value: int(v)})
		}
	}

	if report.IsJSON() {
		return report.PrintJSON(cmd.OutOrStdout(), map[string]any{
			"outcome":  res.Outcome.String(),
			"checksum": res.Checksum,
			"hits":     hits,
			"n_bytes":  bitmap.CountBytes(res.Trace),
			"n_bits":   bitmap.CountBits(res.Trace),
		})
	}

	for _, h := range hits {
		report.Linef(cmd.OutOrStdout(), "%06d:%d", h.Offset, h.Value)
	}
	report.Linef(cmd.OutOrStdout(), "-- outcome: %s, %d bytes, %d bits", res.Outcome, bitmap.CountBytes(res.Trace), bitmap.CountBits(res.Trace))
	return nil
}
