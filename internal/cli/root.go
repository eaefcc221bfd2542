package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dsmmcken/ssfuzz/internal/report"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	jsonFlag    bool
	verboseFlag bool
	quietFlag   bool
)

// NewRootCmd builds the full ssfuzz command tree.
func NewRootCmd() *cobra.Command {
	cmd := newRootCmd()
	addRunCommand(cmd)
	addCalibrateCommand(cmd)
	addReplayCommand(cmd)
	addShowmapCommand(cmd)
	return cmd
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ssfuzz",
		Short:         "Stateful, coverage-guided network protocol fuzzer",
		Long:          "ssfuzz — a coverage-guided fuzzer for stateful network protocols, with an optional LLM oracle for grammar induction, seed enrichment, and stall recovery.",
		Version:       fmt.Sprintf("ssfuzz v%s", Version),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verboseFlag && quietFlag {
				return fmt.Errorf("--verbose and --quiet are mutually exclusive")
			}
			if jsonFlag {
				quietFlag = true
			}
			report.SetFlags(jsonFlag, quietFlag, verboseFlag)
			return nil
		},
	}
	rootCmd.SetVersionTemplate("{{.Version}}\n")

	pflags := rootCmd.PersistentFlags()
	pflags.BoolVarP(&jsonFlag, "json", "j", false, "Output as JSON")
	pflags.BoolVarP(&verboseFlag, "verbose", "v", false, "Extra detail to stderr")
	pflags.BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output")

	if os.Getenv("SSFUZZ_JSON") == "1" {
		jsonFlag = true
	}

	return rootCmd
}

// Execute runs the command tree, the package's single entry point for
// cmd/ssfuzz/main.go.
func Execute() error {
	cmd := NewRootCmd()
	return cmd.Execute()
}
