package cli

import (
	"github.com/spf13/cobra"

	"floorwatch/internal/app"
)

var (
	analyzeDensity       float64
	analyzeSkipSecondary bool
	analyzeVerbose       bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <item>",
	Short: "Run a one-shot support-price analysis for an item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.AnalyzeOptions{
			Item:          args[0],
			SkipSecondary: analyzeSkipSecondary,
			Verbose:       analyzeVerbose,
		}
		if cmd.Flags().Changed("density") {
			opts.Density = &analyzeDensity
		}
		return getApp().Analyze(cmd.Context(), opts)
	},
}

func init() {
	analyzeCmd.Flags().Float64Var(&analyzeDensity, "density", 0, "Override density share (0 disables density gating)")
	analyzeCmd.Flags().BoolVar(&analyzeSkipSecondary, "no-secondary", false, "Skip the secondary market comparison")
	analyzeCmd.Flags().BoolVarP(&analyzeVerbose, "verbose", "v", false, "Print partition search notes")
}
