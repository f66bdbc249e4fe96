package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/editalwatch/discovery/internal/crawler"
)

func newRunCmd() *cobra.Command {
	var (
		batches int
		strict  bool
	)
	cmd := &cobra.Command{
		Use:   "run [slug]",
		Short: "Runs discovery once for one source or the whole catalogue",
		Long: `Runs discovery once and prints the run summary as JSON. Without a slug
every enabled source is processed, spread over --batches concurrent sessions.
A slug runs that source alone, even when it is disabled.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var summary crawler.RunSummary
			if len(args) == 1 {
				run, err := a.GetOrchestrator().Run(ctx, args[0])
				if err != nil {
					return err
				}
				summary.Add(run)
			} else {
				if batches <= 0 {
					batches = a.GetConfig().Run.Batches
				}
				summary, err = a.GetRunner().RunBatches(ctx, batches)
				if err != nil {
					return fmt.Errorf("run: %w", err)
				}
			}

			a.GetLogger().Info("discovery run finished",
				zap.Int("sources", len(summary.Sources)),
				zap.Int("found", summary.TotalFound),
				zap.Int("saved", summary.TotalSaved),
			)
			if err := printJSON(cmd.OutOrStdout(), summary); err != nil {
				return err
			}
			if n := failedSources(summary.Sources); strict && n > 0 {
				return fmt.Errorf("%d source(s) failed", n)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&batches, "batches", 0, "concurrent batches for a full run (default run.batches)")
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero when any source fails")
	return cmd
}
