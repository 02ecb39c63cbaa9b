package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/rcliao/memory-substrate/internal/model"
	"github.com/rcliao/memory-substrate/internal/substrate"
)

// Maintenance commands run one pass of a background job and print its
// report. They act as the system and need no API key.
func init() {
	jobs := []struct {
		use, short string
		run        func(context.Context, *substrate.Engine) (any, error)
	}{
		{"sweep", "Delete expired short and medium-tier memories", func(ctx context.Context, e *substrate.Engine) (any, error) {
			return e.SweepExpired(ctx)
		}},
		{"decay", "Attenuate importance of stale long-tier memories", func(ctx context.Context, e *substrate.Engine) (any, error) {
			return e.RunDecay(ctx)
		}},
		{"compound", "Consolidate near-duplicate long-tier memories", func(ctx context.Context, e *substrate.Engine) (any, error) {
			return e.RunCompounding(ctx)
		}},
		{"backfill", "Embed memories stored without a vector", func(ctx context.Context, e *substrate.Engine) (any, error) {
			return e.RunBackfill(ctx)
		}},
	}

	for _, j := range jobs {
		RootCmd.AddCommand(&cobra.Command{
			Use:   j.use,
			Short: j.short,
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				e, _ := openEngine(cmd.Context())
				defer e.Close()

				report, err := j.run(cmd.Context(), e)
				if err != nil {
					exitErr(j.use, err)
				}
				printOut(cmd.OutOrStdout(), report)
			},
		})
	}

	last := &cobra.Command{
		Use:   "last-sweep <tier>",
		Short: "Show the most recent sweep of an expiring tier",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			e, _ := openEngine(cmd.Context())
			defer e.Close()

			run, err := e.LastSweep(cmd.Context(), model.Tier(args[0]))
			if err != nil {
				exitErr("last-sweep", err)
			}
			printOut(cmd.OutOrStdout(), run)
		},
	}
	RootCmd.AddCommand(last)
}
