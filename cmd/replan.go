package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/partition"
	"github.com/JakeFAU/listing-crawler/internal/store"
)

func newReplanCmd(root *rootOptions) *cobra.Command {
	var (
		partitions string
		statuses   []string
	)
	cmd := &cobra.Command{
		Use:   "replan",
		Short: "Return finished targets to the queue",
		Long: `Replan moves targets in the given terminal statuses (default failed and
parked) back to planned, resetting attempts and the page cursor.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed := make([]store.Status, 0, len(statuses))
			for _, raw := range statuses {
				st, err := store.ParseStatus(raw)
				if err != nil {
					return err
				}
				if !st.Terminal() {
					return fmt.Errorf("status %q is not terminal", raw)
				}
				parsed = append(parsed, st)
			}

			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			app, logger, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeApp(app, logger)

			filter := store.Filter{PartitionKeys: partition.Parse(partitions)}
			n, err := app.Store().Replan(ctx, filter, parsed)
			if err != nil {
				return fmt.Errorf("replan: %w", err)
			}
			logger.Info("replanned targets", zap.Int("count", n), zap.Strings("statuses", statuses))
			fmt.Fprintf(cmd.OutOrStdout(), "replanned %d targets\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&partitions, "partitions", "", "comma separated partition values to include")
	cmd.Flags().StringSliceVar(&statuses, "statuses", []string{"failed", "parked"}, "terminal statuses to replan")
	return cmd
}
