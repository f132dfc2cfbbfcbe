package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/seed"
)

func newSeedCmd(root *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Plan targets from a seed file",
		Long: `Seed expands a YAML seed file (cities, categories, population tiers) into
targets and inserts them as planned. Existing (partition, city, category)
targets are left untouched, so seeding twice is harmless.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			sf, err := seed.Load(file)
			if err != nil {
				return err
			}
			targets, err := sf.Targets()
			if err != nil {
				return err
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

			n, err := app.Store().Insert(ctx, targets)
			if err != nil {
				return fmt.Errorf("insert targets: %w", err)
			}
			logger.Info("seeded targets", zap.Int("inserted", n), zap.Int("planned", len(targets)))
			fmt.Fprintf(cmd.OutOrStdout(), "inserted %d of %d targets\n", n, len(targets))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "seed file (YAML)")
	return cmd
}
