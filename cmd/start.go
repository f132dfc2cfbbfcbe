package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/config"
	"github.com/JakeFAU/listing-crawler/internal/dispatcher"
	"github.com/JakeFAU/listing-crawler/internal/partition"
	"github.com/JakeFAU/listing-crawler/internal/store"
)

type startOptions struct {
	workers    int
	partitions string
	dryRun     bool
}

func newStartCmd(root *rootOptions) *cobra.Command {
	opts := &startOptions{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the worker pool",
		Long: `Start spawns the configured number of workers, assigns each a disjoint
slice of the partition values, and runs until SIGINT/SIGTERM (or "stop").
On shutdown workers finish or checkpoint their current target before exit.

Examples:
  listing-crawler start --workers 8 --partitions CA,NV,OR
  listing-crawler start --dry-run --partitions CA,NV`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			applyStartFlags(cmd, opts, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			if opts.dryRun {
				return runDryRun(cmd.Context(), cmd.OutOrStdout(), cfg)
			}
			if err := cfg.ValidateCrawl(); err != nil {
				return err
			}
			return runStart(cmd.Context(), cfg)
		},
	}

	cmd.Flags().IntVar(&opts.workers, "workers", 0, "number of workers (overrides pool.workers)")
	cmd.Flags().StringVar(&opts.partitions, "partitions", "", "comma separated partition values (overrides partitions)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "print the partition plan and target summary without starting workers")
	return cmd
}

func applyStartFlags(cmd *cobra.Command, opts *startOptions, cfg *config.Config) {
	if cmd.Flags().Changed("workers") {
		cfg.Pool.Workers = opts.workers
	}
	if cmd.Flags().Changed("partitions") {
		cfg.Partitions = partition.Parse(opts.partitions)
	}
}

func runStart(ctx context.Context, cfg config.Config) error {
	app, logger, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeApp(app, logger)

	if err := writePIDFile(cfg.Pool.PIDFile); err != nil {
		return err
	}
	defer removePIDFile(cfg.Pool.PIDFile)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting worker pool",
		zap.Int("workers", cfg.Pool.Workers),
		zap.Strings("partitions", cfg.Partitions),
		zap.Int("pid", os.Getpid()),
	)
	if err := app.Run(ctx, cfg.Pool.Workers, cfg.Partitions); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	return nil
}

func runDryRun(ctx context.Context, out io.Writer, cfg config.Config) error {
	plan, err := dispatcher.Plan(cfg.Partitions, cfg.Pool.Workers)
	if err != nil {
		return err
	}
	slots := make([]int, 0, len(plan))
	for slot := range plan {
		slots = append(slots, slot)
	}
	sort.Ints(slots)
	fmt.Fprintf(out, "partition plan (%d workers requested, %d used):\n", cfg.Pool.Workers, len(plan))
	for _, slot := range slots {
		fmt.Fprintf(out, "  worker %d: %s\n", slot, strings.Join(plan[slot], ","))
	}

	app, logger, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeApp(app, logger)

	values, err := partition.Normalize(cfg.Partitions)
	if err != nil {
		return err
	}
	rows, err := app.Store().Summary(ctx, store.Filter{PartitionKeys: values})
	if err != nil {
		return fmt.Errorf("summarize targets: %w", err)
	}
	fmt.Fprintln(out)
	return writeSummary(out, rows)
}
