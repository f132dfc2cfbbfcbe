// Package cmd defines the listing-crawler CLI commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/config"
	"github.com/JakeFAU/listing-crawler/internal/dispatcher"
	"github.com/JakeFAU/listing-crawler/internal/logging"
	"github.com/JakeFAU/listing-crawler/internal/server"
)

// Exit codes.
const (
	exitOK = iota
	exitError
	// exitRestartBudget means a worker slot kept failing after its restarts.
	exitRestartBudget
)

type rootOptions struct {
	configPath string
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "listing-crawler",
		Short: "Coordinated crawl workers for business listing sites.",
		Long: `listing-crawler runs a pool of crawl workers against a shared target
queue. Each worker claims (partition, city, category) targets, paginates them
through a proxy with adaptive pacing, checkpoints every page, and resumes
where a crashed worker left off.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (YAML); CRAWLER_* env vars override it")

	cmd.AddCommand(newStartCmd(opts))
	cmd.AddCommand(newStopCmd(opts))
	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newSeedCmd(opts))
	cmd.AddCommand(newReplanCmd(opts))

	return cmd
}

// Execute runs the CLI and exits with a status code.
func Execute() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		if errors.Is(err, dispatcher.ErrRestartBudgetExceeded) {
			return exitRestartBudget
		}
		return exitError
	}
	return exitOK
}

// loadConfig reads the config file and environment.
func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// buildApp creates the logger and opens the store and sink.
func buildApp(ctx context.Context, cfg config.Config) (*server.App, *zap.Logger, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	app, err := server.Build(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("app init failed: %w", err)
	}
	return app, logger, nil
}

func closeApp(app *server.App, logger *zap.Logger) {
	if err := app.Close(); err != nil {
		logger.Warn("close failed", zap.Error(err))
	}
}
