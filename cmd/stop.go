package cmd

import (
	"fmt"
	"syscall"

	"github.com/spf13/cobra"
)

func newStopCmd(root *rootOptions) *cobra.Command {
	var pidFile string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask a running pool to drain and exit",
		Long: `Stop sends SIGTERM to the process recorded in pool.pid_file. The pool
stops claiming, lets workers finish or checkpoint their targets, and cancels
stragglers after pool.grace_period.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if pidFile == "" {
				cfg, err := root.loadConfig()
				if err != nil {
					return err
				}
				pidFile = cfg.Pool.PIDFile
			}
			pid, err := signalPID(pidFile, syscall.SIGTERM)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent SIGTERM to %d\n", pid)
			return nil
		},
	}
	cmd.Flags().StringVar(&pidFile, "pid-file", "", "pid file to read (defaults to pool.pid_file)")
	return cmd
}
