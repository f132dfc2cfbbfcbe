package cmd

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/listing-crawler/internal/partition"
	"github.com/JakeFAU/listing-crawler/internal/store"
)

func newStatusCmd(root *rootOptions) *cobra.Command {
	var partitions string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show target counts by partition and status, and worker liveness",
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			rows, err := app.Store().Summary(ctx, store.Filter{PartitionKeys: partition.Parse(partitions)})
			if err != nil {
				return fmt.Errorf("summarize targets: %w", err)
			}
			out := cmd.OutOrStdout()
			if err := writeSummary(out, rows); err != nil {
				return err
			}

			hbs, err := app.Store().ListWorkerHeartbeats(ctx)
			if err != nil {
				return fmt.Errorf("list workers: %w", err)
			}
			fmt.Fprintln(out)
			return writeWorkers(out, hbs, time.Now())
		},
	}
	cmd.Flags().StringVar(&partitions, "partitions", "", "comma separated partition values to include")
	return cmd
}

func writeSummary(out io.Writer, rows []store.SummaryRow) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PARTITION\tSTATUS\tCOUNT")
	totals := map[store.Status]int64{}
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", row.PartitionKey, row.Status, row.Count)
		totals[row.Status] += row.Count
	}
	statuses := make([]string, 0, len(totals))
	for s := range totals {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(tw, "TOTAL\t%s\t%d\n", s, totals[store.Status(s)])
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

func writeWorkers(out io.Writer, hbs []store.WorkerHeartbeat, now time.Time) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKER\tLAST HEARTBEAT\tAGE\tTARGET")
	for _, hb := range hbs {
		target := "-"
		if hb.CurrentTargetID != nil {
			target = fmt.Sprintf("%d", *hb.CurrentTargetID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			hb.WorkerID,
			hb.LastHeartbeat.UTC().Format(time.RFC3339),
			now.Sub(hb.LastHeartbeat).Truncate(time.Second),
			target,
		)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write workers: %w", err)
	}
	return nil
}
