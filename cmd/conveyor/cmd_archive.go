package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/conveyor/archive"
	"github.com/xraph/conveyor/engine"
	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/store"
)

func archiveOpts(queue, groupID string) archive.ListOpts {
	return archive.ListOpts{Queue: queue, GroupID: groupID}
}

func (a *app) archiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect, replay and purge settled jobs",
	}
	cmd.AddCommand(a.archiveFailedCmd(), a.archiveReplayCmd(), a.archivePurgeCmd())
	return cmd
}

func (a *app) archiveFailedCmd() *cobra.Command {
	var (
		queue   string
		groupID string
		limit   int
		offset  int
	)
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List failed jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(cmd.Context(), func(s store.Store) error {
				opts := archiveOpts(queue, groupID)
				opts.Limit, opts.Offset = limit, offset
				recs, err := s.ListFailures(cmd.Context(), opts)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), recs)
				}

				w := newTable(cmd.OutOrStdout())
				fmt.Fprintln(w, "JOB\tQUEUE\tEXECUTOR\tATTEMPTS\tFAILED AT\tREPLAYED\tERROR")
				for _, f := range recs {
					replayed := "-"
					if f.ReplayedAt != nil {
						replayed = f.ReplayedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\t%s\n",
						f.JobID, f.Queue, f.ExecutorName, f.Attempts, f.MaxAttempts,
						f.FailedAt.Format(time.RFC3339), replayed, oneLine(f.Error))
				}
				return w.Flush()
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&queue, "queue", "", "Only failures of this queue")
	f.StringVar(&groupID, "group", "", "Only failures of this group")
	f.IntVar(&limit, "limit", 20, "Maximum records to list (0 lists all)")
	f.IntVar(&offset, "offset", 0, "Records to skip")
	return cmd
}

func (a *app) archiveReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <job-id>...",
		Short: "Re-enqueue failed jobs as fresh waiting jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]id.JobID, 0, len(args))
			for _, arg := range args {
				jobID, err := id.ParseJobID(arg)
				if err != nil {
					return fmt.Errorf("parse job id %q: %w", arg, err)
				}
				ids = append(ids, jobID)
			}

			return a.withEngine(cmd.Context(), func(eng *engine.Engine) error {
				for _, jobID := range ids {
					j, err := eng.ReplayFailure(cmd.Context(), jobID)
					if err != nil {
						return fmt.Errorf("replay %s: %w", jobID, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\treplayed as %s\n", jobID, j.ID)
				}
				return nil
			})
		},
	}
}

func (a *app) archivePurgeCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete archive records older than a duration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan < 0 {
				return fmt.Errorf("older-than must not be negative")
			}
			return a.withStore(cmd.Context(), func(s store.Store) error {
				n, err := s.PurgeArchive(cmd.Context(), time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d records\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Age of the oldest record kept")
	return cmd
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 120 {
		return s[:117] + "..."
	}
	return s
}
