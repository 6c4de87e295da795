package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xraph/conveyor/engine"
	"github.com/xraph/conveyor/group"
)

func (a *app) groupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage job groups",
	}

	single := func(use, short string, fn func(cmd *cobra.Command, eng *engine.Engine, queue, groupID string) (*group.Group, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <queue> <group-id>",
			Short: short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withEngine(cmd.Context(), func(eng *engine.Engine) error {
					g, err := fn(cmd, eng, args[0], args[1])
					if err != nil {
						return err
					}
					return a.printGroups(cmd.OutOrStdout(), []*group.Group{g})
				})
			},
		}
	}

	cmd.AddCommand(
		single("create", "Create an active group", func(cmd *cobra.Command, eng *engine.Engine, q, gid string) (*group.Group, error) {
			return eng.CreateGroup(cmd.Context(), q, gid)
		}),
		single("pause", "Hold back a group's waiting jobs", func(cmd *cobra.Command, eng *engine.Engine, q, gid string) (*group.Group, error) {
			if err := eng.PauseGroup(cmd.Context(), q, gid); err != nil {
				return nil, err
			}
			return eng.GetGroup(cmd.Context(), q, gid)
		}),
		single("resume", "Make a paused group's jobs claimable again", func(cmd *cobra.Command, eng *engine.Engine, q, gid string) (*group.Group, error) {
			if err := eng.ResumeGroup(cmd.Context(), q, gid); err != nil {
				return nil, err
			}
			return eng.GetGroup(cmd.Context(), q, gid)
		}),
		single("reconcile", "Recompute a group's counters from the store", func(cmd *cobra.Command, eng *engine.Engine, q, gid string) (*group.Group, error) {
			return eng.ReconcileGroup(cmd.Context(), q, gid)
		}),
		&cobra.Command{
			Use:   "list [queue]",
			Short: "List groups, optionally of one queue",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var queue string
				if len(args) == 1 {
					queue = args[0]
				}
				return a.withEngine(cmd.Context(), func(eng *engine.Engine) error {
					groups, err := eng.ListGroups(cmd.Context(), queue)
					if err != nil {
						return err
					}
					return a.printGroups(cmd.OutOrStdout(), groups)
				})
			},
		},
	)
	return cmd
}

func (a *app) printGroups(w io.Writer, groups []*group.Group) error {
	if a.jsonOut {
		return printJSON(w, groups)
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "QUEUE\tGROUP\tSTATUS\tTOTAL\tCOMPLETED\tFAILED")
	for _, g := range groups {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n", g.Queue, g.ID, g.Status, g.TotalJobs, g.CompletedJobs, g.FailedJobs)
	}
	return tw.Flush()
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}
