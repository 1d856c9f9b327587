package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/gridclaw/internal/state"
	"github.com/user/gridclaw/internal/types"
)

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsEventsCmd)
	jobsListCmd.Flags().String("post", "", "only show jobs of this post")
	jobsEventsCmd.Flags().Int("limit", 0, "show only the last N events")
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect recorded jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List job records, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		records := state.NewJobRecordStore(cfg.DataDir)
		events := state.NewEventLog(cfg.DataDir)
		postID, _ := cmd.Flags().GetString("post")

		ctx := context.Background()
		list, err := records.List(ctx, types.PostID(postID))
		if err != nil {
			return fmt.Errorf("list jobs: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No jobs found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "JOB\tPOST\tVARIATION\tSTATE\tUPSCALES\tEVENTS\tCREATED")
		for _, r := range list {
			count, err := events.Count(ctx, r.JobID)
			if err != nil {
				count = 0
			}
			st := string(r.State)
			if r.Failure != nil {
				st += " (" + r.Failure.Kind + ")"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
				r.JobID,
				r.PostID,
				r.Variation,
				st,
				len(r.Upscales),
				count,
				r.CreatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var jobsEventsCmd = &cobra.Command{
	Use:   "events <job-id>",
	Short: "Show a job's state transitions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		limit, _ := cmd.Flags().GetInt("limit")
		events, err := state.NewEventLog(cfg.DataDir).Tail(context.Background(), types.JobID(args[0]), limit)
		if err != nil {
			return fmt.Errorf("read events: %w", err)
		}
		if len(events) == 0 {
			fmt.Println("No events recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tAT\tFROM\tTO\tVARIANT\tDETAIL")
		for _, ev := range events {
			variant := "-"
			if ev.Variant > 0 {
				variant = fmt.Sprint(ev.Variant)
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
				ev.Seq,
				ev.At.Format("15:04:05.000"),
				ev.From,
				ev.To,
				variant,
				ev.Detail,
			)
		}
		return w.Flush()
	},
}
