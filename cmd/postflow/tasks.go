package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"postflow/internal/domain"
	"postflow/internal/queue"
)

// parseWhen accepts RFC 3339, "2006-01-02 15:04" in loc, or "+<duration>"
// relative to now.
func parseWhen(s string, now time.Time, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "+"); ok {
		d, err := time.ParseDuration(rest)
		if err != nil {
			return time.Time{}, fmt.Errorf("time %q: %w", s, err)
		}
		return now.Add(d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02 15:04", s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("time %q: want RFC 3339, \"YYYY-MM-DD HH:MM\" or +duration", s)
	}
	return t, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func printTasks(w io.Writer, tasks []domain.QueueTask) {
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPLATFORM\tSTATUS\tSCHEDULED\tATTEMPTS\tDETAIL")
	for _, t := range tasks {
		detail := domain.Deref(t.LastError)
		if t.RemotePostRef != nil {
			detail = "post " + *t.RemotePostRef
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s (%s)\t%d\t%s\n", t.ID, t.Platform, t.Status,
			t.ScheduledFor.Format("2006-01-02 15:04"), humanize.Time(t.ScheduledFor), t.Attempts, detail)
	}
	tw.Flush()
}

func printTask(w io.Writer, t domain.QueueTask) {
	fmt.Fprintf(w, "%s %s %s at %s\n", t.ID, t.Platform, t.Status, t.ScheduledFor.Format(time.RFC3339))
}

func newEnqueueCmd() *cobra.Command {
	var owner, contentRef, platform, account, at, publishAt string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a content item for a platform",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := appFrom(cmd)
			loc, err := a.cfg.Location()
			if err != nil {
				return err
			}
			p, err := domain.ParsePlatform(platform)
			if err != nil {
				return err
			}
			when, err := parseWhen(at, time.Now(), loc)
			if err != nil {
				return err
			}
			nt := queue.NewTask{OwnerID: owner, ContentRef: contentRef, Platform: p, AccountRef: optional(account), ScheduledFor: when}
			if publishAt != "" {
				hint, err := parseWhen(publishAt, time.Now(), loc)
				if err != nil {
					return err
				}
				nt.PublishAt = &hint
			}
			if _, err := a.content.Get(cmd.Context(), contentRef); err != nil {
				return err
			}
			t, err := a.queue.Enqueue(cmd.Context(), nt)
			if err != nil {
				return err
			}
			printTask(cmd.OutOrStdout(), t)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&owner, "owner", "", "owner id")
	f.StringVar(&contentRef, "content", "", "content item id")
	f.StringVar(&platform, "platform", "", "target platform")
	f.StringVar(&account, "account", "", "platform account reference")
	f.StringVar(&at, "at", "+0s", "when the task becomes due")
	f.StringVar(&publishAt, "publish-at", "", "ask the platform to publish at this time")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("content")
	_ = cmd.MarkFlagRequired("platform")
	return cmd
}

func newRequeueCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "requeue <task-id>",
		Short: "Put a failed task back on the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			var when *time.Time
			if at != "" {
				loc, err := a.cfg.Location()
				if err != nil {
					return err
				}
				t, err := parseWhen(at, time.Now(), loc)
				if err != nil {
					return err
				}
				when = &t
			}
			t, err := a.queue.Requeue(cmd.Context(), args[0], when)
			if err != nil {
				return err
			}
			printTask(cmd.OutOrStdout(), t)
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "new due time (default: keep)")
	return cmd
}

func newSkipCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "skip <task-id>",
		Short: "Mark a pending task as skipped",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := appFrom(cmd).queue.Transition(cmd.Context(), args[0], domain.StatusSkipped, queue.TransitionOptions{})
			if err != nil {
				return err
			}
			printTask(cmd.OutOrStdout(), t)
			return nil
		},
	}
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <task-id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := appFrom(cmd).queue.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "removed", args[0])
			return nil
		},
	}
}

func newQueueCmd() *cobra.Command {
	var owner, platform, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List an owner's tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := queue.ListFilter{Limit: limit}
			if platform != "" {
				p, err := domain.ParsePlatform(platform)
				if err != nil {
					return err
				}
				f.Platform = &p
			}
			if status != "" {
				st, err := domain.ParseStatus(status)
				if err != nil {
					return err
				}
				f.Status = &st
			}
			tasks, err := appFrom(cmd).queue.ListByOwner(cmd.Context(), owner, f)
			if err != nil {
				return err
			}
			printTasks(cmd.OutOrStdout(), tasks)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	cmd.Flags().StringVar(&platform, "platform", "", "filter by platform")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newAttemptsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attempts <task-id>",
		Short: "Show a task's dispatch attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			attempts, err := appFrom(cmd).queue.ListAttempts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tSTARTED\tTOOK\tOUTCOME\tERROR")
			for _, at := range attempts {
				took, outcome := "-", "running"
				if at.FinishedAt != nil {
					took = at.FinishedAt.Sub(at.StartedAt).Round(time.Millisecond).String()
				}
				if at.Outcome != nil {
					outcome = string(*at.Outcome)
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", at.Attempt, humanize.Time(at.StartedAt), took, outcome, domain.Deref(at.Error))
			}
			return tw.Flush()
		},
	}
}

func newStatsCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count tasks by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := appFrom(cmd)
			var counts map[domain.Status]int
			var err error
			if owner == "" {
				counts, err = a.queue.StatusCounts(cmd.Context())
			} else {
				counts, err = a.queue.Stats(cmd.Context(), owner)
			}
			if err != nil {
				return err
			}
			statuses := append([]domain.Status(nil), domain.AllStatuses...)
			sort.SliceStable(statuses, func(i, j int) bool { return counts[statuses[i]] > counts[statuses[j]] })
			for _, st := range statuses {
				fmt.Fprintf(cmd.OutOrStdout(), "%-17s %s\n", st, humanize.Comma(int64(counts[st])))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id (default: all owners)")
	return cmd
}

func newActivityCmd() *cobra.Command {
	var owner string
	var limit int
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Show an owner's recent activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			events, err := appFrom(cmd).activity.Recent(cmd.Context(), owner, limit)
			if err != nil {
				return err
			}
			for _, e := range events {
				fmt.Fprintf(cmd.OutOrStdout(), "%-14s %-18s %s\n", humanize.Time(e.CreatedAt), e.Kind, e.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	cmd.Flags().IntVar(&limit, "limit", 20, "max events")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}
