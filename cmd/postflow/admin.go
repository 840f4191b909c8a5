package main

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"postflow/internal/audit"
	"postflow/internal/content"
	"postflow/internal/domain"
	"postflow/internal/schedule"
	"postflow/internal/scheduler"
)

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "schedule", Short: "Manage weekly posting schedules"}
	cmd.AddCommand(newScheduleSetCmd(), newScheduleListCmd(), newScheduleNextCmd(), newScheduleDeleteCmd())
	return cmd
}

func parseWeekdays(days []string) ([]int, error) {
	names := map[string]int{"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6}
	out := make([]int, 0, len(days))
	for _, d := range days {
		d = strings.ToLower(strings.TrimSpace(d))
		if n, ok := names[d[:min(3, len(d))]]; ok && len(d) >= 3 {
			out = append(out, n)
			continue
		}
		n, err := strconv.Atoi(d)
		if err != nil {
			return nil, fmt.Errorf("weekday %q: want 0-6 or a day name", d)
		}
		out = append(out, n)
	}
	return out, nil
}

func newScheduleSetCmd() *cobra.Command {
	var owner, platform, account string
	var days, times []string
	var disabled bool
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Create or replace the schedule for a destination",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := appFrom(cmd)
			p, err := domain.ParsePlatform(platform)
			if err != nil {
				return err
			}
			weekdays, err := parseWeekdays(days)
			if err != nil {
				return err
			}
			s, created, err := a.queue.UpsertSchedule(cmd.Context(), domain.RecurringSchedule{
				OwnerID: owner, Platform: p, AccountRef: optional(account),
				Weekdays: weekdays, TimesOfDay: times, Enabled: !disabled,
			})
			if err != nil {
				return err
			}
			kind, verb := audit.KindScheduleUpdated, "Updated"
			if created {
				kind, verb = audit.KindScheduleCreated, "Created"
			}
			if err := a.sink().Record(cmd.Context(), audit.Event{
				OwnerID: owner,
				Kind:    kind,
				Message: fmt.Sprintf("%s %s schedule", verb, p),
				Details: map[string]any{"schedule_id": s.ID, "weekdays": s.Weekdays, "times": s.TimesOfDay, "enabled": s.Enabled},
			}); err != nil {
				a.log.Error().Err(err).Msg("audit record failed")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %v at %s\n", s.ID, s.Platform, s.Weekdays, strings.Join(s.TimesOfDay, ","))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&owner, "owner", "", "owner id")
	f.StringVar(&platform, "platform", "", "platform")
	f.StringVar(&account, "account", "", "platform account reference")
	f.StringSliceVar(&days, "days", nil, "weekdays, 0=Sunday or names (mon,wed)")
	f.StringSliceVar(&times, "times", nil, "times of day, HH:MM")
	f.BoolVar(&disabled, "disabled", false, "store the schedule disabled")
	for _, name := range []string{"owner", "platform", "days", "times"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newScheduleListCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List an owner's schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			scheds, err := appFrom(cmd).queue.ListSchedules(cmd.Context(), owner, nil)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPLATFORM\tACCOUNT\tDAYS\tTIMES\tENABLED")
			for _, s := range scheds {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%s\t%t\n", s.ID, s.Platform, domain.Deref(s.AccountRef),
					s.Weekdays, strings.Join(s.TimesOfDay, ","), s.Enabled)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newScheduleNextCmd() *cobra.Command {
	var owner, platform, account string
	var count int
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Preview the next slots of a destination's schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := appFrom(cmd)
			p, err := domain.ParsePlatform(platform)
			if err != nil {
				return err
			}
			loc, err := a.cfg.Location()
			if err != nil {
				return err
			}
			s, err := a.queue.FindSchedule(cmd.Context(), owner, p, optional(account))
			if err != nil {
				return err
			}
			slots := schedule.Slots(s, time.Now().In(loc), count)
			if len(slots) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no upcoming slots")
				return nil
			}
			for _, t := range slots {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", t.Format("Mon 2006-01-02 15:04 MST"), humanize.Time(t))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&owner, "owner", "", "owner id")
	f.StringVar(&platform, "platform", "", "platform")
	f.StringVar(&account, "account", "", "platform account reference")
	f.IntVar(&count, "count", 5, "number of slots")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("platform")
	return cmd
}

func newScheduleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <schedule-id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := appFrom(cmd).queue.DeleteSchedule(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "deleted", args[0])
			return nil
		},
	}
}

func newFolderCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "folder", Short: "Manage watched content folders"}

	var owner, folder, platform, account string
	var autoQueue, disabled bool
	add := &cobra.Command{
		Use:   "add",
		Short: "Watch a folder for a destination, or update its flags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := appFrom(cmd)
			p, err := domain.ParsePlatform(platform)
			if err != nil {
				return err
			}
			f, err := a.content.UpsertFolder(cmd.Context(), domain.WatchFolder{
				OwnerID: owner, FolderRef: folder, Platform: p, AccountRef: optional(account),
				AutoQueue: autoQueue, Enabled: !disabled,
			})
			if err != nil {
				return err
			}
			if err := a.sink().Record(cmd.Context(), audit.Event{
				OwnerID: owner,
				Kind:    audit.KindChannelAdded,
				Message: fmt.Sprintf("Watching %s for %s", folder, p),
				Details: map[string]any{"folder_id": f.ID, "folder": folder, "platform": string(p), "auto_queue": autoQueue},
			}); err != nil {
				a.log.Error().Err(err).Msg("audit record failed")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s -> %s auto_queue=%t\n", f.ID, f.FolderRef, f.Platform, f.AutoQueue)
			return nil
		},
	}
	af := add.Flags()
	af.StringVar(&owner, "owner", "", "owner id")
	af.StringVar(&folder, "folder", "", "folder under the content root")
	af.StringVar(&platform, "platform", "", "platform")
	af.StringVar(&account, "account", "", "platform account reference")
	af.BoolVar(&autoQueue, "auto-queue", false, "queue new files on the destination's schedule")
	af.BoolVar(&disabled, "disabled", false, "stop scanning this folder")
	for _, name := range []string{"owner", "folder", "platform"} {
		_ = add.MarkFlagRequired(name)
	}

	var listOwner string
	list := &cobra.Command{
		Use:   "list",
		Short: "List watched folders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			folders, err := appFrom(cmd).content.ListFolders(cmd.Context(), listOwner)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tOWNER\tFOLDER\tPLATFORM\tAUTO\tENABLED")
			for _, f := range folders {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%t\n", f.ID, f.OwnerID, f.FolderRef, f.Platform, f.AutoQueue, f.Enabled)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&listOwner, "owner", "", "owner id (default: every enabled folder)")

	cmd.AddCommand(add, list)
	return cmd
}

func newContentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "content", Short: "Inspect discovered content"}

	var owner string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List an owner's content items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			items, err := appFrom(cmd).content.ListItems(cmd.Context(), owner, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSIZE\tDISCOVERED\tTITLE")
			for _, it := range items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", it.ID, it.Name, humanize.Bytes(uint64(it.SizeBytes)),
					humanize.Time(it.DiscoveredAt), domain.Deref(it.Title))
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&owner, "owner", "", "owner id")
	list.Flags().IntVar(&limit, "limit", 50, "max rows")
	_ = list.MarkFlagRequired("owner")

	var title, description string
	var tags []string
	meta := &cobra.Command{
		Use:   "meta <content-id>",
		Short: "Set the title, description and tags used when publishing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			md := domain.PublishMetadata{Title: optional(title), Description: optional(description), Tags: tags}
			if err := appFrom(cmd).content.SetMetadata(cmd.Context(), args[0], md); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "updated", args[0])
			return nil
		},
	}
	meta.Flags().StringVar(&title, "title", "", "post title")
	meta.Flags().StringVar(&description, "description", "", "post description")
	meta.Flags().StringSliceVar(&tags, "tags", nil, "comma separated tags")

	cmd.AddCommand(list, meta)
	return cmd
}

func newCredentialCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "credential", Short: "Manage platform credentials"}

	var owner, platform, token, refresh, account, expires string
	set := &cobra.Command{
		Use:   "set",
		Short: "Store an access token for an owner and platform",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := appFrom(cmd)
			p, err := domain.ParsePlatform(platform)
			if err != nil {
				return err
			}
			c := domain.Credential{OwnerID: owner, Platform: p, AccessToken: token, RefreshToken: optional(refresh), AccountRef: optional(account)}
			if expires != "" {
				loc, err := a.cfg.Location()
				if err != nil {
					return err
				}
				at, err := parseWhen(expires, time.Now(), loc)
				if err != nil {
					return err
				}
				c.ExpiresAt = &at
			}
			if err := a.creds.Put(cmd.Context(), c); err != nil {
				return err
			}
			if err := a.sink().Record(cmd.Context(), audit.Event{
				OwnerID: owner,
				Kind:    audit.KindOAuthConnected,
				Message: fmt.Sprintf("Connected %s", p),
				Details: map[string]any{"platform": string(p), "account_ref": account},
			}); err != nil {
				a.log.Error().Err(err).Msg("audit record failed")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s credential for %s\n", p, owner)
			return nil
		},
	}
	sf := set.Flags()
	sf.StringVar(&owner, "owner", "", "owner id")
	sf.StringVar(&platform, "platform", "", "platform")
	sf.StringVar(&token, "token", "", "access token")
	sf.StringVar(&refresh, "refresh-token", "", "refresh token")
	sf.StringVar(&account, "account", "", "platform account reference")
	sf.StringVar(&expires, "expires", "", "expiry, RFC 3339 or +duration")
	for _, name := range []string{"owner", "platform", "token"} {
		_ = set.MarkFlagRequired(name)
	}

	cmd.AddCommand(set)
	return cmd
}

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Scan watched folders once and auto-queue new content",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := appFrom(cmd)
			loc, err := a.cfg.Location()
			if err != nil {
				return err
			}
			source := content.NewDirSource(a.cfg.ContentRoot, a.cfg.WorkDir)
			svc := scheduler.NewService(a.content, a.content, source, a.queue, a.sink(), a.log, a.cfg.ScanInterval, loc)
			res, err := svc.Scan(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "folders=%d discovered=%d queued=%d errors=%d\n", res.Folders, res.Discovered, res.Queued, res.Errors)
			return nil
		},
	}
}
