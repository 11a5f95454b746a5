package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"scribe/internal/jobs"
	"scribe/internal/store"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var statusFlag string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Show the persisted job queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			var filter jobs.Status
			if trimmed := strings.TrimSpace(statusFlag); trimmed != "" {
				parsed, ok := jobs.ParseStatus(trimmed)
				if !ok {
					return fmt.Errorf("unknown status %q (expected one of %s)", trimmed, statusChoices())
				}
				filter = parsed
			}

			st, err := store.Open(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("open job store: %w", err)
			}
			defer st.Close()

			records, err := st.GetJobs(cmd.Context(), cfg.Store.UserKey)
			if err != nil {
				return fmt.Errorf("read jobs: %w", err)
			}

			rows := buildJobRows(records, filter)
			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "No jobs recorded")
				return nil
			}
			headers := []string{"ID", "Kind", "Status", "Title", "Size", "Progress", "Updated"}
			fmt.Fprintln(out, renderTable(headers, rows, 4, 5))
			return nil
		},
	}

	cmd.Flags().StringVar(&statusFlag, "status", "", "Only show jobs with this status")
	return cmd
}

func buildJobRows(records []jobs.Record, filter jobs.Status) [][]string {
	sorted := make([]jobs.Record, 0, len(records))
	for _, rec := range records {
		if filter != "" && rec.Status != filter {
			continue
		}
		sorted = append(sorted, rec)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	rows := make([][]string, 0, len(sorted))
	for _, rec := range sorted {
		title := strings.TrimSpace(rec.Title)
		if title == "" {
			title = "Unknown"
		}
		rows = append(rows, []string{
			shortID(rec.ID),
			string(rec.Kind),
			formatStatusLabel(string(rec.Status)),
			title,
			humanBytes(rec.SizeBytes),
			fmt.Sprintf("%d%%", int(rec.Progress*100)),
			formatDisplayTime(rec.UpdatedAt),
		})
	}
	return rows
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatStatusLabel(status string) string {
	status = strings.TrimSpace(status)
	if status == "" {
		return ""
	}
	return strings.ToUpper(status[:1]) + strings.ToLower(status[1:])
}

func formatDisplayTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func humanBytes(v int64) string {
	const unit = 1024
	if v < unit {
		return fmt.Sprintf("%d B", v)
	}
	div := int64(unit)
	exp := 0
	for n := v / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(v)/float64(div), "KMGTPE"[exp])
}

func statusChoices() string {
	all := jobs.AllStatuses()
	names := make([]string, len(all))
	for i, status := range all {
		names[i] = string(status)
	}
	return strings.Join(names, ", ")
}
