/*
Copyright © 2025 3 Leaps <info@3leaps.net>
*/
package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fulmenhq/gemaudit/pkg/exitcode"
	"github.com/spf13/cobra"
)

type databaseStats struct {
	Path        string     `json:"path"`
	Remote      string     `json:"remote"`
	Advisories  int        `json:"advisories"`
	Gems        int        `json:"gems"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
	Staleness   string     `json:"staleness,omitempty"`
	Stale       bool       `json:"stale"`
	Skipped     []string   `json:"skipped_records,omitempty"`
}

func newStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show advisory database details",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}
	cmd.Flags().Bool("json", false, "Output statistics in JSON format")
	addDatabaseFlags(cmd)
	return cmd
}

func runStats(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, databaseFlagKeys)
	if err != nil {
		return err
	}
	db, err := openDatabase(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	snap := db.Snapshot()
	stats := databaseStats{
		Path:       db.Path(),
		Remote:     db.Remote(),
		Advisories: snap.Size(),
		Gems:       len(snap.Gems()),
	}
	if last := snap.LastUpdated(); !last.IsZero() {
		stats.LastUpdated = &last
		age := db.Staleness().Round(time.Minute)
		stats.Staleness = age.String()
		stats.Stale = cfg.Database.MaxAge > 0 && age > cfg.Database.MaxAge
	}
	for _, rec := range snap.Failures() {
		stats.Skipped = append(stats.Skipped, rec.Error())
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(stats); err != nil {
			return exitcode.Wrap(exitcode.FileSystemError, err)
		}
		return nil
	}

	fmt.Fprintf(out, "Database:     %s\n", stats.Path)
	fmt.Fprintf(out, "Remote:       %s\n", stats.Remote)
	fmt.Fprintf(out, "Advisories:   %d\n", stats.Advisories)
	fmt.Fprintf(out, "Gems:         %d\n", stats.Gems)
	if stats.LastUpdated != nil {
		fmt.Fprintf(out, "Last updated: %s (%s ago)\n", stats.LastUpdated.Format(time.RFC3339), stats.Staleness)
	} else {
		fmt.Fprintln(out, "Last updated: unknown")
	}
	if stats.Stale {
		fmt.Fprintln(out, "Status:       stale, run `gemaudit update`")
	}
	if len(stats.Skipped) > 0 {
		fmt.Fprintf(out, "Skipped:      %d records\n", len(stats.Skipped))
		for _, s := range stats.Skipped {
			fmt.Fprintf(out, "  - %s\n", s)
		}
	}
	return nil
}
