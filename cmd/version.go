/*
Copyright © 2025 3 Leaps <info@3leaps.net>
*/
package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/fulmenhq/gemaudit/pkg/advisorydb"
	"github.com/fulmenhq/gemaudit/pkg/buildinfo"
	"github.com/fulmenhq/gemaudit/pkg/logger"
	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the gemaudit version and advisory count",
		Args:  cobra.NoArgs,
		RunE:  runVersion,
	}
	cmd.Flags().Bool("extended", false, "Show build details")
	cmd.Flags().Bool("json", false, "Output version information in JSON format")
	addDatabaseFlags(cmd)
	return cmd
}

func runVersion(cmd *cobra.Command, _ []string) error {
	extended, _ := cmd.Flags().GetBool("extended")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()

	info := buildinfo.Current()
	advisories := "unavailable"
	if cfg, err := loadConfig(cmd, databaseFlagKeys); err == nil {
		info.Database = cfg.Database.Path
		// Version output never fails on a missing database.
		if db, err := advisorydb.OpenContext(cmd.Context(), cfg.Database.Path); db != nil {
			info.Advisories = db.Size()
			advisories = fmt.Sprint(db.Size())
		} else {
			logger.Debug("advisory database not available", logger.Err(err))
		}
	} else {
		logger.Debug("configuration not available", logger.Err(err))
	}

	if jsonOutput {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	fmt.Fprintf(out, "gemaudit %s (advisories: %s)\n", info.Version, advisories)
	if extended {
		if info.Commit != "" {
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
		}
		fmt.Fprintf(out, "Go version: %s\n", info.GoVersion)
		fmt.Fprintf(out, "Platform:   %s/%s\n", info.Platform, info.Arch)
		if info.Database != "" {
			fmt.Fprintf(out, "Database:   %s\n", info.Database)
		}
	}
	return nil
}
