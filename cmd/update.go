/*
Copyright © 2025 3 Leaps <info@3leaps.net>
*/
package cmd

import (
	"fmt"

	"github.com/fulmenhq/gemaudit/pkg/config"
	"github.com/fulmenhq/gemaudit/pkg/exitcode"
	"github.com/fulmenhq/gemaudit/pkg/logger"
	"github.com/spf13/cobra"
)

func newUpdateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update the ruby-advisory-db",
		Long: `Update clones ruby-advisory-db into the configured database path, or
fetches and checks out the configured ref when a checkout already exists.
A failed update leaves the existing database untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, databaseFlagKeys)
			if err != nil {
				return err
			}
			return runDatabaseUpdate(cmd, cfg)
		},
	}
	addDatabaseFlags(cmd)
	return cmd
}

// runDatabaseUpdate prints the update progress lines and maps failure to the
// database exit code.
func runDatabaseUpdate(cmd *cobra.Command, cfg *config.Config) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Updating ruby-advisory-db ...")

	db, err := syncDatabase(cmd.Context(), cfg)
	if err != nil {
		fmt.Fprintln(out, "Failed updating ruby-advisory-db!")
		logger.Error("advisory database update failed", logger.String("database", cfg.Database.Path), logger.Err(err))
		return exitcode.Silent(exitcode.DatabaseError)
	}

	fmt.Fprintln(out, "Updated ruby-advisory-db")
	fmt.Fprintf(out, "ruby-advisory-db: %d advisories\n", db.Size())
	return nil
}
