/*
Copyright © 2025 3 Leaps <info@3leaps.net>
*/
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fulmenhq/gemaudit/pkg/advisorydb"
	"github.com/fulmenhq/gemaudit/pkg/config"
	"github.com/fulmenhq/gemaudit/pkg/exitcode"
	"github.com/fulmenhq/gemaudit/pkg/logger"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// databaseFlagKeys binds the database flags shared by several commands.
var databaseFlagKeys = map[string]string{
	"database": "database.path",
	"url":      "database.url",
	"ref":      "database.ref",
	"timeout":  "database.update_timeout",
}

func addDatabaseFlags(cmd *cobra.Command) {
	cmd.Flags().String("database", "", "Path to the ruby-advisory-db checkout")
	cmd.Flags().String("url", "", "Remote of the advisory database")
	cmd.Flags().String("ref", "", "Branch, tag or commit of the advisory database")
	cmd.Flags().Duration("timeout", 0, "Bound on the database update network step")
}

// loadConfig resolves configuration for cmd. Failures map to the config exit code.
func loadConfig(cmd *cobra.Command, keys ...map[string]string) (*config.Config, error) {
	file, _ := cmd.Flags().GetString("config")
	flagKeys := make(map[string]string)
	for _, m := range keys {
		for k, v := range m {
			flagKeys[k] = v
		}
	}
	cfg, err := config.Load(config.Options{File: file, Flags: cmd.Flags(), FlagKeys: flagKeys})
	if err != nil {
		return nil, exitcode.Wrap(exitcode.ConfigError, err)
	}
	return cfg, nil
}

func databaseOptions(cfg *config.Config) []advisorydb.Option {
	return []advisorydb.Option{
		advisorydb.WithRemote(cfg.Database.URL),
		advisorydb.WithUpdateTimeout(cfg.Database.UpdateTimeout),
		advisorydb.WithTransport(&advisorydb.GitTransport{
			Ref:             cfg.Database.Ref,
			Retries:         cfg.Database.Retries,
			InitialInterval: 500 * time.Millisecond,
		}),
	}
}

// openDatabase opens the configured database. Skipped records are logged and
// tolerated; a missing or unusable database maps to the database exit code.
func openDatabase(ctx context.Context, cfg *config.Config) (*advisorydb.Database, error) {
	db, err := advisorydb.OpenContext(ctx, cfg.Database.Path, databaseOptions(cfg)...)
	if db != nil {
		warnSkipped(db, err)
		return db, nil
	}
	if advisorydb.IsNotFound(err) {
		return nil, exitcode.Wrap(exitcode.DatabaseError,
			fmt.Errorf("%w; run `gemaudit update` to download it", err))
	}
	return nil, exitcode.Wrap(exitcode.DatabaseError, err)
}

// warnIfStale logs when the database is older than database.max_age.
func warnIfStale(db *advisorydb.Database, maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}
	if age := db.Staleness(); age > maxAge {
		logger.Warn("advisory database is stale; run `gemaudit update`",
			logger.String("database", db.Path()),
			logger.Duration("age", age.Round(time.Hour)))
	}
}

// syncDatabase updates an existing checkout or downloads a fresh one.
func syncDatabase(ctx context.Context, cfg *config.Config) (*advisorydb.Database, error) {
	db, err := advisorydb.OpenContext(ctx, cfg.Database.Path, databaseOptions(cfg)...)
	if db == nil {
		if err != nil && !advisorydb.IsNotFound(err) {
			logger.Info("advisory database unusable, downloading a fresh copy", logger.Err(err))
		}
		db, err = advisorydb.Download(ctx, cfg.Database.Path, databaseOptions(cfg)...)
		if db == nil {
			return nil, err
		}
		warnSkipped(db, err)
		return db, nil
	}
	if err := db.Sync(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// useColor reports whether w is an interactive terminal and color is allowed.
func useColor(cmd *cobra.Command, w io.Writer) bool {
	if noColor, _ := cmd.Flags().GetBool("no-color"); noColor || os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func warnSkipped(db *advisorydb.Database, err error) {
	if skipped := advisorydb.SkippedRecords(err); len(skipped) > 0 {
		logger.Warn(fmt.Sprintf("skipped %d unreadable advisories", len(skipped)), logger.String("database", db.Path()))
	}
}
