/*
Copyright © 2025 3 Leaps <info@3leaps.net>
*/
package cmd

import (
	"bytes"
	"fmt"
	"path/filepath"

	"github.com/fulmenhq/gemaudit/pkg/config"
	"github.com/fulmenhq/gemaudit/pkg/exitcode"
	"github.com/fulmenhq/gemaudit/pkg/logger"
	"github.com/fulmenhq/gemaudit/pkg/manifest"
	"github.com/fulmenhq/gemaudit/pkg/report"
	"github.com/fulmenhq/gemaudit/pkg/safeio"
	"github.com/fulmenhq/gemaudit/pkg/scanner"
	"github.com/spf13/cobra"
)

var checkFlagKeys = map[string]string{
	"ignore":           "scan.ignore",
	"concurrency":      "scan.concurrency",
	"trusted-registry": "scan.trusted_registries",
	"source-policy":    "scan.source_policy",
	"format":           "output.format",
	"output":           "output.file",
	"verbose":          "output.verbose",
}

func newCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [dir]",
		Short: "Check the Gemfile.lock for insecure dependencies",
		Long: `Check reads the Gemfile.lock in dir (default: the working directory) and
reports every locked gem version matched by an unpatched advisory and every
gem fetched from an insecure source.

Exit codes: 0 clean, 1 vulnerabilities found, 2 configuration error,
3 advisory database error, 4 lockfile or filesystem error.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runCheck,
	}

	cmd.Flags().String("gemfile-lock", "Gemfile.lock", "Lockfile name, relative to dir unless absolute")
	cmd.Flags().BoolP("update", "u", false, "Update the advisory database before checking")
	cmd.Flags().StringSliceP("ignore", "i", nil, "Advisory IDs (CVE, OSVDB, GHSA) or gem names to ignore")
	cmd.Flags().BoolP("verbose", "v", false, "Show advisory descriptions instead of titles")
	cmd.Flags().StringP("output", "o", "", "Write the report to a file")
	cmd.Flags().StringP("format", "F", "text", "Report format (text|json|html|junit)")
	cmd.Flags().Int("concurrency", 0, "Dependencies evaluated in parallel (0 = number of CPUs)")
	cmd.Flags().StringSlice("trusted-registry", nil, "Registry hosts allowed over plain http")
	cmd.Flags().String("source-policy", "", "Rego module deciding which sources are insecure")
	addDatabaseFlags(cmd)
	return cmd
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(cmd, databaseFlagKeys, checkFlagKeys)
	if err != nil {
		return err
	}
	format, err := report.ParseFormat(cfg.Output.Format)
	if err != nil {
		return exitcode.Wrap(exitcode.ConfigError, err)
	}

	policy, err := sourcePolicy(cmd, cfg)
	if err != nil {
		return exitcode.Wrap(exitcode.ConfigError, err)
	}

	if update, _ := cmd.Flags().GetBool("update"); update {
		if err := runDatabaseUpdate(cmd, cfg); err != nil {
			return err
		}
	}

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	warnIfStale(db, cfg.Database.MaxAge)

	lockPath := lockfilePath(cmd, args)
	lock, err := manifest.LoadLockfile(lockPath)
	if err != nil {
		return exitcode.Wrap(exitcode.FileSystemError, err)
	}
	deps := lock.Dependencies()
	logger.Debug("scanning lockfile", logger.String("lockfile", lockPath), logger.Int("dependencies", len(deps)))

	s := scanner.New(db,
		scanner.WithIgnore(cfg.Scan.Ignore...),
		scanner.WithConcurrency(cfg.Scan.Concurrency),
		scanner.WithSourcePolicy(policy),
		scanner.WithSources(lock.Sources()...))

	opts := report.Options{
		Verbose:  cfg.Output.Verbose,
		Color:    useColor(cmd, out),
		Version:  cmd.Root().Version,
		Lockfile: lockPath,
		Database: db.Path(),
	}

	// Text to stdout streams findings as they are produced.
	if format == report.FormatText && cfg.Output.File == "" {
		text := report.NewText(out, opts)
		vulnerable := false
		err := s.Each(ctx, deps, func(f scanner.Finding) bool {
			vulnerable = true
			return text.WriteFinding(f)
		})
		if err != nil {
			return exitcode.Wrap(exitcode.Interrupted, err)
		}
		if text.Err() != nil {
			return exitcode.Wrap(exitcode.FileSystemError, text.Err())
		}
		text.WriteSummary(vulnerable)
		if vulnerable {
			return exitcode.Silent(exitcode.Vulnerable)
		}
		return nil
	}

	res, err := s.Run(ctx, deps)
	if err != nil {
		return exitcode.Wrap(exitcode.Interrupted, err)
	}

	if cfg.Output.File == "" {
		if err := report.Write(out, format, res, opts); err != nil {
			return exitcode.Wrap(exitcode.FileSystemError, err)
		}
	} else {
		opts.Color = false
		var buf bytes.Buffer
		if err := report.Write(&buf, format, res, opts); err != nil {
			return exitcode.Wrap(exitcode.FileSystemError, err)
		}
		if err := safeio.WriteFileAtomic(cfg.Output.File, buf.Bytes()); err != nil {
			return exitcode.Wrap(exitcode.FileSystemError, err)
		}
		fmt.Fprintf(out, "Report written to %s\n", cfg.Output.File)
		fmt.Fprintln(out, report.Summary(res.Vulnerable()))
	}

	if res.Vulnerable() {
		return exitcode.Silent(exitcode.Vulnerable)
	}
	return nil
}

func lockfilePath(cmd *cobra.Command, args []string) string {
	name, _ := cmd.Flags().GetString("gemfile-lock")
	if filepath.IsAbs(name) {
		return name
	}
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	return filepath.Join(dir, name)
}

func sourcePolicy(cmd *cobra.Command, cfg *config.Config) (scanner.SourcePolicy, error) {
	if cfg.Scan.SourcePolicy != "" {
		return scanner.LoadRegoPolicy(cmd.Context(), cfg.Scan.SourcePolicy)
	}
	return scanner.NewSchemePolicy(cfg.Scan.TrustedRegistries...), nil
}
