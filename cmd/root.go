/*
Copyright © 2025 3 Leaps <info@3leaps.net>
*/
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gemaudit/internal/ops"
	"github.com/fulmenhq/gemaudit/pkg/buildinfo"
	"github.com/fulmenhq/gemaudit/pkg/exitcode"
	"github.com/fulmenhq/gemaudit/pkg/logger"
	"github.com/spf13/cobra"
)

// newRootCommand creates a fresh root command instance.
// This factory pattern allows tests to create isolated command trees without shared state.
func newRootCommand() *cobra.Command {
	registry := ops.NewRegistry()

	cmd := &cobra.Command{
		Use:   "gemaudit",
		Short: "Audit Gemfile.lock dependencies against the Ruby advisory database",
		Long: `Gemaudit checks the gems locked in a Gemfile.lock against ruby-advisory-db
and flags gems fetched from insecure sources.

Examples:
   gemaudit update              # Download or refresh ruby-advisory-db
   gemaudit check               # Audit ./Gemfile.lock
   gemaudit check -u -i CVE-2015-3225 app/
   gemaudit check --format junit --output audit.xml
   gemaudit stats               # Show advisory database details`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initializeLogger(cmd)
		},
	}

	cmd.PersistentFlags().String("log-level", "warn", "Set log level (trace|debug|info|warn|error)")
	cmd.PersistentFlags().Bool("json-logs", false, "Output logs in JSON format")
	cmd.PersistentFlags().Bool("no-color", false, "Disable colored output")
	cmd.PersistentFlags().String("config", "", "Config file (default .gemaudit.yaml in the working directory, $HOME or $GEMAUDIT_HOME/config)")

	cmd.Version = buildinfo.Version()
	cmd.SetVersionTemplate("gemaudit {{.Version}}\n")

	cmd.SetHelpFunc(func(c *cobra.Command, args []string) {
		if c != c.Root() {
			c.Println(c.Long)
			c.Println()
			c.Print(c.UsageString())
			return
		}
		c.Println(c.Long)
		for _, group := range ops.Groups {
			commands := registry.GetCommandsByGroup(group)
			if len(commands) == 0 {
				continue
			}
			c.Println()
			c.Printf("%s:\n", group.Title())
			for _, reg := range commands {
				c.Printf("  %-12s %s\n", reg.Name, reg.Description)
			}
		}
		c.Println()
		c.Println("Flags:")
		c.Print(c.LocalFlags().FlagUsages())
	})

	registerSubcommands(cmd, registry)
	return cmd
}

// registerSubcommands adds all subcommands to the root command and records
// their help group.
func registerSubcommands(cmd *cobra.Command, registry *ops.Registry) {
	for _, sub := range []struct {
		group ops.CommandGroup
		cmd   *cobra.Command
	}{
		{ops.GroupAudit, newCheckCommand()},
		{ops.GroupDatabase, newUpdateCommand()},
		{ops.GroupDatabase, newStatsCommand()},
		{ops.GroupSupport, newHomeCommand()},
		{ops.GroupSupport, newVersionCommand()},
	} {
		cmd.AddCommand(sub.cmd)
		if err := registry.Register(sub.group, sub.cmd); err != nil {
			logger.Warn("command registration failed", logger.Err(err))
		}
	}
}

// Execute runs the CLI and exits with the code attached to the returned error.
// This is called by main.main().
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()

	if err != nil && !exitcode.IsSilent(err) {
		logger.Error("Command execution failed", logger.Err(err))
	}
	os.Exit(exitcode.FromError(err))
}

// initializeLogger sets up the logger based on command flags
func initializeLogger(cmd *cobra.Command) error {
	logLevelStr, _ := cmd.Flags().GetString("log-level")
	jsonLogs, _ := cmd.Flags().GetBool("json-logs")
	noColor, _ := cmd.Flags().GetBool("no-color")

	config := logger.Config{
		Level:     logger.ParseLevel(logLevelStr),
		UseColor:  !noColor && os.Getenv("NO_COLOR") == "",
		JSON:      jsonLogs,
		Component: "gemaudit",
	}
	if err := logger.Initialize(config); err != nil {
		return exitcode.Wrap(exitcode.ConfigError, err)
	}
	logger.SetOutput(cmd.ErrOrStderr())
	return nil
}
