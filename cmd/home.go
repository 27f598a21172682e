/*
Copyright © 2025 3 Leaps <info@3leaps.net>
*/
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fulmenhq/gemaudit/pkg/config"
	"github.com/fulmenhq/gemaudit/pkg/exitcode"
	"github.com/fulmenhq/gemaudit/pkg/safeio"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const userConfigName = ".gemaudit.yaml"

func newHomeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "home",
		Short: "Show or initialize the gemaudit home directory",
		Long: `Home prints where gemaudit keeps its advisory database and user
configuration ($GEMAUDIT_HOME, default ~/.gemaudit).

With --init it creates the directory and writes a starter config file
holding the built-in defaults. An existing config is kept unless --force
is given.`,
		Args: cobra.NoArgs,
		RunE: runHome,
	}
	cmd.Flags().Bool("init", false, "Create the home directory and a starter config")
	cmd.Flags().Bool("force", false, "Overwrite an existing config with --init")
	return cmd
}

func runHome(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	home, err := config.GetHome()
	if err != nil {
		return exitcode.Wrap(exitcode.FileSystemError, err)
	}
	configDir, err := config.GetConfigDir()
	if err != nil {
		return exitcode.Wrap(exitcode.FileSystemError, err)
	}
	dbPath, err := config.DefaultDatabasePath()
	if err != nil {
		return exitcode.Wrap(exitcode.FileSystemError, err)
	}
	configPath := filepath.Join(configDir, userConfigName)

	if initHome, _ := cmd.Flags().GetBool("init"); initHome {
		force, _ := cmd.Flags().GetBool("force")
		written, err := writeStarterConfig(configPath, force)
		if err != nil {
			return exitcode.Wrap(exitcode.FileSystemError, err)
		}
		if written {
			fmt.Fprintf(out, "Wrote %s\n", configPath)
		} else {
			fmt.Fprintf(out, "Kept existing %s\n", configPath)
		}
	}

	fmt.Fprintf(out, "Home:     %s\n", home)
	fmt.Fprintf(out, "Config:   %s%s\n", configPath, presence(configPath))
	fmt.Fprintf(out, "Database: %s%s\n", dbPath, presence(dbPath))
	return nil
}

func writeStarterConfig(path string, force bool) (bool, error) {
	if _, err := config.EnsureHome(); err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err == nil && !force {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return false, fmt.Errorf("failed to create config directory: %w", err)
	}

	def := config.Default()
	doc := map[string]any{
		"database": map[string]any{
			"url":            def.Database.URL,
			"ref":            def.Database.Ref,
			"update_timeout": def.Database.UpdateTimeout.String(),
			"retries":        def.Database.Retries,
			"max_age":        def.Database.MaxAge.String(),
		},
		"scan": map[string]any{
			"ignore":             []string{},
			"trusted_registries": []string{},
		},
		"output": map[string]any{
			"format": def.Output.Format,
		},
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return false, err
	}
	return true, safeio.WriteFileAtomic(path, data)
}

func presence(path string) string {
	if _, err := os.Stat(path); err != nil {
		return " (missing)"
	}
	return ""
}
