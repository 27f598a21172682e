package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all configuration for gemaudit
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Scan     ScanConfig     `mapstructure:"scan"`
	Output   OutputConfig   `mapstructure:"output"`
}

// DatabaseConfig locates the advisory database and controls updates
type DatabaseConfig struct {
	Path          string        `mapstructure:"path"`
	URL           string        `mapstructure:"url"`
	Ref           string        `mapstructure:"ref"`
	UpdateTimeout time.Duration `mapstructure:"update_timeout"`
	Retries       int           `mapstructure:"retries"`
	MaxAge        time.Duration `mapstructure:"max_age"` // 0 disables the staleness warning
}

// ScanConfig holds scan behaviour
type ScanConfig struct {
	Ignore            []string `mapstructure:"ignore"`
	Concurrency       int      `mapstructure:"concurrency"`
	TrustedRegistries []string `mapstructure:"trusted_registries"`
	SourcePolicy      string   `mapstructure:"source_policy"` // optional Rego module
}

// OutputConfig holds report settings
type OutputConfig struct {
	Format  string `mapstructure:"format"` // text, json, html, junit
	File    string `mapstructure:"file"`
	Verbose bool   `mapstructure:"verbose"`
}

const (
	DefaultDatabaseURL = "https://github.com/rubysec/ruby-advisory-db.git"
	DefaultDatabaseRef = "master"
	databaseDirName    = "ruby-advisory-db"
)

// Formats lists the accepted output.format values.
var Formats = []string{"text", "json", "html", "junit"}

var defaultConfig = Config{
	Database: DatabaseConfig{
		URL:           DefaultDatabaseURL,
		Ref:           DefaultDatabaseRef,
		UpdateTimeout: parseDurationDefault("2m"),
		Retries:       2,
		MaxAge:        parseDurationDefault("168h"),
	},
	Scan: ScanConfig{
		Ignore:            []string{},
		Concurrency:       0,
		TrustedRegistries: []string{},
	},
	Output: OutputConfig{
		Format: "text",
	},
}

// Default returns a copy of the built-in defaults with the database path
// resolved under the gemaudit home.
func Default() *Config {
	cfg := defaultConfig
	cfg.Scan.Ignore = []string{}
	cfg.Scan.TrustedRegistries = []string{}
	if path, err := DefaultDatabasePath(); err == nil {
		cfg.Database.Path = path
	}
	return &cfg
}

// Options controls where Load looks for settings.
type Options struct {
	// File is an explicit config file; when set it must exist.
	File string
	// Flags are bound by name through FlagKeys.
	Flags *pflag.FlagSet
	// FlagKeys maps flag names to config keys (e.g. "ignore" -> "scan.ignore").
	FlagKeys map[string]string
}

// LoadConfig loads configuration from defaults, config files and environment.
func LoadConfig() (*Config, error) {
	return Load(Options{})
}

// Load resolves configuration with precedence flags > env > file > defaults.
func Load(opts Options) (*Config, error) {
	v := viper.New()
	def := Default()

	v.SetDefault("database.path", def.Database.Path)
	v.SetDefault("database.url", def.Database.URL)
	v.SetDefault("database.ref", def.Database.Ref)
	v.SetDefault("database.update_timeout", def.Database.UpdateTimeout)
	v.SetDefault("database.retries", def.Database.Retries)
	v.SetDefault("database.max_age", def.Database.MaxAge)
	v.SetDefault("scan.ignore", def.Scan.Ignore)
	v.SetDefault("scan.concurrency", def.Scan.Concurrency)
	v.SetDefault("scan.trusted_registries", def.Scan.TrustedRegistries)
	v.SetDefault("scan.source_policy", def.Scan.SourcePolicy)
	v.SetDefault("output.format", def.Output.Format)
	v.SetDefault("output.file", def.Output.File)
	v.SetDefault("output.verbose", def.Output.Verbose)

	if opts.File != "" {
		v.SetConfigFile(opts.File)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config %s: %w", opts.File, err)
		}
		if err := ValidateFile(opts.File); err != nil {
			return nil, err
		}
	} else {
		v.SetConfigName(".gemaudit")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
		if configDir, err := GetConfigDir(); err == nil {
			v.AddConfigPath(configDir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config: %w", err)
			}
		} else if err := ValidateFile(v.ConfigFileUsed()); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix("GEMAUDIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		for name, key := range opts.FlagKeys {
			flag := opts.Flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("error binding flag --%s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.Scan.Ignore = splitList(cfg.Scan.Ignore)
	cfg.Scan.TrustedRegistries = splitList(cfg.Scan.TrustedRegistries)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the commands cannot act on.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Database.Path) == "" {
		problems = append(problems, "database.path must be set")
	}
	if c.Database.UpdateTimeout <= 0 {
		problems = append(problems, "database.update_timeout must be positive")
	}
	if c.Database.Retries < 0 {
		problems = append(problems, "database.retries must not be negative")
	}
	if c.Scan.Concurrency < 0 {
		problems = append(problems, "scan.concurrency must not be negative")
	}
	if !validFormat(c.Output.Format) {
		problems = append(problems, fmt.Sprintf("output.format %q is not one of %s", c.Output.Format, strings.Join(Formats, ", ")))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func validFormat(format string) bool {
	for _, f := range Formats {
		if strings.EqualFold(f, format) {
			return true
		}
	}
	return false
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// parseDurationDefault is a helper to create default duration values from string literal
func parseDurationDefault(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// GetHome returns the gemaudit home directory
func GetHome() (string, error) {
	if home := os.Getenv("GEMAUDIT_HOME"); home != "" {
		return home, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".gemaudit"), nil
}

// EnsureHome creates the gemaudit home directory if it doesn't exist
func EnsureHome() (string, error) {
	homeDir, err := GetHome()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(homeDir, 0750); err != nil {
		return "", fmt.Errorf("failed to create gemaudit home directory: %w", err)
	}
	return homeDir, nil
}

// DefaultDatabasePath is where the advisory database lives unless configured.
func DefaultDatabasePath() (string, error) {
	homeDir, err := GetHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, databaseDirName), nil
}

// GetConfigDir returns the config directory
func GetConfigDir() (string, error) {
	homeDir, err := GetHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, "config"), nil
}
