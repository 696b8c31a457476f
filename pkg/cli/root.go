// Package cli provides the command-line interface for stagehand
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stagehand/stagehand/pkg/config"
	"github.com/stagehand/stagehand/pkg/logger"
	"github.com/stagehand/stagehand/pkg/types"
)

// CLI wires the cobra commands to one viper instance and one pair of writers
type CLI struct {
	config   *Config
	rootCmd  *cobra.Command
	viper    *viper.Viper
	logger   logger.Logger
	output   io.Writer
	errorOut io.Writer
}

// NewCLI creates a new CLI instance with the given configuration
func NewCLI(cfg *Config) *CLI {
	if cfg == nil {
		cfg = NewConfig()
	}

	c := &CLI{
		config:   cfg,
		viper:    viper.New(),
		output:   os.Stdout,
		errorOut: os.Stderr,
	}
	c.setupCommands()
	return c
}

// NewCLIWithOutput creates a CLI with custom output writers (for testing)
func NewCLIWithOutput(cfg *Config, output, errorOut io.Writer) *CLI {
	c := NewCLI(cfg)
	c.output = output
	c.errorOut = errorOut
	c.rootCmd.SetOut(output)
	c.rootCmd.SetErr(errorOut)
	return c
}

// Execute runs the CLI with the given arguments
func (c *CLI) Execute(args []string) error {
	return c.ExecuteContext(context.Background(), args)
}

// ExecuteContext runs the CLI with context support
func (c *CLI) ExecuteContext(ctx context.Context, args []string) error {
	c.rootCmd.SetArgs(args)
	return c.rootCmd.ExecuteContext(ctx)
}

func (c *CLI) setupCommands() {
	c.rootCmd = &cobra.Command{
		Use:   "stagehand",
		Short: "Runs deploy and build jobs one at a time per target",
		Long: `stagehand executes deploy pipelines and builds, serializing jobs that touch
the same stage while letting unrelated work run in parallel. It honors hard
and warning locks, production buddy checks and streams job output live.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.initializeConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	c.setupFlags()

	c.rootCmd.Version = c.config.Version
	c.rootCmd.SetVersionTemplate("stagehand v{{.Version}}\n")

	c.rootCmd.AddCommand(c.newServeCmd())
	c.rootCmd.AddCommand(c.newStopCmd())
	c.rootCmd.AddCommand(c.newStatusCmd())
	c.rootCmd.AddCommand(c.newRunCmd())
	c.rootCmd.AddCommand(c.newInitCmd())
	c.rootCmd.AddCommand(c.newValidateCmd())
	c.rootCmd.AddCommand(c.newVersionCmd())
}

func (c *CLI) setupFlags() {
	flags := c.rootCmd.PersistentFlags()
	flags.StringVar(&c.config.ConfigFile, "config", "", "config file (default: stagehand.yaml in --dir)")
	flags.StringVar(&c.config.Dir, "dir", ".", "working directory holding the config and state")
	flags.StringVarP(&c.config.Verbosity, "verbosity", "v", "info", "log level (debug, info, warn, error)")

	_ = c.viper.BindPFlag("verbosity", flags.Lookup("verbosity"))
}

// initializeConfig resolves the config file and lets STAGEHAND_* variables
// fill in flags the user did not set
func (c *CLI) initializeConfig(cmd *cobra.Command, args []string) error {
	c.viper.SetEnvPrefix("STAGEHAND")
	c.viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	c.viper.AutomaticEnv()

	if !cmd.Flags().Changed("config") {
		if v := c.viper.GetString("config"); v != "" {
			c.config.ConfigFile = v
		}
	}
	var used string
	if path := c.configPath(); path != "" {
		c.viper.SetConfigFile(path)
		if err := c.viper.ReadInConfig(); err == nil {
			used = c.viper.ConfigFileUsed()
		}
	}

	c.config.Verbosity = c.viper.GetString("verbosity")
	// the config file's logging level applies unless a flag or env var chose one
	if !cmd.Flags().Changed("verbosity") && os.Getenv("STAGEHAND_VERBOSITY") == "" && c.viper.IsSet("logging.level") {
		c.config.Verbosity = c.viper.GetString("logging.level")
	}
	c.logger = logger.CreateLoggerWithOutput(c.config.Verbosity, c.errorOut)
	if used != "" {
		c.logger.Debug("Using config file", logger.WithField("file", used))
	}
	return nil
}

// configPath returns the explicit config file or the first default found
// in the working directory, or "" when there is none
func (c *CLI) configPath() string {
	if c.config.ConfigFile != "" {
		return c.config.ConfigFile
	}
	if path, ok := config.FindConfig(c.config.Dir); ok {
		return path
	}
	return ""
}

// loadConfig reads the resolved config file, falling back to defaults
func (c *CLI) loadConfig() (*types.StagehandConfig, string, error) {
	manager := config.NewManager()
	path := c.configPath()
	if path == "" {
		return manager.GetDefaultConfig(), "", nil
	}
	cfg, err := manager.LoadConfig(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// stateDir resolves the state directory relative to --dir
func (c *CLI) stateDir(cfg *types.StagehandConfig) string {
	dir := cfg.State.Dir
	if dir == "" {
		dir = config.NewManager().GetDefaultConfig().State.Dir
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(c.config.Dir, dir)
}

func (c *CLI) defaultConfigPath() string {
	if c.config.ConfigFile != "" {
		return c.config.ConfigFile
	}
	return filepath.Join(c.config.Dir, config.DefaultConfigNames[0])
}

// Helper methods for colored output

func (c *CLI) printSuccess(format string, args ...interface{}) {
	fmt.Fprintf(c.output, "%s %s\n", color.GreenString("✓"), fmt.Sprintf(format, args...))
}

func (c *CLI) printInfo(format string, args ...interface{}) {
	fmt.Fprintf(c.output, "%s %s\n", color.CyanString("•"), fmt.Sprintf(format, args...))
}

func (c *CLI) printWarning(format string, args ...interface{}) {
	fmt.Fprintf(c.output, "%s %s\n", color.YellowString("!"), fmt.Sprintf(format, args...))
}

func (c *CLI) printError(format string, args ...interface{}) {
	fmt.Fprintf(c.errorOut, "%s %s\n", color.RedString("✗"), fmt.Sprintf(format, args...))
}

// ExitCoder is returned by commands whose failure maps to a process exit code
type ExitCoder interface {
	ExitCode() int
}

type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func (e *exitError) ExitCode() int { return e.code }

// ExitCode extracts the exit code carried by err, 1 for any other error
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var coder ExitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return 1
}

// ExecuteWithVersion runs the CLI against os.Args
func ExecuteWithVersion(ctx context.Context, version string) error {
	cfg := NewConfig()
	cfg.Version = version
	return NewCLI(cfg).ExecuteContext(ctx, os.Args[1:])
}
