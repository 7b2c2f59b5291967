// Package cmd provides the CLI commands for Parley.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/parley/internal/appdir"
	"github.com/inercia/parley/internal/config"
	"github.com/inercia/parley/internal/logging"
)

// skipConfigAnnotation marks commands that run without a loaded configuration.
const skipConfigAnnotation = "parley/skip-config"

var (
	// Global flags
	configPath    string
	debug         bool
	logLevel      string // --log-level flag (debug, info, warn, error)
	logFile       string
	logComponents string

	// Loaded configuration
	cfg *config.Config
	// cfgFile is the file cfg was read from, "" when only defaults and
	// environment apply.
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley - a chat front end for a webhook assistant",
	Long: `Parley relays a conversation between a person and an assistant
reachable through an HTTP webhook.

Every conversation carries a session identifier that the assistant
receives with each message, so it can keep context across turns.
Use "parley web" for the browser interface or "parley cli" for the terminal.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help and completion commands
		if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Annotations[skipConfigAnnotation] != "" {
			return initLogging(nil)
		}

		if err := appdir.EnsureDir(); err != nil {
			return fmt.Errorf("failed to create Parley directory: %w", err)
		}

		var err error
		cfgFile, err = resolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(cfgFile)
		if err != nil {
			if cfgFile != "" {
				return fmt.Errorf("failed to load configuration from %s: %w", cfgFile, err)
			}
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		if err := initLogging(cfg); err != nil {
			return err
		}
		if cfgFile != "" {
			logging.ConfigLog().Debug("Configuration loaded", "path", cfgFile)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		// Clean up logging resources
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (default: config.yaml in the Parley directory, if present)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to console)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g., 'web,session,chat'). Empty means all components.")
}

// resolveConfigPath picks the configuration file: the --config flag, else
// the user file in the Parley directory if it exists, else none.
func resolveConfigPath(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	path, err := appdir.ConfigPath()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", nil
	}
	return path, nil
}

// initLogging sets up logging. Priority: --log-level flag > --debug flag >
// configuration > info.
func initLogging(c *config.Config) error {
	level := "info"
	file := logFile
	jsonOutput := false
	if c != nil {
		if c.Logging.Level != "" {
			level = c.Logging.Level
		}
		if file == "" {
			file = c.Logging.File
		}
		jsonOutput = c.Logging.JSON
	}
	if logLevel != "" {
		level = logLevel
	} else if debug {
		level = "debug"
	}

	var components []string
	if logComponents != "" {
		for _, comp := range strings.Split(logComponents, ",") {
			comp = strings.TrimSpace(comp)
			if comp != "" {
				components = append(components, comp)
			}
		}
	}

	logCfg := logging.Config{
		Level:      level,
		JSON:       jsonOutput,
		Components: components,
	}
	if file != "" {
		logCfg.FileLog = &logging.FileLogConfig{Path: file, MaxBackups: 3}
	}
	if err := logging.Initialize(logCfg); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	return nil
}
