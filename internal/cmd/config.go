package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	embeddedconfig "github.com/inercia/parley/config"
	"github.com/inercia/parley/internal/appdir"
	"github.com/inercia/parley/internal/fileutil"
)

var (
	configOutputPath string
	configForce      bool
)

// configCmd represents the config parent command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Parley configuration",
	Long: `Manage Parley configuration files.

Use the subcommands to create or check configuration files.`,
}

// configCreateCmd represents the config create subcommand
var configCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a default configuration file",
	Long: `Create a default configuration file in the Parley directory.

This command writes the embedded default configuration (config.default.yaml)
to the specified path. Review it and set at least backend.url before
running "parley web".

Examples:
  parley config create                          # Create config.yaml in the Parley directory
  parley config create --output ./parley.yaml   # Create ./parley.yaml
  parley config create --force                  # Overwrite existing file`,
	Annotations: map[string]string{skipConfigAnnotation: "true"},
	RunE:        runConfigCreate,
}

// configCheckCmd represents the config check subcommand
var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration",
	Long: `Load the configuration the same way "parley web" does (defaults,
file, PARLEY_* environment variables) and report any problem.`,
	RunE: runConfigCheck,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configCreateCmd)
	configCmd.AddCommand(configCheckCmd)

	configCreateCmd.Flags().StringVarP(&configOutputPath, "output", "o", "",
		"File to write (default: config.yaml in the Parley directory)")
	configCreateCmd.Flags().BoolVarP(&configForce, "force", "f", false,
		"Overwrite existing configuration file without prompting")
}

func runConfigCreate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	path := configOutputPath
	if path == "" {
		if err := appdir.EnsureDir(); err != nil {
			return fmt.Errorf("failed to create Parley directory: %w", err)
		}
		p, err := appdir.ConfigPath()
		if err != nil {
			return err
		}
		path = p
	}

	if _, err := os.Stat(path); err == nil && !configForce {
		fmt.Fprintf(out, "⚠️  Configuration file already exists: %s\n", path)
		fmt.Fprintln(out, "Use --force to overwrite the existing file.")
		return nil
	}

	if err := fileutil.WriteFileAtomic(path, embeddedconfig.DefaultConfigYAML, 0644); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	fmt.Fprintf(out, "✅ Configuration file created: %s\n", path)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  1. Set backend.url to your assistant webhook")
	fmt.Fprintln(out, "  2. Review the greeting and preset prompts")
	fmt.Fprintln(out, "  3. Run 'parley web' to start the web interface")
	return nil
}

func runConfigCheck(cmd *cobra.Command, args []string) error {
	if cfg == nil {
		return fmt.Errorf("configuration not loaded")
	}
	// PersistentPreRunE already validated; report what was loaded.
	out := cmd.OutOrStdout()
	source := cfgFile
	if source == "" {
		source = "built-in defaults"
	}
	fmt.Fprintf(out, "✅ Configuration OK (%s)\n", source)
	fmt.Fprintf(out, "   Backend: %s\n", cfg.Backend.URL)
	fmt.Fprintf(out, "   Listen: %s\n", cfg.Web.ListenAddr())
	fmt.Fprintf(out, "   Presets: %d\n", len(cfg.Chat.Presets))
	return nil
}
