// Package commands implements the CLI commands for mcphub.
package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// version is set at build time via ldflags.
var version = "0.1.0"

var (
	// configPath holds the value of the --config flag.
	configPath string
	// verbosity holds the count of -v flags.
	verbosity int
	// logFormat overrides log_format when set.
	logFormat string
	// promptType overrides trust_prompt when set.
	promptType string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file (default: ./config.yaml or $XDG_CONFIG_HOME/mcphub/config.yaml)")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v",
		"increase verbosity level (-v for debug)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"log format: text, json")
	rootCmd.PersistentFlags().StringVar(&promptType, "trust-prompt", "",
		"trust prompt policy: never, only-new, all-untrusted")

	rootCmd.Version = version
	rootCmd.SetVersionTemplate("mcphub version {{.Version}}\n")

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
}

var rootCmd = &cobra.Command{
	Use:   "mcphub",
	Short: "Discover, trust and run MCP servers",
	Long: `mcphub reads MCP server lists (VS Code, Claude and Codex layouts in
JSON, YAML or TOML), asks before starting servers you have not trusted,
resolves their variables and keeps a cache of what every server offers.`,
	Example: `  # List every known server and its state
  mcphub list

  # Start a server and show its tools
  mcphub tools ws.filesystem

  # Call a tool
  mcphub call ws.filesystem read_file --args '{"path": "README.md"}'

  # Forget every trust decision
  mcphub trust reset`,
	Run: func(cmd *cobra.Command, _ []string) {
		_ = cmd.Help()
	},
}

// Execute runs the root command with a context cancelled on interrupt.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error:"), err)
		return err
	}
	return nil
}
