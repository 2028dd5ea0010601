package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	trustCmd.AddCommand(trustResetCmd)
	rootCmd.AddCommand(trustCmd)
}

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Manage server trust decisions",
}

var trustResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget every trust decision",
	Long: `Forget which servers were trusted or declined. Every server of a
collection that is not trusted by configuration prompts again on its next
start.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), func(a *app) error {
			if err := a.registry.ResetTrust(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Trust decisions reset.")
			return nil
		})
	},
}
