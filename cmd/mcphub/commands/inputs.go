package commands

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	mcp "github.com/MegaGrindStone/go-mcp-hub"
)

var inputsScope string

func init() {
	inputsClearCmd.Flags().StringVar(&inputsScope, "scope", "global", "Scope of the saved inputs: global, workspace")
	inputsCmd.AddCommand(inputsClearCmd)
	rootCmd.AddCommand(inputsCmd)
}

var inputsCmd = &cobra.Command{
	Use:   "inputs",
	Short: "Manage saved server inputs",
}

var inputsClearCmd = &cobra.Command{
	Use:   "clear [input-id]",
	Short: "Forget saved inputs",
	Long: `Forget the saved value of one input, or of every input of the scope
when no id is given. Servers prompt again on their next start.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope := mcp.StorageScope(strings.ToLower(inputsScope))
		if scope != mcp.ScopeGlobal && scope != mcp.ScopeWorkspace {
			return errors.Newf("unknown scope %q", inputsScope)
		}
		var id string
		if len(args) == 1 {
			id = args[0]
		}
		return withApp(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), func(a *app) error {
			if err := a.registry.ClearSavedInputs(cmd.Context(), scope, id); err != nil {
				return err
			}
			if id == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared every saved %s input.\n", scope)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared saved input %s.\n", id)
			}
			return nil
		})
	},
}
