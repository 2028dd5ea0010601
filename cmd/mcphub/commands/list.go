package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MegaGrindStone/go-mcp-hub/registry"
)

var listJSON bool

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(listCmd)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List known servers",
	Long: `List every server of every configured server list with its connection
state, cache state, trust state and the number of cached tools.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), func(a *app) error {
			return runList(cmd.Context(), a, cmd.OutOrStdout(), listJSON)
		})
	},
}

type serverInfoJSON struct {
	Ref        string `json:"ref"`
	Collection string `json:"collection"`
	Label      string `json:"label"`
	Transport  string `json:"transport"`
	State      string `json:"state"`
	Cache      string `json:"cache"`
	Trust      string `json:"trust"`
	Tools      int    `json:"tools"`
	Warning    string `json:"warning,omitempty"`
}

func runList(ctx context.Context, a *app, w io.Writer, asJSON bool) error {
	servers, err := a.registry.Servers(ctx)
	if err != nil {
		return err
	}

	infos := make([]serverInfoJSON, 0, len(servers))
	for _, srv := range servers {
		col, def := srv.Definition()
		trust, err := a.registry.TrustState(ctx, srv.Ref())
		if err != nil {
			return err
		}
		snap := srv.Cache().Snapshot()
		infos = append(infos, serverInfoJSON{
			Ref:        srv.Ref().String(),
			Collection: col.Label,
			Label:      def.Label,
			Transport:  string(def.Launch.Type),
			State:      srv.State().String(),
			Cache:      snap.State.String(),
			Trust:      trust.String(),
			Tools:      len(snap.Tools),
			Warning:    snap.Warning,
		})
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}

	if len(infos) == 0 {
		fmt.Fprintln(w, "No servers configured.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tCOLLECTION\tTRANSPORT\tSTATE\tCACHE\tTRUST\tTOOLS")
	for i, srv := range servers {
		info := infos[i]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			info.Ref, info.Collection, info.Transport,
			stateString(srv.State()), cacheString(srv.Cache().Snapshot().State),
			trustString(info.Trust), info.Tools)
	}
	return tw.Flush()
}

func trustString(s string) string {
	if s == registry.TrustUndecided.String() {
		return "-"
	}
	return s
}
