package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	mcp "github.com/MegaGrindStone/go-mcp-hub"
	"github.com/MegaGrindStone/go-mcp-hub/registry"
	"github.com/MegaGrindStone/go-mcp-hub/servercache"
)

var (
	startDebug  bool
	toolsWait   time.Duration
	callArgs    string
	callTimeout time.Duration
)

func init() {
	startCmd.Flags().BoolVar(&startDebug, "debug", false, "Start servers in debug mode when supported")
	toolsCmd.Flags().DurationVar(&toolsWait, "wait", 30*time.Second, "How long to wait for the server's tool list")
	callCmd.Flags().StringVar(&callArgs, "args", "{}", "Tool arguments as a JSON object")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", time.Minute, "How long to wait for the tool result")
	rootCmd.AddCommand(startCmd, toolsCmd, callCmd)
}

var startCmd = &cobra.Command{
	Use:   "start [server...]",
	Short: "Start servers and report their state",
	Long: `Start the named servers, or every server when none is named. Servers
that are not trusted yet are presented in a single trust prompt.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), func(a *app) error {
			return runStart(cmd.Context(), a, cmd.OutOrStdout(), args)
		})
	},
}

var toolsCmd = &cobra.Command{
	Use:   "tools <server>",
	Short: "Start a server and list its tools",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), func(a *app) error {
			return runTools(cmd.Context(), a, cmd.OutOrStdout(), args[0], toolsWait)
		})
	},
}

var callCmd = &cobra.Command{
	Use:   "call <server> <tool>",
	Short: "Call a tool of a server",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), func(a *app) error {
			return runCall(cmd.Context(), a, cmd.OutOrStdout(), args[0], args[1], callArgs, callTimeout)
		})
	},
}

func runStart(ctx context.Context, a *app, w io.Writer, args []string) error {
	refs, err := resolveRefs(a.registry.Collections().Get(), args)
	if err != nil {
		return err
	}

	interaction := registry.NewInteraction(len(refs))
	states := make([]mcp.ConnectionState, len(refs))
	errs := make([]error, len(refs))
	done := make(chan int, len(refs))
	for i, ref := range refs {
		go func() {
			states[i], errs[i] = a.registry.StartServer(ctx, ref, registry.StartOptions{
				PromptType:  a.trustPrompt(),
				Interaction: interaction,
				Debug:       startDebug,
			})
			done <- i
		}()
	}
	for range refs {
		<-done
	}

	failed := 0
	for i, ref := range refs {
		line := stateString(states[i])
		if errs[i] != nil {
			failed++
			line = color.RedString("failed: %v", errs[i])
		} else if states[i].Kind == mcp.StateError {
			failed++
		}
		fmt.Fprintf(w, "%s: %s\n", ref, line)
	}
	if failed > 0 {
		return errors.Newf("%d of %d servers failed to start", failed, len(refs))
	}
	return nil
}

// startOne starts ref and fails unless it ends up running.
func startOne(ctx context.Context, a *app, ref registry.ServerRef) (*registry.Server, error) {
	state, err := a.registry.StartServer(ctx, ref, registry.StartOptions{
		PromptType:  a.trustPrompt(),
		Interaction: registry.NewInteraction(1),
	})
	if err != nil {
		return nil, err
	}
	if state.Kind != mcp.StateRunning {
		return nil, errors.Newf("server %s is %s", ref, state)
	}
	return a.registry.Server(ctx, ref)
}

func runTools(ctx context.Context, a *app, w io.Writer, arg string, wait time.Duration) error {
	ref, err := resolveRef(a.registry.Collections().Get(), arg)
	if err != nil {
		return err
	}
	srv, err := startOne(ctx, a, ref)
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	snap, err := srv.Cache().Snapshots().WaitFor(waitCtx, func(s servercache.Snapshot) bool {
		return s.State == servercache.CacheLive
	})
	if err != nil {
		return errors.Wrap(err, "waiting for the tool list")
	}

	if md := snap.ServerMetadata; md != nil && md.ServerInfo.Name != "" {
		fmt.Fprintf(w, "%s %s (%s)\n", color.New(color.Bold).Sprint(md.ServerInfo.Name), md.ServerInfo.Version, snap.Capabilities)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tDESCRIPTION")
	for _, tool := range snap.Tools {
		desc, _, _ := strings.Cut(tool.Description, "\n")
		fmt.Fprintf(tw, "%s\t%s\n", tool.Name, desc)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if snap.Warning != "" {
		fmt.Fprintln(w, color.YellowString(snap.Warning))
	}
	return nil
}

func runCall(ctx context.Context, a *app, w io.Writer, arg, tool, rawArgs string, timeout time.Duration) error {
	if !json.Valid([]byte(rawArgs)) {
		return errors.Newf("--args is not valid JSON: %s", rawArgs)
	}
	ref, err := resolveRef(a.registry.Collections().Get(), arg)
	if err != nil {
		return err
	}
	srv, err := startOne(ctx, a, ref)
	if err != nil {
		return err
	}
	client := srv.Connection().Handler()
	if client == nil {
		return errors.Newf("server %s has no client", ref)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := client.CallTool(callCtx, mcp.CallToolParams{Name: tool, Arguments: json.RawMessage(rawArgs)})
	if err != nil {
		return errors.Wrapf(err, "calling %s", tool)
	}
	for _, c := range res.Content {
		switch {
		case c.Text != "":
			fmt.Fprintln(w, c.Text)
		default:
			fmt.Fprintf(w, "[%s %s, %d bytes]\n", c.Type, c.MimeType, len(c.Data))
		}
	}
	if res.IsError {
		return errors.Newf("tool %s reported an error", tool)
	}
	return nil
}
