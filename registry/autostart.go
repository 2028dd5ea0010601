package registry

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	mcp "github.com/MegaGrindStone/go-mcp-hub"
	"github.com/MegaGrindStone/go-mcp-hub/connection"
)

// AutostartResult sorts the servers of one Autostart call by outcome.
type AutostartResult struct {
	Started          []ServerRef
	NeedsInteraction []ServerRef
	// Skipped servers were refused by trust without a prompt.
	Skipped []ServerRef
	Failed  []ServerRef
}

// Autostart starts every server of refs in parallel without any user
// interaction. A failing server never aborts the others; failures mark the
// server as needing attention.
func (r *Registry) Autostart(ctx context.Context, refs []ServerRef) AutostartResult {
	var (
		mu  sync.Mutex
		res AutostartResult
		g   errgroup.Group
	)
	add := func(list *[]ServerRef, ref ServerRef) {
		mu.Lock()
		defer mu.Unlock()
		*list = append(*list, ref)
	}

	for _, ref := range refs {
		g.Go(func() error {
			conn, err := r.ResolveConnection(ctx, ResolveOptions{Ref: ref, PromptType: PromptOnlyNew})
			switch {
			case mcp.IsInteractionRequired(err):
				add(&res.NeedsInteraction, ref)
				return nil
			case err != nil:
				r.logger.Warn("autostart failed", "server", ref, "err", err)
				r.markAttention(ref)
				add(&res.Failed, ref)
				return nil
			case conn == nil:
				add(&res.Skipped, ref)
				return nil
			}

			state, err := conn.Start(ctx, connection.StartOptions{})
			switch {
			case mcp.IsInteractionRequired(err),
				state.Kind == mcp.StateStopped && state.Reason == mcp.StopReasonNeedsUserInteraction:
				add(&res.NeedsInteraction, ref)
			case err != nil || state.Kind != mcp.StateRunning:
				r.logger.Warn("autostart failed", "server", ref, "state", state, "err", err)
				r.markAttention(ref)
				add(&res.Failed, ref)
			default:
				add(&res.Started, ref)
			}
			return nil
		})
	}
	_ = g.Wait()
	return res
}
