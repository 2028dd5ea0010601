package registry

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	mcp "github.com/MegaGrindStone/go-mcp-hub"
	"github.com/MegaGrindStone/go-mcp-hub/internal/metrics"
	"github.com/MegaGrindStone/go-mcp-hub/store"
)

// PromptType is the policy applied when a server needs the user's consent.
type PromptType string

const (
	// PromptNever denies silently.
	PromptNever PromptType = "never"
	// PromptOnlyNew prompts unless the user explicitly denied the server
	// before.
	PromptOnlyNew PromptType = "only-new"
	// PromptAllUntrusted always prompts.
	PromptAllUntrusted PromptType = "all-untrusted"
)

// TrustState is the recorded consent of one server.
type TrustState int

const (
	// TrustUndecided means the user was never asked, or cancelled.
	TrustUndecided TrustState = iota
	// TrustAccepted means the server may start at its current nonce.
	TrustAccepted
	// TrustDenied means the user declined the server.
	TrustDenied
)

func (s TrustState) String() string {
	switch s {
	case TrustAccepted:
		return "trusted"
	case TrustDenied:
		return "denied"
	default:
		return "undecided"
	}
}

// TrustDecision is the user's answer to a trust prompt.
type TrustDecision int

const (
	// DecisionCancel leaves every server undecided.
	DecisionCancel TrustDecision = iota
	// DecisionAcceptAll trusts every server of the prompt.
	DecisionAcceptAll
	// DecisionAcceptSome trusts the servers listed in TrustAnswer.Accepted
	// and denies the others.
	DecisionAcceptSome
	// DecisionDeclineAll denies every server of the prompt.
	DecisionDeclineAll
)

// TrustRequest describes one server awaiting consent.
type TrustRequest struct {
	Ref        ServerRef
	Collection string
	Server     string
	Launch     mcp.Launch
	// Changed reports that the user trusted an earlier configuration of the
	// server.
	Changed bool
}

// TrustAnswer is what a TrustPrompter returns.
type TrustAnswer struct {
	Decision TrustDecision
	// Accepted lists the servers trusted with DecisionAcceptSome.
	Accepted []ServerRef
}

// TrustPrompter asks the user whether servers may start. One call covers
// every request coalesced into the same interaction.
type TrustPrompter interface {
	PromptTrust(ctx context.Context, reqs []TrustRequest) (TrustAnswer, error)
}

// TrustPrompterFunc adapts a function to TrustPrompter.
type TrustPrompterFunc func(ctx context.Context, reqs []TrustRequest) (TrustAnswer, error)

// PromptTrust implements TrustPrompter.
func (f TrustPrompterFunc) PromptTrust(ctx context.Context, reqs []TrustRequest) (TrustAnswer, error) {
	return f(ctx, reqs)
}

// Interaction groups trust requests that should be answered by one prompt.
// Share one Interaction between the resolutions started by a single user
// action.
type Interaction struct {
	id       string
	expected int
}

// NewInteraction returns an Interaction expecting the given number of
// participants. With expected <= 0 the prompt opens once no participant
// joined for the settle window.
func NewInteraction(expected int) *Interaction {
	return &Interaction{id: uuid.NewString(), expected: expected}
}

// ID returns the interaction id.
func (i *Interaction) ID() string {
	return i.id
}

type trustRecord struct {
	Denied bool   `json:"denied"`
	Nonce  string `json:"nonce,omitempty"`
}

// trustBatch collects the requests of one interaction until it fires.
type trustBatch struct {
	expected int
	reqs     []TrustRequest
	timer    *time.Timer
	fired    bool
	ctx      context.Context
	done     chan struct{}
	answer   TrustAnswer
	err      error
}

type trustGate struct {
	r        *Registry
	prompter TrustPrompter
	settle   time.Duration

	mu      sync.Mutex
	batches map[string]*trustBatch

	// recordMu serializes writes of trust records.
	recordMu sync.Mutex
}

// check decides whether def of col may start. It returns false for a clean
// refusal and an interaction-required error when a prompt was needed but not
// allowed.
func (g *trustGate) check(ctx context.Context, col mcp.CollectionDefinition, def mcp.ServerDefinition, opts ResolveOptions) (bool, error) {
	ref := ServerRef{CollectionID: col.ID, DefinitionID: def.ID}
	if col.Trust == mcp.TrustTrusted {
		return true, nil
	}

	entries := g.r.cacheStore(col.Scope)
	entry, _, err := entries.Get(ctx, def.ID)
	if err != nil {
		return false, errors.Wrap(err, "failed to read trust")
	}
	record, err := g.record(ctx, col.Scope, def.ID)
	if err != nil {
		return false, err
	}

	persist := col.Trust != mcp.TrustUntrusted
	if persist {
		if entry.TrustedAtNonce != "" && entry.TrustedAtNonce == def.CacheNonce {
			return true, nil
		}
		if opts.ForceTrust {
			return true, g.accept(ctx, col, def)
		}
	}

	promptType := opts.PromptType
	if promptType == "" {
		promptType = PromptOnlyNew
	}
	switch {
	case promptType == PromptNever:
		g.r.logger.Debug("server not trusted, not prompting", "server", ref)
		return false, nil
	case promptType == PromptOnlyNew && record.Denied:
		g.r.logger.Debug("server denied before, not prompting", "server", ref)
		return false, nil
	}

	if !opts.AllowInteraction || g.prompter == nil {
		return false, mcp.InteractionRequired(fmt.Sprintf("server %s needs to be trusted before it can start", def.Label))
	}

	req := TrustRequest{
		Ref:        ref,
		Collection: col.Label,
		Server:     def.Label,
		Launch:     def.Launch,
		Changed:    entry.TrustedAtNonce != "",
	}
	answer, err := g.ask(ctx, opts.Interaction, req)
	if err != nil {
		return false, err
	}

	switch decisionFor(answer, ref) {
	case DecisionAcceptAll:
		metrics.TrustPrompts.WithLabelValues("accepted").Inc()
		if !persist {
			return true, g.clearDenied(ctx, col.Scope, def.ID)
		}
		return true, g.accept(ctx, col, def)
	case DecisionDeclineAll:
		metrics.TrustPrompts.WithLabelValues("denied").Inc()
		return false, g.deny(ctx, col.Scope, def)
	default:
		metrics.TrustPrompts.WithLabelValues("cancelled").Inc()
		return false, nil
	}
}

// decisionFor reduces an answer to accept, decline or cancel for ref.
func decisionFor(answer TrustAnswer, ref ServerRef) TrustDecision {
	switch answer.Decision {
	case DecisionAcceptSome:
		if slices.Contains(answer.Accepted, ref) {
			return DecisionAcceptAll
		}
		return DecisionDeclineAll
	default:
		return answer.Decision
	}
}

// ask joins the batch of interaction (or opens a batch of one) and waits for
// the shared answer.
func (g *trustGate) ask(ctx context.Context, interaction *Interaction, req TrustRequest) (TrustAnswer, error) {
	g.mu.Lock()
	var b *trustBatch
	if interaction != nil {
		b = g.batches[interaction.id]
	}
	if b == nil {
		b = &trustBatch{ctx: context.WithoutCancel(ctx), done: make(chan struct{}), expected: 1}
		if interaction != nil {
			b.expected = interaction.expected
			g.batches[interaction.id] = b
			id := interaction.id
			b.timer = time.AfterFunc(g.settle, func() { g.fire(id, b) })
		}
	}
	b.reqs = append(b.reqs, req)
	ready := b.expected > 0 && len(b.reqs) >= b.expected
	g.mu.Unlock()

	if ready {
		id := ""
		if interaction != nil {
			id = interaction.id
		}
		g.fire(id, b)
	}

	select {
	case <-b.done:
		return b.answer, b.err
	case <-ctx.Done():
		return TrustAnswer{}, ctx.Err()
	}
}

func (g *trustGate) fire(id string, b *trustBatch) {
	g.mu.Lock()
	if b.fired {
		g.mu.Unlock()
		return
	}
	b.fired = true
	if b.timer != nil {
		b.timer.Stop()
	}
	if id != "" && g.batches[id] == b {
		delete(g.batches, id)
	}
	reqs := slices.Clone(b.reqs)
	g.mu.Unlock()

	g.r.logger.Info("asking for trust", "servers", describeRefs(reqs))

	go func() {
		defer close(b.done)
		b.answer, b.err = g.prompter.PromptTrust(b.ctx, reqs)
		if b.err != nil {
			b.err = errors.Wrap(b.err, "trust prompt failed")
		}
	}()
}

func (g *trustGate) record(ctx context.Context, scope store.Scope, id string) (trustRecord, error) {
	rec, _, err := store.GetJSON[trustRecord](ctx, g.r.store, scopeOr(scope), "trust/"+id)
	if err != nil {
		return trustRecord{}, errors.Wrap(err, "failed to read trust record")
	}
	return rec, nil
}

func (g *trustGate) accept(ctx context.Context, col mcp.CollectionDefinition, def mcp.ServerDefinition) error {
	if err := g.r.cacheStore(col.Scope).SetTrustedAtNonce(ctx, def.ID, def.CacheNonce); err != nil {
		return errors.Wrap(err, "failed to save trust")
	}
	return g.clearDenied(ctx, col.Scope, def.ID)
}

func (g *trustGate) deny(ctx context.Context, scope store.Scope, def mcp.ServerDefinition) error {
	g.recordMu.Lock()
	defer g.recordMu.Unlock()

	err := store.UpdateJSON(ctx, g.r.store, scopeOr(scope), "trust/"+def.ID,
		func(trustRecord, bool) (trustRecord, bool, error) {
			return trustRecord{Denied: true, Nonce: def.CacheNonce}, true, nil
		})
	return errors.Wrap(err, "failed to save denial")
}

func (g *trustGate) clearDenied(ctx context.Context, scope store.Scope, id string) error {
	g.recordMu.Lock()
	defer g.recordMu.Unlock()

	err := store.UpdateJSON(ctx, g.r.store, scopeOr(scope), "trust/"+id,
		func(trustRecord, bool) (trustRecord, bool, error) { return trustRecord{}, false, nil })
	return errors.Wrap(err, "failed to clear denial")
}

// reset forgets every trust decision of every scope.
func (g *trustGate) reset(ctx context.Context) error {
	g.recordMu.Lock()
	defer g.recordMu.Unlock()

	for _, scope := range []store.Scope{store.Global, store.Workspace} {
		if err := g.r.cacheStore(scope).ClearTrust(ctx); err != nil {
			return errors.Wrapf(err, "failed to clear %s trust", scope)
		}
		keys, err := g.r.store.List(ctx, scope, "trust/")
		if err != nil {
			return errors.Wrapf(err, "failed to list %s trust", scope)
		}
		for _, k := range keys {
			if err := g.r.store.Delete(ctx, scope, k); err != nil {
				return errors.Wrapf(err, "failed to delete %s", k)
			}
		}
	}
	return nil
}

func describeRefs(reqs []TrustRequest) string {
	names := make([]string, 0, len(reqs))
	for _, r := range reqs {
		names = append(names, r.Server)
	}
	return strings.Join(names, ", ")
}

func scopeOr(scope store.Scope) store.Scope {
	if scope == "" {
		return store.Global
	}
	return scope
}
