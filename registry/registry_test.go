package registry_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcp "github.com/MegaGrindStone/go-mcp-hub"
	"github.com/MegaGrindStone/go-mcp-hub/internal/logging"
	"github.com/MegaGrindStone/go-mcp-hub/registry"
	"github.com/MegaGrindStone/go-mcp-hub/servercache"
	"github.com/MegaGrindStone/go-mcp-hub/store"
	"github.com/MegaGrindStone/go-mcp-hub/variables"
)

type env struct {
	reg      *registry.Registry
	kv       store.Store
	delegate *fakeDelegate
	prompter *countingPrompter
}

func newEnv(t *testing.T, opts registry.Options) *env {
	t.Helper()
	e := &env{
		kv:       store.NewMemory(),
		delegate: &fakeDelegate{t: t},
		prompter: &countingPrompter{},
	}
	if opts.Store == nil {
		opts.Store = e.kv
	} else {
		e.kv = opts.Store
	}
	if opts.TrustPrompter == nil {
		opts.TrustPrompter = e.prompter
	}
	opts.ClientInfo = mcp.Info{Name: "test-client", Version: "1"}
	opts.Logger = logging.ForTest(t)
	e.reg = registry.New(opts)
	e.reg.RegisterDelegate(e.delegate)
	t.Cleanup(e.reg.Close)
	return e
}

func server(id, nonce string) mcp.ServerDefinition {
	return mcp.ServerDefinition{
		ID:         id,
		Label:      "Server " + id,
		CacheNonce: nonce,
		Launch:     mcp.Launch{Type: mcp.LaunchStdio, Command: "run-" + id},
	}
}

func collection(id string, trust mcp.TrustBehavior, servers ...mcp.ServerDefinition) mcp.CollectionDefinition {
	return mcp.CollectionDefinition{ID: id, Label: "Collection " + id, Trust: trust, Servers: servers}
}

func ref(col, def string) registry.ServerRef {
	return registry.ServerRef{CollectionID: col, DefinitionID: def}
}

func TestTrustedOnNonceStartsWithoutPrompt(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, registry.Options{})
	require.NoError(t, servercache.NewStore(e.kv, store.Global).SetTrustedAtNonce(ctx, "a", "n1"))

	e.reg.RegisterCollection(collection("c", mcp.TrustTrustedOnNonce, server("a", "n1")))

	state, err := e.reg.StartServer(ctx, ref("c", "a"), registry.StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, mcp.StateRunning, state.Kind)
	assert.Empty(t, e.prompter.prompts())
	assert.Equal(t, 1, e.delegate.count())
}

func TestChangedNonceWithNeverPromptDeniesSilently(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, registry.Options{})
	require.NoError(t, servercache.NewStore(e.kv, store.Global).SetTrustedAtNonce(ctx, "a", "n1"))

	e.reg.RegisterCollection(collection("c", mcp.TrustTrustedOnNonce, server("a", "n1")))
	st, err := e.reg.TrustState(ctx, ref("c", "a"))
	require.NoError(t, err)
	assert.Equal(t, registry.TrustAccepted, st)

	e.reg.RegisterCollection(collection("c", mcp.TrustTrustedOnNonce, server("a", "n2")))
	st, err = e.reg.TrustState(ctx, ref("c", "a"))
	require.NoError(t, err)
	assert.Equal(t, registry.TrustUndecided, st)

	conn, err := e.reg.ResolveConnection(ctx, registry.ResolveOptions{
		Ref:              ref("c", "a"),
		PromptType:       registry.PromptNever,
		AllowInteraction: true,
	})
	require.NoError(t, err)
	assert.Nil(t, conn)
	assert.Empty(t, e.prompter.prompts())
	assert.Zero(t, e.delegate.count())
}

func TestForceTrustAcceptsChangedConfiguration(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, registry.Options{})
	require.NoError(t, servercache.NewStore(e.kv, store.Global).SetTrustedAtNonce(ctx, "a", "n1"))
	e.reg.RegisterCollection(collection("c", mcp.TrustTrustedOnNonce, server("a", "n2")))

	conn, err := e.reg.ResolveConnection(ctx, registry.ResolveOptions{Ref: ref("c", "a"), ForceTrust: true})
	require.NoError(t, err)
	require.NotNil(t, conn)

	entry, _, err := servercache.NewStore(e.kv, store.Global).Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "n2", entry.TrustedAtNonce)
}

func TestSharedInteractionPromptsOnce(t *testing.T) {
	for _, expected := range []int{0, 5} {
		t.Run(fmt.Sprintf("expected=%d", expected), func(t *testing.T) {
			ctx := context.Background()
			e := newEnv(t, registry.Options{SettleWindow: 200 * time.Millisecond})

			var defs []mcp.ServerDefinition
			for i := range 5 {
				defs = append(defs, server(fmt.Sprintf("s%d", i), "n1"))
			}
			e.reg.RegisterCollection(collection("c", mcp.TrustTrustedOnNonce, defs...))

			interaction := registry.NewInteraction(expected)
			var wg sync.WaitGroup
			for _, d := range defs {
				wg.Add(1)
				go func() {
					defer wg.Done()
					conn, err := e.reg.ResolveConnection(ctx, registry.ResolveOptions{
						Ref:              ref("c", d.ID),
						PromptType:       registry.PromptAllUntrusted,
						AllowInteraction: true,
						Interaction:      interaction,
					})
					assert.NoError(t, err)
					assert.NotNil(t, conn)
				}()
			}
			wg.Wait()

			prompts := e.prompter.prompts()
			require.Len(t, prompts, 1)
			assert.Len(t, prompts[0], 5)
		})
	}
}

func TestSubsetAnswerAcceptsSomeAndDeniesOthers(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, registry.Options{})
	e.prompter.answer = func([]registry.TrustRequest) registry.TrustAnswer {
		return registry.TrustAnswer{Decision: registry.DecisionAcceptSome, Accepted: []registry.ServerRef{ref("c", "a")}}
	}
	e.reg.RegisterCollection(collection("c", mcp.TrustUnknown, server("a", "n1"), server("b", "n1")))

	interaction := registry.NewInteraction(2)
	results := make(map[string]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := e.reg.ResolveConnection(ctx, registry.ResolveOptions{
				Ref: ref("c", id), AllowInteraction: true, Interaction: interaction,
			})
			assert.NoError(t, err)
			mu.Lock()
			results[id] = conn != nil
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, map[string]bool{"a": true, "b": false}, results)
	assert.Len(t, e.prompter.prompts(), 1)

	st, err := e.reg.TrustState(ctx, ref("c", "b"))
	require.NoError(t, err)
	assert.Equal(t, registry.TrustDenied, st)
	st, err = e.reg.TrustState(ctx, ref("c", "a"))
	require.NoError(t, err)
	assert.Equal(t, registry.TrustAccepted, st)
}

func TestDeclineCancelAndPromptPolicies(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, registry.Options{})
	e.reg.RegisterCollection(collection("c", mcp.TrustTrustedOnNonce, server("a", "n1")))
	resolve := func(pt registry.PromptType) bool {
		conn, err := e.reg.ResolveConnection(ctx, registry.ResolveOptions{
			Ref: ref("c", "a"), PromptType: pt, AllowInteraction: true,
		})
		require.NoError(t, err)
		return conn != nil
	}

	// Cancel leaves the server undecided and re-askable.
	e.prompter.answer = func([]registry.TrustRequest) registry.TrustAnswer {
		return registry.TrustAnswer{Decision: registry.DecisionCancel}
	}
	assert.False(t, resolve(registry.PromptOnlyNew))
	st, _ := e.reg.TrustState(ctx, ref("c", "a"))
	assert.Equal(t, registry.TrustUndecided, st)
	assert.False(t, resolve(registry.PromptOnlyNew))
	assert.Len(t, e.prompter.prompts(), 2)

	// Decline is remembered: only-new stops asking, all-untrusted asks again.
	e.prompter.answer = func([]registry.TrustRequest) registry.TrustAnswer {
		return registry.TrustAnswer{Decision: registry.DecisionDeclineAll}
	}
	assert.False(t, resolve(registry.PromptOnlyNew))
	st, _ = e.reg.TrustState(ctx, ref("c", "a"))
	assert.Equal(t, registry.TrustDenied, st)
	assert.False(t, resolve(registry.PromptOnlyNew))
	assert.Len(t, e.prompter.prompts(), 3)

	e.prompter.answer = nil
	assert.True(t, resolve(registry.PromptAllUntrusted))
	assert.Len(t, e.prompter.prompts(), 4)
	st, _ = e.reg.TrustState(ctx, ref("c", "a"))
	assert.Equal(t, registry.TrustAccepted, st)

	require.NoError(t, e.reg.ResetTrust(ctx))
	st, _ = e.reg.TrustState(ctx, ref("c", "a"))
	assert.Equal(t, registry.TrustUndecided, st)
}

func TestUntrustedCollectionPromptsEveryTime(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, registry.Options{})

	for i := range 2 {
		// A content change drops the previous connection.
		def := server("a", "n1")
		def.Label = fmt.Sprintf("v%d", i)
		e.reg.RegisterCollection(collection("c", mcp.TrustUntrusted, def))

		conn, err := e.reg.ResolveConnection(ctx, registry.ResolveOptions{Ref: ref("c", "a"), AllowInteraction: true})
		require.NoError(t, err)
		require.NotNil(t, conn)

		st, err := e.reg.TrustState(ctx, ref("c", "a"))
		require.NoError(t, err)
		assert.Equal(t, registry.TrustUndecided, st)
	}
	assert.Len(t, e.prompter.prompts(), 2)
}

func TestRestartAfterNonceChangeChecksTrust(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, registry.Options{})
	require.NoError(t, servercache.NewStore(e.kv, store.Global).SetTrustedAtNonce(ctx, "a", "n1"))
	e.reg.RegisterCollection(collection("c", mcp.TrustTrustedOnNonce, server("a", "n1")))

	state, err := e.reg.StartServer(ctx, ref("c", "a"), registry.StartOptions{})
	require.NoError(t, err)
	require.Equal(t, mcp.StateRunning, state.Kind)
	require.NoError(t, e.reg.StopServer(ctx, ref("c", "a")))

	e.reg.RegisterCollection(collection("c", mcp.TrustTrustedOnNonce, server("a", "n2")))
	state, err = e.reg.StartServer(ctx, ref("c", "a"), registry.StartOptions{PromptType: registry.PromptNever})
	require.NoError(t, err)
	assert.Equal(t, mcp.StateStopped, state.Kind)
	assert.Empty(t, e.prompter.prompts())
	assert.Equal(t, 1, e.delegate.count())
}

func TestUntrustedRestartPromptsAgain(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, registry.Options{})
	e.reg.RegisterCollection(collection("c", mcp.TrustUntrusted, server("a", "n1")))

	for range 2 {
		state, err := e.reg.StartServer(ctx, ref("c", "a"), registry.StartOptions{})
		require.NoError(t, err)
		require.Equal(t, mcp.StateRunning, state.Kind)
		require.NoError(t, e.reg.StopServer(ctx, ref("c", "a")))
	}
	assert.Len(t, e.prompter.prompts(), 2)
	assert.Equal(t, 2, e.delegate.count())
}

func TestTrustWithoutInteractionIsInteractionRequired(t *testing.T) {
	e := newEnv(t, registry.Options{})
	e.reg.RegisterCollection(collection("c", mcp.TrustTrustedOnNonce, server("a", "n1")))

	_, err := e.reg.ResolveConnection(context.Background(), registry.ResolveOptions{Ref: ref("c", "a")})
	require.Error(t, err)
	assert.True(t, mcp.IsInteractionRequired(err))
	assert.Empty(t, e.prompter.prompts())
}

func TestResolveUnknownAndUndelegated(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, registry.Options{})
	http := server("h", "n1")
	http.Launch = mcp.Launch{Type: mcp.LaunchHTTP, URL: "https://x.test/mcp"}
	e.reg.RegisterCollection(collection("c", mcp.TrustTrusted, http))

	_, err := e.reg.ResolveConnection(ctx, registry.ResolveOptions{Ref: ref("nope", "a")})
	assert.ErrorIs(t, err, registry.ErrCollectionNotFound)
	_, err = e.reg.ResolveConnection(ctx, registry.ResolveOptions{Ref: ref("c", "a")})
	assert.ErrorIs(t, err, registry.ErrDefinitionNotFound)
	_, err = e.reg.ResolveConnection(ctx, registry.ResolveOptions{Ref: ref("c", "h")})
	assert.ErrorIs(t, err, registry.ErrNoDelegate)
}

func TestRegisterCollectionOrderAndLazyReplacement(t *testing.T) {
	e := newEnv(t, registry.Options{})

	late := collection("late", mcp.TrustTrusted)
	late.Order = 10
	early := collection("early", mcp.TrustTrusted)
	early.Order = 1
	lazy := collection("lazy", mcp.TrustTrusted)
	lazy.Order = 5
	lazy.Lazy = &mcp.LazyCollection{}
	e.reg.RegisterCollection(late)
	e.reg.RegisterCollection(early)
	e.reg.RegisterCollection(lazy)

	ids := func() []string {
		var out []string
		for _, c := range e.reg.Collections().Get() {
			out = append(out, c.ID)
		}
		return out
	}
	assert.Equal(t, []string{"early", "lazy", "late"}, ids())

	eager := collection("lazy", mcp.TrustTrusted, server("a", "n1"))
	eager.Order = 5
	unregister := e.reg.RegisterCollection(eager)
	assert.Equal(t, []string{"early", "lazy", "late"}, ids())
	got, ok := e.reg.Collection("lazy")
	require.True(t, ok)
	assert.Nil(t, got.Lazy)
	assert.Len(t, got.Servers, 1)

	unregister()
	assert.Equal(t, []string{"early", "late"}, ids())
}

func TestLazyCollectionUsesLastKnownServers(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()

	first := newEnv(t, registry.Options{Store: kv})
	first.reg.RegisterCollection(collection("c", mcp.TrustTrusted, server("a", "n1"), server("b", "n1")))

	second := newEnv(t, registry.Options{Store: kv})
	lazy := collection("c", mcp.TrustTrusted)
	lazy.Lazy = &mcp.LazyCollection{IsCached: true}
	second.reg.RegisterCollection(lazy)

	servers, err := second.reg.Servers(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, ref("c", "b"), servers[1].Ref())
}

func TestDiscoverCollections(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, registry.Options{})

	good := collection("good", mcp.TrustTrusted)
	good.Lazy = &mcp.LazyCollection{Load: func(context.Context) error {
		e.reg.RegisterCollection(collection("good", mcp.TrustTrusted, server("a", "n1")))
		return nil
	}}
	removed := false
	silent := collection("silent", mcp.TrustTrusted)
	silent.Lazy = &mcp.LazyCollection{
		Load:    func(context.Context) error { return errors.New("no such file") },
		Removed: func() { removed = true },
	}
	e.reg.RegisterCollection(good)
	e.reg.RegisterCollection(silent)

	resolved, err := e.reg.DiscoverCollections(ctx)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, "good", resolved[0].ID)
	assert.True(t, removed)
	_, ok := e.reg.Collection("silent")
	assert.False(t, ok)
}

func TestCollectionsSubscriberReadsRegistry(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, registry.Options{})

	var mu sync.Mutex
	var seen []int
	unsubscribe := e.reg.Collections().Subscribe(func(cols []mcp.CollectionDefinition) {
		servers, err := e.reg.Servers(ctx)
		assert.NoError(t, err)
		_, _ = e.reg.Collection("c")
		mu.Lock()
		seen = append(seen, len(servers))
		mu.Unlock()
	})
	t.Cleanup(unsubscribe)

	done := make(chan struct{})
	go func() {
		defer close(done)
		unregister := e.reg.RegisterCollection(collection("c", mcp.TrustTrusted, server("a", "n1"), server("b", "n1")))
		e.reg.RegisterCollection(collection("c", mcp.TrustTrusted, server("a", "n2")))
		unregister()
		e.reg.RegisterCollection(collection("c", mcp.TrustTrusted, server("a", "n3"), server("c", "n1")))
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("registering collections blocked")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{2, 1, 2}, seen)
}

func TestMaterialChangeDisposesConnection(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, registry.Options{})
	e.reg.RegisterCollection(collection("c", mcp.TrustTrusted, server("a", "n1")))

	_, err := e.reg.StartServer(ctx, ref("c", "a"), registry.StartOptions{})
	require.NoError(t, err)
	srv, err := e.reg.Server(ctx, ref("c", "a"))
	require.NoError(t, err)
	conn := srv.Connection()
	require.NotNil(t, conn)

	// Nonce-only change keeps the connection.
	e.reg.RegisterCollection(collection("c", mcp.TrustTrusted, server("a", "n2")))
	assert.Same(t, conn, srv.Connection())
	assert.Equal(t, mcp.StateRunning, conn.State().Kind)

	changed := server("a", "n3")
	changed.Launch.Args = []string{"--verbose"}
	e.reg.RegisterCollection(collection("c", mcp.TrustTrusted, changed))
	assert.Nil(t, srv.Connection())
	assert.Equal(t, mcp.StateStopped, conn.State().Kind)

	state, err := e.reg.StartServer(ctx, ref("c", "a"), registry.StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, mcp.StateRunning, state.Kind)
	assert.NotSame(t, conn, srv.Connection())
	assert.Equal(t, 2, e.delegate.count())
}

func TestCacheFollowsConnection(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, registry.Options{})
	e.reg.RegisterCollection(collection("c", mcp.TrustTrusted, server("a", "n1")))

	_, err := e.reg.StartServer(ctx, ref("c", "a"), registry.StartOptions{})
	require.NoError(t, err)
	srv, err := e.reg.Server(ctx, ref("c", "a"))
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	snap, err := srv.Cache().Snapshots().WaitFor(waitCtx, func(s servercache.Snapshot) bool {
		return s.State == servercache.CacheLive
	})
	require.NoError(t, err)
	require.Len(t, snap.Tools, 1)
	assert.Equal(t, "echo", snap.Tools[0].Name)

	require.NoError(t, e.reg.StopServer(ctx, ref("c", "a")))
	_, err = srv.Cache().Snapshots().WaitFor(waitCtx, func(s servercache.Snapshot) bool {
		return s.State == servercache.CacheCached
	})
	require.NoError(t, err)
}

func TestVariablesResolvedAtLaunch(t *testing.T) {
	ctx := context.Background()
	prompter := variables.PrompterFunc(func(_ context.Context, req variables.PromptRequest) (string, error) {
		return "value-of-" + req.Expression.Arg, nil
	})
	e := newEnv(t, registry.Options{Prompter: prompter})

	def := server("a", "n1")
	def.Launch.Args = []string{"--home", "${env:TEST_HOME}", "--key", "${input:key}"}
	def.VariableReplacement = &mcp.VariableReplacement{
		Scope:  mcp.ScopeWorkspace,
		Inputs: []mcp.InputDefinition{{ID: "key", Password: true}},
	}
	e.reg.RegisterCollection(collection("c", mcp.TrustTrusted, def))

	state, err := e.reg.StartServer(ctx, ref("c", "a"), registry.StartOptions{})
	require.NoError(t, err)
	require.Equal(t, mcp.StateRunning, state.Kind)

	e.delegate.mu.Lock()
	launch := e.delegate.launches[0]
	e.delegate.mu.Unlock()
	assert.Equal(t, []string{"--home", "/home/test", "--key", "value-of-key"}, launch.Args)

	require.NoError(t, e.reg.ClearSavedInputs(ctx, store.Workspace, "key"))
	keys, err := e.kv.List(ctx, store.Workspace, "secrets/")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestAutostartCollectsOutcomes(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, registry.Options{})
	e.reg.RegisterCollection(collection("trusted", mcp.TrustTrusted, server("ok", "n1")))
	e.reg.RegisterCollection(collection("ask", mcp.TrustTrustedOnNonce, server("new", "n1")))

	needsInput := server("input", "n1")
	needsInput.Launch.Args = []string{"${input:token}"}
	e.reg.RegisterCollection(collection("vars", mcp.TrustTrusted, needsInput))

	broken := server("broken", "n1")
	broken.Launch = mcp.Launch{Type: mcp.LaunchHTTP, URL: "https://x.test"}
	e.reg.RegisterCollection(collection("nodelegate", mcp.TrustTrusted, broken))

	res := e.reg.Autostart(ctx, []registry.ServerRef{
		ref("trusted", "ok"), ref("ask", "new"), ref("vars", "input"), ref("nodelegate", "broken"),
	})

	assert.Equal(t, []registry.ServerRef{ref("trusted", "ok")}, res.Started)
	assert.ElementsMatch(t, []registry.ServerRef{ref("ask", "new"), ref("vars", "input")}, res.NeedsInteraction)
	assert.Equal(t, []registry.ServerRef{ref("nodelegate", "broken")}, res.Failed)
	assert.Equal(t, []registry.ServerRef{ref("nodelegate", "broken")}, e.reg.Attention())
	assert.Empty(t, e.prompter.prompts())
}

func TestStartFailureNotifies(t *testing.T) {
	ctx := context.Background()
	var (
		mu   sync.Mutex
		seen []registry.Notification
	)
	notifier := registry.NotifierFunc(func(_ context.Context, n registry.Notification) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, n)
	})
	e := newEnv(t, registry.Options{Notifier: notifier})
	e.delegate.err = errors.New("spawn failed: no such file")
	e.reg.RegisterCollection(collection("c", mcp.TrustTrusted, server("a", "n1")))

	state, err := e.reg.StartServer(ctx, ref("c", "a"), registry.StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, mcp.StateError, state.Kind)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, "Server a", seen[0].Server)
	assert.Contains(t, seen[0].Message, "spawn failed")
	kinds := []registry.ActionKind{}
	for _, a := range seen[0].Actions {
		kinds = append(kinds, a.Kind)
	}
	assert.Equal(t, []registry.ActionKind{registry.ActionShowLogs, registry.ActionRetry, registry.ActionOpenDocs}, kinds)
}
