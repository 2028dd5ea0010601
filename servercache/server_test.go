package servercache_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcp "github.com/MegaGrindStone/go-mcp-hub"
	"github.com/MegaGrindStone/go-mcp-hub/internal/logging"
	"github.com/MegaGrindStone/go-mcp-hub/servercache"
	"github.com/MegaGrindStone/go-mcp-hub/store"
)

type fakeSource struct {
	mu        sync.Mutex
	tools     []mcp.Tool
	prompts   []mcp.Prompt
	block     chan struct{}
	listCalls int
	listeners map[int]func()
	next      int
}

func newFakeSource(tools ...mcp.Tool) *fakeSource {
	return &fakeSource{tools: tools, listeners: map[int]func(){}}
}

func (f *fakeSource) ListAllTools(ctx context.Context) ([]mcp.Tool, error) {
	f.mu.Lock()
	f.listCalls++
	block := f.block
	tools := append([]mcp.Tool(nil), f.tools...)
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return tools, nil
}

func (f *fakeSource) ListAllPrompts(context.Context) ([]mcp.Prompt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mcp.Prompt(nil), f.prompts...), nil
}

func (f *fakeSource) ServerInfo() mcp.Info { return mcp.Info{Name: "fake", Version: "1.0.0"} }

func (f *fakeSource) ServerCapabilities() mcp.ServerCapabilities {
	return mcp.ServerCapabilities{
		Tools:   &mcp.ToolsCapability{ListChanged: true},
		Prompts: &mcp.PromptsCapability{},
	}
}

func (f *fakeSource) Instructions() string { return "be nice" }

func (f *fakeSource) OnToolListChanged(fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.listeners[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}
}

func (f *fakeSource) OnPromptListChanged(func()) func() { return func() {} }

func (f *fakeSource) setTools(tools ...mcp.Tool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools = tools
}

func (f *fakeSource) fireToolsChanged() {
	f.mu.Lock()
	fns := make([]func(), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func definition(nonce string) mcp.ServerDefinition {
	return mcp.ServerDefinition{
		ID:         "def-1",
		Label:      "Weather",
		CacheNonce: nonce,
		Launch:     mcp.Launch{Type: mcp.LaunchStdio, Command: "weather"},
	}
}

func waitState(t *testing.T, srv *servercache.Server, want servercache.CacheState) servercache.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := srv.Snapshots().WaitFor(ctx, func(s servercache.Snapshot) bool { return s.State == want })
	require.NoError(t, err, "last state %v", srv.Snapshot().State)
	return snap
}

func TestServerRefreshPublishesAndPersists(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	st := servercache.NewStore(kv, store.Global)
	require.NoError(t, st.SetTrustedAtNonce(ctx, "def-1", "n1"))

	srv := servercache.NewServer(definition("n1"), st, servercache.WithLogger(logging.ForTest(t)))
	require.NoError(t, srv.Load(ctx))
	assert.Equal(t, servercache.CacheUnknown, srv.Snapshot().State)

	src := newFakeSource(tool("echo", `{"type":"object"}`))
	srv.Attach(src)
	defer srv.Close()

	snap := waitState(t, srv, servercache.CacheLive)
	require.Len(t, snap.Tools, 1)
	assert.Equal(t, "fake", snap.ServerMetadata.ServerInfo.Name)
	assert.True(t, snap.Capabilities.Has(servercache.CapTools))

	require.Eventually(t, func() bool {
		e, found, err := st.Get(ctx, "def-1")
		return err == nil && found && e.Fetched()
	}, 5*time.Second, 10*time.Millisecond)
	entry, _, err := st.Get(ctx, "def-1")
	require.NoError(t, err)
	assert.Equal(t, "n1", entry.Nonce)
	assert.Equal(t, "n1", entry.TrustedAtNonce)
	assert.Equal(t, "be nice", entry.ServerMetadata.Instructions)
}

func TestServerExcludesInvalidToolsWithOneWarning(t *testing.T) {
	ctx := context.Background()
	logs := &syncBuffer{}
	logger := logging.New(logging.Config{Output: logs})

	st := servercache.NewStore(store.NewMemory(), store.Global)
	srv := servercache.NewServer(definition("n1"), st, servercache.WithLogger(logger))
	src := newFakeSource(
		tool("good", `{"type":"object"}`),
		tool("bad", `{"type":"array"}`),
		tool("worse", `{"type":"object","properties":[]}`),
		tool("also-good", `{"type":"object","properties":{"x":{"type":"number"}}}`),
	)
	srv.Attach(src)
	defer srv.Close()
	waitState(t, srv, servercache.CacheLive)

	require.NoError(t, srv.Refresh(ctx))
	snap := srv.Snapshot()

	names := []string{}
	for _, tl := range snap.Tools {
		names = append(names, tl.Name)
	}
	assert.Equal(t, []string{"good", "also-good"}, names)
	assert.Contains(t, snap.Warning, "2 tool(s) of Weather were excluded")
	assert.Contains(t, snap.Warning, "bad")
	assert.Contains(t, snap.Warning, "worse")

	// Two refreshes ran; each logged exactly one aggregated warning.
	assert.Equal(t, 2, strings.Count(logs.String(), "were excluded"))
}

func TestServerFallsBackAfterDetach(t *testing.T) {
	ctx := context.Background()
	st := servercache.NewStore(store.NewMemory(), store.Global)
	srv := servercache.NewServer(definition("n1"), st, servercache.WithLogger(logging.ForTest(t)))
	require.NoError(t, srv.Load(ctx))

	srv.Attach(newFakeSource(tool("echo", `{"type":"object"}`)))
	waitState(t, srv, servercache.CacheLive)
	require.Eventually(t, func() bool {
		e, _, _ := st.Get(ctx, "def-1")
		return e.Fetched()
	}, 5*time.Second, 10*time.Millisecond)

	srv.Detach()
	snap := srv.Snapshot()
	assert.Equal(t, servercache.CacheCached, snap.State)
	require.Len(t, snap.Tools, 1)

	srv.SetDefinition(definition("n2"))
	assert.Equal(t, servercache.CacheOutdated, srv.Snapshot().State)

	// A fresh server over the same store sees the persisted entry.
	other := servercache.NewServer(definition("n1"), st)
	require.NoError(t, other.Load(ctx))
	assert.Equal(t, servercache.CacheCached, other.Snapshot().State)
	assert.Equal(t, "echo", other.Snapshot().Tools[0].Name)
}

func TestServerStaticWinsOverCache(t *testing.T) {
	ctx := context.Background()
	st := servercache.NewStore(store.NewMemory(), store.Global)
	_, err := st.Update(ctx, "def-1", func(e *servercache.Entry) {
		e.Tools = []mcp.Tool{tool("cached", "")}
		e.Nonce = "old"
		e.FetchedAt = time.Now()
	})
	require.NoError(t, err)

	def := definition("n1")
	def.Static = &mcp.StaticMetadata{
		Tools:      []mcp.Tool{tool("static", "")},
		ServerInfo: &mcp.Info{Name: "static-server"},
	}
	srv := servercache.NewServer(def, st)
	require.NoError(t, srv.Load(ctx))

	snap := srv.Snapshot()
	assert.Equal(t, servercache.CacheCached, snap.State)
	assert.Equal(t, "static", snap.Tools[0].Name)
	assert.Equal(t, "static-server", snap.ServerMetadata.ServerInfo.Name)

	srv.Attach(newFakeSource(tool("live", `{"type":"object"}`)))
	defer srv.Close()
	snap = waitState(t, srv, servercache.CacheLive)
	assert.Equal(t, "live", snap.Tools[0].Name)
}

func TestServerCancelledRefreshKeepsValues(t *testing.T) {
	st := servercache.NewStore(store.NewMemory(), store.Global)
	srv := servercache.NewServer(definition("n1"), st, servercache.WithLogger(logging.ForTest(t)))
	src := newFakeSource(tool("v1", `{"type":"object"}`))
	srv.Attach(src)
	defer srv.Close()
	waitState(t, srv, servercache.CacheLive)

	src.mu.Lock()
	src.block = make(chan struct{})
	src.tools = []mcp.Tool{tool("v2", `{"type":"object"}`)}
	src.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Refresh(ctx) }()

	waitState(t, srv, servercache.CacheRefreshingFromCached)
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	snap := srv.Snapshot()
	assert.Equal(t, servercache.CacheLive, snap.State)
	assert.Equal(t, "v1", snap.Tools[0].Name)
}

func TestServerRefetchesOnListChanged(t *testing.T) {
	st := servercache.NewStore(store.NewMemory(), store.Global)
	srv := servercache.NewServer(definition("n1"), st, servercache.WithLogger(logging.ForTest(t)))
	src := newFakeSource(tool("v1", `{"type":"object"}`))
	srv.Attach(src)
	defer srv.Close()
	waitState(t, srv, servercache.CacheLive)

	src.setTools(tool("v1", `{"type":"object"}`), tool("v2", `{"type":"object"}`))
	src.fireToolsChanged()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := srv.Snapshots().WaitFor(ctx, func(s servercache.Snapshot) bool {
		return s.State == servercache.CacheLive && len(s.Tools) == 2
	})
	require.NoError(t, err)
	assert.Equal(t, "v2", snap.Tools[1].Name)
}

func TestRefreshWithoutSource(t *testing.T) {
	srv := servercache.NewServer(definition("n1"), servercache.NewStore(store.NewMemory(), store.Global))
	assert.ErrorIs(t, srv.Refresh(context.Background()), servercache.ErrNotAttached)
}

func TestStoreClearTrust(t *testing.T) {
	ctx := context.Background()
	st := servercache.NewStore(store.NewMemory(), store.Workspace)
	require.NoError(t, st.SetTrustedAtNonce(ctx, "a", "n1"))
	require.NoError(t, st.SetTrustedAtNonce(ctx, "b", "n2"))

	ids, err := st.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	require.NoError(t, st.ClearTrust(ctx))
	e, found, err := st.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Empty(t, e.TrustedAtNonce)

	raw, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(raw))
}
