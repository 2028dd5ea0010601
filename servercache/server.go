package servercache

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	mcp "github.com/MegaGrindStone/go-mcp-hub"
	"github.com/MegaGrindStone/go-mcp-hub/internal/metrics"
	"github.com/MegaGrindStone/go-mcp-hub/observable"
)

// ErrNotAttached is returned by Refresh when no live source is attached.
var ErrNotAttached = errors.New("server cache has no live source")

// Source is the live connection a Server fetches from. *mcp.Client
// implements it.
type Source interface {
	ListAllTools(ctx context.Context) ([]mcp.Tool, error)
	ListAllPrompts(ctx context.Context) ([]mcp.Prompt, error)
	ServerInfo() mcp.Info
	ServerCapabilities() mcp.ServerCapabilities
	Instructions() string
	OnToolListChanged(fn func()) func()
	OnPromptListChanged(fn func()) func()
}

// Snapshot is the published view of a server.
type Snapshot struct {
	State          CacheState
	Tools          []mcp.Tool
	Prompts        []mcp.Prompt
	ServerMetadata *mcp.ServerMetadata
	Capabilities   Capabilities
	// Warning aggregates the tools excluded by the last refresh.
	Warning string
}

// Option configures a Server.
type Option func(*Server)

// Server reconciles static, persisted and live values of one definition.
//
// Snapshot subscribers run with the server lock held and must only read the
// snapshot they receive.
type Server struct {
	store    *Store
	logger   *slog.Logger
	snapshot *observable.Value[Snapshot]

	mu      sync.Mutex
	def     mcp.ServerDefinition
	cached  *Entry
	live    *Entry
	fetch   FetchState
	warning string

	source  Source
	unwatch []func()
	ctx     context.Context
	cancel  context.CancelFunc

	fetchSeq    int
	fetchCancel context.CancelFunc
}

// WithLogger sets the logger of the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer returns the cache of def, persisted in st. Call Load to read the
// persisted entry.
func NewServer(def mcp.ServerDefinition, st *Store, opts ...Option) *Server {
	s := &Server{
		store:  st,
		def:    def,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("server", def.ID))
	s.snapshot = observable.New(s.compose())
	return s
}

// Load reads the persisted entry.
func (s *Server) Load(ctx context.Context) error {
	entry, found, err := s.store.Get(ctx, s.ID())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if found && entry.Fetched() {
		s.cached = &entry
	} else {
		s.cached = nil
	}
	s.publishLocked()
	return nil
}

// ID returns the definition id.
func (s *Server) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.def.ID
}

// Snapshot returns the current published view.
func (s *Server) Snapshot() Snapshot {
	return s.snapshot.Get()
}

// Snapshots returns the observable published view.
func (s *Server) Snapshots() *observable.Value[Snapshot] {
	return s.snapshot
}

// SetDefinition replaces the definition, typically after its nonce changed.
func (s *Server) SetDefinition(def mcp.ServerDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.def = def
	s.publishLocked()
}

// Attach starts fetching from src. List-changed notifications of src trigger
// a refetch. A previously attached source is detached first.
func (s *Server) Attach(src Source) {
	s.Detach()

	s.mu.Lock()
	s.source = src
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.unwatch = []func(){
		src.OnToolListChanged(s.refreshInBackground),
		src.OnPromptListChanged(s.refreshInBackground),
	}
	s.mu.Unlock()

	s.refreshInBackground()
}

// Detach stops fetching. Live values are dropped and the published view
// falls back to static and persisted values.
func (s *Server) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.source == nil {
		return
	}
	for _, fn := range s.unwatch {
		fn()
	}
	s.unwatch = nil
	s.cancel()
	if s.fetchCancel != nil {
		s.fetchCancel()
		s.fetchCancel = nil
	}
	s.fetchSeq++
	s.source = nil
	s.live = nil
	s.fetch = FetchIdle
	s.publishLocked()
}

// Close detaches the server.
func (s *Server) Close() {
	s.Detach()
}

// Refresh fetches every primitive from the attached source, publishes the
// result and writes it through to the store. A newer Refresh or Detach
// cancels an older one; a cancelled or failed fetch leaves the published
// values untouched.
func (s *Server) Refresh(ctx context.Context) error {
	s.mu.Lock()
	src := s.source
	if src == nil {
		s.mu.Unlock()
		return ErrNotAttached
	}
	if s.fetchCancel != nil {
		s.fetchCancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	defer cancel()

	s.fetchSeq++
	seq := s.fetchSeq
	s.fetchCancel = cancel
	prev := s.fetch
	if prev == FetchPending {
		prev = FetchIdle
		if s.live != nil {
			prev = FetchDone
		}
	}
	nonce := s.def.CacheNonce
	s.fetch = FetchPending
	s.publishLocked()
	s.mu.Unlock()

	entry, excluded, err := s.fetchEntry(ctx, src)

	s.mu.Lock()
	if seq != s.fetchSeq {
		s.mu.Unlock()
		metrics.CacheRefreshes.WithLabelValues("cancelled").Inc()
		return errors.Wrap(context.Canceled, "refresh superseded")
	}
	s.fetchCancel = nil
	if err != nil {
		s.fetch = prev
		s.publishLocked()
		s.mu.Unlock()
		outcome := "error"
		if ctx.Err() != nil {
			outcome = "cancelled"
		}
		metrics.CacheRefreshes.WithLabelValues(outcome).Inc()
		return err
	}
	entry.Nonce = nonce
	entry.FetchedAt = time.Now().UTC()
	live, cached := entry, entry
	s.live, s.cached = &live, &cached
	s.fetch = FetchDone
	s.warning = excludedWarning(s.def.Label, excluded)
	if s.warning != "" {
		s.logger.Warn(s.warning)
	}
	s.publishLocked()

	// Persisting under the lock keeps writes in fetch order.
	_, err = s.store.Update(context.WithoutCancel(ctx), s.def.ID, func(e *Entry) {
		trusted := e.TrustedAtNonce
		*e = entry
		e.TrustedAtNonce = trusted
	})
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("failed to persist server cache", "err", err)
	}

	metrics.CacheRefreshes.WithLabelValues("ok").Inc()
	metrics.ExcludedTools.Add(float64(len(excluded)))
	return nil
}

func (s *Server) refreshInBackground() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		return
	}

	go func() {
		if err := s.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrNotAttached) {
			s.logger.Warn("failed to refresh server cache", "err", err)
		}
	}()
}

func (s *Server) fetchEntry(ctx context.Context, src Source) (Entry, []ExcludedTool, error) {
	caps := src.ServerCapabilities()
	entry := Entry{
		Capabilities: CapabilitiesOf(caps),
		ServerMetadata: &mcp.ServerMetadata{
			ServerInfo:   src.ServerInfo(),
			Instructions: src.Instructions(),
		},
	}

	var excluded []ExcludedTool
	if caps.Tools != nil {
		tools, err := src.ListAllTools(ctx)
		if err != nil {
			return Entry{}, nil, errors.Wrap(err, "failed to list tools")
		}
		entry.Tools, excluded = ValidateTools(ctx, tools)
	}
	if caps.Prompts != nil {
		prompts, err := src.ListAllPrompts(ctx)
		if err != nil {
			return Entry{}, nil, errors.Wrap(err, "failed to list prompts")
		}
		entry.Prompts = prompts
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, nil, err
	}
	return entry, excluded, nil
}

func (s *Server) publishLocked() {
	s.snapshot.Set(s.compose())
}

// compose builds the published view: live values win over static ones, which
// win over persisted ones.
func (s *Server) compose() Snapshot {
	static := s.def.Static
	in := CacheInputs{
		HasStatic: static != nil,
		HasCache:  s.cached != nil,
		Fetch:     s.fetch,
	}
	if s.cached != nil {
		in.CacheNonceMatches = s.cached.Nonce == s.def.CacheNonce
	}
	if s.live != nil {
		in.LiveNonceMatches = s.live.Nonce == s.def.CacheNonce
	}

	snap := Snapshot{State: DeriveCacheState(in), Warning: s.warning}
	switch {
	case s.live != nil:
		snap.Tools = s.live.Tools
		snap.Prompts = s.live.Prompts
		snap.ServerMetadata = s.live.ServerMetadata
		snap.Capabilities = s.live.Capabilities
	case static != nil:
		snap.Tools = static.Tools
		snap.Prompts = static.Prompts
		if static.ServerInfo != nil {
			snap.ServerMetadata = &mcp.ServerMetadata{ServerInfo: *static.ServerInfo, Instructions: static.Instructions}
		}
		if static.Capabilities != nil {
			snap.Capabilities = CapabilitiesOf(*static.Capabilities)
		}
	case s.cached != nil:
		snap.Tools = s.cached.Tools
		snap.Prompts = s.cached.Prompts
		snap.ServerMetadata = s.cached.ServerMetadata
		snap.Capabilities = s.cached.Capabilities
	}
	snap.Tools = slices.Clone(snap.Tools)
	snap.Prompts = slices.Clone(snap.Prompts)
	return snap
}
