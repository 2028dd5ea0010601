package registry

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	mcp "github.com/MegaGrindStone/go-mcp-hub"
	"github.com/MegaGrindStone/go-mcp-hub/connection"
	"github.com/MegaGrindStone/go-mcp-hub/servercache"
)

// ResolveOptions control ResolveConnection.
type ResolveOptions struct {
	Ref ServerRef
	// ForceTrust accepts a changed configuration of a server trusted before,
	// recording its new nonce.
	ForceTrust bool
	// PromptType defaults to PromptOnlyNew.
	PromptType PromptType
	// AllowInteraction permits trust prompts. Without it, a needed prompt
	// fails with an interaction-required error.
	AllowInteraction bool
	// Interaction coalesces trust prompts of concurrent resolutions.
	Interaction *Interaction
}

// StartOptions control StartServer.
type StartOptions struct {
	PromptType  PromptType
	Interaction *Interaction
	Debug       bool
}

// Server pairs a definition with its cache and, once resolved, its
// connection.
type Server struct {
	ref   ServerRef
	cache *servercache.Server

	mu      sync.Mutex
	col     mcp.CollectionDefinition
	def     mcp.ServerDefinition
	conn    *connection.Connection
	unwatch func()

	// removed is set under the registry lock once the definition is gone.
	removed bool
}

// Ref returns the server reference.
func (s *Server) Ref() ServerRef {
	return s.ref
}

// Cache returns the capability cache of the server.
func (s *Server) Cache() *servercache.Server {
	return s.cache
}

// Connection returns the connection, or nil before the server was resolved.
func (s *Server) Connection() *connection.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Definition returns the current definition and its collection.
func (s *Server) Definition() (mcp.CollectionDefinition, mcp.ServerDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.col, s.def
}

// State returns the connection state; Stopped before the first resolution.
func (s *Server) State() mcp.ConnectionState {
	if conn := s.Connection(); conn != nil {
		return conn.State()
	}
	return mcp.Stopped("")
}

func (s *Server) setDefinition(col mcp.CollectionDefinition, def mcp.ServerDefinition) {
	s.mu.Lock()
	s.col, s.def = col, def
	s.mu.Unlock()
	s.cache.SetDefinition(def)
}

// dispose drops the connection. The cache is closed too when the definition
// is gone.
func (s *Server) dispose() {
	s.mu.Lock()
	conn, unwatch := s.conn, s.unwatch
	s.conn, s.unwatch = nil, nil
	s.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	if conn != nil {
		conn.Dispose()
	}
	s.cache.Detach()
	if s.removed {
		s.cache.Close()
	}
}

// Server returns the server of ref, creating it with its cache loaded on
// first use.
func (r *Registry) Server(ctx context.Context, ref ServerRef) (*Server, error) {
	r.mu.Lock()
	srv, ok := r.servers[ref]
	r.mu.Unlock()
	if ok {
		return srv, nil
	}

	col, def, err := r.lookup(ref)
	if err != nil {
		return nil, err
	}
	srv = &Server{
		ref:   ref,
		col:   col,
		def:   def,
		cache: servercache.NewServer(def, r.cacheStore(col.Scope), servercache.WithLogger(r.logger)),
	}
	if err := srv.cache.Load(ctx); err != nil {
		r.logger.Warn("failed to load server cache", "server", ref, "err", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.servers[ref]; ok {
		return existing, nil
	}
	if _, _, err := r.lookupLocked(ref); err != nil {
		return nil, err
	}
	r.servers[ref] = srv
	return srv, nil
}

// Servers returns every server of the catalog, in presentation order.
func (r *Registry) Servers(ctx context.Context) ([]*Server, error) {
	r.mu.Lock()
	catalog := r.catalog
	r.mu.Unlock()

	var out []*Server
	for _, col := range catalog {
		for _, def := range col.Servers {
			srv, err := r.Server(ctx, ServerRef{CollectionID: col.ID, DefinitionID: def.ID})
			if errors.Is(err, ErrCollectionNotFound) || errors.Is(err, ErrDefinitionNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, srv)
		}
	}
	return out, nil
}

// ResolveConnection returns the connection of a server, creating it when
// trust allows. It returns (nil, nil) when the server is not trusted, and an
// error marked mcp.ErrInteractionRequired when deciding needed a prompt that
// opts did not allow.
func (r *Registry) ResolveConnection(ctx context.Context, opts ResolveOptions) (*connection.Connection, error) {
	srv, err := r.Server(ctx, opts.Ref)
	if err != nil {
		return nil, err
	}
	// A live connection was trusted when it started. A stopped one relaunches
	// with the current definition, so trust is decided again.
	conn := srv.Connection()
	if conn != nil && !mcp.CanBeStarted(conn.State()) {
		return conn, nil
	}

	col, def := srv.Definition()
	trusted, err := r.trust.check(ctx, col, def, opts)
	if err != nil || !trusted {
		return nil, err
	}
	if conn != nil {
		return conn, nil
	}

	delegate := r.delegateFor(col, def)
	if delegate == nil {
		return nil, errors.Wrapf(ErrNoDelegate, "server %s (%s)", def.Label, def.Launch.Type)
	}

	r.mu.Lock()
	removed := srv.removed
	r.mu.Unlock()
	if removed {
		return nil, errors.Wrapf(ErrDefinitionNotFound, "server %q", opts.Ref)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.conn != nil {
		return srv.conn, nil
	}

	logger := r.logger.With("server", opts.Ref.String())
	clientOpts := append([]mcp.ClientOption{
		mcp.WithRootsListHandler(mcp.StaticRoots(def.Roots)),
		mcp.WithClientLogger(logger),
	}, r.opts.ClientOptions...)

	conn = connection.New(connection.Options{
		ID:               opts.Ref.String(),
		Launcher:         r.launcher(srv, delegate),
		ClientInfo:       r.opts.ClientInfo,
		ClientOptions:    clientOpts,
		HandshakeTimeout: r.opts.HandshakeTimeout,
		Logger:           r.logger,
	})
	srv.conn = conn
	srv.unwatch = conn.Handlers().Subscribe(func(c *mcp.Client) {
		if c != nil {
			srv.cache.Attach(c)
			return
		}
		srv.cache.Detach()
	})
	return conn, nil
}

// launcher resolves variables against the definition current at launch time
// and hands the launch to delegate.
func (r *Registry) launcher(srv *Server, delegate Delegate) connection.Launcher {
	return connection.LauncherFunc(func(ctx context.Context, opts connection.StartOptions) (mcp.LaunchHandle, error) {
		col, def := srv.Definition()

		launch, err := delegate.SubstituteVariables(ctx, def, def.Launch)
		if err != nil {
			return nil, errors.Wrap(err, "failed to substitute variables")
		}
		launch, err = r.resolver.Resolve(ctx, def, launch, opts.AllowInteraction)
		if err != nil {
			return nil, err
		}
		return delegate.Start(ctx, col, def, launch, opts)
	})
}

func (r *Registry) delegateFor(col mcp.CollectionDefinition, def mcp.ServerDefinition) Delegate {
	r.mu.Lock()
	delegates := append([]Delegate(nil), r.delegates...)
	r.mu.Unlock()

	for _, d := range delegates {
		if d.CanStart(col, def) {
			return d
		}
	}
	return nil
}

// StartServer is a user initiated start: trust and variable prompts are
// allowed and failures are reported to the Notifier.
func (r *Registry) StartServer(ctx context.Context, ref ServerRef, opts StartOptions) (mcp.ConnectionState, error) {
	conn, err := r.ResolveConnection(ctx, ResolveOptions{
		Ref:              ref,
		PromptType:       opts.PromptType,
		AllowInteraction: true,
		Interaction:      opts.Interaction,
	})
	if err != nil {
		r.notifyFailure(ctx, ref, err.Error())
		return mcp.Stopped(""), err
	}
	if conn == nil {
		return mcp.Stopped(""), nil
	}

	state, err := conn.Start(ctx, connection.StartOptions{AllowInteraction: true, Debug: opts.Debug})
	switch {
	case err != nil:
		r.notifyFailure(ctx, ref, err.Error())
	case state.Kind == mcp.StateError:
		r.notifyFailure(ctx, ref, state.Message)
	case state.Kind == mcp.StateRunning:
		r.clearAttention(ref)
	}
	return state, err
}

// StopServer stops the connection of a server, if any.
func (r *Registry) StopServer(ctx context.Context, ref ServerRef) error {
	r.mu.Lock()
	srv, ok := r.servers[ref]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if conn := srv.Connection(); conn != nil {
		return conn.Stop(ctx)
	}
	return nil
}
