// Package registry is the catalog of server collections. It negotiates trust,
// resolves variables and hands launches to transport delegates, pairing each
// resulting connection with the server's capability cache.
package registry

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	mcp "github.com/MegaGrindStone/go-mcp-hub"
	"github.com/MegaGrindStone/go-mcp-hub/connection"
	"github.com/MegaGrindStone/go-mcp-hub/observable"
	"github.com/MegaGrindStone/go-mcp-hub/servercache"
	"github.com/MegaGrindStone/go-mcp-hub/store"
	"github.com/MegaGrindStone/go-mcp-hub/variables"
)

var (
	// ErrCollectionNotFound is returned for unknown collection ids.
	ErrCollectionNotFound = errors.New("collection not found")
	// ErrDefinitionNotFound is returned for unknown server definition ids.
	ErrDefinitionNotFound = errors.New("server definition not found")
	// ErrNoDelegate is returned when no delegate can start a definition.
	ErrNoDelegate = errors.New("no delegate can start this server")
)

// DefaultSettleWindow is how long a trust interaction without an expected
// participant count waits for more participants.
const DefaultSettleWindow = 100 * time.Millisecond

// Delegate starts servers of the launch types it supports.
type Delegate interface {
	// Priority orders delegates; the highest priority delegate that can start
	// a definition is used.
	Priority() int
	CanStart(col mcp.CollectionDefinition, def mcp.ServerDefinition) bool
	Start(ctx context.Context, col mcp.CollectionDefinition, def mcp.ServerDefinition,
		launch mcp.Launch, opts connection.StartOptions) (mcp.LaunchHandle, error)
	// SubstituteVariables resolves the expressions the delegate knows about,
	// such as environment variables.
	SubstituteVariables(ctx context.Context, def mcp.ServerDefinition, launch mcp.Launch) (mcp.Launch, error)
}

// ServerRef names one server definition within a collection.
type ServerRef struct {
	CollectionID string `json:"collectionId"`
	DefinitionID string `json:"definitionId"`
}

func (r ServerRef) String() string {
	return r.CollectionID + "/" + r.DefinitionID
}

// Options configure a Registry.
type Options struct {
	// Store persists trust, caches, saved inputs and last-known server lists.
	Store store.Store
	// Keys protects saved secret inputs. Defaults to keys kept in a vault in
	// Store.
	Keys variables.KeyProvider
	// Prompter resolves variables interactively.
	Prompter variables.Prompter
	// TrustPrompter asks the user for consent.
	TrustPrompter TrustPrompter
	// Notifier receives failures of user initiated starts.
	Notifier Notifier

	ClientInfo       mcp.Info
	ClientOptions    []mcp.ClientOption
	HandshakeTimeout time.Duration

	// SettleWindow defaults to DefaultSettleWindow.
	SettleWindow time.Duration
	Logger       *slog.Logger
}

// Registry is the catalog of collections and the owner of server
// connections.
type Registry struct {
	opts     Options
	logger   *slog.Logger
	store    store.Store
	resolver *variables.Resolver
	trust    *trustGate

	collections *observable.Value[[]mcp.CollectionDefinition]
	attention   *observable.Value[[]ServerRef]

	// writeMu orders catalog writes so collections publishes them in the
	// order they were applied. Subscribers of collections run under it and
	// must not register or unregister collections.
	writeMu sync.Mutex

	mu        sync.Mutex
	catalog   []mcp.CollectionDefinition
	delegates []Delegate
	servers   map[ServerRef]*Server
	caches    map[store.Scope]*servercache.Store
	gens      map[string]int
	nextGen   int
}

// New returns an empty Registry.
func New(opts Options) *Registry {
	if opts.Store == nil {
		opts.Store = store.NewMemory()
	}
	if opts.Keys == nil {
		opts.Keys = variables.NewVaultKeyProvider(store.StoreVault{Store: opts.Store})
	}
	if opts.SettleWindow <= 0 {
		opts.SettleWindow = DefaultSettleWindow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	r := &Registry{
		opts:        opts,
		logger:      opts.Logger,
		store:       opts.Store,
		collections: observable.New[[]mcp.CollectionDefinition](nil),
		attention:   observable.New[[]ServerRef](nil),
		servers:     make(map[ServerRef]*Server),
		caches:      make(map[store.Scope]*servercache.Store),
		gens:        make(map[string]int),
	}
	r.resolver = variables.NewResolver(
		variables.NewValues(opts.Store),
		variables.NewSecrets(opts.Store, opts.Keys),
		opts.Prompter,
		opts.Logger,
	)
	r.trust = &trustGate{
		r:        r,
		prompter: opts.TrustPrompter,
		settle:   opts.SettleWindow,
		batches:  make(map[string]*trustBatch),
	}
	return r
}

// Collections returns the observable catalog, in presentation order.
func (r *Registry) Collections() *observable.Value[[]mcp.CollectionDefinition] {
	return r.collections
}

// Collection returns the registered collection with id.
func (r *Registry) Collection(id string) (mcp.CollectionDefinition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collectionLocked(id)
}

func (r *Registry) collectionLocked(id string) (mcp.CollectionDefinition, bool) {
	i := slices.IndexFunc(r.catalog, func(c mcp.CollectionDefinition) bool { return c.ID == id })
	if i < 0 {
		return mcp.CollectionDefinition{}, false
	}
	return r.catalog[i], true
}

// RegisterDelegate adds a delegate. The returned function removes it.
func (r *Registry) RegisterDelegate(d Delegate) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.delegates = append(r.delegates, d)
	sort.SliceStable(r.delegates, func(i, j int) bool {
		return r.delegates[i].Priority() > r.delegates[j].Priority()
	})
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.delegates = slices.DeleteFunc(r.delegates, func(o Delegate) bool { return o == d })
	}
}

// RegisterCollection adds c to the catalog, or replaces the registered
// collection with the same id. Connections of definitions that were removed
// or changed in content are disposed; definitions whose nonce alone changed
// keep their connection. The returned function unregisters c, unless it was
// replaced since.
func (r *Registry) RegisterCollection(c mcp.CollectionDefinition) func() {
	ctx := context.Background()
	c.Scope = scopeOr(c.Scope)

	if c.Lazy != nil && c.Lazy.IsCached && len(c.Servers) == 0 {
		servers, found, err := store.GetJSON[[]mcp.ServerDefinition](ctx, r.store, c.Scope, "collections/"+c.ID)
		if err != nil {
			r.logger.Warn("failed to read last known servers", "collection", c.ID, "err", err)
		} else if found {
			c.Servers = servers
		}
	}
	if c.Lazy == nil {
		if err := store.PutJSON(ctx, r.store, c.Scope, "collections/"+c.ID, c.Servers); err != nil {
			r.logger.Warn("failed to save last known servers", "collection", c.ID, "err", err)
		}
	}

	r.writeMu.Lock()
	r.mu.Lock()
	r.nextGen++
	gen := r.nextGen
	r.gens[c.ID] = gen
	var updated, dropped []*Server
	next := slices.Clone(r.catalog)
	if i := slices.IndexFunc(next, func(o mcp.CollectionDefinition) bool { return o.ID == c.ID }); i >= 0 {
		updated, dropped = r.reconcileLocked(next[i], c)
		next[i] = c
	} else {
		at := len(next)
		for i, o := range next {
			if o.Order > c.Order {
				at = i
				break
			}
		}
		next = slices.Insert(next, at, c)
	}
	r.catalog = next
	r.mu.Unlock()

	for _, srv := range updated {
		srv.setDefinition(c, c.Servers[c.ServerIndex(srv.ref.DefinitionID)])
	}
	r.collections.Set(next)
	r.writeMu.Unlock()

	r.logger.Debug("collection registered", "collection", c.ID, "servers", len(c.Servers), "lazy", c.Lazy != nil)
	disposeAll(dropped)

	return func() {
		disposeAll(r.unregister(c.ID, gen))
	}
}

// reconcileLocked matches the servers of a replaced collection against next.
// It returns the servers kept under a new definition and, among them or
// removed, those whose connection must go.
func (r *Registry) reconcileLocked(old, next mcp.CollectionDefinition) (updated, dropped []*Server) {
	for _, def := range old.Servers {
		ref := ServerRef{CollectionID: old.ID, DefinitionID: def.ID}
		srv, ok := r.servers[ref]
		if !ok {
			continue
		}
		i := next.ServerIndex(def.ID)
		switch {
		case i < 0:
			delete(r.servers, ref)
			srv.removed = true
			dropped = append(dropped, srv)
		case !def.SameContent(next.Servers[i]):
			updated = append(updated, srv)
			dropped = append(dropped, srv)
		default:
			updated = append(updated, srv)
		}
	}
	return updated, dropped
}

// unregister removes collection id and returns the servers to dispose. A
// non-zero gen only removes the registration it was issued for.
func (r *Registry) unregister(id string, gen int) []*Server {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	if gen != 0 && r.gens[id] != gen {
		r.mu.Unlock()
		return nil
	}
	delete(r.gens, id)
	next := slices.DeleteFunc(slices.Clone(r.catalog), func(c mcp.CollectionDefinition) bool { return c.ID == id })
	r.catalog = next
	var dropped []*Server
	for ref, srv := range r.servers {
		if ref.CollectionID == id {
			delete(r.servers, ref)
			srv.removed = true
			dropped = append(dropped, srv)
		}
	}
	r.mu.Unlock()

	r.collections.Set(next)
	return dropped
}

// DiscoverCollections runs every pending lazy loader in parallel and returns
// the collections that loaders registered. A collection still lazy after its
// loader returned is removed.
func (r *Registry) DiscoverCollections(ctx context.Context) ([]mcp.CollectionDefinition, error) {
	var pending []mcp.CollectionDefinition
	r.mu.Lock()
	catalog := r.catalog
	r.mu.Unlock()
	for _, c := range catalog {
		if c.Lazy != nil && c.Lazy.Load != nil {
			pending = append(pending, c)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}

	var g errgroup.Group
	for _, c := range pending {
		g.Go(func() error {
			if err := c.Lazy.Load(ctx); err != nil {
				r.logger.Warn("failed to load collection", "collection", c.ID, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var resolved []mcp.CollectionDefinition
	for _, c := range pending {
		now, ok := r.Collection(c.ID)
		switch {
		case !ok:
		case now.Lazy == nil:
			resolved = append(resolved, now)
		default:
			r.logger.Info("lazy collection did not register, removing it", "collection", c.ID)
			disposeAll(r.unregister(c.ID, 0))
			if err := r.store.Delete(ctx, scopeOr(c.Scope), "collections/"+c.ID); err != nil {
				r.logger.Warn("failed to delete last known servers", "collection", c.ID, "err", err)
			}
			if c.Lazy.Removed != nil {
				c.Lazy.Removed()
			}
		}
	}
	return resolved, nil
}

// ResetTrust forgets every trust decision.
func (r *Registry) ResetTrust(ctx context.Context) error {
	return r.trust.reset(ctx)
}

// TrustState reports the recorded consent of a server.
func (r *Registry) TrustState(ctx context.Context, ref ServerRef) (TrustState, error) {
	col, def, err := r.lookup(ref)
	if err != nil {
		return TrustUndecided, err
	}
	if col.Trust == mcp.TrustTrusted {
		return TrustAccepted, nil
	}

	entry, _, err := r.cacheStore(col.Scope).Get(ctx, def.ID)
	if err != nil {
		return TrustUndecided, err
	}
	if col.Trust != mcp.TrustUntrusted && entry.TrustedAtNonce != "" && entry.TrustedAtNonce == def.CacheNonce {
		return TrustAccepted, nil
	}
	rec, err := r.trust.record(ctx, col.Scope, def.ID)
	if err != nil {
		return TrustUndecided, err
	}
	if rec.Denied {
		return TrustDenied, nil
	}
	return TrustUndecided, nil
}

// ClearSavedInputs forgets a saved input of scope, or every saved input of
// scope when inputID is empty.
func (r *Registry) ClearSavedInputs(ctx context.Context, scope store.Scope, inputID string) error {
	return r.resolver.Clear(ctx, scopeOr(scope), inputID)
}

// Close disposes every connection.
func (r *Registry) Close() {
	r.mu.Lock()
	var all []*Server
	for ref, srv := range r.servers {
		delete(r.servers, ref)
		srv.removed = true
		all = append(all, srv)
	}
	r.mu.Unlock()
	disposeAll(all)
}

func (r *Registry) lookup(ref ServerRef) (mcp.CollectionDefinition, mcp.ServerDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(ref)
}

func (r *Registry) lookupLocked(ref ServerRef) (mcp.CollectionDefinition, mcp.ServerDefinition, error) {
	col, ok := r.collectionLocked(ref.CollectionID)
	if !ok {
		return col, mcp.ServerDefinition{}, errors.Wrapf(ErrCollectionNotFound, "collection %q", ref.CollectionID)
	}
	i := col.ServerIndex(ref.DefinitionID)
	if i < 0 {
		return col, mcp.ServerDefinition{}, errors.Wrapf(ErrDefinitionNotFound, "server %q", ref)
	}
	return col, col.Servers[i], nil
}

func (r *Registry) cacheStore(scope store.Scope) *servercache.Store {
	scope = scopeOr(scope)

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.caches[scope]
	if !ok {
		s = servercache.NewStore(r.store, scope)
		r.caches[scope] = s
	}
	return s
}

func disposeAll(servers []*Server) {
	for _, s := range servers {
		s.dispose()
	}
}
