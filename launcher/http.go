package launcher

import (
	"context"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	mcp "github.com/MegaGrindStone/go-mcp-hub"
	"github.com/MegaGrindStone/go-mcp-hub/connection"
	"github.com/MegaGrindStone/go-mcp-hub/observable"
)

// HTTP connects to remote servers with the streamable HTTP transport,
// falling back to legacy SSE when the server requires it. Create instances
// with NewHTTP.
type HTTP struct {
	env          Environment
	httpClient   *http.Client
	tokens       mcp.TokenProvider
	logger       *slog.Logger
	maxRedirects int
	maxDelay     time.Duration
	logBuffer    int
}

// HTTPOption configures an HTTP delegate.
type HTTPOption func(*HTTP)

// WithHTTPClient sets the client used for every request.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(h *HTTP) {
		h.httpClient = client
	}
}

// WithTokens sets the provider that answers authentication challenges.
func WithTokens(provider mcp.TokenProvider) HTTPOption {
	return func(h *HTTP) {
		h.tokens = provider
	}
}

// WithHTTPDelegateLogger sets the logger of the delegate and its sessions.
func WithHTTPDelegateLogger(logger *slog.Logger) HTTPOption {
	return func(h *HTTP) {
		h.logger = logger
	}
}

// WithRedirectLimit sets how many redirects a request may follow.
func WithRedirectLimit(n int) HTTPOption {
	return func(h *HTTP) {
		h.maxRedirects = n
	}
}

// WithBackchannelMaxDelay caps the delay between backchannel reconnects.
func WithBackchannelMaxDelay(d time.Duration) HTTPOption {
	return func(h *HTTP) {
		h.maxDelay = d
	}
}

// WithHTTPEnvironment replaces the environment used for built-in
// substitutions.
func WithHTTPEnvironment(env Environment) HTTPOption {
	return func(h *HTTP) {
		h.env = env
	}
}

// NewHTTP creates a delegate for HTTP launches.
func NewHTTP(options ...HTTPOption) *HTTP {
	h := &HTTP{
		env:       DefaultEnvironment(),
		logger:    slog.Default(),
		logBuffer: 256,
	}
	for _, opt := range options {
		opt(h)
	}
	return h
}

// Priority implements registry.Delegate.
func (h *HTTP) Priority() int { return 0 }

// CanStart implements registry.Delegate.
func (h *HTTP) CanStart(_ mcp.CollectionDefinition, def mcp.ServerDefinition) bool {
	return def.Launch.Type == mcp.LaunchHTTP
}

// SubstituteVariables implements registry.Delegate.
func (h *HTTP) SubstituteVariables(ctx context.Context, def mcp.ServerDefinition, launch mcp.Launch) (mcp.Launch, error) {
	return h.env.Substitute(ctx, def, launch)
}

// Start implements registry.Delegate. No request is made until the client
// sends its first message.
func (h *HTTP) Start(
	ctx context.Context,
	_ mcp.CollectionDefinition,
	def mcp.ServerDefinition,
	launch mcp.Launch,
	opts connection.StartOptions,
) (mcp.LaunchHandle, error) {
	if launch.URL == "" {
		return nil, errors.Newf("server %s has no url", def.ID)
	}
	logs := newLogStream(h.logBuffer)

	clientOpts := []mcp.HTTPClientOption{
		mcp.WithHTTPHeaders(launch.Headers),
		mcp.WithAuthOptions(launch.Auth),
		mcp.WithAllowInteraction(opts.AllowInteraction),
		mcp.WithHTTPLogger(h.logger.With(slog.String("server", def.ID))),
		mcp.WithHTTPLogSink(logs.push),
	}
	if h.tokens != nil {
		clientOpts = append(clientOpts, mcp.WithTokenProvider(h.tokens))
	}
	if h.maxRedirects > 0 {
		clientOpts = append(clientOpts, mcp.WithMaxRedirects(h.maxRedirects))
	}
	if h.maxDelay > 0 {
		clientOpts = append(clientOpts, mcp.WithBackchannelBackoff(time.Second, h.maxDelay))
	}

	session, err := mcp.NewHTTPClient(launch.URL, h.httpClient, clientOpts...).Open(ctx)
	if err != nil {
		logs.close()
		return nil, err
	}
	logs.push("Connecting to " + launch.URL)
	return &remote{session: session, logs: logs}, nil
}

type remote struct {
	session  *mcp.HTTPSession
	logs     *logStream
	dispOnce sync.Once
}

func (r *remote) State() *observable.Value[mcp.ConnectionState] { return r.session.State() }

func (r *remote) Session() mcp.Session { return r.session }

func (r *remote) Logs() iter.Seq[string] { return r.logs.seq() }

// Stop ends the session in the background; the DELETE request may take a
// while against a slow server.
func (r *remote) Stop() {
	go r.session.Stop()
}

func (r *remote) Dispose() {
	r.dispOnce.Do(func() {
		go r.session.Stop()
		r.logs.close()
	})
}
