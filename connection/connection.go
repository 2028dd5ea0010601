// Package connection owns the lifecycle of one server connection.
//
// A Connection wraps whatever launch handle its Launcher produces, mirrors
// the launch state into its own observable state and, once the launch first
// reports Running, performs the initialize handshake. Start and Stop calls
// are serialized: a Start while an attempt is in flight joins it, and a Start
// issued while a previous attempt is being torn down waits for the teardown.
package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/MegaGrindStone/go-mcp-hub"
	"github.com/MegaGrindStone/go-mcp-hub/internal/metrics"
	"github.com/MegaGrindStone/go-mcp-hub/observable"
)

// ErrDisposed is returned by Start on a disposed connection.
var ErrDisposed = errors.New("connection disposed")

// ServerExitedMessage is the error state message of a handshake that ended
// because the server went away before answering.
const ServerExitedMessage = "Server exited before responding to `initialize` request."

// StartOptions are passed through to the Launcher.
type StartOptions struct {
	// AllowInteraction is false for background starts. Launchers must then
	// fail with an interaction-required error instead of involving the user.
	AllowInteraction bool
	// Debug asks the launcher to start the server in debug mode, when it
	// supports one.
	Debug bool
}

// Launcher produces a launch handle for one connection attempt. ctx is
// cancelled when the attempt is stopped or disposed.
type Launcher interface {
	Launch(ctx context.Context, opts StartOptions) (mcp.LaunchHandle, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, opts StartOptions) (mcp.LaunchHandle, error)

// Launch implements Launcher.
func (f LauncherFunc) Launch(ctx context.Context, opts StartOptions) (mcp.LaunchHandle, error) {
	return f(ctx, opts)
}

// Options configure a Connection.
type Options struct {
	// ID names the server in logs.
	ID       string
	Launcher Launcher

	// ClientInfo is announced to the server during the handshake.
	ClientInfo    mcp.Info
	ClientOptions []mcp.ClientOption

	// HandshakeTimeout bounds the initialize round trip. Defaults to 60s.
	HandshakeTimeout time.Duration
	// LogLimit is the number of launch log lines kept. Defaults to 200.
	LogLimit int
	Logger   *slog.Logger
}

// Connection is the state machine of one server connection.
type Connection struct {
	opts   Options
	logger *slog.Logger

	state    *observable.Value[mcp.ConnectionState]
	handlers *observable.Value[*mcp.Client]
	logs     *logRing

	mu       sync.Mutex
	current  *attempt
	disposed bool
}

// attempt is one launch generation.
type attempt struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	handle   mcp.LaunchHandle
	client   *mcp.Client
	failure  *mcp.ConnectionState
	err      error
	stopping bool

	// handshook is closed once the handshake goroutine returned.
	handshook chan struct{}

	readyOnce sync.Once
	ready     chan struct{}
	result    mcp.ConnectionState

	doneOnce sync.Once
	done     chan struct{}
}

var (
	defaultHandshakeTimeout = 60 * time.Second
	defaultLogLimit         = 200
)

// New creates a stopped connection.
func New(opts Options) *Connection {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.LogLimit <= 0 {
		opts.LogLimit = defaultLogLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Connection{
		opts:     opts,
		logger:   logger.With("server", opts.ID),
		state:    observable.New(mcp.Stopped("")),
		handlers: observable.New[*mcp.Client](nil),
		logs:     newLogRing(opts.LogLimit),
	}
}

// ID returns the server id given in Options.
func (c *Connection) ID() string {
	return c.opts.ID
}

// State returns the current state.
func (c *Connection) State() mcp.ConnectionState {
	return c.state.Get()
}

// States returns the observable state.
func (c *Connection) States() *observable.Value[mcp.ConnectionState] {
	return c.state
}

// Handler returns the initialized client, or nil when not running.
func (c *Connection) Handler() *mcp.Client {
	return c.handlers.Get()
}

// Handlers returns the observable client. It holds nil whenever the
// connection has no initialized client.
func (c *Connection) Handlers() *observable.Value[*mcp.Client] {
	return c.handlers
}

// Logs returns the most recent launch log lines, oldest first.
func (c *Connection) Logs() []string {
	return c.logs.Lines()
}

// Start launches the server unless an attempt is already in flight, in which
// case it joins that attempt. It returns once the handshake finished or the
// attempt ended, with the resulting state. The returned error is only set
// when ctx ended first, the connection was disposed, or the attempt stopped
// because it needed a user (the error then matches
// mcp.ErrInteractionRequired).
func (c *Connection) Start(ctx context.Context, opts StartOptions) (mcp.ConnectionState, error) {
	for {
		c.mu.Lock()
		if c.disposed {
			c.mu.Unlock()
			return c.state.Get(), ErrDisposed
		}

		if a := c.current; a != nil {
			c.mu.Unlock()

			a.mu.Lock()
			stopping := a.stopping
			a.mu.Unlock()

			if stopping {
				// Wait for the previous generation to go away first.
				select {
				case <-a.done:
					continue
				case <-ctx.Done():
					return c.state.Get(), ctx.Err()
				}
			}
			return c.wait(ctx, a)
		}

		actx, cancel := context.WithCancel(context.Background())
		a := &attempt{
			ctx:       actx,
			cancel:    cancel,
			handshook: make(chan struct{}),
			ready:     make(chan struct{}),
			done:      make(chan struct{}),
		}
		c.current = a
		c.setStateLocked(mcp.Starting())
		c.mu.Unlock()

		go c.run(a, opts)
		return c.wait(ctx, a)
	}
}

func (c *Connection) wait(ctx context.Context, a *attempt) (mcp.ConnectionState, error) {
	select {
	case <-a.ready:
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.result, a.err
	case <-ctx.Done():
		return c.state.Get(), ctx.Err()
	}
}

// Stop asks the current launch to stop and waits until the attempt ended or
// ctx is done.
func (c *Connection) Stop(ctx context.Context) error {
	c.mu.Lock()
	a := c.current
	c.mu.Unlock()
	if a == nil {
		return nil
	}

	a.mu.Lock()
	a.stopping = true
	handle := a.handle
	a.mu.Unlock()

	if handle == nil {
		// Still launching; abandon the launch.
		a.cancel()
	} else {
		c.logger.Debug("stopping server")
		handle.Stop()
	}

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispose moves the connection to Stopped immediately, drops the client and
// releases the launch without waiting for it. A disposed connection cannot
// be started again.
func (c *Connection) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	a := c.current
	c.current = nil
	c.setStateLocked(mcp.Stopped(""))
	client := c.handlers.Get()
	c.handlers.Set(nil)
	c.mu.Unlock()

	if client != nil {
		client.Close()
	}
	if a == nil {
		return
	}

	a.cancel()
	a.resolve(mcp.Stopped(""))
	a.finish()

	a.mu.Lock()
	handle := a.handle
	a.mu.Unlock()
	if handle != nil {
		handle.Dispose()
	}
}

func (c *Connection) run(a *attempt, opts StartOptions) {
	handle, err := c.opts.Launcher.Launch(a.ctx, opts)
	if err != nil {
		if a.ctx.Err() != nil {
			c.end(a, mcp.Stopped(""), nil)
			return
		}
		c.logger.Error("failed to launch server", "err", err)
		c.logs.Add(err.Error())
		state := mcp.Errored(err.Error(), false)
		if mcp.IsInteractionRequired(err) {
			state = mcp.Stopped(mcp.StopReasonNeedsUserInteraction)
			a.mu.Lock()
			a.err = err
			a.mu.Unlock()
		}
		c.end(a, state, nil)
		return
	}

	a.mu.Lock()
	a.handle = handle
	stopping := a.stopping
	a.mu.Unlock()
	if a.ctx.Err() != nil {
		handle.Dispose()
		c.end(a, mcp.Stopped(""), nil)
		return
	}
	if stopping {
		handle.Stop()
	}

	go c.pumpLogs(handle)
	c.mirror(a, handle)
}

// mirror copies the launch state into the connection until the launch ends.
func (c *Connection) mirror(a *attempt, handle mcp.LaunchHandle) {
	states := handle.State()
	handshakeStarted := false

	for {
		changed := states.Changed()
		s := states.Get()

		switch s.Kind {
		case mcp.StateStopped, mcp.StateError:
			if handshakeStarted {
				// The handshake error explains the exit better than the
				// launch state does.
				select {
				case <-a.handshook:
				case <-a.ctx.Done():
				}
			}
			c.end(a, s, handle)
			return
		case mcp.StateRunning:
			if !c.setState(a, s) {
				return
			}
			if !handshakeStarted {
				handshakeStarted = true
				go c.handshake(a, handle)
			}
		default:
			if !c.setState(a, s) {
				return
			}
		}

		select {
		case <-changed:
		case <-a.ctx.Done():
			c.end(a, mcp.Stopped(""), handle)
			return
		}
	}
}

func (c *Connection) handshake(a *attempt, handle mcp.LaunchHandle) {
	defer close(a.handshook)

	client := mcp.NewClient(c.opts.ClientInfo, handle.Session(), c.opts.ClientOptions...)

	ctx, cancel := context.WithTimeout(a.ctx, c.opts.HandshakeTimeout)
	defer cancel()

	started := time.Now()
	err := client.Initialize(ctx)
	if err == nil {
		metrics.HandshakeDuration.WithLabelValues("ok").Observe(time.Since(started).Seconds())
		c.mu.Lock()
		if c.current != a {
			c.mu.Unlock()
			client.Close()
			return
		}
		a.mu.Lock()
		a.client = client
		a.mu.Unlock()
		c.handlers.Set(client)
		c.mu.Unlock()

		c.logger.Info("server initialized",
			"name", client.ServerInfo().Name,
			"version", client.ServerInfo().Version,
			"protocol", client.ProtocolVersion())
		a.resolve(mcp.Running())
		return
	}

	client.Close()
	metrics.HandshakeDuration.WithLabelValues("error").Observe(time.Since(started).Seconds())

	a.mu.Lock()
	stopping := a.stopping
	a.mu.Unlock()
	if stopping || a.ctx.Err() != nil {
		return
	}

	msg := handshakeErrorMessage(err)
	c.logger.Error("handshake failed", "err", err)
	c.logs.Add(msg)

	failure := mcp.Errored(msg, false)
	if mcp.IsInteractionRequired(err) {
		failure = mcp.Stopped(mcp.StopReasonNeedsUserInteraction)
	}
	a.mu.Lock()
	a.failure = &failure
	if mcp.IsInteractionRequired(err) {
		a.err = err
	}
	a.mu.Unlock()

	handle.Stop()
}

func handshakeErrorMessage(err error) string {
	if errors.Is(err, mcp.ErrServerExited) {
		return ServerExitedMessage
	}
	return err.Error()
}

// end finishes attempt a with state s unless a was superseded.
func (c *Connection) end(a *attempt, s mcp.ConnectionState, handle mcp.LaunchHandle) {
	a.mu.Lock()
	if a.failure != nil && s.Reason == "" {
		s = *a.failure
	}
	client := a.client
	a.mu.Unlock()

	c.mu.Lock()
	if c.current == a {
		c.current = nil
		if c.handlers.Get() == client && client != nil {
			c.handlers.Set(nil)
		}
		c.setStateLocked(s)
	}
	c.mu.Unlock()

	a.cancel()
	if client != nil {
		client.Close()
	}
	if handle != nil {
		handle.Dispose()
	}
	a.resolve(s)
	a.finish()
}

// setState applies s if a is still the current attempt.
func (c *Connection) setState(a *attempt, s mcp.ConnectionState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != a {
		return false
	}
	c.setStateLocked(s)
	return true
}

func (c *Connection) setStateLocked(s mcp.ConnectionState) {
	prev := c.state.Get()
	if prev == s {
		return
	}
	c.state.Set(s)
	metrics.ConnectionTransitions.WithLabelValues(s.Kind.String()).Inc()

	if s.Kind == mcp.StateError {
		c.logger.Warn("connection state changed", "from", prev.String(), "to", s.String())
		return
	}
	c.logger.Info("connection state changed", "from", prev.String(), "to", s.String())
}

func (c *Connection) pumpLogs(handle mcp.LaunchHandle) {
	for line := range handle.Logs() {
		c.logs.Add(line)
		c.logger.Debug("server log", "line", line)
	}
}

func (a *attempt) resolve(s mcp.ConnectionState) {
	a.readyOnce.Do(func() {
		a.result = s
		close(a.ready)
	})
}

func (a *attempt) finish() {
	a.doneOnce.Do(func() {
		close(a.done)
	})
}
