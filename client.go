package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client correlates requests and responses over one Session. It performs the
// initialize handshake, answers the few requests a server may send back
// (ping, roots/list) and fans list-changed notifications out to watchers.
//
// A Client must be created using NewClient and initialized with Initialize
// before any other request. It never stops the underlying Session; the owner
// of the session does.
type Client struct {
	info         Info
	session      Session
	capabilities ClientCapabilities

	rootsListHandler RootsListHandler
	logReceiver      LogReceiver

	requestTimeout       time.Duration
	pingInterval         time.Duration
	pingTimeoutThreshold int
	logger               *slog.Logger

	mu                 sync.Mutex
	pending            map[string]chan JSONRPCMessage
	initialized        bool
	serverInfo         Info
	serverCapabilities ServerCapabilities
	instructions       string
	protocolVersion    string

	gotResponse atomic.Bool

	listenersMu  sync.Mutex
	listeners    map[string]map[int]func()
	nextListener int

	listenOnce sync.Once
	closeOnce  sync.Once
	readerDone chan struct{}
	closed     chan struct{}
}

var (
	defaultClientRequestTimeout = 60 * time.Second

	defaultClientPingTimeoutThreshold = 3
)

// WithRootsListHandler sets the handler answering roots/list requests.
func WithRootsListHandler(handler RootsListHandler) ClientOption {
	return func(c *Client) {
		c.rootsListHandler = handler
	}
}

// WithLogReceiver sets the receiver of server log notifications.
func WithLogReceiver(receiver LogReceiver) ClientOption {
	return func(c *Client) {
		c.logReceiver = receiver
	}
}

// WithClientRequestTimeout bounds requests whose context has no deadline.
func WithClientRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// WithClientPingInterval enables periodic pings after initialization.
func WithClientPingInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.pingInterval = interval
	}
}

// WithClientPingTimeoutThreshold sets how many consecutive ping failures close the client.
func WithClientPingTimeoutThreshold(threshold int) ClientOption {
	return func(c *Client) {
		c.pingTimeoutThreshold = threshold
	}
}

// WithClientLogger sets the logger of the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client speaking over session. The client does not
// read from the session until Initialize is called.
func NewClient(info Info, session Session, options ...ClientOption) *Client {
	c := &Client{
		info:       info,
		session:    session,
		logger:     slog.Default(),
		pending:    make(map[string]chan JSONRPCMessage),
		listeners:  make(map[string]map[int]func()),
		readerDone: make(chan struct{}),
		closed:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.requestTimeout == 0 {
		c.requestTimeout = defaultClientRequestTimeout
	}
	if c.pingTimeoutThreshold == 0 {
		c.pingTimeoutThreshold = defaultClientPingTimeoutThreshold
	}

	if c.rootsListHandler != nil {
		c.capabilities.Roots = &RootsCapability{ListChanged: true}
	}

	return c
}

// Initialize performs the protocol handshake. If the session ends, or ctx is
// cancelled, before the server sent any response, the returned error matches
// ErrServerExited. Any other failure is returned as is.
func (c *Client) Initialize(ctx context.Context) error {
	c.listenOnce.Do(func() {
		go c.listenMessages()
	})

	params := initializeParams{
		ProtocolVersion: LatestProtocolVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	}

	raw, err := c.request(ctx, MethodInitialize, params, false)
	if err != nil {
		if c.gotResponse.Load() {
			return err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, ErrClientClosed) {
			return errors.WithSecondaryError(ErrServerExited, err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return errors.Wrap(err, "timed out waiting for initialize response")
		}
		return err
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return errors.Wrap(err, "failed to unmarshal initialize result")
	}

	if !slices.Contains(SupportedProtocolVersions, result.ProtocolVersion) {
		return errors.Wrapf(ErrUnsupportedProtocolVersion, "server selected %q", result.ProtocolVersion)
	}

	if setter, ok := c.session.(ProtocolVersionSetter); ok {
		setter.SetProtocolVersion(result.ProtocolVersion)
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.instructions = result.Instructions
	c.protocolVersion = result.ProtocolVersion
	c.initialized = true
	c.mu.Unlock()

	if err := c.sendNotification(ctx, methodNotificationsInitialized, nil); err != nil {
		return errors.Wrap(err, "failed to send initialized notification")
	}

	if c.pingInterval > 0 {
		go c.pingLoop()
	}

	return nil
}

// ServerInfo returns the server's info.
func (c *Client) ServerInfo() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// ServerCapabilities returns the capabilities negotiated during initialization.
func (c *Client) ServerCapabilities() ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverCapabilities
}

// Instructions returns the usage instructions sent by the server, if any.
func (c *Client) Instructions() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instructions
}

// ProtocolVersion returns the negotiated protocol revision.
func (c *Client) ProtocolVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocolVersion
}

// ListTools retrieves one page of tools.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	if err := c.checkInitialized(); err != nil {
		return ListToolsResult{}, err
	}

	raw, err := c.request(ctx, MethodToolsList, params, true)
	if err != nil {
		return ListToolsResult{}, err
	}

	var result ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ListToolsResult{}, errors.Wrap(err, "failed to unmarshal tools")
	}
	return result, nil
}

// ListAllTools follows pagination cursors and returns every tool.
func (c *Client) ListAllTools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	seen := map[string]bool{}
	cursor := ""
	for {
		res, err := c.ListTools(ctx, ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" || seen[res.NextCursor] {
			return tools, nil
		}
		seen[res.NextCursor] = true
		cursor = res.NextCursor
	}
}

// ListPrompts retrieves one page of prompts.
func (c *Client) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptResult, error) {
	if err := c.checkInitialized(); err != nil {
		return ListPromptResult{}, err
	}

	raw, err := c.request(ctx, MethodPromptsList, params, true)
	if err != nil {
		return ListPromptResult{}, err
	}

	var result ListPromptResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ListPromptResult{}, errors.Wrap(err, "failed to unmarshal prompts")
	}
	return result, nil
}

// ListAllPrompts follows pagination cursors and returns every prompt.
func (c *Client) ListAllPrompts(ctx context.Context) ([]Prompt, error) {
	var prompts []Prompt
	seen := map[string]bool{}
	cursor := ""
	for {
		res, err := c.ListPrompts(ctx, ListPromptsParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		prompts = append(prompts, res.Prompts...)
		if res.NextCursor == "" || seen[res.NextCursor] {
			return prompts, nil
		}
		seen[res.NextCursor] = true
		cursor = res.NextCursor
	}
}

// CallTool invokes a tool on the server.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	if err := c.checkInitialized(); err != nil {
		return CallToolResult{}, err
	}

	raw, err := c.request(ctx, MethodToolsCall, params, true)
	if err != nil {
		return CallToolResult{}, err
	}

	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return CallToolResult{}, errors.Wrap(err, "failed to unmarshal tool result")
	}
	return result, nil
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, MethodPing, nil, true)
	return err
}

// OnToolListChanged registers fn for notifications/tools/list_changed. The
// returned function removes it.
func (c *Client) OnToolListChanged(fn func()) func() {
	return c.addListener(NotificationToolsListChanged, fn)
}

// OnPromptListChanged registers fn for notifications/prompts/list_changed.
// The returned function removes it.
func (c *Client) OnPromptListChanged(fn func()) func() {
	return c.addListener(NotificationPromptsListChanged, fn)
}

// NotifyRootsListChanged tells the server that the client's roots changed.
func (c *Client) NotifyRootsListChanged(ctx context.Context) error {
	return c.sendNotification(ctx, methodNotificationsRootsListChanged, nil)
}

// Done returns a channel closed once the client stops processing messages,
// either because the session ended or Close was called.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Close stops the client. Pending requests fail with ErrClientClosed.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

func (c *Client) checkInitialized() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return errors.New("client not initialized")
	}
	return nil
}

func (c *Client) addListener(method string, fn func()) func() {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	id := c.nextListener
	c.nextListener++
	if c.listeners[method] == nil {
		c.listeners[method] = make(map[int]func())
	}
	c.listeners[method][id] = fn

	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		delete(c.listeners[method], id)
	}
}

func (c *Client) notifyListeners(method string) {
	c.listenersMu.Lock()
	fns := make([]func(), 0, len(c.listeners[method]))
	for _, fn := range c.listeners[method] {
		fns = append(fns, fn)
	}
	c.listenersMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	failedPings := 0
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.pingInterval)
		err := c.Ping(ctx)
		cancel()
		if err == nil {
			failedPings = 0
			continue
		}

		c.logger.Error("failed to send ping", "err", err)
		failedPings++
		if failedPings > c.pingTimeoutThreshold {
			c.logger.Error("too many ping failures, closing client", "failures", failedPings)
			c.Close()
			return
		}
	}
}

func (c *Client) listenMessages() {
	defer close(c.readerDone)
	defer c.Close()

	for msg := range c.session.Messages() {
		select {
		case <-c.closed:
			return
		default:
		}

		if msg.JSONRPC != JSONRPCVersion {
			c.logger.Error("invalid jsonrpc version", "version", msg.JSONRPC)
			continue
		}

		switch {
		case msg.IsResponse():
			c.gotResponse.Store(true)
			c.deliverResponse(msg)
		case msg.IsRequest():
			go c.handleRequest(msg)
		case msg.IsNotification():
			c.handleNotification(msg)
		default:
			c.logger.Warn("dropping malformed message")
		}
	}
}

func (c *Client) deliverResponse(msg JSONRPCMessage) {
	c.mu.Lock()
	ch, ok := c.pending[msg.ID.String()]
	if ok {
		delete(c.pending, msg.ID.String())
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("response for unknown request", "id", msg.ID.String())
		return
	}
	ch <- msg
}

func (c *Client) handleRequest(msg JSONRPCMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
	defer cancel()

	switch msg.Method {
	case MethodPing:
		if err := c.sendResult(ctx, msg.ID, struct{}{}); err != nil {
			c.logger.Error("failed to handle ping", "err", err)
		}
	case MethodRootsList:
		if c.rootsListHandler == nil {
			c.replyMethodNotFound(ctx, msg)
			return
		}
		roots, err := c.rootsListHandler.RootsList(ctx)
		if err != nil {
			c.logger.Error("failed to list roots", "err", err)
			if err := c.sendError(ctx, msg.ID, JSONRPCError{
				Code:    jsonRPCInternalErrorCode,
				Message: err.Error(),
			}); err != nil {
				c.logger.Error("failed to send error", "err", err)
			}
			return
		}
		if err := c.sendResult(ctx, msg.ID, roots); err != nil {
			c.logger.Error("failed to send result", "err", err)
		}
	default:
		c.replyMethodNotFound(ctx, msg)
	}
}

func (c *Client) replyMethodNotFound(ctx context.Context, msg JSONRPCMessage) {
	if err := c.sendError(ctx, msg.ID, JSONRPCError{
		Code:    jsonRPCMethodNotFoundCode,
		Message: "Method not found: " + msg.Method,
	}); err != nil {
		c.logger.Error("failed to send error", "err", err)
	}
}

func (c *Client) handleNotification(msg JSONRPCMessage) {
	switch msg.Method {
	case NotificationToolsListChanged, NotificationPromptsListChanged:
		c.notifyListeners(msg.Method)
	case methodNotificationsMessage:
		var params LogParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Error("failed to unmarshal log params", "err", err)
			return
		}
		if c.logReceiver != nil {
			c.logReceiver.OnLog(params)
			return
		}
		c.logger.Debug("server log", "level", params.Level, "logger", params.Logger, "data", string(params.Data))
	default:
		c.logger.Debug("unhandled notification", "method", msg.Method)
	}
}

func (c *Client) request(ctx context.Context, method string, params any, cancellable bool) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      StringID(uuid.New().String()),
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal params")
		}
		msg.Params = paramsBs
	}

	results := make(chan JSONRPCMessage, 1)
	c.mu.Lock()
	c.pending[msg.ID.String()] = results
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID.String())
		c.mu.Unlock()
	}()

	select {
	case <-c.closed:
		return nil, ErrClientClosed
	default:
	}

	if err := c.session.Send(ctx, msg); err != nil {
		return nil, errors.Wrapf(err, "failed to send %s request", method)
	}

	select {
	case res := <-results:
		if res.Error != nil {
			return nil, errors.Wrap(res.Error, "result error")
		}
		return res.Result, nil
	case <-c.closed:
		return nil, ErrClientClosed
	case <-ctx.Done():
		err := ctx.Err()
		if cancellable && errors.Is(err, context.Canceled) {
			nCtx, nCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer nCancel()
			nErr := c.sendNotification(nCtx, methodNotificationsCancelled, notificationsCancelledParams{
				RequestID: msg.ID,
				Reason:    userCancelledReason,
			})
			if nErr != nil {
				c.logger.Warn("failed to send cancellation", "err", nErr)
			}
		}
		return nil, err
	}
}

func (c *Client) sendNotification(ctx context.Context, method string, params any) error {
	notif := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return errors.Wrap(err, "failed to marshal params")
		}
		notif.Params = paramsBs
	}

	if err := c.session.Send(ctx, notif); err != nil {
		return errors.Wrap(err, "failed to send notification")
	}
	return nil
}

func (c *Client) sendResult(ctx context.Context, id *RequestID, result any) error {
	resBs, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "failed to marshal result")
	}

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	}
	if err := c.session.Send(ctx, msg); err != nil {
		return errors.Wrap(err, "failed to send result")
	}
	return nil
}

func (c *Client) sendError(ctx context.Context, id *RequestID, rpcErr JSONRPCError) error {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &rpcErr,
	}
	if err := c.session.Send(ctx, msg); err != nil {
		return errors.Wrap(err, "failed to send error")
	}
	return nil
}
