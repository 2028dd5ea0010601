package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/MegaGrindStone/go-mcp-hub/internal/metrics"
	"github.com/MegaGrindStone/go-mcp-hub/observable"
)

// HTTPClient is a client transport for remote MCP servers. Each session
// starts in streamable HTTP mode and falls back to the legacy SSE dialect when
// the server does not understand it. Create instances with NewHTTPClient.
type HTTPClient struct {
	endpoint   string
	httpClient *http.Client
	headers    map[string]string
	logger     *slog.Logger
	logSink    func(string)

	tokens           TokenProvider
	authOptions      *AuthOptions
	allowInteraction bool

	maxRedirects         int
	maxEventSize         int
	backchannelBaseDelay time.Duration
	backchannelMaxDelay  time.Duration
}

// HTTPClientOption represents the options for the HTTPClient.
type HTTPClientOption func(*HTTPClient)

// HTTPSession is one connection attempt to a remote server. Its transport
// mode is decided by the first exchange and never reverts afterwards.
type HTTPSession struct {
	client     *HTTPClient
	httpClient *http.Client
	id         string
	target     *url.URL
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	state    *observable.Value[ConnectionState]
	messages chan JSONRPCMessage

	// sequencer serializes sends while the mode is unknown.
	sequencer sync.Mutex

	mu              sync.Mutex
	mode            TransportMode
	protocolVersion string
	lastEventID     string

	authMu sync.Mutex
	auth   *AuthMetadata
	token  string

	retry           retryHint
	backchannelOnce sync.Once
	stopOnce        sync.Once
}

const (
	headerSessionID       = "Mcp-Session-Id"
	headerProtocolVersion = "Mcp-Protocol-Version"
	headerLastEventID     = "Last-Event-ID"
	headerAuthorization   = "Authorization"
	headerAccept          = "Accept"
	headerContentType     = "Content-Type"
	headerWWWAuthenticate = "WWW-Authenticate"

	acceptStreamable  = "text/event-stream, application/json"
	mediaEventStream  = "text/event-stream"
	mediaJSON         = "application/json"
	maxResponseBytes  = 16 << 20
	maxErrorBodyBytes = 1024
)

var (
	defaultHTTPMaxRedirects         = 5
	defaultBackchannelBaseDelay     = time.Second
	defaultBackchannelMaxDelay      = 30 * time.Second
	defaultHTTPSessionDeleteTimeout = 5 * time.Second
)

// WithHTTPHeaders sets headers sent with every request.
func WithHTTPHeaders(headers map[string]string) HTTPClientOption {
	return func(c *HTTPClient) {
		c.headers = headers
	}
}

// WithTokenProvider sets the provider used to answer authentication challenges.
func WithTokenProvider(provider TokenProvider) HTTPClientOption {
	return func(c *HTTPClient) {
		c.tokens = provider
	}
}

// WithAuthOptions binds the client to a named token provider instead of
// discovered authorization metadata.
func WithAuthOptions(opts *AuthOptions) HTTPClientOption {
	return func(c *HTTPClient) {
		c.authOptions = opts
	}
}

// WithAllowInteraction sets whether token providers may involve the user.
func WithAllowInteraction(allow bool) HTTPClientOption {
	return func(c *HTTPClient) {
		c.allowInteraction = allow
	}
}

// WithMaxRedirects bounds the number of redirects followed per request.
func WithMaxRedirects(n int) HTTPClientOption {
	return func(c *HTTPClient) {
		c.maxRedirects = n
	}
}

// WithHTTPMaxEventSize sets the maximum size of a single SSE event.
func WithHTTPMaxEventSize(size int) HTTPClientOption {
	return func(c *HTTPClient) {
		c.maxEventSize = size
	}
}

// WithBackchannelBackoff sets the initial and maximum reconnect delays of the
// notification stream.
func WithBackchannelBackoff(base, maxDelay time.Duration) HTTPClientOption {
	return func(c *HTTPClient) {
		c.backchannelBaseDelay = base
		c.backchannelMaxDelay = maxDelay
	}
}

// WithHTTPLogger sets the logger of the client.
func WithHTTPLogger(logger *slog.Logger) HTTPClientOption {
	return func(c *HTTPClient) {
		c.logger = logger
	}
}

// WithHTTPLogSink sets a function receiving human readable transport events,
// used to feed a launch log.
func WithHTTPLogSink(sink func(string)) HTTPClientOption {
	return func(c *HTTPClient) {
		c.logSink = sink
	}
}

// NewHTTPClient creates a client for the MCP endpoint. A nil httpClient uses
// http.DefaultClient's transport. Redirects are always followed by the
// transport itself.
func NewHTTPClient(endpoint string, httpClient *http.Client, options ...HTTPClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint:             endpoint,
		logger:               slog.Default(),
		allowInteraction:     true,
		maxRedirects:         defaultHTTPMaxRedirects,
		backchannelBaseDelay: defaultBackchannelBaseDelay,
		backchannelMaxDelay:  defaultBackchannelMaxDelay,
	}
	for _, opt := range options {
		opt(c)
	}

	hc := http.Client{}
	if httpClient != nil {
		hc = *httpClient
	}
	hc.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	c.httpClient = &hc

	return c
}

// StartSession implements the ClientTransport interface.
func (c *HTTPClient) StartSession(ctx context.Context) (Session, error) {
	return c.Open(ctx)
}

// Open creates a session. No request is made until the first Send.
func (c *HTTPClient) Open(_ context.Context) (*HTTPSession, error) {
	target, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid server url %q", c.endpoint)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, errors.Newf("unsupported url scheme %q", target.Scheme)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &HTTPSession{
		client:     c,
		httpClient: c.httpClient,
		id:         uuid.New().String(),
		target:     target,
		logger:     c.logger.With("url", target.Redacted()),
		ctx:        ctx,
		cancel:     cancel,
		state:      observable.New(Running()),
		messages:   make(chan JSONRPCMessage, 64),
	}
	return s, nil
}

// ID implements Session.
func (s *HTTPSession) ID() string {
	return s.id
}

// State reports connection-level failures detected by the transport.
func (s *HTTPSession) State() *observable.Value[ConnectionState] {
	return s.state
}

// Mode returns the current transport mode.
func (s *HTTPSession) Mode() TransportMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetProtocolVersion implements ProtocolVersionSetter.
func (s *HTTPSession) SetProtocolVersion(version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protocolVersion = version
}

// AuthMetadata returns the authentication metadata learned so far, or nil.
func (s *HTTPSession) AuthMetadata() *AuthMetadata {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	if s.auth == nil {
		return nil
	}
	cp := *s.auth
	return &cp
}

// Send implements Session.
func (s *HTTPSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	if s.ctx.Err() != nil {
		return errors.New("session is closed")
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	if s.Mode().Kind == ModeUnknown {
		s.sequencer.Lock()
		if s.Mode().Kind == ModeUnknown {
			defer s.sequencer.Unlock()
			return s.send(ctx, body)
		}
		s.sequencer.Unlock()
	}
	return s.send(ctx, body)
}

// Messages implements Session.
func (s *HTTPSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-s.ctx.Done():
				return
			case msg := <-s.messages:
				if !yield(msg) {
					return
				}
			}
		}
	}
}

// Stop implements Session. An HTTP mode session with a known id is ended on
// the server with a best-effort DELETE.
func (s *HTTPSession) Stop() {
	s.stopOnce.Do(func() {
		mode := s.Mode()
		if mode.Kind == ModeHTTP && mode.SessionID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), defaultHTTPSessionDeleteTimeout)
			headers := s.baseHeaders()
			s.applyToken(headers)
			res, err := s.fetchRedirects(ctx, http.MethodDelete, s.target, nil, headers)
			if err != nil {
				s.logger.Debug("failed to end session", "err", err)
			} else {
				drainAndClose(res)
			}
			cancel()
		}

		s.cancel()
		s.wg.Wait()
		s.state.Update(func(cur ConnectionState) ConnectionState {
			if cur.IsTerminal() {
				return cur
			}
			return Stopped("")
		})
	})
}

func (s *HTTPSession) send(ctx context.Context, body []byte) error {
	mode := s.Mode()
	if mode.Kind == ModeSSE {
		return s.sendSSE(ctx, mode.Endpoint, body)
	}
	return s.sendStreamable(ctx, body)
}

func (s *HTTPSession) sendStreamable(ctx context.Context, body []byte) error {
	headers := s.baseHeaders()
	headers.Set(headerContentType, mediaJSON)
	headers.Set(headerAccept, acceptStreamable)

	res, err := s.fetch(ctx, http.MethodPost, s.target, body, headers)
	if err != nil {
		return s.failRequest(err)
	}
	defer drainAndClose(res)

	if sid := res.Header.Get(headerSessionID); sid != "" {
		s.commitMode(TransportMode{Kind: ModeHTTP, SessionID: sid})
	}

	mode := s.Mode()
	if mode.Kind == ModeUnknown && res.StatusCode >= 400 && res.StatusCode < 500 && !isAuthStatus(res.StatusCode) {
		s.logLine(fmt.Sprintf("%d status sending message to %s, will attempt to fall back to legacy SSE",
			res.StatusCode, s.target.Redacted()))
		return s.fallbackToSSE(ctx, body)
	}

	if res.StatusCode >= 300 {
		return s.failStatus(res, mode)
	}

	fallback, err := s.handleStreamableBody(res)
	if err != nil {
		return s.failRequest(err)
	}
	if fallback {
		s.logLine("received SSE endpoint from a POST, falling back to legacy SSE")
		return s.fallbackToSSE(ctx, body)
	}

	s.commitMode(TransportMode{Kind: ModeHTTP})
	s.backchannelOnce.Do(func() {
		s.wg.Add(1)
		go s.runBackchannel()
	})
	return nil
}

// handleStreamableBody forwards the messages carried by a successful POST
// response. It reports whether the body announced a legacy SSE endpoint while
// the mode was still unknown.
func (s *HTTPSession) handleStreamableBody(res *http.Response) (bool, error) {
	if res.StatusCode == http.StatusAccepted {
		return false, nil
	}

	if mediaType(res) == mediaEventStream {
		fallback := false
		err := s.readEventStream(res.Body, func(string) bool {
			if s.Mode().Kind != ModeUnknown {
				s.logger.Warn("ignoring endpoint event on an established session")
				return false
			}
			fallback = true
			return true
		})
		if err != nil && !fallback {
			return false, errors.Wrap(err, "failed to read event stream")
		}
		return fallback, nil
	}

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return false, errors.Wrap(err, "failed to read response body")
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return false, nil
	}

	msgs, err := DecodeMessages(data)
	if err == nil {
		for _, msg := range msgs {
			s.deliver(msg)
		}
		return false, nil
	}
	if mediaType(res) == mediaJSON {
		return false, err
	}

	// Servers sometimes mislabel event streams; sniff before giving up.
	if bytes.Contains(data, []byte("data:")) {
		return false, s.readEventStream(bytes.NewReader(data), nil)
	}
	s.logger.Warn("unexpected response body", "contentType", res.Header.Get(headerContentType))
	return false, nil
}

func (s *HTTPSession) fallbackToSSE(ctx context.Context, body []byte) error {
	metrics.SSEFallbacks.Inc()

	headers := s.baseHeaders()
	headers.Set(headerAccept, mediaEventStream)

	// The stream lives as long as the session, not the triggering send.
	res, err := s.fetch(s.ctx, http.MethodGet, s.target, nil, headers)
	if err != nil {
		return s.failRequest(err)
	}
	if res.StatusCode >= 300 {
		defer drainAndClose(res)
		return s.failStatus(res, s.Mode())
	}

	endpoints := make(chan string, 1)
	streamDone := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(streamDone)
		defer drainAndClose(res)

		err := s.readEventStream(res.Body, func(data string) bool {
			select {
			case endpoints <- data:
			default:
			}
			return false
		})
		s.sseStreamEnded(err)
	}()

	var endpoint string
	select {
	case endpoint = <-endpoints:
	case <-streamDone:
		msg := fmt.Sprintf("SSE stream at %s closed before announcing an endpoint", s.target.Redacted())
		s.setError(msg, false)
		return errors.New(msg)
	case <-ctx.Done():
		return ctx.Err()
	}

	epURL, err := res.Request.URL.Parse(endpoint)
	if err != nil {
		msg := fmt.Sprintf("invalid SSE endpoint %q: %v", endpoint, err)
		s.setError(msg, false)
		return errors.New(msg)
	}

	s.commitMode(TransportMode{Kind: ModeSSE, Endpoint: epURL.String()})
	s.logLine("connected using legacy SSE, messages go to " + epURL.Redacted())
	return s.sendSSE(ctx, epURL.String(), body)
}

func (s *HTTPSession) sseStreamEnded(err error) {
	if s.ctx.Err() != nil {
		return
	}
	if s.Mode().Kind != ModeSSE {
		return
	}
	msg := "SSE stream closed"
	if err != nil {
		msg = fmt.Sprintf("SSE stream closed: %v", err)
	}
	s.setError(msg, false)
}

func (s *HTTPSession) sendSSE(ctx context.Context, endpoint string, body []byte) error {
	target, err := url.Parse(endpoint)
	if err != nil {
		return errors.Wrapf(err, "invalid SSE endpoint %q", endpoint)
	}

	headers := s.baseHeaders()
	headers.Set(headerContentType, mediaJSON)

	res, err := s.fetch(ctx, http.MethodPost, target, body, headers)
	if err != nil {
		return s.failRequest(err)
	}
	defer drainAndClose(res)

	if res.StatusCode >= 300 {
		return s.failStatus(res, s.Mode())
	}
	return nil
}

// commitMode applies a mode transition. The mode only moves away from
// unknown, except that an HTTP mode without a session id may learn one.
func (s *HTTPSession) commitMode(next TransportMode) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case next.Kind == ModeUnknown:
		return
	case s.mode.Kind == ModeUnknown:
		s.mode = next
		s.logger.Debug("transport mode detected", "mode", next.Kind.String())
	case s.mode.Kind == ModeHTTP && next.Kind == ModeHTTP && s.mode.SessionID == "" && next.SessionID != "":
		s.mode.SessionID = next.SessionID
	}
}

func (s *HTTPSession) baseHeaders() http.Header {
	headers := http.Header{}
	for k, v := range s.client.headers {
		headers.Set(k, v)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode.Kind == ModeHTTP && s.mode.SessionID != "" {
		headers.Set(headerSessionID, s.mode.SessionID)
	}
	if s.protocolVersion != "" {
		headers.Set(headerProtocolVersion, s.protocolVersion)
	}
	return headers
}

func (s *HTTPSession) deliver(msg JSONRPCMessage) {
	select {
	case s.messages <- msg:
	case <-s.ctx.Done():
	}
}

// failRequest records a request that produced no usable response.
func (s *HTTPSession) failRequest(err error) error {
	switch {
	case IsInteractionRequired(err):
		s.state.Set(Stopped(StopReasonNeedsUserInteraction))
		if s.client.allowInteraction {
			return errors.Newf("authentication requires user interaction: %v", err)
		}
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}

	msg := fmt.Sprintf("Error sending message to %s: %v", s.target.Redacted(), err)
	s.setError(msg, false)
	return errors.Wrap(err, "failed to send message")
}

// failStatus records a non-successful response.
func (s *HTTPSession) failStatus(res *http.Response, mode TransportMode) error {
	snippet, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBodyBytes))
	msg := fmt.Sprintf("%d status sending message to %s", res.StatusCode, s.target.Redacted())
	if text := string(bytes.TrimSpace(snippet)); text != "" {
		msg += ": " + text
	}

	if isAuthStatus(res.StatusCode) {
		s.state.Set(Stopped(StopReasonNeedsUserInteraction))
		return errors.New(msg)
	}

	retry := (res.StatusCode == http.StatusBadRequest || res.StatusCode == http.StatusNotFound) &&
		mode.Kind == ModeHTTP && mode.SessionID != ""
	s.setError(msg, retry)
	return errors.New(msg)
}

func (s *HTTPSession) setError(msg string, retry bool) {
	s.logLine(msg)
	s.state.Set(Errored(msg, retry))
}

func (s *HTTPSession) logLine(line string) {
	s.logger.Info(line)
	if s.client.logSink != nil {
		s.client.logSink(line)
	}
}

func (s *HTTPSession) lastEvent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID
}

func (s *HTTPSession) setLastEvent(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastEventID = id
}

func isAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

func mediaType(res *http.Response) string {
	mt, _, err := mime.ParseMediaType(res.Header.Get(headerContentType))
	if err != nil {
		return ""
	}
	return mt
}

func drainAndClose(res *http.Response) {
	if res == nil || res.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxErrorBodyBytes))
	_ = res.Body.Close()
}
