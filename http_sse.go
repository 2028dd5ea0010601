package mcp

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/tmaxmax/go-sse"

	"github.com/MegaGrindStone/go-mcp-hub/internal/metrics"
)

// retryHint records the latest "retry:" field seen on any event stream of
// the session. go-sse does not surface the field, so the raw stream is teed
// through this writer.
type retryHint struct {
	mu       sync.Mutex
	line     []byte
	skipping bool
	delay    time.Duration
}

// Write scans complete lines for a retry field. Lines that cannot be a retry
// field are skipped without buffering.
func (h *retryHint) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	const prefix = "retry:"
	for _, b := range p {
		if b == '\n' || b == '\r' {
			if !h.skipping && bytes.HasPrefix(h.line, []byte(prefix)) {
				v := bytes.TrimSpace(h.line[len(prefix):])
				if ms, err := strconv.Atoi(string(v)); err == nil && ms >= 0 {
					h.delay = time.Duration(ms) * time.Millisecond
				}
			}
			h.line = h.line[:0]
			h.skipping = false
			continue
		}
		if h.skipping {
			continue
		}
		h.line = append(h.line, b)
		if len(h.line) <= len(prefix) && !bytes.HasPrefix([]byte(prefix), h.line) {
			h.skipping = true
			h.line = h.line[:0]
		} else if len(h.line) > 64 {
			h.skipping = true
			h.line = h.line[:0]
		}
	}
	return len(p), nil
}

// Delay returns the last reconnect hint, or zero.
func (h *retryHint) Delay() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.delay
}

// readEventStream forwards message events from body until it ends. Event ids
// are remembered for resumption. onEndpoint, if set, receives endpoint events
// and stops the read by returning true.
func (s *HTTPSession) readEventStream(body io.Reader, onEndpoint func(data string) bool) error {
	var config *sse.ReadConfig
	if s.client.maxEventSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: s.client.maxEventSize,
		}
	}

	for ev, err := range sse.Read(io.TeeReader(body, &s.retry), config) {
		if err != nil {
			return errors.Wrap(err, "failed to read event")
		}
		if ev.LastEventID != "" {
			s.setLastEvent(ev.LastEventID)
		}

		switch ev.Type {
		case "endpoint":
			if onEndpoint != nil && onEndpoint(ev.Data) {
				return nil
			}
		case "", "message":
			msgs, err := DecodeMessages([]byte(ev.Data))
			if err != nil {
				s.logger.Error("failed to parse event data", "err", err)
				continue
			}
			for _, msg := range msgs {
				s.deliver(msg)
			}
		default:
			s.logger.Debug("ignoring event", "type", ev.Type)
		}
	}
	return nil
}

// runBackchannel keeps one GET event stream open for server initiated
// messages. A 4xx answer disables it for the rest of the session. Other
// failures reconnect with capped exponential backoff, or the server's retry
// hint when that is larger, resuming from the last event id.
func (s *HTTPSession) runBackchannel() {
	defer s.wg.Done()

	failures := 0
	for {
		headers := s.baseHeaders()
		headers.Set(headerAccept, mediaEventStream)
		if id := s.lastEvent(); id != "" {
			headers.Set(headerLastEventID, id)
		}

		res, err := s.fetch(s.ctx, http.MethodGet, s.target, nil, headers)
		if s.ctx.Err() != nil {
			drainAndClose(res)
			return
		}

		switch {
		case err != nil:
			s.logger.Debug("backchannel request failed", "err", err)
			failures++
		case res.StatusCode >= 400 && res.StatusCode < 500:
			drainAndClose(res)
			s.logLine("server does not support the notification stream (" + strconv.Itoa(res.StatusCode) + ")")
			return
		case res.StatusCode >= 300 || mediaType(res) != mediaEventStream:
			drainAndClose(res)
			failures++
		default:
			failures = 0
			if err := s.readEventStream(res.Body, nil); err != nil {
				s.logger.Debug("backchannel stream ended", "err", err)
			}
			drainAndClose(res)
			if s.ctx.Err() != nil {
				return
			}
		}

		delay := s.backchannelDelay(failures)
		metrics.BackchannelReconnects.Inc()

		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *HTTPSession) backchannelDelay(failures int) time.Duration {
	delay := s.client.backchannelBaseDelay
	for i := 1; i < failures && delay < s.client.backchannelMaxDelay; i++ {
		delay *= 2
	}
	if delay > s.client.backchannelMaxDelay {
		delay = s.client.backchannelMaxDelay
	}
	if hint := s.retry.Delay(); hint > delay {
		delay = hint
	}
	return delay
}
