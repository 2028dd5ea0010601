package registry_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"iter"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	mcp "github.com/MegaGrindStone/go-mcp-hub"
	"github.com/MegaGrindStone/go-mcp-hub/connection"
	"github.com/MegaGrindStone/go-mcp-hub/observable"
	"github.com/MegaGrindStone/go-mcp-hub/registry"
	"github.com/MegaGrindStone/go-mcp-hub/variables"
)

// fakeHandle is a launch backed by an in-process server over pipes.
type fakeHandle struct {
	state   *observable.Value[mcp.ConnectionState]
	session mcp.Session
	logs    chan string

	serverReader *io.PipeReader
	serverWriter *io.PipeWriter
	closeOnce    sync.Once
	dispOnce     sync.Once
}

func newFakeHandle(t *testing.T) *fakeHandle {
	t.Helper()

	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()
	session, err := mcp.NewStdIO(clientReader, clientWriter).StartSession(context.Background())
	require.NoError(t, err)

	h := &fakeHandle{
		state:        observable.New(mcp.Running()),
		session:      session,
		logs:         make(chan string, 4),
		serverReader: serverReader,
		serverWriter: serverWriter,
	}
	h.logs <- "fake server started"
	go h.serve()
	return h
}

func (h *fakeHandle) serve() {
	reader := bufio.NewReader(h.serverReader)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		var msg mcp.JSONRPCMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil || !msg.IsRequest() {
			continue
		}

		result := json.RawMessage(`{}`)
		switch msg.Method {
		case mcp.MethodInitialize:
			result = json.RawMessage(`{"protocolVersion":"2025-06-18","capabilities":{"tools":{"listChanged":true}},"serverInfo":{"name":"fake","version":"1"}}`)
		case mcp.MethodToolsList:
			result = json.RawMessage(`{"tools":[{"name":"echo","inputSchema":{"type":"object"}}]}`)
		}
		bs, _ := json.Marshal(mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: msg.ID, Result: result})
		if _, err := h.serverWriter.Write(append(bs, '\n')); err != nil {
			return
		}
	}
}

func (h *fakeHandle) closeServer() {
	h.closeOnce.Do(func() {
		_ = h.serverWriter.Close()
		_ = h.serverReader.Close()
	})
}

func (h *fakeHandle) State() *observable.Value[mcp.ConnectionState] { return h.state }

func (h *fakeHandle) Session() mcp.Session { return h.session }

func (h *fakeHandle) Logs() iter.Seq[string] {
	return func(yield func(string) bool) {
		for line := range h.logs {
			if !yield(line) {
				return
			}
		}
	}
}

func (h *fakeHandle) Stop() {
	go func() {
		h.closeServer()
		h.state.Set(mcp.Stopped(""))
	}()
}

func (h *fakeHandle) Dispose() {
	h.dispOnce.Do(func() {
		h.closeServer()
		h.session.Stop()
		close(h.logs)
	})
}

// fakeDelegate starts stdio definitions with fake handles.
type fakeDelegate struct {
	t   *testing.T
	err error

	mu       sync.Mutex
	launches []mcp.Launch
	handles  []*fakeHandle
}

func (d *fakeDelegate) Priority() int { return 0 }

func (d *fakeDelegate) CanStart(_ mcp.CollectionDefinition, def mcp.ServerDefinition) bool {
	return def.Launch.Type == mcp.LaunchStdio
}

func (d *fakeDelegate) SubstituteVariables(_ context.Context, _ mcp.ServerDefinition, launch mcp.Launch) (mcp.Launch, error) {
	return variables.Apply(launch, map[string]string{"env:TEST_HOME": "/home/test"}), nil
}

func (d *fakeDelegate) Start(_ context.Context, _ mcp.CollectionDefinition, _ mcp.ServerDefinition,
	launch mcp.Launch, _ connection.StartOptions,
) (mcp.LaunchHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launches = append(d.launches, launch)
	if d.err != nil {
		return nil, d.err
	}
	h := newFakeHandle(d.t)
	d.handles = append(d.handles, h)
	return h, nil
}

func (d *fakeDelegate) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.launches)
}

// countingPrompter answers trust prompts with answer and records the
// batches it saw.
type countingPrompter struct {
	mu      sync.Mutex
	answer  func(reqs []registry.TrustRequest) registry.TrustAnswer
	batches [][]registry.TrustRequest
}

func (p *countingPrompter) PromptTrust(_ context.Context, reqs []registry.TrustRequest) (registry.TrustAnswer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, reqs)
	if p.answer == nil {
		return registry.TrustAnswer{Decision: registry.DecisionAcceptAll}, nil
	}
	return p.answer(reqs), nil
}

func (p *countingPrompter) prompts() [][]registry.TrustRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]registry.TrustRequest(nil), p.batches...)
}
