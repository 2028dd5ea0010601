package mcp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MegaGrindStone/go-mcp-hub"
)

// pipeServer is a scripted MCP server on the far side of a StdIO session.
type pipeServer struct {
	t      *testing.T
	reader *bufio.Reader
	writer io.WriteCloser

	mu       sync.Mutex
	received []mcp.JSONRPCMessage
}

func newPipeSession(t *testing.T) (mcp.Session, *pipeServer) {
	t.Helper()

	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	sess, err := mcp.NewStdIO(clientReader, clientWriter).StartSession(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = serverWriter.Close()
		sess.Stop()
	})

	return sess, &pipeServer{
		t:      t,
		reader: bufio.NewReader(serverReader),
		writer: serverWriter,
	}
}

func (p *pipeServer) next() (mcp.JSONRPCMessage, error) {
	line, err := p.reader.ReadString('\n')
	if err != nil {
		return mcp.JSONRPCMessage{}, err
	}
	var msg mcp.JSONRPCMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return mcp.JSONRPCMessage{}, err
	}
	p.mu.Lock()
	p.received = append(p.received, msg)
	p.mu.Unlock()
	return msg, nil
}

func (p *pipeServer) write(msg mcp.JSONRPCMessage) {
	bs, err := json.Marshal(msg)
	if err != nil {
		p.t.Errorf("failed to marshal: %v", err)
		return
	}
	if _, err := p.writer.Write(append(bs, '\n')); err != nil {
		p.t.Logf("write failed: %v", err)
	}
}

func (p *pipeServer) reply(id *mcp.RequestID, result any) {
	bs, err := json.Marshal(result)
	if err != nil {
		p.t.Errorf("failed to marshal result: %v", err)
		return
	}
	p.write(mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: id, Result: bs})
}

// serve answers requests with handle until the pipe closes.
func (p *pipeServer) serve(handle func(msg mcp.JSONRPCMessage) any) {
	go func() {
		for {
			msg, err := p.next()
			if err != nil {
				return
			}
			if !msg.IsRequest() {
				continue
			}
			p.reply(msg.ID, handle(msg))
		}
	}()
}

func (p *pipeServer) methods() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.received))
	for _, m := range p.received {
		out = append(out, m.Method)
	}
	return out
}

func initializeResult(version string) map[string]any {
	return map[string]any{
		"protocolVersion": version,
		"capabilities": map[string]any{
			"tools":   map[string]any{"listChanged": true},
			"prompts": map[string]any{},
		},
		"serverInfo":   map[string]any{"name": "fake", "version": "1.0.0"},
		"instructions": "be nice",
	}
}

func TestClientInitialize(t *testing.T) {
	sess, srv := newPipeSession(t)
	srv.serve(func(msg mcp.JSONRPCMessage) any {
		switch msg.Method {
		case mcp.MethodInitialize:
			return initializeResult("2025-03-26")
		default:
			return struct{}{}
		}
	})

	client := mcp.NewClient(mcp.Info{Name: "hub", Version: "0.1.0"}, sess)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.Initialize(ctx))
	assert.Equal(t, "fake", client.ServerInfo().Name)
	assert.Equal(t, "be nice", client.Instructions())
	assert.Equal(t, "2025-03-26", client.ProtocolVersion())
	require.NotNil(t, client.ServerCapabilities().Tools)
	assert.True(t, client.ServerCapabilities().Tools.ListChanged)

	require.Eventually(t, func() bool {
		methods := srv.methods()
		return len(methods) == 2 && methods[1] == "notifications/initialized"
	}, time.Second, 10*time.Millisecond)
}

func TestClientInitializeUnsupportedVersion(t *testing.T) {
	sess, srv := newPipeSession(t)
	srv.serve(func(mcp.JSONRPCMessage) any {
		return initializeResult("1999-01-01")
	})

	client := mcp.NewClient(mcp.Info{Name: "hub"}, sess)
	defer client.Close()

	err := client.Initialize(context.Background())
	require.ErrorIs(t, err, mcp.ErrUnsupportedProtocolVersion)
	assert.False(t, errors.Is(err, mcp.ErrServerExited))
}

func TestClientInitializeServerExited(t *testing.T) {
	sess, srv := newPipeSession(t)
	go func() {
		// Read the initialize request, then exit without answering.
		_, _ = srv.next()
		_ = srv.writer.Close()
	}()

	client := mcp.NewClient(mcp.Info{Name: "hub"}, sess)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Initialize(ctx)
	require.ErrorIs(t, err, mcp.ErrServerExited)
}

func TestClientInitializeErrorResponseIsVerbatim(t *testing.T) {
	sess, srv := newPipeSession(t)
	go func() {
		msg, err := srv.next()
		if err != nil {
			return
		}
		srv.write(mcp.JSONRPCMessage{
			JSONRPC: mcp.JSONRPCVersion,
			ID:      msg.ID,
			Error:   &mcp.JSONRPCError{Code: -32000, Message: "bad config"},
		})
	}()

	client := mcp.NewClient(mcp.Info{Name: "hub"}, sess)
	defer client.Close()

	err := client.Initialize(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, mcp.ErrServerExited))
	assert.Contains(t, err.Error(), "bad config")
}

func TestClientListAllToolsPaginates(t *testing.T) {
	sess, srv := newPipeSession(t)
	srv.serve(func(msg mcp.JSONRPCMessage) any {
		switch msg.Method {
		case mcp.MethodInitialize:
			return initializeResult(mcp.LatestProtocolVersion)
		case mcp.MethodToolsList:
			var params mcp.ListToolsParams
			_ = json.Unmarshal(msg.Params, &params)
			if params.Cursor == "" {
				return mcp.ListToolsResult{Tools: []mcp.Tool{{Name: "a"}}, NextCursor: "page2"}
			}
			return mcp.ListToolsResult{Tools: []mcp.Tool{{Name: "b"}}}
		default:
			return struct{}{}
		}
	})

	client := mcp.NewClient(mcp.Info{Name: "hub"}, sess)
	defer client.Close()
	require.NoError(t, client.Initialize(context.Background()))

	tools, err := client.ListAllTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "a", tools[0].Name)
	assert.Equal(t, "b", tools[1].Name)
}

func TestClientAnswersServerRequests(t *testing.T) {
	sess, srv := newPipeSession(t)

	roots := []mcp.Root{{URI: "file:///work", Name: "work"}}
	client := mcp.NewClient(mcp.Info{Name: "hub"}, sess, mcp.WithRootsListHandler(mcp.StaticRoots(roots)))
	defer client.Close()

	responses := make(chan mcp.JSONRPCMessage, 2)
	go func() {
		msg, err := srv.next()
		if err != nil {
			return
		}
		srv.reply(msg.ID, initializeResult(mcp.LatestProtocolVersion))

		srv.write(mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: mcp.IntID(7), Method: mcp.MethodRootsList})
		srv.write(mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: mcp.IntID(8), Method: "sampling/createMessage"})
		for {
			msg, err := srv.next()
			if err != nil {
				return
			}
			if msg.IsResponse() {
				responses <- msg
			}
		}
	}()

	require.NoError(t, client.Initialize(context.Background()))

	got := map[string]mcp.JSONRPCMessage{}
	for range 2 {
		select {
		case msg := <-responses:
			got[msg.ID.String()] = msg
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for responses")
		}
	}

	var list mcp.RootList
	require.NoError(t, json.Unmarshal(got["7"].Result, &list))
	assert.Equal(t, roots, list.Roots)

	bs, err := json.Marshal(got["7"].ID)
	require.NoError(t, err)
	assert.Equal(t, "7", string(bs), "numeric ids must be echoed as numbers")

	require.NotNil(t, got["8"].Error)
	assert.Equal(t, -32601, got["8"].Error.Code)
}

func TestClientToolListChangedListener(t *testing.T) {
	sess, srv := newPipeSession(t)
	go func() {
		msg, err := srv.next()
		if err != nil {
			return
		}
		srv.reply(msg.ID, initializeResult(mcp.LatestProtocolVersion))
		_, _ = srv.next() // initialized
		srv.write(mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: mcp.NotificationToolsListChanged})
		for {
			if _, err := srv.next(); err != nil {
				return
			}
		}
	}()

	client := mcp.NewClient(mcp.Info{Name: "hub"}, sess)
	defer client.Close()

	fired := make(chan struct{}, 1)
	unsubscribe := client.OnToolListChanged(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	require.NoError(t, client.Initialize(context.Background()))

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("listener was not called")
	}
}

func TestClientRequestCancellationNotifiesServer(t *testing.T) {
	sess, srv := newPipeSession(t)

	cancelled := make(chan string, 1)
	go func() {
		for {
			msg, err := srv.next()
			if err != nil {
				return
			}
			switch msg.Method {
			case mcp.MethodInitialize:
				srv.reply(msg.ID, initializeResult(mcp.LatestProtocolVersion))
			case "notifications/cancelled":
				var params struct {
					RequestID string `json:"requestId"`
				}
				_ = json.Unmarshal(msg.Params, &params)
				cancelled <- params.RequestID
			}
			// tools/call is never answered.
		}
	}()

	client := mcp.NewClient(mcp.Info{Name: "hub"}, sess)
	defer client.Close()
	require.NoError(t, client.Initialize(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := client.CallTool(ctx, mcp.CallToolParams{Name: "slow"})
	require.ErrorIs(t, err, context.Canceled)

	select {
	case id := <-cancelled:
		assert.NotEmpty(t, id)
	case <-time.After(2 * time.Second):
		t.Fatal(fmt.Sprintf("no cancellation sent, got %v", srv.methods()))
	}
}
