package launcher_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcp "github.com/MegaGrindStone/go-mcp-hub"
	"github.com/MegaGrindStone/go-mcp-hub/connection"
	"github.com/MegaGrindStone/go-mcp-hub/internal/logging"
	"github.com/MegaGrindStone/go-mcp-hub/launcher"
)

func TestHTTPDelegateConnects(t *testing.T) {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "remote", Version: "1.0.0"}, nil)
	server.AddTool(&mcpsdk.Tool{
		Name:        "ping",
		Description: "Answers pong",
		InputSchema: map[string]any{"type": "object"},
	}, func(context.Context, *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "pong"}}}, nil
	})
	handler := mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return server }, nil)

	var gotHeader atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader.Store(r.Header.Get("X-Token"))
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	d := launcher.NewHTTP(
		launcher.WithHTTPDelegateLogger(logging.ForTest(t)),
		launcher.WithHTTPEnvironment(launcher.Environment{
			LookupEnv: func(name string) (string, bool) {
				if name == "TOKEN" {
					return "secret", true
				}
				return "", false
			},
		}),
		launcher.WithRedirectLimit(2),
		launcher.WithBackchannelMaxDelay(time.Second),
	)
	def := mcp.ServerDefinition{ID: "remote", Launch: mcp.Launch{
		Type:    mcp.LaunchHTTP,
		URL:     ts.URL,
		Headers: map[string]string{"X-Token": "${env:TOKEN}"},
	}}
	require.True(t, d.CanStart(mcp.CollectionDefinition{}, def))
	require.False(t, launcher.NewStdio().CanStart(mcp.CollectionDefinition{}, def))

	launch, err := d.SubstituteVariables(context.Background(), def, def.Launch)
	require.NoError(t, err)

	h, err := d.Start(context.Background(), mcp.CollectionDefinition{}, def, launch, connection.StartOptions{AllowInteraction: true})
	require.NoError(t, err)
	defer h.Dispose()
	assert.Equal(t, mcp.StateRunning, h.State().Get().Kind)

	client := mcp.NewClient(mcp.Info{Name: "test", Version: "1"}, h.Session())
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.Initialize(ctx))
	tools, err := client.ListAllTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "ping", tools[0].Name)
	assert.Equal(t, "secret", gotHeader.Load())

	h.Stop()
	waitKind(t, h, mcp.StateStopped)
}

func TestHTTPDelegateRejectsBadURL(t *testing.T) {
	d := launcher.NewHTTP(launcher.WithHTTPDelegateLogger(logging.ForTest(t)))

	for _, u := range []string{"", "ftp://example.test/mcp"} {
		def := mcp.ServerDefinition{ID: "remote", Launch: mcp.Launch{Type: mcp.LaunchHTTP, URL: u}}
		_, err := d.Start(context.Background(), mcp.CollectionDefinition{}, def, def.Launch, connection.StartOptions{})
		assert.Error(t, err, u)
	}
}
