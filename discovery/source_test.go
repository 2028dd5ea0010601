package discovery_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcp "github.com/MegaGrindStone/go-mcp-hub"
	"github.com/MegaGrindStone/go-mcp-hub/discovery"
	"github.com/MegaGrindStone/go-mcp-hub/internal/logging"
	"github.com/MegaGrindStone/go-mcp-hub/registry"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New(registry.Options{Logger: logging.ForTest(t)})
	t.Cleanup(r.Close)
	return r
}

func TestSourceEager(t *testing.T) {
	path := writeFile(t, "mcp.json", `{"servers": {"a": {"command": "a"}, "b": {"command": "b"}}}`)
	reg := newRegistry(t)

	src, err := discovery.NewSource(discovery.File{Path: path, CollectionID: "ws", Trust: mcp.TrustTrusted}, reg,
		discovery.WithLogger(logging.ForTest(t)))
	require.NoError(t, err)
	assert.Equal(t, discovery.FormatJSON, src.File().Format)
	require.NoError(t, src.Register(context.Background()))

	col, ok := reg.Collection("ws")
	require.True(t, ok)
	assert.Nil(t, col.Lazy)
	assert.Equal(t, mcp.TrustTrusted, col.Trust)
	require.Len(t, col.Servers, 2)

	require.NoError(t, os.WriteFile(path, []byte(`{"servers": {"a": {"command": "a2"}}}`), 0o600))
	require.NoError(t, src.Reload(context.Background()))
	col, _ = reg.Collection("ws")
	require.Len(t, col.Servers, 1)
	assert.Equal(t, "a2", col.Servers[0].Launch.Command)

	src.Close()
	_, ok = reg.Collection("ws")
	assert.False(t, ok)
}

func TestSourceLazy(t *testing.T) {
	path := writeFile(t, "servers.yaml", "servers:\n  a:\n    command: a\n")
	reg := newRegistry(t)

	src, err := discovery.NewSource(discovery.File{Path: path, CollectionID: "lazy", Lazy: true}, reg)
	require.NoError(t, err)
	require.NoError(t, src.Register(context.Background()))

	col, ok := reg.Collection("lazy")
	require.True(t, ok)
	require.NotNil(t, col.Lazy)
	assert.Empty(t, col.Servers)

	resolved, err := reg.DiscoverCollections(context.Background())
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Nil(t, resolved[0].Lazy)
	require.Len(t, resolved[0].Servers, 1)
	assert.Equal(t, "lazy.a", resolved[0].Servers[0].ID)
}

func TestSourceLazyMissingFileIsRemoved(t *testing.T) {
	reg := newRegistry(t)

	src, err := discovery.NewSource(discovery.File{
		Path: filepath.Join(t.TempDir(), "gone.toml"), CollectionID: "gone", Lazy: true,
	}, reg, discovery.WithLogger(logging.ForTest(t)))
	require.NoError(t, err)
	require.NoError(t, src.Register(context.Background()))

	_, err = reg.DiscoverCollections(context.Background())
	require.NoError(t, err)
	_, ok := reg.Collection("gone")
	assert.False(t, ok)
}

func TestNewSourceNeedsFormat(t *testing.T) {
	_, err := discovery.NewSource(discovery.File{Path: "servers.conf"}, newRegistry(t))
	assert.ErrorIs(t, err, discovery.ErrUnknownFormat)
}
