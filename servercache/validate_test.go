package servercache_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcp "github.com/MegaGrindStone/go-mcp-hub"
	"github.com/MegaGrindStone/go-mcp-hub/servercache"
)

func tool(name, schema string) mcp.Tool {
	t := mcp.Tool{Name: name, Description: "does " + name}
	if schema != "" {
		t.InputSchema = json.RawMessage(schema)
	}
	return t
}

func TestValidateTools(t *testing.T) {
	tools := []mcp.Tool{
		tool("echo", `{"type":"object","properties":{"message":{"type":"string"}},"required":["message"]}`),
		tool("not-object", `{"type":"string"}`),
		tool("bad-required", `{"type":"object","required":"message"}`),
		tool("no-schema", ""),
		tool("get weather!", `{"type":"object"}`),
		tool("get_weather_", `{"type":"object"}`),
		{Name: "undocumented", InputSchema: json.RawMessage(`{"type":"object"}`)},
		tool("broken", `{"type":`),
	}

	valid, excluded := servercache.ValidateTools(context.Background(), tools)

	names := make([]string, 0, len(valid))
	for _, tl := range valid {
		names = append(names, tl.Name)
	}
	assert.Equal(t, []string{"echo", "no-schema", "get_weather_", "undocumented"}, names)
	assert.NotEmpty(t, valid[3].Description)

	excludedNames := make([]string, 0, len(excluded))
	for _, e := range excluded {
		excludedNames = append(excludedNames, e.Name)
		assert.NotEmpty(t, e.Reason)
	}
	assert.Equal(t, []string{"not-object", "bad-required", "get_weather_", "broken"}, excludedNames)
	require.Len(t, excluded, 4)
	assert.Contains(t, excluded[2].Reason, "duplicate")
}

func TestSanitizeToolName(t *testing.T) {
	assert.Equal(t, "a_b-c_9", servercache.SanitizeToolName("a.b-c 9"))
	assert.Equal(t, "___", servercache.SanitizeToolName("ééé"))
	assert.Len(t, servercache.SanitizeToolName(strings.Repeat("x", 100)), 64)
}
