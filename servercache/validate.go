package servercache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/qri-io/jsonschema"

	mcp "github.com/MegaGrindStone/go-mcp-hub"
)

const (
	maxToolNameLength  = 64
	defaultDescription = "No description provided."
)

// inputSchemaMeta is what a tool input schema must look like to be offered
// to a model.
var inputSchemaMeta = jsonschema.Must(`{
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"enum": ["object"]},
		"properties": {
			"type": "object",
			"additionalProperties": {"type": ["object", "boolean"]}
		},
		"required": {
			"type": "array",
			"items": {"type": "string"}
		}
	}
}`)

// ExcludedTool is a tool dropped by ValidateTools.
type ExcludedTool struct {
	Name   string
	Reason string
}

// ValidateTools returns the tools fit for publication: names sanitized to
// [A-Za-z0-9_-] and at most 64 characters, descriptions defaulted, and input
// schemas checked. Tools failing a check are returned in excluded.
func ValidateTools(ctx context.Context, tools []mcp.Tool) (valid []mcp.Tool, excluded []ExcludedTool) {
	seen := make(map[string]bool, len(tools))
	for _, tool := range tools {
		name := SanitizeToolName(tool.Name)
		if name == "" {
			excluded = append(excluded, ExcludedTool{Name: tool.Name, Reason: "empty name"})
			continue
		}
		if seen[name] {
			excluded = append(excluded, ExcludedTool{Name: tool.Name, Reason: fmt.Sprintf("duplicate name %q", name)})
			continue
		}
		if reason := checkInputSchema(ctx, tool.InputSchema); reason != "" {
			excluded = append(excluded, ExcludedTool{Name: tool.Name, Reason: reason})
			continue
		}
		seen[name] = true

		tool.Name = name
		if strings.TrimSpace(tool.Description) == "" {
			tool.Description = defaultDescription
		}
		valid = append(valid, tool)
	}
	return valid, excluded
}

// SanitizeToolName replaces characters outside [A-Za-z0-9_-] with '_' and
// truncates the result to 64 characters.
func SanitizeToolName(name string) string {
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
		if sb.Len() == maxToolNameLength {
			break
		}
	}
	return sb.String()
}

func checkInputSchema(ctx context.Context, raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Sprintf("input schema is not valid JSON: %v", err)
	}
	vs := inputSchemaMeta.Validate(ctx, doc)
	if errs := *vs.Errs; len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, err := range errs {
			msgs = append(msgs, strings.TrimSpace(err.PropertyPath+" "+err.Message))
		}
		return "invalid input schema: " + strings.Join(msgs, "; ")
	}

	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return fmt.Sprintf("invalid input schema: %v", err)
	}
	return ""
}

// excludedWarning aggregates the exclusions of one refresh into one message.
func excludedWarning(server string, excluded []ExcludedTool) string {
	if len(excluded) == 0 {
		return ""
	}
	parts := make([]string, 0, len(excluded))
	for _, e := range excluded {
		parts = append(parts, fmt.Sprintf("%s (%s)", e.Name, e.Reason))
	}
	return fmt.Sprintf("%d tool(s) of %s were excluded: %s", len(excluded), server, strings.Join(parts, ", "))
}
