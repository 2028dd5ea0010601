package discovery

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	mcp "github.com/MegaGrindStone/go-mcp-hub"
)

// Format is the encoding of a server list file.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// ErrUnknownFormat is returned for files whose format cannot be told from
// their extension.
var ErrUnknownFormat = errors.New("unknown server list format")

// FormatOf guesses the format from the file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", errors.Wrapf(ErrUnknownFormat, "%s", path)
}

// serverEntry is one server as written in a list file. Name comes from the
// map key.
type serverEntry struct {
	Name     string            `json:"-" yaml:"-" toml:"-"`
	Label    string            `json:"label,omitempty" yaml:"label,omitempty" toml:"label,omitempty"`
	Type     string            `json:"type,omitempty" yaml:"type,omitempty" toml:"type,omitempty"`
	Command  string            `json:"command,omitempty" yaml:"command,omitempty" toml:"command,omitempty"`
	Args     []string          `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`
	Env      map[string]string `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty"`
	Cwd      string            `json:"cwd,omitempty" yaml:"cwd,omitempty" toml:"cwd,omitempty"`
	URL      string            `json:"url,omitempty" yaml:"url,omitempty" toml:"url,omitempty"`
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" toml:"headers,omitempty"`
	Auth     *authEntry        `json:"auth,omitempty" yaml:"auth,omitempty" toml:"auth,omitempty"`
	Disabled bool              `json:"disabled,omitempty" yaml:"disabled,omitempty" toml:"disabled,omitempty"`
	Dev      *devEntry         `json:"dev,omitempty" yaml:"dev,omitempty" toml:"dev,omitempty"`
}

type authEntry struct {
	ProviderID string   `json:"providerId" yaml:"providerId" toml:"provider_id"`
	Scopes     []string `json:"scopes,omitempty" yaml:"scopes,omitempty" toml:"scopes,omitempty"`
}

type devEntry struct {
	Watch []string `json:"watch,omitempty" yaml:"watch,omitempty" toml:"watch,omitempty"`
	Debug bool     `json:"debug,omitempty" yaml:"debug,omitempty" toml:"debug,omitempty"`
}

type inputEntry struct {
	ID          string   `json:"id" yaml:"id" toml:"id"`
	Type        string   `json:"type,omitempty" yaml:"type,omitempty" toml:"type,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Default     string   `json:"default,omitempty" yaml:"default,omitempty" toml:"default,omitempty"`
	Password    bool     `json:"password,omitempty" yaml:"password,omitempty" toml:"password,omitempty"`
	Options     []string `json:"options,omitempty" yaml:"options,omitempty" toml:"options,omitempty"`
}

// document accepts the layouts in common use: "servers" (VS Code),
// "mcpServers" (Claude) and "mcp_servers" (Codex TOML).
type document struct {
	Servers    map[string]*serverEntry `json:"servers" yaml:"servers" toml:"servers"`
	MCPServers map[string]*serverEntry `json:"mcpServers" yaml:"mcpServers" toml:"mcpServers"`
	Snake      map[string]*serverEntry `json:"mcp_servers" yaml:"mcp_servers" toml:"mcp_servers"`
	Inputs     []inputEntry            `json:"inputs" yaml:"inputs" toml:"inputs"`
}

func decode(data []byte, format Format) (*document, error) {
	var doc document
	var err error
	switch format {
	case FormatJSON:
		err = json.Unmarshal(data, &doc)
	case FormatYAML:
		err = yaml.Unmarshal(data, &doc)
	case FormatTOML:
		err = toml.NewDecoder(bytes.NewReader(data)).Decode(&doc)
	default:
		return nil, errors.Wrapf(ErrUnknownFormat, "%q", format)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s server list", format)
	}
	return &doc, nil
}

// Parse decodes a server list into definitions, sorted by name. Disabled
// servers are skipped. Definition ids are prefixed with the collection id.
func Parse(data []byte, file File) ([]mcp.ServerDefinition, error) {
	doc, err := decode(data, file.Format)
	if err != nil {
		return nil, err
	}

	entries := make(map[string]*serverEntry)
	for _, m := range []map[string]*serverEntry{doc.Snake, doc.MCPServers, doc.Servers} {
		for name, e := range m {
			if e == nil {
				continue
			}
			e.Name = name
			entries[name] = e
		}
	}
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var inputs []mcp.InputDefinition
	for _, in := range doc.Inputs {
		inputs = append(inputs, mcp.InputDefinition(in))
	}

	defs := make([]mcp.ServerDefinition, 0, len(names))
	for _, name := range names {
		e := entries[name]
		if e.Disabled {
			continue
		}
		launch, err := e.launch()
		if err != nil {
			return nil, errors.Wrapf(err, "server %q", name)
		}
		def := mcp.ServerDefinition{
			ID:     file.CollectionID + "." + name,
			Label:  e.Label,
			Launch: launch,
			Roots:  file.Roots,
		}
		if def.Label == "" {
			def.Label = name
		}
		if len(inputs) > 0 {
			def.VariableReplacement = &mcp.VariableReplacement{
				Scope:   file.Scope,
				Section: file.CollectionID,
				Inputs:  inputs,
			}
		}
		if e.Dev != nil {
			def.DevMode = &mcp.DevMode{Watch: e.Dev.Watch, Debug: e.Dev.Debug}
		}
		def.CacheNonce = Nonce(def.Launch, def.Roots)
		defs = append(defs, def)
	}
	return defs, nil
}

func (e *serverEntry) launch() (mcp.Launch, error) {
	kind := strings.ToLower(e.Type)
	if kind == "" {
		kind = "stdio"
		if e.URL != "" {
			kind = "http"
		}
	}

	switch kind {
	case "stdio", "local":
		if e.Command == "" {
			return mcp.Launch{}, errors.New("stdio server needs a command")
		}
		return mcp.Launch{
			Type:    mcp.LaunchStdio,
			Command: e.Command,
			Args:    e.Args,
			Env:     e.Env,
			Cwd:     e.Cwd,
		}, nil
	case "http", "sse", "streamable-http", "remote":
		if e.URL == "" {
			return mcp.Launch{}, errors.New("http server needs a url")
		}
		l := mcp.Launch{Type: mcp.LaunchHTTP, URL: e.URL, Headers: e.Headers}
		if e.Auth != nil {
			l.Auth = &mcp.AuthOptions{ProviderID: e.Auth.ProviderID, Scopes: e.Auth.Scopes}
		}
		return l, nil
	}
	return mcp.Launch{}, errors.Newf("unsupported server type %q", e.Type)
}

// Nonce hashes everything that changes what a server is: its launch and
// its roots. encoding/json sorts map keys, so equal launches hash equally.
func Nonce(launch mcp.Launch, roots []mcp.Root) string {
	bs, _ := json.Marshal(struct {
		Launch mcp.Launch `json:"launch"`
		Roots  []mcp.Root `json:"roots,omitempty"`
	}{launch, roots})
	sum := sha256.Sum256(bs)
	return hex.EncodeToString(sum[:])
}
