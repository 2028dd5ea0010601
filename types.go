package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
)

// TrustBehavior governs whether a user's consent is required before the
// servers of a collection may start.
type TrustBehavior int

// StateKind discriminates ConnectionState.
type StateKind int

// StopReason qualifies a Stopped connection state.
type StopReason string

// LaunchType discriminates Launch.
type LaunchType string

// TransportModeKind discriminates TransportMode.
type TransportModeKind int

// StorageScope selects where persisted values live.
type StorageScope string

// ConnectionState is the lifecycle state of one server connection.
//
// Message and ShouldRetry are only meaningful for StateError; Reason only for
// StateStopped.
type ConnectionState struct {
	Kind        StateKind
	Message     string
	ShouldRetry bool
	Reason      StopReason
}

// AuthOptions binds an HTTP launch to a named token provider.
type AuthOptions struct {
	ProviderID string   `json:"providerId"`
	Scopes     []string `json:"scopes,omitempty"`
}

// Launch is the resolved, transport-specific connection parameters of a
// server after variable substitution.
type Launch struct {
	Type LaunchType `json:"type"`

	// Stdio
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`

	// HTTP
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Auth    *AuthOptions      `json:"auth,omitempty"`
}

// InputDefinition describes a variable that may need interactive resolution.
type InputDefinition struct {
	ID          string   `json:"id"`
	Type        string   `json:"type,omitempty"`
	Description string   `json:"description,omitempty"`
	Default     string   `json:"default,omitempty"`
	Password    bool     `json:"password,omitempty"`
	Options     []string `json:"options,omitempty"`
}

// VariableReplacement tells the resolver where resolved values of a
// definition are persisted and which inputs it declares.
type VariableReplacement struct {
	Scope   StorageScope      `json:"scope"`
	Section string            `json:"section,omitempty"`
	Inputs  []InputDefinition `json:"inputs,omitempty"`
}

// DevMode holds development flags of a definition.
type DevMode struct {
	Watch []string `json:"watch,omitempty"`
	Debug bool     `json:"debug,omitempty"`
}

// StaticMetadata is data a definition carries about itself, usable before
// any connection exists.
type StaticMetadata struct {
	Tools        []Tool              `json:"tools,omitempty"`
	Prompts      []Prompt            `json:"prompts,omitempty"`
	Capabilities *ServerCapabilities `json:"capabilities,omitempty"`
	ServerInfo   *Info               `json:"serverInfo,omitempty"`
	Instructions string              `json:"instructions,omitempty"`
}

// ServerDefinition is the declarative description of one connectable server.
type ServerDefinition struct {
	ID                  string               `json:"id"`
	Label               string               `json:"label"`
	Launch              Launch               `json:"launch"`
	CacheNonce          string               `json:"cacheNonce"`
	VariableReplacement *VariableReplacement `json:"variableReplacement,omitempty"`
	DevMode             *DevMode             `json:"devMode,omitempty"`
	Roots               []Root               `json:"roots,omitempty"`
	Static              *StaticMetadata      `json:"static,omitempty"`
}

// LazyCollection marks a collection whose servers are only known after Load
// ran.
type LazyCollection struct {
	// IsCached reports whether a previously persisted server list may stand
	// in for the collection until it loads.
	IsCached bool
	// Load activates the collaborator, which is expected to re-register the
	// collection eagerly.
	Load func(ctx context.Context) error
	// Removed is invoked when the collection is dropped after a load that did
	// not re-register it.
	Removed func()
}

// CollectionDefinition is a named group of servers from one discovery
// collaborator.
type CollectionDefinition struct {
	ID              string
	Label           string
	Trust           TrustBehavior
	RemoteAuthority string
	Servers         []ServerDefinition
	Lazy            *LazyCollection
	Order           int
	Scope           StorageScope
}

// TransportMode is the sticky wire dialect of an HTTP connection.
type TransportMode struct {
	Kind      TransportModeKind
	SessionID string
	Endpoint  string
}

const (
	// TrustUnknown is the behavior of collections that declare nothing. It is
	// handled like TrustTrustedOnNonce.
	TrustUnknown TrustBehavior = iota
	// TrustTrusted servers start without consent.
	TrustTrusted
	// TrustTrustedOnNonce servers need consent again whenever their nonce changes.
	TrustTrustedOnNonce
	// TrustUntrusted servers need consent on every start.
	TrustUntrusted
)

const (
	// StateStopped is the initial and terminal state.
	StateStopped StateKind = iota
	// StateStarting means a launch is in progress.
	StateStarting
	// StateRunning means the server is reachable.
	StateRunning
	// StateError means the launch failed or the connection broke.
	StateError
)

const (
	// StopReasonNeedsUserInteraction means the server stopped because
	// authentication needs the user.
	StopReasonNeedsUserInteraction StopReason = "needs-user-interaction"
)

const (
	// LaunchStdio runs a local process speaking newline-delimited JSON-RPC.
	LaunchStdio LaunchType = "stdio"
	// LaunchHTTP connects to a remote endpoint.
	LaunchHTTP LaunchType = "http"
)

const (
	// ModeUnknown is the initial mode before the dialect is detected.
	ModeUnknown TransportModeKind = iota
	// ModeHTTP is the streamable HTTP dialect.
	ModeHTTP
	// ModeSSE is the legacy SSE dialect.
	ModeSSE
)

const (
	// ScopeGlobal persists values for the user across workspaces.
	ScopeGlobal StorageScope = "global"
	// ScopeWorkspace persists values for the current workspace.
	ScopeWorkspace StorageScope = "workspace"
)

// Stopped returns a Stopped state with an optional reason.
func Stopped(reason StopReason) ConnectionState {
	return ConnectionState{Kind: StateStopped, Reason: reason}
}

// Starting returns a Starting state.
func Starting() ConnectionState {
	return ConnectionState{Kind: StateStarting}
}

// Running returns a Running state.
func Running() ConnectionState {
	return ConnectionState{Kind: StateRunning}
}

// Errored returns an Error state.
func Errored(message string, shouldRetry bool) ConnectionState {
	return ConnectionState{Kind: StateError, Message: message, ShouldRetry: shouldRetry}
}

// CanBeStarted reports whether a connection in state s may start a new
// launch.
func CanBeStarted(s ConnectionState) bool {
	return s.Kind == StateStopped || s.Kind == StateError
}

// IsTerminal reports whether s is Stopped or Error.
func (s ConnectionState) IsTerminal() bool {
	return CanBeStarted(s)
}

func (s ConnectionState) String() string {
	switch s.Kind {
	case StateStopped:
		if s.Reason != "" {
			return fmt.Sprintf("stopped (%s)", s.Reason)
		}
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateError:
		return fmt.Sprintf("error: %s", s.Message)
	default:
		return "unknown"
	}
}

func (k StateKind) String() string {
	switch k {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

func (t TrustBehavior) String() string {
	switch t {
	case TrustTrusted:
		return "trusted"
	case TrustTrustedOnNonce:
		return "trusted-on-nonce"
	case TrustUntrusted:
		return "untrusted"
	default:
		return "unknown"
	}
}

// ParseTrustBehavior converts a configuration value to a TrustBehavior.
// Unrecognized values yield TrustUnknown.
func ParseTrustBehavior(s string) TrustBehavior {
	switch s {
	case "trusted":
		return TrustTrusted
	case "trusted-on-nonce", "on-nonce":
		return TrustTrustedOnNonce
	case "untrusted":
		return TrustUntrusted
	default:
		return TrustUnknown
	}
}

func (k TransportModeKind) String() string {
	switch k {
	case ModeHTTP:
		return "http"
	case ModeSSE:
		return "sse"
	default:
		return "unknown"
	}
}

// SameContent reports whether two definitions describe the same server,
// ignoring the cache nonce.
func (d ServerDefinition) SameContent(other ServerDefinition) bool {
	d.CacheNonce, other.CacheNonce = "", ""
	return reflect.DeepEqual(d, other)
}

// ServerIndex returns the position of the definition with id, or -1.
func (c CollectionDefinition) ServerIndex(id string) int {
	return slices.IndexFunc(c.Servers, func(d ServerDefinition) bool { return d.ID == id })
}

// Clone returns a deep copy of the launch.
func (l Launch) Clone() Launch {
	var out Launch
	bs, err := json.Marshal(l)
	if err != nil {
		return l
	}
	if err := json.Unmarshal(bs, &out); err != nil {
		return l
	}
	return out
}
