package mcp

import (
	"context"
	"iter"

	"github.com/MegaGrindStone/go-mcp-hub/observable"
)

// ClientTransport provides the client-side communication layer in the MCP protocol.
type ClientTransport interface {
	// StartSession initiates a new session with the server. Operations are canceled when
	// the context is canceled, and appropriate errors are returned for connection or
	// protocol failures.
	StartSession(ctx context.Context) (Session, error)
}

// Session represents a bidirectional communication channel between client and server.
type Session interface {
	// ID returns the unique identifier for this session.
	ID() string

	// Send transmits a message to the server.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the other party.
	// The implementations should exit the iteration if the session is closed.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop stops the session. The caller is guaranteed to call this method once.
	Stop()
}

// ProtocolVersionSetter is implemented by sessions that must announce the
// negotiated protocol version on subsequent requests.
type ProtocolVersionSetter interface {
	SetProtocolVersion(version string)
}

// LaunchHandle is a running (or starting) server produced by a transport
// delegate. Its state is the source of truth the connection mirrors.
type LaunchHandle interface {
	// State reports the launch lifecycle. It starts in Starting or Running and
	// ends in Stopped or Error.
	State() *observable.Value[ConnectionState]

	// Session returns the message channel to the server. It is only valid
	// once State has reported Running.
	Session() Session

	// Logs yields launch log lines (process stderr, transport diagnostics)
	// until the handle is disposed.
	Logs() iter.Seq[string]

	// Stop asks the launch to stop. Completion is observed through State.
	Stop()

	// Dispose releases every resource held by the launch immediately.
	Dispose()
}

// RootsListHandler answers roots/list requests coming from a server.
type RootsListHandler interface {
	// RootsList returns the list of available root resources.
	RootsList(ctx context.Context) (RootList, error)
}

// LogReceiver receives notifications/message log entries sent by a server.
type LogReceiver interface {
	OnLog(params LogParams)
}

// RootsListFunc adapts a function to RootsListHandler.
type RootsListFunc func(ctx context.Context) (RootList, error)

// RootsList implements RootsListHandler.
func (f RootsListFunc) RootsList(ctx context.Context) (RootList, error) {
	return f(ctx)
}

// StaticRoots returns a RootsListHandler that always answers with roots.
func StaticRoots(roots []Root) RootsListHandler {
	return RootsListFunc(func(context.Context) (RootList, error) {
		out := make([]Root, len(roots))
		copy(out, roots)
		return RootList{Roots: out}, nil
	})
}
