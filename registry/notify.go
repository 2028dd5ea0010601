package registry

import (
	"context"
	"slices"
)

// DebuggingDocsURL is offered with start failures.
const DebuggingDocsURL = "https://modelcontextprotocol.io/docs/tools/debugging"

// ActionKind is what a notification action does.
type ActionKind int

const (
	// ActionShowLogs shows the launch logs of the server.
	ActionShowLogs ActionKind = iota
	// ActionRetry starts the server again.
	ActionRetry
	// ActionOpenDocs opens Action.URL.
	ActionOpenDocs
)

// Action is one choice offered with a notification.
type Action struct {
	Kind  ActionKind
	Label string
	URL   string
}

// Notification reports a failed user initiated start.
type Notification struct {
	Ref     ServerRef
	Server  string
	Message string
	Logs    []string
	Actions []Action
}

// Notifier shows notifications to the user.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification)

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) {
	f(ctx, n)
}

// Attention returns the servers whose background start failed and that the
// user has not started successfully since.
func (r *Registry) Attention() []ServerRef {
	return r.attention.Get()
}

func (r *Registry) markAttention(ref ServerRef) {
	r.attention.Update(func(refs []ServerRef) []ServerRef {
		if slices.Contains(refs, ref) {
			return refs
		}
		return append(slices.Clone(refs), ref)
	})
}

func (r *Registry) clearAttention(ref ServerRef) {
	if !slices.Contains(r.attention.Get(), ref) {
		return
	}
	r.attention.Update(func(refs []ServerRef) []ServerRef {
		return slices.DeleteFunc(slices.Clone(refs), func(o ServerRef) bool { return o == ref })
	})
}

func (r *Registry) notifyFailure(ctx context.Context, ref ServerRef, message string) {
	r.logger.Warn("server failed to start", "server", ref, "err", message)
	if r.opts.Notifier == nil {
		return
	}

	n := Notification{
		Ref:     ref,
		Server:  ref.DefinitionID,
		Message: message,
		Actions: []Action{
			{Kind: ActionShowLogs, Label: "Show Output"},
			{Kind: ActionRetry, Label: "Restart Server"},
			{Kind: ActionOpenDocs, Label: "Help", URL: DebuggingDocsURL},
		},
	}
	r.mu.Lock()
	srv, ok := r.servers[ref]
	r.mu.Unlock()
	if ok {
		_, def := srv.Definition()
		n.Server = def.Label
		if conn := srv.Connection(); conn != nil {
			n.Logs = conn.Logs()
		}
	}
	r.opts.Notifier.Notify(ctx, n)
}
