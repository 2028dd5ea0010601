package mcp

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrInteractionRequired marks failures that need a human to proceed
	// (trust prompt, variable input, interactive sign-in) while the caller
	// disallowed interaction. Test with IsInteractionRequired.
	ErrInteractionRequired = errors.New("user interaction required")

	// ErrServerExited is returned by the handshake when the session ended or
	// was cancelled before the server sent any response.
	ErrServerExited = errors.New("server exited before responding to initialize request")

	// ErrClientClosed is returned for requests issued on a closed client.
	ErrClientClosed = errors.New("client closed")

	// ErrUnsupportedProtocolVersion is returned when the server negotiates an
	// unknown protocol revision.
	ErrUnsupportedProtocolVersion = errors.New("unsupported protocol version")
)

// InteractionRequired returns an error carrying msg and marked with
// ErrInteractionRequired.
func InteractionRequired(msg string) error {
	return errors.Mark(errors.New(msg), ErrInteractionRequired)
}

// MarkInteractionRequired marks err with ErrInteractionRequired.
func MarkInteractionRequired(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrInteractionRequired)
}

// IsInteractionRequired reports whether err, or any error it wraps, means a
// human was needed.
func IsInteractionRequired(err error) bool {
	return errors.Is(err, ErrInteractionRequired)
}
