package config

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/MegaGrindStone/go-mcp-hub/internal/logging"
)

// Validation errors for configuration fields.
var (
	ErrInvalidValue  = errors.New("invalid value")
	ErrInvalidSource = errors.New("invalid source")
)

// FieldError reports a bad configuration field.
type FieldError struct {
	Field string
	Value any
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %v (%v)", e.Field, e.Err, e.Value)
}

func (e *FieldError) Unwrap() error { return e.Err }

var (
	trustPrompts = []string{"never", "only-new", "all-untrusted"}
	trustValues  = []string{"", "trusted", "trusted-on-nonce", "on-nonce", "untrusted"}
	formats      = []string{"", "json", "yaml", "toml"}
	scopes       = []string{"", "global", "workspace"}
)

// Validate checks a Config for validity. It returns every problem found.
func Validate(cfg *Config) []error {
	if cfg == nil {
		return []error{errors.New("config is nil")}
	}

	var errs []error
	bad := func(field string, value any, err error) {
		errs = append(errs, &FieldError{Field: field, Value: value, Err: err})
	}

	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		bad("log_level", cfg.LogLevel, ErrInvalidValue)
	}
	if !oneOf(cfg.LogFormat, []string{"text", "json"}) {
		bad("log_format", cfg.LogFormat, ErrInvalidValue)
	}
	if cfg.HandshakeTimeout <= 0 {
		bad("handshake_timeout", cfg.HandshakeTimeout, ErrInvalidValue)
	}
	if !oneOf(cfg.TrustPrompt, trustPrompts) {
		bad("trust_prompt", cfg.TrustPrompt, ErrInvalidValue)
	}
	if cfg.MaxRedirects < 0 {
		bad("max_redirects", cfg.MaxRedirects, ErrInvalidValue)
	}
	if cfg.BackchannelMaxDelay < 0 {
		bad("backchannel_max_delay", cfg.BackchannelMaxDelay, ErrInvalidValue)
	}

	seen := make(map[string]bool)
	for i, src := range cfg.Sources {
		field := fmt.Sprintf("sources[%d]", i)
		switch {
		case src.Path == "":
			bad(field+".path", src.Path, ErrInvalidSource)
		case strings.ContainsRune(src.Path, '\x00'):
			bad(field+".path", src.Path, ErrInvalidSource)
		}
		if !oneOf(src.Format, formats) {
			bad(field+".format", src.Format, ErrInvalidSource)
		}
		if !oneOf(src.Trust, trustValues) {
			bad(field+".trust", src.Trust, ErrInvalidSource)
		}
		if !oneOf(src.Scope, scopes) {
			bad(field+".scope", src.Scope, ErrInvalidSource)
		}
		id := src.Collection
		if id == "" {
			id = src.Path
		}
		if seen[id] {
			bad(field+".collection", id, errors.Wrap(ErrInvalidSource, "duplicate collection"))
		}
		seen[id] = true
	}

	return errs
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(v, a) {
			return true
		}
	}
	return false
}
