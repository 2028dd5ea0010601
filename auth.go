package mcp

import (
	"context"
	"net/url"
	"slices"
	"strings"
)

// AuthorizationServerMetadata is OAuth 2.0 Authorization Server Metadata (RFC 8414).
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
}

// ProtectedResourceMetadata is OAuth 2.0 Protected Resource Metadata (RFC 9728).
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
}

// AuthMetadata is what a connection learned about how to authenticate. It is
// populated on the first challenge and kept for the life of the connection.
type AuthMetadata struct {
	AuthorizationServer *url.URL
	ServerMetadata      *AuthorizationServerMetadata
	ResourceMetadata    *ProtectedResourceMetadata
	Scopes              []string
}

// TokenRequest asks a TokenProvider for a bearer token. Either the discovered
// metadata fields or ProviderID are set.
type TokenRequest struct {
	AuthorizationServer *url.URL
	ServerMetadata      *AuthorizationServerMetadata
	ResourceMetadata    *ProtectedResourceMetadata

	ProviderID string
	Scopes     []string

	// AllowInteraction is false for background callers. Providers that need
	// the user must then fail with an error marked ErrInteractionRequired.
	AllowInteraction bool
	// ForceNew asks for a fresh client registration instead of a cached token.
	ForceNew bool
}

// TokenProvider supplies bearer tokens to the HTTP transport.
type TokenProvider interface {
	Token(ctx context.Context, req TokenRequest) (string, error)
}

// TokenProviderFunc adapts a function to TokenProvider.
type TokenProviderFunc func(ctx context.Context, req TokenRequest) (string, error)

// Token implements TokenProvider.
func (f TokenProviderFunc) Token(ctx context.Context, req TokenRequest) (string, error) {
	return f(ctx, req)
}

// Challenge is one scheme of a WWW-Authenticate header.
type Challenge struct {
	Scheme string
	Params map[string]string
}

// ParseWWWAuthenticate parses the challenges of a WWW-Authenticate header
// value. Parameter names are lower-cased.
func ParseWWWAuthenticate(header string) []Challenge {
	var challenges []Challenge
	p := challengeParser{s: header}

	for {
		p.skip(" \t,")
		if p.done() {
			return challenges
		}

		scheme := p.token()
		if scheme == "" {
			// Unparseable input; skip one byte and continue.
			p.i++
			continue
		}
		ch := Challenge{Scheme: scheme, Params: map[string]string{}}

		for {
			p.skip(" \t,")
			if p.done() {
				break
			}
			save := p.i
			name := p.token()
			p.skip(" \t")
			if name == "" || p.done() || p.s[p.i] != '=' {
				// Start of the next challenge.
				p.i = save
				break
			}
			p.i++
			p.skip(" \t")
			var value string
			if !p.done() && p.s[p.i] == '"' {
				value = p.quoted()
			} else {
				value = p.token()
				// token68 values may carry trailing '=' padding.
				for !p.done() && p.s[p.i] == '=' {
					value += "="
					p.i++
				}
			}
			ch.Params[strings.ToLower(name)] = value
		}

		challenges = append(challenges, ch)
	}
}

// BearerChallenge extracts the resource metadata URL and the scopes of the
// Bearer challenge in header, if any.
func BearerChallenge(header string) (resourceMetadata string, scopes []string, ok bool) {
	for _, ch := range ParseWWWAuthenticate(header) {
		if !strings.EqualFold(ch.Scheme, "Bearer") {
			continue
		}
		if s := strings.TrimSpace(ch.Params["scope"]); s != "" {
			scopes = strings.Fields(s)
		}
		return ch.Params["resource_metadata"], scopes, true
	}
	return "", nil, false
}

// ScopesEqual compares two scope sets, ignoring order and duplicates.
func ScopesEqual(a, b []string) bool {
	a, b = normalizeScopes(a), normalizeScopes(b)
	return slices.Equal(a, b)
}

func normalizeScopes(scopes []string) []string {
	out := slices.Clone(scopes)
	slices.Sort(out)
	return slices.Compact(out)
}

type challengeParser struct {
	s string
	i int
}

func (p *challengeParser) done() bool {
	return p.i >= len(p.s)
}

func (p *challengeParser) skip(chars string) {
	for !p.done() && strings.IndexByte(chars, p.s[p.i]) >= 0 {
		p.i++
	}
}

func (p *challengeParser) token() string {
	start := p.i
	for !p.done() && !strings.ContainsRune(" \t,=\"", rune(p.s[p.i])) {
		p.i++
	}
	return p.s[start:p.i]
}

func (p *challengeParser) quoted() string {
	var b strings.Builder
	p.i++ // opening quote
	for !p.done() {
		c := p.s[p.i]
		p.i++
		switch c {
		case '\\':
			if !p.done() {
				b.WriteByte(p.s[p.i])
				p.i++
			}
		case '"':
			return b.String()
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func defaultAuthorizationServerMetadata(issuer *url.URL) *AuthorizationServerMetadata {
	base := strings.TrimSuffix(issuer.String(), "/")
	return &AuthorizationServerMetadata{
		Issuer:                 base,
		AuthorizationEndpoint:  base + "/authorize",
		TokenEndpoint:          base + "/token",
		RegistrationEndpoint:   base + "/register",
		ResponseTypesSupported: []string{"code"},
	}
}

// protectedResourceMetadataURLs lists the well-known locations of the
// protected resource metadata for target, path-suffixed first.
func protectedResourceMetadataURLs(target *url.URL) []string {
	origin := target.Scheme + "://" + target.Host
	const wk = "/.well-known/oauth-protected-resource"
	path := strings.TrimSuffix(target.EscapedPath(), "/")
	if path == "" {
		return []string{origin + wk}
	}
	return []string{origin + wk + path, origin + wk}
}

// authorizationServerMetadataURLs lists the RFC 8414 and OpenID discovery
// locations for issuer.
func authorizationServerMetadataURLs(issuer *url.URL) []string {
	origin := issuer.Scheme + "://" + issuer.Host
	path := strings.TrimSuffix(issuer.EscapedPath(), "/")
	if path == "" {
		return []string{
			origin + "/.well-known/oauth-authorization-server",
			origin + "/.well-known/openid-configuration",
		}
	}
	return []string{
		origin + "/.well-known/oauth-authorization-server" + path,
		origin + "/.well-known/openid-configuration" + path,
		origin + path + "/.well-known/openid-configuration",
	}
}
