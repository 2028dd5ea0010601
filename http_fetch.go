package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/cockroachdb/errors"

	"github.com/MegaGrindStone/go-mcp-hub/internal/metrics"
)

// fetch performs an authenticated request. On an authentication challenge it
// makes at most two extra attempts: one after acquiring a token (or after a
// scope change), and one forcing a fresh registration when a token was sent
// and still rejected.
func (s *HTTPSession) fetch(
	ctx context.Context,
	method string,
	target *url.URL,
	body []byte,
	headers http.Header,
) (*http.Response, error) {
	s.applyToken(headers)

	res, err := s.fetchRedirects(ctx, method, target, body, headers)
	if err != nil || s.client.tokens == nil {
		return res, err
	}

	if isAuthStatus(res.StatusCode) {
		retry := false
		if s.AuthMetadata() == nil {
			s.populateAuthMetadata(ctx, target, res)
			retry = true
			metrics.AuthRetries.WithLabelValues("token").Inc()
		} else {
			_, scopes, _ := BearerChallenge(res.Header.Get(headerWWWAuthenticate))
			if len(scopes) > 0 && s.updateScopes(scopes) {
				retry = true
				metrics.AuthRetries.WithLabelValues("scope").Inc()
			}
		}

		if retry {
			token, err := s.acquireToken(ctx, false)
			if err != nil {
				if IsInteractionRequired(err) {
					drainAndClose(res)
					return nil, err
				}
				s.logger.Warn("failed to get authentication token", "err", err)
				return res, nil
			}
			if token != "" {
				drainAndClose(res)
				headers.Set(headerAuthorization, "Bearer "+token)
				res, err = s.fetchRedirects(ctx, method, target, body, headers)
				if err != nil {
					return nil, err
				}
			}
		}
	}

	if res.StatusCode == http.StatusUnauthorized && headers.Get(headerAuthorization) != "" {
		metrics.AuthRetries.WithLabelValues("reregister").Inc()
		token, err := s.acquireToken(ctx, true)
		if err != nil {
			if IsInteractionRequired(err) {
				drainAndClose(res)
				return nil, err
			}
			s.logger.Warn("failed to get a fresh authentication token", "err", err)
			return res, nil
		}
		if token != "" {
			drainAndClose(res)
			headers.Set(headerAuthorization, "Bearer "+token)
			return s.fetchRedirects(ctx, method, target, body, headers)
		}
	}

	return res, nil
}

// fetchRedirects performs a request, following redirects manually up to the
// configured bound. 303 always becomes a GET without body; 301 and 302 do so
// only for POST. When the bound is exceeded the last redirect response is
// returned as is.
func (s *HTTPSession) fetchRedirects(
	ctx context.Context,
	method string,
	target *url.URL,
	body []byte,
	headers http.Header,
) (*http.Response, error) {
	current := target
	for hop := 0; ; hop++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, current.String(), reader)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create request")
		}
		req.Header = headers.Clone()

		res, err := s.httpClient.Do(req)
		if err != nil {
			metrics.HTTPRequests.WithLabelValues(method, metrics.StatusClass(0)).Inc()
			return nil, errors.Wrapf(err, "%s %s", method, current.Redacted())
		}
		metrics.HTTPRequests.WithLabelValues(method, metrics.StatusClass(res.StatusCode)).Inc()

		if !isRedirect(res.StatusCode) || hop >= s.client.maxRedirects {
			return res, nil
		}
		location := res.Header.Get("Location")
		if location == "" {
			return res, nil
		}
		next, err := current.Parse(location)
		if err != nil {
			return res, nil
		}
		drainAndClose(res)

		if res.StatusCode == http.StatusSeeOther ||
			(method == http.MethodPost && (res.StatusCode == http.StatusMovedPermanently || res.StatusCode == http.StatusFound)) {
			method = http.MethodGet
			body = nil
			headers = headers.Clone()
			headers.Del(headerContentType)
		}
		current = next
	}
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func (s *HTTPSession) applyToken(headers http.Header) {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	if s.token != "" {
		headers.Set(headerAuthorization, "Bearer "+s.token)
	}
}

// updateScopes replaces the remembered scopes and reports whether they
// changed.
func (s *HTTPSession) updateScopes(scopes []string) bool {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	if s.auth == nil || ScopesEqual(s.auth.Scopes, scopes) {
		return false
	}
	s.auth.Scopes = scopes
	return true
}

func (s *HTTPSession) acquireToken(ctx context.Context, forceNew bool) (string, error) {
	s.authMu.Lock()
	defer s.authMu.Unlock()

	req := TokenRequest{
		AllowInteraction: s.client.allowInteraction,
		ForceNew:         forceNew,
	}
	if s.auth != nil {
		req.AuthorizationServer = s.auth.AuthorizationServer
		req.ServerMetadata = s.auth.ServerMetadata
		req.ResourceMetadata = s.auth.ResourceMetadata
		req.Scopes = s.auth.Scopes
	}
	if s.client.authOptions != nil && s.client.authOptions.ProviderID != "" {
		req.ProviderID = s.client.authOptions.ProviderID
		if len(req.Scopes) == 0 {
			req.Scopes = s.client.authOptions.Scopes
		}
	}

	token, err := s.client.tokens.Token(ctx, req)
	if err != nil {
		return "", err
	}
	s.token = token
	return token, nil
}

// populateAuthMetadata discovers how to authenticate against target from the
// challenge in res, falling back to well-known locations and finally to
// defaults derived from the server origin.
func (s *HTTPSession) populateAuthMetadata(ctx context.Context, target *url.URL, res *http.Response) {
	resourceMetadataURL, scopes, _ := BearerChallenge(res.Header.Get(headerWWWAuthenticate))

	if s.client.authOptions != nil && s.client.authOptions.ProviderID != "" {
		if len(scopes) == 0 {
			scopes = s.client.authOptions.Scopes
		}
		s.setAuth(&AuthMetadata{Scopes: scopes})
		return
	}

	candidates := protectedResourceMetadataURLs(target)
	if resourceMetadataURL != "" {
		candidates = []string{resourceMetadataURL}
	}

	var resource *ProtectedResourceMetadata
	for _, candidate := range candidates {
		var m ProtectedResourceMetadata
		if err := s.fetchJSON(ctx, candidate, &m); err != nil {
			s.logger.Debug("no protected resource metadata", "url", candidate, "err", err)
			continue
		}
		resource = &m
		break
	}

	authServer := &url.URL{Scheme: target.Scheme, Host: target.Host}
	if resource != nil && len(resource.AuthorizationServers) > 0 {
		if u, err := url.Parse(resource.AuthorizationServers[0]); err == nil && u.Host != "" {
			authServer = u
		}
	}
	if len(scopes) == 0 && resource != nil {
		scopes = resource.ScopesSupported
	}

	var serverMetadata *AuthorizationServerMetadata
	for _, candidate := range authorizationServerMetadataURLs(authServer) {
		var m AuthorizationServerMetadata
		if err := s.fetchJSON(ctx, candidate, &m); err != nil {
			s.logger.Debug("no authorization server metadata", "url", candidate, "err", err)
			continue
		}
		serverMetadata = &m
		break
	}
	if serverMetadata == nil {
		serverMetadata = defaultAuthorizationServerMetadata(authServer)
	}

	s.setAuth(&AuthMetadata{
		AuthorizationServer: authServer,
		ServerMetadata:      serverMetadata,
		ResourceMetadata:    resource,
		Scopes:              scopes,
	})
}

func (s *HTTPSession) setAuth(meta *AuthMetadata) {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	s.auth = meta
}

func (s *HTTPSession) fetchJSON(ctx context.Context, rawURL string, v any) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrapf(err, "invalid url %q", rawURL)
	}

	headers := http.Header{}
	headers.Set(headerAccept, mediaJSON)
	res, err := s.fetchRedirects(ctx, http.MethodGet, u, nil, headers)
	if err != nil {
		return err
	}
	defer drainAndClose(res)

	if res.StatusCode != http.StatusOK {
		return errors.Newf("unexpected status %d", res.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, maxResponseBytes)).Decode(v); err != nil {
		return errors.Wrap(err, "failed to decode metadata")
	}
	return nil
}
