// Package metrics holds the Prometheus collectors exported by the hub.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionTransitions counts connection state changes by target state.
	ConnectionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcphub_connection_transitions_total",
			Help: "Connection state transitions by resulting state.",
		},
		[]string{"state"},
	)

	// HandshakeDuration observes initialize round trips by outcome.
	HandshakeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcphub_handshake_duration_seconds",
			Help:    "Duration of the initialize handshake.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"outcome"},
	)

	// HTTPRequests counts transport requests by method and status class.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcphub_http_requests_total",
			Help: "HTTP transport requests by method and status class.",
		},
		[]string{"method", "status"},
	)

	// SSEFallbacks counts switches from streamable HTTP to legacy SSE.
	SSEFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mcphub_sse_fallbacks_total",
			Help: "Connections that fell back to the legacy SSE transport.",
		},
	)

	// AuthRetries counts authenticated retries by kind.
	AuthRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcphub_auth_retries_total",
			Help: "Authenticated request retries by kind.",
		},
		[]string{"kind"},
	)

	// BackchannelReconnects counts reconnect attempts of the notification stream.
	BackchannelReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mcphub_backchannel_reconnects_total",
			Help: "Reconnect attempts of the async notification stream.",
		},
	)

	// CacheRefreshes counts server cache refreshes by outcome.
	CacheRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcphub_cache_refreshes_total",
			Help: "Server cache refreshes by outcome.",
		},
		[]string{"outcome"},
	)

	// ExcludedTools counts tools dropped by validation.
	ExcludedTools = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mcphub_excluded_tools_total",
			Help: "Tools excluded from published lists because of invalid definitions.",
		},
	)

	// TrustPrompts counts trust decisions shown to the user by outcome.
	TrustPrompts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcphub_trust_prompts_total",
			Help: "Trust prompts by decision.",
		},
		[]string{"decision"},
	)
)

// StatusClass maps an HTTP status code to its class label, for example "2xx".
func StatusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "error"
	}
}

// Handler returns the HTTP handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
