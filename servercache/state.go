// Package servercache keeps the per-server view of tools, prompts, server
// metadata and capabilities, reconciling data a definition declares
// statically, data persisted from earlier sessions and data fetched live.
package servercache

import (
	"strings"

	mcp "github.com/MegaGrindStone/go-mcp-hub"
)

// CacheState describes how fresh the published values of a server are.
type CacheState int

// FetchState is the progress of the live fetch feeding a server's cache.
type FetchState int

// Capabilities is a bitmask of what a server supports.
type Capabilities uint32

// CacheInputs are the facts CacheState is derived from.
type CacheInputs struct {
	// HasStatic reports whether the definition declares static metadata.
	HasStatic bool
	// HasCache reports whether a persisted entry holds fetched values.
	HasCache bool
	// CacheNonceMatches reports whether the persisted entry was fetched at
	// the definition's current nonce.
	CacheNonceMatches bool
	// Fetch is the state of the live fetch.
	Fetch FetchState
	// LiveNonceMatches reports whether the completed fetch ran at the
	// definition's current nonce.
	LiveNonceMatches bool
}

const (
	// CacheUnknown means nothing is known about the server.
	CacheUnknown CacheState = iota
	// CacheCached means the published values come from static metadata or
	// from a cache entry at the current nonce.
	CacheCached
	// CacheOutdated means the only values come from a cache entry written at
	// another nonce.
	CacheOutdated
	// CacheRefreshingFromUnknown means a fetch is running and nothing was
	// known before it.
	CacheRefreshingFromUnknown
	// CacheRefreshingFromCached means a fetch is running on top of cached or
	// static values.
	CacheRefreshingFromCached
	// CacheLive means the values come from a fetch at the current nonce.
	CacheLive
)

const (
	// FetchIdle means no fetch ran since the server was attached.
	FetchIdle FetchState = iota
	// FetchPending means a fetch is in flight.
	FetchPending
	// FetchDone means a fetch completed successfully.
	FetchDone
)

// Capability flags, one per advertised feature.
const (
	CapLogging Capabilities = 1 << iota
	CapCompletions
	CapPrompts
	CapPromptsListChanged
	CapResources
	CapResourcesSubscribe
	CapResourcesListChanged
	CapTools
	CapToolsListChanged
)

// DeriveCacheState computes the cache state from its inputs.
func DeriveCacheState(in CacheInputs) CacheState {
	switch in.Fetch {
	case FetchPending:
		if servedFromCache(in) == CacheUnknown {
			return CacheRefreshingFromUnknown
		}
		return CacheRefreshingFromCached
	case FetchDone:
		if in.LiveNonceMatches {
			return CacheLive
		}
	}
	return servedFromCache(in)
}

func servedFromCache(in CacheInputs) CacheState {
	switch {
	case in.HasStatic:
		return CacheCached
	case !in.HasCache:
		return CacheUnknown
	case in.CacheNonceMatches:
		return CacheCached
	default:
		return CacheOutdated
	}
}

func (s CacheState) String() string {
	switch s {
	case CacheCached:
		return "cached"
	case CacheOutdated:
		return "outdated"
	case CacheRefreshingFromUnknown:
		return "refreshing-from-unknown"
	case CacheRefreshingFromCached:
		return "refreshing-from-cached"
	case CacheLive:
		return "live"
	default:
		return "unknown"
	}
}

// CapabilitiesOf converts negotiated server capabilities to a bitmask.
func CapabilitiesOf(c mcp.ServerCapabilities) Capabilities {
	var caps Capabilities
	if c.Logging != nil {
		caps |= CapLogging
	}
	if c.Completions != nil {
		caps |= CapCompletions
	}
	if c.Prompts != nil {
		caps |= CapPrompts
		if c.Prompts.ListChanged {
			caps |= CapPromptsListChanged
		}
	}
	if c.Resources != nil {
		caps |= CapResources
		if c.Resources.Subscribe {
			caps |= CapResourcesSubscribe
		}
		if c.Resources.ListChanged {
			caps |= CapResourcesListChanged
		}
	}
	if c.Tools != nil {
		caps |= CapTools
		if c.Tools.ListChanged {
			caps |= CapToolsListChanged
		}
	}
	return caps
}

// Has reports whether every bit of flag is set.
func (c Capabilities) Has(flag Capabilities) bool {
	return c&flag == flag
}

func (c Capabilities) String() string {
	names := []string{
		"logging", "completions", "prompts", "prompts.listChanged", "resources",
		"resources.subscribe", "resources.listChanged", "tools", "tools.listChanged",
	}
	var set []string
	for i, name := range names {
		if c.Has(1 << i) {
			set = append(set, name)
		}
	}
	return strings.Join(set, ",")
}
