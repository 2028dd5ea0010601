package servercache_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	mcp "github.com/MegaGrindStone/go-mcp-hub"
	"github.com/MegaGrindStone/go-mcp-hub/servercache"
)

func TestDeriveCacheState(t *testing.T) {
	type row struct {
		static, cache, cacheMatch bool
		fetch                     servercache.FetchState
		liveMatch                 bool
		want                      servercache.CacheState
	}

	// servedFromCache is what the published values fall back to when no fetch
	// contributes.
	servedFromCache := func(static, cache, cacheMatch bool) servercache.CacheState {
		switch {
		case static:
			return servercache.CacheCached
		case !cache:
			return servercache.CacheUnknown
		case cacheMatch:
			return servercache.CacheCached
		default:
			return servercache.CacheOutdated
		}
	}

	var rows []row
	for _, static := range []bool{false, true} {
		for _, cache := range []bool{false, true} {
			for _, cacheMatch := range []bool{false, true} {
				base := servedFromCache(static, cache, cacheMatch)
				refreshing := servercache.CacheRefreshingFromCached
				if base == servercache.CacheUnknown {
					refreshing = servercache.CacheRefreshingFromUnknown
				}
				for _, liveMatch := range []bool{false, true} {
					rows = append(rows,
						row{static, cache, cacheMatch, servercache.FetchIdle, liveMatch, base},
						row{static, cache, cacheMatch, servercache.FetchPending, liveMatch, refreshing},
					)
					done := base
					if liveMatch {
						done = servercache.CacheLive
					}
					rows = append(rows, row{static, cache, cacheMatch, servercache.FetchDone, liveMatch, done})
				}
			}
		}
	}

	for _, r := range rows {
		name := fmt.Sprintf("static=%v/cache=%v/match=%v/fetch=%d/live=%v", r.static, r.cache, r.cacheMatch, r.fetch, r.liveMatch)
		t.Run(name, func(t *testing.T) {
			got := servercache.DeriveCacheState(servercache.CacheInputs{
				HasStatic:         r.static,
				HasCache:          r.cache,
				CacheNonceMatches: r.cacheMatch,
				Fetch:             r.fetch,
				LiveNonceMatches:  r.liveMatch,
			})
			assert.Equal(t, r.want, got)
		})
	}
}

func TestDeriveCacheStateExamples(t *testing.T) {
	tests := []struct {
		name string
		in   servercache.CacheInputs
		want servercache.CacheState
	}{
		{"nothing known", servercache.CacheInputs{}, servercache.CacheUnknown},
		{"nonce match idle", servercache.CacheInputs{HasCache: true, CacheNonceMatches: true}, servercache.CacheCached},
		{"nonce mismatch idle", servercache.CacheInputs{HasCache: true}, servercache.CacheOutdated},
		{"static only", servercache.CacheInputs{HasStatic: true}, servercache.CacheCached},
		{"in flight without cache", servercache.CacheInputs{Fetch: servercache.FetchPending}, servercache.CacheRefreshingFromUnknown},
		{"in flight with cache", servercache.CacheInputs{HasCache: true, Fetch: servercache.FetchPending}, servercache.CacheRefreshingFromCached},
		{"done at current nonce", servercache.CacheInputs{Fetch: servercache.FetchDone, LiveNonceMatches: true}, servercache.CacheLive},
		{"done at old nonce", servercache.CacheInputs{HasCache: true, Fetch: servercache.FetchDone}, servercache.CacheOutdated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, servercache.DeriveCacheState(tt.in))
		})
	}
}

func TestCapabilitiesOf(t *testing.T) {
	caps := servercache.CapabilitiesOf(mcp.ServerCapabilities{
		Tools:     &mcp.ToolsCapability{ListChanged: true},
		Prompts:   &mcp.PromptsCapability{},
		Resources: &mcp.ResourcesCapability{Subscribe: true},
		Logging:   &mcp.LoggingCapability{},
	})

	assert.True(t, caps.Has(servercache.CapTools|servercache.CapToolsListChanged))
	assert.True(t, caps.Has(servercache.CapPrompts))
	assert.False(t, caps.Has(servercache.CapPromptsListChanged))
	assert.True(t, caps.Has(servercache.CapResourcesSubscribe))
	assert.False(t, caps.Has(servercache.CapCompletions))
	assert.Equal(t, "logging,prompts,resources,resources.subscribe,tools,tools.listChanged", caps.String())
}
