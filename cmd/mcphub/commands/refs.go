package commands

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/fatih/color"

	mcp "github.com/MegaGrindStone/go-mcp-hub"
	"github.com/MegaGrindStone/go-mcp-hub/registry"
	"github.com/MegaGrindStone/go-mcp-hub/servercache"
)

// ErrUnknownServer is returned for arguments that name no server.
var ErrUnknownServer = errors.New("unknown server")

// resolveRef finds the server named by arg: a "collection/definition"
// reference, a definition id or a unique label.
func resolveRef(cols []mcp.CollectionDefinition, arg string) (registry.ServerRef, error) {
	var byLabel []registry.ServerRef
	for _, c := range cols {
		for _, d := range c.Servers {
			ref := registry.ServerRef{CollectionID: c.ID, DefinitionID: d.ID}
			if d.ID == arg || ref.String() == arg {
				return ref, nil
			}
			if strings.EqualFold(d.Label, arg) {
				byLabel = append(byLabel, ref)
			}
		}
	}
	switch len(byLabel) {
	case 1:
		return byLabel[0], nil
	case 0:
		return registry.ServerRef{}, errors.Wrapf(ErrUnknownServer, "%q", arg)
	default:
		return registry.ServerRef{}, errors.Newf("%q is ambiguous, use one of: %s", arg, joinRefs(byLabel))
	}
}

func resolveRefs(cols []mcp.CollectionDefinition, args []string) ([]registry.ServerRef, error) {
	if len(args) == 0 {
		var all []registry.ServerRef
		for _, c := range cols {
			for _, d := range c.Servers {
				all = append(all, registry.ServerRef{CollectionID: c.ID, DefinitionID: d.ID})
			}
		}
		return all, nil
	}
	refs := make([]registry.ServerRef, 0, len(args))
	for _, arg := range args {
		ref, err := resolveRef(cols, arg)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func joinRefs(refs []registry.ServerRef) string {
	parts := make([]string, len(refs))
	for i, r := range refs {
		parts[i] = r.String()
	}
	return strings.Join(parts, ", ")
}

func stateString(s mcp.ConnectionState) string {
	switch s.Kind {
	case mcp.StateRunning:
		return color.GreenString("running")
	case mcp.StateStarting:
		return color.YellowString("starting")
	case mcp.StateError:
		return color.RedString("error: %s", s.Message)
	default:
		if s.Reason == mcp.StopReasonNeedsUserInteraction {
			return color.YellowString("stopped (needs interaction)")
		}
		return color.New(color.FgHiBlack).Sprint("stopped")
	}
}

func cacheString(s servercache.CacheState) string {
	switch s {
	case servercache.CacheLive:
		return color.GreenString(s.String())
	case servercache.CacheOutdated:
		return color.YellowString(s.String())
	default:
		return s.String()
	}
}
