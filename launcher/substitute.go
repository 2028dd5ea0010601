// Package launcher contains the transport delegates that turn a resolved
// launch into a running server: local processes over stdio and remote
// servers over HTTP.
package launcher

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	mcp "github.com/MegaGrindStone/go-mcp-hub"
	"github.com/MegaGrindStone/go-mcp-hub/variables"
)

// Environment answers the built-in expressions every delegate understands.
type Environment struct {
	LookupEnv func(string) (string, bool)
	HomeDir   func() (string, error)
}

// DefaultEnvironment reads from the current process.
func DefaultEnvironment() Environment {
	return Environment{LookupEnv: os.LookupEnv, HomeDir: os.UserHomeDir}
}

// Substitute replaces ${env:NAME}, ${userHome}, ${pathSeparator} and
// ${workspaceFolder} in launch. Other expressions are left for the
// variable resolver.
func (e Environment) Substitute(_ context.Context, def mcp.ServerDefinition, launch mcp.Launch) (mcp.Launch, error) {
	values := make(map[string]string)
	for _, expr := range variables.Collect(launch) {
		if v, ok := e.value(def, expr); ok {
			values[expr.Key()] = v
		}
	}
	if len(values) == 0 {
		return launch, nil
	}
	return variables.Apply(launch, values), nil
}

func (e Environment) value(def mcp.ServerDefinition, expr variables.Expression) (string, bool) {
	switch expr.Name {
	case "env":
		if expr.Arg == "" || e.LookupEnv == nil {
			return "", false
		}
		v, _ := e.LookupEnv(expr.Arg)
		return v, true
	case "userHome":
		if e.HomeDir == nil || expr.Arg != "" {
			return "", false
		}
		home, err := e.HomeDir()
		if err != nil {
			return "", false
		}
		return home, true
	case "pathSeparator":
		return string(os.PathSeparator), expr.Arg == ""
	case "workspaceFolder":
		if expr.Arg != "" || len(def.Roots) == 0 {
			return "", false
		}
		return rootPath(def.Roots[0].URI)
	}
	return "", false
}

func rootPath(uri string) (string, bool) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return "", false
	}
	path := u.Path
	// file:///C:/dir on Windows.
	if len(path) > 2 && path[0] == '/' && path[2] == ':' {
		path = path[1:]
	}
	if path == "" {
		return "", false
	}
	if trimmed := strings.TrimSuffix(path, "/"); trimmed != "" {
		path = trimmed
	}
	return filepath.FromSlash(path), true
}
