// Package variables resolves ${name} and ${name:arg} expressions found in
// server launch descriptors.
package variables

import (
	"regexp"
	"sort"
	"strings"

	mcp "github.com/MegaGrindStone/go-mcp-hub"
)

var expressionPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_.-]*)(?::([^}]*))?\}`)

// Expression is one ${name} or ${name:arg} occurrence.
type Expression struct {
	Name string
	Arg  string
}

// Key is the text between the braces, used to store resolved values.
func (e Expression) Key() string {
	if e.Arg == "" {
		return e.Name
	}
	return e.Name + ":" + e.Arg
}

func (e Expression) String() string {
	return "${" + e.Key() + "}"
}

// Parse returns the expressions of s in order of appearance.
func Parse(s string) []Expression {
	var out []Expression
	for _, m := range expressionPattern.FindAllStringSubmatch(s, -1) {
		out = append(out, Expression{Name: m[1], Arg: m[2]})
	}
	return out
}

// Replace substitutes every expression of s whose key is in values. Other
// expressions are kept.
func Replace(s string, values map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return expressionPattern.ReplaceAllStringFunc(s, func(match string) string {
		m := expressionPattern.FindStringSubmatch(match)
		e := Expression{Name: m[1], Arg: m[2]}
		if v, ok := values[e.Key()]; ok {
			return v
		}
		return match
	})
}

// Collect returns the distinct expressions used anywhere in l, sorted by key.
func Collect(l mcp.Launch) []Expression {
	seen := map[string]Expression{}
	eachString(l, func(s string) {
		for _, e := range Parse(s) {
			seen[e.Key()] = e
		}
	})

	out := make([]Expression, 0, len(seen))
	for _, e := range seen {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Apply returns a copy of l with values substituted in every string.
func Apply(l mcp.Launch, values map[string]string) mcp.Launch {
	out := l.Clone()
	sub := func(s string) string { return Replace(s, values) }

	out.Command = sub(out.Command)
	out.Cwd = sub(out.Cwd)
	out.URL = sub(out.URL)
	for i, a := range out.Args {
		out.Args[i] = sub(a)
	}
	for k, v := range out.Env {
		out.Env[k] = sub(v)
	}
	for k, v := range out.Headers {
		out.Headers[k] = sub(v)
	}
	return out
}

func eachString(l mcp.Launch, fn func(string)) {
	fn(l.Command)
	fn(l.Cwd)
	fn(l.URL)
	for _, a := range l.Args {
		fn(a)
	}
	for _, v := range l.Env {
		fn(v)
	}
	for _, v := range l.Headers {
		fn(v)
	}
}
