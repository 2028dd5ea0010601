package variables

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cockroachdb/errors"

	mcp "github.com/MegaGrindStone/go-mcp-hub"
	"github.com/MegaGrindStone/go-mcp-hub/store"
)

// DefaultSection is used for definitions that name no section.
const DefaultSection = "mcp"

// ErrCancelled is returned by a Prompter when the user dismissed the prompt.
var ErrCancelled = errors.New("input cancelled")

// PromptRequest asks a human for the value of one expression.
type PromptRequest struct {
	Server     string
	Expression Expression
	// Input is the declared input matching the expression, if any.
	Input *mcp.InputDefinition
}

// Secret reports whether the value must be hidden and stored encrypted.
func (r PromptRequest) Secret() bool {
	return r.Input != nil && r.Input.Password
}

// Prompter resolves expressions interactively.
type Prompter interface {
	Prompt(ctx context.Context, req PromptRequest) (string, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, req PromptRequest) (string, error)

// Prompt implements Prompter.
func (f PrompterFunc) Prompt(ctx context.Context, req PromptRequest) (string, error) {
	return f(ctx, req)
}

// Resolver substitutes persisted and prompted values into launches.
type Resolver struct {
	values   *Values
	secrets  *Secrets
	prompter Prompter
	logger   *slog.Logger
}

// NewResolver returns a Resolver. prompter may be nil, in which case any
// expression left after persisted values needs interaction.
func NewResolver(values *Values, secrets *Secrets, prompter Prompter, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{values: values, secrets: secrets, prompter: prompter, logger: logger}
}

// Resolve substitutes every expression of launch: persisted values first,
// then prompted ones, which are persisted at the scope of the definition.
// When interaction is disallowed and expressions remain, Resolve fails with
// an error marked mcp.ErrInteractionRequired.
func (r *Resolver) Resolve(ctx context.Context, def mcp.ServerDefinition, launch mcp.Launch, allowInteraction bool) (mcp.Launch, error) {
	exprs := Collect(launch)
	if len(exprs) == 0 {
		return launch, nil
	}

	scope, section := location(def)
	plain, err := r.values.Get(ctx, scope, section)
	if err != nil {
		return launch, errors.Wrap(err, "failed to load saved inputs")
	}
	secret, err := r.secrets.Get(ctx, scope, section)
	if err != nil {
		return launch, errors.Wrap(err, "failed to load saved secrets")
	}

	known := make(map[string]string, len(plain)+len(secret))
	for k, v := range plain {
		known[k] = v
	}
	for k, v := range secret {
		known[k] = v
	}

	var missing []Expression
	for _, e := range exprs {
		if _, ok := known[e.Key()]; !ok {
			missing = append(missing, e)
		}
	}
	if len(missing) == 0 {
		return Apply(launch, known), nil
	}
	if !allowInteraction || r.prompter == nil {
		keys := make([]string, 0, len(missing))
		for _, e := range missing {
			keys = append(keys, e.String())
		}
		return launch, mcp.InteractionRequired(fmt.Sprintf("server %s needs values for %s", def.Label, strings.Join(keys, ", ")))
	}

	newPlain, newSecret := map[string]string{}, map[string]string{}
	for _, e := range missing {
		req := PromptRequest{Server: def.Label, Expression: e, Input: findInput(def, e)}
		v, err := r.prompter.Prompt(ctx, req)
		if err != nil {
			return launch, errors.Wrapf(err, "failed to resolve %s", e)
		}
		known[e.Key()] = v
		if req.Secret() {
			newSecret[e.Key()] = v
		} else {
			newPlain[e.Key()] = v
		}
	}

	if len(newPlain) > 0 {
		if err := r.values.Set(ctx, scope, section, newPlain); err != nil {
			return launch, errors.Wrap(err, "failed to save inputs")
		}
	}
	if len(newSecret) > 0 {
		if err := r.secrets.Set(ctx, scope, section, newSecret); err != nil {
			return launch, errors.Wrap(err, "failed to save secrets")
		}
	}
	r.logger.Debug("resolved variables", "server", def.ID, "prompted", len(missing))
	return Apply(launch, known), nil
}

// Clear forgets a saved input of scope in every section, both plain and
// secret. An empty inputID forgets every saved input of scope.
func (r *Resolver) Clear(ctx context.Context, scope store.Scope, inputID string) error {
	key := ""
	if inputID != "" {
		key = "input:" + inputID
	}
	if err := r.values.Clear(ctx, scope, key); err != nil {
		return err
	}
	return r.secrets.Clear(ctx, scope, key)
}

func location(def mcp.ServerDefinition) (store.Scope, string) {
	scope, section := store.Global, DefaultSection
	if vr := def.VariableReplacement; vr != nil {
		if vr.Scope != "" {
			scope = vr.Scope
		}
		if vr.Section != "" {
			section = vr.Section
		}
	}
	return scope, section
}

func findInput(def mcp.ServerDefinition, e Expression) *mcp.InputDefinition {
	if def.VariableReplacement == nil {
		return nil
	}
	id := e.Key()
	if e.Name == "input" {
		id = e.Arg
	}
	for i := range def.VariableReplacement.Inputs {
		if def.VariableReplacement.Inputs[i].ID == id {
			return &def.VariableReplacement.Inputs[i]
		}
	}
	return nil
}
