package commands

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/cockroachdb/errors"

	mcp "github.com/MegaGrindStone/go-mcp-hub"
	"github.com/MegaGrindStone/go-mcp-hub/discovery"
	"github.com/MegaGrindStone/go-mcp-hub/internal/config"
	"github.com/MegaGrindStone/go-mcp-hub/internal/logging"
	"github.com/MegaGrindStone/go-mcp-hub/launcher"
	"github.com/MegaGrindStone/go-mcp-hub/registry"
	"github.com/MegaGrindStone/go-mcp-hub/store"
)

// app is the engine wired from configuration for one command run.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    store.Store
	registry *registry.Registry
	sources  []*discovery.Source
	term     *terminal
}

type appOptions struct {
	// store replaces the SQLite store of the data directory.
	store  store.Store
	in     io.Reader
	out    io.Writer
	errOut io.Writer
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.New(), configPath)
	if err != nil {
		return nil, err
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	if verbosity > 0 {
		cfg.LogLevel = "debug"
	}
	if promptType != "" {
		cfg.TrustPrompt = promptType
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, err := range errs {
			msgs[i] = err.Error()
		}
		return nil, errors.Newf("invalid configuration: %s", strings.Join(msgs, "; "))
	}
	return cfg, nil
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	if opts.in == nil {
		opts.in = os.Stdin
	}
	if opts.out == nil {
		opts.out = os.Stdout
	}
	if opts.errOut == nil {
		opts.errOut = os.Stderr
	}

	level, _ := logging.ParseLevel(cfg.LogLevel)
	logger := logging.New(logging.Config{
		Level:  level,
		Format: logging.Format(strings.ToLower(cfg.LogFormat)),
		Output: opts.errOut,
	})

	st := opts.store
	if st == nil {
		sqlite, err := store.OpenSQLite(cfg.StatePath())
		if err != nil {
			return nil, err
		}
		st = sqlite
	}

	term := newTerminal(opts.in, opts.out)
	reg := registry.New(registry.Options{
		Store:            st,
		Prompter:         term,
		TrustPrompter:    term,
		Notifier:         term,
		ClientInfo:       mcp.Info{Name: "mcphub", Version: version},
		HandshakeTimeout: cfg.HandshakeTimeout,
		Logger:           logger,
	})
	reg.RegisterDelegate(launcher.NewStdio(launcher.WithStdioLogger(logger)))
	reg.RegisterDelegate(launcher.NewHTTP(
		launcher.WithHTTPDelegateLogger(logger),
		launcher.WithRedirectLimit(cfg.MaxRedirects),
		launcher.WithBackchannelMaxDelay(cfg.BackchannelMaxDelay),
	))

	a := &app{cfg: cfg, logger: logger, store: st, registry: reg, term: term}
	for i, src := range cfg.Sources {
		s, err := discovery.NewSource(sourceFile(i, src), reg, discovery.WithLogger(logger))
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := s.Register(ctx); err != nil {
			logger.Warn("failed to read server list", "path", src.Path, "err", err)
			continue
		}
		a.sources = append(a.sources, s)
	}
	if _, err := reg.DiscoverCollections(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func sourceFile(order int, src config.Source) discovery.File {
	f := discovery.File{
		Path:         expandHome(src.Path),
		Format:       discovery.Format(strings.ToLower(src.Format)),
		CollectionID: src.Collection,
		Label:        src.Label,
		Trust:        mcp.ParseTrustBehavior(strings.ToLower(src.Trust)),
		Lazy:         src.Lazy,
		Scope:        mcp.StorageScope(strings.ToLower(src.Scope)),
		Order:        order,
	}
	for _, uri := range src.Roots {
		f.Roots = append(f.Roots, mcp.Root{URI: uri})
	}
	return f
}

func expandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + string(os.PathSeparator) + rest
}

func (a *app) trustPrompt() registry.PromptType {
	return registry.PromptType(strings.ToLower(a.cfg.TrustPrompt))
}

// Close stops every server and closes the store.
func (a *app) Close() {
	for _, s := range a.sources {
		s.Close()
	}
	a.registry.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close store", "err", err)
	}
}

// withApp loads the configuration, runs fn against a fresh app and closes
// it afterwards.
func withApp(ctx context.Context, in io.Reader, out io.Writer, fn func(*app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, appOptions{in: in, out: out})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
