// Package discovery turns server list files into collections for the
// registry.
package discovery

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/cockroachdb/errors"

	mcp "github.com/MegaGrindStone/go-mcp-hub"
)

// File describes one server list file and the collection it feeds.
type File struct {
	Path         string
	Format       Format
	CollectionID string
	Label        string
	Trust        mcp.TrustBehavior
	// Lazy files are only read when the registry discovers collections.
	Lazy  bool
	Scope mcp.StorageScope
	Order int
	// Roots are given to every server of the file.
	Roots []mcp.Root
}

// Registrar receives collections. *registry.Registry implements it.
type Registrar interface {
	RegisterCollection(c mcp.CollectionDefinition) func()
}

// Source keeps one file registered with a Registrar.
type Source struct {
	file   File
	reg    Registrar
	logger *slog.Logger

	mu         sync.Mutex
	unregister func()
}

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithLogger sets the logger of the source.
func WithLogger(logger *slog.Logger) SourceOption {
	return func(s *Source) {
		s.logger = logger
	}
}

// NewSource creates a source for file. The format is guessed from the path
// when unset, and the collection id defaults to the path.
func NewSource(file File, reg Registrar, options ...SourceOption) (*Source, error) {
	if file.Format == "" {
		f, err := FormatOf(file.Path)
		if err != nil {
			return nil, err
		}
		file.Format = f
	}
	if file.CollectionID == "" {
		file.CollectionID = file.Path
	}
	if file.Label == "" {
		file.Label = file.Path
	}

	s := &Source{file: file, reg: reg, logger: slog.Default()}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("collection", file.CollectionID))
	return s, nil
}

// File returns the file the source reads.
func (s *Source) File() File {
	return s.file
}

// Register publishes the collection. Eager files are read now; lazy files
// register a placeholder that reads the file on discovery.
func (s *Source) Register(ctx context.Context) error {
	if s.file.Lazy {
		s.set(mcp.CollectionDefinition{
			ID:    s.file.CollectionID,
			Label: s.file.Label,
			Trust: s.file.Trust,
			Order: s.file.Order,
			Scope: s.file.Scope,
			Lazy: &mcp.LazyCollection{
				IsCached: true,
				Load:     s.load,
				Removed: func() {
					s.logger.Info("lazy collection removed")
				},
			},
		})
		return nil
	}
	return s.load(ctx)
}

// Reload reads the file again and re-registers the collection.
func (s *Source) Reload(ctx context.Context) error {
	return s.load(ctx)
}

// Close unregisters the collection.
func (s *Source) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unregister != nil {
		s.unregister()
		s.unregister = nil
	}
}

// Read parses the file into a collection without registering it.
func (s *Source) Read(ctx context.Context) (mcp.CollectionDefinition, error) {
	if err := ctx.Err(); err != nil {
		return mcp.CollectionDefinition{}, err
	}
	data, err := os.ReadFile(s.file.Path)
	if err != nil {
		return mcp.CollectionDefinition{}, errors.Wrapf(err, "reading %s", s.file.Path)
	}
	servers, err := Parse(data, s.file)
	if err != nil {
		return mcp.CollectionDefinition{}, errors.Wrapf(err, "in %s", s.file.Path)
	}
	return mcp.CollectionDefinition{
		ID:      s.file.CollectionID,
		Label:   s.file.Label,
		Trust:   s.file.Trust,
		Servers: servers,
		Order:   s.file.Order,
		Scope:   s.file.Scope,
	}, nil
}

func (s *Source) load(ctx context.Context) error {
	col, err := s.Read(ctx)
	if err != nil {
		return err
	}
	s.logger.Debug("loaded server list", "servers", len(col.Servers))
	s.set(col)
	return nil
}

func (s *Source) set(col mcp.CollectionDefinition) {
	unregister := s.reg.RegisterCollection(col)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.unregister = unregister
}
