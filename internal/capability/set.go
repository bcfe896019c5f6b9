package capability

import (
	"log/slog"
	"maps"

	"github.com/jkaninda/hookd/internal/sandbox"
)

// RepositorySource hands out repositories by collection name.
type RepositorySource interface {
	Repository(name string) sandbox.Repository
}

// Set is the capability surface shared by every execution: repositories,
// helpers and error constructors. Each execution gets its own log book.
type Set struct {
	Repos   RepositorySource
	Helpers map[string]sandbox.Func
	Errors  map[string]sandbox.ErrorFactory
}

// NewSet builds the standard capability set.
func NewSet(repos RepositorySource, cfg HelperConfig) *Set {
	return &Set{
		Repos:   repos,
		Helpers: Helpers(cfg),
		Errors:  DefaultErrors(),
	}
}

// NewContext returns a fresh ExecutionContext exposing the named
// collections as $repos. The log book mirrors to logger.
func (s *Set) NewContext(collections []string, logger *slog.Logger) (*sandbox.ExecutionContext, *LogBook) {
	book := NewLogBook(logger)
	live := &sandbox.ExecutionContext{
		Repos:   make(map[string]sandbox.Repository, len(collections)),
		Helpers: maps.Clone(s.Helpers),
		Errors:  maps.Clone(s.Errors),
		Logs:    book,
		Share:   map[string]any{},
	}
	if s.Repos != nil {
		for _, name := range collections {
			live.Repos[name] = s.Repos.Repository(name)
		}
	}
	return live, book
}
