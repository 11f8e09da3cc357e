// Package planner synthesizes Actions from a frozen graph.BuildGraph:
// each Target generates one or more Actions via a language handler,
// opaque to the core. The core never interprets a Target's language
// config blob; it only forwards it to whichever LanguageHandler is
// registered for that Target's Language tag.
//
// Language handling is an interface plus a process-scoped registry
// injected into the Planner's constructor, not a global handler
// singleton.
package planner

import (
	"fmt"
	"sync"

	"github.com/forgebuild/forge/action"
	"github.com/forgebuild/forge/cas"
	"github.com/forgebuild/forge/ferr"
	"github.com/forgebuild/forge/graph"
)

// Import is one source-level dependency discovered by AnalyzeImports.
type Import struct {
	Path string
}

// BuildContext carries the read-only state a LanguageHandler needs to
// synthesize Actions: where sources live on disk, the CAS to hash them
// into, and the frozen graph for resolving a Target's dependencies.
type BuildContext struct {
	SourceRoot string
	Store      *cas.Store
	Graph      *graph.BuildGraph
}

// LanguageHandler is the language-neutral interface behind which all
// per-language toolchain logic lives. The core owns no handler state;
// each handler owns its own.
type LanguageHandler interface {
	// Build synthesizes the Actions for Target t (at graph index idx).
	// Returned Actions need not have ID populated; the Planner derives it.
	Build(ctx BuildContext, t graph.Target, idx int) ([]action.Action, error)
	// Outputs reports the output paths Build's Actions will declare,
	// without actually synthesizing them — used by dependents that only
	// need to know a Target's output paths, not rebuild it.
	Outputs(ctx BuildContext, t graph.Target, idx int) ([]string, error)
	// AnalyzeImports scans source files for their source-level
	// dependencies, independent of what the Builderfile declares.
	AnalyzeImports(ctx BuildContext, sources []string) ([]Import, error)
}

// Registry maps language tags to LanguageHandler implementations. It is
// a process-scoped service injected into the Planner's constructor, not
// a package-level singleton.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]LanguageHandler
}

// NewRegistry creates an empty handler Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]LanguageHandler)}
}

// Register binds a LanguageHandler to a language tag. Re-registering the
// same tag replaces the previous handler, since a caller may want to
// stub/override a handler in tests.
func (r *Registry) Register(language string, h LanguageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[language] = h
}

// Handler looks up the LanguageHandler bound to a language tag.
func (r *Registry) Handler(language string) (LanguageHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[language]
	return h, ok
}

func (r *Registry) mustHandler(language string) (LanguageHandler, error) {
	h, ok := r.Handler(language)
	if !ok {
		return nil, ferr.New(ferr.CategoryGraph, "unknown_language", fmt.Sprintf("no language handler registered for %q", language))
	}
	return h, nil
}
