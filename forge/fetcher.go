// Package forge backs the DSL's `repository(...)` statement:
// materializing an external dependency declared in a Builderfile into the
// workspace by fetching an archive from a source forge. Providers sit
// behind a single Fetcher interface, the same opaque-interface idiom the
// planner uses for language handlers.
package forge

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Spec is the resolved form of a `repository(...)` block's fields,
// independent of how the DSL evaluator represents them.
type Spec struct {
	Name     string // repository("name")
	Provider string // "gitea" | "gitlab"; "gitea" when empty
	URL      string
	Ref      string
	Token    string
}

// Fetcher materializes a declared repository into destDir, stripping any
// archive top-level directory so destDir's root mirrors the repository
// root.
type Fetcher interface {
	Fetch(spec Spec, destDir string) error
}

// Registry dispatches a Spec to the Fetcher registered for its Provider,
// defaulting to "gitea" when unset — most Forge deployments self-host a
// single forge instance for vendored dependencies.
type Registry struct {
	fetchers map[string]Fetcher
	log      *logrus.Entry
}

// NewRegistry builds a Registry with the two known providers wired in.
func NewRegistry(log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "forge")
	return &Registry{
		fetchers: map[string]Fetcher{
			"gitea":  GiteaFetcher{Log: log},
			"gitlab": GitLabFetcher{Log: log},
		},
		log: log,
	}
}

// Fetch resolves spec.Provider (defaulting to "gitea") and delegates.
func (r *Registry) Fetch(spec Spec, destDir string) error {
	provider := spec.Provider
	if provider == "" {
		provider = "gitea"
	}
	f, ok := r.fetchers[provider]
	if !ok {
		return fmt.Errorf("forge: no fetcher registered for provider %q", provider)
	}
	r.log.WithFields(logrus.Fields{"repository": spec.Name, "provider": provider, "ref": spec.Ref}).Info("fetching external repository")
	return f.Fetch(spec, destDir)
}
