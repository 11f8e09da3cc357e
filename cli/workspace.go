package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/forgebuild/forge/actioncache"
	"github.com/forgebuild/forge/cas"
	"github.com/forgebuild/forge/config"
	"github.com/forgebuild/forge/dsl"
	"github.com/forgebuild/forge/ferr"
	"github.com/forgebuild/forge/forge"
	"github.com/forgebuild/forge/graph"
	"github.com/forgebuild/forge/handlers"
	"github.com/forgebuild/forge/planner"
	"github.com/forgebuild/forge/remotecache"
)

// buildFileNames are the on-disk package files a workspace root is
// searched for: a root contains an optional WORKSPACE file and any
// number of BUILD or BUILD.json files.
const (
	buildFileName     = "BUILD"
	buildFileNameJSON = "BUILD.json"
)

// jsonTarget is the shape a BUILD.json package file's target entries must
// satisfy; it mirrors target()'s DSL fields without needing the
// lexer/parser for the common case of a generated or vendored package file.
type jsonTarget struct {
	Name     string         `json:"name"`
	Type     string         `json:"type"`
	Language string         `json:"language"`
	Sources  []string       `json:"sources"`
	Deps     []string       `json:"deps"`
	Config   map[string]any `json:"config"`
}

type jsonRepository struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Ref      string `json:"ref"`
	Provider string `json:"provider"`
	Token    string `json:"token"`
}

type jsonPackage struct {
	Targets      []jsonTarget     `json:"targets"`
	Repositories []jsonRepository `json:"repositories"`
}

// Workspace is everything a build/test/query invocation needs: the frozen
// graph, the planner's handler registry, and the shared cache/executor
// tiers built from cfg.
type Workspace struct {
	Root     string
	Graph    *graph.BuildGraph
	Registry *planner.Registry
	Store    *cas.Store
	Actions  *actioncache.Cache
	Remote   *remotecache.Client
	Log      *logrus.Entry
}

// LoadWorkspace discovers every BUILD/BUILD.json file under root, parses
// and evaluates them into one graph.Builder, materializes any declared
// repository() externals, and freezes the result.
func LoadWorkspace(root string, cfg config.Config, log *logrus.Entry) (*Workspace, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	b := graph.NewBuilder()
	ev := dsl.NewEvaluator(root)

	files, err := discoverBuildFiles(root)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if err := loadBuildFile(f, root, b, ev); err != nil {
			return nil, err
		}
	}

	fetchRegistry := forge.NewRegistry(log)
	for _, repo := range ev.Workspace().Repositories {
		spec := forge.Spec{
			Name:     repo.Name,
			URL:      repo.URL,
			Ref:      repo.Ref,
			Provider: stringField(repo.Raw, "provider"),
			Token:    stringField(repo.Raw, "token"),
		}
		destDir := filepath.Join(cfg.CacheDir, "external", sanitizeRepoName(repo.Name))
		if err := fetchRegistry.Fetch(spec, destDir); err != nil {
			return nil, ferr.Wrap(ferr.CategoryNetwork, "fetch_repository", err, "materializing repository %s", repo.Name)
		}
	}

	g, err := b.Freeze()
	if err != nil {
		return nil, err
	}

	store, err := cas.New(cfg.CASDir(), log)
	if err != nil {
		return nil, ferr.Wrap(ferr.CategoryIO, "open_cas", err, "opening CAS store")
	}

	var actionsCache *actioncache.Cache
	if !cfg.NoCache {
		actionsCache, err = actioncache.Open(actioncache.Config{
			Path:   filepath.Join(cfg.ActionsDir(), "index.db"),
			Logger: log,
		})
		if err != nil {
			return nil, ferr.Wrap(ferr.CategoryCache, "open_action_cache", err, "opening local action cache")
		}
	}

	remote, err := buildRemoteCache(cfg, log)
	if err != nil {
		return nil, err
	}

	registry := planner.NewRegistry()
	registry.Register("generic", handlers.GenericHandler{})

	return &Workspace{
		Root:     root,
		Graph:    g,
		Registry: registry,
		Store:    store,
		Actions:  actionsCache,
		Remote:   remote,
		Log:      log,
	}, nil
}

func buildRemoteCache(cfg config.Config, log *logrus.Entry) (*remotecache.Client, error) {
	if cfg.RemoteCache == "" {
		return remotecache.New(nil, log)
	}
	if strings.HasPrefix(cfg.RemoteCache, "s3://") {
		return nil, fmt.Errorf("cli: s3:// remote cache URLs are not supported; use an http:// or https:// cache URL")
	}
	backend := remotecache.NewHTTPBackend(cfg.RemoteCache)
	return remotecache.New(backend, log)
}

func discoverBuildFiles(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".builder-cache" || strings.HasPrefix(d.Name(), ".git") {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == buildFileName || d.Name() == buildFileNameJSON {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, ferr.Wrap(ferr.CategoryIO, "discover_build_files", err, "walking workspace root %s", root)
	}
	return out, nil
}

func loadBuildFile(path, root string, b *graph.Builder, ev *dsl.Evaluator) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return ferr.Wrap(ferr.CategoryIO, "read_build_file", err, "reading %s", path)
	}

	if strings.HasSuffix(path, ".json") {
		return loadJSONPackage(data, path, b)
	}

	p, err := dsl.NewParser(path, string(data), ferr.CollectAll)
	if err != nil {
		return err
	}
	file, err := p.ParseFile()
	if err != nil {
		return err
	}
	return ev.Eval(file)
}

func loadJSONPackage(data []byte, path string, b *graph.Builder) error {
	var pkg jsonPackage
	if err := json.Unmarshal(data, &pkg); err != nil {
		return ferr.Wrap(ferr.CategoryParse, "parse_build_json", err, "parsing %s", path)
	}
	for _, jt := range pkg.Targets {
		t := graph.Target{
			Name:     jt.Name,
			Type:     graph.TargetType(jt.Type),
			Language: jt.Language,
			Sources:  jt.Sources,
			DepNames: jt.Deps,
			Config:   jt.Config,
		}
		if t.Type == "" {
			t.Type = graph.TargetLibrary
		}
		if err := b.AddTarget(t); err != nil {
			return err
		}
	}
	return nil
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func sanitizeRepoName(name string) string {
	return strings.NewReplacer("/", "_", ":", "_").Replace(name)
}

// TargetsMatchingArgs resolves CLI positional target arguments to graph
// indices, expanding //... and //pkg:* wildcards via query semantics so
// build/test accept the same patterns query does.
func TargetsMatchingArgs(g *graph.BuildGraph, args []string) ([]int, error) {
	seen := make(map[int]struct{})
	var out []int
	for _, arg := range args {
		matches := QueryGraph(g, arg)
		if len(matches) == 0 {
			return nil, fmt.Errorf("cli: no target matches %q", arg)
		}
		for _, idx := range matches {
			if _, ok := seen[idx]; !ok {
				seen[idx] = struct{}{}
				out = append(out, idx)
			}
		}
	}
	return out, nil
}
