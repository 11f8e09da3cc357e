// Package handlers provides the one concrete LanguageHandler the core
// ships out of the box: a generic command-runner for the "generic"
// language tag. Per-language compiler toolchains live behind plugins;
// this handler exists so a Builderfile has something runnable without
// reaching for one,
// the same role a genrule-style escape hatch plays in comparable build
// systems.
package handlers

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/forgebuild/forge/action"
	"github.com/forgebuild/forge/dsl"
	"github.com/forgebuild/forge/graph"
	"github.com/forgebuild/forge/planner"
)

// defaultWalltime bounds every generic action's execution, keeping a hung
// command from wedging the scheduler's worker slot indefinitely. The
// target's config has no field that changes it.
const defaultWalltime = 10 * time.Minute

// GenericConfig is the shape Target.Config must satisfy for the
// "generic" language tag: a shell command template plus declared
// outputs, with {srcs} and {out} substitution. Priority and network
// access are optional; a target that declares neither gets the Normal
// band (the scheduler's critical-path analyzer may still promote it)
// and a network-denied sandbox.
type GenericConfig struct {
	Command  string
	Outputs  []string
	Env      map[string]string
	Priority action.Priority
	Network  bool
}

// ParseGenericConfig extracts a GenericConfig from a Target's opaque
// Config blob (a map[string]any, as produced by the DSL's config{...}
// field).
func ParseGenericConfig(raw any) (GenericConfig, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return GenericConfig{}, fmt.Errorf("handlers: generic target config must be a map, got %T", raw)
	}
	cfg := GenericConfig{Env: make(map[string]string)}
	if cmd, ok := m["command"].(string); ok {
		cfg.Command = cmd
	}
	if cfg.Command == "" {
		return GenericConfig{}, fmt.Errorf("handlers: generic target config missing required \"command\" field")
	}
	if outs, ok := m["output"]; ok {
		cfg.Outputs = toStrings(outs)
	}
	if env, ok := m["env"].(map[string]any); ok {
		for k, v := range env {
			if s, ok := v.(string); ok {
				cfg.Env[k] = s
			}
		}
	}
	cfg.Priority = action.PriorityNormal
	if p, ok := m["priority"].(string); ok {
		prio, err := parsePriority(p)
		if err != nil {
			return GenericConfig{}, err
		}
		cfg.Priority = prio
	}
	if network, ok := m["network"].(bool); ok {
		cfg.Network = network
	}
	return cfg, nil
}

func parsePriority(s string) (action.Priority, error) {
	switch strings.ToLower(s) {
	case "critical":
		return action.PriorityCritical, nil
	case "high":
		return action.PriorityHigh, nil
	case "normal":
		return action.PriorityNormal, nil
	case "low":
		return action.PriorityLow, nil
	default:
		return action.PriorityNormal, fmt.Errorf("handlers: unknown priority %q, want critical|high|normal|low", s)
	}
}

func toStrings(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{vv}
	default:
		return nil
	}
}

// GenericHandler implements planner.LanguageHandler for the "generic"
// language tag.
type GenericHandler struct{}

// Build synthesizes one Action per Target running its configured
// command, its Sources resolved to an input set and Config's declared
// Outputs used as the Action's Outputs.
func (GenericHandler) Build(ctx planner.BuildContext, t graph.Target, idx int) ([]action.Action, error) {
	cfg, err := ParseGenericConfig(t.Config)
	if err != nil {
		return nil, fmt.Errorf("target %s: %w", t.Name, err)
	}

	sources, err := resolveSources(ctx, t)
	if err != nil {
		return nil, err
	}

	inputs := make([]action.InputRef, 0, len(sources))
	for _, src := range sources {
		id, err := ctx.Store.PutFile(filepath.Join(ctx.SourceRoot, src))
		if err != nil {
			return nil, fmt.Errorf("target %s: hashing source %s: %w", t.Name, src, err)
		}
		inputs = append(inputs, action.InputRef{Path: src, ArtifactId: id})
	}
	action.SortInputs(inputs)

	command := substitute(cfg.Command, sources, cfg.Outputs)
	resources := action.ResourceLimits{Walltime: defaultWalltime}
	a := action.Action{
		Command:     "/bin/sh",
		Args:        []string{"-c", command},
		Env:         cfg.Env,
		Inputs:      inputs,
		Outputs:     cfg.Outputs,
		Resources:   resources,
		Priority:    cfg.Priority,
		ToolchainID: "generic",
		Sandbox: action.SandboxSpec{
			Inputs:       inputs,
			Outputs:      cfg.Outputs,
			Env:          cfg.Env,
			AllowNetwork: cfg.Network,
			Resources:    resources,
		},
	}
	return []action.Action{a}, nil
}

// Outputs reports a Target's declared output paths without synthesizing
// its Action.
func (GenericHandler) Outputs(ctx planner.BuildContext, t graph.Target, idx int) ([]string, error) {
	cfg, err := ParseGenericConfig(t.Config)
	if err != nil {
		return nil, err
	}
	return cfg.Outputs, nil
}

// AnalyzeImports reports no source-level imports: the generic handler
// treats its command as opaque and relies entirely on declared deps.
func (GenericHandler) AnalyzeImports(ctx planner.BuildContext, sources []string) ([]planner.Import, error) {
	return nil, nil
}

// resolveSources expands a Target's declared glob source patterns
// relative to the source root, deduplicated and sorted.
func resolveSources(ctx planner.BuildContext, t graph.Target) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	for _, pattern := range t.Sources {
		matches, err := dsl.Glob(pattern, ctx.SourceRoot)
		if err != nil {
			return nil, fmt.Errorf("target %s: expanding source pattern %q: %w", t.Name, pattern, err)
		}
		for _, m := range matches {
			if _, ok := seen[m]; !ok {
				seen[m] = struct{}{}
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// substitute replaces {srcs} with a space-joined source list and {out}
// with the first declared output, the minimal template language a
// generic command needs.
func substitute(command string, sources, outputs []string) string {
	command = strings.ReplaceAll(command, "{srcs}", strings.Join(sources, " "))
	if len(outputs) > 0 {
		command = strings.ReplaceAll(command, "{out}", outputs[0])
	}
	return command
}
