package handlers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/forgebuild/forge/action"
	"github.com/forgebuild/forge/cas"
	"github.com/forgebuild/forge/graph"
	"github.com/forgebuild/forge/planner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenericHandlerBuildSynthesizesShellAction(t *testing.T) {
	srcRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "main.c"), []byte("int main(){return 0;}"), 0o644))

	store, err := cas.New(t.TempDir(), nil)
	require.NoError(t, err)

	b := graph.NewBuilder()
	require.NoError(t, b.AddTarget(graph.Target{
		Name:     "//pkg:bin",
		Type:     graph.TargetCustom,
		Language: "generic",
		Sources:  []string{"main.c"},
		Config: map[string]any{
			"command": "cc {srcs} -o {out}",
			"output":  []any{"bin/pkg"},
		},
	}))
	g, err := b.Freeze()
	require.NoError(t, err)

	ctx := planner.BuildContext{SourceRoot: srcRoot, Store: store, Graph: g}
	idx, ok := g.IndexOf("//pkg:bin")
	require.True(t, ok)

	actions, err := GenericHandler{}.Build(ctx, g.Target(idx), idx)
	require.NoError(t, err)
	require.Len(t, actions, 1)

	a := actions[0]
	assert.Equal(t, "/bin/sh", a.Command)
	assert.Contains(t, a.Args[1], "main.c")
	assert.Contains(t, a.Args[1], "bin/pkg")
	assert.Equal(t, []string{"bin/pkg"}, a.Outputs)
	require.Len(t, a.Inputs, 1)
	assert.Equal(t, "main.c", a.Inputs[0].Path)

	require.Len(t, a.Sandbox.Inputs, 1)
	assert.Equal(t, "main.c", a.Sandbox.Inputs[0].Path)
	assert.Equal(t, []string{"bin/pkg"}, a.Sandbox.Outputs)
}

func TestGenericHandlerRejectsMissingCommand(t *testing.T) {
	store, err := cas.New(t.TempDir(), nil)
	require.NoError(t, err)
	ctx := planner.BuildContext{SourceRoot: t.TempDir(), Store: store}
	_, err = GenericHandler{}.Build(ctx, graph.Target{Name: "//pkg:bad", Config: map[string]any{}}, 0)
	assert.Error(t, err)
}

func TestGenericHandlerOutputsMatchesBuild(t *testing.T) {
	store, err := cas.New(t.TempDir(), nil)
	require.NoError(t, err)
	ctx := planner.BuildContext{SourceRoot: t.TempDir(), Store: store}
	target := graph.Target{Name: "//pkg:bin", Config: map[string]any{"command": "touch {out}", "output": []any{"out.bin"}}}
	outs, err := GenericHandler{}.Outputs(ctx, target, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"out.bin"}, outs)
}

func TestParseGenericConfigPriorityAndNetwork(t *testing.T) {
	cfg, err := ParseGenericConfig(map[string]any{
		"command":  "fetch-deps",
		"priority": "critical",
		"network":  true,
	})
	require.NoError(t, err)
	assert.Equal(t, action.PriorityCritical, cfg.Priority)
	assert.True(t, cfg.Network)

	cfg, err = ParseGenericConfig(map[string]any{"command": "cc {srcs}"})
	require.NoError(t, err)
	assert.Equal(t, action.PriorityNormal, cfg.Priority)
	assert.False(t, cfg.Network)

	_, err = ParseGenericConfig(map[string]any{"command": "cc", "priority": "urgent"})
	assert.Error(t, err)
}

func TestGenericHandlerCarriesPriorityIntoAction(t *testing.T) {
	store, err := cas.New(t.TempDir(), nil)
	require.NoError(t, err)
	ctx := planner.BuildContext{SourceRoot: t.TempDir(), Store: store}
	target := graph.Target{Name: "//pkg:gen", Config: map[string]any{
		"command":  "touch {out}",
		"output":   []any{"out.bin"},
		"priority": "high",
		"network":  true,
	}}

	actions, err := GenericHandler{}.Build(ctx, target, 0)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, action.PriorityHigh, actions[0].Priority)
	assert.True(t, actions[0].Sandbox.AllowNetwork)
}
