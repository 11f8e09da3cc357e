package planner_test

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

// stubHandler is a minimal planner.LanguageHandler used to exercise the
// Planner without depending on the handlers package.
type stubHandler struct{}

func (stubHandler) Build(ctx planner.BuildContext, t graph.Target, idx int) ([]action.Action, error) {
	return []action.Action{{
		Command:     "/bin/true",
		ToolchainID: "stub",
		Outputs:     []string{t.Name + ".out"},
		Priority:    action.PriorityNormal,
	}}, nil
}

func (stubHandler) Outputs(ctx planner.BuildContext, t graph.Target, idx int) ([]string, error) {
	return []string{t.Name + ".out"}, nil
}

func (stubHandler) AnalyzeImports(ctx planner.BuildContext, sources []string) ([]planner.Import, error) {
	return nil, nil
}

func newGraph(t *testing.T) *graph.BuildGraph {
	t.Helper()
	b := graph.NewBuilder()
	require.NoError(t, b.AddTarget(graph.Target{Name: "//pkg:base", Language: "stub"}))
	require.NoError(t, b.AddTarget(graph.Target{Name: "//pkg:top", Language: "stub", DepNames: []string{"//pkg:base"}}))
	g, err := b.Freeze()
	require.NoError(t, err)
	return g
}

func TestPlannerPlanWiresDependencyEdges(t *testing.T) {
	reg := planner.NewRegistry()
	reg.Register("stub", stubHandler{})
	p := planner.New(reg, nil)

	g := newGraph(t)
	store, err := cas.New(t.TempDir(), nil)
	require.NoError(t, err)

	plan, err := p.Plan(planner.BuildContext{SourceRoot: t.TempDir(), Store: store, Graph: g})
	require.NoError(t, err)
	require.Len(t, plan.Actions, 2)

	baseIdx, _ := g.IndexOf("//pkg:base")
	topIdx, _ := g.IndexOf("//pkg:top")

	baseActions := plan.ActionsFor(baseIdx)
	topActions := plan.ActionsFor(topIdx)
	require.Len(t, baseActions, 1)
	require.Len(t, topActions, 1)

	assert.Empty(t, baseActions[0].DependsOn)
	assert.Equal(t, []action.ActionId{baseActions[0].ID}, topActions[0].DependsOn)

	// Every Action in the plan is resolvable by its own ID.
	for _, a := range plan.Actions {
		got, ok := plan.ByID[a.ID]
		require.True(t, ok)
		assert.Equal(t, a.ID, got.ID)
	}
}

func TestPlannerPlanRejectsUnknownLanguage(t *testing.T) {
	reg := planner.NewRegistry()
	p := planner.New(reg, nil)

	b := graph.NewBuilder()
	require.NoError(t, b.AddTarget(graph.Target{Name: "//pkg:mystery", Language: "cobol"}))
	g, err := b.Freeze()
	require.NoError(t, err)

	store, err := cas.New(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = p.Plan(planner.BuildContext{SourceRoot: t.TempDir(), Store: store, Graph: g})
	assert.Error(t, err)
}

func TestPlannerPlanDeduplicatesIdenticalActions(t *testing.T) {
	reg := planner.NewRegistry()
	reg.Register("stub", identicalHandler{})
	p := planner.New(reg, nil)

	b := graph.NewBuilder()
	require.NoError(t, b.AddTarget(graph.Target{Name: "//pkg:a", Language: "stub"}))
	require.NoError(t, b.AddTarget(graph.Target{Name: "//pkg:b", Language: "stub"}))
	g, err := b.Freeze()
	require.NoError(t, err)

	tmp := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "noop"), []byte("x"), 0o644))
	store, err := cas.New(t.TempDir(), nil)
	require.NoError(t, err)

	plan, err := p.Plan(planner.BuildContext{SourceRoot: tmp, Store: store, Graph: g})
	require.NoError(t, err)

	// Both targets synthesize byte-identical Actions, so they share one
	// ActionId and the plan stores it only once.
	assert.Len(t, plan.Actions, 1)
}

// identicalHandler always synthesizes the exact same Action regardless of
// which Target it's building, to exercise the Planner's ActionId dedup path.
type identicalHandler struct{}

func (identicalHandler) Build(ctx planner.BuildContext, t graph.Target, idx int) ([]action.Action, error) {
	return []action.Action{{
		Command:     "/bin/true",
		ToolchainID: "stub",
		Priority:    action.PriorityNormal,
	}}, nil
}

func (identicalHandler) Outputs(ctx planner.BuildContext, t graph.Target, idx int) ([]string, error) {
	return nil, nil
}

func (identicalHandler) AnalyzeImports(ctx planner.BuildContext, sources []string) ([]planner.Import, error) {
	return nil, nil
}
