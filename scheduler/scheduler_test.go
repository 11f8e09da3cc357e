package scheduler

import (
	"testing"
	"time"

	"github.com/forgebuild/forge/action"
	"github.com/forgebuild/forge/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAction(t *testing.T, cmd string, prio action.Priority, deps ...action.Action) action.Action {
	t.Helper()
	a := action.Action{Command: cmd, Priority: prio}
	for _, d := range deps {
		a.DependsOn = append(a.DependsOn, d.ID)
	}
	a.ID = action.DeriveActionId(a)
	return a
}

func TestSchedulerReadiesRootsImmediately(t *testing.T) {
	a := mustAction(t, "compile-a", action.PriorityNormal)
	s, err := New([]action.Action{a}, nil, nil, nil)
	require.NoError(t, err)

	id, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, a.ID, id)

	_, ok = s.Next()
	assert.False(t, ok, "only one ready action should be available")
}

func TestSchedulerPromotesDependentOnCompletion(t *testing.T) {
	base := mustAction(t, "compile-base", action.PriorityNormal)
	dependent := mustAction(t, "link-dependent", action.PriorityNormal, base)
	s, err := New([]action.Action{base, dependent}, nil, nil, nil)
	require.NoError(t, err)

	id, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, base.ID, id)

	_, ok = s.Next()
	assert.False(t, ok, "dependent should not be ready before its dependency completes")

	s.MarkExecuting(base.ID)
	s.Complete(base.ID)

	id, ok = s.Next()
	require.True(t, ok)
	assert.Equal(t, dependent.ID, id)
}

func TestSchedulerCriticalPriorityJumpsQueue(t *testing.T) {
	low := mustAction(t, "low", action.PriorityLow)
	critical := mustAction(t, "critical", action.PriorityCritical)
	s, err := New([]action.Action{low, critical}, nil, nil, nil)
	require.NoError(t, err)

	id, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, critical.ID, id, "critical priority action must be scheduled before low priority")
}

func TestSchedulerRetriesUpToMaxAttempts(t *testing.T) {
	a := mustAction(t, "flaky", action.PriorityNormal)
	s, err := New([]action.Action{a}, nil, nil, nil)
	require.NoError(t, err)

	for attempt := 1; attempt < MaxAttempts; attempt++ {
		id, ok := s.Next()
		require.True(t, ok)
		s.MarkExecuting(id)
		outcome := s.Fail(id)
		assert.True(t, outcome.Retry, "attempt %d should retry", attempt)
	}

	id, ok := s.Next()
	require.True(t, ok)
	s.MarkExecuting(id)
	outcome := s.Fail(id)
	assert.False(t, outcome.Retry, "final attempt should not retry")

	state, ok := s.State(a.ID)
	require.True(t, ok)
	assert.Equal(t, StateFailed, state)
}

func TestSchedulerPropagatesFailureToDependents(t *testing.T) {
	base := mustAction(t, "compile-base", action.PriorityNormal)
	mid := mustAction(t, "link-mid", action.PriorityNormal, base)
	top := mustAction(t, "package-top", action.PriorityNormal, mid)
	s, err := New([]action.Action{base, mid, top}, nil, nil, nil)
	require.NoError(t, err)

	var outcome FailOutcome
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		id, ok := s.Next()
		require.True(t, ok)
		s.MarkExecuting(id)
		outcome = s.Fail(id)
	}
	assert.False(t, outcome.Retry)
	assert.ElementsMatch(t, []action.ActionId{mid.ID, top.ID}, outcome.Cancelled)

	midState, _ := s.State(mid.ID)
	topState, _ := s.State(top.ID)
	assert.Equal(t, StateCancelled, midState)
	assert.Equal(t, StateCancelled, topState)

	assert.True(t, s.Done())
}

func TestSchedulerCriticalBypassesBackoff(t *testing.T) {
	a := mustAction(t, "critical-flaky", action.PriorityCritical)
	s, err := New([]action.Action{a}, nil, nil, nil)
	require.NoError(t, err)

	id, _ := s.Next()
	s.MarkExecuting(id)
	outcome := s.Fail(id)
	assert.Equal(t, time.Duration(0), outcome.BackoffWait)
}

func TestRetryBackoffIsDeterministic(t *testing.T) {
	a := RetryBackoff(2)
	b := RetryBackoff(2)
	assert.Equal(t, a, b, "same attempt number must yield identical backoff across runs")
	assert.Greater(t, RetryBackoff(3), RetryBackoff(1))
}

func TestSchedulerFIFOWithinPriorityBand(t *testing.T) {
	first := mustAction(t, "high-first", action.PriorityHigh)
	second := mustAction(t, "high-second", action.PriorityHigh)
	s, err := New([]action.Action{first, second}, nil, nil, nil)
	require.NoError(t, err)

	id, _ := s.Next()
	assert.Equal(t, first.ID, id, "equal-priority actions must dequeue in ready order")
	id, _ = s.Next()
	assert.Equal(t, second.ID, id)
}

func TestSchedulerOrdersWithinBandByCriticalScore(t *testing.T) {
	b := graph.NewBuilder()
	require.NoError(t, b.AddTarget(graph.Target{Name: "//pkg:shallow"}))
	require.NoError(t, b.AddTarget(graph.Target{Name: "//pkg:base"}))
	require.NoError(t, b.AddTarget(graph.Target{Name: "//pkg:deep", DepNames: []string{"//pkg:base"}}))
	g, err := b.Freeze()
	require.NoError(t, err)

	shallow := mustAction(t, "build-shallow", action.PriorityNormal)
	deep := mustAction(t, "build-deep", action.PriorityNormal)
	shallowIdx, _ := g.IndexOf("//pkg:shallow")
	deepIdx, _ := g.IndexOf("//pkg:deep")
	targetActions := map[int][]action.ActionId{
		shallowIdx: {shallow.ID},
		deepIdx:    {deep.ID},
	}

	// Both actions stay in the Normal band (neither target has
	// dependents), but deep sits at the end of a longer chain, so its
	// depth must schedule it first even though shallow was added first.
	s, err := New([]action.Action{shallow, deep}, g, targetActions, nil)
	require.NoError(t, err)

	id, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, deep.ID, id, "the deeper-chained action must be scheduled first")
}

func TestSchedulerRecordDurationReordersLaterWork(t *testing.T) {
	gate := mustAction(t, "gate", action.PriorityNormal)
	quick := mustAction(t, "quick-step", action.PriorityNormal, gate)
	slow := mustAction(t, "slow-step", action.PriorityNormal, gate)
	s, err := New([]action.Action{gate, quick, slow}, nil, nil, nil)
	require.NoError(t, err)

	s.RecordDuration("slow-step", 30*time.Second)

	id, _ := s.Next()
	require.Equal(t, gate.ID, id)
	s.MarkExecuting(id)
	s.Complete(id)

	id, _ = s.Next()
	assert.Equal(t, slow.ID, id, "the historically slow action must start before the quick one")
}

func TestCriticalPathScorerDefaultsDurationEstimate(t *testing.T) {
	c := NewCriticalPathScorer(nil, nil)
	a := mustAction(t, "never-seen", action.PriorityNormal)
	assert.InDelta(t, float64(action.PriorityNormal)*1000+1.0, c.Score(a), 1e-9,
		"an unseen command must score with the 1s default estimate")

	c.RecordDuration("never-seen", 5)
	assert.InDelta(t, float64(action.PriorityNormal)*1000+5.0, c.Score(a), 1e-9)
}

func TestCriticalPathScorerPromotesWidestFanOut(t *testing.T) {
	b := graph.NewBuilder()
	require.NoError(t, b.AddTarget(graph.Target{Name: "//pkg:core"}))
	require.NoError(t, b.AddTarget(graph.Target{Name: "//pkg:lib", DepNames: []string{"//pkg:core"}}))
	require.NoError(t, b.AddTarget(graph.Target{Name: "//pkg:bin", DepNames: []string{"//pkg:lib"}}))
	g, err := b.Freeze()
	require.NoError(t, err)

	core := mustAction(t, "build-core", action.PriorityNormal)
	bin := mustAction(t, "build-bin", action.PriorityNormal)
	coreIdx, _ := g.IndexOf("//pkg:core")
	binIdx, _ := g.IndexOf("//pkg:bin")
	c := NewCriticalPathScorer(g, map[int][]action.ActionId{coreIdx: {core.ID}, binIdx: {bin.ID}})

	assert.Equal(t, action.PriorityHigh, c.PriorityFor(core), "everything waits on core")
	assert.Equal(t, action.PriorityNormal, c.PriorityFor(bin))

	critical := bin
	critical.Priority = action.PriorityCritical
	assert.Equal(t, action.PriorityCritical, c.PriorityFor(critical), "explicit declarations are never overridden")
}
