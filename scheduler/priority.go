package scheduler

import (
	"github.com/forgebuild/forge/action"
	"github.com/forgebuild/forge/graph"
)

// defaultDurationEstimate is the per-action duration assumed until real
// executions have been observed for a command.
const defaultDurationEstimate = 1.0 // seconds

// CriticalPathScorer ranks actions by how much delaying them would delay
// the overall build: a combination of the owning target's dependency
// depth, its transitive fan-out (how many other targets wait on it), and
// the historical duration observed for its command (defaulting to 1s
// with no history).
type CriticalPathScorer struct {
	g           *graph.BuildGraph
	actionIndex map[action.ActionId]int // action -> owning target's graph index
	maxFanOut   int
	history     map[string]float64 // action command -> mean observed duration seconds
}

// NewCriticalPathScorer builds a scorer backed by g and targetActions (a
// plan's TargetActions map, associating each target's graph index with
// the ActionIds synthesized for it). Either may be nil/empty, in which
// case scoring falls back to each action's declared Priority and
// duration history alone.
func NewCriticalPathScorer(g *graph.BuildGraph, targetActions map[int][]action.ActionId) *CriticalPathScorer {
	idx := make(map[action.ActionId]int, len(targetActions))
	maxFanOut := 0
	for targetIdx, ids := range targetActions {
		for _, id := range ids {
			idx[id] = targetIdx
		}
		if g != nil {
			if fanOut := g.TransitiveFanOut(targetIdx); fanOut > maxFanOut {
				maxFanOut = fanOut
			}
		}
	}
	return &CriticalPathScorer{g: g, actionIndex: idx, maxFanOut: maxFanOut, history: make(map[string]float64)}
}

// RecordDuration feeds an observed wall-clock duration (in seconds) for
// actions invoking command, so future score calls favor historically
// slow steps appearing deeper in the critical path.
func (c *CriticalPathScorer) RecordDuration(command string, seconds float64) {
	if existing, ok := c.history[command]; ok {
		c.history[command] = (existing + seconds) / 2
		return
	}
	c.history[command] = seconds
}

// durationEstimate returns the mean observed duration for command, or
// the 1s default when no execution has been recorded yet.
func (c *CriticalPathScorer) durationEstimate(command string) float64 {
	if seconds, ok := c.history[command]; ok {
		return seconds
	}
	return defaultDurationEstimate
}

// Score computes a's scheduling priority score: higher runs sooner.
func (c *CriticalPathScorer) Score(a action.Action) float64 {
	return c.score(a.ID, a.Priority, a.Command)
}

// score is the within-band ordering key the scheduler's ready queue
// uses: depth and fan-out come from the live BuildGraph topology, the
// duration term from recorded history. The declared Priority is folded
// in so the score alone still ranks sensibly for callers that don't
// band first.
func (c *CriticalPathScorer) score(id action.ActionId, priority action.Priority, command string) float64 {
	base := float64(priority) * 1000

	if c.g == nil {
		return base + c.durationEstimate(command)
	}
	idx, ok := c.actionIndex[id]
	if !ok {
		return base + c.durationEstimate(command)
	}
	depth := float64(c.g.Depth(idx))
	fanOut := float64(c.g.TransitiveFanOut(idx))
	return base + depth*10 + fanOut*5 + c.durationEstimate(command)
}

// PriorityFor derives a's effective scheduling band. An explicit
// non-Normal declaration always wins; a Normal action whose target has
// the graph's widest transitive fan-out is promoted to High, since every
// chain through the build waits on it and delaying it delays the most
// downstream work.
func (c *CriticalPathScorer) PriorityFor(a action.Action) action.Priority {
	if a.Priority != action.PriorityNormal || c.g == nil || c.maxFanOut == 0 {
		return a.Priority
	}
	idx, ok := c.actionIndex[a.ID]
	if !ok {
		return a.Priority
	}
	if c.g.TransitiveFanOut(idx) == c.maxFanOut {
		return action.PriorityHigh
	}
	return a.Priority
}
