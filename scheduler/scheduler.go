// Package scheduler drives an action.Plan's actions from Pending through
// Completed or Failed: tracking per-action state, feeding a
// priority-banded ready queue, retrying transient failures with backoff,
// and propagating a dependency's exhausted failure to its dependents
// without ever attempting to execute them.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/forgebuild/forge/action"
	"github.com/forgebuild/forge/graph"
	"github.com/sirupsen/logrus"
)

// State is a node in the action lifecycle state machine:
// Pending -> Ready -> Scheduled -> Executing -> Completed | Failed.
// Cancelled is reached when a dependency's retries are exhausted.
type State string

const (
	StatePending   State = "Pending"
	StateReady     State = "Ready"
	StateScheduled State = "Scheduled"
	StateExecuting State = "Executing"
	StateCompleted State = "Completed"
	StateFailed    State = "Failed"
	StateCancelled State = "Cancelled"
)

// MaxAttempts bounds how many times a transiently-failing action is
// retried before its failure is treated as terminal.
const MaxAttempts = 3

// node tracks one action's scheduling state.
type node struct {
	id            action.ActionId
	command       string
	state         State
	attempts      int
	remaining     int // count of DependsOn entries not yet Completed
	dependents    []action.ActionId
	priority      action.Priority // effective band, derived by the scorer
	criticalScore float64         // within-band ordering key, set at enqueue
}

// Scheduler maintains the state machine for a set of actions drawn from a
// plan and a build graph, handing out ready work via Next and recording
// outcomes via Complete/Fail.
type Scheduler struct {
	mu     sync.Mutex
	nodes  map[action.ActionId]*node
	ready  []action.ActionId // ordered by priority band, then critical-path score
	scorer *CriticalPathScorer
	log    *logrus.Entry

	g *graph.BuildGraph
}

// New builds a Scheduler for actions, wiring each action's DependsOn
// edges into a dependency-count so that an action becomes Ready exactly
// when every dependency has Completed. g and targetActions, if non-nil,
// back the CriticalPathScorer (targetActions is a planner.Plan's
// TargetActions field); pass g as nil to fall back to each action's
// declared Priority alone.
func New(actions []action.Action, g *graph.BuildGraph, targetActions map[int][]action.ActionId, log *logrus.Entry) (*Scheduler, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Scheduler{
		nodes: make(map[action.ActionId]*node, len(actions)),
		log:   log.WithField("component", "scheduler"),
		g:     g,
	}

	s.scorer = NewCriticalPathScorer(g, targetActions)
	for _, a := range actions {
		s.nodes[a.ID] = &node{
			id:       a.ID,
			command:  a.Command,
			state:    StatePending,
			priority: s.scorer.PriorityFor(a),
		}
	}
	for _, a := range actions {
		n := s.nodes[a.ID]
		n.remaining = len(a.DependsOn)
		for _, dep := range a.DependsOn {
			depNode, ok := s.nodes[dep]
			if !ok {
				return nil, fmt.Errorf("scheduler: action %s depends on unknown action %s", a.ID, dep)
			}
			depNode.dependents = append(depNode.dependents, a.ID)
		}
	}

	for _, a := range actions {
		n := s.nodes[a.ID]
		if n.remaining == 0 {
			n.state = StateReady
			s.enqueue(a.ID)
		}
	}
	return s, nil
}

// enqueue inserts id into the ready queue ordered by priority band, then
// critical-path score within the band, FIFO among equals: the new entry
// goes in front of the first strictly lower-ranked one and behind every
// equal-ranked one. The score is recomputed at insertion so durations
// recorded mid-build order later-ready actions on real history.
func (s *Scheduler) enqueue(id action.ActionId) {
	n := s.nodes[id]
	n.criticalScore = s.scorer.score(n.id, n.priority, n.command)

	pos := len(s.ready)
	for i, other := range s.ready {
		o := s.nodes[other]
		if n.priority > o.priority || (n.priority == o.priority && n.criticalScore > o.criticalScore) {
			pos = i
			break
		}
	}
	s.ready = append(s.ready, action.ZeroFingerprint)
	copy(s.ready[pos+1:], s.ready[pos:])
	s.ready[pos] = id
}

// RecordDuration feeds an observed execution duration for command back
// into the critical-path scorer, so actions becoming ready later in the
// build are ordered on real history rather than the default estimate.
func (s *Scheduler) RecordDuration(command string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scorer.RecordDuration(command, d.Seconds())
}

// Next pops and returns the next ready action id, transitioning it to
// Scheduled. Returns false if no action is currently ready.
func (s *Scheduler) Next() (action.ActionId, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ready) == 0 {
		return action.ZeroFingerprint, false
	}
	id := s.ready[0]
	s.ready = s.ready[1:]
	s.nodes[id].state = StateScheduled
	return id, true
}

// MarkExecuting transitions id from Scheduled to Executing.
func (s *Scheduler) MarkExecuting(id action.ActionId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[id]; ok {
		n.state = StateExecuting
		n.attempts++
	}
}

// Complete marks id Completed and promotes any dependent whose
// dependencies are now all satisfied to Ready.
func (s *Scheduler) Complete(id action.ActionId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return
	}
	n.state = StateCompleted
	for _, depID := range n.dependents {
		dn := s.nodes[depID]
		dn.remaining--
		if dn.remaining == 0 && dn.state == StatePending {
			dn.state = StateReady
			s.enqueue(depID)
		}
	}
}

// FailOutcome reports whether a Fail call should be retried or is
// terminal.
type FailOutcome struct {
	Retry       bool
	BackoffWait time.Duration
	// Cancelled lists actions transitively marked Cancelled as a result
	// of this terminal failure, without ever being scheduled.
	Cancelled []action.ActionId
}

// Fail records a failed attempt for id. If attempts remain (and the
// action isn't Critical-priority exempt from backoff), it is re-enqueued
// immediately as Ready and FailOutcome.Retry is true. Otherwise the
// action is marked Failed and every transitive dependent is marked
// Cancelled atomically, since none can ever complete.
func (s *Scheduler) Fail(id action.ActionId) FailOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return FailOutcome{}
	}

	if n.attempts < MaxAttempts {
		wait := RetryBackoff(n.attempts)
		if n.priority == action.PriorityCritical {
			wait = 0
		}
		n.state = StateReady
		s.enqueue(id)
		return FailOutcome{Retry: true, BackoffWait: wait}
	}

	n.state = StateFailed
	cancelled := s.cancelDependents(id)
	return FailOutcome{Retry: false, Cancelled: cancelled}
}

// cancelDependents walks the dependent closure of id marking every node
// Cancelled, skipping any already terminal, and returns the ids visited.
func (s *Scheduler) cancelDependents(id action.ActionId) []action.ActionId {
	var cancelled []action.ActionId
	var visit func(action.ActionId)
	seen := map[action.ActionId]bool{}
	visit = func(cur action.ActionId) {
		n := s.nodes[cur]
		for _, depID := range n.dependents {
			if seen[depID] {
				continue
			}
			seen[depID] = true
			dn := s.nodes[depID]
			if dn.state == StateCompleted || dn.state == StateFailed {
				continue
			}
			dn.state = StateCancelled
			cancelled = append(cancelled, depID)
			visit(depID)
		}
	}
	visit(id)
	return cancelled
}

// State returns id's current lifecycle state.
func (s *Scheduler) State(id action.ActionId) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return "", false
	}
	return n.state, true
}

// Done reports whether every tracked action has reached a terminal
// state (Completed, Failed, or Cancelled).
func (s *Scheduler) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.nodes {
		switch n.state {
		case StateCompleted, StateFailed, StateCancelled:
		default:
			return false
		}
	}
	return true
}

// Outcomes returns the terminal state of every tracked action.
func (s *Scheduler) Outcomes() map[action.ActionId]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[action.ActionId]State, len(s.nodes))
	for id, n := range s.nodes {
		out[id] = n.state
	}
	return out
}
