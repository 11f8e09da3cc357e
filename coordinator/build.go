package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/forgebuild/forge/action"
	"github.com/forgebuild/forge/graph"
	"github.com/forgebuild/forge/planner"
	"github.com/forgebuild/forge/protocol"
	"github.com/forgebuild/forge/scheduler"
)

// Outcome records one action's terminal disposition for a distributed Run,
// mirroring engine.ActionOutcome's shape for the local case.
type Outcome struct {
	ID     action.ActionId
	State  scheduler.State
	Result *action.Result
	Err    error
}

// Report summarizes a completed distributed Run.
type Report struct {
	Outcomes []Outcome
	Failed   bool
}

// Coordinator drives a planner.Plan to completion across registered
// workers: it pops ready actions from a scheduler.Scheduler, dispatches
// each to a capable worker via Dispatcher, and folds ActionResults
// delivered asynchronously (over the bulk TCP channel, see bulk.go) back
// into scheduler state. A worker declared Failed by the HealthMonitor has
// its in-flight actions reclaimed and requeued through the same retry
// path a local engine.Engine uses.
type Coordinator struct {
	Registry   *Registry
	Dispatcher *Dispatcher
	Health     *HealthMonitor
	log        *logrus.Entry

	mu       sync.Mutex
	sched    *scheduler.Scheduler
	plan     *planner.Plan
	outcomes map[action.ActionId]Outcome
	assigned map[action.ActionId]action.WorkerId
	done     chan struct{}
}

// NewCoordinator wires a Registry, Dispatcher and HealthMonitor into one
// Coordinator. sender delivers both the bulk ActionRequest/ActionResult
// traffic and the control-plane StealRequest/Shutdown envelopes the
// Dispatcher emits; callers typically hand it a Router (see bulk.go)
// splitting those onto the raw TCP and websocket channels respectively.
func NewCoordinator(reg *Registry, sender Sender, log *logrus.Entry) *Coordinator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "coordinator")
	c := &Coordinator{
		Registry:   reg,
		Dispatcher: NewDispatcher(reg, sender, log),
		Health:     NewHealthMonitor(reg, log),
		log:        log,
	}
	c.Health.OnFailed = c.handleWorkerFailed
	return c
}

// Run dispatches plan's actions to workers until every one reaches a
// terminal state or ctx is cancelled. It assumes at least one capable
// worker is registered for every dispatched action's sandbox requirements;
// an action with no capable worker is failed through the scheduler like
// any transient dispatch failure, consuming an attempt, and ends Failed
// once scheduler.MaxAttempts attempts are used.
func (c *Coordinator) Run(ctx context.Context, plan *planner.Plan, g *graph.BuildGraph) (*Report, error) {
	sched, err := scheduler.New(plan.Actions, g, plan.TargetActions, c.log)
	if err != nil {
		return nil, fmt.Errorf("coordinator: building scheduler: %w", err)
	}

	c.mu.Lock()
	c.sched = sched
	c.plan = plan
	c.outcomes = make(map[action.ActionId]Outcome, len(plan.Actions))
	c.assigned = make(map[action.ActionId]action.WorkerId)
	c.mu.Unlock()

	for {
		if sched.Done() || ctx.Err() != nil {
			break
		}
		id, ok := sched.Next()
		if !ok {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		a := *plan.ByID[id]

		w, ok := c.Dispatcher.SelectWorker(a)
		if !ok {
			c.log.WithField("action_id", id).Debug("no capable worker registered yet, retrying dispatch")
			outcome := sched.Fail(id)
			c.applyCancelled(outcome.Cancelled)
			if outcome.BackoffWait > 0 {
				time.Sleep(outcome.BackoffWait)
			}
			continue
		}
		if err := c.Dispatcher.Dispatch(ctx, a); err != nil {
			c.log.WithError(err).WithField("action_id", id).Warn("dispatch failed, will retry")
			outcome := sched.Fail(id)
			c.applyCancelled(outcome.Cancelled)
			continue
		}
		sched.MarkExecuting(id)
		c.mu.Lock()
		c.assigned[id] = w.ID
		c.mu.Unlock()
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	report := &Report{}
	for id, state := range sched.Outcomes() {
		c.mu.Lock()
		o := c.outcomes[id]
		c.mu.Unlock()
		o.ID = id
		o.State = state
		report.Outcomes = append(report.Outcomes, o)
		if state == scheduler.StateFailed {
			report.Failed = true
		}
	}
	return report, nil
}

// HandleResult folds a worker's ActionResult into the active Run's
// scheduler state. It is invoked by whatever network layer decodes the
// inbound envelope (see bulk.go's Router).
func (c *Coordinator) HandleResult(res protocol.ActionResult) {
	c.mu.Lock()
	sched := c.sched
	plan := c.plan
	delete(c.assigned, res.ActionID)
	c.mu.Unlock()
	if sched == nil {
		return
	}

	if res.Result.Duration > 0 && plan != nil {
		if a, ok := plan.ByID[res.ActionID]; ok {
			sched.RecordDuration(a.Command, res.Result.Duration)
		}
	}

	if res.Result.Status == action.StatusSuccess {
		c.mu.Lock()
		c.outcomes[res.ActionID] = Outcome{ID: res.ActionID, Result: &res.Result}
		c.mu.Unlock()
		sched.Complete(res.ActionID)
		return
	}

	c.mu.Lock()
	c.outcomes[res.ActionID] = Outcome{ID: res.ActionID, Result: &res.Result, Err: fmt.Errorf("action %s: %s", res.ActionID, res.Result.Status)}
	c.mu.Unlock()
	outcome := sched.Fail(res.ActionID)
	c.applyCancelled(outcome.Cancelled)
}

// handleWorkerFailed is the HealthMonitor's OnFailed callback: every
// action still assigned to the failed worker is failed through the
// scheduler's normal retry path; a retry caused by worker loss consumes
// an attempt like any other.
func (c *Coordinator) handleWorkerFailed(id action.WorkerId, reclaimed []action.ActionId) {
	c.mu.Lock()
	sched := c.sched
	c.mu.Unlock()
	if sched == nil {
		return
	}
	for _, actionID := range reclaimed {
		c.mu.Lock()
		owner, tracked := c.assigned[actionID]
		c.mu.Unlock()
		if !tracked || owner != id {
			continue
		}
		c.log.WithFields(logrus.Fields{"action_id": actionID, "worker_id": id}).Warn("requeuing action from failed worker")
		outcome := sched.Fail(actionID)
		c.applyCancelled(outcome.Cancelled)
	}
}

func (c *Coordinator) applyCancelled(cancelled []action.ActionId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range cancelled {
		c.outcomes[id] = Outcome{ID: id, State: scheduler.StateCancelled}
	}
}
