// Package engine drives a planner.Plan to completion on a single host: it
// pumps scheduler.Scheduler's ready queue across a fixed pool of worker
// goroutines, consulting the action cache's single-flight slot before
// ever invoking the hermetic executor, and feeding back Complete/Fail
// outcomes so dependent actions unblock or cancel.
//
// This is the local counterpart to the distributed coordinator/worker
// split in the coordinator and worker packages: same state machine, same
// cache and executor, no network hop.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/forgebuild/forge/action"
	"github.com/forgebuild/forge/actioncache"
	"github.com/forgebuild/forge/cas"
	"github.com/forgebuild/forge/executor"
	"github.com/forgebuild/forge/graph"
	"github.com/forgebuild/forge/planner"
	"github.com/forgebuild/forge/remotecache"
	"github.com/forgebuild/forge/scheduler"
)

// Config configures an Engine run.
type Config struct {
	Parallelism int
	NoCache     bool
	Store       *cas.Store
	Actions     *actioncache.Cache // nil when NoCache is true
	Remote      *remotecache.Client
	Executor    *executor.Executor
}

// ActionOutcome records one action's terminal disposition for a Report.
type ActionOutcome struct {
	ID       action.ActionId
	State    scheduler.State
	Result   *action.Result
	Category executor.FailureCategory
	Err      error
	CacheHit bool
}

// Report summarizes a completed Run: every tracked action's outcome plus
// whether the build as a whole succeeded.
type Report struct {
	Outcomes []ActionOutcome
	Failed   bool
}

// Engine runs a planner.Plan's actions to completion against one
// Config's cache/executor tiers.
type Engine struct {
	cfg Config
	log *logrus.Entry
}

// New builds an Engine.
func New(cfg Config, log *logrus.Entry) *Engine {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{cfg: cfg, log: log.WithField("component", "engine")}
}

// Run drives plan's actions to completion, fanning work out across
// cfg.Parallelism goroutines. It returns once every tracked action has
// reached a terminal state (scheduler.Done), or ctx is cancelled.
func (e *Engine) Run(ctx context.Context, plan *planner.Plan, g *graph.BuildGraph) (*Report, error) {
	sched, err := scheduler.New(plan.Actions, g, plan.TargetActions, e.log)
	if err != nil {
		return nil, fmt.Errorf("engine: building scheduler: %w", err)
	}

	var (
		mu       sync.Mutex
		outcomes = make(map[action.ActionId]ActionOutcome, len(plan.Actions))
	)
	record := func(o ActionOutcome) {
		mu.Lock()
		outcomes[o.ID] = o
		mu.Unlock()
	}

	// errgroup.SetLimit bounds the number of concurrently in-flight
	// actions to cfg.Parallelism.
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(e.cfg.Parallelism)

	for {
		if sched.Done() || ctx.Err() != nil {
			break
		}

		id, ok := sched.Next()
		if !ok {
			if sched.Done() {
				break
			}
			time.Sleep(5 * time.Millisecond)
			continue
		}

		a := plan.ByID[id]
		grp.Go(func() error {
			e.runOne(gctx, sched, *a, record)
			return nil
		})
	}
	_ = grp.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	report := &Report{}
	for id, state := range sched.Outcomes() {
		o := outcomes[id]
		o.ID = id
		o.State = state
		report.Outcomes = append(report.Outcomes, o)
		if state == scheduler.StateFailed {
			report.Failed = true
		}
	}
	return report, nil
}

// runOne executes a single action through the cache/executor tiers,
// retrying via the scheduler's Fail outcome until it terminates.
func (e *Engine) runOne(ctx context.Context, sched *scheduler.Scheduler, a action.Action, record func(ActionOutcome)) {
	sched.MarkExecuting(a.ID)

	if e.cfg.NoCache || e.cfg.Actions == nil {
		outcome := e.cfg.Executor.Execute(ctx, a)
		e.finish(sched, a, outcome, record)
		return
	}

	if result, ok := e.cfg.Actions.Lookup(a.ID); ok {
		record(ActionOutcome{ID: a.ID, Result: result, CacheHit: true})
		sched.Complete(a.ID)
		return
	}

	slot := e.cfg.Actions.BeginBuild(a.ID)
	if !slot.Pass {
		result, err := slot.Wait()
		if err != nil {
			e.finish(sched, a, executor.Outcome{Err: err}, record)
			return
		}
		record(ActionOutcome{ID: a.ID, Result: result, CacheHit: true})
		sched.Complete(a.ID)
		return
	}

	outcome := e.cfg.Executor.Execute(ctx, a)
	if outcome.Result != nil && outcome.Result.Status == action.StatusSuccess {
		if err := e.cfg.Actions.Commit(a.ID, outcome.Result); err != nil {
			e.log.WithError(err).WithField("action_id", a.ID.String()).Warn("failed to commit action cache entry")
		}
		e.uploadRemote(outcome.Result)
	} else {
		e.cfg.Actions.Abort(a.ID, outcome.Err)
	}
	e.finish(sched, a, outcome, record)
}

// uploadRemote best-effort pushes a successful action's outputs to the
// remote cache tier.
func (e *Engine) uploadRemote(result *action.Result) {
	if e.cfg.Remote == nil || !e.cfg.Remote.Enabled() {
		return
	}
	for _, id := range result.Outputs {
		data, err := e.cfg.Store.Get(id)
		if err != nil {
			continue
		}
		e.cfg.Remote.PutAsync(id, data)
	}
}

func (e *Engine) finish(sched *scheduler.Scheduler, a action.Action, outcome executor.Outcome, record func(ActionOutcome)) {
	record(ActionOutcome{ID: a.ID, Result: outcome.Result, Category: outcome.Category, Err: outcome.Err})

	if outcome.Result != nil && outcome.Result.Duration > 0 {
		sched.RecordDuration(a.Command, outcome.Result.Duration)
	}
	if outcome.Result != nil && outcome.Result.Status == action.StatusSuccess {
		sched.Complete(a.ID)
		return
	}

	fo := sched.Fail(a.ID)
	if fo.Retry && fo.BackoffWait > 0 {
		time.Sleep(fo.BackoffWait)
	}
	for _, cancelled := range fo.Cancelled {
		record(ActionOutcome{ID: cancelled, State: scheduler.StateCancelled})
	}
}
