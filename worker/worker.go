// Package worker implements the Worker side of the distributed build: it
// executes actions dispatched by a coordinator inside the hermetic
// executor, materializing missing inputs from the CAS
// (local store, then remote cache tier) before execution and pushing
// produced outputs back. A Worker never makes scheduling decisions —
// that is the Coordinator's job.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forgebuild/forge/action"
	"github.com/forgebuild/forge/cas"
	"github.com/forgebuild/forge/executor"
	"github.com/forgebuild/forge/protocol"
	"github.com/forgebuild/forge/remotecache"
	"github.com/sirupsen/logrus"
)

// Config configures a Worker.
type Config struct {
	ID           action.WorkerId
	Capabilities action.Capabilities
	Concurrency  int
	Executor     *executor.Executor
	Store        *cas.Store
	Remote       *remotecache.Client // may be nil: local-only caching
}

// Worker executes ActionRequests one per occupied concurrency slot,
// reporting results back over Results and its load via periodic
// HeartBeats on Heartbeats.
type Worker struct {
	cfg Config
	log *logrus.Entry

	slots     chan struct{}
	inFlight  sync.Map // action.ActionId -> struct{}
	draining  atomic.Bool
	wg        sync.WaitGroup

	Results    chan protocol.ActionResult
	Heartbeats chan protocol.HeartBeat
}

// New builds a Worker from cfg. Concurrency defaults to 1 if unset.
func New(cfg Config, log *logrus.Entry) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Worker{
		cfg:        cfg,
		log:        log.WithField("component", "worker").WithField("worker_id", cfg.ID),
		slots:      make(chan struct{}, cfg.Concurrency),
		Results:    make(chan protocol.ActionResult, cfg.Concurrency),
		Heartbeats: make(chan protocol.HeartBeat, 1),
	}
}

// Submit accepts req for execution, blocking until a concurrency slot is
// free, unless the worker is Draining, in which case it refuses
// immediately so the coordinator can redirect the action elsewhere.
func (w *Worker) Submit(ctx context.Context, req protocol.ActionRequest) error {
	if w.draining.Load() {
		return fmt.Errorf("worker: %v is draining, refusing new work", w.cfg.ID)
	}

	select {
	case w.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.inFlight.Store(req.ActionID, struct{}{})
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.slots }()
		defer w.inFlight.Delete(req.ActionID)

		result := w.run(ctx, req)
		select {
		case w.Results <- result:
		case <-ctx.Done():
		}
	}()
	return nil
}

// run materializes req's inputs (local CAS first, then remote cache),
// executes it, and uploads its outputs back to local CAS plus a
// best-effort async remote cache push.
func (w *Worker) run(ctx context.Context, req protocol.ActionRequest) protocol.ActionResult {
	if err := w.materializeInputs(ctx, req.Action); err != nil {
		return protocol.ActionResult{
			ActionID: req.ActionID,
			Result: action.Result{
				Status: action.StatusFailure,
				Stderr: []byte(err.Error()),
			},
		}
	}

	outcome := w.cfg.Executor.Execute(ctx, req.Action)
	if outcome.Result != nil && outcome.Result.Status == action.StatusSuccess && w.cfg.Remote != nil {
		for _, out := range outcome.Result.Outputs {
			if data, err := w.cfg.Store.Get(out); err == nil {
				w.cfg.Remote.PutAsync(out, data)
			}
		}
	}

	result := action.Result{Status: action.StatusFailure}
	if outcome.Result != nil {
		result = *outcome.Result
	}
	return protocol.ActionResult{ActionID: req.ActionID, Result: result}
}

// materializeInputs ensures every input artifact req needs is present in
// the local CAS, pulling from the remote cache tier on a local miss.
func (w *Worker) materializeInputs(ctx context.Context, a action.Action) error {
	for _, in := range a.Inputs {
		if w.cfg.Store.Has(in.ArtifactId) {
			continue
		}
		if w.cfg.Remote == nil {
			return fmt.Errorf("worker: input %s (%s) missing from local cache and no remote cache configured", in.Path, in.ArtifactId)
		}
		data, ok, err := w.cfg.Remote.Get(ctx, in.ArtifactId)
		if err != nil {
			return fmt.Errorf("worker: fetching input %s from remote cache: %w", in.Path, err)
		}
		if !ok {
			return fmt.Errorf("worker: input %s (%s) not found locally or in remote cache", in.Path, in.ArtifactId)
		}
		if _, err := w.cfg.Store.Put(data); err != nil {
			return fmt.Errorf("worker: staging fetched input %s locally: %w", in.Path, err)
		}
	}
	return nil
}

// Load returns the fraction of concurrency slots currently occupied.
func (w *Worker) Load() float64 {
	return float64(len(w.slots)) / float64(cap(w.slots))
}

// InFlight returns the ActionIds currently executing.
func (w *Worker) InFlight() []action.ActionId {
	var ids []action.ActionId
	w.inFlight.Range(func(key, _ any) bool {
		ids = append(ids, key.(action.ActionId))
		return true
	})
	return ids
}

// RunHeartbeats emits a HeartBeat on Heartbeats every interval until ctx
// is cancelled, independent of the execution loop so a stalled action
// never silently stops liveness reporting.
func (w *Worker) RunHeartbeats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cpu, mem, disk := sampleUsage()
			state := protocol.WorkerAlive
			if w.draining.Load() {
				state = protocol.WorkerDraining
			}
			hb := protocol.HeartBeat{
				Worker:       w.cfg.ID,
				State:        state,
				Load:         w.Load(),
				CPU:          cpu,
				Mem:          mem,
				Disk:         disk,
				QueueDepth:   len(w.slots),
				InFlight:     w.InFlight(),
				Capabilities: w.cfg.Capabilities,
				TimestampNs:  time.Now().UnixNano(),
			}
			select {
			case w.Heartbeats <- hb:
			default:
				w.log.Warn("heartbeat channel full, dropping beat")
			}
		}
	}
}

// HandleControl answers a control-plane Envelope delivered over the
// coordinator's WSHub control channel. StealRequest is the only message
// type a Worker answers directly; HeartBeat/Shutdown/PeerAnnounce are
// handled by the caller's own loop.
//
// StealCandidates only ever names an action already in InFlight (the
// coordinator has no record of work still queued-but-unstarted on a
// worker), and an executing action has already materialized its inputs
// and may have produced partial sandbox side effects, so it can't be
// safely handed to another worker without re-running it from scratch.
// A Worker therefore always rejects: the coordinator's fallback is to
// let the action finish here rather than duplicate work.
func (w *Worker) HandleControl(ctx context.Context, env protocol.Envelope, reply func(context.Context, protocol.Envelope) error) error {
	if env.Type != protocol.PayloadStealRequest {
		return nil
	}
	var req protocol.StealRequest
	if err := protocol.DecodePayload(env, &req); err != nil {
		return fmt.Errorf("worker: decoding steal request: %w", err)
	}

	_, stillRunning := w.inFlight.Load(req.Candidate)
	resp := protocol.StealResponse{
		StealID:   req.StealID,
		Candidate: req.Candidate,
		Accepted:  false,
	}
	switch {
	case !stillRunning:
		resp.Reason = "action no longer in flight on this worker"
	default:
		resp.Reason = "action already executing, cannot be relocated without re-running it"
	}

	out := protocol.Envelope{
		Version:     protocol.Version,
		MessageID:   env.MessageID,
		Recipient:   0,
		TimestampNs: time.Now().UnixNano(),
		Type:        protocol.PayloadStealResponse,
		Payload:     protocol.EncodePayload(resp),
	}
	return reply(ctx, out)
}

// Drain stops the worker from accepting new work and blocks until every
// in-flight action finishes or deadline elapses, whichever comes first.
func (w *Worker) Drain(deadline time.Duration) {
	w.draining.Store(true)
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		w.log.Warn("drain deadline exceeded with actions still in flight")
	}
}
