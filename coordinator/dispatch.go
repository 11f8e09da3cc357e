package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/forgebuild/forge/action"
	"github.com/forgebuild/forge/protocol"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// overloadThreshold and stealThreshold are the load fractions used for
// work stealing: a worker above overloadThreshold is a stealing
// candidate, and any peer below stealThreshold is an acceptable target.
const (
	overloadThreshold = 0.8
	stealThreshold    = 0.5
)

// Sender delivers an Envelope to a specific worker; the coordinator
// doesn't care whether that's a raw TCP protocol.Envelope stream or a
// gorilla/websocket control connection, so long as Send honors the
// recipient field.
type Sender interface {
	Send(ctx context.Context, recipient action.WorkerId, e protocol.Envelope) error
}

// Dispatcher assigns ready actions to workers and rebalances load via
// work stealing.
type Dispatcher struct {
	Registry *Registry
	Sender   Sender
	log      *logrus.Entry

	nextMessageID uint64
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(reg *Registry, sender Sender, log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{Registry: reg, Sender: sender, log: log.WithField("component", "dispatcher")}
}

// SelectWorker picks the healthy worker with the lowest load whose
// Capabilities satisfy a's sandbox requirements. Returns false if none
// qualify.
func (d *Dispatcher) SelectWorker(a action.Action) (WorkerEntry, bool) {
	var best WorkerEntry
	found := false
	for _, w := range d.Registry.Healthy() {
		if w.State == protocol.WorkerDraining {
			continue
		}
		if !w.Capabilities.Satisfies(a.Sandbox) {
			continue
		}
		if !found || w.Load < best.Load {
			best = w
			found = true
		}
	}
	return best, found
}

// Dispatch selects a worker for a and sends it an ActionRequest.
func (d *Dispatcher) Dispatch(ctx context.Context, a action.Action) error {
	w, ok := d.SelectWorker(a)
	if !ok {
		return fmt.Errorf("coordinator: no capable worker available for action %s", a.ID)
	}
	d.nextMessageID++
	env := protocol.Envelope{
		Version:     protocol.Version,
		MessageID:   d.nextMessageID,
		Recipient:   w.ID,
		TimestampNs: time.Now().UnixNano(),
		Type:        protocol.PayloadActionRequest,
		Payload:     protocol.EncodePayload(protocol.ActionRequest{ActionID: a.ID, Action: a}),
	}
	d.log.WithFields(logrus.Fields{"action_id": a.ID, "worker_id": w.ID}).Debug("dispatching action")
	return d.Sender.Send(ctx, w.ID, env)
}

// StealCandidates returns (overloaded, target) pairs: an overloaded
// worker's ActionId that could be redirected to an under-loaded peer:
// load > 0.8 redirects to an alive peer with load < 0.5.
// It proposes at most one steal per overloaded worker per call.
func (d *Dispatcher) StealCandidates() []StealPlan {
	workers := d.Registry.Healthy()
	var overloaded, underloaded []WorkerEntry
	for _, w := range workers {
		switch {
		case w.Load > overloadThreshold:
			overloaded = append(overloaded, w)
		case w.Load < stealThreshold:
			underloaded = append(underloaded, w)
		}
	}
	if len(underloaded) == 0 {
		return nil
	}

	var plans []StealPlan
	for _, from := range overloaded {
		var candidate action.ActionId
		has := false
		for actionID := range from.InFlight {
			candidate = actionID
			has = true
			break
		}
		if !has {
			continue
		}
		to := underloaded[0]
		for _, u := range underloaded {
			if u.Load < to.Load {
				to = u
			}
		}
		plans = append(plans, StealPlan{From: from.ID, To: to.ID, Candidate: candidate})
	}
	return plans
}

// StealPlan proposes redirecting Candidate from From to To. StealID is
// minted once the plan is turned into an actual StealRequest (ProposeSteal)
// so a re-derived plan for the same (From, To, Candidate) pair never
// collides with one already awaiting a response.
type StealPlan struct {
	From      action.WorkerId
	To        action.WorkerId
	Candidate action.ActionId
}

// ProposeSteal sends a StealRequest to the plan's source worker and returns
// the StealID the caller should match against the eventual StealResponse.
func (d *Dispatcher) ProposeSteal(ctx context.Context, plan StealPlan) (string, error) {
	d.nextMessageID++
	stealID := uuid.NewString()
	env := protocol.Envelope{
		Version:     protocol.Version,
		MessageID:   d.nextMessageID,
		Recipient:   plan.From,
		TimestampNs: time.Now().UnixNano(),
		Type:        protocol.PayloadStealRequest,
		Payload:     protocol.EncodePayload(protocol.StealRequest{StealID: stealID, Candidate: plan.Candidate}),
	}
	if err := d.Sender.Send(ctx, plan.From, env); err != nil {
		return "", err
	}
	return stealID, nil
}

// Shutdown broadcasts a Shutdown message with deadline to every known
// worker, asking each to drain in-flight work before it elapses.
func (d *Dispatcher) Shutdown(ctx context.Context, deadline time.Duration) error {
	until := time.Now().Add(deadline).UnixNano()
	for _, w := range d.Registry.All() {
		d.nextMessageID++
		env := protocol.Envelope{
			Version:     protocol.Version,
			MessageID:   d.nextMessageID,
			Recipient:   w.ID,
			TimestampNs: time.Now().UnixNano(),
			Type:        protocol.PayloadShutdown,
			Payload:     protocol.EncodePayload(protocol.Shutdown{DeadlineUnixNs: until}),
		}
		if err := d.Sender.Send(ctx, w.ID, env); err != nil {
			d.log.WithError(err).WithField("worker_id", w.ID).Warn("failed to deliver shutdown to worker")
		}
	}
	return nil
}
