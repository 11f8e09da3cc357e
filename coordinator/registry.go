// Package coordinator implements the Coordinator side of the distributed
// build: it owns the WorkerRegistry and HealthMonitor, dispatches ready
// actions to capable, lightly-loaded workers, and
// reshuffles work away from overloaded workers via stealing. It never
// executes an action itself.
package coordinator

import (
	"sync"
	"time"

	"github.com/forgebuild/forge/action"
	"github.com/forgebuild/forge/protocol"
)

// Health classifies a worker's liveness as tracked from heartbeat gaps.
type Health string

const (
	HealthHealthy     Health = "Healthy"
	HealthDegraded    Health = "Degraded"
	HealthUnreachable Health = "Unreachable"
	HealthFailed      Health = "Failed"
)

// WorkerEntry is everything the coordinator tracks about one worker.
type WorkerEntry struct {
	ID            action.WorkerId
	Address       string
	Capabilities  action.Capabilities
	Health        Health
	State         protocol.WorkerState
	Load          float64
	CPU           float64
	Mem           float64
	Disk          float64
	QueueDepth    int
	InFlight      map[action.ActionId]struct{}
	LastHeartbeat time.Time
	LastBeatNs    int64
	MissedBeats   int
}

// Registry tracks every worker known to the coordinator.
type Registry struct {
	mu      sync.RWMutex
	workers map[action.WorkerId]*WorkerEntry
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[action.WorkerId]*WorkerEntry)}
}

// Announce registers or updates a worker's address and capabilities,
// called when a PeerAnnounce or first HeartBeat arrives.
func (r *Registry) Announce(id action.WorkerId, address string, caps action.Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		w = &WorkerEntry{ID: id, InFlight: make(map[action.ActionId]struct{})}
		r.workers[id] = w
	}
	w.Address = address
	w.Capabilities = caps
	w.Health = HealthHealthy
	w.LastHeartbeat = time.Now()
	w.MissedBeats = 0
}

// Heartbeat records a liveness beat with current load and in-flight set,
// stamped now. Kept as the convenience form of Observe for callers that
// synthesize beats locally rather than receiving them off the wire.
func (r *Registry) Heartbeat(id action.WorkerId, load float64, inFlight []action.ActionId) {
	r.Observe(protocol.HeartBeat{
		Worker:      id,
		State:       protocol.WorkerAlive,
		Load:        load,
		InFlight:    inFlight,
		TimestampNs: time.Now().UnixNano(),
	})
}

// Observe folds one wire HeartBeat into the registry. Beats are monotonic
// per worker: a beat whose TimestampNs is not newer than the last
// recorded one is discarded, and Observe reports whether the beat was
// applied.
func (r *Registry) Observe(hb protocol.HeartBeat) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[hb.Worker]
	if !ok {
		w = &WorkerEntry{ID: hb.Worker, InFlight: make(map[action.ActionId]struct{})}
		r.workers[hb.Worker] = w
	}
	if hb.TimestampNs <= w.LastBeatNs {
		return false
	}
	w.State = hb.State
	w.Load = hb.Load
	w.CPU = hb.CPU
	w.Mem = hb.Mem
	w.Disk = hb.Disk
	w.QueueDepth = hb.QueueDepth
	w.LastHeartbeat = time.Now()
	w.LastBeatNs = hb.TimestampNs
	w.MissedBeats = 0
	if hb.State == protocol.WorkerFailed {
		w.Health = HealthFailed
	} else {
		w.Health = HealthHealthy
	}
	w.InFlight = make(map[action.ActionId]struct{}, len(hb.InFlight))
	for _, id := range hb.InFlight {
		w.InFlight[id] = struct{}{}
	}
	return true
}

// Get returns a copy of the tracked entry for id.
func (r *Registry) Get(id action.WorkerId) (WorkerEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return WorkerEntry{}, false
	}
	return *w, true
}

// Healthy returns every worker whose Health is HealthHealthy or
// HealthDegraded (both eligible for dispatch; Degraded workers are not
// ranked below Healthy ones).
func (r *Registry) Healthy() []WorkerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []WorkerEntry
	for _, w := range r.workers {
		if w.Health == HealthHealthy || w.Health == HealthDegraded {
			out = append(out, *w)
		}
	}
	return out
}

// All returns every tracked worker.
func (r *Registry) All() []WorkerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]WorkerEntry, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	return out
}

// MarkMissedBeat increments id's missed-heartbeat counter and reclassifies
// its Health per the HealthMonitor's escalation thresholds, returning the
// new Health; HealthMonitor reclaims in-flight actions once it reaches
// Failed.
func (r *Registry) MarkMissedBeat(id action.WorkerId, degradedAfter, unreachableAfter, failedAfter int) Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return HealthFailed
	}
	w.MissedBeats++
	switch {
	case w.MissedBeats >= failedAfter:
		w.Health = HealthFailed
	case w.MissedBeats >= unreachableAfter:
		w.Health = HealthUnreachable
	case w.MissedBeats >= degradedAfter:
		w.Health = HealthDegraded
	}
	return w.Health
}

// Reclaim clears and returns id's in-flight action set, used when a
// worker is declared Failed so its work can be requeued elsewhere.
func (r *Registry) Reclaim(id action.WorkerId) []action.ActionId {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return nil
	}
	out := make([]action.ActionId, 0, len(w.InFlight))
	for actionID := range w.InFlight {
		out = append(out, actionID)
	}
	w.InFlight = make(map[action.ActionId]struct{})
	return out
}

// Remove drops id from the registry entirely.
func (r *Registry) Remove(id action.WorkerId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, id)
}
