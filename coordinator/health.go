package coordinator

import (
	"context"
	"time"

	"github.com/forgebuild/forge/action"
	"github.com/sirupsen/logrus"
)

// HealthMonitor periodically checks every registered worker's last
// heartbeat age and escalates its Health classification: Degraded after
// two missed beats, Unreachable after five, Failed after ten. A worker
// declared Failed has its in-flight actions reclaimed for rescheduling.
type HealthMonitor struct {
	Registry *Registry
	Interval time.Duration

	DegradedAfter    int
	UnreachableAfter int
	FailedAfter      int

	log *logrus.Entry

	// OnFailed is invoked with a worker's reclaimed actions once it is
	// declared Failed, so the caller can requeue them by priority.
	OnFailed func(id action.WorkerId, reclaimed []action.ActionId)
}

// NewHealthMonitor builds a HealthMonitor with the default heartbeat
// interval and escalation thresholds.
func NewHealthMonitor(reg *Registry, log *logrus.Entry) *HealthMonitor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &HealthMonitor{
		Registry:         reg,
		Interval:         5 * time.Second,
		DegradedAfter:    2,
		UnreachableAfter: 5,
		FailedAfter:      10,
		log:              log.WithField("component", "health_monitor"),
	}
}

// Run polls every Interval until ctx is cancelled, advancing MissedBeats
// for any worker whose LastHeartbeat is older than Interval.
func (h *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *HealthMonitor) sweep() {
	now := time.Now()
	for _, w := range h.Registry.All() {
		if now.Sub(w.LastHeartbeat) < h.Interval {
			continue
		}
		health := h.Registry.MarkMissedBeat(w.ID, h.DegradedAfter, h.UnreachableAfter, h.FailedAfter)
		h.log.WithFields(logrus.Fields{"worker_id": w.ID, "health": health, "missed_beats": w.MissedBeats + 1}).Debug("worker heartbeat overdue")
		if health == HealthFailed && w.Health != HealthFailed {
			reclaimed := h.Registry.Reclaim(w.ID)
			h.log.WithFields(logrus.Fields{"worker_id": w.ID, "reclaimed": len(reclaimed)}).Warn("worker declared failed, reclaiming in-flight actions")
			if h.OnFailed != nil {
				h.OnFailed(w.ID, reclaimed)
			}
		}
	}
}
