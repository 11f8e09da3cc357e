package coordinator

import (
	"testing"

	"github.com/forgebuild/forge/action"
	"github.com/forgebuild/forge/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRecordsHeartbeatFields(t *testing.T) {
	reg := NewRegistry()
	reg.Announce(3, "addr3", action.Capabilities{})

	applied := reg.Observe(protocol.HeartBeat{
		Worker:      3,
		State:       protocol.WorkerDraining,
		Load:        0.5,
		CPU:         0.4,
		Mem:         0.3,
		Disk:        0.2,
		QueueDepth:  2,
		InFlight:    []action.ActionId{{1}},
		TimestampNs: 100,
	})
	require.True(t, applied)

	w, ok := reg.Get(3)
	require.True(t, ok)
	assert.Equal(t, protocol.WorkerDraining, w.State)
	assert.InDelta(t, 0.5, w.Load, 1e-9)
	assert.InDelta(t, 0.4, w.CPU, 1e-9)
	assert.Equal(t, 2, w.QueueDepth)
	assert.Contains(t, w.InFlight, action.ActionId{1})
}

func TestObserveDiscardsOutOfOrderBeats(t *testing.T) {
	reg := NewRegistry()
	reg.Announce(3, "addr3", action.Capabilities{})

	require.True(t, reg.Observe(protocol.HeartBeat{Worker: 3, State: protocol.WorkerAlive, Load: 0.8, TimestampNs: 200}))

	// A delayed beat with an older timestamp must not roll state back.
	assert.False(t, reg.Observe(protocol.HeartBeat{Worker: 3, State: protocol.WorkerAlive, Load: 0.1, TimestampNs: 150}))
	w, _ := reg.Get(3)
	assert.InDelta(t, 0.8, w.Load, 1e-9)

	require.True(t, reg.Observe(protocol.HeartBeat{Worker: 3, State: protocol.WorkerAlive, Load: 0.1, TimestampNs: 250}))
	w, _ = reg.Get(3)
	assert.InDelta(t, 0.1, w.Load, 1e-9)
}

func TestObserveSelfReportedFailureMarksWorkerFailed(t *testing.T) {
	reg := NewRegistry()
	reg.Announce(3, "addr3", action.Capabilities{})

	require.True(t, reg.Observe(protocol.HeartBeat{Worker: 3, State: protocol.WorkerFailed, TimestampNs: 100}))
	w, _ := reg.Get(3)
	assert.Equal(t, HealthFailed, w.Health)
}
