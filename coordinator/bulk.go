package coordinator

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/forgebuild/forge/action"
	"github.com/forgebuild/forge/protocol"
)

// BulkHub tracks one raw, length-prefixed TCP connection per worker for
// the bulk ActionRequest/ActionResult traffic, kept separate from the
// control-plane (HeartBeat/StealRequest/Shutdown/PeerAnnounce) channel
// carried over coordinator.WSHub instead. A worker dials in once
// at startup and announces itself; the coordinator keeps the connection
// open for the life of the worker, writing dispatched ActionRequests and
// reading back ActionResults on the same stream.
type BulkHub struct {
	mu    sync.RWMutex
	conns map[action.WorkerId]*bulkConn
	log   *logrus.Entry
}

type bulkConn struct {
	mu   sync.Mutex
	conn net.Conn
}

// NewBulkHub builds an empty BulkHub.
func NewBulkHub(log *logrus.Entry) *BulkHub {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &BulkHub{conns: make(map[action.WorkerId]*bulkConn), log: log.WithField("component", "bulk_hub")}
}

// Send implements Sender for ActionRequest/ActionResult-class envelopes
// by writing e as a length-prefixed frame to recipient's bulk connection.
func (h *BulkHub) Send(ctx context.Context, recipient action.WorkerId, e protocol.Envelope) error {
	h.mu.RLock()
	c, ok := h.conns[recipient]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("coordinator: no bulk connection open for worker %v", recipient)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	if err := protocol.WriteFrame(c.conn, e); err != nil {
		return fmt.Errorf("coordinator: writing bulk frame to worker %v: %w", recipient, err)
	}
	return nil
}

// AcceptLoop accepts bulk connections on ln until it errors or closes
// (typically because ctx was cancelled and the caller closed ln). The
// first frame a new connection must send is a PeerAnnounce identifying
// its WorkerId, Address and Capabilities; every subsequent frame is
// handed to onEnvelope for the caller to fold into Registry/Coordinator
// state (ActionResult, HeartBeat carried over this channel too in case
// the control websocket hasn't connected yet).
func (h *BulkHub) AcceptLoop(ctx context.Context, ln net.Listener, reg *Registry, onEnvelope func(action.WorkerId, protocol.Envelope)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("coordinator: accepting bulk connection: %w", err)
		}
		go h.serve(ctx, conn, reg, onEnvelope)
	}
}

func (h *BulkHub) serve(ctx context.Context, conn net.Conn, reg *Registry, onEnvelope func(action.WorkerId, protocol.Envelope)) {
	env, err := protocol.ReadFrame(conn)
	if err != nil {
		h.log.WithError(err).Warn("bulk connection closed before sending its PeerAnnounce handshake")
		conn.Close()
		return
	}
	if env.Type != protocol.PayloadPeerAnnounce {
		h.log.WithField("type", env.Type).Warn("bulk connection's first frame was not a PeerAnnounce, dropping")
		conn.Close()
		return
	}
	var announce protocol.PeerAnnounce
	if err := protocol.DecodePayload(env, &announce); err != nil {
		h.log.WithError(err).Warn("decoding PeerAnnounce handshake")
		conn.Close()
		return
	}

	h.mu.Lock()
	h.conns[announce.Worker] = &bulkConn{conn: conn}
	h.mu.Unlock()
	reg.Announce(announce.Worker, announce.Address, announce.Capabilities)
	h.log.WithFields(logrus.Fields{"worker_id": announce.Worker, "address": announce.Address}).Info("worker bulk connection established")

	defer func() {
		h.mu.Lock()
		delete(h.conns, announce.Worker)
		h.mu.Unlock()
		conn.Close()
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		e, err := protocol.ReadFrame(conn)
		if err != nil {
			h.log.WithError(err).WithField("worker_id", announce.Worker).Warn("bulk connection read failed, worker considered gone until its next heartbeat")
			return
		}
		onEnvelope(announce.Worker, e)
	}
}

// Router implements coordinator.Sender by splitting envelopes between a
// BulkHub (ActionRequest/ActionResult) and a WSHub (everything else:
// HeartBeat, StealRequest/Response, Shutdown, PeerAnnounce).
type Router struct {
	Bulk    *BulkHub
	Control *WSHub
}

// Send implements Sender.
func (r Router) Send(ctx context.Context, recipient action.WorkerId, e protocol.Envelope) error {
	if e.Type == protocol.PayloadActionRequest || e.Type == protocol.PayloadActionResult {
		return r.Bulk.Send(ctx, recipient, e)
	}
	return r.Control.Send(ctx, recipient, e)
}
