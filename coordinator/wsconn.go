// WebSocket-based control channel for Envelope delivery: a dialer with a
// bounded handshake timeout and a per-connection send mutex. A lost
// connection ends its read loop with an error; it does not change the
// worker's registry Health. Bulk
// Action/Result traffic still goes over protocol.WriteFrame/ReadFrame on
// a raw TCP stream; this channel only carries control-plane Envelopes
// (HeartBeat, StealRequest/Response, Shutdown, PeerAnnounce) where a
// persistent duplex connection per worker is worth the overhead.
package coordinator

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/forgebuild/forge/action"
	"github.com/forgebuild/forge/protocol"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WSHub tracks one websocket.Conn per connected worker and implements
// Sender by writing an Envelope's Encode()d bytes as a single binary
// message.
type WSHub struct {
	mu    sync.RWMutex
	conns map[action.WorkerId]*wsConn
	log   *logrus.Entry
}

type wsConn struct {
	mu   sync.Mutex // gorilla/websocket connections aren't safe for concurrent writers
	conn *websocket.Conn
}

// NewWSHub builds an empty WSHub.
func NewWSHub(log *logrus.Entry) *WSHub {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &WSHub{conns: make(map[action.WorkerId]*wsConn), log: log.WithField("component", "ws_hub")}
}

// Register associates id with an already-established connection (e.g.
// accepted by an http.Server's websocket.Upgrader on the control
// endpoint).
func (h *WSHub) Register(id action.WorkerId, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[id] = &wsConn{conn: conn}
}

// Unregister drops id's connection, closing it first.
func (h *WSHub) Unregister(id action.WorkerId) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.conns[id]; ok {
		c.conn.Close()
		delete(h.conns, id)
	}
}

// Dial connects to a worker's control endpoint at address and registers
// it as id, with a bounded handshake timeout.
func (h *WSHub) Dial(ctx context.Context, id action.WorkerId, address string) error {
	return h.dial(ctx, id, address, nil)
}

// DialTLS is Dial for a wss:// control endpoint, presenting tlsCfg for
// the handshake. Use this against a coordinator started with a
// transport.ServerTLSConfig listener.
func (h *WSHub) DialTLS(ctx context.Context, id action.WorkerId, address string, tlsCfg *tls.Config) error {
	return h.dial(ctx, id, address, tlsCfg)
}

func (h *WSHub) dial(ctx context.Context, id action.WorkerId, address string, tlsCfg *tls.Config) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second, TLSClientConfig: tlsCfg}
	conn, _, err := dialer.DialContext(ctx, address, nil)
	if err != nil {
		return fmt.Errorf("coordinator: dialing worker %v at %s: %w", id, address, err)
	}
	h.Register(id, conn)
	return nil
}

// Send implements Sender by writing e as a single binary websocket
// message to recipient's connection.
func (h *WSHub) Send(ctx context.Context, recipient action.WorkerId, e protocol.Envelope) error {
	h.mu.RLock()
	c, ok := h.conns[recipient]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("coordinator: no open connection to worker %v", recipient)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, e.Encode()); err != nil {
		h.log.WithError(err).WithField("worker_id", recipient).Warn("control channel write failed")
		return fmt.Errorf("coordinator: sending to worker %v: %w", recipient, err)
	}
	return nil
}

// ReadLoop blocks reading Envelopes from recipient's connection,
// invoking handle for each, until the connection closes or ctx is
// cancelled.
func (h *WSHub) ReadLoop(ctx context.Context, id action.WorkerId, handle func(protocol.Envelope)) error {
	h.mu.RLock()
	c, ok := h.conns[id]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("coordinator: no open connection to worker %v", id)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("coordinator: reading from worker %v: %w", id, err)
		}
		e, err := protocol.DecodeEnvelope(data)
		if err != nil {
			h.log.WithError(err).WithField("worker_id", id).Warn("dropping malformed control message")
			continue
		}
		handle(e)
	}
}
