package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/forgebuild/forge/action"
	"github.com/forgebuild/forge/cas"
	"github.com/forgebuild/forge/executor"
	"github.com/forgebuild/forge/logging"
	"github.com/forgebuild/forge/protocol"
	"github.com/forgebuild/forge/remotecache"
	"github.com/forgebuild/forge/transport"
	"github.com/forgebuild/forge/worker"
)

var (
	workerID           uint64
	workerCoordinator  string
	workerControlURL   string
	workerAddress      string
	workerConcurrency  int
	workerAllowNetwork bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "run a Forge distributed build worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(cmd.Context())
	},
}

func init() {
	workerCmd.Flags().Uint64Var(&workerID, "id", 0, "this worker's WorkerId (must be nonzero; 0 is reserved for the coordinator)")
	workerCmd.Flags().StringVar(&workerCoordinator, "coordinator", "localhost:9000", "coordinator's bulk Action channel address")
	workerCmd.Flags().StringVar(&workerControlURL, "control", "ws://localhost:9001/control", "coordinator's control-plane websocket URL")
	workerCmd.Flags().StringVar(&workerAddress, "address", "", "this worker's own advertised address (informational)")
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", runtime.NumCPU(), "number of actions this worker executes concurrently")
	workerCmd.Flags().BoolVar(&workerAllowNetwork, "allow-network", false, "advertise network-capable sandbox support")
	RootCmd.AddCommand(workerCmd)
}

// runWorker connects to a coordinator's bulk and control channels,
// announces itself, then accepts ActionRequests until either connection
// drops or the process receives a termination signal, at which point it
// drains in-flight work before exiting.
func runWorker(ctx context.Context) error {
	log := logging.WithComponent("worker")
	if workerID == 0 {
		exitWithCode(ExitConfigError, fmt.Errorf("cli: worker: --id must be nonzero (0 is reserved for the coordinator)"))
		return nil
	}
	id := action.WorkerId(workerID)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := cas.New(cfg.CASDir(), log)
	if err != nil {
		exitWithCode(ExitInternalError, fmt.Errorf("worker: opening CAS: %w", err))
		return nil
	}

	var remote *remotecache.Client
	if cfg.RemoteCache != "" {
		remote, err = buildRemoteCache(cfg, log)
		if err != nil {
			exitWithCode(ExitConfigError, err)
			return nil
		}
	}

	workdir := cfg.CacheDir + "/work"
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		exitWithCode(ExitInternalError, fmt.Errorf("worker: creating sandbox workdir: %w", err))
		return nil
	}

	caps := action.Capabilities{
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		AllowNetwork: workerAllowNetwork,
	}
	w := worker.New(worker.Config{
		ID:           id,
		Capabilities: caps,
		Concurrency:  workerConcurrency,
		Executor:     executor.New(store, workdir, log),
		Store:        store,
		Remote:       remote,
	}, log)

	bulkConn, err := transport.Dial(ctx, "tcp", workerCoordinator, nil)
	if err != nil {
		exitWithCode(ExitInternalError, fmt.Errorf("worker: dialing coordinator bulk channel: %w", err))
		return nil
	}
	defer bulkConn.Close()

	announce := protocol.Envelope{
		Version:     protocol.Version,
		Sender:      id,
		TimestampNs: time.Now().UnixNano(),
		Type:        protocol.PayloadPeerAnnounce,
		Payload:     protocol.EncodePayload(protocol.PeerAnnounce{Worker: id, Address: workerAddress, Capabilities: caps}),
	}
	if err := protocol.WriteFrame(bulkConn, announce); err != nil {
		exitWithCode(ExitInternalError, fmt.Errorf("worker: announcing to coordinator: %w", err))
		return nil
	}

	ctrlConn, _, err := websocket.DefaultDialer.DialContext(ctx, workerControlURL, nil)
	if err != nil {
		exitWithCode(ExitInternalError, fmt.Errorf("worker: dialing coordinator control channel: %w", err))
		return nil
	}
	defer ctrlConn.Close()
	if err := ctrlConn.WriteMessage(websocket.BinaryMessage, announce.Encode()); err != nil {
		exitWithCode(ExitInternalError, fmt.Errorf("worker: announcing over control channel: %w", err))
		return nil
	}

	log.WithFields(logrus.Fields{"worker_id": id, "coordinator": workerCoordinator}).Info("worker registered, accepting actions")

	go w.RunHeartbeats(ctx, 5*time.Second)
	go pumpHeartbeats(ctx, ctrlConn, id, w.Heartbeats)
	go pumpResults(ctx, bulkConn, w.Results, log)
	go readControlLoop(ctx, ctrlConn, w, log)

	readBulkLoop(ctx, bulkConn, w, log)

	w.Drain(30 * time.Second)
	return nil
}

// readBulkLoop reads ActionRequest frames from the coordinator's bulk
// connection and submits each to w until the connection closes or ctx
// is cancelled.
func readBulkLoop(ctx context.Context, conn net.Conn, w *worker.Worker, log *logrus.Entry) {
	for {
		if ctx.Err() != nil {
			return
		}
		env, err := protocol.ReadFrame(conn)
		if err != nil {
			log.WithError(err).Debug("bulk connection closed")
			return
		}
		if env.Type != protocol.PayloadActionRequest {
			continue
		}
		var req protocol.ActionRequest
		if err := protocol.DecodePayload(env, &req); err != nil {
			log.WithError(err).Warn("decoding action request")
			continue
		}
		if err := w.Submit(ctx, req); err != nil {
			log.WithError(err).WithField("action_id", req.ActionID).Warn("rejecting action request")
		}
	}
}

// pumpResults forwards every ActionResult w produces back to the
// coordinator over the bulk connection.
func pumpResults(ctx context.Context, conn net.Conn, results <-chan protocol.ActionResult, log *logrus.Entry) {
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			env := protocol.Envelope{
				Version:     protocol.Version,
				TimestampNs: time.Now().UnixNano(),
				Type:        protocol.PayloadActionResult,
				Payload:     protocol.EncodePayload(res),
			}
			if err := protocol.WriteFrame(conn, env); err != nil {
				log.WithError(err).WithField("action_id", res.ActionID).Warn("failed to report action result")
			}
		}
	}
}

// pumpHeartbeats forwards every HeartBeat w produces to the coordinator
// over the control websocket.
func pumpHeartbeats(ctx context.Context, conn *websocket.Conn, id action.WorkerId, beats <-chan protocol.HeartBeat) {
	for {
		select {
		case <-ctx.Done():
			return
		case hb, ok := <-beats:
			if !ok {
				return
			}
			env := protocol.Envelope{
				Version:     protocol.Version,
				Sender:      id,
				TimestampNs: time.Now().UnixNano(),
				Type:        protocol.PayloadHeartBeat,
				Payload:     protocol.EncodePayload(hb),
			}
			_ = conn.WriteMessage(websocket.BinaryMessage, env.Encode())
		}
	}
}

// readControlLoop answers StealRequests from the coordinator and returns
// (letting runWorker proceed to Drain) on a Shutdown message or a closed
// connection.
func readControlLoop(ctx context.Context, conn *websocket.Conn, w *worker.Worker, log *logrus.Entry) {
	reply := func(_ context.Context, e protocol.Envelope) error {
		return conn.WriteMessage(websocket.BinaryMessage, e.Encode())
	}
	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.WithError(err).Debug("control connection closed")
			return
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			log.WithError(err).Warn("dropping malformed control message")
			continue
		}
		switch env.Type {
		case protocol.PayloadStealRequest:
			if err := w.HandleControl(ctx, env, reply); err != nil {
				log.WithError(err).Warn("handling steal request")
			}
		case protocol.PayloadShutdown:
			return
		}
	}
}
