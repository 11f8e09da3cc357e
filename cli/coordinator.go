package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/forgebuild/forge/action"
	"github.com/forgebuild/forge/coordinator"
	"github.com/forgebuild/forge/logging"
	"github.com/forgebuild/forge/planner"
	"github.com/forgebuild/forge/protocol"
	"github.com/forgebuild/forge/transport"
)

// coordinatorBulkPort and coordinatorControlPort are the default
// listener ports for the two channels: the raw length-prefixed TCP
// stream carrying ActionRequest/ActionResult traffic, and the
// gorilla/websocket control channel carrying HeartBeat/StealRequest/
// Shutdown/PeerAnnounce. The control channel runs one port above the
// bulk channel.
const (
	coordinatorBulkPort    = 9000
	coordinatorControlPort = 9001
)

var (
	coordinatorListen        string
	coordinatorControlListen string
	coordinatorTargets       []string
)

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "run Forge's distributed build coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCoordinator(cmd.Context())
	},
}

func init() {
	coordinatorCmd.Flags().StringVar(&coordinatorListen, "listen", fmt.Sprintf(":%d", coordinatorBulkPort), "bulk Action channel listen address")
	coordinatorCmd.Flags().StringVar(&coordinatorControlListen, "control-listen", fmt.Sprintf(":%d", coordinatorControlPort), "control-plane (websocket) listen address")
	coordinatorCmd.Flags().StringSliceVar(&coordinatorTargets, "targets", []string{"//..."}, "targets to build once workers are available")
	RootCmd.AddCommand(coordinatorCmd)
}

// runCoordinator starts the bulk and control listeners, waits briefly for
// at least one worker to register, then plans and drives the local
// workspace's targets across the registered worker pool, rendering the
// result the same way `forge build` does for a local run.
func runCoordinator(ctx context.Context) error {
	log := logging.WithComponent("coordinator")

	ws, err := LoadWorkspace(".", cfg, log)
	if err != nil {
		exitWithCode(ExitConfigError, err)
		return nil
	}
	defer func() {
		if ws.Actions != nil {
			ws.Actions.Close()
		}
	}()

	reg := coordinator.NewRegistry()
	bulk := coordinator.NewBulkHub(log)
	control := coordinator.NewWSHub(log)
	coord := coordinator.NewCoordinator(reg, coordinator.Router{Bulk: bulk, Control: control}, log)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bulkLn, err := transport.Listen("tcp", coordinatorListen, nil)
	if err != nil {
		exitWithCode(ExitInternalError, err)
		return nil
	}
	defer bulkLn.Close()
	go func() {
		if err := bulk.AcceptLoop(ctx, bulkLn, reg, func(id action.WorkerId, e protocol.Envelope) {
			handleBulkEnvelope(coord, e)
		}); err != nil {
			log.WithError(err).Warn("bulk accept loop exited")
		}
	}()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/control", func(w http.ResponseWriter, r *http.Request) {
		serveControlConn(r.Context(), upgrader, w, r, reg, control)
	})
	controlSrv := &http.Server{Addr: coordinatorControlListen, Handler: mux}
	go func() {
		if err := controlSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("control server exited")
		}
	}()
	defer controlSrv.Close()

	go coord.Health.Run(ctx)

	log.WithFields(map[string]any{"bulk": coordinatorListen, "control": coordinatorControlListen}).Info("coordinator listening, waiting for workers")
	waitForWorker(ctx, reg)

	indices, err := TargetsMatchingArgs(ws.Graph, coordinatorTargets)
	if err != nil {
		exitWithCode(ExitConfigError, err)
		return nil
	}
	log.WithField("target_count", len(indices)).Info("resolved targets, synthesizing actions")

	p := planner.New(ws.Registry, log)
	plan, err := p.Plan(planner.BuildContext{SourceRoot: ws.Root, Store: ws.Store, Graph: ws.Graph})
	if err != nil {
		exitWithCode(ExitConfigError, renderAndReturn(err))
		return nil
	}

	report, err := coord.Run(ctx, plan, ws.Graph)
	if err != nil {
		exitWithCode(ExitInternalError, fmt.Errorf("coordinator: run: %w", err))
		return nil
	}

	for _, o := range report.Outcomes {
		status := "OK"
		if o.State == "Failed" || o.State == "Cancelled" || o.Err != nil {
			status = "FAILED"
		}
		fmt.Printf("%s: %s\n", o.ID.String()[:12], status)
	}
	if report.Failed {
		exitWithCode(ExitBuildFailure, nil)
		return nil
	}
	return nil
}

// waitForWorker blocks until at least one worker has registered (via
// either channel) or ctx is cancelled, polling at a short interval; a
// coordinator with zero workers has nothing to dispatch to.
func waitForWorker(ctx context.Context, reg *coordinator.Registry) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(reg.Healthy()) > 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// handleBulkEnvelope folds an envelope arriving on the bulk channel into
// coordinator state: ActionResult completes/fails the in-flight action;
// a HeartBeat arriving here (a worker's control websocket hasn't
// connected yet) still updates liveness so dispatch doesn't starve.
func handleBulkEnvelope(coord *coordinator.Coordinator, e protocol.Envelope) {
	switch e.Type {
	case protocol.PayloadActionResult:
		var res protocol.ActionResult
		if err := protocol.DecodePayload(e, &res); err == nil {
			coord.HandleResult(res)
		}
	case protocol.PayloadHeartBeat:
		var hb protocol.HeartBeat
		if err := protocol.DecodePayload(e, &hb); err == nil {
			coord.Registry.Observe(hb)
		}
	}
}

// serveControlConn upgrades one worker's control connection, expects a
// PeerAnnounce handshake, registers it with both the Registry and the
// WSHub, then loops folding HeartBeat/StealResponse envelopes into
// coordinator state until the connection closes.
func serveControlConn(ctx context.Context, upgrader websocket.Upgrader, w http.ResponseWriter, r *http.Request, reg *coordinator.Registry, hub *coordinator.WSHub) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	env, err := protocol.DecodeEnvelope(data)
	if err != nil || env.Type != protocol.PayloadPeerAnnounce {
		conn.Close()
		return
	}
	var announce protocol.PeerAnnounce
	if err := protocol.DecodePayload(env, &announce); err != nil {
		conn.Close()
		return
	}
	reg.Announce(announce.Worker, announce.Address, announce.Capabilities)
	hub.Register(announce.Worker, conn)
	defer hub.Unregister(announce.Worker)

	_ = hub.ReadLoop(ctx, announce.Worker, func(e protocol.Envelope) {
		switch e.Type {
		case protocol.PayloadHeartBeat:
			var hb protocol.HeartBeat
			if err := protocol.DecodePayload(e, &hb); err == nil {
				reg.Observe(hb)
			}
		}
	})
}
