package protocol

import "github.com/forgebuild/forge/action"

// ActionRequest asks a worker to execute the named action.
type ActionRequest struct {
	ActionID action.ActionId
	Action   action.Action
}

// ActionResult carries a completed action's outcome back to the
// coordinator.
type ActionResult struct {
	ActionID action.ActionId
	Result   action.Result
}

// HeartBeat is sent periodically by a worker to report liveness and
// current load. TimestampNs orders beats per worker: the registry keeps
// only the newest, so a delayed beat can never roll load state backwards.
type HeartBeat struct {
	Worker       action.WorkerId
	State        WorkerState
	Load         float64 // fraction of concurrency slots in use, [0,1]
	CPU          float64 // CPU usage ratio, [0,1]
	Mem          float64 // memory usage ratio, [0,1]
	Disk         float64 // disk usage ratio of the CAS volume, [0,1]
	QueueDepth   int
	InFlight     []action.ActionId
	Capabilities action.Capabilities
	TimestampNs  int64
}

// StealRequest is sent by an overloaded worker (or the coordinator on its
// behalf) proposing that Candidate be redirected to a less loaded peer.
// StealID correlates this proposal with its eventual StealResponse, since a
// busy worker may have several proposals from the coordinator in flight at
// once and Candidate/FromLoad alone can't disambiguate which reply answers
// which request.
type StealRequest struct {
	StealID   string
	Candidate action.ActionId
	FromLoad  float64
}

// StealResponse answers a StealRequest, echoing its StealID.
type StealResponse struct {
	StealID   string
	Candidate action.ActionId
	Accepted  bool
	Reason    string
}

// Shutdown tells the recipient to stop accepting new work and drain
// in-flight actions before Deadline.
type Shutdown struct {
	DeadlineUnixNs int64
}

// PeerAnnounce is broadcast by the coordinator so workers learn of each
// other for peer-to-peer work stealing.
type PeerAnnounce struct {
	Worker       action.WorkerId
	Address      string
	Capabilities action.Capabilities
}

// WorkerState is a worker's health classification as tracked by the
// coordinator's HealthMonitor.
type WorkerState string

const (
	WorkerAlive    WorkerState = "Alive"
	WorkerDraining WorkerState = "Draining"
	WorkerFailed   WorkerState = "Failed"
)
