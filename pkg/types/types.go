package types

import (
	"encoding/json"
	"time"
)

// Worker represents an agent-set worker in the pool
type Worker struct {
	ID        string
	URL       string // host or host:port, scheme added by callers
	Capacity  int
	Occupancy int
	State     WorkerState

	// MissedRefreshes counts consecutive refresh ticks on which the
	// service registry did not report this worker.
	MissedRefreshes int

	RegisteredAt  time.Time
	LastSeen      time.Time
	LastPlacement time.Time
}

// WorkerState represents the liveness state of a worker
type WorkerState string

const (
	WorkerStateKnown       WorkerState = "known"
	WorkerStateUnreachable WorkerState = "unreachable"
	WorkerStateDraining    WorkerState = "draining"
	WorkerStateRemoved     WorkerState = "removed"
)

// AgentState represents the lifecycle state of an agent
type AgentState string

const (
	AgentStateInitializing AgentState = "initializing"
	AgentStatePending      AgentState = "pending"
	AgentStateRunning      AgentState = "running"
	AgentStatePaused       AgentState = "paused"
	AgentStateCompleted    AgentState = "completed"
	AgentStateError        AgentState = "error"
	AgentStateAborted      AgentState = "aborted"
	AgentStateUnknown      AgentState = "unknown"
)

// Terminal reports whether the state admits no further transitions.
// Error is terminal for dependents but the agent itself may be resumed,
// so it is not terminal here.
func (s AgentState) Terminal() bool {
	return s == AgentStateCompleted || s == AgentStateAborted
}

// AgentRecord is the core's view of a single agent
type AgentRecord struct {
	AgentID    string
	MissionID  string
	WorkerID   string // empty while Pending
	State      AgentState
	UpdatedAt  time.Time
	Statistics json.RawMessage // opaque, last reported by the worker
}

// RelocationEvent is emitted for each agent moved off a lost worker
type RelocationEvent struct {
	AgentID     string
	MissionID   string
	FromWorker  string
	ToWorker    string
	ToWorkerURL string
}
