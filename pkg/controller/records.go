package controller

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/stagecraft/trafficcore/pkg/metrics"
	"github.com/stagecraft/trafficcore/pkg/types"
)

// trackedAgent is an AgentRecord plus the deferred worker instruction held
// while the agent waits on prerequisites.
type trackedAgent struct {
	record types.AgentRecord

	// add is the addAgent payload for this agent, kept for relocation
	// re-sends; forwarded records whether a worker has received it.
	add       *types.AddAgentRequest
	forwarded bool
}

// RecordStore holds the in-memory agent records. It is the last lock in the
// global order (registry, placement, graph, records) and never calls out
// while holding its mutex.
type RecordStore struct {
	mu       sync.Mutex
	agents   map[string]*trackedAgent
	missions map[string]struct{}
}

// NewRecordStore creates an empty store
func NewRecordStore() *RecordStore {
	return &RecordStore{
		agents:   make(map[string]*trackedAgent),
		missions: make(map[string]struct{}),
	}
}

// Create inserts a new record; a duplicate agent id is a Conflict
func (s *RecordStore) Create(record types.AgentRecord, add *types.AddAgentRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[record.AgentID]; exists {
		return types.NewError(types.KindConflict, "records", "Create",
			"agent %s already exists", record.AgentID)
	}

	record.UpdatedAt = time.Now()
	s.agents[record.AgentID] = &trackedAgent{record: record, add: add}
	s.missions[record.MissionID] = struct{}{}
	s.updateGaugesLocked()
	return nil
}

// Get returns a copy of the record for an agent
func (s *RecordStore) Get(agentID string) (types.AgentRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tracked, ok := s.agents[agentID]
	if !ok {
		return types.AgentRecord{}, false
	}
	return tracked.record, true
}

// State returns the lifecycle state of an agent; unknown agents are Unknown
func (s *RecordStore) State(agentID string) types.AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()

	tracked, ok := s.agents[agentID]
	if !ok {
		return types.AgentStateUnknown
	}
	return tracked.record.State
}

// SetState applies a reported state transition. Transitions out of a
// terminal state are rejected so lifecycle progress is monotone; the
// returned bool reports whether the update was applied.
func (s *RecordStore) SetState(agentID string, state types.AgentState, statistics json.RawMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	tracked, ok := s.agents[agentID]
	if !ok {
		return false
	}
	if tracked.record.State.Terminal() && state != tracked.record.State {
		return false
	}

	tracked.record.State = state
	tracked.record.UpdatedAt = time.Now()
	if statistics != nil {
		tracked.record.Statistics = statistics
	}
	s.updateGaugesLocked()
	return true
}

// SetWorker records the worker an agent is placed on
func (s *RecordStore) SetWorker(agentID, workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tracked, ok := s.agents[agentID]; ok {
		tracked.record.WorkerID = workerID
		tracked.record.UpdatedAt = time.Now()
	}
}

// AddPayload returns the agent's addAgent payload and whether a worker has
// already received it
func (s *RecordStore) AddPayload(agentID string) (*types.AddAgentRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tracked, ok := s.agents[agentID]
	if !ok {
		return nil, false
	}
	return tracked.add, tracked.forwarded
}

// MarkForwarded records that a worker has received the addAgent payload
func (s *RecordStore) MarkForwarded(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tracked, ok := s.agents[agentID]; ok {
		tracked.forwarded = true
	}
}

// Delete removes an agent's record
func (s *RecordStore) Delete(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.agents, agentID)
	s.updateGaugesLocked()
}

// ByMission returns copies of all records belonging to a mission
func (s *RecordStore) ByMission(missionID string) []types.AgentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.AgentRecord
	for _, tracked := range s.agents {
		if tracked.record.MissionID == missionID {
			out = append(out, tracked.record)
		}
	}
	return out
}

// Missions returns every mission id the store has seen
func (s *RecordStore) Missions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.missions))
	for m := range s.missions {
		out = append(out, m)
	}
	return out
}

// StaleBefore returns non-terminal records that have not advanced since the
// cutoff; the orphan sweep probes these against their workers.
func (s *RecordStore) StaleBefore(cutoff time.Time) []types.AgentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.AgentRecord
	for _, tracked := range s.agents {
		if tracked.record.State.Terminal() {
			continue
		}
		if tracked.record.UpdatedAt.Before(cutoff) {
			out = append(out, tracked.record)
		}
	}
	return out
}

// Count returns the number of tracked agents
func (s *RecordStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.agents)
}

func (s *RecordStore) updateGaugesLocked() {
	counts := make(map[types.AgentState]int)
	for _, tracked := range s.agents {
		counts[tracked.record.State]++
	}
	for _, state := range []types.AgentState{
		types.AgentStateInitializing, types.AgentStatePending,
		types.AgentStateRunning, types.AgentStatePaused,
		types.AgentStateCompleted, types.AgentStateError,
		types.AgentStateAborted, types.AgentStateUnknown,
	} {
		metrics.AgentsTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
