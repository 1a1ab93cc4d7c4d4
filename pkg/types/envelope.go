package types

import (
	"encoding/json"
	"fmt"
	"sort"
)

// MessageEnvelope is the generic inbound/outbound message shape. Content is
// opaque to the core; Type drives dispatch at the handler boundary.
type MessageEnvelope struct {
	Type     string          `json:"type"`
	Sender   string          `json:"sender,omitempty"`
	ForAgent string          `json:"forAgent,omitempty"`
	Content  json.RawMessage `json:"content,omitempty"`
}

// Envelope types the controller dispatches on
const (
	MessageTypeAgentUpdate    = "AGENT_UPDATE"
	MessageTypeCreateAgent    = "CREATE_AGENT"
	MessageTypeMissionCommand = "MISSION_COMMAND"
)

// MissionCommand is a mission-wide control operation
type MissionCommand string

const (
	MissionCommandPause  MissionCommand = "pause"
	MissionCommandAbort  MissionCommand = "abort"
	MissionCommandResume MissionCommand = "resume"
)

// CreateAgentRequest is the body of POST /createAgent
type CreateAgentRequest struct {
	ActionVerb     string          `json:"actionVerb"`
	Inputs         SerializedMap   `json:"inputs"`
	MissionID      string          `json:"missionId"`
	MissionContext json.RawMessage `json:"missionContext,omitempty"`
	Dependencies   []string        `json:"dependencies,omitempty"`
}

// CreateAgentResponse is returned from POST /createAgent
type CreateAgentResponse struct {
	AgentID string `json:"agentId"`
	Pending bool   `json:"pending"`
}

// AddAgentRequest is forwarded to a worker's POST /addAgent
type AddAgentRequest struct {
	AgentID        string          `json:"agentId"`
	ActionVerb     string          `json:"actionVerb"`
	Inputs         SerializedMap   `json:"inputs"`
	MissionID      string          `json:"missionId"`
	MissionContext json.RawMessage `json:"missionContext,omitempty"`
}

// MissionCommandRequest is the body of the pause/abort/resume endpoints
type MissionCommandRequest struct {
	MissionID string `json:"missionId"`
}

// ResumeAgentRequest is the body of POST /resumeAgent
type ResumeAgentRequest struct {
	AgentID string `json:"agentId"`
}

// StatusUpdate is pushed by workers when an agent changes state
type StatusUpdate struct {
	AgentID    string          `json:"agentId"`
	MissionID  string          `json:"missionId"`
	Status     AgentState      `json:"status"`
	Statistics json.RawMessage `json:"statistics,omitempty"`
}

// AgentLocation is returned from GET /getAgentLocation/:agentId
type AgentLocation struct {
	AgentID   string `json:"agentId"`
	WorkerURL string `json:"workerUrl"`
}

// UpdateAgentLocationRequest is the body of POST /updateAgentLocation
type UpdateAgentLocationRequest struct {
	AgentID   string `json:"agentId"`
	WorkerURL string `json:"workerUrl"`
}

// CheckBlockedRequest is the body of POST /checkBlockedAgents
type CheckBlockedRequest struct {
	CompletedAgentID string `json:"completedAgentId"`
}

// WorkerResult is one worker's outcome within a fan-out
type WorkerResult struct {
	WorkerID string `json:"workerId"`
	URL      string `json:"url"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

// FanoutResponse aggregates a mission-wide command across workers.
// Partial is true when at least one worker failed; the endpoint still
// returns 200 so callers can distinguish "some worked" from "none worked".
type FanoutResponse struct {
	Partial   bool           `json:"partial"`
	PerWorker []WorkerResult `json:"perWorker"`
}

// AgentSummary is a worker-reported view of one agent
type AgentSummary struct {
	AgentID    string          `json:"agentId"`
	MissionID  string          `json:"missionId"`
	Status     AgentState      `json:"status"`
	Statistics json.RawMessage `json:"statistics,omitempty"`
}

// MissionStatistics is the aggregate returned from GET /getAgentStatistics
type MissionStatistics struct {
	MissionID     string                        `json:"missionId"`
	TotalAgents   int                           `json:"totalAgents"`
	WorkerCount   int                           `json:"workerCount"`
	Partial       bool                          `json:"partial"`
	AgentsByState map[AgentState][]AgentSummary `json:"agentsByState"`
}

// ErrorBody is the JSON shape of every non-2xx response
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the kind and human-readable message
type ErrorDetail struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

// SerializedMap is a string-keyed mapping whose wire form is the neutral
// pair-list schema {"entries":[["key",value],...]}. Values are opaque JSON.
// Internally it is a plain Go map; encoding sorts keys for determinism.
type SerializedMap map[string]json.RawMessage

type serializedMapWire struct {
	Entries []serializedEntry `json:"entries"`
}

type serializedEntry [2]json.RawMessage

// MarshalJSON encodes the map as {"entries":[[key,value],...]}
func (m SerializedMap) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	wire := serializedMapWire{Entries: make([]serializedEntry, 0, len(keys))}
	for _, k := range keys {
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		v := m[k]
		if v == nil {
			v = json.RawMessage("null")
		}
		wire.Entries = append(wire.Entries, serializedEntry{kb, v})
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes the pair-list schema back into a native map
func (m *SerializedMap) UnmarshalJSON(data []byte) error {
	var wire serializedMapWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	out := make(SerializedMap, len(wire.Entries))
	for i, entry := range wire.Entries {
		var key string
		if err := json.Unmarshal(entry[0], &key); err != nil {
			return fmt.Errorf("entry %d: key is not a string: %v", i, err)
		}
		out[key] = entry[1]
	}
	*m = out
	return nil
}
