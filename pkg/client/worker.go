package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/stagecraft/trafficcore/pkg/types"
)

// WorkerClient speaks the agent-set worker HTTP contract
type WorkerClient struct {
	http *HTTP
}

// NewWorkerClient wraps the shared HTTP client with worker endpoints
func NewWorkerClient(http *HTTP) *WorkerClient {
	return &WorkerClient{http: http}
}

// AddAgent instructs a worker to host a new agent. A timeout-class failure
// is retried exactly once; any other failure is returned as-is so creation
// is not silently duplicated on a different worker.
func (w *WorkerClient) AddAgent(ctx context.Context, workerURL string, req *types.AddAgentRequest) error {
	target := baseURL(workerURL) + "/addAgent"
	err := w.http.PostJSON(ctx, target, req, nil)
	if err != nil && types.IsNetworkTimeout(err) && ctx.Err() == nil {
		err = w.http.PostJSON(ctx, target, req, nil)
	}
	return err
}

// MissionCommand fans a pause/abort/resume instruction to one worker.
// Mission commands are never retried; partial results are reported instead.
func (w *WorkerClient) MissionCommand(ctx context.Context, workerURL string, op types.MissionCommand, missionID string) error {
	var path string
	switch op {
	case types.MissionCommandPause:
		path = "/pauseAgents"
	case types.MissionCommandAbort:
		path = "/abortAgents"
	case types.MissionCommandResume:
		path = "/resumeAgents"
	default:
		return types.NewError(types.KindValidation, "client", "MissionCommand",
			"unknown mission command %q", op)
	}
	return w.http.PostJSON(ctx, baseURL(workerURL)+path,
		&types.MissionCommandRequest{MissionID: missionID}, nil)
}

// ResumeAgent issues a targeted resume for one agent
func (w *WorkerClient) ResumeAgent(ctx context.Context, workerURL, agentID string) error {
	return w.http.PostJSON(ctx, baseURL(workerURL)+"/resumeAgent",
		&types.ResumeAgentRequest{AgentID: agentID}, nil)
}

// SendMessage posts an envelope to the worker's base message endpoint
func (w *WorkerClient) SendMessage(ctx context.Context, workerURL string, env *types.MessageEnvelope) error {
	return w.http.PostJSON(ctx, baseURL(workerURL)+"/message", env, nil)
}

// SendAgentMessage posts an envelope to a specific agent's message endpoint
func (w *WorkerClient) SendAgentMessage(ctx context.Context, workerURL, agentID string, env *types.MessageEnvelope) error {
	target := fmt.Sprintf("%s/agent/%s/message", baseURL(workerURL), url.PathEscape(agentID))
	return w.http.PostJSON(ctx, target, env, nil)
}

// AgentOutput probes a single agent's output endpoint. The orphan sweep
// uses this as a liveness probe for records that stopped advancing.
func (w *WorkerClient) AgentOutput(ctx context.Context, workerURL, agentID string) (json.RawMessage, error) {
	target := fmt.Sprintf("%s/agent/%s/output", baseURL(workerURL), url.PathEscape(agentID))
	var out json.RawMessage
	if err := w.http.GetJSON(ctx, target, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// workerAgentsResponse is the worker's reply to roster and statistics pulls
type workerAgentsResponse struct {
	Agents []types.AgentSummary `json:"agents"`
}

// MissionAgents pulls the worker's roster for one mission
func (w *WorkerClient) MissionAgents(ctx context.Context, workerURL, missionID string) ([]types.AgentSummary, error) {
	target := fmt.Sprintf("%s/mission/%s/agents", baseURL(workerURL), url.PathEscape(missionID))
	var resp workerAgentsResponse
	if err := w.http.GetJSON(ctx, target, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// Statistics pulls per-mission agent summaries from one worker
func (w *WorkerClient) Statistics(ctx context.Context, workerURL, missionID string) ([]types.AgentSummary, error) {
	target := fmt.Sprintf("%s/statistics?missionId=%s", baseURL(workerURL), url.QueryEscape(missionID))
	var resp workerAgentsResponse
	if err := w.http.GetJSON(ctx, target, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}
