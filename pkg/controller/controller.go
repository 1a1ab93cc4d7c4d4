package controller

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stagecraft/trafficcore/pkg/client"
	"github.com/stagecraft/trafficcore/pkg/config"
	"github.com/stagecraft/trafficcore/pkg/depgraph"
	"github.com/stagecraft/trafficcore/pkg/events"
	"github.com/stagecraft/trafficcore/pkg/log"
	"github.com/stagecraft/trafficcore/pkg/metrics"
	"github.com/stagecraft/trafficcore/pkg/placement"
	"github.com/stagecraft/trafficcore/pkg/registry"
	"github.com/stagecraft/trafficcore/pkg/types"
)

const (
	unaryTimeout  = 10 * time.Second
	fanoutTimeout = 30 * time.Second

	// reaperIdleWindow is how long a worker must sit empty with no creates
	// before it is flagged drain-eligible.
	reaperIdleWindow = 5 * time.Minute
)

// Controller is the public surface of the traffic core. It owns the record
// store and the dependency graph and drives the registry and placement
// engine in response to external requests and worker reports.
type Controller struct {
	cfg            *config.Config
	registry       *registry.Registry
	placement      *placement.Engine
	graph          *depgraph.Graph
	records        *RecordStore
	workers        *client.WorkerClient
	missionControl *client.MissionControlClient
	broker         *events.Broker

	logger zerolog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Deps are the collaborators injected into the controller
type Deps struct {
	Registry       *registry.Registry
	Placement      *placement.Engine
	Workers        *client.WorkerClient
	MissionControl *client.MissionControlClient
	Broker         *events.Broker
}

// New creates a controller, wires the dependency graph's status oracle to
// the record store, and installs the worker-loss handler.
func New(cfg *config.Config, deps Deps) *Controller {
	c := &Controller{
		cfg:            cfg,
		registry:       deps.Registry,
		placement:      deps.Placement,
		workers:        deps.Workers,
		missionControl: deps.MissionControl,
		broker:         deps.Broker,
		records:        NewRecordStore(),
		logger:         log.WithComponent("controller"),
		stopCh:         make(chan struct{}),
	}
	c.graph = depgraph.NewGraph(depgraph.OracleFunc(c.records.State))
	c.registry.SetLossHandler(c.handleWorkerLoss)
	return c
}

// Graph exposes the dependency graph for the HTTP layer and tests
func (c *Controller) Graph() *depgraph.Graph {
	return c.graph
}

// Records exposes the record store for the HTTP layer and tests
func (c *Controller) Records() *RecordStore {
	return c.records
}

// CreateAgent accepts a creation request: declares dependencies, and either
// parks the agent Pending or places it and forwards the addAgent
// instruction to the chosen worker.
func (c *Controller) CreateAgent(ctx context.Context, req *types.CreateAgentRequest) (*types.CreateAgentResponse, error) {
	if err := types.ValidateMissionID(req.MissionID); err != nil {
		return nil, err
	}
	for _, dep := range req.Dependencies {
		if err := types.ValidateAgentID(dep); err != nil {
			return nil, err
		}
	}

	agentID := uuid.New().String()
	add := &types.AddAgentRequest{
		AgentID:        agentID,
		ActionVerb:     req.ActionVerb,
		Inputs:         req.Inputs,
		MissionID:      req.MissionID,
		MissionContext: req.MissionContext,
	}

	c.graph.Declare(agentID, req.Dependencies)

	if len(req.Dependencies) > 0 && !c.graph.Satisfied(agentID) {
		record := types.AgentRecord{
			AgentID:   agentID,
			MissionID: req.MissionID,
			State:     types.AgentStatePending,
		}
		if err := c.records.Create(record, add); err != nil {
			c.graph.Purge(agentID)
			return nil, err
		}
		c.logger.Info().Str("agent_id", agentID).Str("mission_id", req.MissionID).
			Int("prerequisites", len(req.Dependencies)).Msg("agent parked pending prerequisites")
		return &types.CreateAgentResponse{AgentID: agentID, Pending: true}, nil
	}

	workerID, err := c.placement.Place(agentID, req.MissionID)
	if err != nil {
		c.graph.Purge(agentID)
		return nil, err
	}
	worker, _ := c.registry.Get(workerID)

	record := types.AgentRecord{
		AgentID:   agentID,
		MissionID: req.MissionID,
		WorkerID:  workerID,
		State:     types.AgentStateInitializing,
	}
	if err := c.records.Create(record, add); err != nil {
		_ = c.placement.Release(agentID)
		c.graph.Purge(agentID)
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, unaryTimeout)
	defer cancel()
	if err := c.workers.AddAgent(cctx, worker.URL, add); err != nil {
		// Creation is not re-tried on another worker; undo and report.
		_ = c.placement.Release(agentID)
		c.records.Delete(agentID)
		c.graph.Purge(agentID)
		return nil, err
	}
	c.records.MarkForwarded(agentID)

	return &types.CreateAgentResponse{AgentID: agentID, Pending: false}, nil
}

// MissionCommand fans a pause/abort/resume out to every worker and applies
// the mission-local side effects for abort and resume.
func (c *Controller) MissionCommand(ctx context.Context, op types.MissionCommand, missionID string) (*types.FanoutResponse, error) {
	if err := types.ValidateMissionID(missionID); err != nil {
		return nil, err
	}

	resp := c.fanout(ctx, string(op), func(fctx context.Context, w types.Worker) error {
		return c.workers.MissionCommand(fctx, w.URL, op, missionID)
	})

	switch op {
	case types.MissionCommandAbort:
		c.abortMissionLocal(missionID)
	case types.MissionCommandResume:
		c.reevaluateMission(ctx, missionID)
	}
	return resp, nil
}

// abortMissionLocal releases placements and purges graph nodes for every
// agent of an aborted mission. Pause deliberately has no local counterpart.
func (c *Controller) abortMissionLocal(missionID string) {
	for _, record := range c.records.ByMission(missionID) {
		c.records.SetState(record.AgentID, types.AgentStateAborted, nil)
		if err := c.placement.Release(record.AgentID); err != nil && !types.IsKind(err, types.KindNotFound) {
			c.logger.Warn().Err(err).Str("agent_id", record.AgentID).Msg("release on abort failed")
		}
		c.graph.Purge(record.AgentID)
		c.records.Delete(record.AgentID)
	}
	c.logger.Info().Str("mission_id", missionID).Msg("mission aborted, local state cleaned")
}

// reevaluateMission re-checks satisfaction for the mission's Pending agents
func (c *Controller) reevaluateMission(ctx context.Context, missionID string) {
	for _, record := range c.records.ByMission(missionID) {
		if record.State != types.AgentStatePending {
			continue
		}
		if c.graph.Satisfied(record.AgentID) {
			c.promote(ctx, record.AgentID)
		}
	}
}

// ResumeAgent issues a targeted resume to the agent's worker
func (c *Controller) ResumeAgent(ctx context.Context, agentID string) error {
	workerID, ok := c.placement.Locate(agentID)
	if !ok {
		return types.NewError(types.KindNotFound, "controller", "ResumeAgent",
			"agent %s has no placement", agentID)
	}
	worker, ok := c.registry.Get(workerID)
	if !ok {
		return types.NewError(types.KindNotFound, "controller", "ResumeAgent",
			"worker %s not in registry", workerID)
	}

	cctx, cancel := context.WithTimeout(ctx, unaryTimeout)
	defer cancel()
	return c.workers.ResumeAgent(cctx, worker.URL, agentID)
}

// HandleStatusUpdate ingests a worker's report for one agent: records the
// state, forwards statistics to mission control, and on completion releases
// the slot and unblocks satisfied dependents.
func (c *Controller) HandleStatusUpdate(ctx context.Context, update *types.StatusUpdate) error {
	if update.AgentID == "" {
		return types.NewError(types.KindValidation, "controller", "HandleStatusUpdate",
			"missing agent id")
	}

	if _, ok := c.records.Get(update.AgentID); !ok {
		// First sight of this agent; its mission becomes known here.
		workerID, _ := c.placement.Locate(update.AgentID)
		record := types.AgentRecord{
			AgentID:    update.AgentID,
			MissionID:  update.MissionID,
			WorkerID:   workerID,
			State:      update.Status,
			Statistics: update.Statistics,
		}
		if err := c.records.Create(record, nil); err != nil {
			return err
		}
	} else if !c.records.SetState(update.AgentID, update.Status, update.Statistics) {
		c.logger.Debug().Str("agent_id", update.AgentID).Str("state", string(update.Status)).
			Msg("state update ignored for terminal agent")
		return nil
	}

	if c.broker != nil {
		c.broker.Publish(&events.Event{
			Type: events.EventAgentStateChanged,
			Metadata: map[string]string{
				"agent_id": update.AgentID,
				"state":    string(update.Status),
			},
		})
	}

	// Statistics forwarding is fire-and-forget; a broken collector must
	// never fail the reporting worker.
	if c.missionControl != nil {
		forwarded := *update
		go func() {
			fctx, cancel := context.WithTimeout(context.Background(), unaryTimeout)
			defer cancel()
			if err := c.missionControl.ForwardStatistics(fctx, &forwarded); err != nil {
				c.logger.Warn().Err(err).Str("agent_id", forwarded.AgentID).
					Msg("statistics forward to mission control failed")
			}
		}()
	}

	switch update.Status {
	case types.AgentStateCompleted, types.AgentStateAborted:
		c.finalizeAgent(ctx, update.AgentID)
	case types.AgentStateError:
		// Dependents stay Pending; the agent may be explicitly resumed.
		c.logger.Warn().Str("agent_id", update.AgentID).Msg("agent reported error")
	}
	return nil
}

// finalizeAgent runs terminal-state cleanup: release the placement, resume
// any now-satisfied dependents, then purge the graph node and drop the
// record. Satisfaction is evaluated before the purge so the terminal state
// is still visible to the oracle.
func (c *Controller) finalizeAgent(ctx context.Context, agentID string) {
	if err := c.placement.Release(agentID); err != nil && !types.IsKind(err, types.KindNotFound) {
		c.logger.Warn().Err(err).Str("agent_id", agentID).Msg("release on terminal state failed")
	}

	for _, dependent := range c.graph.OnCompleted(agentID) {
		if c.graph.Satisfied(dependent) {
			c.promote(ctx, dependent)
		}
	}

	c.graph.Purge(agentID)
	c.records.Delete(agentID)
}

// promote moves a Pending agent whose prerequisites are satisfied onto a
// worker and resumes it there
func (c *Controller) promote(ctx context.Context, agentID string) {
	record, ok := c.records.Get(agentID)
	if !ok || record.State != types.AgentStatePending {
		return
	}

	workerID := record.WorkerID
	if workerID == "" {
		var err error
		workerID, err = c.placement.Place(agentID, record.MissionID)
		if err != nil {
			c.logger.Warn().Err(err).Str("agent_id", agentID).
				Msg("cannot place unblocked agent, leaving pending")
			return
		}
		c.records.SetWorker(agentID, workerID)
	}
	worker, ok := c.registry.Get(workerID)
	if !ok {
		c.logger.Error().Str("agent_id", agentID).Str("worker_id", workerID).
			Msg("placed on unknown worker")
		return
	}

	cctx, cancel := context.WithTimeout(ctx, unaryTimeout)
	defer cancel()

	add, forwarded := c.records.AddPayload(agentID)
	if add != nil && !forwarded {
		if err := c.workers.AddAgent(cctx, worker.URL, add); err != nil {
			c.logger.Warn().Err(err).Str("agent_id", agentID).
				Msg("addAgent for unblocked agent failed, leaving pending")
			_ = c.placement.Release(agentID)
			c.records.SetWorker(agentID, "")
			return
		}
		c.records.MarkForwarded(agentID)
	}

	if err := c.workers.ResumeAgent(cctx, worker.URL, agentID); err != nil {
		c.logger.Warn().Err(err).Str("agent_id", agentID).Msg("resume of unblocked agent failed")
		return
	}

	c.records.SetState(agentID, types.AgentStateRunning, nil)
	metrics.AgentsUnblocked.Inc()
	c.logger.Info().Str("agent_id", agentID).Str("worker_id", workerID).
		Msg("agent unblocked and resumed")
	if c.broker != nil {
		c.broker.Publish(&events.Event{
			Type:     events.EventAgentUnblocked,
			Metadata: map[string]string{"agent_id": agentID, "worker_id": workerID},
		})
	}
}

// Forward routes a message envelope. Agent-addressed envelopes go to the
// hosting worker; AGENT_UPDATE envelopes feed the status path; anything
// else is accepted and logged.
func (c *Controller) Forward(ctx context.Context, env *types.MessageEnvelope) error {
	if env.ForAgent != "" {
		workerID, ok := c.placement.Locate(env.ForAgent)
		if !ok {
			return types.NewError(types.KindNotFound, "controller", "Forward",
				"agent %s has no placement", env.ForAgent)
		}
		worker, ok := c.registry.Get(workerID)
		if !ok {
			return types.NewError(types.KindNotFound, "controller", "Forward",
				"worker %s not in registry", workerID)
		}
		cctx, cancel := context.WithTimeout(ctx, unaryTimeout)
		defer cancel()
		return c.workers.SendAgentMessage(cctx, worker.URL, env.ForAgent, env)
	}

	switch env.Type {
	case types.MessageTypeAgentUpdate:
		var update types.StatusUpdate
		if err := json.Unmarshal(env.Content, &update); err != nil {
			return types.NewError(types.KindValidation, "controller", "Forward",
				"malformed AGENT_UPDATE content: %v", err)
		}
		return c.HandleStatusUpdate(ctx, &update)
	default:
		c.logger.Debug().Str("type", env.Type).Str("sender", env.Sender).
			Msg("message accepted without routing")
		return nil
	}
}

// CheckBlocked re-evaluates the dependents of a completed agent and
// promotes those whose prerequisites are now satisfied
func (c *Controller) CheckBlocked(ctx context.Context, completedAgentID string) {
	for _, dependent := range c.graph.OnCompleted(completedAgentID) {
		if c.graph.Satisfied(dependent) {
			c.promote(ctx, dependent)
		}
	}
}

// DependentAgents lists the agents gated on the given agent
func (c *Controller) DependentAgents(agentID string) []string {
	return c.graph.DependentsOf(agentID)
}

// AgentLocation resolves an agent to its worker URL
func (c *Controller) AgentLocation(agentID string) (*types.AgentLocation, error) {
	workerID, ok := c.placement.Locate(agentID)
	if !ok {
		return nil, types.NewError(types.KindNotFound, "controller", "AgentLocation",
			"agent %s has no placement", agentID)
	}
	worker, ok := c.registry.Get(workerID)
	if !ok {
		return nil, types.NewError(types.KindNotFound, "controller", "AgentLocation",
			"worker %s not in registry", workerID)
	}
	return &types.AgentLocation{AgentID: agentID, WorkerURL: worker.URL}, nil
}

// UpdateAgentLocation records an externally reported move of an agent onto
// the worker with the given URL
func (c *Controller) UpdateAgentLocation(agentID, workerURL string) error {
	if err := types.ValidateWorkerURL(workerURL); err != nil {
		return err
	}

	var workerID string
	for _, w := range c.registry.List() {
		if w.URL == workerURL && w.State != types.WorkerStateRemoved {
			workerID = w.ID
			break
		}
	}
	if workerID == "" {
		return types.NewError(types.KindNotFound, "controller", "UpdateAgentLocation",
			"no registered worker with url %s", workerURL)
	}

	if _, placed := c.placement.Locate(agentID); placed {
		if err := c.placement.Relocate(agentID, workerID); err != nil {
			return err
		}
	} else {
		missionID := ""
		if record, ok := c.records.Get(agentID); ok {
			missionID = record.MissionID
		}
		if err := c.placement.Assign(agentID, missionID, workerID); err != nil {
			return err
		}
	}
	c.records.SetWorker(agentID, workerID)
	return nil
}

// handleWorkerLoss reassigns agents off a removed worker and re-sends each
// moved agent's instruction to its new host
func (c *Controller) handleWorkerLoss(workerID string) {
	moved := c.placement.Reassign(workerID)
	for _, ev := range moved {
		c.records.SetWorker(ev.AgentID, ev.ToWorker)

		add, _ := c.records.AddPayload(ev.AgentID)
		if add == nil {
			add = &types.AddAgentRequest{AgentID: ev.AgentID, MissionID: ev.MissionID}
		}

		go func(ev types.RelocationEvent, add *types.AddAgentRequest) {
			ctx, cancel := context.WithTimeout(context.Background(), unaryTimeout)
			defer cancel()
			if err := c.workers.AddAgent(ctx, ev.ToWorkerURL, add); err != nil {
				c.logger.Error().Err(err).Str("agent_id", ev.AgentID).
					Str("worker_id", ev.ToWorker).Msg("state re-send after relocation failed")
				return
			}
			c.records.MarkForwarded(ev.AgentID)
		}(ev, add)
	}
}
