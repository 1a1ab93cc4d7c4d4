package placement

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/stagecraft/trafficcore/pkg/events"
	"github.com/stagecraft/trafficcore/pkg/log"
	"github.com/stagecraft/trafficcore/pkg/metrics"
	"github.com/stagecraft/trafficcore/pkg/registry"
	"github.com/stagecraft/trafficcore/pkg/types"
)

// PrimaryWorkerID is the canonical bootstrap worker entry. It is a
// placeholder the deploy system is expected to materialize; the core never
// spawns a process for it.
const PrimaryWorkerID = "primary"

type placementEntry struct {
	workerID  string
	missionID string
}

// Engine decides agent placement and maintains the agent to worker mapping
type Engine struct {
	mu         sync.Mutex
	registry   *registry.Registry
	placements map[string]placementEntry

	primaryURL      string
	primaryCapacity int

	broker *events.Broker
	logger zerolog.Logger
}

// Config holds engine construction parameters
type Config struct {
	Registry        *registry.Registry
	PrimaryURL      string
	PrimaryCapacity int
	Broker          *events.Broker
}

// NewEngine creates a placement engine over the given registry
func NewEngine(cfg Config) *Engine {
	return &Engine{
		registry:        cfg.Registry,
		placements:      make(map[string]placementEntry),
		primaryURL:      cfg.PrimaryURL,
		primaryCapacity: cfg.PrimaryCapacity,
		broker:          cfg.Broker,
		logger:          log.WithComponent("placement"),
	}
}

// Place selects a worker for the agent, increments its occupancy, and
// records the mapping. If every worker is saturated it bootstraps the
// primary worker entry exactly once and retries; failing that, the call
// fails with NoCapacity rather than queueing.
func (e *Engine) Place(agentID, missionID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.placements[agentID]; exists {
		return "", types.NewError(types.KindConflict, "placement", "Place",
			"agent %s already placed", agentID)
	}

	workerID, ok := e.pickLocked("")
	if !ok {
		e.bootstrapPrimaryLocked()
		workerID, ok = e.pickLocked("")
	}
	if !ok {
		metrics.PlacementFailures.Inc()
		return "", types.NewError(types.KindNoCapacity, "placement", "Place",
			"no worker with headroom for agent %s", agentID)
	}

	if err := e.registry.AdjustOccupancy(workerID, 1); err != nil {
		metrics.PlacementFailures.Inc()
		return "", types.WrapError(types.KindOf(err), "placement", "Place", err)
	}

	e.placements[agentID] = placementEntry{workerID: workerID, missionID: missionID}
	e.registry.RecordPlacement(workerID)
	metrics.AgentsPlaced.Inc()
	metrics.PlacementsTotal.Set(float64(len(e.placements)))

	e.logger.Debug().Str("agent_id", agentID).Str("worker_id", workerID).
		Str("mission_id", missionID).Msg("agent placed")
	if e.broker != nil {
		e.broker.Publish(&events.Event{
			Type:     events.EventAgentPlaced,
			Metadata: map[string]string{"agent_id": agentID, "worker_id": workerID},
		})
	}
	return workerID, nil
}

// Assign records an agent on a specific worker, incrementing its occupancy.
// Used by the startup rebuild and by location updates reported from outside;
// normal creation goes through Place.
func (e *Engine) Assign(agentID, missionID, workerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.placements[agentID]; exists {
		return types.NewError(types.KindConflict, "placement", "Assign",
			"agent %s already placed", agentID)
	}
	if err := e.registry.AdjustOccupancy(workerID, 1); err != nil {
		return types.WrapError(types.KindOf(err), "placement", "Assign", err)
	}

	e.placements[agentID] = placementEntry{workerID: workerID, missionID: missionID}
	metrics.PlacementsTotal.Set(float64(len(e.placements)))
	return nil
}

// Release removes the agent's placement and returns its worker slot
func (e *Engine) Release(agentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.releaseLocked(agentID)
}

func (e *Engine) releaseLocked(agentID string) error {
	entry, ok := e.placements[agentID]
	if !ok {
		return types.NewError(types.KindNotFound, "placement", "Release",
			"agent %s has no placement", agentID)
	}

	delete(e.placements, agentID)
	metrics.PlacementsTotal.Set(float64(len(e.placements)))

	if err := e.registry.AdjustOccupancy(entry.workerID, -1); err != nil {
		// The worker may already be gone; the mapping is removed regardless.
		e.logger.Warn().Err(err).Str("agent_id", agentID).
			Str("worker_id", entry.workerID).Msg("occupancy decrement failed on release")
	}
	return nil
}

// Locate returns the worker currently hosting the agent
func (e *Engine) Locate(agentID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.placements[agentID]
	if !ok {
		return "", false
	}
	return entry.workerID, true
}

// Relocate moves an agent to a specific worker, transferring occupancy.
// The target increment happens before the source decrement so capacity is
// never exceeded and the count never dips below the true placement size.
func (e *Engine) Relocate(agentID, newWorkerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.relocateLocked(agentID, newWorkerID)
}

func (e *Engine) relocateLocked(agentID, newWorkerID string) error {
	entry, ok := e.placements[agentID]
	if !ok {
		return types.NewError(types.KindNotFound, "placement", "Relocate",
			"agent %s has no placement", agentID)
	}
	if entry.workerID == newWorkerID {
		return nil
	}

	if err := e.registry.AdjustOccupancy(newWorkerID, 1); err != nil {
		return types.WrapError(types.KindOf(err), "placement", "Relocate", err)
	}
	if err := e.registry.AdjustOccupancy(entry.workerID, -1); err != nil {
		e.logger.Warn().Err(err).Str("worker_id", entry.workerID).
			Msg("occupancy decrement failed on relocate")
	}

	entry.workerID = newWorkerID
	e.placements[agentID] = entry
	return nil
}

// Reassign moves every agent off a lost worker onto replacements chosen by
// the selection policy, emitting a relocation event per agent. Agents with
// no viable replacement stay mapped to the lost worker until a later tick.
func (e *Engine) Reassign(lostWorkerID string) []types.RelocationEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	var moved []types.RelocationEvent
	for agentID, entry := range e.placements {
		if entry.workerID != lostWorkerID {
			continue
		}

		newWorkerID, ok := e.pickLocked(lostWorkerID)
		if !ok {
			e.logger.Warn().Str("agent_id", agentID).Str("worker_id", lostWorkerID).
				Msg("no replacement worker, agent remains on lost worker")
			continue
		}
		if err := e.relocateLocked(agentID, newWorkerID); err != nil {
			e.logger.Error().Err(err).Str("agent_id", agentID).Msg("relocation failed")
			continue
		}

		url := ""
		if w, ok := e.registry.Get(newWorkerID); ok {
			url = w.URL
		}
		ev := types.RelocationEvent{
			AgentID:     agentID,
			MissionID:   entry.missionID,
			FromWorker:  lostWorkerID,
			ToWorker:    newWorkerID,
			ToWorkerURL: url,
		}
		moved = append(moved, ev)
		metrics.AgentsRelocated.Inc()

		e.logger.Info().Str("agent_id", agentID).Str("from", lostWorkerID).
			Str("to", newWorkerID).Msg("agent relocated")
		if e.broker != nil {
			e.broker.Publish(&events.Event{
				Type: events.EventAgentRelocated,
				Metadata: map[string]string{
					"agent_id":   agentID,
					"mission_id": entry.missionID,
					"from":       lostWorkerID,
					"to":         newWorkerID,
				},
			})
		}
	}
	return moved
}

// AgentsOn returns the agents currently mapped to a worker
func (e *Engine) AgentsOn(workerID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var agents []string
	for agentID, entry := range e.placements {
		if entry.workerID == workerID {
			agents = append(agents, agentID)
		}
	}
	return agents
}

// MissionAgents returns the placed agents belonging to a mission
func (e *Engine) MissionAgents(missionID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var agents []string
	for agentID, entry := range e.placements {
		if entry.missionID == missionID {
			agents = append(agents, agentID)
		}
	}
	return agents
}

// Count returns the number of live placements
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.placements)
}

// pickLocked selects the first worker in registration order with headroom,
// skipping exclude. Registration order makes selection deterministic;
// occupancy and id order only matter if registration instants collide.
func (e *Engine) pickLocked(exclude string) (string, bool) {
	var best *types.Worker
	workers := e.registry.List()
	for i := range workers {
		w := &workers[i]
		if w.ID == exclude || w.State != types.WorkerStateKnown {
			continue
		}
		if w.Occupancy >= w.Capacity {
			continue
		}
		if best == nil {
			best = w
			continue
		}
		if w.RegisteredAt.Equal(best.RegisteredAt) &&
			(w.Occupancy < best.Occupancy ||
				(w.Occupancy == best.Occupancy && w.ID < best.ID)) {
			best = w
		}
	}
	if best == nil {
		return "", false
	}
	return best.ID, true
}

// bootstrapPrimaryLocked ensures the canonical primary worker entry exists.
// Registration is idempotent, so repeated bootstraps are harmless.
func (e *Engine) bootstrapPrimaryLocked() {
	if e.primaryURL == "" {
		return
	}
	if _, ok := e.registry.Get(PrimaryWorkerID); ok {
		return
	}
	if err := e.registry.Register(PrimaryWorkerID, e.primaryURL, e.primaryCapacity); err != nil {
		e.logger.Error().Err(err).Msg("primary worker bootstrap failed")
		return
	}
	e.logger.Info().Str("url", e.primaryURL).Int("capacity", e.primaryCapacity).
		Msg("bootstrapped primary worker entry")
}
