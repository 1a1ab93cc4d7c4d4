package controller

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stagecraft/trafficcore/pkg/config"
	"github.com/stagecraft/trafficcore/pkg/events"
	"github.com/stagecraft/trafficcore/pkg/types"
)

// Start launches the background maintenance loops: worker refresh,
// empty-set reaper, and orphan sweep
func (c *Controller) Start() {
	c.wg.Add(3)
	go c.refreshLoop()
	go c.reaperLoop()
	go c.orphanLoop()
}

// Stop halts the loops and waits for them to drain
func (c *Controller) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// refreshLoop reconciles the registry against the service registry
func (c *Controller) refreshLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.WorkerRefreshInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), unaryTimeout)
			if err := c.registry.Refresh(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("worker refresh failed")
			}
			cancel()
		case <-c.stopCh:
			return
		}
	}
}

// reaperLoop flags workers that have sat empty past the idle window. The
// deploy collaborator is notified via the message hub; the worker is never
// removed from the registry here, only marked Draining until the registry
// stops reporting it.
func (c *Controller) reaperLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.ReaperInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.reapEmptyWorkers()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Controller) reapEmptyWorkers() {
	now := time.Now()
	for _, w := range c.registry.List() {
		if w.State != types.WorkerStateKnown || w.Occupancy != 0 {
			continue
		}
		idleSince := w.LastPlacement
		if idleSince.IsZero() {
			idleSince = w.RegisteredAt
		}
		if now.Sub(idleSince) < reaperIdleWindow {
			continue
		}

		if err := c.registry.MarkDraining(w.ID); err != nil {
			continue
		}
		c.logger.Info().Str("worker_id", w.ID).Msg("idle worker flagged for removal")

		content, _ := json.Marshal(map[string]string{"workerId": w.ID, "url": w.URL})
		env := &types.MessageEnvelope{
			Type:    "WORKER_DRAIN_ELIGIBLE",
			Sender:  "TrafficManager",
			Content: content,
		}
		ctx, cancel := context.WithTimeout(context.Background(), unaryTimeout)
		if err := c.workers.SendMessage(ctx, c.cfg.PostOfficeURL, env); err != nil {
			c.logger.Warn().Err(err).Str("worker_id", w.ID).
				Msg("drain notification to deploy collaborator failed")
		}
		cancel()
	}
}

// orphanLoop probes agents whose records stopped advancing
func (c *Controller) orphanLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.OrphanSweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweepOrphans()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Controller) sweepOrphans() {
	cutoff := time.Now().Add(-c.cfg.OrphanSweepInterval())
	for _, record := range c.records.StaleBefore(cutoff) {
		if record.WorkerID == "" {
			// Pending on prerequisites, nothing to probe.
			continue
		}
		worker, ok := c.registry.Get(record.WorkerID)
		if !ok {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), unaryTimeout)
		_, err := c.workers.AgentOutput(ctx, worker.URL, record.AgentID)
		cancel()

		switch {
		case err == nil:
			// Worker still knows the agent; just slow.
		case types.IsKind(err, types.KindNotFound):
			c.logger.Warn().Str("agent_id", record.AgentID).Str("worker_id", record.WorkerID).
				Msg("worker no longer hosts stale agent, marking unknown")
			c.records.SetState(record.AgentID, types.AgentStateUnknown, nil)
		default:
			c.logger.Warn().Err(err).Str("agent_id", record.AgentID).
				Msg("orphan probe failed")
		}
	}
}

// Rebuild reconstructs in-memory state after a restart: seed workers are
// registered, the registry is refreshed once, and rosters are pulled for
// the seed missions. Missions not in the seed are learned from their first
// status update.
func (c *Controller) Rebuild(ctx context.Context, seed *config.SeedFile) {
	for _, w := range seed.Workers {
		if err := c.registry.Register(w.ID, w.URL, w.Capacity); err != nil {
			c.logger.Warn().Err(err).Str("worker_id", w.ID).Msg("seed worker rejected")
		}
	}

	if err := c.registry.Refresh(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("initial registry refresh failed, continuing with seed workers")
	}

	for _, missionID := range seed.Missions {
		for _, w := range c.registry.List() {
			if w.State != types.WorkerStateKnown {
				continue
			}
			rctx, cancel := context.WithTimeout(ctx, unaryTimeout)
			agents, err := c.workers.MissionAgents(rctx, w.URL, missionID)
			cancel()
			if err != nil {
				c.logger.Warn().Err(err).Str("worker_id", w.ID).
					Str("mission_id", missionID).Msg("roster pull failed during rebuild")
				continue
			}

			for _, agent := range agents {
				record := types.AgentRecord{
					AgentID:    agent.AgentID,
					MissionID:  missionID,
					WorkerID:   w.ID,
					State:      agent.Status,
					Statistics: agent.Statistics,
				}
				if err := c.records.Create(record, nil); err != nil {
					continue // already known from another worker
				}
				if !agent.Status.Terminal() {
					if err := c.placement.Assign(agent.AgentID, missionID, w.ID); err != nil {
						c.logger.Warn().Err(err).Str("agent_id", agent.AgentID).
							Msg("placement rebuild failed")
					} else {
						c.records.MarkForwarded(agent.AgentID)
					}
				}
			}
		}
	}

	if c.broker != nil && c.records.Count() > 0 {
		c.broker.Publish(&events.Event{
			Type:    events.EventAgentStateChanged,
			Message: "state rebuilt from worker rosters",
		})
	}
	c.logger.Info().Int("agents", c.records.Count()).Int("workers", len(c.registry.List())).
		Msg("startup rebuild complete")
}
