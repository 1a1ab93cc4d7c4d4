package controller

import (
	"context"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/stagecraft/trafficcore/pkg/metrics"
	"github.com/stagecraft/trafficcore/pkg/types"
)

// fanoutTargets are the workers a mission-wide operation addresses:
// everything not yet Removed, including Unreachable ones, whose failures
// then show up in the per-worker detail.
func (c *Controller) fanoutTargets() []types.Worker {
	var targets []types.Worker
	for _, w := range c.registry.List() {
		if w.State != types.WorkerStateRemoved {
			targets = append(targets, w)
		}
	}
	return targets
}

// fanout runs fn against every target worker concurrently and aggregates
// the outcome. Per-worker errors never abort siblings; the response is
// always complete, with Partial set when anything failed. Concurrency is
// bounded by the registry size, one in-flight call per worker.
func (c *Controller) fanout(ctx context.Context, op string, fn func(ctx context.Context, w types.Worker) error) *types.FanoutResponse {
	targets := c.fanoutTargets()

	fctx, cancel := context.WithTimeout(ctx, fanoutTimeout)
	defer cancel()

	results := make([]types.WorkerResult, len(targets))
	var wg sync.WaitGroup
	for i, worker := range targets {
		wg.Add(1)
		go func(i int, worker types.Worker) {
			defer wg.Done()
			result := types.WorkerResult{WorkerID: worker.ID, URL: worker.URL, OK: true}
			if err := fn(fctx, worker); err != nil {
				result.OK = false
				result.Error = err.Error()
				metrics.FanoutWorkerFailures.WithLabelValues(op).Inc()
			}
			results[i] = result
		}(i, worker)
	}
	wg.Wait()

	resp := &types.FanoutResponse{PerWorker: results}
	var errs *multierror.Error
	for _, r := range results {
		if !r.OK {
			resp.Partial = true
			errs = multierror.Append(errs, types.NewError(types.KindUnreachable,
				"controller", op, "worker %s: %s", r.WorkerID, r.Error))
		}
	}
	if errs != nil {
		c.logger.Warn().Int("failed", errs.Len()).Int("total", len(targets)).
			Str("op", op).Msg("fan-out completed with partial failures")
	}
	return resp
}

// Statistics aggregates per-mission agent summaries across all workers.
// The response is always a 200 best-effort view; failed workers contribute
// zero agents and flip the partial indicator.
func (c *Controller) Statistics(ctx context.Context, missionID string) (*types.MissionStatistics, error) {
	if err := types.ValidateMissionID(missionID); err != nil {
		return nil, err
	}

	agg := &types.MissionStatistics{
		MissionID:     missionID,
		AgentsByState: make(map[types.AgentState][]types.AgentSummary),
	}
	var mu sync.Mutex

	resp := c.fanout(ctx, "statistics", func(fctx context.Context, w types.Worker) error {
		summaries, err := c.workers.Statistics(fctx, w.URL, missionID)
		if err != nil {
			return err
		}

		mu.Lock()
		defer mu.Unlock()
		if len(summaries) > 0 {
			agg.WorkerCount++
		}
		agg.TotalAgents += len(summaries)
		for _, s := range summaries {
			agg.AgentsByState[s.Status] = append(agg.AgentsByState[s.Status], s)
		}
		return nil
	})

	// Deterministic ordering within each state bucket keeps aggregation
	// independent of worker response order.
	for state := range agg.AgentsByState {
		bucket := agg.AgentsByState[state]
		sort.Slice(bucket, func(i, j int) bool { return bucket[i].AgentID < bucket[j].AgentID })
	}

	agg.Partial = resp.Partial
	return agg, nil
}

// Roster returns the flat concatenation of worker-reported agent records
// for a mission
func (c *Controller) Roster(ctx context.Context, missionID string) ([]types.AgentSummary, bool, error) {
	if err := types.ValidateMissionID(missionID); err != nil {
		return nil, false, err
	}

	var mu sync.Mutex
	var roster []types.AgentSummary

	resp := c.fanout(ctx, "roster", func(fctx context.Context, w types.Worker) error {
		agents, err := c.workers.MissionAgents(fctx, w.URL, missionID)
		if err != nil {
			return err
		}
		mu.Lock()
		roster = append(roster, agents...)
		mu.Unlock()
		return nil
	})

	sort.Slice(roster, func(i, j int) bool { return roster[i].AgentID < roster[j].AgentID })
	return roster, resp.Partial, nil
}
