package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stagecraft/trafficcore/pkg/events"
	"github.com/stagecraft/trafficcore/pkg/log"
	"github.com/stagecraft/trafficcore/pkg/metrics"
	"github.com/stagecraft/trafficcore/pkg/types"
)

// DefaultRemovalThreshold is how many consecutive refresh misses a worker
// survives before transitioning to Removed.
const DefaultRemovalThreshold = 3

// DiscoveredWorker is one entry from the external service registry
type DiscoveredWorker struct {
	ID  string
	URL string
}

// InventoryFetcher retrieves the worker inventory from the external service
// registry. Injected so the registry is testable without HTTP.
type InventoryFetcher interface {
	FetchWorkers(ctx context.Context) ([]DiscoveredWorker, error)
}

// LossHandler is invoked, outside the registry lock, for every worker that
// transitions to Removed. The placement engine hooks this for reassignment.
type LossHandler func(workerID string)

// Registry is the authoritative view of the worker pool
type Registry struct {
	mu      sync.Mutex
	workers map[string]*types.Worker
	order   []string // registration order, drives selection determinism

	removalThreshold int
	defaultCapacity  int // capacity assumed for discovered workers

	fetcher InventoryFetcher
	broker  *events.Broker
	onLoss  LossHandler
	logger  zerolog.Logger
}

// Config holds registry construction parameters
type Config struct {
	RemovalThreshold int
	DefaultCapacity  int
	Fetcher          InventoryFetcher
	Broker           *events.Broker
}

// NewRegistry creates an empty registry
func NewRegistry(cfg Config) *Registry {
	threshold := cfg.RemovalThreshold
	if threshold < 1 {
		threshold = DefaultRemovalThreshold
	}
	capacity := cfg.DefaultCapacity
	if capacity < 1 {
		capacity = 250
	}
	return &Registry{
		workers:          make(map[string]*types.Worker),
		removalThreshold: threshold,
		defaultCapacity:  capacity,
		fetcher:          cfg.Fetcher,
		broker:           cfg.Broker,
		logger:           log.WithComponent("registry"),
	}
}

// SetLossHandler installs the worker-loss callback. Must be called before
// the refresh loop starts.
func (r *Registry) SetLossHandler(fn LossHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLoss = fn
}

// Register adds a worker or refreshes an existing entry. Idempotent: a
// re-registration with a new URL updates the URL and marks the worker Known
// without touching occupancy.
func (r *Registry) Register(workerID, url string, capacity int) error {
	if workerID == "" {
		return types.NewError(types.KindValidation, "registry", "Register", "empty worker id")
	}
	if err := types.ValidateWorkerURL(url); err != nil {
		return err
	}
	if err := types.ValidateCapacity(capacity); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if existing, ok := r.workers[workerID]; ok {
		existing.URL = url
		existing.Capacity = capacity
		existing.State = types.WorkerStateKnown
		existing.MissedRefreshes = 0
		existing.LastSeen = now
		r.updateGaugesLocked()
		return nil
	}

	r.workers[workerID] = &types.Worker{
		ID:           workerID,
		URL:          url,
		Capacity:     capacity,
		State:        types.WorkerStateKnown,
		RegisteredAt: now,
		LastSeen:     now,
	}
	r.order = append(r.order, workerID)
	r.updateGaugesLocked()

	r.logger.Info().Str("worker_id", workerID).Str("url", url).Int("capacity", capacity).
		Msg("worker registered")
	if r.broker != nil {
		r.broker.Publish(&events.Event{
			Type:     events.EventWorkerRegistered,
			Metadata: map[string]string{"worker_id": workerID, "url": url},
		})
	}
	return nil
}

// Unregister marks a worker Removed and triggers reassignment of its agents
func (r *Registry) Unregister(workerID string) error {
	r.mu.Lock()
	worker, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return types.NewError(types.KindNotFound, "registry", "Unregister",
			"unknown worker %s", workerID)
	}
	worker.State = types.WorkerStateRemoved
	r.updateGaugesLocked()
	onLoss := r.onLoss
	r.mu.Unlock()

	r.logger.Info().Str("worker_id", workerID).Msg("worker unregistered")
	metrics.WorkersRemoved.Inc()
	if r.broker != nil {
		r.broker.Publish(&events.Event{
			Type:     events.EventWorkerRemoved,
			Metadata: map[string]string{"worker_id": workerID},
		})
	}
	if onLoss != nil {
		onLoss(workerID)
	}
	return nil
}

// List returns a deep-copy snapshot of all workers in registration order
func (r *Registry) List() []types.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.Worker, 0, len(r.order))
	for _, id := range r.order {
		if w, ok := r.workers[id]; ok {
			out = append(out, *w)
		}
	}
	return out
}

// Get returns a copy of a single worker
func (r *Registry) Get(workerID string) (types.Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return types.Worker{}, false
	}
	return *w, true
}

// AdjustOccupancy atomically changes a worker's occupancy. This is the only
// code path permitted to mutate occupancy; it fails rather than letting the
// count exceed capacity or go negative, leaving occupancy unchanged.
func (r *Registry) AdjustOccupancy(workerID string, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	worker, ok := r.workers[workerID]
	if !ok {
		return types.NewError(types.KindNotFound, "registry", "AdjustOccupancy",
			"unknown worker %s", workerID)
	}

	next := worker.Occupancy + delta
	if next > worker.Capacity {
		return types.NewError(types.KindNoCapacity, "registry", "AdjustOccupancy",
			"worker %s at capacity %d", workerID, worker.Capacity)
	}
	if next < 0 {
		return types.NewError(types.KindInternal, "registry", "AdjustOccupancy",
			"occupancy for worker %s would go negative", workerID)
	}

	worker.Occupancy = next
	metrics.WorkerOccupancy.WithLabelValues(workerID).Set(float64(next))
	return nil
}

// RecordPlacement timestamps the last successful placement on a worker,
// which parks it out of the empty-set reaper's window.
func (r *Registry) RecordPlacement(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[workerID]; ok {
		w.LastPlacement = time.Now()
	}
}

// MarkDraining flags a worker as eligible for removal; the external deploy
// collaborator confirms before Unregister is called.
func (r *Registry) MarkDraining(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	worker, ok := r.workers[workerID]
	if !ok {
		return types.NewError(types.KindNotFound, "registry", "MarkDraining",
			"unknown worker %s", workerID)
	}
	if worker.State == types.WorkerStateKnown {
		worker.State = types.WorkerStateDraining
		r.updateGaugesLocked()
	}
	return nil
}

// Refresh reconciles the registry against the external service registry.
// A failed fetch retains prior state; repeated misses eventually remove a
// worker, but a single registry outage never empties the pool.
func (r *Registry) Refresh(ctx context.Context) error {
	if r.fetcher == nil {
		return nil
	}

	discovered, err := r.fetcher.FetchWorkers(ctx)
	if err != nil {
		metrics.RegistryRefreshFailures.Inc()
		metrics.UpdateComponent("registry", false, "service registry fetch failed")
		r.logger.Error().Err(err).Msg("service registry refresh failed, retaining prior state")
		return types.WrapError(types.KindUnreachable, "registry", "Refresh", err)
	}
	metrics.UpdateComponent("registry", true, "")

	present := make(map[string]DiscoveredWorker, len(discovered))
	for _, d := range discovered {
		present[d.ID] = d
	}

	var added []DiscoveredWorker
	var removed []string

	r.mu.Lock()
	now := time.Now()
	for id, worker := range r.workers {
		if worker.State == types.WorkerStateRemoved {
			continue
		}
		if d, ok := present[id]; ok {
			worker.State = types.WorkerStateKnown
			worker.MissedRefreshes = 0
			worker.LastSeen = now
			if d.URL != "" && d.URL != worker.URL {
				if err := types.ValidateWorkerURL(d.URL); err == nil {
					worker.URL = d.URL
				}
			}
			continue
		}

		worker.MissedRefreshes++
		if worker.MissedRefreshes >= r.removalThreshold {
			worker.State = types.WorkerStateRemoved
			removed = append(removed, id)
		} else if worker.State != types.WorkerStateDraining {
			worker.State = types.WorkerStateUnreachable
		}
	}
	for id, d := range present {
		if _, ok := r.workers[id]; !ok {
			added = append(added, d)
		}
	}
	r.updateGaugesLocked()
	onLoss := r.onLoss
	r.mu.Unlock()

	for _, d := range added {
		if err := r.Register(d.ID, d.URL, r.defaultCapacity); err != nil {
			r.logger.Warn().Err(err).Str("worker_id", d.ID).
				Msg("discovered worker rejected")
		}
	}
	for _, id := range removed {
		r.logger.Warn().Str("worker_id", id).Int("threshold", r.removalThreshold).
			Msg("worker removed after repeated unreachability")
		metrics.WorkersRemoved.Inc()
		if r.broker != nil {
			r.broker.Publish(&events.Event{
				Type:     events.EventWorkerRemoved,
				Metadata: map[string]string{"worker_id": id},
			})
		}
		if onLoss != nil {
			onLoss(id)
		}
	}
	return nil
}

// updateGaugesLocked refreshes the per-state worker gauges. Caller holds mu.
func (r *Registry) updateGaugesLocked() {
	counts := map[types.WorkerState]int{
		types.WorkerStateKnown:       0,
		types.WorkerStateUnreachable: 0,
		types.WorkerStateDraining:    0,
		types.WorkerStateRemoved:     0,
	}
	for _, w := range r.workers {
		counts[w.State]++
	}
	for state, n := range counts {
		metrics.WorkersTotal.WithLabelValues(string(state)).Set(float64(n))
	}
}
