package placement

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagecraft/trafficcore/pkg/registry"
	"github.com/stagecraft/trafficcore/pkg/types"
)

func newTestEngine(t *testing.T, primaryURL string) (*Engine, *registry.Registry) {
	t.Helper()
	reg := registry.NewRegistry(registry.Config{RemovalThreshold: 3, DefaultCapacity: 10})
	eng := NewEngine(Config{
		Registry:        reg,
		PrimaryURL:      primaryURL,
		PrimaryCapacity: 4,
	})
	reg.SetLossHandler(func(workerID string) { eng.Reassign(workerID) })
	return eng, reg
}

func occupancySum(reg *registry.Registry) int {
	sum := 0
	for _, w := range reg.List() {
		sum += w.Occupancy
	}
	return sum
}

func TestBasicPlacement(t *testing.T) {
	eng, reg := newTestEngine(t, "")
	require.NoError(t, reg.Register("w1", "agentset-1:5100", 2))

	// A and B fit, C overflows.
	w, err := eng.Place("agent-a", "m1")
	require.NoError(t, err)
	assert.Equal(t, "w1", w)

	located, ok := eng.Locate("agent-a")
	require.True(t, ok)
	assert.Equal(t, "w1", located)

	worker, _ := reg.Get("w1")
	assert.Equal(t, 1, worker.Occupancy)

	_, err = eng.Place("agent-b", "m1")
	require.NoError(t, err)

	_, err = eng.Place("agent-c", "m1")
	assert.True(t, types.IsKind(err, types.KindNoCapacity))

	worker, _ = reg.Get("w1")
	assert.Equal(t, 2, worker.Occupancy)
}

func TestPlaceSelectsRegistrationOrder(t *testing.T) {
	eng, reg := newTestEngine(t, "")
	require.NoError(t, reg.Register("w2", "agentset-2:5100", 5))
	require.NoError(t, reg.Register("w1", "agentset-1:5100", 5))

	// w2 registered first, so it fills before w1 is considered.
	for i := 0; i < 5; i++ {
		w, err := eng.Place(fmt.Sprintf("agent-%d", i), "m1")
		require.NoError(t, err)
		assert.Equal(t, "w2", w)
	}

	w, err := eng.Place("agent-5", "m1")
	require.NoError(t, err)
	assert.Equal(t, "w1", w)
}

func TestPlaceSkipsNonKnownWorkers(t *testing.T) {
	eng, reg := newTestEngine(t, "")
	require.NoError(t, reg.Register("w1", "agentset-1:5100", 5))
	require.NoError(t, reg.Register("w2", "agentset-2:5100", 5))
	require.NoError(t, reg.MarkDraining("w1"))

	w, err := eng.Place("agent-a", "m1")
	require.NoError(t, err)
	assert.Equal(t, "w2", w)
}

func TestPlaceConflict(t *testing.T) {
	eng, reg := newTestEngine(t, "")
	require.NoError(t, reg.Register("w1", "agentset-1:5100", 5))

	_, err := eng.Place("agent-a", "m1")
	require.NoError(t, err)

	_, err = eng.Place("agent-a", "m1")
	assert.True(t, types.IsKind(err, types.KindConflict))
}

func TestPrimaryBootstrap(t *testing.T) {
	eng, reg := newTestEngine(t, "agentset:5100")

	// Empty registry: placement bootstraps the primary entry and proceeds.
	w, err := eng.Place("agent-a", "m1")
	require.NoError(t, err)
	assert.Equal(t, PrimaryWorkerID, w)

	primary, ok := reg.Get(PrimaryWorkerID)
	require.True(t, ok)
	assert.Equal(t, "agentset:5100", primary.URL)
	assert.Equal(t, 4, primary.Capacity)
	assert.Equal(t, 1, primary.Occupancy)
}

func TestNoCapacityWithoutPrimary(t *testing.T) {
	eng, _ := newTestEngine(t, "")

	_, err := eng.Place("agent-a", "m1")
	assert.True(t, types.IsKind(err, types.KindNoCapacity))
}

func TestReleaseAndOccupancyInvariant(t *testing.T) {
	eng, reg := newTestEngine(t, "")
	require.NoError(t, reg.Register("w1", "agentset-1:5100", 3))
	require.NoError(t, reg.Register("w2", "agentset-2:5100", 3))

	// Occupancy sum tracks placement count through arbitrary place/release.
	for i := 0; i < 6; i++ {
		_, err := eng.Place(fmt.Sprintf("agent-%d", i), "m1")
		require.NoError(t, err)
		assert.Equal(t, eng.Count(), occupancySum(reg))
	}
	for i := 0; i < 6; i += 2 {
		require.NoError(t, eng.Release(fmt.Sprintf("agent-%d", i)))
		assert.Equal(t, eng.Count(), occupancySum(reg))
	}

	assert.Equal(t, 3, eng.Count())
	assert.Error(t, eng.Release("agent-0")) // already released
}

func TestReassignOnWorkerLoss(t *testing.T) {
	eng, reg := newTestEngine(t, "")
	require.NoError(t, reg.Register("w1", "agentset-1:5100", 2))
	require.NoError(t, reg.Register("w2", "agentset-2:5100", 2))

	_, err := eng.Place("agent-a", "m1")
	require.NoError(t, err)
	_, err = eng.Place("agent-b", "m1")
	require.NoError(t, err)

	wA, _ := eng.Locate("agent-a")
	require.Equal(t, "w1", wA)

	require.NoError(t, reg.Unregister("w1"))

	// Both agents moved, occupancy transferred.
	wA, _ = eng.Locate("agent-a")
	wB, _ := eng.Locate("agent-b")
	assert.Equal(t, "w2", wA)
	assert.Equal(t, "w2", wB)

	w2, _ := reg.Get("w2")
	assert.Equal(t, 2, w2.Occupancy)
	w1, _ := reg.Get("w1")
	assert.Equal(t, 0, w1.Occupancy)
	assert.Equal(t, types.WorkerStateRemoved, w1.State)
	assert.Empty(t, eng.AgentsOn("w1"))
}

func TestReassignNoReplacement(t *testing.T) {
	eng, reg := newTestEngine(t, "")
	require.NoError(t, reg.Register("w1", "agentset-1:5100", 2))

	_, err := eng.Place("agent-a", "m1")
	require.NoError(t, err)

	require.NoError(t, reg.Unregister("w1"))

	// No other worker: the agent stays mapped to the lost worker.
	w, ok := eng.Locate("agent-a")
	require.True(t, ok)
	assert.Equal(t, "w1", w)
}

func TestReassignRespectsCapacity(t *testing.T) {
	eng, reg := newTestEngine(t, "")
	require.NoError(t, reg.Register("w1", "agentset-1:5100", 3))
	require.NoError(t, reg.Register("w2", "agentset-2:5100", 1))

	for i := 0; i < 3; i++ {
		_, err := eng.Place(fmt.Sprintf("agent-%d", i), "m1")
		require.NoError(t, err)
	}

	moved := eng.Reassign("w1")

	// Only one slot on w2; the rest stay behind.
	assert.Len(t, moved, 1)
	w2, _ := reg.Get("w2")
	assert.Equal(t, 1, w2.Occupancy)
	assert.Len(t, eng.AgentsOn("w1"), 2)
}

func TestRelocateUnknownAgent(t *testing.T) {
	eng, _ := newTestEngine(t, "")
	err := eng.Relocate("missing", "w1")
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestMissionAgents(t *testing.T) {
	eng, reg := newTestEngine(t, "")
	require.NoError(t, reg.Register("w1", "agentset-1:5100", 10))

	_, err := eng.Place("agent-a", "m1")
	require.NoError(t, err)
	_, err = eng.Place("agent-b", "m2")
	require.NoError(t, err)
	_, err = eng.Place("agent-c", "m1")
	require.NoError(t, err)

	agents := eng.MissionAgents("m1")
	assert.ElementsMatch(t, []string{"agent-a", "agent-c"}, agents)
}
