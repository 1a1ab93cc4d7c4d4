package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagecraft/trafficcore/pkg/client"
	"github.com/stagecraft/trafficcore/pkg/config"
	"github.com/stagecraft/trafficcore/pkg/placement"
	"github.com/stagecraft/trafficcore/pkg/registry"
	"github.com/stagecraft/trafficcore/pkg/types"
)

// fakeWorker is an in-process agent-set worker. It records every call and
// can be told to fail specific paths.
type fakeWorker struct {
	ts *httptest.Server

	mu     sync.Mutex
	calls  map[string]int
	added  []types.AddAgentRequest
	fail   map[string]bool
	agents []types.AgentSummary
}

func newFakeWorker() *fakeWorker {
	w := &fakeWorker{
		calls: make(map[string]int),
		fail:  make(map[string]bool),
	}
	w.ts = httptest.NewServer(http.HandlerFunc(w.handle))
	return w
}

func (w *fakeWorker) handle(rw http.ResponseWriter, r *http.Request) {
	w.mu.Lock()
	w.calls[r.URL.Path]++
	failing := w.fail[r.URL.Path]
	if r.URL.Path == "/addAgent" {
		var req types.AddAgentRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.added = append(w.added, req)
	}
	agents := w.agents
	w.mu.Unlock()

	if failing {
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	if r.URL.Path == "/statistics" || strings.HasSuffix(r.URL.Path, "/agents") {
		_ = json.NewEncoder(rw).Encode(map[string][]types.AgentSummary{"agents": agents})
		return
	}
	_, _ = rw.Write([]byte(`{}`))
}

func (w *fakeWorker) url() string {
	return strings.TrimPrefix(w.ts.URL, "http://")
}

func (w *fakeWorker) callCount(path string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls[path]
}

func (w *fakeWorker) addedAgentIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.added))
	for _, req := range w.added {
		ids = append(ids, req.AgentID)
	}
	return ids
}

func (w *fakeWorker) setFail(path string, fail bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fail[path] = fail
}

func (w *fakeWorker) setAgents(agents []types.AgentSummary) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.agents = agents
}

func testConfig() *config.Config {
	return &config.Config{
		Port:                         5080,
		PostOfficeURL:                "postoffice:5020",
		SecurityURL:                  "securitymanager:5010",
		MissionControlURL:            "missioncontrol:5030",
		PrimaryWorkerURL:             "agentset:5100",
		PrimaryWorkerCapacity:        250,
		WorkerRefreshIntervalSeconds: 60,
		ReaperIntervalSeconds:        60,
		OrphanSweepIntervalSeconds:   300,
	}
}

// newTestStack wires a controller over the given fake workers, registered in
// order as w1, w2, ... with the given capacities.
func newTestStack(t *testing.T, cfg *config.Config, workers []*fakeWorker, capacities []int) (*Controller, *registry.Registry, *placement.Engine) {
	t.Helper()

	reg := registry.NewRegistry(registry.Config{})
	engine := placement.NewEngine(placement.Config{
		Registry:        reg,
		PrimaryURL:      cfg.PrimaryWorkerURL,
		PrimaryCapacity: cfg.PrimaryWorkerCapacity,
	})
	for i, fw := range workers {
		require.NoError(t, reg.Register(fmt.Sprintf("w%d", i+1), fw.url(), capacities[i]))
	}

	c := New(cfg, Deps{
		Registry:  reg,
		Placement: engine,
		Workers:   client.NewWorkerClient(client.NewHTTP(nil)),
	})
	return c, reg, engine
}

func TestCreateAgentPlacesAndForwards(t *testing.T) {
	fw := newFakeWorker()
	defer fw.ts.Close()
	c, reg, engine := newTestStack(t, testConfig(), []*fakeWorker{fw}, []int{10})

	resp, err := c.CreateAgent(context.Background(), &types.CreateAgentRequest{
		MissionID:  "mission-1",
		ActionVerb: "scan",
	})
	require.NoError(t, err)
	assert.False(t, resp.Pending)
	require.NoError(t, types.ValidateAgentID(resp.AgentID))

	workerID, ok := engine.Locate(resp.AgentID)
	require.True(t, ok)
	assert.Equal(t, "w1", workerID)

	worker, _ := reg.Get("w1")
	assert.Equal(t, 1, worker.Occupancy)

	assert.Equal(t, 1, fw.callCount("/addAgent"))
	assert.Equal(t, []string{resp.AgentID}, fw.addedAgentIDs())

	record, ok := c.Records().Get(resp.AgentID)
	require.True(t, ok)
	assert.Equal(t, types.AgentStateInitializing, record.State)
}

func TestCreateAgentRejectsBadMissionID(t *testing.T) {
	fw := newFakeWorker()
	defer fw.ts.Close()
	c, _, _ := newTestStack(t, testConfig(), []*fakeWorker{fw}, []int{10})

	_, err := c.CreateAgent(context.Background(), &types.CreateAgentRequest{
		MissionID: "not a mission!",
	})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindValidation))
	assert.Equal(t, http.StatusBadRequest, types.KindOf(err).HTTPStatus())
	assert.Zero(t, fw.callCount("/addAgent"))
}

func TestCreateAgentSaturatedPoolFailsWithNoCapacity(t *testing.T) {
	fw := newFakeWorker()
	defer fw.ts.Close()

	cfg := testConfig()
	cfg.PrimaryWorkerURL = fw.url()
	cfg.PrimaryWorkerCapacity = 1

	reg := registry.NewRegistry(registry.Config{})
	engine := placement.NewEngine(placement.Config{
		Registry:        reg,
		PrimaryURL:      cfg.PrimaryWorkerURL,
		PrimaryCapacity: cfg.PrimaryWorkerCapacity,
	})
	require.NoError(t, reg.Register(placement.PrimaryWorkerID, fw.url(), 1))
	c := New(cfg, Deps{
		Registry:  reg,
		Placement: engine,
		Workers:   client.NewWorkerClient(client.NewHTTP(nil)),
	})

	_, err := c.CreateAgent(context.Background(), &types.CreateAgentRequest{MissionID: "m1"})
	require.NoError(t, err)

	_, err = c.CreateAgent(context.Background(), &types.CreateAgentRequest{MissionID: "m1"})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindNoCapacity))
	assert.Equal(t, http.StatusServiceUnavailable, types.KindOf(err).HTTPStatus())

	// The failed placement must not leak occupancy.
	worker, _ := reg.Get(placement.PrimaryWorkerID)
	assert.Equal(t, 1, worker.Occupancy)
}

func TestCreateAgentWorkerRejectionUndoesPlacement(t *testing.T) {
	fw := newFakeWorker()
	defer fw.ts.Close()
	fw.setFail("/addAgent", true)
	c, reg, engine := newTestStack(t, testConfig(), []*fakeWorker{fw}, []int{10})

	_, err := c.CreateAgent(context.Background(), &types.CreateAgentRequest{MissionID: "m1"})
	require.Error(t, err)

	worker, _ := reg.Get("w1")
	assert.Equal(t, 0, worker.Occupancy)
	assert.Equal(t, 0, engine.Count())
	assert.Equal(t, 0, c.Records().Count())
}

func TestDependencyGating(t *testing.T) {
	fw := newFakeWorker()
	defer fw.ts.Close()
	c, _, engine := newTestStack(t, testConfig(), []*fakeWorker{fw}, []int{10})

	respA, err := c.CreateAgent(context.Background(), &types.CreateAgentRequest{MissionID: "m1"})
	require.NoError(t, err)
	require.False(t, respA.Pending)

	respB, err := c.CreateAgent(context.Background(), &types.CreateAgentRequest{
		MissionID:    "m1",
		Dependencies: []string{respA.AgentID},
	})
	require.NoError(t, err)
	assert.True(t, respB.Pending)

	// Blocked agents hold no worker slot and no placement.
	_, placed := engine.Locate(respB.AgentID)
	assert.False(t, placed)
	assert.Equal(t, types.AgentStatePending, c.Records().State(respB.AgentID))
	assert.Equal(t, 1, fw.callCount("/addAgent"))

	// Prerequisite completes: B gets placed, forwarded, and resumed.
	require.NoError(t, c.HandleStatusUpdate(context.Background(), &types.StatusUpdate{
		AgentID:   respA.AgentID,
		MissionID: "m1",
		Status:    types.AgentStateCompleted,
	}))

	assert.Equal(t, types.AgentStateRunning, c.Records().State(respB.AgentID))
	_, placed = engine.Locate(respB.AgentID)
	assert.True(t, placed)
	assert.Contains(t, fw.addedAgentIDs(), respB.AgentID)
	assert.Equal(t, 1, fw.callCount("/resumeAgent"))

	// The completed prerequisite is destroyed: record gone, graph purged.
	_, ok := c.Records().Get(respA.AgentID)
	assert.False(t, ok)
	assert.Empty(t, c.Graph().DependentsOf(respA.AgentID))
}

func TestPausePartialFailureLeavesLocalStateUntouched(t *testing.T) {
	good := newFakeWorker()
	defer good.ts.Close()
	bad := newFakeWorker()
	defer bad.ts.Close()
	bad.setFail("/pauseAgents", true)

	c, _, engine := newTestStack(t, testConfig(), []*fakeWorker{good, bad}, []int{10, 10})

	resp, err := c.CreateAgent(context.Background(), &types.CreateAgentRequest{MissionID: "m1"})
	require.NoError(t, err)

	fanout, err := c.MissionCommand(context.Background(), types.MissionCommandPause, "m1")
	require.NoError(t, err)

	assert.True(t, fanout.Partial)
	require.Len(t, fanout.PerWorker, 2)
	byWorker := map[string]types.WorkerResult{}
	for _, r := range fanout.PerWorker {
		byWorker[r.WorkerID] = r
	}
	assert.True(t, byWorker["w1"].OK)
	assert.False(t, byWorker["w2"].OK)
	assert.NotEmpty(t, byWorker["w2"].Error)

	assert.Equal(t, 1, good.callCount("/pauseAgents"))
	assert.Equal(t, 1, bad.callCount("/pauseAgents"))

	// Pause has no core-side state transition.
	assert.Equal(t, types.AgentStateInitializing, c.Records().State(resp.AgentID))
	_, placed := engine.Locate(resp.AgentID)
	assert.True(t, placed)
}

func TestAbortCleansLocalState(t *testing.T) {
	fw := newFakeWorker()
	defer fw.ts.Close()
	c, reg, engine := newTestStack(t, testConfig(), []*fakeWorker{fw}, []int{10})

	respA, err := c.CreateAgent(context.Background(), &types.CreateAgentRequest{MissionID: "m1"})
	require.NoError(t, err)
	respB, err := c.CreateAgent(context.Background(), &types.CreateAgentRequest{
		MissionID:    "m1",
		Dependencies: []string{respA.AgentID},
	})
	require.NoError(t, err)

	fanout, err := c.MissionCommand(context.Background(), types.MissionCommandAbort, "m1")
	require.NoError(t, err)
	assert.False(t, fanout.Partial)
	assert.Equal(t, 1, fw.callCount("/abortAgents"))

	// All mission state is gone: placements, records, graph edges.
	_, placed := engine.Locate(respA.AgentID)
	assert.False(t, placed)
	assert.Equal(t, 0, c.Records().Count())
	assert.Empty(t, c.Graph().PrerequisitesOf(respB.AgentID))

	worker, _ := reg.Get("w1")
	assert.Equal(t, 0, worker.Occupancy)
}

func TestStatisticsAggregation(t *testing.T) {
	w1 := newFakeWorker()
	defer w1.ts.Close()
	w2 := newFakeWorker()
	defer w2.ts.Close()
	idle := newFakeWorker()
	defer idle.ts.Close()

	w1.setAgents([]types.AgentSummary{
		{AgentID: "b-agent", MissionID: "m1", Status: types.AgentStateRunning},
		{AgentID: "d-agent", MissionID: "m1", Status: types.AgentStateCompleted},
	})
	w2.setAgents([]types.AgentSummary{
		{AgentID: "a-agent", MissionID: "m1", Status: types.AgentStateRunning},
		{AgentID: "c-agent", MissionID: "m1", Status: types.AgentStatePaused},
	})

	c, _, _ := newTestStack(t, testConfig(), []*fakeWorker{w1, w2, idle}, []int{10, 10, 10})

	stats, err := c.Statistics(context.Background(), "m1")
	require.NoError(t, err)

	assert.Equal(t, "m1", stats.MissionID)
	assert.Equal(t, 4, stats.TotalAgents)
	assert.Equal(t, 2, stats.WorkerCount) // the idle worker contributed nothing
	assert.False(t, stats.Partial)

	running := stats.AgentsByState[types.AgentStateRunning]
	require.Len(t, running, 2)
	// Bucket ordering is independent of which worker answered first.
	assert.Equal(t, "a-agent", running[0].AgentID)
	assert.Equal(t, "b-agent", running[1].AgentID)
	assert.Len(t, stats.AgentsByState[types.AgentStatePaused], 1)
	assert.Len(t, stats.AgentsByState[types.AgentStateCompleted], 1)
}

func TestStatisticsPartialOnWorkerFailure(t *testing.T) {
	good := newFakeWorker()
	defer good.ts.Close()
	bad := newFakeWorker()
	defer bad.ts.Close()
	bad.setFail("/statistics", true)

	good.setAgents([]types.AgentSummary{
		{AgentID: "a-agent", MissionID: "m1", Status: types.AgentStateRunning},
	})

	c, _, _ := newTestStack(t, testConfig(), []*fakeWorker{good, bad}, []int{10, 10})

	stats, err := c.Statistics(context.Background(), "m1")
	require.NoError(t, err)
	assert.True(t, stats.Partial)
	assert.Equal(t, 1, stats.TotalAgents)
}

func TestRosterConcatenatesAndSorts(t *testing.T) {
	w1 := newFakeWorker()
	defer w1.ts.Close()
	w2 := newFakeWorker()
	defer w2.ts.Close()

	w1.setAgents([]types.AgentSummary{{AgentID: "b-agent", MissionID: "m1", Status: types.AgentStateRunning}})
	w2.setAgents([]types.AgentSummary{{AgentID: "a-agent", MissionID: "m1", Status: types.AgentStateRunning}})

	c, _, _ := newTestStack(t, testConfig(), []*fakeWorker{w1, w2}, []int{10, 10})

	roster, partial, err := c.Roster(context.Background(), "m1")
	require.NoError(t, err)
	assert.False(t, partial)
	require.Len(t, roster, 2)
	assert.Equal(t, "a-agent", roster[0].AgentID)
	assert.Equal(t, "b-agent", roster[1].AgentID)
}

func TestHandleStatusUpdateLearnsUnknownAgent(t *testing.T) {
	fw := newFakeWorker()
	defer fw.ts.Close()
	c, _, _ := newTestStack(t, testConfig(), []*fakeWorker{fw}, []int{10})

	require.NoError(t, c.HandleStatusUpdate(context.Background(), &types.StatusUpdate{
		AgentID:   "externally-created",
		MissionID: "m9",
		Status:    types.AgentStateRunning,
	}))

	record, ok := c.Records().Get("externally-created")
	require.True(t, ok)
	assert.Equal(t, "m9", record.MissionID)
	assert.Equal(t, types.AgentStateRunning, record.State)
	assert.Contains(t, c.Records().Missions(), "m9")
}

func TestWorkerLossReassignsAgents(t *testing.T) {
	w1 := newFakeWorker()
	defer w1.ts.Close()
	w2 := newFakeWorker()
	defer w2.ts.Close()

	c, reg, engine := newTestStack(t, testConfig(), []*fakeWorker{w1, w2}, []int{10, 10})

	resp, err := c.CreateAgent(context.Background(), &types.CreateAgentRequest{
		MissionID:  "m1",
		ActionVerb: "scan",
	})
	require.NoError(t, err)
	workerID, _ := engine.Locate(resp.AgentID)
	require.Equal(t, "w1", workerID)

	require.NoError(t, reg.Unregister("w1"))

	workerID, ok := engine.Locate(resp.AgentID)
	require.True(t, ok)
	assert.Equal(t, "w2", workerID)

	record, _ := c.Records().Get(resp.AgentID)
	assert.Equal(t, "w2", record.WorkerID)

	survivor, _ := reg.Get("w2")
	assert.Equal(t, 1, survivor.Occupancy)

	// The instruction re-send to the new host is asynchronous.
	require.Eventually(t, func() bool {
		for _, id := range w2.addedAgentIDs() {
			if id == resp.AgentID {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestForwardRoutesAgentMessage(t *testing.T) {
	fw := newFakeWorker()
	defer fw.ts.Close()
	c, _, _ := newTestStack(t, testConfig(), []*fakeWorker{fw}, []int{10})

	resp, err := c.CreateAgent(context.Background(), &types.CreateAgentRequest{MissionID: "m1"})
	require.NoError(t, err)

	err = c.Forward(context.Background(), &types.MessageEnvelope{
		Type:     "USER_INPUT",
		ForAgent: resp.AgentID,
		Content:  json.RawMessage(`{"answer":"yes"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fw.callCount("/agent/"+resp.AgentID+"/message"))
}

func TestForwardAgentUpdateFeedsStatusPath(t *testing.T) {
	fw := newFakeWorker()
	defer fw.ts.Close()
	c, _, _ := newTestStack(t, testConfig(), []*fakeWorker{fw}, []int{10})

	resp, err := c.CreateAgent(context.Background(), &types.CreateAgentRequest{MissionID: "m1"})
	require.NoError(t, err)

	content, _ := json.Marshal(&types.StatusUpdate{
		AgentID: resp.AgentID, MissionID: "m1", Status: types.AgentStateRunning,
	})
	require.NoError(t, c.Forward(context.Background(), &types.MessageEnvelope{
		Type:    types.MessageTypeAgentUpdate,
		Content: content,
	}))
	assert.Equal(t, types.AgentStateRunning, c.Records().State(resp.AgentID))
}

func TestForwardToUnknownAgentIsNotFound(t *testing.T) {
	fw := newFakeWorker()
	defer fw.ts.Close()
	c, _, _ := newTestStack(t, testConfig(), []*fakeWorker{fw}, []int{10})

	err := c.Forward(context.Background(), &types.MessageEnvelope{
		Type:     "USER_INPUT",
		ForAgent: "nobody-home",
	})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestUpdateAgentLocationMovesPlacement(t *testing.T) {
	w1 := newFakeWorker()
	defer w1.ts.Close()
	w2 := newFakeWorker()
	defer w2.ts.Close()

	c, reg, engine := newTestStack(t, testConfig(), []*fakeWorker{w1, w2}, []int{10, 10})

	resp, err := c.CreateAgent(context.Background(), &types.CreateAgentRequest{MissionID: "m1"})
	require.NoError(t, err)

	require.NoError(t, c.UpdateAgentLocation(resp.AgentID, w2.url()))

	workerID, _ := engine.Locate(resp.AgentID)
	assert.Equal(t, "w2", workerID)

	from, _ := reg.Get("w1")
	to, _ := reg.Get("w2")
	assert.Equal(t, 0, from.Occupancy)
	assert.Equal(t, 1, to.Occupancy)

	loc, err := c.AgentLocation(resp.AgentID)
	require.NoError(t, err)
	assert.Equal(t, w2.url(), loc.WorkerURL)
}

func TestCheckBlockedPromotesSatisfiedDependents(t *testing.T) {
	fw := newFakeWorker()
	defer fw.ts.Close()
	c, _, _ := newTestStack(t, testConfig(), []*fakeWorker{fw}, []int{10})

	respA, err := c.CreateAgent(context.Background(), &types.CreateAgentRequest{MissionID: "m1"})
	require.NoError(t, err)
	respB, err := c.CreateAgent(context.Background(), &types.CreateAgentRequest{
		MissionID:    "m1",
		Dependencies: []string{respA.AgentID},
	})
	require.NoError(t, err)
	require.True(t, respB.Pending)

	assert.Equal(t, []string{respB.AgentID}, c.DependentAgents(respA.AgentID))

	// Mark the prerequisite completed without the full terminal cleanup,
	// then ask for a re-check the way a worker would.
	c.Records().SetState(respA.AgentID, types.AgentStateCompleted, nil)
	c.CheckBlocked(context.Background(), respA.AgentID)

	assert.Equal(t, types.AgentStateRunning, c.Records().State(respB.AgentID))
}
