// Package controller implements the traffic core's decision layer and its
// HTTP surface.
//
// The controller owns two pieces of state the other packages do not: the
// agent record store (pkg/controller RecordStore) and the dependency graph
// (pkg/depgraph), whose status oracle reads agent states straight out of the
// record store. Worker inventory lives in pkg/registry and the agent to
// worker mapping in pkg/placement; the controller drives both.
//
// Request handling falls into three shapes:
//
//   - Unary calls (createAgent, resumeAgent, message forwarding) resolve one
//     agent to one worker and issue a single outbound call with a 10s
//     deadline.
//
//   - Fan-outs (pauseAgents, abortAgents, resumeAgents, statistics, roster)
//     address every non-removed worker concurrently under a shared 30s
//     deadline. Per-worker failures never abort siblings; responses carry a
//     partial flag plus per-worker detail, and mission commands are never
//     retried.
//
//   - Ingest (agentStatisticsUpdate, AGENT_UPDATE envelopes) records the
//     reported state, forwards statistics to mission control without
//     blocking the reporting worker, and on terminal states releases the
//     placement and promotes any dependents whose prerequisites became
//     satisfied.
//
// Lock ordering across the packages is registry, placement, graph, records;
// the record store is a leaf and never calls out while holding its mutex.
// Worker-loss reassignment enters through the registry's loss handler, which
// fires outside the registry lock.
//
// Three background loops run under Start/Stop: the registry refresh against
// the external service registry, the empty-set reaper that flags idle
// workers to the deploy collaborator, and the orphan sweep that probes
// records that stopped advancing.
package controller
