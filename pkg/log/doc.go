/*
Package log provides structured logging for the traffic core using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

Component loggers attach a fixed field to every entry they emit:

	logger := log.WithComponent("registry")
	logger.Info().Str("worker_id", id).Msg("worker registered")

Entity helpers (WithAgentID, WithMissionID, WithWorkerID) build child loggers
scoped to a single agent, mission, or worker so request paths can be traced
across components without repeating fields at every call site.

Init must be called once at startup, before any component starts logging;
the zero-value Logger discards nothing but carries no timestamp.
*/
package log
