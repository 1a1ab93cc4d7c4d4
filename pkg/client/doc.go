/*
Package client holds the outbound HTTP clients for every collaborator: the
agent-set workers, the external service registry, the mission-control
statistics collector, and the security service that issues bearer tokens.

One HTTP value is constructed at startup and injected into each component.
It owns the pooled transport, attaches the bearer token from its TokenSource,
and classifies failures into the shared error kinds. Tokens are cached with
a TTL margin so the security service is consulted well before expiry, not on
every call.

Retry policy is fixed here: idempotent GETs retry once after a network
failure, AddAgent retries once on a timeout-class error only, and mission
commands never retry; the caller reports partial results instead.
*/
package client
