/*
Package types defines the shared data model of the traffic core.

It contains the domain structs (Worker, AgentRecord), the lifecycle and
liveness state enums, the wire envelopes for the HTTP surface and for
worker-bound requests, identifier validation, and the one error type that
crosses component boundaries.

# Error model

Every failure is classified by an ErrorKind; handlers map kinds to HTTP
statuses with ErrorKind.HTTPStatus and render the ErrorBody JSON shape.
Components wrap downstream causes with WrapError so the original error is
preserved through errors.Unwrap while component and operation context is
attached on the way up.

# Serialized maps

The wire format for agent inputs is the neutral pair-list schema

	{"entries":[["key",value],...]}

decoded at the boundary into SerializedMap, a native string-keyed map with
opaque JSON values. Encoding sorts keys so output is deterministic.
*/
package types
