/*
Package registry tracks the pool of agent-set workers.

The registry is the authoritative inventory: worker id, base URL, declared
capacity, current occupancy, and liveness state. All mutation happens under
one mutex; List returns a deep-copy snapshot in registration order, which is
the order the placement engine iterates for deterministic selection.

# Occupancy

AdjustOccupancy is the sole occupancy mutator in the process. It fails any
delta that would exceed capacity or go negative and leaves the count
unchanged on failure, so the invariant occupancy <= capacity holds at every
observable moment.

# Refresh

Refresh reconciles against the external service registry through an injected
InventoryFetcher. Workers missing from a fetch are marked Unreachable; after
a configurable number of consecutive misses they transition to Removed and
the loss handler fires so the placement engine can reassign their agents.
A failed fetch never empties the pool: prior state is retained and the
failure is surfaced through the refresh-failure counter and the health map.
*/
package registry
