/*
Package placement maintains the agent to worker mapping.

The engine owns the PlacementMap: insertion on Place, update on Relocate,
deletion on Release. Occupancy is never mutated here directly; every
increment and decrement goes through registry.AdjustOccupancy inside the
engine's critical section, so the sum of occupancies and the size of the
placement map move together.

Selection is deliberately simple: the first worker in registration order
with occupancy below capacity. Deterministic and trivially testable; richer
policies can replace pickLocked without touching the contract.

When the registry reports a lost worker, Reassign moves each of its agents
to a replacement and returns a RelocationEvent per agent; the controller
re-sends agent state to the new worker. Agents that cannot be placed stay
mapped to the lost worker until a later reassignment tick.

Lock ordering: the engine's mutex is taken first and registry operations are
leaf calls under it. The registry never calls into the engine while holding
its own lock (loss handlers fire after unlock), so the pair cannot deadlock.
*/
package placement
