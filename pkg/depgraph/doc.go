/*
Package depgraph maintains the agent dependency DAG.

The graph stores (dependent, prerequisite) edges with an incrementally
maintained reverse index for DependentsOf. Lifecycle states live elsewhere:
Satisfied consults an injected StatusOracle, which keeps the package a pure
graph module testable with a stub oracle.

Satisfaction is transitive: an agent is satisfied only when every direct and
indirect prerequisite is Completed. Cycles are a usage error, not a hang; the
evaluation walks with a visited set and treats any cycle as unsatisfied.
Reads snapshot the edge set before evaluating so no lock is held across
oracle calls.
*/
package depgraph
