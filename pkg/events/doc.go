/*
Package events provides an in-process publish/subscribe broker for
control-plane events.

The placement engine publishes relocation events when worker loss forces
agents onto new workers; the controller subscribes and re-sends each moved
agent's state to its new host. State-change and worker lifecycle events feed
logging and debugging subscribers. Delivery is best-effort: a subscriber
whose buffer is full misses the event rather than blocking the broker.
*/
package events
