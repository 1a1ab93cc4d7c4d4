/*
Package metrics exposes Prometheus metrics and component health tracking.

Metrics are package-level collectors registered in init and updated directly
by the owning components: the registry maintains the worker gauges, the
placement engine the placement gauges and counters, and the controller the
API and fan-out series. Handler returns the promhttp handler mounted on the
controller's port.

The health checker is a process-wide component map feeding the /health and
/ready endpoints. The registry reports refresh failures here so a broken
service-registry collaborator is visible without emptying the pool.
*/
package metrics
