/*
Package runner is the per-node execution engine.

It registers with the host, materialises its overlay slice, then executes
what the host sends: batch containers through the docker engine, docker or
QEMU VPS, and the pause/resume/kill verbs. Every workload writes a durable
record before it is created; startup reconciliation replays those records,
re-adopting anything still alive and reporting anything that died while
the runner was down. Heartbeats carry the running set, load, GPU state
(merged with in-VM agent telemetry for VFIO-bound devices) and any
terminal reports that failed to deliver.
*/
package runner
