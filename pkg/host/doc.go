/*
Package host is the control-plane core.

It owns the authoritative task rows and the lifecycle rules over them:
which writer may author which status, terminal states being absorbing, and
the partial-failure semantics of dispatch (a transport error to a runner
leaves a task assigning because the runner owns the truth; an explicit
rejection fails it). It also allocates ssh ports for VPS, arms phone-home
watchdogs for QEMU VPS, ingests heartbeats with per-hostname serialisation
and counts missing running tasks toward lost.
*/
package host
