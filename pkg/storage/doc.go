/*
Package storage persists cluster state in BoltDB.

Two stores live here. The host catalogue (BoltStore) holds nodes, tasks,
users and vps_assignments; task rows are keyed by their 64-bit id in
big-endian so iteration order is submission order, and every mutation is a
whole-row put keyed by primary key, which is what gives the control plane
its at-most-one-writer-per-row discipline. The runner store (RunnerStore)
is a small KV of in-flight workload records used purely for crash recovery.
*/
package storage
