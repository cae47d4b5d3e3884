// Package switchyard coordinates and batches switch configuration commands
// on behalf of an orchestration layer. Devices tolerate only a small number
// of concurrent management sessions and each session is expensive to open,
// so the engine serializes access per device through distributed lock slots
// and drains queued submissions in FIFO order through a single session.
//
// The coordination backend (etcd, or an in-memory stand-in for tests and
// single-node use) supplies the primitives everything rests on: sequence
// stamps for total submission order, prefix watches, TTL-bounded result
// records, and lease-backed locks that free themselves when a holder dies.
//
// The engine does not understand device semantics, does not retry failed
// vendor commands, and does not manage inventory; collaborators supply the
// device records and a session opener, and consume per-command results.
package switchyard
