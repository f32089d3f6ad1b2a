// Package lifecycle is the run lifecycle and queue engine: it owns run
// creation (gated on pipeline version approval), the atomic claim handoff,
// completion, cancellation, heartbeat bookkeeping, retry lineage, and the
// run/log read paths. All coordination between workers happens through the
// run store's atomicity guarantees; the service itself keeps no mutable
// state.
package lifecycle
