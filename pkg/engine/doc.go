// Package engine implements the synchronization state machine that keeps a
// local replica of a remote data set.
//
// The engine owns two pieces of state: a Status (Synchronized or
// Desynchronized, the sole source of truth for whether the replica is
// trustworthy) and the replica Snapshot itself. It subscribes to a
// data-source adapter's event stream and reacts:
//
//   - Connected: begin a bounded-retry full resync (no-op if already
//     synchronized). On success the snapshot is replaced wholesale, a reset
//     notification fires, and status becomes Synchronized. On exhausting the
//     attempt budget an error notification fires and status stays
//     Desynchronized.
//   - Update: while synchronized, apply the change list to the snapshot in
//     order and emit a change notification. Updates arriving while
//     desynchronized (including mid-resync) are dropped.
//   - Disconnected / SourceError: demote to Desynchronized and emit a status
//     notification carrying the error.
//
// All state transitions are serialized on a single run-loop goroutine;
// the full-resync fetch is the only operation that runs concurrently with
// event handling. Each resync carries the epoch of the connect that started
// it; demotions advance the epoch, so a stale resync result arriving after a
// later disconnect is discarded rather than incorrectly reporting
// Synchronized.
//
// Adapter failures are recoverable: the engine stays alive after any
// demotion or resync exhaustion and resyncs again on the adapter's next
// Connected event.
package engine
