// Package diff provides the snapshot and change-list types shared by the
// synchronization engine and its adapters.
//
// A Snapshot is an opaque JSON document holding the last fully fetched copy
// of the remote data set. A ChangeList is an ordered sequence of RFC 6902
// JSON Patch operations describing how to mutate a Snapshot incrementally.
// The package wraps two external capabilities:
//
//   - Compute: produce the ChangeList between two snapshots (github.com/wI2L/jsondiff)
//   - Apply: apply a ChangeList to a snapshot, in order (github.com/evanphx/json-patch/v5)
//
// The engine treats both as black boxes; it never inspects individual change
// records.
package diff
