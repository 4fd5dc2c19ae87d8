package diff

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/wI2L/jsondiff"
)

// Snapshot is a full in-memory copy of the remote data set, encoded as JSON.
// The synchronization engine owns the snapshot exclusively; consumers receive
// it for reading only and must not modify it.
type Snapshot = json.RawMessage

// ChangeList is an ordered sequence of change records. Each record is a
// single RFC 6902 JSON Patch operation; the records are applied strictly in
// order and never reordered or coalesced.
type ChangeList []json.RawMessage

// Compute returns the ChangeList that transforms the before snapshot into
// the after snapshot. An empty ChangeList means the snapshots are
// structurally equal.
func Compute(before, after Snapshot) (ChangeList, error) {
	patch, err := jsondiff.CompareJSON(before, after)
	if err != nil {
		return nil, fmt.Errorf("failed to compare snapshots: %w", err)
	}

	changes := make(ChangeList, 0, len(patch))
	for _, op := range patch {
		record, err := json.Marshal(op)
		if err != nil {
			return nil, fmt.Errorf("failed to encode change record: %w", err)
		}
		changes = append(changes, record)
	}
	return changes, nil
}

// Apply applies the given changes to the snapshot, in order, and returns the
// updated snapshot. The input snapshot is not modified. Malformed change
// records surface whatever error the patch library raises; callers own that
// failure mode.
func Apply(snapshot Snapshot, changes ChangeList) (Snapshot, error) {
	if len(changes) == 0 {
		return snapshot, nil
	}

	doc, err := json.Marshal([]json.RawMessage(changes))
	if err != nil {
		return nil, fmt.Errorf("failed to encode change list: %w", err)
	}

	patch, err := jsonpatch.DecodePatch(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to decode change list: %w", err)
	}

	updated, err := patch.Apply(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to apply change list: %w", err)
	}
	return updated, nil
}

// Equal reports whether two snapshots are structurally equal, ignoring key
// ordering and insignificant whitespace.
func Equal(a, b Snapshot) bool {
	return jsonpatch.Equal(a, b)
}
