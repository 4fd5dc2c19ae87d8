package diff

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeAndApplyRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		before string
		after  string
	}{
		{
			name:   "value updated and key added",
			before: `{"key1":"value1"}`,
			after:  `{"key1":"value1-updated","key2":"value2"}`,
		},
		{
			name:   "key removed",
			before: `{"key1":"value1","key2":"value2"}`,
			after:  `{"key1":"value1"}`,
		},
		{
			name:   "nested structures",
			before: `{"servers":{"alpha":{"port":8080}},"tags":["a","b"]}`,
			after:  `{"servers":{"alpha":{"port":9090},"beta":{"port":8081}},"tags":["a"]}`,
		},
		{
			name:   "array element replaced",
			before: `[1,2,3]`,
			after:  `[1,4,3]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			changes, err := Compute(Snapshot(tt.before), Snapshot(tt.after))
			require.NoError(t, err)
			require.NotEmpty(t, changes)

			updated, err := Apply(Snapshot(tt.before), changes)
			require.NoError(t, err)
			assert.True(t, Equal(Snapshot(tt.after), updated),
				"expected %s, got %s", tt.after, string(updated))
		})
	}
}

func TestComputeNoChanges(t *testing.T) {
	t.Parallel()

	changes, err := Compute(Snapshot(`{"key1":"value1"}`), Snapshot(`{"key1":"value1"}`))
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestComputeInvalidJSON(t *testing.T) {
	t.Parallel()

	_, err := Compute(Snapshot(`{not json`), Snapshot(`{}`))
	assert.Error(t, err)
}

func TestApplyEmptyChangeListReturnsSnapshotUnmodified(t *testing.T) {
	t.Parallel()

	snap := Snapshot(`{"key1":"value1"}`)
	updated, err := Apply(snap, nil)
	require.NoError(t, err)
	assert.Equal(t, snap, updated)
}

func TestApplyPreservesOrder(t *testing.T) {
	t.Parallel()

	// Both records touch the same path; the second must win.
	changes := ChangeList{
		json.RawMessage(`{"op":"replace","path":"/key1","value":"first"}`),
		json.RawMessage(`{"op":"replace","path":"/key1","value":"second"}`),
	}

	updated, err := Apply(Snapshot(`{"key1":"value1"}`), changes)
	require.NoError(t, err)
	assert.True(t, Equal(Snapshot(`{"key1":"second"}`), updated))
}

func TestApplyMalformedChangeRecord(t *testing.T) {
	t.Parallel()

	changes := ChangeList{
		json.RawMessage(`{"op":"replace","path":"/missing","value":1}`),
	}

	_, err := Apply(Snapshot(`{"key1":"value1"}`), changes)
	assert.Error(t, err)
}

func TestEqual(t *testing.T) {
	t.Parallel()

	assert.True(t, Equal(Snapshot(`{"a":1,"b":2}`), Snapshot(`{"b":2,"a":1}`)))
	assert.False(t, Equal(Snapshot(`{"a":1}`), Snapshot(`{"a":2}`)))
}
