// Package snapstore persists engine snapshots to disk so a restarted
// replica can warm-start with the last known data while it resynchronizes.
package snapstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/mirrorkit/mirrorkit/pkg/diff"
)

// lockRetryDelay is the polling interval while waiting for the file lock.
const lockRetryDelay = 50 * time.Millisecond

// envelope wraps the persisted snapshot with its write timestamp.
type envelope struct {
	SavedAt  time.Time       `json:"savedAt"`
	Snapshot json.RawMessage `json:"snapshot"`
}

// FileStore stores the snapshot in a single JSON file, guarded by an
// advisory file lock so concurrent processes sharing the path do not
// interleave writes. Writes are atomic (temp file plus rename).
type FileStore struct {
	path string
	lock *flock.Flock
}

// NewFileStore creates a file store rooted at path. The parent directory is
// created on the first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

// Save persists the snapshot, replacing any previous one.
func (s *FileStore) Save(ctx context.Context, snapshot diff.Snapshot) error {
	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("failed to acquire snapshot lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("failed to acquire snapshot lock")
	}
	defer s.lock.Unlock() //nolint:errcheck // best-effort unlock

	data, err := json.Marshal(envelope{
		SavedAt:  time.Now().UTC(),
		Snapshot: json.RawMessage(snapshot),
	})
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0750); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

// Load returns the persisted snapshot, or (nil, nil) when none exists.
func (s *FileStore) Load(ctx context.Context) (diff.Snapshot, error) {
	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire snapshot lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("failed to acquire snapshot lock")
	}
	defer s.lock.Unlock() //nolint:errcheck // best-effort unlock

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return diff.Snapshot(env.Snapshot), nil
}
