package adapter

import (
	"context"

	"github.com/mirrorkit/mirrorkit/pkg/diff"
)

// Adapter is the data-source capability consumed by the synchronization
// engine. Implementations must keep Fetch safely re-invocable: the engine
// retries it during a full resync.
type Adapter interface {
	// Connect initiates the connection attempt and returns immediately.
	// Success or failure of the connection itself is reported via the
	// event stream; an error return means the attempt could not even be
	// started (for example, invalid configuration).
	Connect(ctx context.Context) error

	// Fetch retrieves one full snapshot of the remote data set.
	Fetch(ctx context.Context) (diff.Snapshot, error)

	// Events returns the adapter's event stream. The adapter closes the
	// channel when it shuts down. Events on the channel form a single
	// logical timeline; adapters must not emit concurrently.
	Events() <-chan Event

	// Close releases the adapter's resources and closes the event stream.
	Close() error
}

// Event is a lifecycle or update event emitted by an adapter. The set of
// implementations is closed: Connected, Disconnected, Update, SourceError.
type Event interface {
	event()
}

// Connected signals that the adapter established (or re-established) its
// connection to the data source. Carries no payload.
type Connected struct{}

// Disconnected signals that the adapter lost its connection. Carries no
// payload; the engine synthesizes the error it reports downstream.
type Disconnected struct{}

// Update carries an ordered change list emitted by the data source.
type Update struct {
	Changes diff.ChangeList
}

// SourceError carries any adapter-level failure other than a clean
// disconnect.
type SourceError struct {
	Err error
}

func (Connected) event()    {}
func (Disconnected) event() {}
func (Update) event()       {}
func (SourceError) event()  {}
