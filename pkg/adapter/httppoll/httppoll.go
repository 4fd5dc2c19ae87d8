// Package httppoll implements a polling data-source adapter over HTTP.
//
// The adapter periodically fetches the snapshot endpoint and compares
// content hashes. A reachability edge produces a Connected or Disconnected
// event; a content change while connected produces an Update event carrying
// the change list between the two polled snapshots.
package httppoll

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-resty/resty/v2"

	"github.com/mirrorkit/mirrorkit/pkg/adapter"
	"github.com/mirrorkit/mirrorkit/pkg/diff"
)

const (
	// DefaultInterval is the default polling interval.
	DefaultInterval = 10 * time.Second

	// DefaultTimeout is the default per-request timeout.
	DefaultTimeout = 15 * time.Second
)

// Option configures the adapter.
type Option func(*Adapter)

// WithInterval sets the polling interval.
func WithInterval(interval time.Duration) Option {
	return func(a *Adapter) {
		if interval > 0 {
			a.interval = interval
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(a *Adapter) {
		if timeout > 0 {
			a.client.SetTimeout(timeout)
		}
	}
}

// Adapter polls an HTTP endpoint serving the full data set as JSON.
type Adapter struct {
	client   *resty.Client
	endpoint string
	interval time.Duration
	events   chan adapter.Event

	// Poll-loop state; the loop is the only writer.
	connected bool
	lastBody  diff.Snapshot
	lastHash  [sha256.Size]byte

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates an adapter polling the given endpoint.
func New(endpoint string, opts ...Option) *Adapter {
	a := &Adapter{
		client: resty.New().
			SetTimeout(DefaultTimeout).
			SetHeader("Accept", "application/json"),
		endpoint: endpoint,
		interval: DefaultInterval,
		events:   make(chan adapter.Event, 16),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Connect starts the poll loop. The first successful poll emits Connected.
func (a *Adapter) Connect(ctx context.Context) error {
	a.startOnce.Do(func() {
		pollCtx, cancel := context.WithCancel(ctx)
		a.cancel = cancel
		go a.pollLoop(pollCtx)
	})
	return nil
}

// Fetch retrieves one full snapshot.
func (a *Adapter) Fetch(ctx context.Context) (diff.Snapshot, error) {
	return a.get(ctx)
}

// Events returns the adapter's event stream.
func (a *Adapter) Events() <-chan adapter.Event {
	return a.events
}

// Close stops the poll loop and closes the event stream.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
			<-a.done
		}
		close(a.events)
	})
	return nil
}

func (a *Adapter) pollLoop(ctx context.Context) {
	defer close(a.done)

	logger := logr.FromContextOrDiscard(ctx)

	// Poll immediately, then on the interval.
	a.poll(ctx, logger)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.poll(ctx, logger)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Adapter) poll(ctx context.Context, logger logr.Logger) {
	body, err := a.get(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if a.connected {
			logger.Info("Source became unreachable", "error", err.Error())
			a.connected = false
			a.emit(ctx, adapter.Disconnected{})
		}
		// Failures while already disconnected stay silent; the loop
		// keeps probing until the source comes back.
		return
	}

	hash := sha256.Sum256(body)

	if !a.connected {
		a.connected = true
		a.lastBody = body
		a.lastHash = hash
		a.emit(ctx, adapter.Connected{})
		return
	}

	if hash == a.lastHash {
		return
	}

	changes, err := diff.Compute(a.lastBody, body)
	if err != nil {
		a.emit(ctx, adapter.SourceError{Err: fmt.Errorf("failed to diff polled snapshots: %w", err)})
		return
	}

	logger.V(1).Info("Source data changed", "changes", len(changes))
	a.lastBody = body
	a.lastHash = hash
	a.emit(ctx, adapter.Update{Changes: changes})
}

func (a *Adapter) get(ctx context.Context) (diff.Snapshot, error) {
	resp, err := a.client.R().SetContext(ctx).Get(a.endpoint)
	if err != nil {
		return nil, fmt.Errorf("snapshot request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("snapshot request returned status %d", resp.StatusCode())
	}
	return diff.Snapshot(resp.Body()), nil
}

func (a *Adapter) emit(ctx context.Context, ev adapter.Event) {
	select {
	case a.events <- ev:
	case <-ctx.Done():
	}
}
