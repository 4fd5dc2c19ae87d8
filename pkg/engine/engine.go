package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/mirrorkit/mirrorkit/pkg/adapter"
	"github.com/mirrorkit/mirrorkit/pkg/diff"
	"github.com/mirrorkit/mirrorkit/pkg/retry"
	"github.com/mirrorkit/mirrorkit/pkg/telemetry"
)

// Status reports whether the local replica is consistent with the remote
// data set.
type Status string

const (
	// StatusSynchronized means the snapshot reflects the last full fetch
	// plus every change list applied since.
	StatusSynchronized Status = "in_sync"

	// StatusDesynchronized means any snapshot present is stale and must
	// not be treated as authoritative.
	StatusDesynchronized Status = "out_of_sync"
)

// ErrDisconnected is the synthetic error reported when the adapter signals a
// clean disconnect.
var ErrDisconnected = errors.New("disconnected from data source")

// ErrAlreadyStarted is returned by Start when the engine is already running.
var ErrAlreadyStarted = errors.New("engine already started")

// ResyncError reports an exhausted resync attempt budget.
type ResyncError struct {
	Attempts uint
	Err      error
}

func (e *ResyncError) Error() string {
	return fmt.Sprintf("full resync failed: %v", e.Err)
}

func (e *ResyncError) Unwrap() error {
	return e.Err
}

// Store persists the latest snapshot so a restarted engine can warm-start
// with stale data. Load returns (nil, nil) when no snapshot is persisted.
//
//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/mirrorkit/mirrorkit/pkg/engine Store
type Store interface {
	Save(ctx context.Context, snapshot diff.Snapshot) error
	Load(ctx context.Context) (diff.Snapshot, error)
}

// Engine is the synchronization state machine. Create one with New, start it
// with Start, and consume Notifications until Stop.
type Engine struct {
	adapter adapter.Adapter
	policy  retry.Policy
	store   Store
	metrics *telemetry.EngineMetrics
	logger  logr.Logger

	mu     sync.RWMutex
	status Status
	data   diff.Snapshot

	// Owned exclusively by the run loop.
	epoch          uint64
	resyncInFlight bool
	cancelResync   context.CancelFunc

	notifications chan Notification
	resyncResults chan resyncResult

	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type resyncResult struct {
	id       string
	epoch    uint64
	snapshot diff.Snapshot
	err      error
}

// Option configures an Engine.
type Option func(*Engine)

// WithRetryPolicy overrides the resync retry policy. The default allows 20
// attempts with exponential backoff.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(e *Engine) {
		e.policy = policy
	}
}

// WithStore enables snapshot persistence. The persisted snapshot is loaded
// as stale data at startup and rewritten after every resync and update.
func WithStore(store Store) Option {
	return func(e *Engine) {
		e.store = store
	}
}

// WithMetrics sets the telemetry instruments. A nil metrics value records
// nothing.
func WithMetrics(metrics *telemetry.EngineMetrics) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// WithNotificationBuffer sets the notification channel capacity. When the
// buffer is full, further notifications are dropped rather than blocking the
// state machine.
func WithNotificationBuffer(size int) Option {
	return func(e *Engine) {
		if size > 0 {
			e.notifications = make(chan Notification, size)
		}
	}
}

// New creates an engine bound to the given adapter. The engine starts
// desynchronized with no data.
func New(a adapter.Adapter, opts ...Option) *Engine {
	e := &Engine{
		adapter:       a,
		policy:        retry.Policy{MaxAttempts: retry.DefaultMaxAttempts},
		logger:        logr.Discard(),
		status:        StatusDesynchronized,
		notifications: make(chan Notification, 64),
		resyncResults: make(chan resyncResult),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the run loop and instructs the adapter to begin connecting.
// It never blocks on the connection itself; connection outcomes arrive
// through the adapter's event stream. The logger attached to ctx (if any) is
// used for all engine logging.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	e.mu.Unlock()

	e.logger = logr.FromContextOrDiscard(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	go e.run(runCtx)

	if err := e.adapter.Connect(runCtx); err != nil {
		e.cancel()
		<-e.done
		return fmt.Errorf("failed to initiate connection: %w", err)
	}
	return nil
}

// Stop shuts the run loop down and closes the notification channel. Safe to
// call on a never-started engine.
func (e *Engine) Stop() error {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return nil
	}
	e.cancel()
	<-e.done
	return nil
}

// Status returns the current synchronization status.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Data returns the current snapshot, or nil before the first successful
// resync. The returned value is a read-only view owned by the engine.
func (e *Engine) Data() diff.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.data
}

// Notifications returns the engine's notification stream. The channel is
// closed when the engine stops.
func (e *Engine) Notifications() <-chan Notification {
	return e.notifications
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	defer close(e.notifications)

	e.loadPersistedSnapshot(ctx)

	for {
		select {
		case ev, ok := <-e.adapter.Events():
			if !ok {
				e.logger.V(1).Info("Adapter event stream closed; stopping engine")
				return
			}
			e.handleEvent(ctx, ev)
		case res := <-e.resyncResults:
			e.finishResync(ctx, res)
		case <-ctx.Done():
			if e.cancelResync != nil {
				e.cancelResync()
			}
			return
		}
	}
}

// loadPersistedSnapshot warm-starts the replica with the last persisted
// snapshot. The data is stale until the first resync completes, so status
// stays desynchronized.
func (e *Engine) loadPersistedSnapshot(ctx context.Context) {
	if e.store == nil {
		return
	}
	snapshot, err := e.store.Load(ctx)
	if err != nil {
		e.logger.Error(err, "Failed to load persisted snapshot")
		return
	}
	if snapshot == nil {
		return
	}
	e.mu.Lock()
	e.data = snapshot
	e.mu.Unlock()
	e.logger.Info("Loaded persisted snapshot as stale data", "snapshot_bytes", len(snapshot))
}

func (e *Engine) handleEvent(ctx context.Context, ev adapter.Event) {
	switch ev := ev.(type) {
	case adapter.Connected:
		e.handleConnect(ctx)
	case adapter.Disconnected:
		e.demote(ctx, ErrDisconnected)
	case adapter.Update:
		e.handleUpdate(ctx, ev.Changes)
	case adapter.SourceError:
		e.demote(ctx, ev.Err)
	default:
		e.logger.Info("Ignoring unknown adapter event", "type", fmt.Sprintf("%T", ev))
	}
}

// handleConnect begins a bounded-retry full resync. Duplicate connect
// signals while already synchronized, or while a resync is in flight, are
// no-ops.
func (e *Engine) handleConnect(ctx context.Context) {
	if e.Status() == StatusSynchronized {
		e.logger.V(1).Info("Ignoring connect signal; already synchronized")
		return
	}
	if e.resyncInFlight {
		e.logger.V(1).Info("Ignoring connect signal; resync already in flight")
		return
	}

	e.epoch++
	epoch := e.epoch
	e.resyncInFlight = true

	resyncCtx, cancel := context.WithCancel(ctx)
	e.cancelResync = cancel

	resyncID := uuid.NewString()
	e.logger.Info("Starting full resync",
		"resync_id", resyncID,
		"max_attempts", e.policy.MaxAttempts)

	go func() {
		snapshot, err := retry.Do(resyncCtx, e.policy,
			func(ctx context.Context) (diff.Snapshot, error) {
				return e.adapter.Fetch(ctx)
			},
			retry.WithNotify(func(attemptErr error, next time.Duration) {
				e.metrics.RecordResyncAttempt(resyncCtx)
				e.logger.V(1).Info("Resync attempt failed; backing off",
					"resync_id", resyncID,
					"error", attemptErr.Error(),
					"next_attempt_in", next.String())
			}),
		)
		select {
		case e.resyncResults <- resyncResult{id: resyncID, epoch: epoch, snapshot: snapshot, err: err}:
		case <-ctx.Done():
		}
	}()
}

// finishResync runs on the loop goroutine once a resync attempt sequence
// completes. Results from a superseded epoch are discarded: a demotion
// happened after the resync started, and its outcome must not override it.
func (e *Engine) finishResync(ctx context.Context, res resyncResult) {
	if res.epoch != e.epoch {
		e.logger.V(1).Info("Discarding resync result from superseded epoch", "resync_id", res.id)
		return
	}
	e.resyncInFlight = false
	if e.cancelResync != nil {
		e.cancelResync()
		e.cancelResync = nil
	}

	if res.err != nil {
		resyncErr := &ResyncError{Attempts: e.policy.MaxAttempts, Err: res.err}
		e.logger.Error(res.err, "Full resync failed; attempt budget exhausted", "resync_id", res.id)
		e.metrics.RecordResync(ctx, false)
		e.notify(Notification{Kind: NotificationError, Err: resyncErr})
		e.setStatus(ctx, StatusDesynchronized, resyncErr)
		return
	}

	e.mu.Lock()
	e.data = res.snapshot
	e.mu.Unlock()
	e.persist(ctx, res.snapshot)

	e.logger.Info("Full resync completed",
		"resync_id", res.id,
		"snapshot_bytes", len(res.snapshot))
	e.metrics.RecordResync(ctx, true)
	e.notify(Notification{Kind: NotificationReset, Snapshot: res.snapshot})
	e.setStatus(ctx, StatusSynchronized, nil)
}

// handleUpdate applies an incremental change list. Updates are meaningless
// without a trusted base snapshot, so anything arriving while
// desynchronized (including mid-resync) is dropped.
func (e *Engine) handleUpdate(ctx context.Context, changes diff.ChangeList) {
	if e.Status() != StatusSynchronized {
		e.logger.V(1).Info("Dropping update while desynchronized", "changes", len(changes))
		e.metrics.RecordUpdateDropped(ctx)
		return
	}

	e.mu.RLock()
	current := e.data
	e.mu.RUnlock()

	updated, err := diff.Apply(current, changes)
	if err != nil {
		// A change list that does not apply to the current snapshot is a
		// defect in the update stream; the replica can no longer be
		// trusted until the next full resync.
		e.demote(ctx, err)
		return
	}

	e.mu.Lock()
	e.data = updated
	e.mu.Unlock()
	e.persist(ctx, updated)

	e.metrics.RecordUpdateApplied(ctx)
	e.notify(Notification{Kind: NotificationChange, Changes: changes, Snapshot: updated})
}

// demote transitions to Desynchronized, advancing the epoch so any in-flight
// resync result is discarded when it eventually lands.
func (e *Engine) demote(ctx context.Context, cause error) {
	e.epoch++
	e.resyncInFlight = false
	if e.cancelResync != nil {
		e.cancelResync()
		e.cancelResync = nil
	}
	e.setStatus(ctx, StatusDesynchronized, cause)
}

// setStatus records the new status and emits the matching status
// notification. Every status write emits, including redundant demotions:
// consumers rely on the notification rather than polling.
func (e *Engine) setStatus(ctx context.Context, status Status, cause error) {
	e.mu.Lock()
	e.status = status
	e.mu.Unlock()

	e.metrics.RecordStatusTransition(ctx, string(status))
	if cause != nil {
		e.logger.Info("Status changed", "status", status, "cause", cause.Error())
	} else {
		e.logger.Info("Status changed", "status", status)
	}

	kind := NotificationInSync
	if status == StatusDesynchronized {
		kind = NotificationOutOfSync
	}
	e.notify(Notification{Kind: kind, Status: status, Err: cause})
}

func (e *Engine) persist(ctx context.Context, snapshot diff.Snapshot) {
	if e.store == nil {
		return
	}
	if err := e.store.Save(ctx, snapshot); err != nil {
		e.logger.Error(err, "Failed to persist snapshot")
	}
}

// notify delivers without blocking the state machine: a full buffer drops
// the notification.
func (e *Engine) notify(n Notification) {
	select {
	case e.notifications <- n:
	default:
		e.logger.Info("Dropping notification; subscriber buffer full", "kind", n.Kind)
	}
}
