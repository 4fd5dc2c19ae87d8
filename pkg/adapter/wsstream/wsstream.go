// Package wsstream implements a streaming data-source adapter over
// WebSocket.
//
// The remote source pushes JSON envelopes: update envelopes carry
// incremental change lists, snapshot envelopes answer fetch requests, and
// error envelopes report source-side failures. Fetches are correlated with
// their replies by message ID. The adapter redials automatically with
// bounded backoff when the connection drops, emitting Disconnected and
// Connected events on each edge.
package wsstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mirrorkit/mirrorkit/pkg/adapter"
	"github.com/mirrorkit/mirrorkit/pkg/diff"
	"github.com/mirrorkit/mirrorkit/pkg/retry"
)

// Envelope message types.
const (
	msgFetch    = "fetch"
	msgSnapshot = "snapshot"
	msgUpdate   = "update"
	msgError    = "error"
)

// ErrNotConnected is returned by Fetch while the adapter has no live
// connection.
var ErrNotConnected = errors.New("not connected to data source")

// envelope is the wire format shared with the data source.
type envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Changes diff.ChangeList `json:"changes,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Option configures the adapter.
type Option func(*Adapter)

// WithRedialPolicy overrides the bounded-backoff policy used when
// re-establishing a dropped connection.
func WithRedialPolicy(policy retry.Policy) Option {
	return func(a *Adapter) {
		a.redial = policy
	}
}

// WithHandshakeTimeout sets the WebSocket handshake timeout.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(a *Adapter) {
		if timeout > 0 {
			a.dialer.HandshakeTimeout = timeout
		}
	}
}

// Adapter maintains a WebSocket session with the data source.
type Adapter struct {
	url    string
	dialer *websocket.Dialer
	redial retry.Policy
	events chan adapter.Event

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan envelope

	writeMu sync.Mutex

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates an adapter for the given WebSocket URL (ws:// or wss://).
func New(url string, opts ...Option) *Adapter {
	dialer := *websocket.DefaultDialer
	a := &Adapter{
		url:    url,
		dialer: &dialer,
		redial: retry.Policy{
			MaxAttempts:     10,
			InitialInterval: time.Second,
			MaxInterval:     30 * time.Second,
			Multiplier:      2,
		},
		events:  make(chan adapter.Event, 16),
		pending: make(map[string]chan envelope),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Connect starts the session loop. The first successful dial emits
// Connected.
func (a *Adapter) Connect(ctx context.Context) error {
	a.startOnce.Do(func() {
		sessionCtx, cancel := context.WithCancel(ctx)
		a.cancel = cancel
		go a.sessionLoop(sessionCtx)
	})
	return nil
}

// Fetch requests one full snapshot over the live connection and waits for
// the correlated reply.
func (a *Adapter) Fetch(ctx context.Context) (diff.Snapshot, error) {
	a.mu.Lock()
	conn := a.conn
	if conn == nil {
		a.mu.Unlock()
		return nil, ErrNotConnected
	}
	id := uuid.NewString()
	reply := make(chan envelope, 1)
	a.pending[id] = reply
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
	}()

	if err := a.writeJSON(conn, envelope{Type: msgFetch, ID: id}); err != nil {
		return nil, fmt.Errorf("fetch request failed: %w", err)
	}

	select {
	case env := <-reply:
		if env.Type == msgError {
			return nil, fmt.Errorf("fetch rejected by source: %s", env.Error)
		}
		return diff.Snapshot(env.Data), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Events returns the adapter's event stream.
func (a *Adapter) Events() <-chan adapter.Event {
	return a.events
}

// Close tears the session down and closes the event stream.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
			a.closeConn()
			<-a.done
		}
		close(a.events)
	})
	return nil
}

func (a *Adapter) sessionLoop(ctx context.Context) {
	defer close(a.done)

	logger := logr.FromContextOrDiscard(ctx)

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := retry.Do(ctx, a.redial, func(ctx context.Context) (*websocket.Conn, error) {
			c, resp, dialErr := a.dialer.DialContext(ctx, a.url, nil)
			if resp != nil && resp.Body != nil {
				resp.Body.Close() //nolint:errcheck
			}
			return c, dialErr
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Redial budget exhausted; report it and start a fresh
			// cycle after the backoff ceiling.
			a.emit(ctx, adapter.SourceError{Err: fmt.Errorf("failed to dial %s: %w", a.url, err)})
			select {
			case <-time.After(a.redial.MaxInterval):
				continue
			case <-ctx.Done():
				return
			}
		}

		a.mu.Lock()
		a.conn = conn
		a.mu.Unlock()

		logger.Info("Connected to data source", "url", a.url)
		a.emit(ctx, adapter.Connected{})

		a.readLoop(ctx, logger, conn)

		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
		conn.Close() //nolint:errcheck
		a.failPending()

		if ctx.Err() != nil {
			return
		}
		logger.Info("Connection to data source lost", "url", a.url)
		a.emit(ctx, adapter.Disconnected{})
	}
}

// readLoop consumes envelopes until the connection fails.
func (a *Adapter) readLoop(ctx context.Context, logger logr.Logger, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			a.emit(ctx, adapter.SourceError{Err: fmt.Errorf("malformed envelope from source: %w", err)})
			continue
		}

		switch env.Type {
		case msgSnapshot:
			a.deliverReply(env)
		case msgUpdate:
			a.emit(ctx, adapter.Update{Changes: env.Changes})
		case msgError:
			if env.ID != "" {
				a.deliverReply(env)
				continue
			}
			a.emit(ctx, adapter.SourceError{Err: fmt.Errorf("source reported error: %s", env.Error)})
		default:
			logger.V(1).Info("Ignoring unknown envelope type", "type", env.Type)
		}
	}
}

func (a *Adapter) deliverReply(env envelope) {
	a.mu.Lock()
	reply, ok := a.pending[env.ID]
	if ok {
		delete(a.pending, env.ID)
	}
	a.mu.Unlock()
	if ok {
		reply <- env
	}
}

// failPending unblocks fetches that were waiting on the dropped connection.
func (a *Adapter) failPending() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, reply := range a.pending {
		delete(a.pending, id)
		reply <- envelope{Type: msgError, ID: id, Error: "connection lost"}
	}
}

func (a *Adapter) writeJSON(conn *websocket.Conn, env envelope) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return conn.WriteJSON(env)
}

func (a *Adapter) closeConn() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		a.conn.Close() //nolint:errcheck
		a.conn = nil
	}
}

func (a *Adapter) emit(ctx context.Context, ev adapter.Event) {
	select {
	case a.events <- ev:
	case <-ctx.Done():
	}
}
