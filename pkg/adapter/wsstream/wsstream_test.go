package wsstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorkit/mirrorkit/pkg/adapter"
	"github.com/mirrorkit/mirrorkit/pkg/diff"
	"github.com/mirrorkit/mirrorkit/pkg/retry"
)

var fastRedial = retry.Policy{
	MaxAttempts:     5,
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
	Multiplier:      2,
}

// sourceServer is a scriptable WebSocket data source. It answers fetch
// requests with the current snapshot and pushes whatever envelopes the test
// feeds it.
type sourceServer struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	snapshot string
	conns    []*websocket.Conn
}

func newSourceServer(snapshot string) *sourceServer {
	return &sourceServer{snapshot: snapshot}
}

func (s *sourceServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		if env.Type == msgFetch {
			s.mu.Lock()
			snap := s.snapshot
			s.mu.Unlock()
			_ = conn.WriteJSON(envelope{Type: msgSnapshot, ID: env.ID, Data: json.RawMessage(snap)})
		}
	}
}

func (s *sourceServer) setSnapshot(snap string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = snap
}

// push sends an envelope on the most recent connection.
func (s *sourceServer) push(t *testing.T, env envelope) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.conns, "no active connection to push on")
	require.NoError(t, s.conns[len(s.conns)-1].WriteJSON(env))
}

// dropConnections closes every active connection.
func (s *sourceServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = nil
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func nextEvent(t *testing.T, a *Adapter) adapter.Event {
	t.Helper()
	select {
	case ev, ok := <-a.Events():
		require.True(t, ok, "event channel closed unexpectedly")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for adapter event")
		return nil
	}
}

func startAdapter(t *testing.T, url string) *Adapter {
	t.Helper()
	a := New(url, WithRedialPolicy(fastRedial), WithHandshakeTimeout(time.Second))
	require.NoError(t, a.Connect(context.Background()))
	t.Cleanup(func() {
		_ = a.Close()
	})
	return a
}

func TestConnectEmitsConnected(t *testing.T) {
	t.Parallel()

	source := newSourceServer(`{}`)
	srv := httptest.NewServer(source)
	defer srv.Close()

	a := startAdapter(t, wsURL(srv))
	assert.IsType(t, adapter.Connected{}, nextEvent(t, a))
}

func TestFetchCorrelatesReply(t *testing.T) {
	t.Parallel()

	source := newSourceServer(`{"key1":"value1"}`)
	srv := httptest.NewServer(source)
	defer srv.Close()

	a := startAdapter(t, wsURL(srv))
	require.IsType(t, adapter.Connected{}, nextEvent(t, a))

	snap, err := a.Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, diff.Equal(diff.Snapshot(`{"key1":"value1"}`), snap))
}

func TestFetchWhileDisconnected(t *testing.T) {
	t.Parallel()

	a := New("ws://127.0.0.1:1/does-not-exist", WithRedialPolicy(retry.Policy{
		MaxAttempts:     1,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Multiplier:      2,
	}))
	defer a.Close()

	_, err := a.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestUpdateEnvelopeEmitsUpdate(t *testing.T) {
	t.Parallel()

	source := newSourceServer(`{}`)
	srv := httptest.NewServer(source)
	defer srv.Close()

	a := startAdapter(t, wsURL(srv))
	require.IsType(t, adapter.Connected{}, nextEvent(t, a))

	source.push(t, envelope{Type: msgUpdate, Changes: diff.ChangeList{
		json.RawMessage(`{"op":"add","path":"/key2","value":"value2"}`),
	}})

	ev := nextEvent(t, a)
	update, ok := ev.(adapter.Update)
	require.True(t, ok, "expected Update, got %T", ev)
	require.Len(t, update.Changes, 1)
}

func TestSourceErrorEnvelope(t *testing.T) {
	t.Parallel()

	source := newSourceServer(`{}`)
	srv := httptest.NewServer(source)
	defer srv.Close()

	a := startAdapter(t, wsURL(srv))
	require.IsType(t, adapter.Connected{}, nextEvent(t, a))

	source.push(t, envelope{Type: msgError, Error: "stream desync"})

	ev := nextEvent(t, a)
	srcErr, ok := ev.(adapter.SourceError)
	require.True(t, ok, "expected SourceError, got %T", ev)
	assert.Contains(t, srcErr.Err.Error(), "stream desync")
}

func TestDroppedConnectionRedialsAndReconnects(t *testing.T) {
	t.Parallel()

	source := newSourceServer(`{}`)
	srv := httptest.NewServer(source)
	defer srv.Close()

	a := startAdapter(t, wsURL(srv))
	require.IsType(t, adapter.Connected{}, nextEvent(t, a))

	source.dropConnections()
	assert.IsType(t, adapter.Disconnected{}, nextEvent(t, a))
	assert.IsType(t, adapter.Connected{}, nextEvent(t, a))
}

func TestCloseClosesEventStream(t *testing.T) {
	t.Parallel()

	source := newSourceServer(`{}`)
	srv := httptest.NewServer(source)
	defer srv.Close()

	a := New(wsURL(srv), WithRedialPolicy(fastRedial))
	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, a.Close())

	for range a.Events() { //nolint:revive // drain until close
	}
}
