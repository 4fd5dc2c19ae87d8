package httppoll

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorkit/mirrorkit/pkg/adapter"
	"github.com/mirrorkit/mirrorkit/pkg/diff"
)

// snapshotServer serves a mutable JSON snapshot.
type snapshotServer struct {
	mu      sync.Mutex
	body    string
	failing bool
}

func (s *snapshotServer) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(s.body)) //nolint:errcheck
}

func (s *snapshotServer) set(body string, failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.body = body
	s.failing = failing
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
	a := New(url, WithInterval(5*time.Millisecond), WithTimeout(time.Second))
	require.NoError(t, a.Connect(context.Background()))
	t.Cleanup(func() {
		_ = a.Close()
	})
	return a
}

func TestFetchReturnsSnapshot(t *testing.T) {
	t.Parallel()

	backend := &snapshotServer{body: `{"key1":"value1"}`}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	a := New(srv.URL)
	defer a.Close()

	snap, err := a.Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, diff.Equal(diff.Snapshot(`{"key1":"value1"}`), snap))
}

func TestFetchServerError(t *testing.T) {
	t.Parallel()

	backend := &snapshotServer{failing: true}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	a := New(srv.URL)
	defer a.Close()

	_, err := a.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestConnectEmitsConnectedOnFirstSuccessfulPoll(t *testing.T) {
	t.Parallel()

	backend := &snapshotServer{body: `{"v":1}`}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	a := startAdapter(t, srv.URL)

	assert.IsType(t, adapter.Connected{}, nextEvent(t, a))
}

func TestContentChangeEmitsUpdate(t *testing.T) {
	t.Parallel()

	backend := &snapshotServer{body: `{"key1":"value1"}`}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	a := startAdapter(t, srv.URL)
	require.IsType(t, adapter.Connected{}, nextEvent(t, a))

	backend.set(`{"key1":"value1-updated","key2":"value2"}`, false)

	ev := nextEvent(t, a)
	update, ok := ev.(adapter.Update)
	require.True(t, ok, "expected Update, got %T", ev)

	applied, err := diff.Apply(diff.Snapshot(`{"key1":"value1"}`), update.Changes)
	require.NoError(t, err)
	assert.True(t, diff.Equal(diff.Snapshot(`{"key1":"value1-updated","key2":"value2"}`), applied))
}

func TestUnreachableSourceEmitsDisconnectedOnce(t *testing.T) {
	t.Parallel()

	backend := &snapshotServer{body: `{"v":1}`}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	a := startAdapter(t, srv.URL)
	require.IsType(t, adapter.Connected{}, nextEvent(t, a))

	backend.set("", true)
	assert.IsType(t, adapter.Disconnected{}, nextEvent(t, a))

	// Recovery emits Connected again.
	backend.set(`{"v":2}`, false)
	assert.IsType(t, adapter.Connected{}, nextEvent(t, a))
}

func TestUnchangedContentEmitsNothing(t *testing.T) {
	t.Parallel()

	backend := &snapshotServer{body: `{"v":1}`}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	a := startAdapter(t, srv.URL)
	require.IsType(t, adapter.Connected{}, nextEvent(t, a))

	// Force a change after several unchanged polls; the next event must
	// be that update, proving the unchanged polls stayed silent.
	time.Sleep(50 * time.Millisecond)
	backend.set(`{"v":2}`, false)

	assert.IsType(t, adapter.Update{}, nextEvent(t, a))
}

func TestCloseClosesEventStream(t *testing.T) {
	t.Parallel()

	backend := &snapshotServer{body: `{}`}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	a := New(srv.URL, WithInterval(5*time.Millisecond))
	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, a.Close())

	for range a.Events() { //nolint:revive // drain until close
	}
}
