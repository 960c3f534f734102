package realtime_test

import (
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalcast/signalsync/internal/fault"
	"github.com/signalcast/signalsync/internal/syncengine/realtime"
	"github.com/signalcast/signalsync/internal/syncengine/remote"
	"github.com/signalcast/signalsync/internal/syncengine/remote/remotetest"
	"github.com/signalcast/signalsync/internal/syncengine/schema"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newChannel(t *testing.T, srv *remotetest.Server, cfg realtime.Config) *realtime.Client {
	t.Helper()
	token := srv.IssueToken("c@example.com")
	cfg.URL = srv.RealtimeURL()
	cfg.Token = func() string { return token }
	cfg.Logger = quietLogger()
	c := realtime.New(&cfg)
	t.Cleanup(c.Disconnect)
	return c
}

func nextEvent(t *testing.T, c *realtime.Client, timeout time.Duration) realtime.Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(timeout):
		t.Fatalf("no event within %v", timeout)
		return realtime.Event{}
	}
}

func waitConnected(t *testing.T, srv *remotetest.Server) string {
	t.Helper()
	select {
	case user := <-srv.Connected():
		return user
	case <-time.After(2 * time.Second):
		t.Fatal("server saw no connection")
		return ""
	}
}

func TestConnectAndReceive(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()

	var mu sync.Mutex
	var states []realtime.State
	c := newChannel(t, srv, realtime.Config{
		OnStateChange: func(s realtime.State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})

	c.Connect("c@example.com")
	c.Connect("c@example.com") // no-op while running

	assert.Equal(t, "c@example.com", waitConnected(t, srv))
	ev := nextEvent(t, c, 2*time.Second)
	require.Equal(t, realtime.EventConnected, ev.Type)
	assert.Equal(t, realtime.StateConnected, c.State())

	id := int64(42)
	poll := &remote.Poll{ID: &id, Question: "Lunch?", Options: schema.OptionsFromTexts([]string{"Yes", "No"}), Deadline: time.Now().Add(time.Hour)}

	require.NoError(t, srv.Push("HEARTBEAT", nil))
	require.NoError(t, srv.Push("POLL_CREATED", map[string]any{"poll": poll}))
	require.NoError(t, srv.Push("POLL_EDITED", map[string]any{"poll": poll, "republish": true}))
	require.NoError(t, srv.Push("SOMETHING_NEW", map[string]any{}))
	require.NoError(t, srv.Push("POLL_DELETED", map[string]any{"id": 42}))

	ev = nextEvent(t, c, 2*time.Second)
	require.Equal(t, realtime.EventPollCreated, ev.Type)
	require.NotNil(t, ev.Poll)
	assert.Equal(t, "Lunch?", ev.Poll.Question)
	assert.False(t, ev.Republish)

	ev = nextEvent(t, c, 2*time.Second)
	require.Equal(t, realtime.EventPollEdited, ev.Type)
	assert.True(t, ev.Republish)

	ev = nextEvent(t, c, 2*time.Second)
	require.Equal(t, realtime.EventPollDeleted, ev.Type)
	assert.Equal(t, int64(42), ev.CloudID)

	c.Disconnect()
	assert.Equal(t, realtime.StateDisconnected, c.State())
	assert.False(t, c.Running())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []realtime.State{realtime.StateConnecting, realtime.StateConnected, realtime.StateDisconnected}, states)
}

func TestWatchdogReconnects(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	srv.SetSilent(true)

	c := newChannel(t, srv, realtime.Config{
		WatchdogTimeout:    150 * time.Millisecond,
		ErrorBackoff:       50 * time.Millisecond,
		OpenFailureBackoff: time.Second,
	})
	c.Connect("c@example.com")
	waitConnected(t, srv)

	ev := nextEvent(t, c, 2*time.Second)
	require.Equal(t, realtime.EventDisconnected, ev.Type)
	assert.Equal(t, realtime.ReasonWatchdog, ev.Reason)
	assert.True(t, fault.IsChannel(ev.Err))

	// Reconnected after the error backoff, not the open-failure backoff.
	start := time.Now()
	waitConnected(t, srv)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestHeartbeatKeepsConnectionAlive(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()

	c := newChannel(t, srv, realtime.Config{
		WatchdogTimeout: 200 * time.Millisecond,
		ErrorBackoff:    50 * time.Millisecond,
	})
	c.Connect("c@example.com")
	waitConnected(t, srv)
	require.Equal(t, realtime.EventConnected, nextEvent(t, c, 2*time.Second).Type)

	for i := 0; i < 6; i++ {
		time.Sleep(80 * time.Millisecond)
		require.NoError(t, srv.Push("HEARTBEAT", nil))
	}

	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected event while heartbeats flow: %+v", ev)
	default:
	}
	assert.Equal(t, realtime.StateConnected, c.State())
}

func TestTransportErrorReconnects(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()

	c := newChannel(t, srv, realtime.Config{ErrorBackoff: 50 * time.Millisecond})
	c.Connect("c@example.com")
	waitConnected(t, srv)
	require.Equal(t, realtime.EventConnected, nextEvent(t, c, 2*time.Second).Type)

	srv.DropRealtime()

	ev := nextEvent(t, c, 2*time.Second)
	require.Equal(t, realtime.EventDisconnected, ev.Type)
	assert.Equal(t, realtime.ReasonTransport, ev.Reason)

	waitConnected(t, srv)
	assert.Equal(t, realtime.EventConnected, nextEvent(t, c, 2*time.Second).Type)
}

func TestOpenFailure(t *testing.T) {
	srv := remotetest.NewServer()
	url := srv.RealtimeURL()
	srv.Close()

	c := realtime.New(&realtime.Config{
		URL:                url,
		OpenFailureBackoff: 50 * time.Millisecond,
		Logger:             quietLogger(),
	})
	defer c.Disconnect()
	c.Connect("c@example.com")

	for i := 0; i < 2; i++ {
		ev := nextEvent(t, c, 2*time.Second)
		require.Equal(t, realtime.EventDisconnected, ev.Type)
		assert.Equal(t, realtime.ReasonOpenFailed, ev.Reason)
	}
}

func TestDisconnectWhenIdle(t *testing.T) {
	c := realtime.New(nil)
	c.Disconnect()
	assert.Equal(t, realtime.StateDisconnected, c.State())
	assert.Equal(t, "disconnected", c.State().String())
}
