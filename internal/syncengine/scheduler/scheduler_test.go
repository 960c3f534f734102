package scheduler_test

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalcast/signalsync/internal/syncengine/coordinator"
	"github.com/signalcast/signalsync/internal/syncengine/db"
	"github.com/signalcast/signalsync/internal/syncengine/realtime"
	"github.com/signalcast/signalsync/internal/syncengine/remote"
	"github.com/signalcast/signalsync/internal/syncengine/remote/remotetest"
	"github.com/signalcast/signalsync/internal/syncengine/scheduler"
	"github.com/signalcast/signalsync/internal/syncengine/schema"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func openStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "signals.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.InitSchema())
	return store
}

func scheduled(t *testing.T, store *db.DB, localID string, at, now time.Time) {
	t.Helper()
	sig := &schema.Signal{
		LocalID:      localID,
		Question:     "Retro at " + at.Format(time.Kitchen) + "?",
		Options:      schema.OptionsFromTexts([]string{"Yes", "No"}),
		Deadline:     at.Add(time.Hour),
		Status:       schema.StatusScheduled,
		ScheduledFor: &at,
	}
	sig.SetDefaults(now)
	_, err := store.UpsertSignal(sig)
	require.NoError(t, err)
}

type recordingPublisher struct {
	mu     sync.Mutex
	pushed []string
	fail   map[string]bool
	panics map[string]bool
}

func (p *recordingPublisher) PushSignal(ctx context.Context, localID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed = append(p.pushed, localID)
	if p.panics[localID] {
		panic("publisher bug")
	}
	if p.fail[localID] {
		return errors.New("backend unreachable")
	}
	return nil
}

func (p *recordingPublisher) calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.pushed...)
}

func TestNew_Requires(t *testing.T) {
	_, err := scheduler.New(nil)
	assert.Error(t, err)
	_, err = scheduler.New(&scheduler.Config{Store: openStore(t)})
	assert.Error(t, err)
}

func TestCheck_PromotesDueSignals(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	scheduled(t, store, "due-1", now.Add(-time.Minute), now.Add(-time.Hour))
	scheduled(t, store, "due-2", now, now.Add(-time.Hour))
	scheduled(t, store, "later", now.Add(time.Hour), now.Add(-time.Hour))

	pub := &recordingPublisher{fail: map[string]bool{"due-1": true}}
	s, err := scheduler.New(&scheduler.Config{
		Store:     store,
		Publisher: pub,
		Now:       func() time.Time { return now },
		Logger:    quietLogger(),
	})
	require.NoError(t, err)

	n, err := s.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"due-1", "due-2"}, pub.calls(), "a failed publish does not stop the others")

	for _, id := range []string{"due-1", "due-2"} {
		sig, err := store.GetSignalContext(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, schema.StatusActive, sig.Status, id)
		assert.Equal(t, schema.SyncPending, sig.SyncStatus, id)
		require.NotNil(t, sig.PublishedAt, id)
		assert.True(t, sig.PublishedAt.Equal(now), id)
	}

	later, err := store.GetSignalContext(ctx, "later")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusScheduled, later.Status)

	// Already promoted: nothing to do.
	n, err = s.Check(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, pub.calls(), 2)
}

func TestCheck_PanicInPublishIsContained(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	scheduled(t, store, "due-1", now.Add(-2*time.Minute), now.Add(-time.Hour))
	scheduled(t, store, "due-2", now.Add(-time.Minute), now.Add(-time.Hour))

	pub := &recordingPublisher{panics: map[string]bool{"due-1": true}}
	s, err := scheduler.New(&scheduler.Config{
		Store:     store,
		Publisher: pub,
		Now:       func() time.Time { return now },
		Logger:    quietLogger(),
	})
	require.NoError(t, err)

	var n int
	require.NotPanics(t, func() { n, err = s.Check(ctx) })
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"due-1", "due-2"}, pub.calls())

	for _, id := range []string{"due-1", "due-2"} {
		sig, err := store.GetSignalContext(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, schema.StatusActive, sig.Status, id)
	}
}

func TestStart_ChecksImmediately(t *testing.T) {
	store := openStore(t)
	now := time.Now()
	scheduled(t, store, "due", now.Add(-time.Second), now.Add(-time.Hour))

	pub := &recordingPublisher{}
	s, err := scheduler.New(&scheduler.Config{
		Store:     store,
		Publisher: pub,
		Interval:  time.Hour,
		Logger:    quietLogger(),
	})
	require.NoError(t, err)

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for len(pub.calls()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, []string{"due"}, pub.calls())
}

// A scheduled signal whose first publish fails is picked up by the next sync.
func TestPromoteThenSync(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	srv := remotetest.NewServer()
	defer srv.Close()
	srv.AddUser("pub@example.com", "secret", "Pat")
	srv.SetNextPollID(42)

	client, err := remote.New(&remote.Config{BaseURL: srv.URL, Timeout: 2 * time.Second})
	require.NoError(t, err)
	c, err := coordinator.New(&coordinator.Config{
		Store:   store,
		Remote:  client,
		Channel: realtime.New(&realtime.Config{URL: srv.RealtimeURL(), Logger: quietLogger()}),
		Logger:  quietLogger(),
	})
	require.NoError(t, err)
	defer c.Shutdown()
	_, err = c.Authenticate(ctx, "pub@example.com", "secret")
	require.NoError(t, err)

	now := time.Now()
	scheduled(t, store, "s1", now.Add(-time.Second), now.Add(-time.Minute))

	s, err := scheduler.New(&scheduler.Config{Store: store, Publisher: c, Logger: quietLogger()})
	require.NoError(t, err)

	srv.FailNext("POST /api/polls", 0, "")
	n, err := s.Check(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	sig, err := store.GetSignalContext(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusActive, sig.Status)
	assert.Equal(t, schema.SyncPending, sig.SyncStatus)
	assert.False(t, sig.HasCloudID())

	_, err = c.RunSync(ctx)
	require.NoError(t, err)

	sig, err = store.GetSignalContext(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, schema.SyncSynced, sig.SyncStatus)
	require.True(t, sig.HasCloudID())
	assert.Equal(t, int64(42), *sig.CloudID)
}
