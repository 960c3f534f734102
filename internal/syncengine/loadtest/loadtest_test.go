package loadtest

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalcast/signalsync/internal/syncengine/db"
	"github.com/signalcast/signalsync/internal/syncengine/schema"
)

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "load.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return store
}

// TestRun_Small verifies that concurrent upserts converge to one row per key.
func TestRun_Small(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()

	opts := Options{Writers: 8, Keys: 5, WritesPerWriter: 20, Users: 4, Seed: 7}
	result, err := Run(ctx, store, opts)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if result.Signals.Operations != 160 {
		t.Errorf("Expected 160 signal upserts, got %d", result.Signals.Operations)
	}
	if result.Signals.Errors > 0 {
		t.Errorf("Got %d signal upsert errors", result.Signals.Errors)
	}
	if result.Responses.Errors > 0 {
		t.Errorf("Got %d response upsert errors", result.Responses.Errors)
	}

	if err := Verify(ctx, store); err != nil {
		t.Fatalf("Verify() failed: %v", err)
	}

	signals, err := store.ListSignalsContext(ctx)
	if err != nil {
		t.Fatalf("ListSignals() failed: %v", err)
	}
	if len(signals) > opts.Keys {
		t.Errorf("Expected at most %d signals, got %d", opts.Keys, len(signals))
	}
	for _, sig := range signals {
		responses, err := store.ListResponses(ctx, sig.LocalID)
		if err != nil {
			t.Fatalf("ListResponses() failed: %v", err)
		}
		if len(responses) != opts.Users {
			t.Errorf("Signal %s: expected %d responses, got %d", sig.LocalID, opts.Users, len(responses))
		}
	}

	var out bytes.Buffer
	result.Print(&out)
	if !strings.Contains(out.String(), "Signal upserts:") {
		t.Errorf("Unexpected summary:\n%s", out.String())
	}
}

// TestVerify_DetectsOrphans checks that Verify reports responses without a signal.
func TestVerify_DetectsOrphans(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()

	sig := signalFor(1, false, 0, time.Now())
	if _, err := store.UpsertSignalContext(ctx, sig); err != nil {
		t.Fatalf("UpsertSignal() failed: %v", err)
	}
	resp := &schema.Response{SignalLocalID: sig.LocalID, UserID: "u@example.com", SelectedOption: "Yes"}
	resp.SetDefaults(time.Now())
	if err := store.UpsertResponse(ctx, resp); err != nil {
		t.Fatalf("UpsertResponse() failed: %v", err)
	}
	if err := Verify(ctx, store); err != nil {
		t.Fatalf("Verify() on a clean store failed: %v", err)
	}

	// Foreign keys are per connection; pin one to bypass the cascade.
	conn, err := store.RawDB().Connx(ctx)
	if err != nil {
		t.Fatalf("failed to get connection: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `PRAGMA foreign_keys = OFF`); err != nil {
		t.Fatalf("failed to disable foreign keys: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `DELETE FROM signals WHERE local_id = ?`, sig.LocalID); err != nil {
		t.Fatalf("failed to delete signal: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		t.Fatalf("failed to enable foreign keys: %v", err)
	}
	conn.Close()

	if err := Verify(ctx, store); err == nil {
		t.Error("Expected Verify() to report the orphaned response")
	}
}

func TestComputeLatencyStats(t *testing.T) {
	durations := make([]time.Duration, 100)
	for i := range durations {
		durations[i] = time.Duration(100-i) * time.Millisecond
	}

	stats := computeLatencyStats(durations)
	if stats.Min != time.Millisecond || stats.Max != 100*time.Millisecond {
		t.Errorf("Unexpected min/max: %v/%v", stats.Min, stats.Max)
	}
	if stats.P50 != 51*time.Millisecond {
		t.Errorf("Expected P50 51ms, got %v", stats.P50)
	}
	if stats.Operations != 100 {
		t.Errorf("Expected 100 operations, got %d", stats.Operations)
	}

	if empty := computeLatencyStats(nil); empty.Operations != 0 {
		t.Errorf("Expected zero stats, got %+v", empty)
	}
}
