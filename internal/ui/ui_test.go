package ui

import (
	"strings"
	"testing"
	"time"

	"github.com/signalcast/signalsync/internal/syncengine/coordinator"
	"github.com/signalcast/signalsync/internal/syncengine/db"
	"github.com/signalcast/signalsync/internal/syncengine/remote"
	"github.com/signalcast/signalsync/internal/syncengine/schema"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestUntil(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		want string
	}{
		{"past", now.Add(-time.Minute), "expired"},
		{"exactly now", now, "expired"},
		{"seconds", now.Add(30 * time.Second), "in 30s"},
		{"minutes", now.Add(90 * time.Minute), "in 1h30m0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Until(tt.at, now); got != tt.want {
				t.Errorf("Until() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Errorf("Truncate() = %q", got)
	}
	if got := Truncate("héllo wörld", 5); got != "héll…" {
		t.Errorf("Truncate() = %q", got)
	}
}

func TestSignals(t *testing.T) {
	if got := Signals(nil, now); !strings.Contains(got, "No signals") {
		t.Errorf("Expected empty message, got %q", got)
	}

	synced := &schema.Signal{
		LocalID:    "abc",
		CloudID:    schema.Int64Ptr(42),
		Question:   "Ship it?",
		Status:     schema.StatusActive,
		SyncStatus: schema.SyncSynced,
		Deadline:   now.Add(time.Hour),
	}
	failed := &schema.Signal{
		LocalID:    "def",
		Question:   "Too late?",
		Status:     schema.StatusActive,
		SyncStatus: schema.SyncError,
		SyncError:  "deadline passed before sync",
		Deadline:   now.Add(-time.Hour),
	}

	out := Signals([]*schema.Signal{synced, failed}, now)
	for _, want := range []string{"QUESTION", "Ship it?", "42", "synced", "Too late?", "expired", "deadline passed"} {
		if !strings.Contains(out, want) {
			t.Errorf("Signals() output missing %q:\n%s", want, out)
		}
	}
}

func TestStatus(t *testing.T) {
	stats := &db.Stats{
		Signals:          3,
		SignalsByStatus:  map[string]int{"active": 2, "scheduled": 1},
		SignalsBySync:    map[string]int{"pending": 1, "synced": 2},
		Responses:        5,
		PendingResponses: 1,
	}

	out := Status(nil, stats)
	if !strings.Contains(out, "not logged in") {
		t.Errorf("Expected logged-out notice:\n%s", out)
	}

	out = Status(&remote.Identity{Email: "pat@example.com", Name: "Pat"}, stats)
	for _, want := range []string{"Pat <pat@example.com>", "scheduled", "total      5"} {
		if !strings.Contains(out, want) {
			t.Errorf("Status() output missing %q:\n%s", want, out)
		}
	}
}

func TestReport(t *testing.T) {
	if got := Report(coordinator.Report{Queued: true}); !strings.Contains(got, "queued") {
		t.Errorf("Unexpected queued report: %q", got)
	}
	if got := Report(coordinator.Report{Passes: 1}); !strings.Contains(got, "nothing to do") {
		t.Errorf("Unexpected empty report: %q", got)
	}

	got := Report(coordinator.Report{Passes: 1, SignalsPushed: 2, LabelsPulled: 1})
	if !strings.Contains(got, "2 signals pushed") || !strings.Contains(got, "1 labels pulled") {
		t.Errorf("Unexpected report: %q", got)
	}
	if strings.Contains(got, "responses") {
		t.Errorf("Zero counters should be omitted: %q", got)
	}

	got = Report(coordinator.Report{Passes: 1, ResponsesSettled: 1})
	if !strings.Contains(got, "1 responses closed after the deadline") || strings.Contains(got, "nothing to do") {
		t.Errorf("Unexpected settled report: %q", got)
	}
}

func TestResults(t *testing.T) {
	out := Results(&remote.Results{
		PollID:    42,
		Total:     3,
		Consumers: 4,
		Counts:    map[string]int{"No": 1, "Yes": 2},
		Skipped:   0,
	})
	if !strings.Contains(out, "3 of 4 consumers") {
		t.Errorf("Unexpected header:\n%s", out)
	}
	if strings.Index(out, "Yes") > strings.Index(out, "No") {
		t.Errorf("Expected options ordered by count:\n%s", out)
	}
}
