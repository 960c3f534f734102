package db

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/signalcast/signalsync/internal/fault"
	"github.com/signalcast/signalsync/internal/syncengine/schema"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "test.db")
}

// openTestDB opens and initializes a fresh store.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

var baseTime = time.Date(2026, 5, 4, 8, 30, 0, 0, time.UTC)

func testSignal(localID string, consumers ...string) *schema.Signal {
	s := &schema.Signal{
		LocalID:        localID,
		Question:       "Deploy on Friday?",
		Options:        schema.OptionsFromTexts([]string{"Yes", "No"}),
		PublisherEmail: "lead@example.com",
		PublisherName:  "Lead",
		Consumers:      consumers,
		Deadline:       baseTime.Add(2 * time.Hour),
	}
	s.SetDefaults(baseTime)
	return s
}

func testResponse(signalID, user, option string) *schema.Response {
	r := &schema.Response{SignalLocalID: signalID, UserID: user, SelectedOption: option}
	r.SetDefaults(baseTime.Add(time.Minute))
	return r
}

// insertRaw writes a signal bypassing the duplicate merge.
func insertRaw(t *testing.T, db *DB, sig *schema.Signal) {
	t.Helper()
	err := db.withTx(context.Background(), func(tx *sqlx.Tx) error {
		return writeSignal(context.Background(), tx, sig)
	})
	if err != nil {
		t.Fatalf("insertRaw(%s) failed: %v", sig.LocalID, err)
	}
}

func TestInitSchema_Tables(t *testing.T) {
	db := openTestDB(t)

	for _, table := range []string{"signals", "responses", "labels", "settings"} {
		var count int
		query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`
		if err := db.conn.Get(&count, query, table); err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}

	version, err := db.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion() failed: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("SchemaVersion() = %d, want %d", version, currentSchemaVersion)
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.UpsertSignal(testSignal("s1", "a")); err != nil {
		t.Fatalf("UpsertSignal() failed: %v", err)
	}
	if err := db.InitSchema(); err != nil {
		t.Fatalf("second InitSchema() failed: %v", err)
	}
	signals, err := db.ListSignals()
	if err != nil {
		t.Fatalf("ListSignals() failed: %v", err)
	}
	if len(signals) != 1 {
		t.Errorf("got %d signals after re-init, want 1", len(signals))
	}
}

func TestInitSchema_MigratesOldDatabase(t *testing.T) {
	path := testDBPath(t)
	old, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	// Version 0 layout with one row, as written by the first release.
	if _, err := old.conn.Exec(baseSchema); err != nil {
		t.Fatalf("create v0 schema: %v", err)
	}
	ts := formatTime(baseTime)
	_, err = old.conn.Exec(`INSERT INTO signals (local_id, question, options, deadline, updated_at, created_at, cloud_id)
		VALUES ('legacy', 'Old question?', '[{"id":"opt-1","text":"A"},{"id":"opt-2","text":"B"}]', ?, ?, ?, 9)`,
		formatTime(baseTime.Add(time.Hour)), ts, ts)
	if err != nil {
		t.Fatalf("insert legacy row: %v", err)
	}
	old.Close()

	db, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() on old database failed: %v", err)
	}

	for _, col := range []string{"scheduled_for", "labels", "sync_error", "needs_republish"} {
		ok, err := db.columnExists(context.Background(), "signals", col)
		if err != nil {
			t.Fatalf("columnExists(%s) failed: %v", col, err)
		}
		if !ok {
			t.Errorf("column %s was not added", col)
		}
	}

	sig, err := db.GetSignal("legacy")
	if err != nil {
		t.Fatalf("legacy row lost: %v", err)
	}
	if sig.Question != "Old question?" || len(sig.Options) != 2 {
		t.Errorf("legacy row changed: %+v", sig)
	}
	if sig.CloudID == nil || *sig.CloudID != 9 {
		t.Errorf("legacy cloud id = %v, want 9", sig.CloudID)
	}
	if len(sig.Labels) != 0 {
		t.Errorf("legacy labels = %v, want empty", sig.Labels)
	}
}

func TestUpsertSignal_Idempotent(t *testing.T) {
	db := openTestDB(t)
	sig := testSignal("s1", "a", "b")

	for i := 0; i < 3; i++ {
		if _, err := db.UpsertSignal(sig); err != nil {
			t.Fatalf("UpsertSignal() #%d failed: %v", i, err)
		}
	}

	signals, err := db.ListSignals()
	if err != nil {
		t.Fatalf("ListSignals() failed: %v", err)
	}
	if len(signals) != 1 {
		t.Fatalf("got %d signals, want 1", len(signals))
	}
	got := signals[0]
	if got.Question != sig.Question || !got.Deadline.Equal(sig.Deadline) || got.ConsumerCount() != 2 {
		t.Errorf("stored signal differs: %+v", got)
	}
	if got.PublishedAt == nil || !got.PublishedAt.Equal(*sig.PublishedAt) {
		t.Errorf("PublishedAt = %v, want %v", got.PublishedAt, sig.PublishedAt)
	}
}

func TestUpsertSignal_ValidationRejectedBeforeWrite(t *testing.T) {
	db := openTestDB(t)
	sig := testSignal("s1")
	sig.Options = schema.OptionsFromTexts([]string{"Yes", "yes"})

	_, err := db.UpsertSignal(sig)
	if !fault.IsValidation(err) {
		t.Fatalf("UpsertSignal() error = %v, want validation fault", err)
	}
	if _, err := db.GetSignal("s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("invalid signal reached the store: %v", err)
	}
}

func TestUpsertSignal_KeepsCloudIDWhenAbsent(t *testing.T) {
	db := openTestDB(t)
	sig := testSignal("s1")
	sig.CloudID = schema.Int64Ptr(5)
	if _, err := db.UpsertSignal(sig); err != nil {
		t.Fatalf("UpsertSignal() failed: %v", err)
	}

	edit := sig.Clone()
	edit.CloudID = nil
	edit.Question = "Deploy on Monday?"
	if _, err := db.UpsertSignal(edit); err != nil {
		t.Fatalf("UpsertSignal(edit) failed: %v", err)
	}

	got, err := db.GetSignal("s1")
	if err != nil {
		t.Fatalf("GetSignal() failed: %v", err)
	}
	if got.CloudID == nil || *got.CloudID != 5 {
		t.Errorf("CloudID = %v, want 5", got.CloudID)
	}
	if got.Question != "Deploy on Monday?" {
		t.Errorf("Question = %q", got.Question)
	}
}

func TestUpsertSignal_MergesCloudIDDuplicate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	local := testSignal("local-1", "a", "b", "c")
	local.CloudID = schema.Int64Ptr(42)
	if _, err := db.UpsertSignal(local); err != nil {
		t.Fatalf("UpsertSignal(local) failed: %v", err)
	}
	if err := db.UpsertResponse(ctx, testResponse("local-1", "a", "Yes")); err != nil {
		t.Fatalf("UpsertResponse() failed: %v", err)
	}

	// Same backend signal arriving through the realtime channel with a temp id.
	remote := testSignal(schema.TempSignalID(schema.Int64Ptr(42)), "a")
	remote.CloudID = schema.Int64Ptr(42)
	remote.Question = "Deploy on Friday? (edited)"
	remote.SyncStatus = schema.SyncSynced

	result, err := db.UpsertSignal(remote)
	if err != nil {
		t.Fatalf("UpsertSignal(remote) failed: %v", err)
	}
	if result.LocalID != "local-1" {
		t.Errorf("survivor = %q, want local-1 (larger consumer set)", result.LocalID)
	}

	signals, _ := db.ListSignals()
	if len(signals) != 1 {
		t.Fatalf("got %d signals, want 1", len(signals))
	}
	got := signals[0]
	if got.Question != remote.Question {
		t.Errorf("incoming fields not applied: %q", got.Question)
	}
	if got.ConsumerCount() != 3 {
		t.Errorf("survivor lost consumers: %v", got.Consumers)
	}
	responses, _ := db.ListResponses(ctx, "local-1")
	if len(responses) != 1 {
		t.Errorf("got %d responses, want 1", len(responses))
	}
}

func TestCleanupDuplicates_OnInit(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	// Simulate a database written before cloud ids were unique.
	if _, err := db.conn.Exec(`DROP INDEX idx_signals_cloud_id`); err != nil {
		t.Fatalf("drop index: %v", err)
	}

	older := testSignal("a-older", "u1", "u2")
	older.CloudID = schema.Int64Ptr(7)
	bigger := testSignal("b-bigger", "u1", "u2", "u3")
	bigger.CloudID = schema.Int64Ptr(7)
	bigger.CreatedAt = baseTime.Add(time.Minute)
	insertRaw(t, db, older)
	insertRaw(t, db, bigger)

	mustRespond := func(signalID, user, option string) {
		t.Helper()
		if err := db.UpsertResponse(ctx, testResponse(signalID, user, option)); err != nil {
			t.Fatalf("UpsertResponse(%s, %s) failed: %v", signalID, user, err)
		}
	}
	mustRespond("a-older", "u1", "No")
	mustRespond("a-older", "u2", "Yes")
	mustRespond("b-bigger", "u1", "Yes")

	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	signals, _ := db.ListSignals()
	if len(signals) != 1 {
		t.Fatalf("got %d signals after cleanup, want 1", len(signals))
	}
	if signals[0].LocalID != "b-bigger" {
		t.Errorf("survivor = %s, want b-bigger", signals[0].LocalID)
	}
	if !signals[0].CreatedAt.Equal(baseTime) {
		t.Errorf("survivor CreatedAt = %v, want earliest %v", signals[0].CreatedAt, baseTime)
	}

	responses, _ := db.ListResponses(ctx, "")
	if len(responses) != 2 {
		t.Fatalf("got %d responses, want 2", len(responses))
	}
	byUser := map[string]string{}
	for _, r := range responses {
		if r.SignalLocalID != "b-bigger" {
			t.Errorf("response %d still points at %s", r.ID, r.SignalLocalID)
		}
		byUser[r.UserID] = r.SelectedOption
	}
	if byUser["u1"] != "Yes" {
		t.Errorf("u1 answer = %q, survivor's answer should win", byUser["u1"])
	}
	if byUser["u2"] != "Yes" {
		t.Errorf("u2 answer = %q, repointed answer should survive", byUser["u2"])
	}

	// Index is back and enforces uniqueness.
	dup := testSignal("c-dup")
	dup.CloudID = schema.Int64Ptr(7)
	err := db.withTx(ctx, func(tx *sqlx.Tx) error { return writeSignal(ctx, tx, dup) })
	if err == nil {
		t.Error("raw duplicate insert should violate the unique cloud id index")
	}
}

func TestUpsertResponse_CompositeKey(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, err := db.UpsertSignal(testSignal("s1", "u1")); err != nil {
		t.Fatalf("UpsertSignal() failed: %v", err)
	}

	first := testResponse("s1", "u1", "Yes")
	if err := db.UpsertResponse(ctx, first); err != nil {
		t.Fatalf("UpsertResponse() failed: %v", err)
	}
	second := &schema.Response{SignalLocalID: "s1", UserID: "u1", SkipReason: "out of office"}
	second.SetDefaults(baseTime.Add(2 * time.Minute))
	if err := db.UpsertResponse(ctx, second); err != nil {
		t.Fatalf("UpsertResponse(second) failed: %v", err)
	}

	responses, _ := db.ListResponses(ctx, "s1")
	if len(responses) != 1 {
		t.Fatalf("got %d responses, want 1", len(responses))
	}
	got := responses[0]
	if got.SkipReason != "out of office" || got.SelectedOption != "" {
		t.Errorf("response not replaced: %+v", got)
	}
	if got.ID != first.ID || second.ID != first.ID {
		t.Errorf("row id changed: first=%d second=%d stored=%d", first.ID, second.ID, got.ID)
	}
}

func TestUpsertResponse_UnknownSignal(t *testing.T) {
	db := openTestDB(t)
	err := db.UpsertResponse(context.Background(), testResponse("missing", "u1", "Yes"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpsertResponse() error = %v, want ErrNotFound", err)
	}
}

func TestDeleteSignal_RemovesResponses(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	sig := testSignal("s1", "u1")
	sig.CloudID = schema.Int64Ptr(3)
	if _, err := db.UpsertSignal(sig); err != nil {
		t.Fatalf("UpsertSignal() failed: %v", err)
	}
	if err := db.UpsertResponse(ctx, testResponse("s1", "u1", "No")); err != nil {
		t.Fatalf("UpsertResponse() failed: %v", err)
	}

	n, err := db.DeleteSignalByCloudID(ctx, 3)
	if err != nil {
		t.Fatalf("DeleteSignalByCloudID() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("removed %d signals, want 1", n)
	}
	if _, err := db.GetSignal("s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("signal still present: %v", err)
	}
	responses, _ := db.ListResponses(ctx, "")
	if len(responses) != 0 {
		t.Errorf("responses left behind: %d", len(responses))
	}

	// Deleting again is a no-op.
	if err := db.DeleteSignal("s1"); err != nil {
		t.Errorf("DeleteSignal() on missing signal: %v", err)
	}
	if n, _ := db.DeleteSignalByCloudID(ctx, 3); n != 0 {
		t.Errorf("second DeleteSignalByCloudID() removed %d", n)
	}
}

func TestDeleteResponsesForSignal(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	db.UpsertSignal(testSignal("s1", "u1", "u2"))
	db.UpsertSignal(testSignal("s2", "u1"))
	for _, r := range []*schema.Response{
		testResponse("s1", "u1", "Yes"),
		testResponse("s1", "u2", "No"),
		testResponse("s2", "u1", "Yes"),
	} {
		if err := db.UpsertResponse(ctx, r); err != nil {
			t.Fatalf("UpsertResponse() failed: %v", err)
		}
	}

	n, err := db.DeleteResponsesForSignal(ctx, "s1")
	if err != nil {
		t.Fatalf("DeleteResponsesForSignal() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("removed %d, want 2", n)
	}
	left, _ := db.ListResponses(ctx, "")
	if len(left) != 1 || left[0].SignalLocalID != "s2" {
		t.Errorf("wrong responses left: %+v", left)
	}
}

func TestRepublishSignal(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	db.UpsertSignal(testSignal("s1", "u1", "u2"))
	for _, r := range []*schema.Response{
		testResponse("s1", "u1", "Yes"),
		testResponse("s1", "u2", "No"),
	} {
		if err := db.UpsertResponse(ctx, r); err != nil {
			t.Fatalf("UpsertResponse() failed: %v", err)
		}
	}

	t.Run("invalid edit writes nothing", func(t *testing.T) {
		bad := testSignal("s1", "u1", "u2")
		bad.Question = "   "
		_, _, err := db.RepublishSignal(ctx, bad)
		if !fault.IsValidation(err) {
			t.Fatalf("RepublishSignal() error = %v, want validation error", err)
		}
		left, _ := db.ListResponses(ctx, "s1")
		if len(left) != 2 {
			t.Errorf("got %d responses after rejected edit, want 2", len(left))
		}
	})

	t.Run("valid edit drops responses", func(t *testing.T) {
		edited := testSignal("s1", "u1", "u2")
		edited.Question = "Reworded?"
		_, n, err := db.RepublishSignal(ctx, edited)
		if err != nil {
			t.Fatalf("RepublishSignal() failed: %v", err)
		}
		if n != 2 {
			t.Errorf("removed %d, want 2", n)
		}
		left, _ := db.ListResponses(ctx, "s1")
		if len(left) != 0 {
			t.Errorf("got %d responses, want 0", len(left))
		}
		got, err := db.GetSignalContext(ctx, "s1")
		if err != nil {
			t.Fatalf("GetSignalContext() failed: %v", err)
		}
		if got.Question != "Reworded?" {
			t.Errorf("Question = %q, want %q", got.Question, "Reworded?")
		}
	})
}

func TestPromoteSignal(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	at := baseTime.Add(10 * time.Minute)
	sig := testSignal("", "u1")
	sig.LocalID = "sched"
	sig.Status = schema.StatusScheduled
	sig.ScheduledFor = &at
	sig.PublishedAt = nil
	sig.SyncStatus = schema.SyncSynced
	if _, err := db.UpsertSignal(sig); err != nil {
		t.Fatalf("UpsertSignal() failed: %v", err)
	}

	due, err := db.DueScheduledSignals(ctx, at.Add(-time.Second))
	if err != nil {
		t.Fatalf("DueScheduledSignals() failed: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("signal due before its time")
	}
	due, _ = db.DueScheduledSignals(ctx, at)
	if len(due) != 1 {
		t.Fatalf("got %d due signals, want 1", len(due))
	}

	now := at.Add(5 * time.Second)
	ok, err := db.PromoteSignal(ctx, "sched", now)
	if err != nil || !ok {
		t.Fatalf("PromoteSignal() = %v, %v", ok, err)
	}
	ok, _ = db.PromoteSignal(ctx, "sched", now)
	if ok {
		t.Error("second PromoteSignal() should report no change")
	}

	got, _ := db.GetSignal("sched")
	if got.Status != schema.StatusActive || got.SyncStatus != schema.SyncPending {
		t.Errorf("promoted signal state = %s/%s", got.Status, got.SyncStatus)
	}
	if got.PublishedAt == nil || !got.PublishedAt.Equal(now) {
		t.Errorf("PublishedAt = %v, want %v", got.PublishedAt, now)
	}
}

func TestMarkSignalSynced_VersionGuard(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	sig := testSignal("s1", "u1")
	if _, err := db.UpsertSignal(sig); err != nil {
		t.Fatalf("UpsertSignal() failed: %v", err)
	}
	pushed := sig.UpdatedAt

	// Edited while the push was in flight.
	edited := sig.Clone()
	edited.MarkEdited(pushed.Add(time.Second), false)
	edited.Question = "Deploy on Tuesday?"
	if _, err := db.UpsertSignal(edited); err != nil {
		t.Fatalf("UpsertSignal(edited) failed: %v", err)
	}

	if _, err := db.MarkSignalSynced(ctx, "s1", 11, pushed); err != nil {
		t.Fatalf("MarkSignalSynced() failed: %v", err)
	}
	got, _ := db.GetSignal("s1")
	if got.CloudID == nil || *got.CloudID != 11 {
		t.Errorf("CloudID = %v, want 11", got.CloudID)
	}
	if got.SyncStatus != schema.SyncPending {
		t.Errorf("SyncStatus = %s, edit made during push must stay pending", got.SyncStatus)
	}

	if _, err := db.MarkSignalSynced(ctx, "s1", 11, got.UpdatedAt); err != nil {
		t.Fatalf("MarkSignalSynced() failed: %v", err)
	}
	got, _ = db.GetSignal("s1")
	if got.SyncStatus != schema.SyncSynced {
		t.Errorf("SyncStatus = %s, want synced", got.SyncStatus)
	}

	if _, err := db.MarkSignalSynced(ctx, "missing", 12, pushed); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkSignalSynced(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMarkSignalError(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	db.UpsertSignal(testSignal("s1"))

	if err := db.MarkSignalError(ctx, "s1", "poll rejected"); err != nil {
		t.Fatalf("MarkSignalError() failed: %v", err)
	}
	got, _ := db.GetSignal("s1")
	if got.SyncStatus != schema.SyncError || got.SyncError != "poll rejected" {
		t.Errorf("got %s/%q", got.SyncStatus, got.SyncError)
	}

	errored, err := db.ListSignalsBySyncStatus(ctx, schema.SyncPending, schema.SyncError)
	if err != nil {
		t.Fatalf("ListSignalsBySyncStatus() failed: %v", err)
	}
	if len(errored) != 1 {
		t.Errorf("got %d signals, want 1", len(errored))
	}

	if err := db.MarkSignalError(ctx, "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkSignalError(missing) error = %v, want ErrNotFound", err)
	}
}

func TestUpdateSyncStatus(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	db.UpsertSignal(testSignal("s1", "u1"))
	resp := testResponse("s1", "u1", "Yes")
	if err := db.UpsertResponse(ctx, resp); err != nil {
		t.Fatalf("UpsertResponse() failed: %v", err)
	}
	label := &schema.Label{Name: "urgent"}
	label.SetDefaults(baseTime)
	if err := db.UpsertLabel(ctx, label); err != nil {
		t.Fatalf("UpsertLabel() failed: %v", err)
	}

	tests := []struct {
		name    string
		kind    RecordKind
		key     string
		status  schema.SyncStatus
		wantErr bool
	}{
		{"signal synced", KindSignal, "s1", schema.SyncSynced, false},
		{"response synced", KindResponse, strconv.FormatInt(resp.ID, 10), schema.SyncSynced, false},
		{"label synced", KindLabel, label.ID, schema.SyncSynced, false},
		{"response error", KindResponse, strconv.FormatInt(resp.ID, 10), schema.SyncError, true},
		{"bad response key", KindResponse, "abc", schema.SyncSynced, true},
		{"missing signal", KindSignal, "nope", schema.SyncSynced, true},
		{"unknown kind", RecordKind("poll"), "s1", schema.SyncSynced, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := db.UpdateSyncStatus(ctx, tt.kind, tt.key, tt.status)
			if (err != nil) != tt.wantErr {
				t.Errorf("UpdateSyncStatus() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	pending, _ := db.ListResponsesBySyncStatus(ctx, schema.SyncPending)
	if len(pending) != 0 {
		t.Errorf("response still pending")
	}
}

func TestLabels_CaseInsensitiveUnique(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	urgent := &schema.Label{Name: "urgent", Color: "#f00"}
	urgent.SetDefaults(baseTime)
	if err := db.UpsertLabel(ctx, urgent); err != nil {
		t.Fatalf("UpsertLabel() failed: %v", err)
	}

	shouting := &schema.Label{Name: "URGENT"}
	shouting.SetDefaults(baseTime)
	err := db.UpsertLabel(ctx, shouting)
	if !fault.IsValidation(err) {
		t.Fatalf("UpsertLabel(URGENT) error = %v, want validation fault", err)
	}

	if _, err := db.GetLabelByName(ctx, "URGENT"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetLabelByName should be case-sensitive, got %v", err)
	}
	got, err := db.GetLabelByName(ctx, "urgent")
	if err != nil {
		t.Fatalf("GetLabelByName() failed: %v", err)
	}

	got.Color = "#fff"
	got.CloudID = schema.Int64Ptr(4)
	got.SyncStatus = schema.SyncSynced
	if err := db.UpsertLabel(ctx, got); err != nil {
		t.Fatalf("UpsertLabel(update) failed: %v", err)
	}
	labels, _ := db.ListLabels(ctx)
	if len(labels) != 1 || labels[0].Color != "#fff" || labels[0].CloudID == nil {
		t.Errorf("label not updated in place: %+v", labels)
	}
	pending, _ := db.ListLabelsBySyncStatus(ctx, schema.SyncPending)
	if len(pending) != 0 {
		t.Errorf("got %d pending labels, want 0", len(pending))
	}

	bad := &schema.Label{Name: "has space"}
	bad.SetDefaults(baseTime)
	if err := db.UpsertLabel(ctx, bad); !fault.IsValidation(err) {
		t.Errorf("UpsertLabel(has space) error = %v, want validation fault", err)
	}
}

func TestSettings(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.GetSetting(ctx, "identity.email"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSetting(unset) error = %v, want ErrNotFound", err)
	}
	if err := db.SetSetting(ctx, "identity.email", "a@example.com"); err != nil {
		t.Fatalf("SetSetting() failed: %v", err)
	}
	if err := db.SetSetting(ctx, "identity.email", "b@example.com"); err != nil {
		t.Fatalf("SetSetting() overwrite failed: %v", err)
	}
	v, err := db.GetSetting(ctx, "identity.email")
	if err != nil || v != "b@example.com" {
		t.Errorf("GetSetting() = %q, %v", v, err)
	}
	if err := db.DeleteSetting(ctx, "identity.email"); err != nil {
		t.Fatalf("DeleteSetting() failed: %v", err)
	}
	if err := db.DeleteSetting(ctx, "identity.email"); err != nil {
		t.Errorf("DeleteSetting() twice: %v", err)
	}
}

func TestStats(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	db.UpsertSignal(testSignal("s1", "u1"))
	done := testSignal("s2", "u1")
	done.Status = schema.StatusCompleted
	done.SyncStatus = schema.SyncSynced
	db.UpsertSignal(done)
	db.UpsertResponse(ctx, testResponse("s1", "u1", "Yes"))

	stats, err := db.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.Signals != 2 || stats.SignalsByStatus["active"] != 1 || stats.SignalsByStatus["completed"] != 1 {
		t.Errorf("signal counts wrong: %+v", stats)
	}
	if stats.SignalsBySync["pending"] != 1 || stats.SignalsBySync["synced"] != 1 {
		t.Errorf("sync counts wrong: %+v", stats.SignalsBySync)
	}
	if stats.Responses != 1 || stats.PendingResponses != 1 {
		t.Errorf("response counts wrong: %+v", stats)
	}
}

func TestConcurrentUpserts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	db.UpsertSignal(testSignal("s1", "u1"))

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := testResponse("s1", "u1", []string{"Yes", "No"}[i%2])
			if err := db.UpsertResponse(ctx, r); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent UpsertResponse() failed: %v", err)
	}

	responses, _ := db.ListResponses(ctx, "s1")
	if len(responses) != 1 {
		t.Errorf("got %d responses, want 1", len(responses))
	}
}

func TestMarkResponseSynced_Guard(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	db.UpsertSignal(testSignal("s1", "u1"))
	first := testResponse("s1", "u1", "Yes")
	if err := db.UpsertResponse(ctx, first); err != nil {
		t.Fatalf("UpsertResponse() failed: %v", err)
	}

	// Resubmitted while the first answer was being pushed.
	second := &schema.Response{SignalLocalID: "s1", UserID: "u1", SelectedOption: "No"}
	second.SetDefaults(first.SubmittedAt.Add(time.Second))
	if err := db.UpsertResponse(ctx, second); err != nil {
		t.Fatalf("UpsertResponse(second) failed: %v", err)
	}

	ok, err := db.MarkResponseSynced(ctx, first.ID, first.SubmittedAt)
	if err != nil {
		t.Fatalf("MarkResponseSynced() failed: %v", err)
	}
	if ok {
		t.Error("stale acknowledgement should not mark the resubmitted answer synced")
	}

	ok, _ = db.MarkResponseSynced(ctx, second.ID, second.SubmittedAt)
	if !ok {
		t.Error("current acknowledgement should mark the response synced")
	}
}
