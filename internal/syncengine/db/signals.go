package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/signalcast/signalsync/internal/syncengine/schema"
)

// signalRow is the stored form of a schema.Signal.
type signalRow struct {
	LocalID                string         `db:"local_id"`
	CloudID                sql.NullInt64  `db:"cloud_id"`
	Question               string         `db:"question"`
	Options                string         `db:"options"`
	PublisherEmail         string         `db:"publisher_email"`
	PublisherName          string         `db:"publisher_name"`
	Status                 string         `db:"status"`
	Deadline               string         `db:"deadline"`
	AnonymityMode          string         `db:"anonymity_mode"`
	IsPersistentFinalAlert bool           `db:"is_persistent_final_alert"`
	Consumers              string         `db:"consumers"`
	DefaultResponse        sql.NullString `db:"default_response"`
	ShowDefaultToConsumers bool           `db:"show_default_to_consumers"`
	PublishedAt            sql.NullString `db:"published_at"`
	SyncStatus             string         `db:"sync_status"`
	IsEdited               bool           `db:"is_edited"`
	UpdatedAt              string         `db:"updated_at"`
	CreatedAt              string         `db:"created_at"`
	ScheduledFor           sql.NullString `db:"scheduled_for"`
	Labels                 string         `db:"labels"`
	SyncError              sql.NullString `db:"sync_error"`
	NeedsRepublish         bool           `db:"needs_republish"`
}

const signalColumns = `local_id, cloud_id, question, options, publisher_email, publisher_name,
	status, deadline, anonymity_mode, is_persistent_final_alert, consumers,
	default_response, show_default_to_consumers, published_at, sync_status,
	is_edited, updated_at, created_at, scheduled_for, labels, sync_error, needs_republish`

// UpsertResult describes the outcome of UpsertSignal.
type UpsertResult struct {
	// LocalID is the local id of the row that now holds the signal. It differs
	// from the input when the signal was merged into an existing duplicate.
	LocalID string
	// Merged lists local ids that were folded into LocalID and deleted.
	Merged []string
}

// UpsertSignal validates and stores a signal.
//
// The write is an idempotent insert-or-update keyed by LocalID. If the signal
// carries a CloudID that already belongs to a different local row, the two are
// merged first (see mergeDuplicates).
func (db *DB) UpsertSignal(sig *schema.Signal) (UpsertResult, error) {
	return db.UpsertSignalContext(context.Background(), sig)
}

// UpsertSignalContext stores a signal with context support.
func (db *DB) UpsertSignalContext(ctx context.Context, sig *schema.Signal) (UpsertResult, error) {
	if err := sig.Validate(); err != nil {
		return UpsertResult{}, err
	}

	var result UpsertResult
	err := db.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		result, err = upsertSignalTx(ctx, tx, sig)
		return err
	})
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to upsert signal %s: %w", sig.LocalID, err)
	}
	return result, nil
}

// RepublishSignal stores an edited signal and drops its collected responses
// in one transaction. Nothing is written if the signal is invalid.
// Returns the upsert result and the number of responses removed.
func (db *DB) RepublishSignal(ctx context.Context, sig *schema.Signal) (UpsertResult, int, error) {
	if err := sig.Validate(); err != nil {
		return UpsertResult{}, 0, err
	}

	var result UpsertResult
	var removed int64
	err := db.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM responses WHERE signal_local_id = ?`, sig.LocalID)
		if err != nil {
			return fmt.Errorf("failed to delete responses: %w", err)
		}
		if removed, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to delete responses: %w", err)
		}
		result, err = upsertSignalTx(ctx, tx, sig)
		return err
	})
	if err != nil {
		return UpsertResult{}, 0, fmt.Errorf("failed to republish signal %s: %w", sig.LocalID, err)
	}
	return result, int(removed), nil
}

// upsertSignalTx performs the merge-aware upsert inside an open transaction.
func upsertSignalTx(ctx context.Context, tx *sqlx.Tx, sig *schema.Signal) (UpsertResult, error) {
	result := UpsertResult{LocalID: sig.LocalID}
	toWrite := sig

	if sig.HasCloudID() {
		var dups []signalRow
		query := `SELECT ` + signalColumns + ` FROM signals WHERE cloud_id = ? AND local_id != ?`
		if err := tx.SelectContext(ctx, &dups, query, *sig.CloudID, sig.LocalID); err != nil {
			return result, fmt.Errorf("failed to look up cloud id %d: %w", *sig.CloudID, err)
		}

		if len(dups) > 0 {
			candidates, err := mergeCandidates(ctx, tx, sig, dups)
			if err != nil {
				return result, err
			}
			survivor := pickSurvivor(candidates)

			toWrite = sig.Clone()
			toWrite.LocalID = survivor.signal.LocalID
			toWrite.Consumers = survivor.signal.Consumers
			toWrite.CreatedAt = earliestCreated(candidates)
			result.LocalID = toWrite.LocalID

			// Free the cloud id before the survivor claims it.
			for _, c := range candidates {
				if c.signal.LocalID == survivor.signal.LocalID || !c.stored {
					continue
				}
				if _, err := tx.ExecContext(ctx, `UPDATE signals SET cloud_id = NULL WHERE local_id = ?`, c.signal.LocalID); err != nil {
					return result, fmt.Errorf("failed to release cloud id of %s: %w", c.signal.LocalID, err)
				}
			}

			if err := writeSignal(ctx, tx, toWrite); err != nil {
				return result, err
			}

			for _, c := range candidates {
				if c.signal.LocalID == survivor.signal.LocalID || !c.stored {
					continue
				}
				if err := foldInto(ctx, tx, c.signal.LocalID, survivor.signal.LocalID); err != nil {
					return result, err
				}
				result.Merged = append(result.Merged, c.signal.LocalID)
			}
			return result, nil
		}
	}

	return result, writeSignal(ctx, tx, toWrite)
}

// writeSignal is the raw insert-or-update. An absent cloud id never clears a stored one.
func writeSignal(ctx context.Context, tx *sqlx.Tx, sig *schema.Signal) error {
	row, err := toSignalRow(sig)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO signals (` + signalColumns + `) VALUES (
		:local_id, :cloud_id, :question, :options, :publisher_email, :publisher_name,
		:status, :deadline, :anonymity_mode, :is_persistent_final_alert, :consumers,
		:default_response, :show_default_to_consumers, :published_at, :sync_status,
		:is_edited, :updated_at, :created_at, :scheduled_for, :labels, :sync_error, :needs_republish
	)
	ON CONFLICT(local_id) DO UPDATE SET
		cloud_id = COALESCE(excluded.cloud_id, signals.cloud_id),
		question = excluded.question,
		options = excluded.options,
		publisher_email = excluded.publisher_email,
		publisher_name = excluded.publisher_name,
		status = excluded.status,
		deadline = excluded.deadline,
		anonymity_mode = excluded.anonymity_mode,
		is_persistent_final_alert = excluded.is_persistent_final_alert,
		consumers = excluded.consumers,
		default_response = excluded.default_response,
		show_default_to_consumers = excluded.show_default_to_consumers,
		published_at = excluded.published_at,
		sync_status = excluded.sync_status,
		is_edited = excluded.is_edited,
		updated_at = excluded.updated_at,
		scheduled_for = excluded.scheduled_for,
		labels = excluded.labels,
		sync_error = excluded.sync_error,
		needs_republish = excluded.needs_republish
	`
	if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to write signal %s: %w", sig.LocalID, err)
	}
	return nil
}

// GetSignal retrieves a single signal by local id.
// Returns ErrNotFound if the signal does not exist.
func (db *DB) GetSignal(localID string) (*schema.Signal, error) {
	return db.GetSignalContext(context.Background(), localID)
}

// GetSignalContext retrieves a single signal with context support.
func (db *DB) GetSignalContext(ctx context.Context, localID string) (*schema.Signal, error) {
	var row signalRow
	query := `SELECT ` + signalColumns + ` FROM signals WHERE local_id = ?`
	if err := db.conn.GetContext(ctx, &row, query, localID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get signal %s: %w", localID, err)
	}
	return row.toSignal()
}

// GetSignalByCloudID retrieves the signal mapped to a backend id.
// Returns ErrNotFound if no local row carries that id.
func (db *DB) GetSignalByCloudID(ctx context.Context, cloudID int64) (*schema.Signal, error) {
	var row signalRow
	query := `SELECT ` + signalColumns + ` FROM signals WHERE cloud_id = ? ORDER BY created_at ASC LIMIT 1`
	if err := db.conn.GetContext(ctx, &row, query, cloudID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get signal by cloud id %d: %w", cloudID, err)
	}
	return row.toSignal()
}

// ListSignals returns all signals ordered by creation time.
func (db *DB) ListSignals() ([]*schema.Signal, error) {
	return db.ListSignalsContext(context.Background())
}

// ListSignalsContext returns all signals with context support.
func (db *DB) ListSignalsContext(ctx context.Context) ([]*schema.Signal, error) {
	return db.selectSignals(ctx, `SELECT `+signalColumns+` FROM signals ORDER BY created_at ASC, local_id ASC`)
}

// ListSignalsBySyncStatus returns signals in any of the given sync states.
func (db *DB) ListSignalsBySyncStatus(ctx context.Context, statuses ...schema.SyncStatus) ([]*schema.Signal, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	values := make([]string, len(statuses))
	for i, st := range statuses {
		values[i] = string(st)
	}
	query, args, err := sqlx.In(`SELECT `+signalColumns+` FROM signals WHERE sync_status IN (?) ORDER BY created_at ASC, local_id ASC`, values)
	if err != nil {
		return nil, fmt.Errorf("failed to build sync status query: %w", err)
	}
	return db.selectSignals(ctx, db.conn.Rebind(query), args...)
}

// DueScheduledSignals returns scheduled signals whose activation time is at or before now.
func (db *DB) DueScheduledSignals(ctx context.Context, now time.Time) ([]*schema.Signal, error) {
	query := `SELECT ` + signalColumns + ` FROM signals
	WHERE status = ? AND scheduled_for IS NOT NULL AND scheduled_for <= ?
	ORDER BY scheduled_for ASC`
	return db.selectSignals(ctx, query, schema.StatusScheduled, formatTime(now))
}

// PromoteSignal atomically moves a scheduled signal to active.
// Returns false if the signal was no longer scheduled.
func (db *DB) PromoteSignal(ctx context.Context, localID string, now time.Time) (bool, error) {
	query := `
	UPDATE signals SET
		status = ?,
		published_at = ?,
		sync_status = ?,
		updated_at = ?
	WHERE local_id = ? AND status = ?
	`
	ts := formatTime(now)
	res, err := db.conn.ExecContext(ctx, query,
		schema.StatusActive, ts, schema.SyncPending, ts, localID, schema.StatusScheduled)
	if err != nil {
		return false, fmt.Errorf("failed to promote signal %s: %w", localID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to promote signal %s: %w", localID, err)
	}
	return n == 1, nil
}

// MarkSignalSynced attaches the backend id to a signal after a successful push.
//
// The cloud id is always attached (merging with any row that already claims it).
// The sync status only flips to synced if the signal was not edited while the
// push was in flight, i.e. its updated_at still equals pushedVersion.
func (db *DB) MarkSignalSynced(ctx context.Context, localID string, cloudID int64, pushedVersion time.Time) (UpsertResult, error) {
	var result UpsertResult
	err := db.withTx(ctx, func(tx *sqlx.Tx) error {
		var row signalRow
		query := `SELECT ` + signalColumns + ` FROM signals WHERE local_id = ?`
		if err := tx.GetContext(ctx, &row, query, localID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		sig, err := row.toSignal()
		if err != nil {
			return err
		}
		sig.CloudID = &cloudID

		result, err = upsertSignalTx(ctx, tx, sig)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
		UPDATE signals SET
			sync_status = ?,
			sync_error = NULL,
			needs_republish = 0
		WHERE local_id = ? AND updated_at = ?
		`, schema.SyncSynced, result.LocalID, formatTime(pushedVersion))
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return UpsertResult{}, ErrNotFound
		}
		return UpsertResult{}, fmt.Errorf("failed to mark signal %s synced: %w", localID, err)
	}
	return result, nil
}

// MarkSignalError records a terminal sync failure. An empty message marks the
// signal as errored without a backend rejection (e.g. it expired unsynced).
func (db *DB) MarkSignalError(ctx context.Context, localID, message string) error {
	var msg sql.NullString
	if message != "" {
		msg = sql.NullString{String: message, Valid: true}
	}
	res, err := db.conn.ExecContext(ctx,
		`UPDATE signals SET sync_status = ?, sync_error = ? WHERE local_id = ?`,
		schema.SyncError, msg, localID)
	if err != nil {
		return fmt.Errorf("failed to mark signal %s as error: %w", localID, err)
	}
	return requireAffected(res, localID)
}

// DeleteSignal removes a signal and its responses.
// Returns nil if the signal doesn't exist (idempotent).
func (db *DB) DeleteSignal(localID string) error {
	return db.DeleteSignalContext(context.Background(), localID)
}

// DeleteSignalContext removes a signal with context support.
func (db *DB) DeleteSignalContext(ctx context.Context, localID string) error {
	err := db.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM responses WHERE signal_local_id = ?`, localID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM signals WHERE local_id = ?`, localID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete signal %s: %w", localID, err)
	}
	return nil
}

// DeleteSignalByCloudID removes every signal mapped to a backend id, with their responses.
// Returns the number of signals removed.
func (db *DB) DeleteSignalByCloudID(ctx context.Context, cloudID int64) (int, error) {
	var removed int
	err := db.withTx(ctx, func(tx *sqlx.Tx) error {
		var ids []string
		if err := tx.SelectContext(ctx, &ids, `SELECT local_id FROM signals WHERE cloud_id = ?`, cloudID); err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM responses WHERE signal_local_id = ?`, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM signals WHERE local_id = ?`, id); err != nil {
				return err
			}
		}
		removed = len(ids)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete signal with cloud id %d: %w", cloudID, err)
	}
	return removed, nil
}

func (db *DB) selectSignals(ctx context.Context, query string, args ...any) ([]*schema.Signal, error) {
	var rows []signalRow
	if err := db.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}

	signals := make([]*schema.Signal, 0, len(rows))
	for i := range rows {
		sig, err := rows[i].toSignal()
		if err != nil {
			return nil, err
		}
		signals = append(signals, sig)
	}
	return signals, nil
}

// withTx runs fn in a transaction. Transactions start IMMEDIATE (see Open).
func (db *DB) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func requireAffected(res sql.Result, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return nil
}

func toSignalRow(sig *schema.Signal) (*signalRow, error) {
	optionsJSON, err := json.Marshal(sig.Options)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal options: %w", err)
	}
	consumers := sig.Consumers
	if consumers == nil {
		consumers = []string{}
	}
	consumersJSON, err := json.Marshal(consumers)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal consumers: %w", err)
	}
	labels := sig.Labels
	if labels == nil {
		labels = []string{}
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal labels: %w", err)
	}

	row := &signalRow{
		LocalID:                sig.LocalID,
		Question:               sig.Question,
		Options:                string(optionsJSON),
		PublisherEmail:         sig.PublisherEmail,
		PublisherName:          sig.PublisherName,
		Status:                 string(sig.Status),
		Deadline:               formatTime(sig.Deadline),
		AnonymityMode:          string(sig.AnonymityMode),
		IsPersistentFinalAlert: sig.IsPersistentFinalAlert,
		Consumers:              string(consumersJSON),
		DefaultResponse:        nullString(sig.DefaultResponse),
		ShowDefaultToConsumers: sig.ShowDefaultToConsumers,
		PublishedAt:            timeToNullString(sig.PublishedAt),
		SyncStatus:             string(sig.SyncStatus),
		IsEdited:               sig.IsEdited,
		UpdatedAt:              formatTime(sig.UpdatedAt),
		CreatedAt:              formatTime(sig.CreatedAt),
		ScheduledFor:           timeToNullString(sig.ScheduledFor),
		Labels:                 string(labelsJSON),
		SyncError:              nullString(sig.SyncError),
		NeedsRepublish:         sig.NeedsRepublish,
	}
	if sig.CloudID != nil {
		row.CloudID = sql.NullInt64{Int64: *sig.CloudID, Valid: true}
	}
	return row, nil
}

func (r *signalRow) toSignal() (*schema.Signal, error) {
	sig := &schema.Signal{
		LocalID:                r.LocalID,
		Question:               r.Question,
		PublisherEmail:         r.PublisherEmail,
		PublisherName:          r.PublisherName,
		Status:                 schema.Status(r.Status),
		Deadline:               parseTime(r.Deadline),
		AnonymityMode:          schema.AnonymityMode(r.AnonymityMode),
		IsPersistentFinalAlert: r.IsPersistentFinalAlert,
		DefaultResponse:        r.DefaultResponse.String,
		ShowDefaultToConsumers: r.ShowDefaultToConsumers,
		PublishedAt:            nullStringToTime(r.PublishedAt),
		SyncStatus:             schema.SyncStatus(r.SyncStatus),
		IsEdited:               r.IsEdited,
		UpdatedAt:              parseTime(r.UpdatedAt),
		CreatedAt:              parseTime(r.CreatedAt),
		ScheduledFor:           nullStringToTime(r.ScheduledFor),
		SyncError:              r.SyncError.String,
		NeedsRepublish:         r.NeedsRepublish,
	}
	if r.CloudID.Valid {
		id := r.CloudID.Int64
		sig.CloudID = &id
	}

	if err := json.Unmarshal([]byte(r.Options), &sig.Options); err != nil {
		return nil, fmt.Errorf("failed to unmarshal options of %s: %w", r.LocalID, err)
	}
	if err := unmarshalStrings(r.Consumers, &sig.Consumers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal consumers of %s: %w", r.LocalID, err)
	}
	if err := unmarshalStrings(r.Labels, &sig.Labels); err != nil {
		return nil, fmt.Errorf("failed to unmarshal labels of %s: %w", r.LocalID, err)
	}
	return sig, nil
}

func unmarshalStrings(raw string, dst *[]string) error {
	if raw == "" || raw == "null" {
		*dst = []string{}
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return nil
	}
	t := parseTime(ns.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
