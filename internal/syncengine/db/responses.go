package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/signalcast/signalsync/internal/syncengine/schema"
)

type responseRow struct {
	ID             int64          `db:"id"`
	SignalLocalID  string         `db:"signal_local_id"`
	UserID         string         `db:"user_id"`
	SelectedOption sql.NullString `db:"selected_option"`
	SubmittedAt    string         `db:"submitted_at"`
	IsDefault      bool           `db:"is_default"`
	SkipReason     sql.NullString `db:"skip_reason"`
	SyncStatus     string         `db:"sync_status"`
}

const responseColumns = `id, signal_local_id, user_id, selected_option, submitted_at, is_default, skip_reason, sync_status`

func (r *responseRow) toResponse() *schema.Response {
	return &schema.Response{
		ID:             r.ID,
		SignalLocalID:  r.SignalLocalID,
		UserID:         r.UserID,
		SelectedOption: r.SelectedOption.String,
		IsDefault:      r.IsDefault,
		SkipReason:     r.SkipReason.String,
		SubmittedAt:    parseTime(r.SubmittedAt),
		SyncStatus:     schema.SyncStatus(r.SyncStatus),
	}
}

// UpsertResponse validates and stores a response keyed by (signal, user).
// A second answer from the same user replaces the first. resp.ID is set to the
// stored row id. Returns ErrNotFound if the signal does not exist.
func (db *DB) UpsertResponse(ctx context.Context, resp *schema.Response) error {
	if err := resp.Validate(); err != nil {
		return err
	}

	err := db.withTx(ctx, func(tx *sqlx.Tx) error {
		var exists int
		if err := tx.GetContext(ctx, &exists, `SELECT COUNT(*) FROM signals WHERE local_id = ?`, resp.SignalLocalID); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}

		query := `
		INSERT INTO responses (signal_local_id, user_id, selected_option, submitted_at, is_default, skip_reason, sync_status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(signal_local_id, user_id) DO UPDATE SET
			selected_option = excluded.selected_option,
			submitted_at = excluded.submitted_at,
			is_default = excluded.is_default,
			skip_reason = excluded.skip_reason,
			sync_status = excluded.sync_status
		RETURNING id
		`
		return tx.GetContext(ctx, &resp.ID, query,
			resp.SignalLocalID,
			resp.UserID,
			nullString(resp.SelectedOption),
			formatTime(resp.SubmittedAt),
			resp.IsDefault,
			nullString(resp.SkipReason),
			resp.SyncStatus,
		)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("signal %s: %w", resp.SignalLocalID, ErrNotFound)
		}
		return fmt.Errorf("failed to upsert response for %s/%s: %w", resp.SignalLocalID, resp.UserID, err)
	}
	return nil
}

// GetResponse retrieves the response of a user to a signal.
// Returns ErrNotFound if there is none.
func (db *DB) GetResponse(ctx context.Context, key schema.ResponseKey) (*schema.Response, error) {
	var row responseRow
	query := `SELECT ` + responseColumns + ` FROM responses WHERE signal_local_id = ? AND user_id = ?`
	if err := db.conn.GetContext(ctx, &row, query, key.SignalLocalID, key.UserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get response %s/%s: %w", key.SignalLocalID, key.UserID, err)
	}
	return row.toResponse(), nil
}

// ListResponses returns all responses, or only those of one signal when
// signalLocalID is non-empty.
func (db *DB) ListResponses(ctx context.Context, signalLocalID string) ([]*schema.Response, error) {
	if signalLocalID == "" {
		return db.selectResponses(ctx, `SELECT `+responseColumns+` FROM responses ORDER BY submitted_at ASC, id ASC`)
	}
	return db.selectResponses(ctx,
		`SELECT `+responseColumns+` FROM responses WHERE signal_local_id = ? ORDER BY submitted_at ASC, id ASC`,
		signalLocalID)
}

// ListResponsesBySyncStatus returns responses in the given sync state.
func (db *DB) ListResponsesBySyncStatus(ctx context.Context, status schema.SyncStatus) ([]*schema.Response, error) {
	return db.selectResponses(ctx,
		`SELECT `+responseColumns+` FROM responses WHERE sync_status = ? ORDER BY submitted_at ASC, id ASC`,
		status)
}

// DeleteResponsesForSignal removes every response to a signal.
// Returns the number of rows removed.
func (db *DB) DeleteResponsesForSignal(ctx context.Context, signalLocalID string) (int, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM responses WHERE signal_local_id = ?`, signalLocalID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete responses of %s: %w", signalLocalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to delete responses of %s: %w", signalLocalID, err)
	}
	return int(n), nil
}

func (db *DB) selectResponses(ctx context.Context, query string, args ...any) ([]*schema.Response, error) {
	var rows []responseRow
	if err := db.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query responses: %w", err)
	}
	out := make([]*schema.Response, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toResponse())
	}
	return out, nil
}

// MarkResponseSynced acknowledges a pushed response. The row only flips to
// synced if it was not resubmitted while the push was in flight. Returns
// false when the row changed or no longer exists.
func (db *DB) MarkResponseSynced(ctx context.Context, id int64, pushedAt time.Time) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE responses SET sync_status = ? WHERE id = ? AND submitted_at = ?`,
		schema.SyncSynced, id, formatTime(pushedAt))
	if err != nil {
		return false, fmt.Errorf("failed to mark response %d synced: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark response %d synced: %w", id, err)
	}
	return n == 1, nil
}
