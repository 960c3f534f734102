package db

import (
	"context"
	"fmt"
	"strconv"

	"github.com/signalcast/signalsync/internal/fault"
	"github.com/signalcast/signalsync/internal/syncengine/schema"
)

// RecordKind selects the table UpdateSyncStatus writes to.
type RecordKind string

const (
	KindSignal   RecordKind = "signal"
	KindResponse RecordKind = "response"
	KindLabel    RecordKind = "label"
)

// UpdateSyncStatus sets the sync status of one record.
//
// The key is the signal local id, the response row id (decimal) or the label id.
// Responses have no error state. Returns ErrNotFound if the record does not exist.
func (db *DB) UpdateSyncStatus(ctx context.Context, kind RecordKind, key string, status schema.SyncStatus) error {
	var query string
	args := []any{status, key}

	switch kind {
	case KindSignal:
		if status == schema.SyncSynced {
			query = `UPDATE signals SET sync_status = ?, sync_error = NULL WHERE local_id = ?`
		} else {
			query = `UPDATE signals SET sync_status = ? WHERE local_id = ?`
		}
	case KindResponse:
		if status == schema.SyncError {
			return fault.Validation("responses cannot be marked %s", status)
		}
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return fault.Validation("invalid response id %q", key)
		}
		query = `UPDATE responses SET sync_status = ? WHERE id = ?`
		args = []any{status, id}
	case KindLabel:
		query = `UPDATE labels SET sync_status = ? WHERE id = ?`
	default:
		return fault.Validation("unknown record kind %q", kind)
	}

	switch status {
	case schema.SyncPending, schema.SyncSynced, schema.SyncError:
	default:
		return fault.Validation("unknown sync status %q", status)
	}

	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s %s sync status: %w", kind, key, err)
	}
	return requireAffected(res, string(kind)+" "+key)
}
