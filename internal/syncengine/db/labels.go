package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/signalcast/signalsync/internal/fault"
	"github.com/signalcast/signalsync/internal/syncengine/schema"
)

type labelRow struct {
	ID          string        `db:"id"`
	Name        string        `db:"name"`
	Color       string        `db:"color"`
	Description string        `db:"description"`
	SyncStatus  string        `db:"sync_status"`
	CloudID     sql.NullInt64 `db:"cloud_id"`
	CreatedAt   string        `db:"created_at"`
}

const labelColumns = `id, name, color, description, sync_status, cloud_id, created_at`

func (r *labelRow) toLabel() *schema.Label {
	l := &schema.Label{
		ID:          r.ID,
		Name:        r.Name,
		Color:       r.Color,
		Description: r.Description,
		SyncStatus:  schema.SyncStatus(r.SyncStatus),
		CreatedAt:   parseTime(r.CreatedAt),
	}
	if r.CloudID.Valid {
		id := r.CloudID.Int64
		l.CloudID = &id
	}
	return l
}

// UpsertLabel validates and stores a label keyed by ID.
//
// Names are unique ignoring case: writing a label whose name folds to the name
// of a different label fails with a validation fault and leaves the store
// unchanged.
func (db *DB) UpsertLabel(ctx context.Context, label *schema.Label) error {
	if err := label.Validate(); err != nil {
		return err
	}

	err := db.withTx(ctx, func(tx *sqlx.Tx) error {
		var others []labelRow
		if err := tx.SelectContext(ctx, &others, `SELECT `+labelColumns+` FROM labels WHERE id != ?`, label.ID); err != nil {
			return err
		}
		key := schema.NormalizeName(label.Name)
		for _, o := range others {
			if schema.NormalizeName(o.Name) == key {
				return fault.Validation("label %q conflicts with existing label %q", label.Name, o.Name)
			}
		}

		row := labelRow{
			ID:          label.ID,
			Name:        label.Name,
			Color:       label.Color,
			Description: label.Description,
			SyncStatus:  string(label.SyncStatus),
			CreatedAt:   formatTime(label.CreatedAt),
		}
		if label.CloudID != nil {
			row.CloudID = sql.NullInt64{Int64: *label.CloudID, Valid: true}
		}

		query := `
		INSERT INTO labels (` + labelColumns + `)
		VALUES (:id, :name, :color, :description, :sync_status, :cloud_id, :created_at)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			color = excluded.color,
			description = excluded.description,
			sync_status = excluded.sync_status,
			cloud_id = COALESCE(excluded.cloud_id, labels.cloud_id)
		`
		_, err := tx.NamedExecContext(ctx, query, row)
		return err
	})
	if err != nil {
		if fault.IsValidation(err) {
			return err
		}
		return fmt.Errorf("failed to upsert label %s: %w", label.Name, err)
	}
	return nil
}

// ListLabels returns all labels ordered by name.
func (db *DB) ListLabels(ctx context.Context) ([]*schema.Label, error) {
	var rows []labelRow
	if err := db.conn.SelectContext(ctx, &rows, `SELECT `+labelColumns+` FROM labels ORDER BY name ASC`); err != nil {
		return nil, fmt.Errorf("failed to list labels: %w", err)
	}
	out := make([]*schema.Label, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toLabel())
	}
	return out, nil
}

// ListLabelsBySyncStatus returns labels in the given sync state.
func (db *DB) ListLabelsBySyncStatus(ctx context.Context, status schema.SyncStatus) ([]*schema.Label, error) {
	var rows []labelRow
	query := `SELECT ` + labelColumns + ` FROM labels WHERE sync_status = ? ORDER BY created_at ASC`
	if err := db.conn.SelectContext(ctx, &rows, query, status); err != nil {
		return nil, fmt.Errorf("failed to list labels: %w", err)
	}
	out := make([]*schema.Label, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toLabel())
	}
	return out, nil
}

// GetLabelByName looks a label up by its exact, case-sensitive name.
// Returns ErrNotFound if there is none.
func (db *DB) GetLabelByName(ctx context.Context, name string) (*schema.Label, error) {
	var row labelRow
	query := `SELECT ` + labelColumns + ` FROM labels WHERE name = ? COLLATE BINARY`
	if err := db.conn.GetContext(ctx, &row, query, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get label %s: %w", name, err)
	}
	return row.toLabel(), nil
}
