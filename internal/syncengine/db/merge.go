package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/signalcast/signalsync/internal/syncengine/schema"
)

// mergeCandidate is one of the rows competing for a cloud id.
type mergeCandidate struct {
	signal *schema.Signal
	// stored is false for an incoming signal that has no row yet.
	stored bool
}

// mergeCandidates loads the rows that share sig's cloud id.
func mergeCandidates(ctx context.Context, tx *sqlx.Tx, sig *schema.Signal, dups []signalRow) ([]mergeCandidate, error) {
	var count int
	if err := tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM signals WHERE local_id = ?`, sig.LocalID); err != nil {
		return nil, fmt.Errorf("failed to check signal %s: %w", sig.LocalID, err)
	}

	candidates := []mergeCandidate{{signal: sig, stored: count > 0}}
	for i := range dups {
		dup, err := dups[i].toSignal()
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, mergeCandidate{signal: dup, stored: true})
	}
	return candidates, nil
}

// pickSurvivor keeps the signal with the most distinct consumers.
// Ties go to the row created first, then to the smaller local id.
func pickSurvivor(candidates []mergeCandidate) mergeCandidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		bc, cc := best.signal.ConsumerCount(), c.signal.ConsumerCount()
		switch {
		case cc > bc:
			best = c
		case cc < bc:
		case c.signal.CreatedAt.Before(best.signal.CreatedAt):
			best = c
		case c.signal.CreatedAt.Equal(best.signal.CreatedAt) && c.signal.LocalID < best.signal.LocalID:
			best = c
		}
	}
	return best
}

func earliestCreated(candidates []mergeCandidate) time.Time {
	earliest := candidates[0].signal.CreatedAt
	for _, c := range candidates[1:] {
		if !c.signal.CreatedAt.IsZero() && (earliest.IsZero() || c.signal.CreatedAt.Before(earliest)) {
			earliest = c.signal.CreatedAt
		}
	}
	return earliest
}

// foldInto moves loser's responses to survivor and deletes loser.
// A user who answered both keeps the survivor's response.
func foldInto(ctx context.Context, tx *sqlx.Tx, loser, survivor string) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE OR IGNORE responses SET signal_local_id = ? WHERE signal_local_id = ?`,
		survivor, loser); err != nil {
		return fmt.Errorf("failed to repoint responses of %s: %w", loser, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM responses WHERE signal_local_id = ?`, loser); err != nil {
		return fmt.Errorf("failed to drop conflicting responses of %s: %w", loser, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM signals WHERE local_id = ?`, loser); err != nil {
		return fmt.Errorf("failed to delete merged signal %s: %w", loser, err)
	}
	return nil
}

// CleanupDuplicates merges every group of signals that share a cloud id.
// Returns the number of rows folded away. Safe to call on a clean database.
func (db *DB) CleanupDuplicates() (int, error) {
	return db.CleanupDuplicatesContext(context.Background())
}

// CleanupDuplicatesContext merges duplicate signals with context support.
func (db *DB) CleanupDuplicatesContext(ctx context.Context) (int, error) {
	var cloudIDs []int64
	query := `SELECT cloud_id FROM signals WHERE cloud_id IS NOT NULL GROUP BY cloud_id HAVING COUNT(*) > 1`
	if err := db.conn.SelectContext(ctx, &cloudIDs, query); err != nil {
		return 0, fmt.Errorf("failed to find duplicate cloud ids: %w", err)
	}

	merged := 0
	for _, cloudID := range cloudIDs {
		err := db.withTx(ctx, func(tx *sqlx.Tx) error {
			var rows []signalRow
			q := `SELECT ` + signalColumns + ` FROM signals WHERE cloud_id = ? ORDER BY created_at ASC`
			if err := tx.SelectContext(ctx, &rows, q, cloudID); err != nil {
				return err
			}
			if len(rows) < 2 {
				return nil
			}

			candidates := make([]mergeCandidate, 0, len(rows))
			for i := range rows {
				sig, err := rows[i].toSignal()
				if err != nil {
					return err
				}
				candidates = append(candidates, mergeCandidate{signal: sig, stored: true})
			}
			survivor := pickSurvivor(candidates)

			for _, c := range candidates {
				if c.signal.LocalID == survivor.signal.LocalID {
					continue
				}
				if err := foldInto(ctx, tx, c.signal.LocalID, survivor.signal.LocalID); err != nil {
					return err
				}
				merged++
			}

			_, err := tx.ExecContext(ctx, `UPDATE signals SET created_at = ? WHERE local_id = ?`,
				formatTime(earliestCreated(candidates)), survivor.signal.LocalID)
			return err
		})
		if err != nil {
			return merged, fmt.Errorf("failed to merge signals with cloud id %d: %w", cloudID, err)
		}
	}
	return merged, nil
}
