package db

import (
	"context"
	"fmt"
)

// Stats summarizes the store contents.
type Stats struct {
	Signals          int            `json:"signals" yaml:"signals"`
	SignalsByStatus  map[string]int `json:"signals_by_status" yaml:"signals_by_status"`
	SignalsBySync    map[string]int `json:"signals_by_sync" yaml:"signals_by_sync"`
	Responses        int            `json:"responses" yaml:"responses"`
	PendingResponses int            `json:"pending_responses" yaml:"pending_responses"`
	Labels           int            `json:"labels" yaml:"labels"`
	PendingLabels    int            `json:"pending_labels" yaml:"pending_labels"`
}

type countRow struct {
	Key   string `db:"k"`
	Count int    `db:"n"`
}

// Stats returns row counts grouped by status.
func (db *DB) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{
		SignalsByStatus: map[string]int{},
		SignalsBySync:   map[string]int{},
	}

	var byStatus []countRow
	if err := db.conn.SelectContext(ctx, &byStatus, `SELECT status AS k, COUNT(*) AS n FROM signals GROUP BY status`); err != nil {
		return nil, fmt.Errorf("failed to count signals: %w", err)
	}
	for _, r := range byStatus {
		s.SignalsByStatus[r.Key] = r.Count
		s.Signals += r.Count
	}

	var bySync []countRow
	if err := db.conn.SelectContext(ctx, &bySync, `SELECT sync_status AS k, COUNT(*) AS n FROM signals GROUP BY sync_status`); err != nil {
		return nil, fmt.Errorf("failed to count signals: %w", err)
	}
	for _, r := range bySync {
		s.SignalsBySync[r.Key] = r.Count
	}

	counts := []struct {
		dst   *int
		query string
	}{
		{&s.Responses, `SELECT COUNT(*) FROM responses`},
		{&s.PendingResponses, `SELECT COUNT(*) FROM responses WHERE sync_status = 'pending'`},
		{&s.Labels, `SELECT COUNT(*) FROM labels`},
		{&s.PendingLabels, `SELECT COUNT(*) FROM labels WHERE sync_status = 'pending'`},
	}
	for _, c := range counts {
		if err := db.conn.GetContext(ctx, c.dst, c.query); err != nil {
			return nil, fmt.Errorf("failed to count rows: %w", err)
		}
	}
	return s, nil
}
