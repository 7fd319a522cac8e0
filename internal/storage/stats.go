package storage

import (
	"context"
	"fmt"
	"time"

	"resfarm/internal/domain"
)

// Stats is a point-in-time snapshot of scheduler state for the operator API.
type Stats struct {
	Requests        map[string]int `json:"requests"`
	Items           map[string]int `json:"items"`
	ClaimableItems  int            `json:"claimable_items"`
	ActiveResources int            `json:"active_resources"`
	Today           UsageTotals    `json:"today"`
}

type UsageTotals struct {
	Allocated int `json:"allocated"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Requests: map[string]int{}, Items: map[string]int{}}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM work_requests GROUP BY status`)
	if err != nil {
		return st, fmt.Errorf("count requests: %w", err)
	}
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			rows.Close()
			return st, fmt.Errorf("scan request count: %w", err)
		}
		st.Requests[k] = n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return st, fmt.Errorf("iterate request counts: %w", err)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM allocation_items GROUP BY status`)
	if err != nil {
		return st, fmt.Errorf("count items: %w", err)
	}
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			rows.Close()
			return st, fmt.Errorf("scan item count: %w", err)
		}
		st.Items[k] = n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return st, fmt.Errorf("iterate item counts: %w", err)
	}
	rows.Close()

	// Claimable means NEW, or an unleased CONNECTING continuation item.
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM allocation_items
		 WHERE status = 'NEW' OR (status = 'CONNECTING' AND claimed_by IS NULL)`,
	).Scan(&st.ClaimableItems)
	if err != nil {
		return st, fmt.Errorf("count claimable: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM resources WHERE status = 'active'`,
	).Scan(&st.ActiveResources)
	if err != nil {
		return st, fmt.Errorf("count active resources: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(allocated), 0), COALESCE(SUM(succeeded), 0), COALESCE(SUM(failed), 0)
		 FROM daily_usage WHERE day = ?`, domain.Day(time.Now()),
	).Scan(&st.Today.Allocated, &st.Today.Succeeded, &st.Today.Failed)
	if err != nil {
		return st, fmt.Errorf("sum daily usage: %w", err)
	}
	return st, nil
}
