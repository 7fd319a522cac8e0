package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"resfarm/internal/domain"
)

const resourceCols = `id, url, service_kind, traffic, success_rate, status`

func scanResource(row interface{ Scan(...any) error }) (domain.Resource, error) {
	var r domain.Resource
	var status string
	err := row.Scan(&r.ID, &r.URL, &r.ServiceKind, &r.Traffic, &r.SuccessRate, &status)
	if err != nil {
		return r, err
	}
	r.Status = domain.ResourceStatus(status)
	return r, nil
}

// UpsertResource inserts or refreshes a catalog entry.
func (s *Store) UpsertResource(ctx context.Context, r domain.Resource) error {
	if r.Status == "" {
		r.Status = domain.ResourceActive
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resources (id, url, service_kind, traffic, success_rate, status)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		    url = excluded.url, service_kind = excluded.service_kind,
		    traffic = excluded.traffic, success_rate = excluded.success_rate,
		    status = excluded.status`,
		r.ID, r.URL, r.ServiceKind, r.Traffic, r.SuccessRate, string(r.Status),
	)
	if err != nil {
		return fmt.Errorf("upsert resource %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) GetResource(ctx context.Context, id string) (domain.Resource, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+resourceCols+` FROM resources WHERE id = ?`, id)
	r, err := scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("resource %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return r, fmt.Errorf("get resource: %w", err)
	}
	return r, nil
}

// SetResourceStatus flips a catalog entry between active and disabled.
func (s *Store) SetResourceStatus(ctx context.Context, id string, st domain.ResourceStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE resources SET status = ? WHERE id = ?`, string(st), id)
	if err != nil {
		return fmt.Errorf("set resource status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("resource %s: %w", id, ErrNotFound)
	}
	return nil
}

// EligibleResources returns active resources with daily allocation headroom,
// best success rate first. Exclusions (already used by the request being
// planned) are filtered out. The join against daily_usage treats a missing
// row as zero allocations.
func (s *Store) EligibleResources(ctx context.Context, f domain.ResourceFilter) ([]domain.Resource, error) {
	q := `SELECT r.` + resourceColsAliased() + ` FROM resources r
		LEFT JOIN daily_usage u ON u.resource_id = r.id AND u.day = ?
		WHERE r.status = 'active' AND COALESCE(u.allocated, 0) < ?`
	args := []any{f.Day, f.MaxDaily}
	if f.ServiceKind != "" {
		q += ` AND r.service_kind = ?`
		args = append(args, f.ServiceKind)
	}
	if len(f.Exclude) > 0 {
		q += ` AND r.id NOT IN (` + placeholders(len(f.Exclude)) + `)`
		for _, id := range f.Exclude {
			args = append(args, id)
		}
	}
	q += ` ORDER BY r.success_rate DESC, r.traffic DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select eligible resources: %w", err)
	}
	defer rows.Close()

	var out []domain.Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resources: %w", err)
	}
	return out, nil
}

func resourceColsAliased() string {
	return `id, r.url, r.service_kind, r.traffic, r.success_rate, r.status`
}

// TodayUsage reads one resource's daily counter row; a missing row reads as
// all-zero usage for that day.
func (s *Store) TodayUsage(ctx context.Context, resourceID, day string) (domain.DailyUsage, error) {
	u := domain.DailyUsage{ResourceID: resourceID, Day: day}
	err := s.db.QueryRowContext(ctx,
		`SELECT allocated, succeeded, failed FROM daily_usage WHERE resource_id = ? AND day = ?`,
		resourceID, day,
	).Scan(&u.Allocated, &u.Succeeded, &u.Failed)
	if errors.Is(err, sql.ErrNoRows) {
		return u, nil
	}
	if err != nil {
		return u, fmt.Errorf("read daily usage: %w", err)
	}
	return u, nil
}
