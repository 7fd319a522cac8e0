package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"resfarm/internal/domain"
)

const requestCols = `id, service_kind, config, status, total_items, completed_items,
	failed_items, progress, legacy_ref, agent_group, created_at, updated_at`

func scanRequest(row interface{ Scan(...any) error }) (domain.WorkRequest, error) {
	var r domain.WorkRequest
	var cfg string
	var status string
	var created, updated int64
	err := row.Scan(&r.ID, &r.ServiceKind, &cfg, &status, &r.TotalItems, &r.Completed,
		&r.Failed, &r.Progress, &r.LegacyRef, &r.AgentGroup, &created, &updated)
	if err != nil {
		return r, err
	}
	r.Config = []byte(cfg)
	r.Status = domain.RequestStatus(status)
	r.CreatedAt = unixToTime(created)
	r.UpdatedAt = unixToTime(updated)
	return r, nil
}

func (s *Store) CreateRequest(ctx context.Context, r domain.WorkRequest) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	if r.Status == "" {
		r.Status = domain.RequestDraft
	}
	cfg := string(r.Config)
	if cfg == "" {
		cfg = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO work_requests(`+requestCols+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.ServiceKind, cfg, string(r.Status), r.TotalItems, r.Completed,
		r.Failed, r.Progress, r.LegacyRef, r.AgentGroup, r.CreatedAt.Unix(), r.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (domain.WorkRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestCols+` FROM work_requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return r, fmt.Errorf("get request: %w", err)
	}
	return r, nil
}

func (s *Store) RequestsByStatus(ctx context.Context, statuses ...domain.RequestStatus) ([]domain.WorkRequest, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(statuses))
	for _, st := range statuses {
		args = append(args, string(st))
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestCols+` FROM work_requests
		 WHERE status IN (`+placeholders(len(statuses))+`)
		 ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []domain.WorkRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return out, nil
}

// TransitionRequest moves a request along the lifecycle table. A transition
// that is already satisfied is a no-op; an edge missing from the table is
// rejected with domain.ErrInvalidTransition.
func (s *Store) TransitionRequest(ctx context.Context, id string, to domain.RequestStatus) error {
	r, err := s.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	if r.Status == to {
		return nil
	}
	if err := domain.CheckRequestTransition(r.Status, to); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE work_requests SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC().Unix(), id, string(r.Status),
	)
	if err != nil {
		return fmt.Errorf("transition request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race with a concurrent transition; re-check.
		return s.TransitionRequest(ctx, id, to)
	}
	return nil
}

// CancelRequest cancels the request and every non-terminal item in one
// transaction.
func (s *Store) CancelRequest(ctx context.Context, id string) error {
	r, err := s.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	if r.Status == domain.RequestCancel {
		return nil
	}
	if err := domain.CheckRequestTransition(r.Status, domain.RequestCancel); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx cancel request: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Unix()
	if _, err := tx.ExecContext(ctx,
		`UPDATE allocation_items
		 SET status = ?, claimed_by = NULL, claimed_at = NULL, finished_at = ?
		 WHERE request_id = ? AND status NOT IN (?,?,?)`,
		string(domain.ItemCancel), now, id,
		string(domain.ItemFinish), string(domain.ItemFailed), string(domain.ItemCancel),
	); err != nil {
		return fmt.Errorf("cancel request items: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE work_requests SET status = ?, updated_at = ? WHERE id = ?`,
		string(domain.RequestCancel), now, id,
	); err != nil {
		return fmt.Errorf("cancel request: %w", err)
	}
	if err := recomputeRequestProgress(ctx, tx, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cancel request: %w", err)
	}
	return nil
}

// recomputeRequestProgress derives the request counters from its item rows.
// Must run inside the transaction that changed the items so the invariant
// completed+failed <= total holds at every commit point.
//
// Counting rule: an item counts as completed once it produced a profile,
// even while it still waits for (or runs) the stacking phase.
func recomputeRequestProgress(ctx context.Context, tx *sql.Tx, requestID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE work_requests SET
			completed_items = (
				SELECT COUNT(*) FROM allocation_items
				WHERE request_id = ?1
				  AND (status = 'FINISH' OR (status IN ('CONNECT','CONNECTING') AND profile_ref != ''))
			),
			failed_items = (
				SELECT COUNT(*) FROM allocation_items
				WHERE request_id = ?1 AND status IN ('FAILED','CANCEL')
			),
			updated_at = ?2
		WHERE id = ?1`,
		requestID, time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("recompute counters: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE work_requests SET
			progress = CASE
				WHEN total_items > 0 THEN MIN(100, (completed_items + failed_items) * 100 / total_items)
				ELSE 0
			END
		WHERE id = ?`, requestID); err != nil {
		return fmt.Errorf("recompute progress: %w", err)
	}

	// Promote to COMPLETED once every allocated item is accounted for.
	if _, err := tx.ExecContext(ctx, `
		UPDATE work_requests SET status = 'COMPLETED', updated_at = ?2
		WHERE id = ?1
		  AND status IN ('PENDING','RUNNING','CONNECTING')
		  AND total_items > 0
		  AND completed_items + failed_items >= total_items`,
		requestID, time.Now().UTC().Unix()); err != nil {
		return fmt.Errorf("promote completed: %w", err)
	}
	return nil
}

// ForceCompleteRequest cancels all remaining non-terminal items with the given
// error code and marks the request COMPLETED at 100% progress. Used by the
// request timeout sweeper; guarantees a request always leaves RUNNING.
func (s *Store) ForceCompleteRequest(ctx context.Context, id, errCode, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx force complete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Unix()
	if _, err := tx.ExecContext(ctx,
		`UPDATE allocation_items
		 SET status = ?, claimed_by = NULL, claimed_at = NULL,
		     error_code = ?, error_message = ?, finished_at = ?
		 WHERE request_id = ? AND status NOT IN (?,?,?)`,
		string(domain.ItemCancel), errCode, errMsg, now, id,
		string(domain.ItemFinish), string(domain.ItemFailed), string(domain.ItemCancel),
	); err != nil {
		return fmt.Errorf("cancel remaining items: %w", err)
	}
	if err := recomputeRequestProgress(ctx, tx, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE work_requests SET status = 'COMPLETED', progress = 100, updated_at = ? WHERE id = ?`,
		now, id,
	); err != nil {
		return fmt.Errorf("force complete request: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit force complete: %w", err)
	}
	return nil
}

// FirstBatchCreatedAt returns the creation time of the request's first
// allocation batch. This anchors the request timeout (the request row's
// updated_at is perturbed by unrelated edits).
func (s *Store) FirstBatchCreatedAt(ctx context.Context, requestID string) (time.Time, bool, error) {
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM allocation_batches WHERE request_id = ? ORDER BY batch_no ASC LIMIT 1`,
		requestID,
	).Scan(&created)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("first batch time: %w", err)
	}
	return unixToTime(created), true, nil
}
