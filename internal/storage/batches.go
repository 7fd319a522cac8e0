package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"resfarm/internal/domain"
)

// BatchPick is one resource the planner selected for a batch.
type BatchPick struct {
	Resource domain.Resource
	Tier     domain.Tier
}

// CreateBatch records one planning pass: the batch row (next gap-free batch
// number), one item per pick, the daily usage increments, and the request's
// NEW->PENDING advance on the first batch, all in one transaction.
//
// The daily usage increment carries the quota guard: a pick whose resource
// lost the quota race since the eligibility read is silently skipped, so the
// same-day allocation count never exceeds maxDaily even under stale cache
// reads. Zero surviving picks still records the (empty) batch; exhaustion is
// a signal for the reallocator and alerting, not an error.
func (s *Store) CreateBatch(ctx context.Context, requestID string, targetCount, maxDaily int, picks []BatchPick) (domain.AllocationBatch, []domain.AllocationItem, error) {
	var batch domain.AllocationBatch

	req, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return batch, nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return batch, nil, fmt.Errorf("begin tx create batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	day := domain.Day(now)

	var batchNo int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(batch_no), 0) + 1 FROM allocation_batches WHERE request_id = ?`,
		requestID,
	).Scan(&batchNo); err != nil {
		return batch, nil, fmt.Errorf("next batch number: %w", err)
	}

	batch = domain.AllocationBatch{
		ID:          uuid.NewString(),
		RequestID:   requestID,
		BatchNo:     batchNo,
		TargetCount: targetCount,
		Status:      domain.BatchProcessing,
		CreatedAt:   now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO allocation_batches(id, request_id, batch_no, target_count, high_count, low_count, status, created_at)
		 VALUES(?,?,?,?,0,0,?,?)`,
		batch.ID, batch.RequestID, batch.BatchNo, batch.TargetCount, string(batch.Status), now.Unix(),
	); err != nil {
		return batch, nil, fmt.Errorf("insert batch: %w", err)
	}

	items := make([]domain.AllocationItem, 0, len(picks))
	for _, p := range picks {
		// Atomic increment-or-create with the quota gate. No row changed
		// means the resource hit its daily cap concurrently; skip it.
		res, err := tx.ExecContext(ctx,
			`INSERT INTO daily_usage(resource_id, day, allocated, succeeded, failed)
			 VALUES(?, ?, 1, 0, 0)
			 ON CONFLICT(resource_id, day) DO UPDATE SET allocated = allocated + 1
			 WHERE allocated < ?`,
			p.Resource.ID, day, maxDaily,
		)
		if err != nil {
			return batch, nil, fmt.Errorf("bump daily usage: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return batch, nil, fmt.Errorf("daily usage affected rows: %w", err)
		} else if n == 0 {
			continue
		}

		it := domain.AllocationItem{
			ID:          uuid.NewString(),
			BatchID:     batch.ID,
			RequestID:   requestID,
			ResourceID:  p.Resource.ID,
			ServiceKind: req.ServiceKind,
			Tier:        p.Tier,
			Priority:    p.Resource.SuccessRate,
			Status:      domain.ItemNew,
			AllocatedAt: now,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO allocation_items(id, batch_id, request_id, resource_id, service_kind, tier, priority, status, allocated_at)
			 VALUES(?,?,?,?,?,?,?,?,?)`,
			it.ID, it.BatchID, it.RequestID, it.ResourceID, it.ServiceKind, string(it.Tier), it.Priority, string(it.Status), now.Unix(),
		); err != nil {
			return batch, nil, fmt.Errorf("insert item: %w", err)
		}
		items = append(items, it)
		switch p.Tier {
		case domain.TierHigh:
			batch.HighCount++
		default:
			batch.LowCount++
		}
	}

	completed := now
	batch.Status = domain.BatchCompleted
	batch.CompletedAt = &completed
	if _, err := tx.ExecContext(ctx,
		`UPDATE allocation_batches SET high_count = ?, low_count = ?, status = ?, completed_at = ? WHERE id = ?`,
		batch.HighCount, batch.LowCount, string(batch.Status), completed.Unix(), batch.ID,
	); err != nil {
		return batch, nil, fmt.Errorf("finalize batch: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE work_requests SET
			total_items = (SELECT COUNT(*) FROM allocation_items WHERE request_id = ?1),
			updated_at = ?2
		 WHERE id = ?1`,
		requestID, now.Unix(),
	); err != nil {
		return batch, nil, fmt.Errorf("update request totals: %w", err)
	}

	// First successful planning pass advances NEW -> PENDING.
	if batchNo == 1 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE work_requests SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(domain.RequestPending), now.Unix(), requestID, string(domain.RequestNew),
		); err != nil {
			return batch, nil, fmt.Errorf("advance request to pending: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return batch, nil, fmt.Errorf("commit create batch: %w", err)
	}
	return batch, items, nil
}

// BatchesForRequest lists a request's planning passes in batch order.
func (s *Store) BatchesForRequest(ctx context.Context, requestID string) ([]domain.AllocationBatch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, batch_no, target_count, high_count, low_count, status, created_at, completed_at
		 FROM allocation_batches WHERE request_id = ? ORDER BY batch_no ASC`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []domain.AllocationBatch
	for rows.Next() {
		var b domain.AllocationBatch
		var status string
		var created int64
		var completed sql.NullInt64
		if err := rows.Scan(&b.ID, &b.RequestID, &b.BatchNo, &b.TargetCount, &b.HighCount, &b.LowCount, &status, &created, &completed); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		b.Status = domain.BatchStatus(status)
		b.CreatedAt = unixToTime(created)
		b.CompletedAt = unixPtr(completed)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return out, nil
}
