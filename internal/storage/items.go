package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"resfarm/internal/domain"
	logx "resfarm/pkg/logx"
)

const itemCols = `id, batch_id, request_id, resource_id, service_kind, tier, priority, status,
	claimed_by, claimed_at, claim_timeout_min, retry_index,
	profile_ref, post_ref, result, error_code, error_message, allocated_at, finished_at`

func scanItem(row interface{ Scan(...any) error }) (domain.AllocationItem, error) {
	var it domain.AllocationItem
	var tier, status, result string
	var claimedBy sql.NullString
	var claimedAt, finishedAt sql.NullInt64
	var allocated int64
	err := row.Scan(&it.ID, &it.BatchID, &it.RequestID, &it.ResourceID, &it.ServiceKind,
		&tier, &it.Priority, &status,
		&claimedBy, &claimedAt, &it.ClaimTimeoutMin, &it.RetryIndex,
		&it.ProfileRef, &it.PostRef, &result, &it.ErrorCode, &it.ErrorMessage,
		&allocated, &finishedAt)
	if err != nil {
		return it, err
	}
	it.Tier = domain.Tier(tier)
	it.Status = domain.ItemStatus(status)
	it.ClaimedBy = claimedBy.String
	it.ClaimedAt = unixPtr(claimedAt)
	it.FinishedAt = unixPtr(finishedAt)
	if result != "" {
		it.Result = []byte(result)
	}
	it.AllocatedAt = unixToTime(allocated)
	return it, nil
}

func (s *Store) GetItem(ctx context.Context, id string) (domain.AllocationItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemCols+` FROM allocation_items WHERE id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return it, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return it, fmt.Errorf("get item: %w", err)
	}
	return it, nil
}

// claimCandidateQuery builds the filtered candidate select shared by
// ClaimItems and PendingItems. Candidates are ordered by priority score
// descending, then allocation time ascending.
func claimCandidateQuery(f domain.ClaimFilter, limit int, cols string) (string, []any) {
	q := `SELECT ` + cols + ` FROM allocation_items i
		JOIN work_requests r ON r.id = i.request_id
		WHERE (i.status = 'NEW'`
	args := []any{}
	if f.IncludeStacking {
		q += ` OR (i.status = 'CONNECTING' AND i.claimed_by IS NULL)`
	}
	q += `)`

	if f.ServiceKind != "" {
		q += ` AND i.service_kind = ?`
		args = append(args, f.ServiceKind)
	}
	if f.Individual {
		// Individual agents only serve requests explicitly assigned to them.
		q += ` AND r.agent_group = ?`
		args = append(args, f.AgentID)
	} else {
		q += ` AND (r.agent_group = '' OR r.agent_group = ?)`
		args = append(args, f.AgentID)
	}
	if len(f.ResourceAllow) > 0 {
		q += ` AND i.resource_id IN (` + placeholders(len(f.ResourceAllow)) + `)`
		for _, rid := range f.ResourceAllow {
			args = append(args, rid)
		}
	}

	q += ` ORDER BY i.priority DESC, i.allocated_at ASC LIMIT ?`
	args = append(args, limit)
	return q, args
}

// ClaimItems atomically claims up to limit eligible items for the agent.
//
// Each candidate is taken with a conditional update keyed on the observed
// status and an empty claim slot; a row that lost the race to a concurrent
// claim simply doesn't match and is skipped. This emulates SELECT ... FOR
// UPDATE SKIP LOCKED: no item is ever handed to two agents.
//
// NEW items move to REGISTERING; CONNECTING continuation items stay
// CONNECTING and only gain the lease fields.
func (s *Store) ClaimItems(ctx context.Context, f domain.ClaimFilter, limit, timeoutMin int) ([]domain.AllocationItem, error) {
	if limit <= 0 {
		limit = 10
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q, args := claimCandidateQuery(f, limit, "i.id, i.status")
	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select claim candidates: %w", err)
	}
	type cand struct {
		id     string
		status string
	}
	var cands []cand
	for rows.Next() {
		var c cand
		if err := rows.Scan(&c.id, &c.status); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claim candidate: %w", err)
		}
		cands = append(cands, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate claim candidates: %w", err)
	}
	rows.Close()

	now := time.Now().UTC()
	claimed := make([]string, 0, len(cands))
	for _, c := range cands {
		res, err := tx.ExecContext(ctx,
			`UPDATE allocation_items
			 SET status = CASE WHEN status = 'NEW' THEN 'REGISTERING' ELSE status END,
			     claimed_by = ?, claimed_at = ?, claim_timeout_min = ?
			 WHERE id = ? AND status = ? AND claimed_by IS NULL`,
			f.AgentID, now.Unix(), timeoutMin, c.id, c.status,
		)
		if err != nil {
			return nil, fmt.Errorf("claim item %s: %w", c.id, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return nil, fmt.Errorf("claim affected rows: %w", err)
		} else if n == 1 {
			claimed = append(claimed, c.id)
		}
	}

	if len(claimed) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit empty claim: %w", err)
		}
		return nil, nil
	}

	ph := placeholders(len(claimed))
	cArgs := make([]any, 0, len(claimed))
	for _, id := range claimed {
		cArgs = append(cArgs, id)
	}

	// First claim moves the owning request PENDING -> RUNNING.
	if _, err := tx.ExecContext(ctx,
		`UPDATE work_requests SET status = 'RUNNING', updated_at = ?
		 WHERE status = 'PENDING'
		   AND id IN (SELECT DISTINCT request_id FROM allocation_items WHERE id IN (`+ph+`))`,
		append([]any{now.Unix()}, cArgs...)...,
	); err != nil {
		return nil, fmt.Errorf("advance requests to running: %w", err)
	}

	itemRows, err := tx.QueryContext(ctx,
		`SELECT `+itemCols+` FROM allocation_items WHERE id IN (`+ph+`)
		 ORDER BY priority DESC, allocated_at ASC`, cArgs...)
	if err != nil {
		return nil, fmt.Errorf("load claimed items: %w", err)
	}
	defer itemRows.Close()

	var out []domain.AllocationItem
	for itemRows.Next() {
		it, err := scanItem(itemRows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed item: %w", err)
		}
		out = append(out, it)
	}
	if err := itemRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed items: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return out, nil
}

// PendingItems is the read-only peek variant of ClaimItems: same filters and
// ordering, no state change.
func (s *Store) PendingItems(ctx context.Context, f domain.ClaimFilter, limit int) ([]domain.AllocationItem, error) {
	if limit <= 0 {
		limit = 50
	}
	q, args := claimCandidateQuery(f, limit, "i."+itemColsAliased())
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select pending items: %w", err)
	}
	defer rows.Close()

	var out []domain.AllocationItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending item: %w", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending items: %w", err)
	}
	return out, nil
}

func itemColsAliased() string {
	// The candidate query joins work_requests, so item columns need the alias.
	return `id, i.batch_id, i.request_id, i.resource_id, i.service_kind, i.tier, i.priority, i.status,
	i.claimed_by, i.claimed_at, i.claim_timeout_min, i.retry_index,
	i.profile_ref, i.post_ref, i.result, i.error_code, i.error_message, i.allocated_at, i.finished_at`
}

// ApplyItemResult transitions an item as part of agent-reported completion,
// and keeps the owning request's counters consistent in the same transaction.
//
// It only fires when the item's current status is in onlyFrom. An item
// already in exactly the target state reports (item, false, nil): completing
// twice is a no-op, not an error. Any other mismatch is rejected with
// domain.ErrInvalidTransition.
func (s *Store) ApplyItemResult(ctx context.Context, itemID string, to domain.ItemStatus, res domain.CompletionResult, onlyFrom ...domain.ItemStatus) (domain.AllocationItem, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.AllocationItem{}, false, fmt.Errorf("begin tx item result: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+itemCols+` FROM allocation_items WHERE id = ?`, itemID)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return it, false, fmt.Errorf("item %s: %w", itemID, ErrNotFound)
	}
	if err != nil {
		return it, false, fmt.Errorf("load item: %w", err)
	}

	if it.Status == to {
		return it, false, nil
	}
	allowed := false
	for _, from := range onlyFrom {
		if it.Status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return it, false, fmt.Errorf("item %s: %w: %s -> %s", itemID, domain.ErrInvalidTransition, it.Status, to)
	}

	now := time.Now().UTC()
	set := `status = ?, profile_ref = ?, post_ref = ?, error_code = ?, error_message = ?`
	args := []any{string(to), coalesce(res.ProfileRef, it.ProfileRef), coalesce(res.PostRef, it.PostRef), res.ErrorCode, res.ErrorMessage}
	if len(res.Result) > 0 {
		set += `, result = ?`
		args = append(args, string(res.Result))
	}
	if to.Terminal() || to == domain.ItemConnect {
		set += `, finished_at = ?`
		args = append(args, now.Unix())
	}
	// The lease survives only while the agent keeps working the item.
	if to != domain.ItemRegistering && to != domain.ItemProfiling {
		set += `, claimed_by = NULL, claimed_at = NULL`
	}
	args = append(args, itemID, string(it.Status))

	result, err := tx.ExecContext(ctx,
		`UPDATE allocation_items SET `+set+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return it, false, fmt.Errorf("apply item result: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		// Lost a race with a concurrent transition; surface the fresh row.
		return it, false, fmt.Errorf("item %s: %w: concurrent update", itemID, domain.ErrInvalidTransition)
	}

	// Outcome ledger: successes and failures feed the resource's daily rate.
	// An item contributes at most one outcome. Stacking items are counted at
	// the primary completion (CONNECT/CONNECTING with a profile), so their
	// secondary phase, success or failure, must not count again.
	day := domain.Day(now)
	counted := (it.Status == domain.ItemConnect || it.Status == domain.ItemConnecting) && it.ProfileRef != ""
	switch {
	case counted:
	case to == domain.ItemFailed:
		if err := bumpUsageOutcome(ctx, tx, it.ResourceID, day, false); err != nil {
			return it, false, err
		}
	case to == domain.ItemFinish, (to == domain.ItemConnect || to == domain.ItemConnecting) && coalesce(res.ProfileRef, it.ProfileRef) != "":
		if err := bumpUsageOutcome(ctx, tx, it.ResourceID, day, true); err != nil {
			return it, false, err
		}
	}

	if err := recomputeRequestProgress(ctx, tx, it.RequestID); err != nil {
		return it, false, err
	}
	if err := tx.Commit(); err != nil {
		return it, false, fmt.Errorf("commit item result: %w", err)
	}

	return s.mustGetItem(ctx, itemID)
}

func (s *Store) mustGetItem(ctx context.Context, id string) (domain.AllocationItem, bool, error) {
	it, err := s.GetItem(ctx, id)
	if err != nil {
		return it, true, err
	}
	return it, true, nil
}

// UpdateItemStatus is the operator/agent escape hatch: it sets any status and
// merges a partial result payload into the existing one instead of
// overwriting. Progress is recomputed when the new status affects counting.
func (s *Store) UpdateItemStatus(ctx context.Context, itemID string, to domain.ItemStatus, res domain.CompletionResult, mergeResult bool) (domain.AllocationItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.AllocationItem{}, fmt.Errorf("begin tx update status: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+itemCols+` FROM allocation_items WHERE id = ?`, itemID)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return it, fmt.Errorf("item %s: %w", itemID, ErrNotFound)
	}
	if err != nil {
		return it, fmt.Errorf("load item: %w", err)
	}

	payload := res.Result
	if mergeResult && len(payload) > 0 && len(it.Result) > 0 {
		merged, err := mergeJSON(it.Result, payload)
		if err != nil {
			return it, fmt.Errorf("merge result payload: %w", err)
		}
		payload = merged
	}

	now := time.Now().UTC()
	set := `status = ?, profile_ref = ?, post_ref = ?`
	args := []any{string(to), coalesce(res.ProfileRef, it.ProfileRef), coalesce(res.PostRef, it.PostRef)}
	if res.ErrorCode != "" || res.ErrorMessage != "" {
		set += `, error_code = ?, error_message = ?`
		args = append(args, res.ErrorCode, res.ErrorMessage)
	}
	if len(payload) > 0 {
		set += `, result = ?`
		args = append(args, string(payload))
	}
	if to.Terminal() {
		set += `, finished_at = ?`
		args = append(args, now.Unix())
	}
	if !to.Claimed() {
		set += `, claimed_by = NULL, claimed_at = NULL`
	}
	args = append(args, itemID)

	if _, err := tx.ExecContext(ctx, `UPDATE allocation_items SET `+set+` WHERE id = ?`, args...); err != nil {
		return it, fmt.Errorf("update item status: %w", err)
	}

	if err := recomputeRequestProgress(ctx, tx, it.RequestID); err != nil {
		return it, err
	}
	if err := tx.Commit(); err != nil {
		return it, fmt.Errorf("commit update status: %w", err)
	}
	out, _, err := s.mustGetItem(ctx, itemID)
	return out, err
}

// ExpireSummary reports one ReleaseExpired sweep.
type ExpireSummary struct {
	Requeued int
	Failed   int
	Errors   int
}

// expiredLease is one item whose claim deadline has passed.
type expiredLease struct {
	id         string
	requestID  string
	resourceID string
	status     domain.ItemStatus
	profileRef string
	retryIndex int
	claimedAt  int64
}

// ExpireLeases recovers items whose lease has lapsed. Below the retry bound
// the item is requeued (REGISTERING/PROFILING go back to NEW, a continuation
// CONNECTING item just loses its lease); at the bound it goes FAILED with a
// retry-exhaustion error. Each item is handled in its own transaction so one
// bad row never blocks the rest of the sweep.
func (s *Store) ExpireLeases(ctx context.Context, now time.Time, maxRetries int) (ExpireSummary, error) {
	var sum ExpireSummary

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, resource_id, status, profile_ref, retry_index, claimed_at
		 FROM allocation_items
		 WHERE claimed_at IS NOT NULL
		   AND status IN ('REGISTERING','PROFILING','CONNECTING')
		   AND claimed_at + claim_timeout_min * 60 <= ?`,
		now.UTC().Unix(),
	)
	if err != nil {
		return sum, fmt.Errorf("select expired leases: %w", err)
	}
	var expired []expiredLease
	for rows.Next() {
		var e expiredLease
		var status string
		if err := rows.Scan(&e.id, &e.requestID, &e.resourceID, &status, &e.profileRef, &e.retryIndex, &e.claimedAt); err != nil {
			rows.Close()
			return sum, fmt.Errorf("scan expired lease: %w", err)
		}
		e.status = domain.ItemStatus(status)
		expired = append(expired, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return sum, fmt.Errorf("iterate expired leases: %w", err)
	}
	rows.Close()

	for _, e := range expired {
		if err := s.expireOne(ctx, e, maxRetries, &sum); err != nil {
			sum.Errors++
			s.log.Warn("lease expiry failed for item",
				logx.String("item_id", e.id), logx.String("request_id", e.requestID), logx.Err(err))
		}
	}
	return sum, nil
}

func (s *Store) expireOne(ctx context.Context, e expiredLease, maxRetries int, sum *ExpireSummary) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx expire: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if e.retryIndex < maxRetries {
		next := domain.ItemNew
		if e.status == domain.ItemConnecting {
			// Continuation work has no NEW edge; it just becomes claimable again.
			next = domain.ItemConnecting
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE allocation_items
			 SET status = ?, claimed_by = NULL, claimed_at = NULL,
			     retry_index = retry_index + 1, error_code = ?, error_message = ''
			 WHERE id = ? AND status = ? AND claimed_at = ?`,
			string(next), domain.ErrCodeLeaseExpired, e.id, string(e.status), e.claimedAt,
		)
		if err != nil {
			return fmt.Errorf("requeue expired item: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			sum.Requeued++
		}
		return tx.Commit()
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE allocation_items
		 SET status = 'FAILED', claimed_by = NULL, claimed_at = NULL,
		     error_code = ?, error_message = 'claim lease expired after max retries', finished_at = ?
		 WHERE id = ? AND status = ? AND claimed_at = ?`,
		domain.ErrCodeRetriesExceeded, time.Now().UTC().Unix(), e.id, string(e.status), e.claimedAt,
	)
	if err != nil {
		return fmt.Errorf("fail expired item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		sum.Failed++
		// Stacking items already fed the ledger at the primary completion.
		counted := e.status == domain.ItemConnecting && e.profileRef != ""
		if !counted {
			if err := bumpUsageOutcome(ctx, tx, e.resourceID, domain.Day(time.Now()), false); err != nil {
				return err
			}
		}
		if err := recomputeRequestProgress(ctx, tx, e.requestID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// StackingRequestIDs lists requests that have items parked in CONNECT.
func (s *Store) StackingRequestIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT i.request_id FROM allocation_items i
		 JOIN work_requests r ON r.id = i.request_id
		 WHERE i.status = 'CONNECT' AND r.status IN ('RUNNING','CONNECTING','COMPLETED')`)
	if err != nil {
		return nil, fmt.Errorf("list stacking requests: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stacking request: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stacking requests: %w", err)
	}
	return out, nil
}

// ProfileCount counts the request's items that produced a profile reference.
func (s *Store) ProfileCount(ctx context.Context, requestID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM allocation_items WHERE request_id = ? AND profile_ref != ''`,
		requestID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count profiles: %w", err)
	}
	return n, nil
}

// PromoteStacked releases a request's parked CONNECT items to CONNECTING in
// one statement, making them claimable for the secondary phase.
func (s *Store) PromoteStacked(ctx context.Context, requestID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE allocation_items SET status = 'CONNECTING' WHERE request_id = ? AND status = 'CONNECT'`,
		requestID,
	)
	if err != nil {
		return 0, fmt.Errorf("promote stacked items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("promote affected rows: %w", err)
	}
	return int(n), nil
}

// ItemStatusCounts returns the request's items bucketed by status.
func (s *Store) ItemStatusCounts(ctx context.Context, requestID string) (map[domain.ItemStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM allocation_items WHERE request_id = ? GROUP BY status`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("count items by status: %w", err)
	}
	defer rows.Close()

	out := map[domain.ItemStatus]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[domain.ItemStatus(st)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return out, nil
}

// ItemsForRequest lists every item of a request in allocation order.
func (s *Store) ItemsForRequest(ctx context.Context, requestID string) ([]domain.AllocationItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemCols+` FROM allocation_items WHERE request_id = ? ORDER BY allocated_at ASC, id ASC`,
		requestID)
	if err != nil {
		return nil, fmt.Errorf("list request items: %w", err)
	}
	defer rows.Close()

	var out []domain.AllocationItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request item: %w", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate request items: %w", err)
	}
	return out, nil
}

// UsedResourceIDs lists resources already allocated to the request, so
// reallocation can exclude them.
func (s *Store) UsedResourceIDs(ctx context.Context, requestID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT resource_id FROM allocation_items WHERE request_id = ?`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list used resources: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan used resource: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate used resources: %w", err)
	}
	return out, nil
}

// ResetFailedItems requeues up to limit FAILED items still under the retry
// bound back to NEW, for another attempt on the same resource. Returns the
// number of items reset. retry_index is deliberately untouched: it tracks
// lease expiries, not reallocation retries.
func (s *Store) ResetFailedItems(ctx context.Context, requestID string, maxRetries, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx reset failed: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE allocation_items
		 SET status = 'NEW', error_code = '', error_message = '', finished_at = NULL
		 WHERE id IN (
			SELECT id FROM allocation_items
			WHERE request_id = ? AND status = 'FAILED' AND retry_index < ?
			ORDER BY priority DESC, allocated_at ASC
			LIMIT ?
		 )`,
		requestID, maxRetries, limit,
	)
	if err != nil {
		return 0, fmt.Errorf("reset failed items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset affected rows: %w", err)
	}
	if n > 0 {
		if err := recomputeRequestProgress(ctx, tx, requestID); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit reset failed: %w", err)
	}
	return int(n), nil
}
