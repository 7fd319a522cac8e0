package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"resfarm/internal/domain"
	logx "resfarm/pkg/logx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedRequest(t *testing.T, s *Store, id, agentGroup string) {
	t.Helper()
	err := s.CreateRequest(context.Background(), domain.WorkRequest{
		ID:          id,
		ServiceKind: "web",
		Config:      []byte(`{"count":5,"stack":"all"}`),
		Status:      domain.RequestNew,
		AgentGroup:  agentGroup,
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
}

func seedPicks(t *testing.T, s *Store, n int) []BatchPick {
	t.Helper()
	picks := make([]BatchPick, 0, n)
	for i := 0; i < n; i++ {
		r := domain.Resource{
			ID:          fmt.Sprintf("res-%02d", i),
			URL:         fmt.Sprintf("https://site-%02d.example", i),
			ServiceKind: "web",
			Traffic:     int64(100000 - i*1000),
			SuccessRate: 0.9 - float64(i)*0.01,
			Status:      domain.ResourceActive,
		}
		if err := s.UpsertResource(context.Background(), r); err != nil {
			t.Fatalf("upsert resource: %v", err)
		}
		picks = append(picks, BatchPick{Resource: r, Tier: domain.TierHigh})
	}
	return picks
}

// seedBatch creates a request with n allocated items and returns their ids.
func seedBatch(t *testing.T, s *Store, requestID string, n int) []domain.AllocationItem {
	t.Helper()
	seedRequest(t, s, requestID, "")
	_, items, err := s.CreateBatch(context.Background(), requestID, n, 10, seedPicks(t, s, n))
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if len(items) != n {
		t.Fatalf("batch items = %d, want %d", len(items), n)
	}
	return items
}

func TestCreateBatchAdvancesRequest(t *testing.T) {
	s := newTestStore(t)
	seedBatch(t, s, "req-1", 4)

	r, err := s.GetRequest(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if r.Status != domain.RequestPending {
		t.Errorf("request status = %s, want PENDING", r.Status)
	}
	if r.TotalItems != 4 {
		t.Errorf("total items = %d, want 4", r.TotalItems)
	}
}

func TestCreateBatchQuotaGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRequest(t, s, "req-1", "")
	seedRequest(t, s, "req-2", "")
	picks := seedPicks(t, s, 3)

	// maxDaily=1: the second batch reuses the same resources and must get
	// zero items, not a quota overrun.
	_, items, err := s.CreateBatch(ctx, "req-1", 3, 1, picks)
	if err != nil {
		t.Fatalf("first batch: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("first batch items = %d, want 3", len(items))
	}
	_, items, err = s.CreateBatch(ctx, "req-2", 3, 1, picks)
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("second batch items = %d, want 0 (quota exhausted)", len(items))
	}

	u, err := s.TodayUsage(ctx, picks[0].Resource.ID, domain.Day(time.Now()))
	if err != nil {
		t.Fatalf("today usage: %v", err)
	}
	if u.Allocated != 1 {
		t.Errorf("allocated = %d, want 1", u.Allocated)
	}
}

func TestEligibleResourcesRespectsQuotaAndStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	picks := seedPicks(t, s, 3)
	if err := s.SetResourceStatus(ctx, picks[2].Resource.ID, domain.ResourceDisabled); err != nil {
		t.Fatalf("disable resource: %v", err)
	}
	seedRequest(t, s, "req-1", "")
	if _, _, err := s.CreateBatch(ctx, "req-1", 1, 1, picks[:1]); err != nil {
		t.Fatalf("create batch: %v", err)
	}

	got, err := s.EligibleResources(ctx, domain.ResourceFilter{
		Day: domain.Day(time.Now()), MaxDaily: 1, ServiceKind: "web",
	})
	if err != nil {
		t.Fatalf("eligible resources: %v", err)
	}
	// res-00 is at quota, res-02 is disabled; only res-01 remains.
	if len(got) != 1 || got[0].ID != picks[1].Resource.ID {
		t.Errorf("eligible = %+v, want only %s", got, picks[1].Resource.ID)
	}
}

func TestClaimItems(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedBatch(t, s, "req-1", 4)

	got, err := s.ClaimItems(ctx, domain.ClaimFilter{AgentID: "agent-a", ServiceKind: "web"}, 2, 5)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("claimed = %d, want 2", len(got))
	}
	for _, it := range got {
		if it.Status != domain.ItemRegistering {
			t.Errorf("item %s status = %s, want REGISTERING", it.ID, it.Status)
		}
		if it.ClaimedBy != "agent-a" || it.ClaimedAt == nil {
			t.Errorf("item %s lease not set: by=%q at=%v", it.ID, it.ClaimedBy, it.ClaimedAt)
		}
		if it.ClaimTimeoutMin != 5 {
			t.Errorf("item %s timeout = %d, want 5", it.ID, it.ClaimTimeoutMin)
		}
	}
	// Best priority first.
	if len(got) == 2 && got[0].Priority < got[1].Priority {
		t.Errorf("claim order wrong: %f before %f", got[0].Priority, got[1].Priority)
	}

	r, _ := s.GetRequest(ctx, "req-1")
	if r.Status != domain.RequestRunning {
		t.Errorf("request status = %s, want RUNNING after first claim", r.Status)
	}
}

func TestClaimItemsNoDoubleClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedBatch(t, s, "req-1", 10)

	var mu sync.Mutex
	owner := map[string]string{}
	var wg sync.WaitGroup
	for _, agent := range []string{"agent-a", "agent-b", "agent-c"} {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			got, err := s.ClaimItems(ctx, domain.ClaimFilter{AgentID: agent}, 10, 5)
			if err != nil {
				t.Errorf("claim by %s: %v", agent, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, it := range got {
				if prev, dup := owner[it.ID]; dup {
					t.Errorf("item %s claimed by both %s and %s", it.ID, prev, agent)
				}
				owner[it.ID] = agent
			}
		}(agent)
	}
	wg.Wait()
	if len(owner) != 10 {
		t.Errorf("total claimed = %d, want 10", len(owner))
	}
}

func TestClaimItemsAgentGroups(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRequest(t, s, "req-shared", "")
	seedRequest(t, s, "req-owned", "agent-x")
	picks := seedPicks(t, s, 4)
	if _, _, err := s.CreateBatch(ctx, "req-shared", 2, 10, picks[:2]); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.CreateBatch(ctx, "req-owned", 2, 10, picks[2:]); err != nil {
		t.Fatal(err)
	}

	// A global agent sees shared work plus work assigned to it by name.
	got, err := s.ClaimItems(ctx, domain.ClaimFilter{AgentID: "agent-y"}, 10, 5)
	if err != nil {
		t.Fatalf("claim global: %v", err)
	}
	for _, it := range got {
		if it.RequestID == "req-owned" {
			t.Errorf("global agent claimed owned item %s", it.ID)
		}
	}
	if len(got) != 2 {
		t.Errorf("global agent claimed %d, want 2", len(got))
	}

	// An individual agent only sees requests assigned to it.
	got, err = s.ClaimItems(ctx, domain.ClaimFilter{AgentID: "agent-x", Individual: true}, 10, 5)
	if err != nil {
		t.Fatalf("claim individual: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("individual agent claimed %d, want 2", len(got))
	}
	for _, it := range got {
		if it.RequestID != "req-owned" {
			t.Errorf("individual agent claimed shared item %s", it.ID)
		}
	}
}

func TestApplyItemResultIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedBatch(t, s, "req-1", 1)
	got, err := s.ClaimItems(ctx, domain.ClaimFilter{AgentID: "agent-a"}, 1, 5)
	if err != nil || len(got) != 1 {
		t.Fatalf("claim: %v (%d items)", err, len(got))
	}
	id := got[0].ID

	res := domain.CompletionResult{ProfileRef: "prof-1", PostRef: "post-1"}
	it, changed, err := s.ApplyItemResult(ctx, id, domain.ItemConnect, res,
		domain.ItemRegistering, domain.ItemProfiling)
	if err != nil {
		t.Fatalf("first complete: %v", err)
	}
	if !changed {
		t.Error("first complete reported no change")
	}
	if it.Status != domain.ItemConnect || it.ProfileRef != "prof-1" {
		t.Errorf("item after complete = %s/%q", it.Status, it.ProfileRef)
	}
	if it.ClaimedBy != "" || it.ClaimedAt != nil {
		t.Error("lease not cleared on completion")
	}

	// Same call again: accepted no-op.
	it, changed, err = s.ApplyItemResult(ctx, id, domain.ItemConnect, res,
		domain.ItemRegistering, domain.ItemProfiling)
	if err != nil {
		t.Fatalf("repeat complete: %v", err)
	}
	if changed {
		t.Error("repeat complete reported a change")
	}
	if it.Status != domain.ItemConnect {
		t.Errorf("status after repeat = %s", it.Status)
	}

	// A different target from a terminal-ish state is rejected.
	if _, _, err := s.ApplyItemResult(ctx, id, domain.ItemFinish, res, domain.ItemProfiling); err == nil {
		t.Error("expected invalid transition error")
	}

	u, err := s.TodayUsage(ctx, it.ResourceID, domain.Day(time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if u.Succeeded != 1 {
		t.Errorf("succeeded = %d, want 1 (no double count)", u.Succeeded)
	}
}

func TestCompletionDrivesRequestProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	items := seedBatch(t, s, "req-1", 2)
	if _, err := s.ClaimItems(ctx, domain.ClaimFilter{AgentID: "a"}, 2, 5); err != nil {
		t.Fatal(err)
	}

	if _, _, err := s.ApplyItemResult(ctx, items[0].ID, domain.ItemFinish,
		domain.CompletionResult{ProfileRef: "p1"}, domain.ItemRegistering, domain.ItemProfiling); err != nil {
		t.Fatalf("finish first: %v", err)
	}
	r, _ := s.GetRequest(ctx, "req-1")
	if r.Completed != 1 || r.Progress != 50 {
		t.Errorf("after one: completed=%d progress=%d, want 1/50", r.Completed, r.Progress)
	}
	if r.Status != domain.RequestRunning {
		t.Errorf("status = %s, want RUNNING", r.Status)
	}

	if _, _, err := s.ApplyItemResult(ctx, items[1].ID, domain.ItemFailed,
		domain.CompletionResult{ErrorCode: "register_denied", ErrorMessage: "blocked"},
		domain.ItemRegistering, domain.ItemProfiling); err != nil {
		t.Fatalf("fail second: %v", err)
	}
	r, _ = s.GetRequest(ctx, "req-1")
	if r.Completed != 1 || r.Failed != 1 || r.Progress != 100 {
		t.Errorf("after both: completed=%d failed=%d progress=%d", r.Completed, r.Failed, r.Progress)
	}
	if r.Status != domain.RequestCompleted {
		t.Errorf("status = %s, want COMPLETED", r.Status)
	}
}

func TestExpireLeases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	items := seedBatch(t, s, "req-1", 2)
	if _, err := s.ClaimItems(ctx, domain.ClaimFilter{AgentID: "a"}, 2, 5); err != nil {
		t.Fatal(err)
	}
	// Push one item to the retry bound.
	if _, err := s.db.ExecContext(ctx,
		`UPDATE allocation_items SET retry_index = 3 WHERE id = ?`, items[1].ID); err != nil {
		t.Fatal(err)
	}

	// Not yet expired.
	sum, err := s.ExpireLeases(ctx, time.Now(), 3)
	if err != nil {
		t.Fatalf("expire (fresh): %v", err)
	}
	if sum.Requeued != 0 || sum.Failed != 0 {
		t.Errorf("fresh leases expired: %+v", sum)
	}

	sum, err = s.ExpireLeases(ctx, time.Now().Add(6*time.Minute), 3)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if sum.Requeued != 1 || sum.Failed != 1 {
		t.Fatalf("summary = %+v, want 1 requeued 1 failed", sum)
	}

	it, _ := s.GetItem(ctx, items[0].ID)
	if it.Status != domain.ItemNew || it.RetryIndex != 1 {
		t.Errorf("requeued item = %s retry=%d, want NEW/1", it.Status, it.RetryIndex)
	}
	if it.ClaimedBy != "" || it.ClaimedAt != nil {
		t.Error("requeued item still leased")
	}
	if it.ErrorCode != domain.ErrCodeLeaseExpired {
		t.Errorf("error code = %q", it.ErrorCode)
	}

	it, _ = s.GetItem(ctx, items[1].ID)
	if it.Status != domain.ItemFailed || it.ErrorCode != domain.ErrCodeRetriesExceeded {
		t.Errorf("exhausted item = %s/%q", it.Status, it.ErrorCode)
	}

	// The requeued item is claimable again.
	got, err := s.ClaimItems(ctx, domain.ClaimFilter{AgentID: "b"}, 10, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != items[0].ID {
		t.Errorf("reclaim got %d items", len(got))
	}
}

func TestExpireLeasesKeepsConnecting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	items := seedBatch(t, s, "req-1", 1)
	if _, err := s.db.ExecContext(ctx,
		`UPDATE allocation_items SET status = 'CONNECTING' WHERE id = ?`, items[0].ID); err != nil {
		t.Fatal(err)
	}
	got, err := s.ClaimItems(ctx, domain.ClaimFilter{AgentID: "a", IncludeStacking: true}, 1, 5)
	if err != nil || len(got) != 1 {
		t.Fatalf("claim connecting: %v (%d)", err, len(got))
	}
	if got[0].Status != domain.ItemConnecting {
		t.Fatalf("claimed status = %s, want CONNECTING", got[0].Status)
	}

	sum, err := s.ExpireLeases(ctx, time.Now().Add(6*time.Minute), 3)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Requeued != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	it, _ := s.GetItem(ctx, items[0].ID)
	if it.Status != domain.ItemConnecting {
		t.Errorf("status = %s, want CONNECTING preserved", it.Status)
	}
	if it.ClaimedBy != "" {
		t.Error("lease not cleared")
	}
}

func TestPromoteStacked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	items := seedBatch(t, s, "req-1", 3)
	if _, err := s.ClaimItems(ctx, domain.ClaimFilter{AgentID: "a"}, 3, 5); err != nil {
		t.Fatal(err)
	}
	for _, it := range items[:2] {
		if _, _, err := s.ApplyItemResult(ctx, it.ID, domain.ItemConnect,
			domain.CompletionResult{ProfileRef: "p-" + it.ID},
			domain.ItemRegistering, domain.ItemProfiling); err != nil {
			t.Fatal(err)
		}
	}

	// Parked CONNECT items are not claimable, even with stacking enabled.
	got, err := s.ClaimItems(ctx, domain.ClaimFilter{AgentID: "b", IncludeStacking: true}, 10, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("claimed %d parked items", len(got))
	}

	ids, err := s.StackingRequestIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "req-1" {
		t.Fatalf("stacking requests = %v", ids)
	}
	n, err := s.ProfileCount(ctx, "req-1")
	if err != nil || n != 2 {
		t.Fatalf("profile count = %d (%v), want 2", n, err)
	}

	promoted, err := s.PromoteStacked(ctx, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if promoted != 2 {
		t.Fatalf("promoted = %d, want 2", promoted)
	}

	got, err = s.ClaimItems(ctx, domain.ClaimFilter{AgentID: "b", IncludeStacking: true}, 10, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("claimable after promote = %d, want 2", len(got))
	}
}

func TestStackingOutcomeCountedOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	items := seedBatch(t, s, "req-1", 2)
	if _, err := s.ClaimItems(ctx, domain.ClaimFilter{AgentID: "a"}, 2, 5); err != nil {
		t.Fatal(err)
	}
	for _, it := range items {
		if _, _, err := s.ApplyItemResult(ctx, it.ID, domain.ItemConnect,
			domain.CompletionResult{ProfileRef: "p-" + it.ID},
			domain.ItemRegistering, domain.ItemProfiling); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.PromoteStacked(ctx, "req-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimItems(ctx, domain.ClaimFilter{AgentID: "b", IncludeStacking: true}, 2, 5); err != nil {
		t.Fatal(err)
	}

	// Secondary phase: one item finishes, the other fails.
	if _, _, err := s.ApplyItemResult(ctx, items[0].ID, domain.ItemFinish,
		domain.CompletionResult{PostRef: "post-1"}, domain.ItemConnecting); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.ApplyItemResult(ctx, items[1].ID, domain.ItemFailed,
		domain.CompletionResult{ErrorCode: "agent_failure"}, domain.ItemConnecting); err != nil {
		t.Fatal(err)
	}

	// Each item contributed exactly one outcome, at the primary completion.
	day := domain.Day(time.Now())
	for _, it := range items {
		u, err := s.TodayUsage(ctx, it.ResourceID, day)
		if err != nil {
			t.Fatal(err)
		}
		if u.Allocated != 1 || u.Succeeded != 1 || u.Failed != 0 {
			t.Errorf("resource %s ledger = %d/%d/%d, want 1/1/0",
				it.ResourceID, u.Allocated, u.Succeeded, u.Failed)
		}
	}
}

func TestCancelRequest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	items := seedBatch(t, s, "req-1", 3)
	if _, err := s.ClaimItems(ctx, domain.ClaimFilter{AgentID: "a"}, 1, 5); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.ApplyItemResult(ctx, items[0].ID, domain.ItemFinish,
		domain.CompletionResult{ProfileRef: "p"}, domain.ItemRegistering, domain.ItemProfiling); err != nil {
		t.Fatal(err)
	}

	if err := s.CancelRequest(ctx, "req-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	r, _ := s.GetRequest(ctx, "req-1")
	if r.Status != domain.RequestCancel {
		t.Errorf("request status = %s", r.Status)
	}
	counts, err := s.ItemStatusCounts(ctx, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	// The finished item keeps its terminal state; the rest are cancelled.
	if counts[domain.ItemFinish] != 1 || counts[domain.ItemCancel] != 2 {
		t.Errorf("counts = %v", counts)
	}

	// Cancelling again is a no-op.
	if err := s.CancelRequest(ctx, "req-1"); err != nil {
		t.Errorf("repeat cancel: %v", err)
	}
}

func TestResetFailedItems(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	items := seedBatch(t, s, "req-1", 3)
	if _, err := s.ClaimItems(ctx, domain.ClaimFilter{AgentID: "a"}, 3, 5); err != nil {
		t.Fatal(err)
	}
	for _, it := range items {
		if _, _, err := s.ApplyItemResult(ctx, it.ID, domain.ItemFailed,
			domain.CompletionResult{ErrorCode: "register_denied"},
			domain.ItemRegistering, domain.ItemProfiling); err != nil {
			t.Fatal(err)
		}
	}
	// One item is past the retry bound and must stay FAILED.
	if _, err := s.db.ExecContext(ctx,
		`UPDATE allocation_items SET retry_index = 3 WHERE id = ?`, items[2].ID); err != nil {
		t.Fatal(err)
	}

	n, err := s.ResetFailedItems(ctx, "req-1", 3, 10)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n != 2 {
		t.Fatalf("reset = %d, want 2", n)
	}
	counts, _ := s.ItemStatusCounts(ctx, "req-1")
	if counts[domain.ItemNew] != 2 || counts[domain.ItemFailed] != 1 {
		t.Errorf("counts after reset = %v", counts)
	}
	it, _ := s.GetItem(ctx, items[0].ID)
	if it.ErrorCode != "" || it.FinishedAt != nil {
		t.Errorf("reset item not cleaned: code=%q finished=%v", it.ErrorCode, it.FinishedAt)
	}
}

func TestUpdateItemStatusMergesResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	items := seedBatch(t, s, "req-1", 1)
	id := items[0].ID

	if _, err := s.UpdateItemStatus(ctx, id, domain.ItemProfiling,
		domain.CompletionResult{Result: []byte(`{"step":"register","account":"u1"}`)}, true); err != nil {
		t.Fatalf("first update: %v", err)
	}
	it, err := s.UpdateItemStatus(ctx, id, domain.ItemFinish,
		domain.CompletionResult{ProfileRef: "p1", Result: []byte(`{"step":"profile"}`)}, true)
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if it.Status != domain.ItemFinish {
		t.Errorf("status = %s", it.Status)
	}
	got := string(it.Result)
	for _, want := range []string{`"account":"u1"`, `"step":"profile"`} {
		if !strings.Contains(got, want) {
			t.Errorf("merged result %s missing %s", got, want)
		}
	}
	if it.FinishedAt == nil {
		t.Error("finished_at not set")
	}
}

func TestUpdateItemStatusCompletesPendingRequest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	items := seedBatch(t, s, "req-1", 2)

	// Items driven terminal without any claim: the request is still PENDING
	// and must be promoted straight to COMPLETED.
	for _, it := range items {
		if _, err := s.UpdateItemStatus(ctx, it.ID, domain.ItemFinish,
			domain.CompletionResult{ProfileRef: "p-" + it.ID}, false); err != nil {
			t.Fatal(err)
		}
	}
	r, err := s.GetRequest(ctx, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Progress != 100 {
		t.Errorf("progress = %d, want 100", r.Progress)
	}
	if r.Status != domain.RequestCompleted {
		t.Errorf("status = %s, want COMPLETED", r.Status)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetSetting(ctx, "alloc.multiplier"); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}
	if err := s.SetSetting(ctx, "alloc.multiplier", "3.0"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.GetSetting(ctx, "alloc.multiplier")
	if err != nil || !ok || v != "3.0" {
		t.Fatalf("get = %q/%v/%v", v, ok, err)
	}
	if err := s.SetSetting(ctx, "alloc.multiplier", "2.5"); err != nil {
		t.Fatal(err)
	}
	all, err := s.AllSettings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if all["alloc.multiplier"] != "2.5" {
		t.Errorf("all = %v", all)
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedBatch(t, s, "req-1", 3)
	if _, err := s.ClaimItems(ctx, domain.ClaimFilter{AgentID: "a"}, 1, 5); err != nil {
		t.Fatal(err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Requests[string(domain.RequestRunning)] != 1 {
		t.Errorf("requests = %v", st.Requests)
	}
	if st.Items[string(domain.ItemNew)] != 2 || st.Items[string(domain.ItemRegistering)] != 1 {
		t.Errorf("items = %v", st.Items)
	}
	if st.ClaimableItems != 2 {
		t.Errorf("claimable = %d", st.ClaimableItems)
	}
	if st.ActiveResources != 3 {
		t.Errorf("active resources = %d", st.ActiveResources)
	}
	if st.Today.Allocated != 3 {
		t.Errorf("today allocated = %d", st.Today.Allocated)
	}
}
