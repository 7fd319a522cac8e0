package domain

import (
	"encoding/json"
	"time"
)

// Tier classifies a resource by its traffic metric. Allocation is balanced
// 50/50 between tiers so a request never ends up with only low-value sites.
type Tier string

const (
	TierHigh Tier = "HIGH"
	TierLow  Tier = "LOW"
)

// ResourceStatus is owned by the external catalog subsystem; the engine only
// ever reads it.
type ResourceStatus string

const (
	ResourceActive   ResourceStatus = "active"
	ResourceDisabled ResourceStatus = "disabled"
)

// Resource is an allocatable website. Read-only from the engine's perspective
// except for daily usage counter increments.
type Resource struct {
	ID          string         `json:"id"`
	URL         string         `json:"url"`
	ServiceKind string         `json:"service_kind"`
	Traffic     int64          `json:"traffic"`
	SuccessRate float64        `json:"success_rate"`
	Status      ResourceStatus `json:"status"`
}

// DailyUsage is the per-resource, per-calendar-day rate ledger. Created lazily
// on first allocation of the day, incremented atomically, never decremented.
type DailyUsage struct {
	ResourceID string `json:"resource_id"`
	Day        string `json:"day"` // YYYY-MM-DD, UTC
	Allocated  int    `json:"allocated"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
}

// Day formats t as a daily_usage day key.
func Day(t time.Time) string { return t.UTC().Format("2006-01-02") }

// WorkRequest is one customer-submitted job.
type WorkRequest struct {
	ID          string          `json:"id"`
	ServiceKind string          `json:"service_kind"`
	Config      json.RawMessage `json:"config"`
	Status      RequestStatus   `json:"status"`
	TotalItems  int             `json:"total_items"`
	Completed   int             `json:"completed_items"`
	Failed      int             `json:"failed_items"`
	Progress    int             `json:"progress_percent"`
	// LegacyRef correlates the request with the historical external system.
	// Empty when the request kind is not mirrored.
	LegacyRef string `json:"legacy_ref,omitempty"`
	// AgentGroup pins the request to one individual agent. Empty means any
	// global agent may claim its items.
	AgentGroup string    `json:"agent_group,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AllocationBatch records one planning pass for a request. Batch numbers are
// strictly increasing and gap-free from 1 within a request.
type AllocationBatch struct {
	ID          string      `json:"id"`
	RequestID   string      `json:"request_id"`
	BatchNo     int         `json:"batch_no"`
	TargetCount int         `json:"target_count"`
	HighCount   int         `json:"high_count"`
	LowCount    int         `json:"low_count"`
	Status      BatchStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// Allocated is the actual item count produced by the pass.
func (b AllocationBatch) Allocated() int { return b.HighCount + b.LowCount }

type BatchStatus string

const (
	BatchProcessing BatchStatus = "PROCESSING"
	BatchCompleted  BatchStatus = "COMPLETED"
)

// AllocationItem is one unit of work: one resource assigned to one request.
type AllocationItem struct {
	ID        string `json:"id"`
	BatchID   string `json:"batch_id"`
	RequestID string `json:"request_id"` // denormalized for fast lookup

	ResourceID  string  `json:"resource_id"`
	ServiceKind string  `json:"service_kind"`
	Tier        Tier    `json:"tier"`
	Priority    float64 `json:"priority"` // resource success rate at allocation time

	Status ItemStatus `json:"status"`

	ClaimedBy       string     `json:"claimed_by,omitempty"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
	ClaimTimeoutMin int        `json:"claim_timeout_minutes,omitempty"`
	RetryIndex      int        `json:"retry_index"`

	ProfileRef   string          `json:"profile_ref,omitempty"`
	PostRef      string          `json:"post_ref,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`

	AllocatedAt time.Time  `json:"allocated_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// LeaseDeadline is the instant the item's claim expires. Zero when unclaimed.
func (it AllocationItem) LeaseDeadline() time.Time {
	if it.ClaimedAt == nil || it.ClaimTimeoutMin <= 0 {
		return time.Time{}
	}
	return it.ClaimedAt.Add(time.Duration(it.ClaimTimeoutMin) * time.Minute)
}

// Error codes stamped on items by the engine.
const (
	ErrCodeLeaseExpired    = "lease_expired"
	ErrCodeRetriesExceeded = "retries_exhausted"
	ErrCodeRequestTimeout  = "request_timeout"
)

// CompletionResult is what an agent reports for a claimed item.
type CompletionResult struct {
	Success      bool            `json:"success"`
	ProfileRef   string          `json:"profile_ref,omitempty"`
	PostRef      string          `json:"post_ref,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}
