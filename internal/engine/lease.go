package engine

import (
	"context"
	"fmt"
	"time"

	"resfarm/internal/domain"
	"resfarm/internal/settings"
	logx "resfarm/pkg/logx"
)

// CompletionInput is the agent's report for a claimed item.
type CompletionInput struct {
	Success      bool
	ProfileRef   string
	PostRef      string
	ErrorCode    string
	ErrorMessage string
	Result       []byte
}

// Claim hands out up to limit items to the agent, stamping a claim lease.
// An empty result means no eligible work, which is not an error.
func (s *Service) Claim(ctx context.Context, f domain.ClaimFilter, limit int) ([]domain.AllocationItem, error) {
	if f.AgentID == "" {
		return nil, fmt.Errorf("%w: agent_id is required", ErrNotClaimable)
	}
	timeoutMin := s.settings.Int(ctx, settings.KeyClaimTimeoutMin, settings.DefaultClaimTimeoutMin)
	items, err := s.store.ClaimItems(ctx, f, limit, timeoutMin)
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		s.log.Info("items claimed",
			logx.String("agent_id", f.AgentID), logx.Int("count", len(items)),
			logx.Int("timeout_min", timeoutMin))
	}
	return items, nil
}

// Peek lists claimable items without claiming them.
func (s *Service) Peek(ctx context.Context, f domain.ClaimFilter, limit int) ([]domain.AllocationItem, error) {
	return s.store.PendingItems(ctx, f, limit)
}

// Complete finalizes a claimed item from an agent report.
//
// A failed report moves the item to FAILED. A successful one routes on the
// item's phase and the request's stacking policy:
//
//   - secondary phase (CONNECTING): FINISH
//   - no profile produced: FINISH, nothing to stack
//   - stack=disable: FINISH
//   - stack=custom: CONNECTING, immediately reclaimable
//   - stack=all/limit: CONNECT, parked until the threshold trigger
//
// Reporting the same outcome twice is an accepted no-op.
func (s *Service) Complete(ctx context.Context, itemID string, in CompletionInput) (domain.AllocationItem, error) {
	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return item, err
	}
	req, err := s.store.GetRequest(ctx, item.RequestID)
	if err != nil {
		return item, err
	}

	res := domain.CompletionResult{
		ProfileRef:   in.ProfileRef,
		PostRef:      in.PostRef,
		ErrorCode:    in.ErrorCode,
		ErrorMessage: in.ErrorMessage,
		Result:       in.Result,
	}

	target := domain.ItemFailed
	if in.Success {
		target = s.successTarget(item, req, in)
	} else if res.ErrorCode == "" {
		res.ErrorCode = "agent_failure"
	}

	item, changed, err := s.store.ApplyItemResult(ctx, itemID, target, res,
		domain.ItemRegistering, domain.ItemProfiling, domain.ItemConnecting)
	if err != nil {
		return item, err
	}
	if !changed {
		return item, nil
	}

	s.log.Info("item completed",
		logx.String("item_id", itemID), logx.String("request_id", item.RequestID),
		logx.String("status", string(item.Status)), logx.Bool("success", in.Success))

	if in.Success && s.mirror != nil && req.LegacyRef != "" {
		// Best effort; mirroring never delays or fails the agent's report.
		go s.mirror.MirrorCompletion(context.WithoutCancel(ctx), req, item)
	}
	return item, nil
}

func (s *Service) successTarget(item domain.AllocationItem, req domain.WorkRequest, in CompletionInput) domain.ItemStatus {
	if item.Status == domain.ItemConnecting {
		return domain.ItemFinish
	}
	if in.ProfileRef == "" && item.ProfileRef == "" {
		return domain.ItemFinish
	}
	rc, err := domain.ParseRequestConfig(req.Config)
	if err != nil {
		// Unparseable config cannot name a stacking policy; finish the item.
		s.log.Warn("request config unreadable at completion",
			logx.String("request_id", req.ID), logx.Err(err))
		return domain.ItemFinish
	}
	switch rc.Stack {
	case domain.StackCustom:
		return domain.ItemConnecting
	case domain.StackAll, domain.StackLimit:
		return domain.ItemConnect
	default:
		return domain.ItemFinish
	}
}

// UpdateStatus is the escape hatch for agents and operators: set any item
// status, optionally merging a partial result payload.
func (s *Service) UpdateStatus(ctx context.Context, itemID, status string, res domain.CompletionResult, mergeResult bool) (domain.AllocationItem, error) {
	st, err := domain.ParseItemStatus(status)
	if err != nil {
		return domain.AllocationItem{}, err
	}
	return s.store.UpdateItemStatus(ctx, itemID, st, res, mergeResult)
}

// ReleaseExpired sweeps lapsed claim leases: under the retry bound the item
// is requeued, at the bound it fails for good.
func (s *Service) ReleaseExpired(ctx context.Context) error {
	maxRetries := s.settings.Int(ctx, settings.KeyClaimMaxRetries, settings.DefaultClaimMaxRetries)
	sum, err := s.store.ExpireLeases(ctx, time.Now(), maxRetries)
	if err != nil {
		return err
	}
	if sum.Requeued > 0 || sum.Failed > 0 || sum.Errors > 0 {
		s.log.Info("leases expired",
			logx.Int("requeued", sum.Requeued), logx.Int("failed", sum.Failed),
			logx.Int("errors", sum.Errors))
	}
	return nil
}
