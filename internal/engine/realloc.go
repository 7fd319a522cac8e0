package engine

import (
	"context"
	"math"

	"resfarm/internal/domain"
	"resfarm/internal/settings"
	logx "resfarm/pkg/logx"
)

// Reallocate tops up RUNNING requests that stalled short of their unit count.
// A request qualifies when no item is claimed or parked (requeued NEW items
// are fine, they are exactly what a stalled request accumulates), its success
// count is short of count times the over-provision factor, and its deadline
// has not passed (the timeout sweeper owns overdue requests). The top-up
// excludes resources the request already used; when the pool has nothing
// left, a bounded batch of FAILED items is requeued instead.
func (s *Service) Reallocate(ctx context.Context) error {
	reqs, err := s.store.RequestsByStatus(ctx, domain.RequestRunning)
	if err != nil {
		return err
	}
	for _, req := range reqs {
		if err := s.reallocOne(ctx, req); err != nil {
			s.log.Warn("reallocation failed", logx.String("request_id", req.ID), logx.Err(err))
		}
	}
	return nil
}

func (s *Service) reallocOne(ctx context.Context, req domain.WorkRequest) error {
	rc, err := domain.ParseRequestConfig(req.Config)
	if err != nil {
		return err
	}

	counts, err := s.store.ItemStatusCounts(ctx, req.ID)
	if err != nil {
		return err
	}
	inFlight := counts[domain.ItemRegistering] + counts[domain.ItemProfiling] +
		counts[domain.ItemConnecting] + counts[domain.ItemConnect]
	if inFlight > 0 {
		return nil
	}

	factor := s.settings.Float(ctx, settings.KeyReallocFactor, settings.DefaultReallocFactor)
	needed := int(math.Ceil(float64(rc.Count) * factor))
	if req.Completed >= needed {
		return nil
	}

	if overdue, err := s.pastDeadline(ctx, req, rc); err != nil || overdue {
		return err
	}

	multiplier := s.settings.Float(ctx, settings.KeyAllocMultiplier, settings.DefaultAllocMultiplier)
	if multiplier < 1 {
		multiplier = 1
	}
	maxDaily := s.settings.Int(ctx, settings.KeyAllocMaxDaily, settings.DefaultAllocMaxDaily)
	highMin := s.settings.Int64(ctx, settings.KeyAllocHighTrafficMin, settings.DefaultAllocHighTrafficMin)
	shortfall := needed - req.Completed
	target := int(math.Ceil(float64(shortfall) * multiplier))

	used, err := s.store.UsedResourceIDs(ctx, req.ID)
	if err != nil {
		return err
	}
	picks, err := s.pickResources(ctx, req, target, maxDaily, highMin, used)
	if err != nil {
		return err
	}

	if len(picks) > 0 {
		batch, items, err := s.store.CreateBatch(ctx, req.ID, target, maxDaily, picks)
		if err != nil {
			return err
		}
		s.log.Info("request topped up",
			logx.String("request_id", req.ID), logx.Int("batch_no", batch.BatchNo),
			logx.Int("shortfall", shortfall), logx.Int("allocated", len(items)))
		if len(items) > 0 {
			return nil
		}
		// Every pick lost the quota race; fall through to the retry path.
	}

	retryBatch := s.settings.Int(ctx, settings.KeyReallocRetryBatch, settings.DefaultReallocRetryBatch)
	maxRetries := s.settings.Int(ctx, settings.KeyClaimMaxRetries, settings.DefaultClaimMaxRetries)
	n, err := s.store.ResetFailedItems(ctx, req.ID, maxRetries, retryBatch)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info("failed items requeued for retry",
			logx.String("request_id", req.ID), logx.Int("requeued", n))
	}
	return nil
}
