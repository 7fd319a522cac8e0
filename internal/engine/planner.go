package engine

import (
	"context"
	"math"
	"time"

	"resfarm/internal/catalog"
	"resfarm/internal/domain"
	"resfarm/internal/settings"
	"resfarm/internal/storage"
	logx "resfarm/pkg/logx"
)

// PlanNew plans every NEW request into its first allocation batch. Per-request
// failures are logged and the loop continues; a request that failed to plan is
// still NEW and gets retried next tick.
func (s *Service) PlanNew(ctx context.Context) error {
	reqs, err := s.store.RequestsByStatus(ctx, domain.RequestNew)
	if err != nil {
		return err
	}
	for _, req := range reqs {
		if _, err := s.PlanRequest(ctx, req); err != nil {
			s.log.Warn("planning failed", logx.String("request_id", req.ID), logx.Err(err))
		}
	}
	return nil
}

// PlanRequest allocates one batch for the request.
//
// Target is the requested unit count times the allocation multiplier, rounded
// up, split 50/50 between HIGH and LOW traffic tiers with HIGH taking the odd
// remainder. Each tier allocates min(tier target, tier availability); a tier
// shortfall is not backfilled from the other tier. With nothing allocatable
// the (empty) batch is still recorded, so exhaustion is visible in stats.
func (s *Service) PlanRequest(ctx context.Context, req domain.WorkRequest) (domain.AllocationBatch, error) {
	rc, err := domain.ParseRequestConfig(req.Config)
	if err != nil {
		return domain.AllocationBatch{}, err
	}

	multiplier := s.settings.Float(ctx, settings.KeyAllocMultiplier, settings.DefaultAllocMultiplier)
	if multiplier < 1 {
		multiplier = 1
	}
	maxDaily := s.settings.Int(ctx, settings.KeyAllocMaxDaily, settings.DefaultAllocMaxDaily)
	highMin := s.settings.Int64(ctx, settings.KeyAllocHighTrafficMin, settings.DefaultAllocHighTrafficMin)

	target := int(math.Ceil(float64(rc.Count) * multiplier))
	picks, err := s.pickResources(ctx, req, target, maxDaily, highMin, nil)
	if err != nil {
		return domain.AllocationBatch{}, err
	}

	batch, items, err := s.store.CreateBatch(ctx, req.ID, target, maxDaily, picks)
	if err != nil {
		return batch, err
	}
	if len(items) == 0 {
		s.log.Warn("resource pool exhausted",
			logx.String("request_id", req.ID), logx.Int("target", target))
	} else {
		s.log.Info("batch planned",
			logx.String("request_id", req.ID), logx.Int("batch_no", batch.BatchNo),
			logx.Int("target", target), logx.Int("allocated", len(items)),
			logx.Int("high", batch.HighCount), logx.Int("low", batch.LowCount))
	}
	return batch, nil
}

// pickResources selects up to target eligible resources for the request,
// split by tier, best success rate first.
func (s *Service) pickResources(ctx context.Context, req domain.WorkRequest, target, maxDaily int, highMin int64, exclude []string) ([]storage.BatchPick, error) {
	eligible, err := s.catalog.Eligible(ctx, domain.ResourceFilter{
		Day:            domain.Day(time.Now()),
		MaxDaily:       maxDaily,
		HighTrafficMin: highMin,
		ServiceKind:    req.ServiceKind,
		Exclude:        exclude,
	})
	if err != nil {
		return nil, err
	}

	var high, low []domain.Resource
	for _, r := range eligible {
		if catalog.Tier(r, highMin) == domain.TierHigh {
			high = append(high, r)
		} else {
			low = append(low, r)
		}
	}

	highTarget := target/2 + target%2
	lowTarget := target / 2
	picks := make([]storage.BatchPick, 0, target)
	for i := 0; i < highTarget && i < len(high); i++ {
		picks = append(picks, storage.BatchPick{Resource: high[i], Tier: domain.TierHigh})
	}
	for i := 0; i < lowTarget && i < len(low); i++ {
		picks = append(picks, storage.BatchPick{Resource: low[i], Tier: domain.TierLow})
	}
	return picks, nil
}
