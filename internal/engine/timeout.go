package engine

import (
	"context"
	"math"
	"time"

	"resfarm/internal/domain"
	"resfarm/internal/settings"
	logx "resfarm/pkg/logx"
)

// SweepTimeouts force-completes requests whose wall-clock budget ran out.
// The budget anchors at the first batch creation time: a flat base for small
// requests, scaled per hundred units above that. Remaining non-terminal items
// are cancelled with a request_timeout error and the request lands on
// COMPLETED at full progress, so nothing stays RUNNING forever.
func (s *Service) SweepTimeouts(ctx context.Context) error {
	reqs, err := s.store.RequestsByStatus(ctx,
		domain.RequestPending, domain.RequestRunning, domain.RequestConnecting)
	if err != nil {
		return err
	}
	for _, req := range reqs {
		if err := s.timeoutOne(ctx, req); err != nil {
			s.log.Warn("timeout sweep failed", logx.String("request_id", req.ID), logx.Err(err))
		}
	}
	return nil
}

func (s *Service) timeoutOne(ctx context.Context, req domain.WorkRequest) error {
	rc, err := domain.ParseRequestConfig(req.Config)
	if err != nil {
		return err
	}
	overdue, err := s.pastDeadline(ctx, req, rc)
	if err != nil || !overdue {
		return err
	}

	if err := s.store.ForceCompleteRequest(ctx, req.ID,
		domain.ErrCodeRequestTimeout, "request deadline exceeded"); err != nil {
		return err
	}
	s.log.Warn("request timed out",
		logx.String("request_id", req.ID), logx.Int("units", rc.Count))
	return nil
}

// pastDeadline reports whether the request's budget has elapsed. A request
// that has no batch yet has no anchor and never times out.
func (s *Service) pastDeadline(ctx context.Context, req domain.WorkRequest, rc domain.RequestConfig) (bool, error) {
	anchor, ok, err := s.store.FirstBatchCreatedAt(ctx, req.ID)
	if err != nil || !ok {
		return false, err
	}
	return time.Now().After(anchor.Add(s.requestBudget(ctx, rc.Count))), nil
}

func (s *Service) requestBudget(ctx context.Context, units int) time.Duration {
	base := s.settings.Minutes(ctx, settings.KeyRequestBaseTimeout, settings.DefaultRequestBaseTimeout)
	per100 := s.settings.Minutes(ctx, settings.KeyRequestPer100, settings.DefaultRequestPer100)
	if units < 100 {
		return base
	}
	return time.Duration(math.Ceil(float64(units)/100)) * per100
}
