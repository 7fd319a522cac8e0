package engine

import (
	"context"

	"resfarm/internal/domain"
	logx "resfarm/pkg/logx"
)

// PromoteStacking releases parked CONNECT items for every request whose
// profile count has reached its stacking threshold. The promotion is a single
// statement per request, so the trigger fires exactly once per threshold
// crossing even if the sweep reruns.
func (s *Service) PromoteStacking(ctx context.Context) error {
	ids, err := s.store.StackingRequestIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.promoteOne(ctx, id); err != nil {
			s.log.Warn("stacking promotion failed", logx.String("request_id", id), logx.Err(err))
		}
	}
	return nil
}

func (s *Service) promoteOne(ctx context.Context, requestID string) error {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	rc, err := domain.ParseRequestConfig(req.Config)
	if err != nil {
		return err
	}
	threshold, ok := rc.StackThreshold()
	if !ok {
		// disable/custom requests never park items; nothing to release.
		return nil
	}

	profiles, err := s.store.ProfileCount(ctx, requestID)
	if err != nil {
		return err
	}
	if profiles < threshold {
		return nil
	}

	n, err := s.store.PromoteStacked(ctx, requestID)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info("stacked items released",
			logx.String("request_id", requestID),
			logx.Int("promoted", n), logx.Int("profiles", profiles),
			logx.Int("threshold", threshold))
	}
	return nil
}
