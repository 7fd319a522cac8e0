// Package catalog fronts the resource inventory: which sites exist, whether
// they are allocatable today, and how they performed. Eligibility reads are
// cached briefly; the per-day quota is still enforced transactionally at
// allocation time, so a stale cache can never overrun it.
package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"resfarm/internal/domain"
	logx "resfarm/pkg/logx"
)

const eligibleTTL = 30 * time.Second

// Store is the persistence surface the catalog needs.
type Store interface {
	UpsertResource(ctx context.Context, r domain.Resource) error
	GetResource(ctx context.Context, id string) (domain.Resource, error)
	SetResourceStatus(ctx context.Context, id string, st domain.ResourceStatus) error
	EligibleResources(ctx context.Context, f domain.ResourceFilter) ([]domain.Resource, error)
	TodayUsage(ctx context.Context, resourceID, day string) (domain.DailyUsage, error)
}

// Service owns resource lookups for the planner and the operator API.
type Service struct {
	store Store
	cache *expirable.LRU[string, []domain.Resource]
	log   logx.Logger
}

func New(store Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store: store,
		cache: expirable.NewLRU[string, []domain.Resource](64, nil, eligibleTTL),
		log:   log.With(logx.String("component", "catalog")),
	}
}

// Upsert registers or refreshes a resource and drops cached eligibility
// lists, since the new entry may belong in any of them.
func (s *Service) Upsert(ctx context.Context, r domain.Resource) error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: resource id is required", domain.ErrBadInput)
	}
	if err := s.store.UpsertResource(ctx, r); err != nil {
		return err
	}
	s.cache.Purge()
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.Resource, error) {
	return s.store.GetResource(ctx, id)
}

func (s *Service) SetStatus(ctx context.Context, id string, st domain.ResourceStatus) error {
	if st != domain.ResourceActive && st != domain.ResourceDisabled {
		return fmt.Errorf("%w: unknown resource status %q", domain.ErrBadInput, st)
	}
	if err := s.store.SetResourceStatus(ctx, id, st); err != nil {
		return err
	}
	s.cache.Purge()
	return nil
}

// Eligible lists allocatable resources for the filter, best success rate
// first. Filters without exclusions are cached per (day, kind, maxDaily);
// exclusion lists are request specific and always read through.
func (s *Service) Eligible(ctx context.Context, f domain.ResourceFilter) ([]domain.Resource, error) {
	cacheable := len(f.Exclude) == 0
	key := fmt.Sprintf("%s|%s|%d", f.Day, f.ServiceKind, f.MaxDaily)
	if cacheable {
		if v, hit := s.cache.Get(key); hit {
			return v, nil
		}
	}
	out, err := s.store.EligibleResources(ctx, f)
	if err != nil {
		return nil, err
	}
	if cacheable {
		s.cache.Add(key, out)
	}
	return out, nil
}

// Usage reads a resource's counters for the given day.
func (s *Service) Usage(ctx context.Context, resourceID string, day string) (domain.DailyUsage, error) {
	return s.store.TodayUsage(ctx, resourceID, day)
}

// Tier buckets a resource by monthly traffic.
func Tier(r domain.Resource, highTrafficMin int64) domain.Tier {
	if r.Traffic >= highTrafficMin {
		return domain.TierHigh
	}
	return domain.TierLow
}
