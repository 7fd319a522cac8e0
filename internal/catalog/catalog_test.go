package catalog

import (
	"context"
	"testing"

	"resfarm/internal/domain"
	logx "resfarm/pkg/logx"
)

type fakeStore struct {
	resources map[string]domain.Resource
	reads     int
}

func (f *fakeStore) UpsertResource(_ context.Context, r domain.Resource) error {
	f.resources[r.ID] = r
	return nil
}

func (f *fakeStore) GetResource(_ context.Context, id string) (domain.Resource, error) {
	return f.resources[id], nil
}

func (f *fakeStore) SetResourceStatus(_ context.Context, id string, st domain.ResourceStatus) error {
	r := f.resources[id]
	r.Status = st
	f.resources[id] = r
	return nil
}

func (f *fakeStore) EligibleResources(_ context.Context, fl domain.ResourceFilter) ([]domain.Resource, error) {
	f.reads++
	var out []domain.Resource
	for _, r := range f.resources {
		if r.Status != domain.ResourceActive {
			continue
		}
		excluded := false
		for _, id := range fl.Exclude {
			if id == r.ID {
				excluded = true
				break
			}
		}
		if !excluded {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) TodayUsage(_ context.Context, resourceID, day string) (domain.DailyUsage, error) {
	return domain.DailyUsage{ResourceID: resourceID, Day: day}, nil
}

func TestEligibleCaching(t *testing.T) {
	ctx := context.Background()
	fs := &fakeStore{resources: map[string]domain.Resource{
		"a": {ID: "a", Status: domain.ResourceActive},
	}}
	svc := New(fs, logx.Nop())
	f := domain.ResourceFilter{Day: "2026-08-29", MaxDaily: 3}

	if _, err := svc.Eligible(ctx, f); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Eligible(ctx, f); err != nil {
		t.Fatal(err)
	}
	if fs.reads != 1 {
		t.Errorf("store reads = %d, want 1 (cached)", fs.reads)
	}

	// Exclusion lists bypass the cache.
	if _, err := svc.Eligible(ctx, domain.ResourceFilter{Day: f.Day, MaxDaily: 3, Exclude: []string{"a"}}); err != nil {
		t.Fatal(err)
	}
	if fs.reads != 2 {
		t.Errorf("store reads = %d, want 2 (exclusions read through)", fs.reads)
	}

	// Writes purge the cache.
	if err := svc.Upsert(ctx, domain.Resource{ID: "b", Status: domain.ResourceActive}); err != nil {
		t.Fatal(err)
	}
	got, err := svc.Eligible(ctx, f)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("eligible after upsert = %d, want 2", len(got))
	}
}

func TestSetStatusValidates(t *testing.T) {
	svc := New(&fakeStore{resources: map[string]domain.Resource{}}, logx.Nop())
	if err := svc.SetStatus(context.Background(), "a", "broken"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestTier(t *testing.T) {
	if Tier(domain.Resource{Traffic: 50000}, 50000) != domain.TierHigh {
		t.Error("50000 should be HIGH at threshold 50000")
	}
	if Tier(domain.Resource{Traffic: 49999}, 50000) != domain.TierLow {
		t.Error("49999 should be LOW")
	}
}
