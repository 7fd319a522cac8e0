package settings

import (
	"context"
	"errors"
	"testing"

	logx "resfarm/pkg/logx"
)

type fakeStore struct {
	values map[string]string
	reads  int
	err    error
}

func (f *fakeStore) GetSetting(_ context.Context, key string) (string, bool, error) {
	f.reads++
	if f.err != nil {
		return "", false, f.err
	}
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *fakeStore) SetSetting(_ context.Context, key, value string) error {
	if f.err != nil {
		return f.err
	}
	f.values[key] = value
	return nil
}

func (f *fakeStore) AllSettings(context.Context) (map[string]string, error) {
	return f.values, f.err
}

func TestTypedAccessors(t *testing.T) {
	ctx := context.Background()
	fs := &fakeStore{values: map[string]string{
		KeyAllocMultiplier: "3.5",
		KeyAllocMaxDaily:   "7",
		KeyClaimTimeoutMin: "not-a-number",
	}}
	svc := New(fs, logx.Nop())

	if got := svc.Float(ctx, KeyAllocMultiplier, DefaultAllocMultiplier); got != 3.5 {
		t.Errorf("Float = %v, want 3.5", got)
	}
	if got := svc.Int(ctx, KeyAllocMaxDaily, DefaultAllocMaxDaily); got != 7 {
		t.Errorf("Int = %v, want 7", got)
	}
	// Unparseable and missing keys fall back to the default.
	if got := svc.Int(ctx, KeyClaimTimeoutMin, DefaultClaimTimeoutMin); got != DefaultClaimTimeoutMin {
		t.Errorf("bad value Int = %v, want default", got)
	}
	if got := svc.Float(ctx, KeyReallocFactor, DefaultReallocFactor); got != DefaultReallocFactor {
		t.Errorf("missing Float = %v, want default", got)
	}
}

func TestCacheAndInvalidation(t *testing.T) {
	ctx := context.Background()
	fs := &fakeStore{values: map[string]string{KeyAllocMaxDaily: "3"}}
	svc := New(fs, logx.Nop())

	svc.Int(ctx, KeyAllocMaxDaily, 0)
	svc.Int(ctx, KeyAllocMaxDaily, 0)
	if fs.reads != 1 {
		t.Errorf("store reads = %d, want 1 (cached)", fs.reads)
	}

	if err := svc.Set(ctx, KeyAllocMaxDaily, "5"); err != nil {
		t.Fatal(err)
	}
	if got := svc.Int(ctx, KeyAllocMaxDaily, 0); got != 5 {
		t.Errorf("after Set = %d, want 5", got)
	}
	if fs.reads != 2 {
		t.Errorf("store reads = %d, want 2 (invalidated)", fs.reads)
	}
}

func TestStoreErrorServesDefault(t *testing.T) {
	ctx := context.Background()
	fs := &fakeStore{err: errors.New("db locked")}
	svc := New(fs, logx.Nop())

	if got := svc.Int(ctx, KeyClaimMaxRetries, DefaultClaimMaxRetries); got != DefaultClaimMaxRetries {
		t.Errorf("Int on error = %d, want default", got)
	}
	if got := svc.Minutes(ctx, KeyClaimTimeoutMin, DefaultClaimTimeoutMin); got.Minutes() != DefaultClaimTimeoutMin {
		t.Errorf("Minutes on error = %v", got)
	}
}
