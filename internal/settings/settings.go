// Package settings exposes the dynamic tuning knobs stored in the database.
// Values are cached with a short TTL, so an operator write takes effect
// within a minute everywhere and immediately on the node that wrote it.
package settings

import (
	"context"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	logx "resfarm/pkg/logx"
)

// Well-known keys. Unset keys fall back to the compiled-in default.
const (
	KeyAllocMultiplier     = "alloc.multiplier"
	KeyAllocMaxDaily       = "alloc.max_daily"
	KeyAllocHighTrafficMin = "alloc.high_traffic_min"
	KeyClaimTimeoutMin     = "claim.timeout_minutes"
	KeyClaimMaxRetries     = "claim.max_retries"
	KeyRequestBaseTimeout  = "request.base_timeout_minutes"
	KeyRequestPer100       = "request.timeout_per_100_minutes"
	KeyReallocFactor       = "realloc.target_factor"
	KeyReallocRetryBatch   = "realloc.retry_batch"
)

// Defaults applied when a key is absent from the table.
const (
	DefaultAllocMultiplier     = 2.5
	DefaultAllocMaxDaily       = 3
	DefaultAllocHighTrafficMin = 50000
	DefaultClaimTimeoutMin     = 5
	DefaultClaimMaxRetries     = 3
	DefaultRequestBaseTimeout  = 30
	DefaultRequestPer100       = 35
	DefaultReallocFactor       = 1.1
	DefaultReallocRetryBatch   = 20
)

const cacheTTL = time.Minute

// Store is the persistence surface the service needs.
type Store interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	AllSettings(ctx context.Context) (map[string]string, error)
}

type cached struct {
	value string
	ok    bool
}

// Service reads settings through a TTL cache and invalidates on write.
type Service struct {
	store Store
	cache *expirable.LRU[string, cached]
	log   logx.Logger
}

func New(store Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store: store,
		cache: expirable.NewLRU[string, cached](128, nil, cacheTTL),
		log:   log.With(logx.String("component", "settings")),
	}
}

func (s *Service) raw(ctx context.Context, key string) (string, bool) {
	if c, hit := s.cache.Get(key); hit {
		return c.value, c.ok
	}
	v, ok, err := s.store.GetSetting(ctx, key)
	if err != nil {
		// Serve the default rather than failing the caller's operation.
		s.log.Warn("setting read failed", logx.String("key", key), logx.Err(err))
		return "", false
	}
	s.cache.Add(key, cached{value: v, ok: ok})
	return v, ok
}

// Set persists a value and drops it from the cache so the next read is fresh.
func (s *Service) Set(ctx context.Context, key, value string) error {
	if err := s.store.SetSetting(ctx, key, value); err != nil {
		return err
	}
	s.cache.Remove(key)
	s.log.Info("setting updated", logx.String("key", key), logx.String("value", value))
	return nil
}

func (s *Service) All(ctx context.Context) (map[string]string, error) {
	return s.store.AllSettings(ctx)
}

func (s *Service) Float(ctx context.Context, key string, def float64) float64 {
	v, ok := s.raw(ctx, key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		s.log.Warn("setting is not a number", logx.String("key", key), logx.String("value", v))
		return def
	}
	return f
}

func (s *Service) Int(ctx context.Context, key string, def int) int {
	v, ok := s.raw(ctx, key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		s.log.Warn("setting is not an integer", logx.String("key", key), logx.String("value", v))
		return def
	}
	return n
}

func (s *Service) Int64(ctx context.Context, key string, def int64) int64 {
	v, ok := s.raw(ctx, key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		s.log.Warn("setting is not an integer", logx.String("key", key), logx.String("value", v))
		return def
	}
	return n
}

// Minutes reads an integer key as a duration in minutes.
func (s *Service) Minutes(ctx context.Context, key string, defMinutes int) time.Duration {
	return time.Duration(s.Int(ctx, key, defMinutes)) * time.Minute
}
