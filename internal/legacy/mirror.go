// Package legacy mirrors completion events into the historical system during
// the migration period. Mirroring is strictly best effort: failures are
// logged and dropped, never surfaced to agents.
package legacy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"resfarm/internal/config"
	"resfarm/internal/domain"
	logx "resfarm/pkg/logx"
)

const defaultTimeout = 5 * time.Second

// Mirror posts completion events to the legacy HTTP endpoint.
type Mirror struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

// New builds a mirror from config. A nil config disables mirroring and
// returns a nil Mirror, which callers must treat as "off".
func New(cfg *config.LegacyConfig, log logx.Logger) (*Mirror, error) {
	if cfg == nil {
		return nil, nil
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("legacy.base_url is required")
	}
	timeout, err := config.ParseDurationOrDefault("legacy.timeout", cfg.Timeout, defaultTimeout)
	if err != nil {
		return nil, err
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Mirror{
		baseURL: base,
		token:   cfg.AuthToken,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log.With(logx.String("component", "legacy")),
	}, nil
}

type completionEvent struct {
	LegacyRef  string `json:"legacy_ref"`
	RequestID  string `json:"request_id"`
	ItemID     string `json:"item_id"`
	ResourceID string `json:"resource_id"`
	Status     string `json:"status"`
	ProfileRef string `json:"profile_ref,omitempty"`
	PostRef    string `json:"post_ref,omitempty"`
	FinishedAt int64  `json:"finished_at,omitempty"`
}

// MirrorCompletion posts one completion event. Blocking on the rate limiter
// respects ctx; any failure is logged and swallowed.
func (m *Mirror) MirrorCompletion(ctx context.Context, req domain.WorkRequest, item domain.AllocationItem) {
	if m == nil {
		return
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return
	}

	ev := completionEvent{
		LegacyRef:  req.LegacyRef,
		RequestID:  req.ID,
		ItemID:     item.ID,
		ResourceID: item.ResourceID,
		Status:     string(item.Status),
		ProfileRef: item.ProfileRef,
		PostRef:    item.PostRef,
	}
	if item.FinishedAt != nil {
		ev.FinishedAt = item.FinishedAt.Unix()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		m.log.Warn("mirror encode failed", logx.Err(err))
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.baseURL+"/api/completions", bytes.NewReader(body))
	if err != nil {
		m.log.Warn("mirror request build failed", logx.Err(err))
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if m.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+m.token)
	}

	resp, err := m.client.Do(httpReq)
	if err != nil {
		m.log.Warn("mirror post failed",
			logx.String("item_id", item.ID), logx.String("legacy_ref", req.LegacyRef), logx.Err(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		m.log.Warn("mirror rejected",
			logx.String("item_id", item.ID), logx.Int("status", resp.StatusCode))
		return
	}
	m.log.Debug("completion mirrored",
		logx.String("item_id", item.ID), logx.String("legacy_ref", req.LegacyRef))
}
