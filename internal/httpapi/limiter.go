package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// claimLimiter applies a per-agent token bucket to the claim endpoint, so one
// tight-polling agent cannot starve the rest. Disabled when ratePerSec is 0.
type claimLimiter struct {
	ratePerSec int
	burst      int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newClaimLimiter(ratePerSec, burst int) *claimLimiter {
	if burst <= 0 {
		burst = ratePerSec
	}
	return &claimLimiter{
		ratePerSec: ratePerSec,
		burst:      burst,
		limiters:   map[string]*rate.Limiter{},
	}
}

func (c *claimLimiter) limiterFor(agentID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[agentID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.ratePerSec), c.burst)
		c.limiters[agentID] = l
	}
	return l
}

// limit peeks agent_id out of the JSON body to pick the bucket, then restores
// the body for the handler.
func (c *claimLimiter) limit(next http.Handler) http.Handler {
	if c.ratePerSec <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, `{"error":"unreadable body"}`, http.StatusBadRequest)
			return
		}
		r.Body = reReader(body)

		var peek struct {
			AgentID string `json:"agent_id"`
		}
		_ = json.Unmarshal(body, &peek)
		if peek.AgentID != "" && !c.limiterFor(peek.AgentID).Allow() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"claim rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func reReader(b []byte) io.ReadCloser {
	return io.NopCloser(bytes.NewReader(b))
}
