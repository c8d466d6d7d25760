package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/faceflow/internal/ratelimit"
	"go.uber.org/zap"
)

// runsPattern is the only route that spends upstream quota.
const runsPattern = "POST /v1/runs"

type RateLimiter interface {
	Allow(ctx context.Context, subject string) (ratelimit.Decision, error)
}

// withRateLimit charges each caller's bucket for run starts. Limiter errors
// fail open.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pattern := patternOf(r)
		if pattern != runsPattern {
			next.ServeHTTP(w, r)
			return
		}

		caller := strings.TrimSpace(r.Header.Get(s.rateLimitUserIDHeader))
		if caller == "" {
			caller = "anonymous"
		}
		route := routeLabel(pattern)

		decision, err := s.rateLimiter.Allow(r.Context(), caller+":"+route)
		if err != nil {
			s.logger.Warn("rate limiter unavailable, allowing run",
				zap.String("caller", caller),
				zap.Error(err),
			)
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		wait := max(time.Second, decision.RetryAfter.Round(time.Second))
		w.Header().Set("Retry-After", strconv.Itoa(int(wait/time.Second)))
		s.metrics.throttled.WithLabelValues(route).Inc()
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
	})
}
