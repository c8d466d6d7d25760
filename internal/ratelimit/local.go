package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter admits requests per subject. Allow answers immediately; Wait
// blocks until a token is available or ctx ends.
type Limiter interface {
	Allow(ctx context.Context, subject string) (Decision, error)
	Wait(ctx context.Context, subject string) error
}

// Local is an in-process token bucket per subject.
type Local struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func NewLocal(perSecond float64, burst int) (*Local, error) {
	if perSecond <= 0 {
		return nil, fmt.Errorf("rate must be positive")
	}
	if burst <= 0 {
		return nil, fmt.Errorf("burst must be positive")
	}
	return &Local{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// NewLocalWindow builds a Local that admits capacity requests per window.
func NewLocalWindow(capacity int, window time.Duration) (*Local, error) {
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive")
	}
	return NewLocal(float64(capacity)/window.Seconds(), capacity)
}

func (l *Local) limiter(subject string) *rate.Limiter {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[subject]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[subject] = lim
	}
	return lim
}

func (l *Local) Allow(_ context.Context, subject string) (Decision, error) {
	lim := l.limiter(subject)
	reservation := lim.Reserve()
	if !reservation.OK() {
		return Decision{}, fmt.Errorf("limiter cannot grant a token")
	}
	if delay := reservation.Delay(); delay > 0 {
		reservation.Cancel()
		return Decision{Allowed: false, RetryAfter: delay}, nil
	}
	return Decision{Allowed: true, Remaining: int64(lim.Tokens())}, nil
}

func (l *Local) Wait(ctx context.Context, subject string) error {
	return l.limiter(subject).Wait(ctx)
}
