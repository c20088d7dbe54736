package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimit gives every service its own token bucket of r invocations per second with
// the given burst. Rejected invocations fail with ErrRateLimited.
func RateLimit(r float64, burst int) Middleware {
	var (
		mu       sync.Mutex
		limiters = map[string]*rate.Limiter{}
	)
	limiter := func(service string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[service]
		if !ok {
			l = rate.NewLimiter(rate.Limit(r), burst)
			limiters[service] = l
		}
		return l
	}

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (any, error) {
			if !limiter(req.ServiceID).Allow() {
				return nil, fmt.Errorf("%w for service %s", ErrRateLimited, req.ServiceID)
			}
			return next(ctx, req)
		}
	}
}
