package middleware

import (
	"context"
	"errors"
	"time"

	"tunnel-rpc/metrics"
)

// Metrics records in-flight invocations and their outcome and duration.
func Metrics(m *metrics.Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (any, error) {
			start := time.Now()
			m.InvocationStarted()
			req.OnDone(func(_ any, err error) {
				outcome := metrics.OutcomeResult
				switch {
				case errors.Is(err, context.Canceled):
					outcome = metrics.OutcomeCanceled
				case err != nil:
					outcome = metrics.OutcomeException
				}
				m.InvocationFinished(req.ServiceID, req.Method, outcome, time.Since(start))
			})
			return next(ctx, req)
		}
	}
}
