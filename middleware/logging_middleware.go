package middleware

import (
	"context"
	"log/slog"
	"time"

	"tunnel-rpc/logging"
)

// Logging logs every invocation when it reaches its terminal outcome.
func Logging(logger *slog.Logger) Middleware {
	logger = logging.OrDefault(logger)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (any, error) {
			start := time.Now()
			req.OnDone(func(_ any, err error) {
				attrs := []any{
					"invocation", req.InvocationID,
					"service", req.ServiceID,
					"method", req.Signature,
					"duration", time.Since(start),
				}
				if err != nil {
					logger.Warn("invocation failed", append(attrs, "error", err)...)
					return
				}
				logger.Info("invocation finished", attrs...)
			})
			logger.Debug("invocation dispatched", "invocation", req.InvocationID, "method", req.Signature)
			return next(ctx, req)
		}
	}
}
