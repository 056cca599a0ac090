package middleware

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/capitalize-ai/sales-funnel/internal/model"
	"github.com/capitalize-ai/sales-funnel/internal/ratelimit"
	"github.com/capitalize-ai/sales-funnel/pkg/logger"
	"github.com/capitalize-ai/sales-funnel/pkg/metrics"
)

// ChatRateLimit limits web chat requests per client IP.
func ChatRateLimit(requestLimit int, windowLength time.Duration) func(http.Handler) http.Handler {
	retry := strconv.Itoa(int(windowLength.Seconds()))
	return httprate.Limit(
		requestLimit,
		windowLength,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return "ip:" + realIP(r), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			metrics.RateLimitedTotal.WithLabelValues("chat").Inc()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", retry)
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded","retry_after":` + retry + `}`))
		}),
	)
}

// WebhookRateLimit limits webhook deliveries per client IP using a shared
// Limiter. A limiter error lets the request through.
func WebhookRateLimit(limiter ratelimit.Limiter, limit int, window time.Duration, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := realIP(r)
			res, err := limiter.Hit(r.Context(), "webhook", ip, window, limit)
			if err != nil {
				log.Warn("rate limiter unavailable, allowing request", zap.String("ip", ip), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if !res.OK {
				metrics.RateLimitedTotal.WithLabelValues("webhook").Inc()
				w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfter))
				log.Debug("webhook rate limited", zap.String("ip", ip), zap.Error(model.ErrRateLimited))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// realIP returns the host part of RemoteAddr. chi's RealIP middleware runs
// first and rewrites RemoteAddr from proxy headers.
func realIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
