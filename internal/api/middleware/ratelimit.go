package middleware

import (
	"context"
	"net"
	"net/http"

	"github.com/phrazzld/synopsis/internal/api/shared"
	"github.com/phrazzld/synopsis/internal/platform/logger"
)

// Allower grants or refuses one request for key. ratelimit.TokenBucket
// implements it.
type Allower interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// RateLimit refuses requests with 429 once the client's bucket is empty.
// Buckets are keyed by client IP; run chi's RealIP middleware first.
// onReject, if not nil, is called for every refused request. A limiter
// error lets the request through.
func RateLimit(limiter Allower, scope string, onReject func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := scope + ":" + clientIP(r)
			allowed, _, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.FromContext(r.Context()).Warn("rate limiter unavailable, allowing request",
					"key", key,
					"error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				if onReject != nil {
					onReject()
				}
				w.Header().Set("Retry-After", "1")
				shared.RespondWithError(w, r, http.StatusTooManyRequests, "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
