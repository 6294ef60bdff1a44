package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
)

func limitExceeded(window time.Duration) func(http.ResponseWriter, *http.Request) {
	retryAfter := strconv.Itoa(int(window.Seconds()))
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", retryAfter)
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limit exceeded","code":"rate_limited","retry_after":` + retryAfter + `}`))
	}
}

// RateLimit limits all API traffic per tenant, falling back to the
// client IP before authentication.
func RateLimit(requestLimit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestLimit,
		window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if tenantID := GetTenantID(r.Context()); tenantID != "" {
				return "tenant:" + tenantID, nil
			}
			return "ip:" + r.RemoteAddr, nil
		}),
		httprate.WithLimitHandler(limitExceeded(window)),
	)
}

// RunRateLimit limits agent and workflow runs per user. Runs hold a
// model connection for their whole duration, so the bound is much
// tighter than the general API limit.
func RunRateLimit(requestLimit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestLimit,
		window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if userID := GetUserID(r.Context()); userID != "" {
				return "user:" + userID, nil
			}
			return "ip:" + r.RemoteAddr, nil
		}),
		httprate.WithLimitHandler(limitExceeded(window)),
	)
}
