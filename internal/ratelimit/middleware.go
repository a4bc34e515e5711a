package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"warden/internal/models"
)

// Middleware throttles requests per client IP. It is meant for endpoints
// that run before a caller has a subject, such as signup and login.
func Middleware(throttle Throttler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ClientIP(r)
			allowed, info := throttle.Allow(key)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetAt.Unix(), 10))

			if !allowed {
				retryAfterSecs := int(info.RetryAfter.Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)

				resp := models.NewErrorResponse("Too many requests", models.ErrorCodeRateLimited)
				json.NewEncoder(w).Encode(resp)

				slog.Warn("Request throttled",
					"client_ip", key,
					"limit", info.Limit,
					"retry_after", retryAfterSecs,
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// WriteStatusHeaders exposes a subject's weighted window on a response.
func WriteStatusHeaders(w http.ResponseWriter, status Status) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(status.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(status.Remaining, 10))
	w.Header().Set("X-RateLimit-Window", strconv.Itoa(int(status.Window.Seconds())))
	if status.Limited {
		w.Header().Set("Retry-After", strconv.Itoa(int(status.Window.Seconds())))
	}
}

// ClientIP extracts the client address, preferring proxy headers.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	return r.RemoteAddr
}
