// Package middleware implements the HTTP ingress guards: API key
// authentication, sliding-window rate limiting, and a request body size
// cap. The auth shape is adapted from the teacher's admin-api
// middleware; the rate limiter replaces the teacher's token bucket with
// the sliding-window cutoff-filter technique from internal/breaker,
// since the spec calls for a fixed request budget per window rather
// than a smoothly refilling bucket. Request logging and panic recovery
// are left to chi's own middleware in the HTTP server setup.
package middleware

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/manishadha/velu/internal/obs"
)

// detailError is the JSON body shape the external interface contract
// requires for every middleware rejection: {"detail": "..."}.
type detailError struct {
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(detailError{Detail: detail})
}

func getClientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		parts := strings.Split(ip, ",")
		return strings.TrimSpace(parts[0])
	}
	return r.RemoteAddr
}

// apiKey is one entry parsed out of the API_KEYS config value, format
// "key1:label1,key2:label2,key3" — a bare key with no colon defaults to
// label "default".
type apiKey struct {
	key   string
	label string
}

// parseAPIKeys parses the "k1:label1,k2:label2,k3" configuration format.
func parseAPIKeys(raw string) []apiKey {
	var keys []apiKey
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if idx := strings.Index(part, ":"); idx >= 0 {
			keys = append(keys, apiKey{key: part[:idx], label: part[idx+1:]})
		} else {
			keys = append(keys, apiKey{key: part, label: "default"})
		}
	}
	return keys
}

// Auth returns middleware enforcing API key authentication via the
// X-API-Key header. When raw is empty, authentication is permissive and
// every request passes through. Callers mount this only on the routes
// that require it (POST /tasks) — /health and /ready always bypass by
// never being wrapped with it.
func Auth(raw string, logger *zap.Logger) func(http.Handler) http.Handler {
	keys := parseAPIKeys(raw)
	byKey := make(map[string]apiKey, len(keys))
	for _, k := range keys {
		byKey[k.key] = k
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(byKey) == 0 || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			presented := r.Header.Get("X-API-Key")
			if presented == "" {
				writeError(w, http.StatusUnauthorized, "missing or invalid api key")
				return
			}

			if _, ok := byKey[presented]; !ok {
				logger.Warn("rejected request with unknown API key")
				writeError(w, http.StatusUnauthorized, "missing or invalid api key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func shortKey(key string) string {
	if len(key) <= 6 {
		return key
	}
	return key[:6]
}

// limiter is a sliding-window request counter keyed by bucket identity,
// reusing the cutoff-filter technique from internal/breaker: each
// allowed request timestamps itself, and stale timestamps outside the
// window are purged before counting.
type limiter struct {
	mu      sync.Mutex
	window  time.Duration
	limit   int
	buckets map[string][]time.Time
}

func newLimiter(limit int, window time.Duration) *limiter {
	return &limiter{limit: limit, window: window, buckets: make(map[string][]time.Time)}
}

func (l *limiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)
	times := l.buckets[key]
	filtered := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			filtered = append(filtered, t)
		}
	}

	if len(filtered) >= l.limit {
		l.buckets[key] = filtered
		return false
	}

	l.buckets[key] = append(filtered, now)
	return true
}

// RateLimit returns middleware enforcing at most `requests` requests per
// `window` per bucket key. The bucket key is `apk:<first-6-of-key>` when
// an API key header is present, else `ip:<host>` from the first
// X-Forwarded-For hop or the peer address. A zero requests or window
// value disables rate limiting.
func RateLimit(requests int, window time.Duration) func(http.Handler) http.Handler {
	if requests <= 0 || window <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	lim := newLimiter(requests, window)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := bucketKeyFromRequest(r)
			if !lim.allow(key) {
				obs.RateLimitRejections.Inc()
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bucketKeyFromRequest(r *http.Request) string {
	if apiKeyHeader := r.Header.Get("X-API-Key"); apiKeyHeader != "" {
		return "apk:" + shortKey(apiKeyHeader)
	}
	return "ip:" + getClientIP(r)
}

// MaxBytes returns middleware that rejects request bodies larger than
// limit bytes with 413, short-circuiting on Content-Length when present
// and otherwise limiting the reader so an oversized streamed body fails
// during the handler's own decode.
func MaxBytes(limit int64) func(http.Handler) http.Handler {
	if limit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}
