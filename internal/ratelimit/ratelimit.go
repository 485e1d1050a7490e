// Package ratelimit provides fixed-window rate limiting backed by the
// cache subsystem's atomic counters. Used to throttle invite endpoints.
package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tandemlist/tandem-go/internal/api/httperr"
	"github.com/tandemlist/tandem-go/internal/platform/cache"
	"github.com/tandemlist/tandem-go/internal/platform/logutil"
)

// KeyFunc extracts the rate limit key from a request.
type KeyFunc func(*http.Request) string

// Limiter counts requests per key in a fixed window.
type Limiter struct {
	counter cache.Counter
	keyFunc KeyFunc
	limit   int64
	window  time.Duration
	log     *slog.Logger
}

// New creates a Limiter. If keyFunc is nil, the client IP is used.
func New(counter cache.Counter, limit int64, window time.Duration, keyFunc KeyFunc, log *slog.Logger) *Limiter {
	log = logutil.NoopIfNil(log)
	if keyFunc == nil {
		keyFunc = ClientIP
	}
	return &Limiter{
		counter: counter,
		keyFunc: keyFunc,
		limit:   limit,
		window:  window,
		log:     log,
	}
}

// ClientIP extracts the client IP from X-Forwarded-For or RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	addr := r.RemoteAddr
	if i := strings.LastIndexByte(addr, ':'); i >= 0 {
		return addr[:i]
	}
	return addr
}

// Middleware applies the rate limit and writes a 429 with Retry-After
// when exceeded. Counter failures let the request through; the cache is
// an optimization, not an authority.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := l.keyFunc(r)
		count, resetAt, err := l.counter.Increment(r.Context(), "ratelimit:"+key, 1, l.window)
		if err != nil {
			l.log.Warn("rate limit check failed", "error", err)
			next.ServeHTTP(w, r)
			return
		}

		remaining := l.limit - count
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(l.limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if count > l.limit {
			retryAfter := int(time.Until(resetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			httperr.WriteTooManyRequests(w, "too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}
