package ratelimit

import (
	"net/http"
	"net/netip"
	"strconv"
)

// MiddlewareOptions configures the HTTP admission middleware.
type MiddlewareOptions struct {
	// TrustedProxies are CIDR ranges whose proxy headers may be honoured
	// when extracting the client IP. Empty means trust none.
	TrustedProxies []netip.Prefix
	// UserIDFunc extracts the authenticated user id from the request, if
	// any. Optional.
	UserIDFunc func(r *http.Request) string
}

// Middleware wraps handlers with admission control. Every response carries
// the X-RateLimit-* headers; rejections answer 429 with Retry-After, and a
// fail-closed store outage answers 503. This header/status mapping is a
// fixed contract.
func Middleware(l *Limiter, opts MiddlewareOptions) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := Request{
				ClientIP:  ClientIP(r, opts.TrustedProxies),
				Method:    r.Method,
				Path:      r.URL.Path,
				UserAgent: r.UserAgent(),
			}
			if opts.UserIDFunc != nil {
				req.UserID = opts.UserIDFunc(r)
			}

			dec := l.Check(r.Context(), req)
			setRateLimitHeaders(w, dec)

			switch {
			case dec.Unavailable:
				writeStatus(w, http.StatusServiceUnavailable)
				return
			case !dec.Allowed:
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
				writeStatus(w, http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func setRateLimitHeaders(w http.ResponseWriter, dec Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
	if !dec.ResetTime.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(dec.ResetTime.Unix(), 10))
	}
}

func writeStatus(w http.ResponseWriter, status int) {
	http.Error(w, http.StatusText(status), status)
}
