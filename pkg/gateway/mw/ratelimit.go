package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/vango-go/vai-signal/pkg/core"
	"github.com/vango-go/vai-signal/pkg/gateway/config"
	"github.com/vango-go/vai-signal/pkg/gateway/principal"
	"github.com/vango-go/vai-signal/pkg/gateway/ratelimit"
)

// RateLimit spends one request token per call, keyed by client address.
// Probes, metrics scrapes and preflights are exempt.
func RateLimit(cfg config.Config, limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz", "/readyz", "/metrics":
			next.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		dec := limiter.AcquireRequest(principal.Resolve(r, cfg.TrustProxyHeaders).Key, time.Now())
		if !dec.Allowed {
			reqID, _ := RequestIDFrom(r.Context())
			e := &core.Error{
				Type:      core.ErrRateLimit,
				Message:   "rate limit exceeded",
				RequestID: reqID,
			}
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
				retry := dec.RetryAfter
				e.RetryAfter = &retry
			}
			if isWebSocketUpgrade(r) {
				e.Code = "upgrade_rate_limited"
			}
			writeJSONError(w, http.StatusTooManyRequests, e)
			return
		}
		if dec.Permit != nil {
			defer dec.Permit.Release()
		}

		next.ServeHTTP(w, r)
	})
}
