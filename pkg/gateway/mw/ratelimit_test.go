package mw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vango-go/vai-signal/pkg/gateway/config"
	"github.com/vango-go/vai-signal/pkg/gateway/ratelimit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimit_Burst429IncludesRetryAfter(t *testing.T) {
	h := RateLimit(config.Config{}, ratelimit.New(ratelimit.Config{RPS: 1, Burst: 1}), okHandler())

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/v1/sessions/s1/code", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first request status=%d body=%q", first.Code, first.Body.String())
	}

	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/v1/sessions/s1/code", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status=%d body=%q", second.Code, second.Body.String())
	}
	if got := second.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("Retry-After=%q, want 1", got)
	}
	body := second.Body.String()
	if !strings.Contains(body, `"type":"rate_limit_error"`) || !strings.Contains(body, `"retry_after":1`) {
		t.Fatalf("unexpected body: %q", body)
	}
}

func TestRateLimit_KeysByClientAddress(t *testing.T) {
	h := RateLimit(config.Config{}, ratelimit.New(ratelimit.Config{RPS: 1, Burst: 1}), okHandler())

	for _, addr := range []string{"10.0.0.1:5000", "10.0.0.2:5000", "10.0.0.1:6000"} {
		req := httptest.NewRequest(http.MethodGet, "/ws-signal", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		want := http.StatusOK
		if addr == "10.0.0.1:6000" {
			want = http.StatusTooManyRequests
		}
		if rr.Code != want {
			t.Fatalf("%s: status=%d, want %d", addr, rr.Code, want)
		}
	}
}

func TestRateLimit_UpgradeRejectionCarriesCode(t *testing.T) {
	h := RateLimit(config.Config{}, ratelimit.New(ratelimit.Config{RPS: 1, Burst: 1}), okHandler())

	newUpgrade := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/ws-signal", nil)
		req.Header.Set("Connection", "keep-alive, Upgrade")
		req.Header.Set("Upgrade", "websocket")
		return req
	}
	h.ServeHTTP(httptest.NewRecorder(), newUpgrade())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, newUpgrade())

	if rr.Code != http.StatusTooManyRequests || !strings.Contains(rr.Body.String(), `"code":"upgrade_rate_limited"`) {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestRateLimit_ExemptPaths(t *testing.T) {
	h := RateLimit(config.Config{}, ratelimit.New(ratelimit.Config{RPS: 1, Burst: 1}), okHandler())

	for i := 0; i < 3; i++ {
		for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
			if rr.Code != http.StatusOK {
				t.Fatalf("%s attempt %d: status=%d", path, i, rr.Code)
			}
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, "/v1/sessions/s1/code", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("OPTIONS attempt %d: status=%d", i, rr.Code)
		}
	}
}

func TestRateLimit_NilLimiterPassesThrough(t *testing.T) {
	h := RateLimit(config.Config{}, nil, okHandler())
	for i := 0; i < 5; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/sessions/s1/code", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("status=%d", rr.Code)
		}
	}
}

func TestRateLimit_TrustedProxyHeaders(t *testing.T) {
	h := RateLimit(config.Config{TrustProxyHeaders: true}, ratelimit.New(ratelimit.Config{RPS: 1, Burst: 1}), okHandler())

	for i, xff := range []string{"203.0.113.1", "203.0.113.2", "203.0.113.1"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions/s1/code", nil)
		req.Header.Set("X-Forwarded-For", xff)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		want := http.StatusOK
		if i == 2 {
			want = http.StatusTooManyRequests
		}
		if rr.Code != want {
			t.Fatalf("request %d (%s): status=%d, want %d", i, xff, rr.Code, want)
		}
	}
}
