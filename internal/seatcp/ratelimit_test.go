package seatcp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(limit int) (*IPRateLimiter, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	rl := NewIPRateLimiter(limit, time.Minute, "test")
	rl.clock = clock
	return rl, clock
}

func TestIPRateLimiterAllowWithinLimitThenRejects(t *testing.T) {
	rl, _ := newTestLimiter(2)
	ip := "203.0.113.10"

	assert.True(t, rl.Allow(ip))
	assert.True(t, rl.Allow(ip))
	assert.False(t, rl.Allow(ip))
	assert.True(t, rl.Allow("203.0.113.11"), "limits are per IP")
}

func TestIPRateLimiterWindowSlides(t *testing.T) {
	rl, clock := newTestLimiter(1)
	ip := "203.0.113.20"

	require.True(t, rl.Allow(ip))
	clock.Advance(30 * time.Second)
	assert.False(t, rl.Allow(ip))
	clock.Advance(31 * time.Second)
	assert.True(t, rl.Allow(ip))
	assert.Len(t, rl.attempts[ip], 1)
}

func TestIPRateLimiterSweep(t *testing.T) {
	rl, clock := newTestLimiter(5)
	rl.Allow("198.51.100.1")
	clock.Advance(45 * time.Second)
	rl.Allow("198.51.100.2")
	clock.Advance(30 * time.Second)

	assert.Equal(t, 1, rl.Sweep())
	_, stale := rl.attempts["198.51.100.1"]
	_, fresh := rl.attempts["198.51.100.2"]
	assert.False(t, stale)
	assert.True(t, fresh)
}

func TestIPRateLimiterMiddlewareTooManyRequests(t *testing.T) {
	rl, _ := newTestLimiter(1)
	calls := 0
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/billing/webhook", nil)
		req.RemoteAddr = "198.51.100.5:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, send().Code)
	rec := send()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, 1, calls)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate_limited", body["code"])
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		remoteAddr string
		want       string
	}{
		{"x-forwarded-for single value", "203.0.113.9", "127.0.0.1:9999", "203.0.113.9"},
		{"x-forwarded-for first value", " 203.0.113.1 , 10.0.0.1 ", "127.0.0.1:9999", "203.0.113.1"},
		{"remote addr host port", "", "198.51.100.2:7777", "198.51.100.2"},
		{"remote addr unparseable", "", "not-a-host-port", "not-a-host-port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, clientIP(req))
		})
	}
}
