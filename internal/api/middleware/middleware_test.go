package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestMemoryCounterWindows(t *testing.T) {
	c := NewMemoryCounter()
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, remaining, _ := c.Hit(ctx, "k", 3, time.Minute)
		if !ok || remaining != 2-i {
			t.Fatalf("hit %d: ok=%v remaining=%d", i, ok, remaining)
		}
	}
	if ok, _, reset := c.Hit(ctx, "k", 3, time.Minute); ok || !reset.Equal(now.Add(time.Minute)) {
		t.Fatalf("4th hit allowed=%v reset=%v", ok, reset)
	}
	if ok, _, _ := c.Hit(ctx, "other", 3, time.Minute); !ok {
		t.Fatal("keys share a window")
	}

	now = now.Add(time.Minute)
	if ok, _, _ := c.Hit(ctx, "k", 3, time.Minute); !ok {
		t.Fatal("window did not reset")
	}
	if _, found := c.windows["other"]; found {
		t.Fatal("expired window not swept")
	}
}

func TestFindLimitPrefersLongestPattern(t *testing.T) {
	rl := NewRateLimiter(NewMemoryCounter(), zerolog.Nop(), RateLimiterConfig{Limits: map[string]RateLimit{
		"GET /api/":        {100, time.Minute},
		"GET /api/models/": {5, time.Minute},
	}})

	tests := []struct {
		method, path string
		pattern      string
	}{
		{"GET", "/api/snapshot", "GET /api/"},
		{"GET", "/api/models/hiyori", "GET /api/models/"},
		{"POST", "/api/models/rescan", ""},
		{"GET", "/health", ""},
	}
	for _, tt := range tests {
		got, _, ok := rl.findLimit(httptest.NewRequest(tt.method, tt.path, nil))
		if got != tt.pattern || ok != (tt.pattern != "") {
			t.Errorf("%s %s: pattern %q, want %q", tt.method, tt.path, got, tt.pattern)
		}
	}
}

func TestWhitelist(t *testing.T) {
	rl := NewRateLimiter(NewMemoryCounter(), zerolog.Nop(), RateLimiterConfig{
		Whitelist: []string{"10.0.0.0/8", "192.168.1.5", "not-a-cidr/x"},
	})
	for ip, want := range map[string]bool{
		"10.1.2.3":    true,
		"192.168.1.5": true,
		"192.168.1.6": false,
		"garbage":     false,
	} {
		if got := rl.isWhitelisted(ip); got != want {
			t.Errorf("isWhitelisted(%s) = %v", ip, got)
		}
	}
}

func TestRateLimitResponse(t *testing.T) {
	rl := NewRateLimiter(NewMemoryCounter(), zerolog.Nop(), RateLimiterConfig{Limits: map[string]RateLimit{
		"GET /ipc": {1, time.Minute},
	}})
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/ipc", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("first: %d %v", rec.Code, rec.Header())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/ipc", nil))
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("second: %d %v", rec.Code, rec.Header())
	}

	// A different client has its own budget.
	req := httptest.NewRequest("GET", "/ipc", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("forwarded client: %d", rec.Code)
	}
}

func TestRequireToken(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })

	open := RequireToken("", zerolog.Nop())(ok)
	rec := httptest.NewRecorder()
	open.ServeHTTP(rec, httptest.NewRequest("GET", "/ipc", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("empty token: %d", rec.Code)
	}

	guarded := RequireToken("abc", zerolog.Nop())(ok)
	tests := []struct {
		name   string
		header string
		target string
		want   int
	}{
		{"missing", "", "/ipc", http.StatusUnauthorized},
		{"bearer", "Bearer abc", "/ipc", http.StatusTeapot},
		{"lowercase scheme", "bearer abc", "/ipc", http.StatusTeapot},
		{"wrong", "Bearer abd", "/ipc", http.StatusUnauthorized},
		{"basic", "Basic abc", "/ipc?token=abc", http.StatusUnauthorized},
		{"query", "", "/ipc?token=abc", http.StatusTeapot},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", tt.target, nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		rec := httptest.NewRecorder()
		guarded.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%s: status %d, want %d", tt.name, rec.Code, tt.want)
		}
	}
}

func TestNormalizePath(t *testing.T) {
	for in, want := range map[string]string{
		"/api/models/hiyori":       "/api/models/:key",
		"/api/models/rescan":       "/api/models/rescan",
		"/api/models/":             "/api/models/",
		"/api/transforms/app-1234": "/api/transforms/:key",
		"/health":                  "/health",
	} {
		if got := normalizePath(in); got != want {
			t.Errorf("normalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSuspiciousPatterns(t *testing.T) {
	h := ValidateRequest(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	for target, want := range map[string]int{
		"/api/models/hiyori":          http.StatusOK,
		"/api/models/..%2F..%2Fetc":   http.StatusBadRequest,
		"/logs?q=%00":                 http.StatusBadRequest,
		"/api/models/a?x=javascript:": http.StatusBadRequest,
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", target, nil))
		if rec.Code != want {
			t.Errorf("%s: status %d, want %d", target, rec.Code, want)
		}
	}
}
