package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestParseRetryAfter(t *testing.T) {
	limit := 60 * time.Second
	tests := []struct {
		name   string
		s      string
		want   time.Duration
		wantOK bool
	}{
		{"empty", "", 0, false},
		{"seconds 5", "5", 5 * time.Second, true},
		{"seconds 0", "0", 0, true},
		{"negative", "-3", 0, false},
		{"seconds over cap", "120", limit, true},
		{"whitespace", "  10  ", 10 * time.Second, true},
		{"past date", "Mon, 02 Jan 2006 15:04:05 GMT", 0, true},
		{"invalid", "x", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseRetryAfter(tt.s, limit)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("parseRetryAfter(%q) = %v, %v; want %v, %v", tt.s, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	for code, want := range map[int]bool{200: false, 403: false, 404: false, 408: true, 423: true, 429: true, 500: true, 503: true} {
		if got := Retryable(code); got != want {
			t.Errorf("Retryable(%d) = %v, want %v", code, got, want)
		}
	}
}

func countingServer(t *testing.T, handler func(attempt int32, w http.ResponseWriter)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler(n.Add(1), w)
	}))
	t.Cleanup(srv.Close)
	return srv, &n
}

func fastPolicy(retries int) RetryPolicy {
	return RetryPolicy{MaxRetries: retries, Backoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond, MaxRetryAfter: time.Second}
}

func TestDoWithRetry_429Then200(t *testing.T) {
	srv, n := countingServer(t, func(attempt int32, w http.ResponseWriter) {
		if attempt == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	})
	ctx := context.Background()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := DoWithRetry(ctx, &http.Client{Timeout: 5 * time.Second}, req, fastPolicy(1))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if n.Load() != 2 {
		t.Errorf("attempts = %d, want 2", n.Load())
	}
}

func TestDoWithRetry_exhaustedReturnsLastResponse(t *testing.T) {
	srv, n := countingServer(t, func(_ int32, w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadGateway)
	})
	ctx := context.Background()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	policy := fastPolicy(3)
	policy.Limiter = rate.NewLimiter(rate.Inf, 1)
	resp, err := DoWithRetry(ctx, nil, req, policy)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	if n.Load() != 4 {
		t.Errorf("attempts = %d, want 4", n.Load())
	}
}

func TestDoWithRetry_4xxNoRetry(t *testing.T) {
	srv, n := countingServer(t, func(_ int32, w http.ResponseWriter) {
		w.WriteHeader(http.StatusForbidden)
	})
	ctx := context.Background()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := DoWithRetry(ctx, nil, req, fastPolicy(3))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
	if n.Load() != 1 {
		t.Errorf("attempts = %d, want 1", n.Load())
	}
}

func TestDoWithRetry_transportError(t *testing.T) {
	ctx := context.Background()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://127.0.0.1:1/", nil)
	if _, err := DoWithRetry(ctx, nil, req, fastPolicy(2)); err == nil {
		t.Fatal("expected error")
	}
}

func TestDoWithRetry_cancelDuringBackoff(t *testing.T) {
	srv, _ := countingServer(t, func(_ int32, w http.ResponseWriter) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	start := time.Now()
	_, err := DoWithRetry(ctx, nil, req, PanelRetryPolicy)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("ignored cancellation for %v", time.Since(start))
	}
}
