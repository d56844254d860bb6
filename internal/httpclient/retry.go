package httpclient

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// RetryPolicy controls DoWithRetry.
type RetryPolicy struct {
	MaxRetries int           // attempts after the first
	Backoff    time.Duration // first wait after a transport error or retryable status; doubles per retry
	MaxBackoff time.Duration
	// MaxRetryAfter caps a server-sent Retry-After.
	MaxRetryAfter time.Duration
	// Limiter, when set, is waited on before every attempt.
	Limiter *rate.Limiter
}

// DefaultRetryPolicy suits one-shot downloads such as a playlist: one retry
// after a second, or after Retry-After (capped at 60s).
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:    1,
	Backoff:       time.Second,
	MaxBackoff:    time.Second,
	MaxRetryAfter: 60 * time.Second,
}

// PanelRetryPolicy is for player_api calls. Panels throttle and 5xx under
// load, so it retries three times with 2s, 4s, 8s backoff.
var PanelRetryPolicy = RetryPolicy{
	MaxRetries:    3,
	Backoff:       2 * time.Second,
	MaxBackoff:    60 * time.Second,
	MaxRetryAfter: 60 * time.Second,
}

// Retryable reports whether a response status is worth another attempt:
// 408, 423, 429 and 5xx.
func Retryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusLocked, http.StatusTooManyRequests:
		return true
	}
	return code >= 500 && code < 600
}

// DoWithRetry sends req, retrying transport errors and Retryable statuses.
// Only body-less requests are retried. The last response is returned as-is
// when retries run out, so callers still check StatusCode; the caller must
// close resp.Body when err == nil.
func DoWithRetry(ctx context.Context, client *http.Client, req *http.Request, policy RetryPolicy) (*http.Response, error) {
	if client == nil {
		client = Default()
	}
	backoff := policy.Backoff
	var lastErr error
	for attempt := 0; ; attempt++ {
		if policy.Limiter != nil {
			if err := policy.Limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		resp, err := client.Do(req.Clone(ctx))
		last := attempt >= policy.MaxRetries || req.Body != nil
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if last {
				return nil, lastErr
			}
		} else {
			if !Retryable(resp.StatusCode) || last {
				return resp, nil
			}
			wait, ok := parseRetryAfter(resp.Header.Get("Retry-After"), policy.MaxRetryAfter)
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			resp.Body.Close()
			if ok {
				if err := sleepCtx(ctx, wait); err != nil {
					return nil, err
				}
				continue
			}
		}
		if err := sleepCtx(ctx, backoff); err != nil {
			return nil, err
		}
		if backoff *= 2; policy.MaxBackoff > 0 && backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}
}

// parseRetryAfter parses Retry-After (seconds or HTTP-date), capped at limit.
// ok is false when the header is absent or unparseable.
func parseRetryAfter(s string, limit time.Duration) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	var d time.Duration
	if sec, err := strconv.Atoi(s); err == nil {
		if sec < 0 {
			return 0, false
		}
		d = time.Duration(sec) * time.Second
	} else if t, err := http.ParseTime(s); err == nil {
		d = max(time.Until(t), 0)
	} else {
		return 0, false
	}
	if limit > 0 && d > limit {
		d = limit
	}
	return d, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
