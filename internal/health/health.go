// Package health checks the pieces a discovery run depends on: the upstream
// playlist / panel, the catalog store and a running admin server.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/snapetech/xcdiscovery/internal/httpclient"
	"github.com/snapetech/xcdiscovery/internal/safeurl"
)

// CheckProvider fetches the M3U URL (HEAD or GET). Returns nil if OK, error with message if not.
func CheckProvider(ctx context.Context, m3uURL string) error {
	if m3uURL == "" {
		return fmt.Errorf("no M3U URL configured")
	}
	if !safeurl.IsHTTPOrHTTPS(m3uURL) {
		return fmt.Errorf("provider url is not http(s): %s", safeurl.RedactURL(m3uURL))
	}
	// Some providers don't support HEAD; use GET and close body immediately.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m3uURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", httpclient.UserAgent)
	resp, err := httpclient.WithTimeout(15 * time.Second).Do(req)
	if err != nil {
		// *url.Error repeats the full URL, credentials included.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return fmt.Errorf("provider unreachable (%s): %w", safeurl.RedactURL(m3uURL), err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("provider returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Pinger is satisfied by the sqlite store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckStore pings the store when it supports it; stores without a
// connection (in-memory) are always healthy.
func CheckStore(ctx context.Context, store any) error {
	p, ok := store.(Pinger)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

// CheckEndpoints hits the admin API at baseURL and returns the first error or nil.
func CheckEndpoints(ctx context.Context, baseURL string) error {
	client := httpclient.WithTimeout(5 * time.Second)
	for _, path := range []string{"/healthz", "/admin/api/hierarchy", "/admin/api/maintenance"} {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: HTTP %d", path, resp.StatusCode)
		}
	}
	return nil
}
