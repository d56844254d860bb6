package indexer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/snapetech/xcdiscovery/internal/httpclient"
	"github.com/snapetech/xcdiscovery/internal/safeurl"
)

// errEmptyPlaylist is returned for an HLS playlist with no entries.
var errEmptyPlaylist = errors.New("empty playlist")

// StreamProber checks that a stream URL answers with playable content.
type StreamProber struct {
	Client  *http.Client
	Timeout time.Duration // per probe; default 8s
}

// Probe returns nil if streamURL responds with 200 and, for HLS, a playlist
// with at least one entry. Errors never carry the full URL.
func (p *StreamProber) Probe(ctx context.Context, streamURL string) error {
	if !safeurl.IsHTTPOrHTTPS(streamURL) {
		return fmt.Errorf("not http(s): %s", safeurl.RedactURL(streamURL))
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	client := p.Client
	if client == nil {
		client = httpclient.WithTimeout(timeout)
	}
	// Queueing for a slot does not count against the probe timeout.
	release, err := httpclient.GlobalHostSem.Acquire(ctx, streamURL)
	if err != nil {
		return err
	}
	defer release()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", httpclient.UserAgent)
	resp, err := client.Do(req)
	if err != nil {
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.Contains(ct, "mpegurl") && !strings.Contains(ct, "m3u8") && !strings.HasSuffix(strings.ToLower(req.URL.Path), ".m3u8") {
		// Non-HLS: 200 is enough
		return nil
	}
	// HLS: the first 64 KiB must hold #EXTINF or a URI line.
	sc := bufio.NewScanner(io.LimitReader(resp.Body, 64*1024))
	sc.Buffer(nil, 64*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "#EXTINF") || (line != "" && !strings.HasPrefix(line, "#")) {
			return nil
		}
	}
	return errEmptyPlaylist
}
