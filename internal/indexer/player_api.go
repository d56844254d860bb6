package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/snapetech/xcdiscovery/internal/catalog"
	"github.com/snapetech/xcdiscovery/internal/httpclient"
	"github.com/snapetech/xcdiscovery/internal/safeurl"
)

// XCClient talks to an Xtream Codes player_api.php endpoint and returns the
// raw JSON objects of each action for the XC normalizers.
type XCClient struct {
	BaseURL string
	User    string
	Pass    string
	// StreamExt is "m3u8" or "ts" (m3u8 often avoids CF block).
	StreamExt string
	// StreamBaseURLs are candidate playback hosts; when the auth server_info
	// points at a Cloudflare host, the first non-CF host from this list is used.
	StreamBaseURLs []string
	Client         *http.Client
	// Limiter paces API requests; nil means unlimited.
	Limiter *rate.Limiter

	apiUser, apiPass string
	streamBase       string
	authed           bool
}

// Auth performs the credentials call and resolves the playback base URL.
// Other methods call it on first use.
func (c *XCClient) Auth(ctx context.Context) error {
	if !safeurl.IsHTTPOrHTTPS(c.BaseURL) {
		return fmt.Errorf("xc: base url must be http(s): %s", safeurl.RedactURL(c.BaseURL))
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	if c.StreamExt == "" {
		c.StreamExt = "m3u8"
	}
	if c.Client == nil {
		c.Client = httpclient.WithTimeout(90 * time.Second)
	}
	body, err := c.get(ctx, c.apiURL(c.User, c.Pass, ""))
	if err != nil {
		return err
	}
	var auth struct {
		UserInfo *struct {
			Username string `json:"username"`
			Password string `json:"password"`
			Auth     any    `json:"auth"`
		} `json:"user_info"`
		ServerInfo *serverInfo `json:"server_info"`
	}
	if err := json.Unmarshal(body, &auth); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	c.apiUser, c.apiPass = c.User, c.Pass
	if auth.UserInfo != nil {
		if catalog.Text(auth.UserInfo.Auth) == "0" {
			return fmt.Errorf("auth: provider rejected credentials for %s", safeurl.RedactURL(c.BaseURL))
		}
		if auth.UserInfo.Username != "" {
			c.apiUser = auth.UserInfo.Username
		}
		if auth.UserInfo.Password != "" {
			c.apiPass = auth.UserInfo.Password
		}
	}
	c.streamBase = resolveStreamBaseURL(c.BaseURL, auth.ServerInfo, c.StreamBaseURLs)
	c.authed = true
	return nil
}

// LiveCategories returns the raw get_live_categories objects.
func (c *XCClient) LiveCategories(ctx context.Context) ([]catalog.Record, error) {
	return c.action(ctx, "get_live_categories")
}

// LiveStreams returns the raw get_live_streams objects.
func (c *XCClient) LiveStreams(ctx context.Context) ([]catalog.Record, error) {
	return c.action(ctx, "get_live_streams")
}

// StreamURL builds the playback URL of a live stream id. Auth must have run.
func (c *XCClient) StreamURL(streamID string) string {
	return fmt.Sprintf("%s/live/%s/%s/%s.%s", c.streamBase, url.PathEscape(c.apiUser), url.PathEscape(c.apiPass), url.PathEscape(streamID), c.StreamExt)
}

func (c *XCClient) action(ctx context.Context, action string) ([]catalog.Record, error) {
	if !c.authed {
		if err := c.Auth(ctx); err != nil {
			return nil, err
		}
	}
	body, err := c.get(ctx, c.apiURL(c.apiUser, c.apiPass, action))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", action, err)
	}
	list, err := decodeObjectList(body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", action, err)
	}
	return list, nil
}

// apiURL encodes credentials to prevent query injection from special chars in user/pass.
func (c *XCClient) apiURL(user, pass, action string) string {
	u := c.BaseURL + "/player_api.php?username=" + url.QueryEscape(user) + "&password=" + url.QueryEscape(pass)
	if action != "" {
		u += "&action=" + url.QueryEscape(action)
	}
	return u
}

func (c *XCClient) get(ctx context.Context, u string) ([]byte, error) {
	release, err := httpclient.GlobalHostSem.Acquire(ctx, c.BaseURL)
	if err != nil {
		return nil, err
	}
	defer release()
	return apiGet(ctx, c.Client, c.Limiter, u)
}

// decodeObjectList accepts a JSON array of objects or, as some panels answer,
// an object keyed by id. Keyed objects come back in key order.
func decodeObjectList(body []byte) ([]catalog.Record, error) {
	var list []catalog.Record
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}
	var keyed map[string]catalog.Record
	if err := json.Unmarshal(body, &keyed); err != nil {
		return nil, fmt.Errorf("decode: expected array or object of objects")
	}
	keys := make([]string, 0, len(keyed))
	for k := range keyed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	list = make([]catalog.Record, 0, len(keys))
	for _, k := range keys {
		if keyed[k] != nil {
			list = append(list, keyed[k])
		}
	}
	return list, nil
}

type serverInfo struct {
	URL       string `json:"url"`
	Port      any    `json:"port"`
	HTTPSPort any    `json:"https_port"`
}

// isCFHost returns true if the URL host looks like a Cloudflare front (e.g. cf.* or *cloudflare).
func isCFHost(url string) bool {
	u := strings.ToLower(url)
	return strings.Contains(u, "//cf.") || strings.Contains(u, "cloudflare")
}

// resolveStreamBaseURL returns the base URL to use for stream playback.
// Uses server_info from auth when present; if that host is Cloudflare and streamBaseURLs is set, uses first non-CF from list.
func resolveStreamBaseURL(apiBaseURL string, si *serverInfo, streamBaseURLs []string) string {
	var streamBase string
	port := ""
	if si != nil {
		port = strings.TrimSpace(catalog.Text(si.Port))
	}
	if si != nil && si.URL != "" && port != "" {
		host := strings.TrimSuffix(si.URL, "/")
		host = strings.TrimPrefix(strings.TrimPrefix(host, "http://"), "https://")
		httpsPort := strings.TrimSpace(catalog.Text(si.HTTPSPort))
		scheme := "http"
		if httpsPort != "" && httpsPort == port {
			scheme = "https"
		}
		if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
			streamBase = scheme + "://" + host
		} else {
			streamBase = scheme + "://" + host + ":" + port
		}
	} else {
		streamBase = apiBaseURL
	}
	streamBase = strings.TrimSuffix(streamBase, "/")
	if isCFHost(streamBase) && len(streamBaseURLs) > 0 {
		for _, h := range streamBaseURLs {
			h = strings.TrimSuffix(strings.TrimSpace(h), "/")
			if h != "" && !isCFHost(h) {
				return h
			}
		}
	}
	return streamBase
}

// apiGet GETs u under httpclient.PanelRetryPolicy. Errors name the URL
// redacted, never in full.
func apiGet(ctx context.Context, client *http.Client, limiter *rate.Limiter, u string) ([]byte, error) {
	redacted := safeurl.RedactURL(u)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", redacted, err)
	}
	req.Header.Set("User-Agent", httpclient.UserAgent)
	policy := httpclient.PanelRetryPolicy
	policy.Limiter = limiter
	resp, err := httpclient.DoWithRetry(ctx, client, req, policy)
	if err != nil {
		// *url.Error carries the unredacted URL.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return nil, fmt.Errorf("get %s: %w", redacted, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s: %s", redacted, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", redacted, err)
	}
	return body, nil
}
