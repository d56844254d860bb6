// Package safeurl guards upstream URLs before they are fetched or logged.
package safeurl

import (
	"net/url"
	"strings"
)

// IsHTTPOrHTTPS returns true if u is a valid URL with scheme http or https.
// Used to reject file://, ftp://, and other schemes that could lead to SSRF or local file access.
func IsHTTPOrHTTPS(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	s := parsed.Scheme
	return (s == "http" || s == "https") && parsed.Host != ""
}

// xcPathKinds are the Xtream Codes playback path prefixes that carry
// /<kind>/<user>/<pass>/<id>.
var xcPathKinds = map[string]bool{"live": true, "movie": true, "series": true, "timeshift": true}

// RedactURL hides credentials in u for logging: userinfo, the username and
// password query parameters of player_api.php, and the user/pass segments of
// XC playback paths. Unparseable input is returned as "<invalid url>".
func RedactURL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return "<invalid url>"
	}
	if parsed.User != nil {
		parsed.User = url.User("xxx")
	}
	q := parsed.Query()
	changed := false
	for _, k := range []string{"username", "password"} {
		if q.Has(k) {
			q.Set(k, "xxx")
			changed = true
		}
	}
	if changed {
		parsed.RawQuery = q.Encode()
	}
	segs := strings.Split(parsed.Path, "/")
	for i := 0; i+3 < len(segs); i++ {
		if xcPathKinds[segs[i]] {
			segs[i+1], segs[i+2] = "xxx", "xxx"
			parsed.Path = strings.Join(segs, "/")
			parsed.RawPath = ""
			break
		}
	}
	return parsed.String()
}
