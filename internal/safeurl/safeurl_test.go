package safeurl

import "testing"

func TestIsHTTPOrHTTPS(t *testing.T) {
	tests := []struct {
		url   string
		allow bool
	}{
		{"http://example.com/", true},
		{"https://example.com/path", true},
		{"HTTP://x", true},
		{"HTTPS://x", true},
		{"file:///etc/passwd", false},
		{"ftp://example.com", false},
		{"", false},
		{"not-a-url", false},
		{"javascript:alert(1)", false},
	}
	for _, tt := range tests {
		got := IsHTTPOrHTTPS(tt.url)
		if got != tt.allow {
			t.Errorf("IsHTTPOrHTTPS(%q) = %v, want %v", tt.url, got, tt.allow)
		}
	}
}

func TestRedactURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://h/player_api.php?username=bob&password=s3cret&action=get_live_streams", "http://h/player_api.php?action=get_live_streams&password=xxx&username=xxx"},
		{"http://h:8080/live/bob/s3cret/42.m3u8", "http://h:8080/live/xxx/xxx/42.m3u8"},
		{"http://bob:s3cret@h/get.php", "http://xxx@h/get.php"},
		{"http://h/plain/path.m3u", "http://h/plain/path.m3u"},
		{"://bad", "<invalid url>"},
	}
	for _, tt := range tests {
		if got := RedactURL(tt.in); got != tt.want {
			t.Errorf("RedactURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
