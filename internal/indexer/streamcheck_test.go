package indexer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestStreamProber_Probe(t *testing.T) {
	// /ok returns 200 + body, /fail 404, /empty 200 + no body,
	// /hls-ok an HLS playlist with a segment, /hls-empty one without
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Write([]byte("data"))
		case "/empty":
			w.WriteHeader(http.StatusOK)
		case "/hls-ok.m3u8":
			w.Write([]byte("#EXTM3U\n#EXT-X-VERSION:3\nhttps://example.com/seg.ts\n"))
		case "/hls-empty":
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			w.Write([]byte("#EXTM3U\n#EXT-X-VERSION:3\n"))
		case "/slow":
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := &StreamProber{Timeout: 5 * time.Second}
	tests := []struct {
		path string
		ok   bool
	}{
		{"/ok", true},
		{"/empty", true},
		{"/fail", false},
		{"/hls-ok.m3u8", true},
		{"/hls-empty", false},
	}
	for _, tt := range tests {
		err := p.Probe(context.Background(), srv.URL+tt.path)
		if (err == nil) != tt.ok {
			t.Errorf("%s: err=%v, want ok=%v", tt.path, err, tt.ok)
		}
	}

	if err := p.Probe(context.Background(), "file:///tmp/x"); err == nil {
		t.Error("non-http url: expected error")
	}

	short := &StreamProber{Timeout: 100 * time.Millisecond}
	if err := short.Probe(context.Background(), srv.URL+"/slow"); err == nil {
		t.Error("slow stream: expected timeout")
	}
}

func TestStreamProber_errorOmitsCredentials(t *testing.T) {
	p := &StreamProber{Timeout: time.Second}
	err := p.Probe(context.Background(), "http://127.0.0.1:1/live/user/secret/1.ts")
	if err == nil {
		t.Fatal("expected connection error")
	}
	if got := err.Error(); strings.Contains(got, "secret") || strings.Contains(got, "/live/") {
		t.Errorf("error leaks url: %s", got)
	}
}
