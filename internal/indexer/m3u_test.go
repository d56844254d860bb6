package indexer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/snapetech/xcdiscovery/internal/catalog"
)

func TestParseM3UBytes_empty(t *testing.T) {
	entries, err := ParseM3UBytes([]byte(""))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty; got %d entries", len(entries))
	}
}

func TestParseM3UBytes_attributes(t *testing.T) {
	m3u := `#EXTM3U
#EXTINF:-1 tvg-id="bbc1.uk" tvg-name="BBC One" tvg-logo="http://logo/bbc1.png" group-title="UK, General",BBC One HD
http://example.com/live1
`
	entries, err := ParseM3UBytes([]byte(m3u))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry; got %d", len(entries))
	}
	e := entries[0]
	if e.Title != "BBC One HD" || e.URL != "http://example.com/live1" {
		t.Errorf("entry = %+v", e)
	}
	if e.TVGID != "bbc1.uk" || e.TVGName != "BBC One" || e.Logo != "http://logo/bbc1.png" {
		t.Errorf("tvg attrs = %+v", e)
	}
	// A comma inside a quoted attribute does not start the title.
	if e.GroupTitle != "UK, General" {
		t.Errorf("GroupTitle = %q", e.GroupTitle)
	}
	if e.Attributes["tvg-id"] != "bbc1.uk" {
		t.Errorf("Attributes = %v", e.Attributes)
	}
}

// TestParseM3UBytes_postEXTINFURLConsumption verifies that each #EXTINF is
// paired with the next URI line across blank lines and comments.
func TestParseM3UBytes_postEXTINFURLConsumption(t *testing.T) {
	m3u := `#EXTM3U

#EXTINF:-1,Channel A
http://example.com/a
#EXTINF:-1,Channel B
#EXTVLCOPT:http-user-agent=x
http://example.com/b

#EXTINF:-1,Channel C
http://example.com/c
`
	entries, err := ParseM3UBytes([]byte(m3u))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries; got %d", len(entries))
	}
	wantNames := []string{"Channel A", "Channel B", "Channel C"}
	wantURLs := []string{"http://example.com/a", "http://example.com/b", "http://example.com/c"}
	for i := range entries {
		if entries[i].Title != wantNames[i] || entries[i].URL != wantURLs[i] {
			t.Errorf("entries[%d] = %q / %q; want %q / %q", i, entries[i].Title, entries[i].URL, wantNames[i], wantURLs[i])
		}
	}
}

func TestParseM3UBytes_titleFallsBackToURI(t *testing.T) {
	m3u := "#EXTM3U\nhttp://example.com/bare\n#EXTINF:-1,\nhttp://example.com/untitled\n"
	entries, err := ParseM3UBytes([]byte(m3u))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries; got %d", len(entries))
	}
	for _, e := range entries {
		if e.DisplayName() != e.URL {
			t.Errorf("DisplayName = %q, want URI %q", e.DisplayName(), e.URL)
		}
	}
}

func TestParseM3UBytes_extgrpAndUnsafeURI(t *testing.T) {
	m3u := `#EXTM3U
#EXTINF:-1,Local File
file:///etc/passwd
#EXTINF:-1,Sports One
#EXTGRP:Sports
https://cdn.example/sports1.m3u8
`
	entries, err := ParseM3UBytes([]byte(m3u))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry; got %d", len(entries))
	}
	if entries[0].GroupTitle != "Sports" || entries[0].Title != "Sports One" {
		t.Errorf("entry = %+v", entries[0])
	}
}

// TestParseM3U_integration calls ParseM3U against an HTTP server that serves a
// Latin-1 playlist, verifying the fetch + charset + parse path end-to-end.
func TestParseM3U_integration(t *testing.T) {
	m3uBody := []byte("#EXTM3U\n#EXTINF:-1,Arte Fran\xe7ais\nhttp://upstream.example/live\n")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/x-mpegurl; charset=iso-8859-1")
		w.WriteHeader(http.StatusOK)
		w.Write(m3uBody)
	}))
	defer server.Close()

	entries, err := ParseM3U(context.Background(), server.URL, server.Client())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry from integration; got %d", len(entries))
	}
	if entries[0].Title != "Arte Français" || entries[0].URL != "http://upstream.example/live" {
		t.Errorf("entries[0] = %+v", entries[0])
	}
}

func TestParseM3U_badStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()
	if _, err := ParseM3U(context.Background(), server.URL, server.Client()); err == nil {
		t.Fatal("expected error on 403")
	}
	if _, err := ParseM3U(context.Background(), "file:///tmp/x.m3u", nil); err == nil {
		t.Fatal("expected error for non-http url")
	}
}

func TestM3UStreams_normalize(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n := M3UStreams(func() time.Time { return now })
	if n.Kind() != catalog.StreamKind {
		t.Fatalf("Kind = %q", n.Kind())
	}
	e := M3UEntry{Title: "BBC One HD", URL: "http://x/1", GroupTitle: "UK", TVGID: "bbc1.uk"}

	rec, err := n.Normalize(e.Raw(), "")
	if err != nil {
		t.Fatal(err)
	}
	if rec.String(catalog.FieldMetaChannelID) != "bbc_one_hd" {
		t.Errorf("meta_channel_id = %q", rec.String(catalog.FieldMetaChannelID))
	}
	status, _ := rec[catalog.FieldStatus].(map[string]any)
	if status["name"] != "BBC One HD" || status["group_title"] != "UK" || status["tvg_id"] != "bbc1.uk" {
		t.Errorf("status = %v", status)
	}
	if rec.String(catalog.FieldFirstSeen) != catalog.FormatTime(now) || rec[catalog.FieldInclude] != true {
		t.Errorf("rec = %v", rec)
	}

	rec, err = n.Normalize(e.Raw(), "bbc_one")
	if err != nil {
		t.Fatal(err)
	}
	if rec.String(catalog.FieldMetaChannelID) != "bbc_one" {
		t.Errorf("caller parent ignored: %v", rec)
	}

	if _, err := n.Normalize(catalog.Record{"title": "x"}, ""); !catalog.IsValidation(err) {
		t.Errorf("missing uri: err = %v", err)
	}
}
