package indexer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html/charset"

	"github.com/snapetech/xcdiscovery/internal/canonical"
	"github.com/snapetech/xcdiscovery/internal/catalog"
	"github.com/snapetech/xcdiscovery/internal/httpclient"
	"github.com/snapetech/xcdiscovery/internal/safeurl"
)

const maxLineSize = 1 << 20 // 1 MiB per line

// M3UEntry is one #EXTINF + URI pair of a playlist.
type M3UEntry struct {
	Title      string
	URL        string
	GroupTitle string
	TVGID      string
	TVGName    string
	Logo       string
	Attributes map[string]string
}

// DisplayName is the entry title, or the URI when the playlist gave none.
func (e M3UEntry) DisplayName() string {
	if t := strings.TrimSpace(e.Title); t != "" {
		return t
	}
	return e.URL
}

var extinfAttr = regexp.MustCompile(`([\w-]+)=(?:"([^"]*)"|([^\s,"]+))`)

// ParseM3U fetches the M3U from url and parses it in a streaming fashion. If client is nil, httpclient.Default() is used.
func ParseM3U(ctx context.Context, m3uURL string, client *http.Client) ([]M3UEntry, error) {
	if !safeurl.IsHTTPOrHTTPS(m3uURL) {
		return nil, fmt.Errorf("m3u: refusing non-http url %s", safeurl.RedactURL(m3uURL))
	}
	if client == nil {
		client = httpclient.Default()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m3uURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", httpclient.UserAgent)
	release, err := httpclient.GlobalHostSem.Acquire(ctx, m3uURL)
	if err != nil {
		return nil, err
	}
	defer release()
	resp, err := httpclient.DoWithRetry(ctx, client, req, httpclient.DefaultRetryPolicy)
	if err != nil {
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return nil, fmt.Errorf("m3u fetch %s: %w", safeurl.RedactURL(m3uURL), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errStatusCode(resp.StatusCode)
	}
	// Playlists from older panels are often Latin-1 without saying so in the body.
	body, err := charset.NewReader(resp.Body, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("m3u charset: %w", err)
	}
	return ParseM3UReader(body)
}

// ParseM3UBytes parses M3U from bytes (e.g. from file).
func ParseM3UBytes(data []byte) ([]M3UEntry, error) {
	return ParseM3UReader(bytes.NewReader(data))
}

// ParseM3UReader parses r line by line. An #EXTINF line is paired with the
// next http(s) URI; anything else in between drops the pending #EXTINF.
func ParseM3UReader(r io.Reader) ([]M3UEntry, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(nil, maxLineSize)
	var entries []M3UEntry
	var extinf, extgrp string
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "#EXTINF:"):
			extinf = line
			extgrp = ""
			continue
		case strings.HasPrefix(line, "#EXTGRP:"):
			extgrp = strings.TrimSpace(strings.TrimPrefix(line, "#EXTGRP:"))
			continue
		case strings.HasPrefix(line, "#"):
			continue
		}
		if !safeurl.IsHTTPOrHTTPS(line) {
			extinf, extgrp = "", ""
			continue
		}
		e := parseEXTINF(extinf)
		e.URL = line
		if e.GroupTitle == "" {
			e.GroupTitle = extgrp
		}
		entries = append(entries, e)
		extinf, extgrp = "", ""
	}
	if err := sc.Err(); err != nil {
		return entries, fmt.Errorf("m3u scan: %w", err)
	}
	return entries, nil
}

// parseEXTINF reads `#EXTINF:-1 key="value" ...,Title`. The title starts after
// the first comma outside a quoted attribute value.
func parseEXTINF(line string) M3UEntry {
	var e M3UEntry
	if line == "" {
		return e
	}
	body := strings.TrimPrefix(line, "#EXTINF:")
	inQuote := false
	comma := -1
	for i, c := range body {
		if c == '"' {
			inQuote = !inQuote
		}
		if c == ',' && !inQuote {
			comma = i
			break
		}
	}
	head := body
	if comma >= 0 {
		head = body[:comma]
		e.Title = strings.TrimSpace(body[comma+1:])
	}
	for _, m := range extinfAttr.FindAllStringSubmatch(head, -1) {
		key := strings.ToLower(m[1])
		val := m[2]
		if val == "" {
			val = m[3]
		}
		if e.Attributes == nil {
			e.Attributes = make(map[string]string)
		}
		e.Attributes[key] = val
		switch key {
		case "tvg-id":
			e.TVGID = val
		case "tvg-name":
			e.TVGName = val
		case "tvg-logo":
			e.Logo = val
		case "group-title":
			e.GroupTitle = val
		}
	}
	return e
}

// Raw renders the entry as a raw object for the M3U stream normalizer.
func (e M3UEntry) Raw() catalog.Record {
	raw := catalog.Record{
		"title":       e.DisplayName(),
		"url":         e.URL,
		"group_title": e.GroupTitle,
		"tvg_id":      e.TVGID,
		"tvg_name":    e.TVGName,
		"tvg_logo":    e.Logo,
	}
	if len(e.Attributes) > 0 {
		attrs := make(map[string]any, len(e.Attributes))
		for k, v := range e.Attributes {
			attrs[k] = v
		}
		raw["attributes"] = attrs
	}
	return raw
}

// M3UStreams normalizes playlist entries (see M3UEntry.Raw) into flat stream
// candidates. The entry's display name is kept in status.name; the parent is
// the caller's meta_channel_id, else a meta_channel_id on the raw object,
// else the slug of the display name.
func M3UStreams(now func() time.Time) Normalizer {
	if now == nil {
		now = time.Now
	}
	return normalizerFunc{kind: catalog.StreamKind, fn: func(raw catalog.Record, parent string) (catalog.Record, error) {
		u := strings.TrimSpace(catalog.Text(raw["url"]))
		if u == "" {
			return nil, &catalog.ValidationError{Category: catalog.StreamKind, Reason: "m3u entry without uri"}
		}
		name := firstNonEmpty(catalog.Text(raw["title"]), u)
		parent = firstNonEmpty(parent, catalog.Text(raw[catalog.FieldMetaChannelID]))
		if parent == "" {
			id, err := canonical.ID(name)
			if err != nil {
				return nil, err
			}
			parent = id
		}
		status := map[string]any{"name": name}
		for _, k := range []string{"group_title", "tvg_id", "tvg_name", "tvg_logo"} {
			if v := catalog.Text(raw[k]); v != "" {
				status[k] = v
			}
		}
		if attrs, ok := raw["attributes"]; ok && attrs != nil {
			status["attributes"] = attrs
		}
		ts := catalog.FormatTime(now())
		return catalog.Record{
			catalog.FieldURL:           u,
			catalog.FieldMetaChannelID: parent,
			catalog.FieldStatus:        status,
			catalog.FieldFirstSeen:     ts,
			catalog.FieldLastSeen:      ts,
			catalog.FieldInclude:       true,
		}, nil
	}}
}

type errStatusCode int

func (e errStatusCode) Error() string {
	return "unexpected status: " + strconv.Itoa(int(e))
}
