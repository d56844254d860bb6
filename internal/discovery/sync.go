package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snapetech/xcdiscovery/internal/catalog"
	"github.com/snapetech/xcdiscovery/internal/indexer"
)

// XCSource is the upstream side of an XC sync; *indexer.XCClient implements it.
type XCSource interface {
	LiveCategories(ctx context.Context) ([]catalog.Record, error)
	LiveStreams(ctx context.Context) ([]catalog.Record, error)
	StreamURL(streamID string) string
}

// Counts tallies outcomes of one category.
type Counts struct {
	Stored   int `json:"stored"`
	Updated  int `json:"updated"`
	Rejected int `json:"rejected"`
}

func (c *Counts) add(outs []Outcome) {
	for _, o := range outs {
		switch o.Status {
		case Stored:
			c.Stored++
		case Updated:
			c.Updated++
		case Rejected:
			c.Rejected++
		}
	}
}

// SyncReport summarizes one sync run.
type SyncReport struct {
	RunID      string             `json:"run_id"`
	Source     string             `json:"source"`
	Started    time.Time          `json:"started"`
	Finished   time.Time          `json:"finished"`
	Categories map[string]*Counts `json:"categories"`
}

func newReport(source string) *SyncReport {
	return &SyncReport{
		RunID:  uuid.NewString(),
		Source: source,
		// Wall clock, not the engine clock: this times the run itself.
		Started: time.Now(),
		Categories: map[string]*Counts{
			catalog.CategoryGroupKind: {},
			catalog.ChannelKind:       {},
			catalog.StreamKind:        {},
		},
	}
}

func (r *SyncReport) log(l zerolog.Logger, err error) {
	r.Finished = time.Now()
	ev := l.Info()
	if err != nil {
		ev = l.Error().Err(err)
	}
	for cat, c := range r.Categories {
		ev = ev.Dict(cat, zerolog.Dict().Int("stored", c.Stored).Int("updated", c.Updated).Int("rejected", c.Rejected))
	}
	ev.Dur("took", r.Finished.Sub(r.Started)).Msg("sync finished")
}

// SyncXC discovers the live catalog of an XC panel: categories become
// category groups, live streams become channels under the group their
// category_id maps to, and each channel gets its playback URL as a stream.
func (e *Engine) SyncXC(ctx context.Context, src XCSource) (rep *SyncReport, err error) {
	rep = newReport("xc")
	log := e.log.With().Str("run_id", rep.RunID).Str("source", rep.Source).Logger()
	defer func() {
		e.metrics.observeSync(rep.Source, err)
		rep.log(log, err)
	}()
	xc := indexer.NewXC(e.schema, e.now)

	cats, err := src.LiveCategories(ctx)
	if err != nil {
		return rep, fmt.Errorf("sync xc: categories: %w", err)
	}
	outs, err := e.Discover(ctx, xc.CategoryGroups(), cats, "")
	rep.Categories[catalog.CategoryGroupKind].add(outs)
	if err != nil {
		return rep, fmt.Errorf("sync xc: category groups: %w", err)
	}
	groupByXCID := make(map[string]string, len(cats))
	for i, raw := range cats {
		if ok(outs[i]) {
			groupByXCID[catalog.Text(raw["category_id"])] = outs[i].ID
		}
	}

	live, err := src.LiveStreams(ctx)
	if err != nil {
		return rep, fmt.Errorf("sync xc: live streams: %w", err)
	}
	chanRaws := make([]catalog.Record, len(live))
	for i, raw := range live {
		r := raw.Clone()
		if g := groupByXCID[catalog.Text(raw["category_id"])]; g != "" {
			r[catalog.FieldCategoryGroupID] = g
		}
		chanRaws[i] = r
	}
	outs, err = e.Discover(ctx, xc.Channels(), chanRaws, "")
	rep.Categories[catalog.ChannelKind].add(outs)
	if err != nil {
		return rep, fmt.Errorf("sync xc: channels: %w", err)
	}

	var streamRaws []catalog.Record
	for i, raw := range live {
		sid := strings.TrimSpace(catalog.Text(raw["stream_id"]))
		if !ok(outs[i]) || sid == "" {
			continue
		}
		streamRaws = append(streamRaws, catalog.Record{
			catalog.FieldURL:           src.StreamURL(sid),
			catalog.FieldMetaChannelID: outs[i].ID,
			catalog.FieldStatus:        xcStreamStatus(raw, sid),
		})
	}
	outs, err = e.Discover(ctx, xc.Streams(), streamRaws, "")
	rep.Categories[catalog.StreamKind].add(outs)
	if err != nil {
		return rep, fmt.Errorf("sync xc: streams: %w", err)
	}
	return rep, nil
}

// xcStatusFields are copied from a get_live_streams object into the stream
// status blob.
var xcStatusFields = []string{"stream_type", "stream_icon", "tv_archive", "tv_archive_duration", "added", "custom_sid"}

func xcStreamStatus(raw catalog.Record, sid string) map[string]any {
	st := map[string]any{"source": "xc", "stream_id": sid}
	for _, f := range xcStatusFields {
		if v, ok := raw[f]; ok && v != nil && catalog.Text(v) != "" {
			st[f] = v
		}
	}
	return st
}

// SyncM3U discovers a playlist: each group-title (or defaultGroup) becomes a
// category group, each entry a channel under it, and the entry URI a stream.
func (e *Engine) SyncM3U(ctx context.Context, entries []indexer.M3UEntry, defaultGroup string) (rep *SyncReport, err error) {
	rep = newReport("m3u")
	log := e.log.With().Str("run_id", rep.RunID).Str("source", rep.Source).Logger()
	defer func() {
		e.metrics.observeSync(rep.Source, err)
		rep.log(log, err)
	}()
	if strings.TrimSpace(defaultGroup) == "" {
		defaultGroup = "Uncategorized"
	}
	xc := indexer.NewXC(e.schema, e.now)

	groupOf := func(en indexer.M3UEntry) string {
		return firstNonEmpty(en.GroupTitle, defaultGroup)
	}
	var groupRaws []catalog.Record
	seen := make(map[string]bool)
	for _, en := range entries {
		g := groupOf(en)
		if seen[g] {
			continue
		}
		seen[g] = true
		groupRaws = append(groupRaws, catalog.Record{"category_name": g})
	}
	outs, err := e.Discover(ctx, xc.CategoryGroups(), groupRaws, "")
	rep.Categories[catalog.CategoryGroupKind].add(outs)
	if err != nil {
		return rep, fmt.Errorf("sync m3u: category groups: %w", err)
	}
	groupID := make(map[string]string, len(groupRaws))
	for i, raw := range groupRaws {
		if ok(outs[i]) {
			groupID[raw.String("category_name")] = outs[i].ID
		}
	}

	chanRaws := make([]catalog.Record, len(entries))
	for i, en := range entries {
		r := catalog.Record{"name": en.DisplayName()}
		if en.TVGName != "" {
			r["tvg_name"] = en.TVGName
		}
		if en.TVGID != "" {
			r["epg_channel_id"] = en.TVGID
		}
		if g := groupID[groupOf(en)]; g != "" {
			r[catalog.FieldCategoryGroupID] = g
		}
		chanRaws[i] = r
	}
	outs, err = e.Discover(ctx, xc.Channels(), chanRaws, "")
	rep.Categories[catalog.ChannelKind].add(outs)
	if err != nil {
		return rep, fmt.Errorf("sync m3u: channels: %w", err)
	}

	var streamRaws []catalog.Record
	for i, en := range entries {
		if !ok(outs[i]) {
			continue
		}
		r := en.Raw()
		r[catalog.FieldMetaChannelID] = outs[i].ID
		streamRaws = append(streamRaws, r)
	}
	outs, err = e.Discover(ctx, indexer.M3UStreams(e.now), streamRaws, "")
	rep.Categories[catalog.StreamKind].add(outs)
	if err != nil {
		return rep, fmt.Errorf("sync m3u: streams: %w", err)
	}
	return rep, nil
}

func ok(o Outcome) bool {
	return o.Status == Stored || o.Status == Updated
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
