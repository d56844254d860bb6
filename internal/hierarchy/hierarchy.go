// Package hierarchy joins stored category group, channel and stream records
// into the nested catalog tree.
package hierarchy

import (
	"encoding/json"

	"github.com/snapetech/xcdiscovery/internal/catalog"
)

// Build attaches channels to their category group and streams to their
// channel. Children whose parent id has no match are left out of the tree.
// Groups keep their input order, as do children under each parent.
func Build(categories, channels, streams []catalog.Record) []catalog.CategoryGroup {
	chByGroup := indexChannels(channels, streams)
	out := make([]catalog.CategoryGroup, 0, len(categories))
	for _, rec := range categories {
		g := toGroup(rec)
		g.Channels = chByGroup[g.CategoryGroupID]
		if g.Channels == nil {
			g.Channels = []catalog.Channel{}
		}
		out = append(out, g)
	}
	return out
}

// BuildOne is Build restricted to the group with the given id.
func BuildOne(id string, categories, channels, streams []catalog.Record) (catalog.CategoryGroup, bool) {
	for _, rec := range categories {
		if rec.String(catalog.FieldCategoryGroupID) != id {
			continue
		}
		tree := Build([]catalog.Record{rec}, channels, streams)
		return tree[0], true
	}
	return catalog.CategoryGroup{}, false
}

// Stats counts the channels and streams under g.
func Stats(g catalog.CategoryGroup) (channels, streams int) {
	for _, ch := range g.Channels {
		streams += len(ch.Streams)
	}
	return len(g.Channels), streams
}

func indexChannels(channels, streams []catalog.Record) map[string][]catalog.Channel {
	stByChannel := make(map[string][]catalog.Stream, len(channels))
	for _, rec := range streams {
		s := toStream(rec)
		stByChannel[s.MetaChannelID] = append(stByChannel[s.MetaChannelID], s)
	}
	chByGroup := make(map[string][]catalog.Channel)
	for _, rec := range channels {
		ch := toChannel(rec)
		ch.Streams = stByChannel[ch.MetaChannelID]
		if ch.Streams == nil {
			ch.Streams = []catalog.Stream{}
		}
		chByGroup[ch.CategoryGroupID] = append(chByGroup[ch.CategoryGroupID], ch)
	}
	return chByGroup
}

func include(rec catalog.Record) bool {
	b, _ := rec[catalog.FieldInclude].(bool)
	return b
}

func toGroup(rec catalog.Record) catalog.CategoryGroup {
	return catalog.CategoryGroup{
		CategoryGroupID: rec.String(catalog.FieldCategoryGroupID),
		DisplayName:     rec.String(catalog.FieldDisplayName),
		Identifiers:     rec.Identifiers(),
		FirstSeen:       rec.String(catalog.FieldFirstSeen),
		LastSeen:        rec.String(catalog.FieldLastSeen),
		Include:         include(rec),
	}
}

func toChannel(rec catalog.Record) catalog.Channel {
	return catalog.Channel{
		MetaChannelID:   rec.String(catalog.FieldMetaChannelID),
		DisplayName:     rec.String(catalog.FieldDisplayName),
		CategoryGroupID: rec.String(catalog.FieldCategoryGroupID),
		Identifiers:     rec.Identifiers(),
		FirstSeen:       rec.String(catalog.FieldFirstSeen),
		LastSeen:        rec.String(catalog.FieldLastSeen),
		Include:         include(rec),
	}
}

func toStream(rec catalog.Record) catalog.Stream {
	s := catalog.Stream{
		MetaChannelID: rec.String(catalog.FieldMetaChannelID),
		URL:           rec.String(catalog.FieldURL),
		FirstSeen:     rec.String(catalog.FieldFirstSeen),
		LastSeen:      rec.String(catalog.FieldLastSeen),
		Include:       include(rec),
	}
	if v, ok := rec[catalog.FieldStatus]; ok && v != nil {
		if raw, err := json.Marshal(v); err == nil {
			s.Status = raw
		}
	}
	return s
}
