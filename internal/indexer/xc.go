package indexer

import (
	"strings"
	"time"

	"github.com/snapetech/xcdiscovery/internal/canonical"
	"github.com/snapetech/xcdiscovery/internal/catalog"
	"github.com/snapetech/xcdiscovery/internal/schema"
)

// Normalizer turns one raw upstream object into a candidate record of Kind.
// parent is the caller-resolved parent id, or "" to fall back to the raw
// object's own parent-reference field. A malformed raw object yields a
// *catalog.ValidationError; normalizers never touch shared state.
type Normalizer interface {
	Kind() string
	Normalize(raw catalog.Record, parent string) (catalog.Record, error)
}

type normalizerFunc struct {
	kind string
	fn   func(raw catalog.Record, parent string) (catalog.Record, error)
}

func (n normalizerFunc) Kind() string { return n.kind }

func (n normalizerFunc) Normalize(raw catalog.Record, parent string) (catalog.Record, error) {
	return n.fn(raw, parent)
}

// XC builds candidates from Xtream Codes player_api objects.
type XC struct {
	schema *schema.Registry
	now    func() time.Time
}

// NewXC returns XC normalizers backed by reg. now defaults to time.Now.
func NewXC(reg *schema.Registry, now func() time.Time) *XC {
	if now == nil {
		now = time.Now
	}
	return &XC{schema: reg, now: now}
}

// CategoryGroups normalizes get_live_categories entries.
func (x *XC) CategoryGroups() Normalizer {
	return normalizerFunc{kind: catalog.CategoryGroupKind, fn: x.categoryGroup}
}

// Channels normalizes get_live_streams entries into meta-channels.
func (x *XC) Channels() Normalizer {
	return normalizerFunc{kind: catalog.ChannelKind, fn: x.channel}
}

// Streams normalizes playable stream objects ({url, meta_channel_id, status}).
func (x *XC) Streams() Normalizer {
	return normalizerFunc{kind: catalog.StreamKind, fn: x.stream}
}

func (x *XC) categoryGroup(raw catalog.Record, _ string) (catalog.Record, error) {
	kind := catalog.CategoryGroupKind
	name, err := x.displayName(kind, raw)
	if err != nil {
		return nil, err
	}
	id, err := canonical.ID(name)
	if err != nil {
		return nil, err
	}
	ids, err := x.identifiers(kind, raw)
	if err != nil {
		return nil, err
	}
	ts := catalog.FormatTime(x.now())
	return catalog.Record{
		catalog.FieldCategoryGroupID: id,
		catalog.FieldDisplayName:     name,
		catalog.FieldIdentifiers:     ids,
		catalog.FieldFirstSeen:       ts,
		catalog.FieldLastSeen:        ts,
		catalog.FieldInclude:         true,
	}, nil
}

func (x *XC) channel(raw catalog.Record, parent string) (catalog.Record, error) {
	kind := catalog.ChannelKind
	parent = firstNonEmpty(parent, catalog.Text(raw[catalog.FieldCategoryGroupID]))
	if parent == "" {
		return nil, &catalog.ValidationError{Category: kind, Reason: "no parent category_group_id"}
	}
	name, err := x.displayName(kind, raw)
	if err != nil {
		return nil, err
	}
	id, err := canonical.ID(name)
	if err != nil {
		return nil, err
	}
	ids, err := x.identifiers(kind, raw)
	if err != nil {
		return nil, err
	}
	ts := catalog.FormatTime(x.now())
	return catalog.Record{
		catalog.FieldMetaChannelID:   id,
		catalog.FieldDisplayName:     name,
		catalog.FieldCategoryGroupID: parent,
		catalog.FieldIdentifiers:     ids,
		catalog.FieldFirstSeen:       ts,
		catalog.FieldLastSeen:        ts,
		catalog.FieldInclude:         true,
	}, nil
}

func (x *XC) stream(raw catalog.Record, parent string) (catalog.Record, error) {
	kind := catalog.StreamKind
	parent = firstNonEmpty(parent, catalog.Text(raw[catalog.FieldMetaChannelID]))
	if parent == "" {
		return nil, &catalog.ValidationError{Category: kind, Reason: "no parent meta_channel_id"}
	}
	u := strings.TrimSpace(catalog.Text(raw[catalog.FieldURL]))
	if u == "" {
		return nil, &catalog.ValidationError{Category: kind, Reason: "empty url"}
	}
	ts := catalog.FormatTime(x.now())
	return catalog.Record{
		catalog.FieldURL:           u,
		catalog.FieldMetaChannelID: parent,
		catalog.FieldStatus:        statusBlob(raw[catalog.FieldStatus]),
		catalog.FieldFirstSeen:     ts,
		catalog.FieldLastSeen:      ts,
		catalog.FieldInclude:       true,
	}, nil
}

// displayName returns the first present id-source field of raw.
func (x *XC) displayName(kind string, raw catalog.Record) (string, error) {
	fields, err := x.schema.IDSourceFields(kind)
	if err != nil {
		return "", err
	}
	for _, f := range fields {
		if v := strings.TrimSpace(catalog.Text(raw[f])); v != "" {
			return v, nil
		}
	}
	return "", &catalog.ValidationError{Category: kind, Reason: "no display name source", Missing: fields}
}

// identifiers collects every present canbeid/canbeidentifier raw field in
// declared order. The result is never nil so the stored field is a JSON array.
func (x *XC) identifiers(kind string, raw catalog.Record) ([]catalog.Identifier, error) {
	def, err := x.schema.Category(kind)
	if err != nil {
		return nil, err
	}
	ids := []catalog.Identifier{}
	for _, f := range def.Fields {
		if !f.CanBeID && !f.CanBeIdentifier {
			continue
		}
		v := strings.TrimSpace(catalog.Text(raw[f.Name]))
		if v == "" {
			continue
		}
		ids = append(ids, catalog.Identifier{Field: f.Name, Value: v})
	}
	return ids, nil
}

func statusBlob(v any) any {
	if v == nil {
		return map[string]any{}
	}
	return v
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
