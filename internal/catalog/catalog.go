// Package catalog holds the canonical catalog model (category group → channel →
// stream), the error taxonomy shared by the discovery engine, and the CatalogStore
// contract with an in-memory implementation.
package catalog

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Category names of the stock schema.
const (
	CategoryGroupKind = "category_group"
	ChannelKind       = "channel"
	StreamKind        = "stream"
)

// Field names shared by the stock schema and the hierarchy views.
const (
	FieldCategoryGroupID = "category_group_id"
	FieldMetaChannelID   = "meta_channel_id"
	FieldDisplayName     = "display_name"
	FieldIdentifiers     = "identifiers"
	FieldFirstSeen       = "first_seen"
	FieldLastSeen        = "last_seen"
	FieldInclude         = "include"
	FieldURL             = "url"
	FieldStatus          = "status"
)

// Record is a stored or candidate catalog object. Values are JSON-typed
// (string, bool, float64, nil, []any, map[string]any); candidates built by the
// normalizers may also carry []Identifier, which stores flatten on write.
type Record map[string]any

// Clone returns a deep copy of r normalized to JSON types.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		// Non-JSON values never reach a store; fall back to a shallow copy.
		out := make(Record, len(r))
		for k, v := range r {
			out[k] = v
		}
		return out
	}
	var out Record
	_ = json.Unmarshal(data, &out)
	return out
}

// String returns the string value of field, or "" when absent or not a string.
func (r Record) String(field string) string {
	s, _ := r[field].(string)
	return s
}

// Has reports whether field is present with a non-nil value.
func (r Record) Has(field string) bool {
	v, ok := r[field]
	return ok && v != nil
}

// Decode unmarshals r into v via JSON.
func (r Record) Decode(v any) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Identifier is a schema-declared (field, value) pair usable for dedup matching.
type Identifier struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// Identifiers returns the identifiers carried by r, whether they are typed
// ([]Identifier) or came back from a store as []any of objects.
func (r Record) Identifiers() []Identifier {
	switch v := r[FieldIdentifiers].(type) {
	case []Identifier:
		out := make([]Identifier, len(v))
		copy(out, v)
		return out
	case []any:
		out := make([]Identifier, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			id := Identifier{Field: valueString(m["field"]), Value: valueString(m["value"])}
			if id.Field == "" || id.Value == "" {
				continue
			}
			out = append(out, id)
		}
		return out
	}
	return nil
}

// TimeFormat is the layout used for first_seen / last_seen.
const TimeFormat = time.RFC3339Nano

// FormatTime renders t the way records store timestamps.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a stored timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeFormat, s)
}

// NormValue is the comparison form of a field value: trimmed and lowercased.
func NormValue(v any) string {
	return strings.ToLower(strings.TrimSpace(valueString(v)))
}

// Text renders a JSON scalar as text: strings as-is, integral numbers without
// a fraction, nil as "".
func Text(v any) string {
	return valueString(v)
}

func valueString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%g", x)
	case json.Number:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// CategoryGroup is the read view of a stored category group with its channels attached.
type CategoryGroup struct {
	CategoryGroupID string       `json:"category_group_id"`
	DisplayName     string       `json:"display_name"`
	Identifiers     []Identifier `json:"identifiers"`
	FirstSeen       string       `json:"first_seen"`
	LastSeen        string       `json:"last_seen"`
	Include         bool         `json:"include"`
	Channels        []Channel    `json:"channels"`
}

// Channel is the read view of a meta-channel with its streams attached.
type Channel struct {
	MetaChannelID   string       `json:"meta_channel_id"`
	DisplayName     string       `json:"display_name"`
	CategoryGroupID string       `json:"category_group_id"`
	Identifiers     []Identifier `json:"identifiers"`
	FirstSeen       string       `json:"first_seen"`
	LastSeen        string       `json:"last_seen"`
	Include         bool         `json:"include"`
	Streams         []Stream     `json:"streams"`
}

// Stream is a single playable URL under a channel. Status is opaque.
type Stream struct {
	MetaChannelID string          `json:"meta_channel_id"`
	URL           string          `json:"url"`
	Status        json.RawMessage `json:"status,omitempty"`
	FirstSeen     string          `json:"first_seen"`
	LastSeen      string          `json:"last_seen"`
	Include       bool            `json:"include"`
}
