package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Predicate is a conjunction of field-equality tests. An empty predicate
// matches every record in the category.
type Predicate map[string]any

// Matches reports whether rec satisfies every equality in p. Values compare
// by their JSON encoding, so 1 and 1.0 are equal and a nil value matches an
// absent or null field.
func (p Predicate) Matches(rec Record) bool {
	for field, want := range p {
		got, ok := rec[field]
		if want == nil {
			if ok && got != nil {
				return false
			}
			continue
		}
		if !ok || !jsonEqual(got, want) {
			return false
		}
	}
	return true
}

func (p Predicate) String() string {
	if len(p) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, p[k]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func jsonEqual(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

// Store is the per-category table abstraction the discovery engine persists
// through. Implementations wrap backend failures in *StoreError and report a
// Get miss as *NotFoundError.
type Store interface {
	Get(ctx context.Context, category string, p Predicate) (Record, error)
	Search(ctx context.Context, category string, p Predicate) ([]Record, error)
	Insert(ctx context.Context, category string, rec Record) (int64, error)
	Update(ctx context.Context, category string, fields Record, p Predicate) (int, error)
	Remove(ctx context.Context, category string, p Predicate) (int, error)
}

// MatchQuery is the dedup predicate: a stored record matches when any Fields
// entry equals the stored field (trimmed, case-insensitive) or when any
// candidate identifier equals a stored identifier. With Pairs set the
// identifier comparison uses the (field, value) pair instead of the value alone.
type MatchQuery struct {
	Fields      map[string]string
	Identifiers []Identifier
	Pairs       bool
}

// Empty reports whether q can never match anything.
func (q MatchQuery) Empty() bool {
	for _, v := range q.Fields {
		if NormValue(v) != "" {
			return false
		}
	}
	for _, id := range q.Identifiers {
		if NormValue(id.Value) != "" {
			return false
		}
	}
	return true
}

// MatchRecord evaluates q against rec.
func MatchRecord(rec Record, q MatchQuery) bool {
	for field, v := range q.Fields {
		nv := NormValue(v)
		if nv == "" {
			continue
		}
		if NormValue(rec[field]) == nv {
			return true
		}
	}
	if len(q.Identifiers) == 0 {
		return false
	}
	stored := rec.Identifiers()
	for _, want := range q.Identifiers {
		wv := NormValue(want.Value)
		if wv == "" {
			continue
		}
		wf := NormValue(want.Field)
		for _, got := range stored {
			if NormValue(got.Value) != wv {
				continue
			}
			if q.Pairs && NormValue(got.Field) != wf {
				continue
			}
			return true
		}
	}
	return false
}

// Matcher is implemented by stores that evaluate a MatchQuery natively. It
// returns the first matching record or *NotFoundError.
type Matcher interface {
	FindMatch(ctx context.Context, category string, q MatchQuery) (Record, error)
}
