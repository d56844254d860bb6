package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/snapetech/xcdiscovery/internal/catalog"
	"github.com/snapetech/xcdiscovery/internal/schema"
)

// MatchPolicy selects how candidate identifiers are compared with stored ones.
type MatchPolicy string

const (
	// MatchValue compares identifier values only.
	MatchValue MatchPolicy = "value"
	// MatchPair compares (field, value) pairs.
	MatchPair MatchPolicy = "pair"
)

// ParseMatchPolicy accepts "value", "pair" or "" (value).
func ParseMatchPolicy(s string) (MatchPolicy, error) {
	switch MatchPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", MatchValue:
		return MatchValue, nil
	case MatchPair:
		return MatchPair, nil
	}
	return "", fmt.Errorf("unknown identifier match policy %q (want value or pair)", s)
}

// Deduplicator finds the stored record a candidate refers to and merges the
// candidate into it.
type Deduplicator struct {
	store  catalog.Store
	schema *schema.Registry
	policy MatchPolicy
}

// NewDeduplicator returns a Deduplicator over store.
func NewDeduplicator(store catalog.Store, reg *schema.Registry, policy MatchPolicy) *Deduplicator {
	if policy == "" {
		policy = MatchValue
	}
	return &Deduplicator{store: store, schema: reg, policy: policy}
}

// Match looks up the stored record cand refers to. With a match it returns the
// merged record and the stored one; otherwise cand unchanged and a nil existing.
// Id-field equality is tried before identifier equality so a candidate whose
// id already exists never merges into a different record.
func (d *Deduplicator) Match(ctx context.Context, category string, cand catalog.Record) (merged, existing catalog.Record, err error) {
	fieldQ, idQ, err := d.queries(category, cand)
	if err != nil {
		return nil, nil, err
	}
	for _, q := range []catalog.MatchQuery{fieldQ, idQ} {
		if q.Empty() {
			continue
		}
		existing, err = d.find(ctx, category, q)
		if err != nil {
			return nil, nil, err
		}
		if existing != nil {
			break
		}
	}
	if existing == nil {
		return cand, nil, nil
	}
	insertOnly, err := d.schema.InsertOnlyFields(category)
	if err != nil {
		return nil, nil, err
	}
	return Merge(existing, cand, insertOnly), existing, nil
}

func (d *Deduplicator) queries(category string, cand catalog.Record) (fieldQ, idQ catalog.MatchQuery, err error) {
	fields, err := d.schema.MatchFields(category)
	if err != nil {
		return fieldQ, idQ, err
	}
	fieldQ.Fields = make(map[string]string, len(fields))
	for _, f := range fields {
		if v := catalog.Text(cand[f]); strings.TrimSpace(v) != "" {
			fieldQ.Fields[f] = v
		}
	}
	idQ.Identifiers = cand.Identifiers()
	idQ.Pairs = d.policy == MatchPair
	return fieldQ, idQ, nil
}

func (d *Deduplicator) find(ctx context.Context, category string, q catalog.MatchQuery) (catalog.Record, error) {
	if m, ok := d.store.(catalog.Matcher); ok {
		rec, err := m.FindMatch(ctx, category, q)
		if catalog.IsNotFound(err) {
			return nil, nil
		}
		if err != nil {
			return nil, storeErr("match", category, err)
		}
		return rec, nil
	}
	all, err := d.store.Search(ctx, category, nil)
	if err != nil {
		return nil, storeErr("search", category, err)
	}
	for _, rec := range all {
		if catalog.MatchRecord(rec, q) {
			return rec, nil
		}
	}
	return nil, nil
}

// Merge starts from existing and overwrites every field that is present and
// non-null in cand. Fields in insertOnly keep the stored value when there is one.
func Merge(existing, cand catalog.Record, insertOnly map[string]struct{}) catalog.Record {
	out := existing.Clone()
	if out == nil {
		out = catalog.Record{}
	}
	for k, v := range cand {
		if v == nil {
			continue
		}
		if _, keep := insertOnly[k]; keep && existing.Has(k) {
			continue
		}
		out[k] = v
	}
	return out
}

func storeErr(op, category string, err error) error {
	if catalog.IsStore(err) || catalog.IsSchema(err) {
		return err
	}
	return &catalog.StoreError{Op: op, Category: category, Err: err}
}
