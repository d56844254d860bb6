// Package discovery is the ingestion engine: it validates normalized
// candidates against the schema, deduplicates them against the store and
// upserts them with first_seen / last_seen tracking. It also serves the read
// side (hierarchy) and the moderation writes.
package discovery

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapetech/xcdiscovery/internal/catalog"
	"github.com/snapetech/xcdiscovery/internal/hierarchy"
	"github.com/snapetech/xcdiscovery/internal/keylock"
	"github.com/snapetech/xcdiscovery/internal/schema"
)

// Status is the result tag of one ingestion attempt.
type Status int

const (
	Stored Status = iota + 1
	Updated
	Rejected
)

func (s Status) String() string {
	switch s {
	case Stored:
		return "stored"
	case Updated:
		return "updated"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// Outcome reports what Ingest did with one candidate. Reason is set for
// Rejected and is usually a *catalog.ValidationError.
type Outcome struct {
	Status   Status
	Category string
	ID       string
	Reason   error
}

// Options tune an Engine. The zero value is usable.
type Options struct {
	// Logger receives one INFO event per stored/updated record and one ERROR
	// event per rejection. The zero Logger discards everything.
	Logger zerolog.Logger
	// Now is the clock used for first_seen / last_seen. Defaults to time.Now.
	Now         func() time.Time
	MatchPolicy MatchPolicy
	Metrics     *Metrics
	// Workers > 1 lets IngestAll and Discover process candidates in parallel.
	Workers int
	// MaxRematch bounds how often Ingest re-locks after the match resolved to
	// a record it did not hold the lock for. Default 3.
	MaxRematch int
}

// Engine is the explicit context object of the pipeline: one store handle,
// one schema registry and the per-record locks. Safe for concurrent use.
type Engine struct {
	store      catalog.Store
	schema     *schema.Registry
	dedup      *Deduplicator
	log        zerolog.Logger
	now        func() time.Time
	policy     MatchPolicy
	metrics    *Metrics
	workers    int
	maxRematch int
	locks      *keylock.Locker
}

// New returns an Engine over store and reg.
func New(store catalog.Store, reg *schema.Registry, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MatchPolicy == "" {
		opts.MatchPolicy = MatchValue
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxRematch < 1 {
		opts.MaxRematch = 3
	}
	return &Engine{
		store:      store,
		schema:     reg,
		dedup:      NewDeduplicator(store, reg, opts.MatchPolicy),
		log:        opts.Logger,
		now:        opts.Now,
		policy:     opts.MatchPolicy,
		metrics:    opts.Metrics,
		workers:    opts.Workers,
		maxRematch: opts.MaxRematch,
		locks:      keylock.New(),
	}
}

// Schema returns the registry the engine validates against.
func (e *Engine) Schema() *schema.Registry { return e.schema }

// Store returns the underlying store.
func (e *Engine) Store() catalog.Store { return e.store }

// Metrics returns the engine's collectors (may be nil).
func (e *Engine) Metrics() *Metrics { return e.metrics }

// CategoryForAction maps an upstream API action to the category it yields.
func (e *Engine) CategoryForAction(action string) (string, bool) {
	return e.schema.CategoryForAction(action)
}

// FullHierarchy returns every stored category group with its channels and
// their streams attached.
func (e *Engine) FullHierarchy(ctx context.Context) ([]catalog.CategoryGroup, error) {
	cats, err := e.search(ctx, catalog.CategoryGroupKind, nil)
	if err != nil {
		return nil, err
	}
	chans, err := e.search(ctx, catalog.ChannelKind, nil)
	if err != nil {
		return nil, err
	}
	streams, err := e.search(ctx, catalog.StreamKind, nil)
	if err != nil {
		return nil, err
	}
	return hierarchy.Build(cats, chans, streams), nil
}

// CategoryHierarchy returns the subtree of one category group; ok is false
// when no group has that id.
func (e *Engine) CategoryHierarchy(ctx context.Context, id string) (group catalog.CategoryGroup, ok bool, err error) {
	idField, err := e.schema.CanonicalIDField(catalog.CategoryGroupKind)
	if err != nil {
		return group, false, err
	}
	root, err := e.store.Get(ctx, catalog.CategoryGroupKind, catalog.Predicate{idField: id})
	if catalog.IsNotFound(err) {
		return group, false, nil
	}
	if err != nil {
		return group, false, storeErr("get", catalog.CategoryGroupKind, err)
	}
	chans, err := e.search(ctx, catalog.ChannelKind, catalog.Predicate{catalog.FieldCategoryGroupID: id})
	if err != nil {
		return group, false, err
	}
	var streams []catalog.Record
	for _, ch := range chans {
		st, err := e.search(ctx, catalog.StreamKind, catalog.Predicate{catalog.FieldMetaChannelID: ch.String(catalog.FieldMetaChannelID)})
		if err != nil {
			return group, false, err
		}
		streams = append(streams, st...)
	}
	group, ok = hierarchy.BuildOne(id, []catalog.Record{root}, chans, streams)
	return group, ok, nil
}

// UpdateCategoryGroup applies a moderation edit (e.g. toggling include) to one
// category group. Only allow-listed fields may be written: an unknown field is a
// *catalog.SchemaError, a known but non-allow-listed one a
// *catalog.ValidationError, and a missing group a *catalog.NotFoundError.
func (e *Engine) UpdateCategoryGroup(ctx context.Context, id string, partial catalog.Record) (int, error) {
	return e.UpdateFields(ctx, catalog.CategoryGroupKind, id, partial)
}

// UpdateFields is UpdateCategoryGroup for any category. Without a declared
// allow-list every stored field except the id may be written.
func (e *Engine) UpdateFields(ctx context.Context, category, id string, partial catalog.Record) (int, error) {
	idField, err := e.schema.CanonicalIDField(category)
	if err != nil {
		return 0, err
	}
	stored, err := e.schema.FieldNames(category)
	if err != nil {
		return 0, err
	}
	allow, hasAllow, err := e.schema.UpdateAllowList(category)
	if err != nil {
		return 0, err
	}
	if len(partial) == 0 {
		return 0, &catalog.ValidationError{Category: category, Reason: "empty update"}
	}
	var denied []string
	for f := range partial {
		if _, ok := stored[f]; !ok {
			return 0, &catalog.SchemaError{Category: category, Field: f, Msg: "unknown field"}
		}
		_, allowed := allow[f]
		if f == idField || (hasAllow && !allowed) {
			denied = append(denied, f)
		}
	}
	if len(denied) > 0 {
		sort.Strings(denied)
		return 0, &catalog.ValidationError{Category: category, Reason: "fields not updatable", Extra: denied}
	}

	unlock, err := e.locks.Lock(ctx, idKey(category, id))
	if err != nil {
		return 0, err
	}
	defer unlock()
	pred := catalog.Predicate{idField: id}
	if _, err := e.store.Get(ctx, category, pred); err != nil {
		if catalog.IsNotFound(err) {
			return 0, err
		}
		return 0, storeErr("get", category, err)
	}
	n, err := e.store.Update(ctx, category, partial, pred)
	if err != nil {
		return 0, storeErr("update", category, err)
	}
	e.log.Info().Str("category", category).Str("id", id).Strs("fields", fieldNames(partial)).Msg("moderation update")
	return n, nil
}

// UpdateStreamStatus replaces the opaque status blob of one stream.
func (e *Engine) UpdateStreamStatus(ctx context.Context, metaChannelID, url string, status any) (int, error) {
	if status == nil {
		status = map[string]any{}
	}
	unlock, err := e.locks.Lock(ctx, idKey(catalog.StreamKind, url))
	if err != nil {
		return 0, err
	}
	defer unlock()
	pred := catalog.Predicate{catalog.FieldURL: url, catalog.FieldMetaChannelID: metaChannelID}
	n, err := e.store.Update(ctx, catalog.StreamKind, catalog.Record{catalog.FieldStatus: status}, pred)
	if err != nil {
		return 0, storeErr("update", catalog.StreamKind, err)
	}
	if n == 0 {
		return 0, &catalog.NotFoundError{Category: catalog.StreamKind, Predicate: pred}
	}
	e.log.Debug().Str("url", url).Msg("stream status updated")
	return n, nil
}

// PruneStale removes records of category whose last_seen is before cutoff.
// The scan takes no record lock; removal runs in batches of batchSize, each
// record re-checked and removed under its own lock. Records without a
// parseable last_seen are kept.
func (e *Engine) PruneStale(ctx context.Context, category string, cutoff time.Time, batchSize int) (int, error) {
	idField, err := e.schema.CanonicalIDField(category)
	if err != nil {
		return 0, err
	}
	if batchSize < 1 {
		batchSize = 100
	}
	all, err := e.search(ctx, category, nil)
	if err != nil {
		return 0, err
	}
	var stale []string
	for _, rec := range all {
		if isStale(rec, cutoff) {
			stale = append(stale, catalog.Text(rec[idField]))
		}
	}
	removed := 0
	for start := 0; start < len(stale); start += batchSize {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		end := min(start+batchSize, len(stale))
		for _, id := range stale[start:end] {
			n, err := e.pruneOne(ctx, category, idField, id, cutoff)
			if err != nil {
				return removed, err
			}
			removed += n
		}
		e.log.Debug().Str("category", category).Int("removed", removed).Int("candidates", len(stale)).Msg("prune batch")
	}
	e.metrics.observePrune(category, removed)
	if removed > 0 {
		e.log.Info().Str("category", category).Int("removed", removed).Time("cutoff", cutoff).Msg("pruned stale records")
	}
	return removed, nil
}

func (e *Engine) pruneOne(ctx context.Context, category, idField, id string, cutoff time.Time) (int, error) {
	unlock, err := e.locks.Lock(ctx, idKey(category, id))
	if err != nil {
		return 0, err
	}
	defer unlock()
	pred := catalog.Predicate{idField: id}
	rec, err := e.store.Get(ctx, category, pred)
	if catalog.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, storeErr("get", category, err)
	}
	if !isStale(rec, cutoff) {
		return 0, nil
	}
	n, err := e.store.Remove(ctx, category, pred)
	if err != nil {
		return 0, storeErr("remove", category, err)
	}
	return n, nil
}

func isStale(rec catalog.Record, cutoff time.Time) bool {
	ts, err := catalog.ParseTime(rec.String(catalog.FieldLastSeen))
	if err != nil {
		return false
	}
	return ts.Before(cutoff)
}

func (e *Engine) search(ctx context.Context, category string, p catalog.Predicate) ([]catalog.Record, error) {
	recs, err := e.store.Search(ctx, category, p)
	if err != nil {
		return nil, storeErr("search", category, err)
	}
	return recs, nil
}

func fieldNames(r catalog.Record) []string {
	out := make([]string, 0, len(r))
	for k := range r {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func idKey(category, id string) string {
	return keylock.Key(category, "id", catalog.NormValue(id))
}

func identKey(category string, id catalog.Identifier, pairs bool) string {
	if pairs {
		return keylock.Key(category, "ident", catalog.NormValue(id.Field), catalog.NormValue(id.Value))
	}
	return keylock.Key(category, "ident", catalog.NormValue(id.Value))
}
