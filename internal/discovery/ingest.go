package discovery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/snapetech/xcdiscovery/internal/catalog"
	"github.com/snapetech/xcdiscovery/internal/indexer"
)

// errMatchUnstable rejects a candidate whose match kept resolving to records
// held by concurrent ingestions.
var errMatchUnstable = errors.New("match target changed on every attempt")

// Ingest validates, deduplicates and upserts one candidate of category.
//
// A candidate that fails validation (field set, empty id, unresolved parent)
// comes back as a Rejected outcome with a nil error. A *catalog.SchemaError or
// *catalog.StoreError is returned as the error: the system, not the data, is
// broken and the caller should stop.
func (e *Engine) Ingest(ctx context.Context, category string, cand catalog.Record) (Outcome, error) {
	start := time.Now()
	out, err := e.ingest(ctx, category, cand)
	if err != nil {
		e.log.Error().Err(err).Str("category", category).Msg("ingest aborted")
		return out, err
	}
	e.metrics.observeIngest(category, out.Status, time.Since(start))
	switch out.Status {
	case Stored, Updated:
		e.log.Info().Str("category", category).Str("id", out.ID).Str("status", out.Status.String()).Msg("discovered")
	case Rejected:
		e.log.Error().Err(out.Reason).Str("category", category).Str("id", out.ID).Msg("rejected")
	}
	return out, nil
}

func (e *Engine) ingest(ctx context.Context, category string, cand catalog.Record) (Outcome, error) {
	out := Outcome{Category: category}
	idField, err := e.schema.CanonicalIDField(category)
	if err != nil {
		return out, err
	}
	fields, err := e.schema.FieldNames(category)
	if err != nil {
		return out, err
	}
	if cand == nil {
		return reject(out, &catalog.ValidationError{Category: category, Reason: "nil candidate"}), nil
	}
	out.ID = strings.TrimSpace(catalog.Text(cand[idField]))
	if err := catalog.ValidateFieldSet(category, cand, fields); err != nil {
		return reject(out, err), nil
	}
	if out.ID == "" {
		return reject(out, &catalog.ValidationError{Category: category, Reason: "empty " + idField}), nil
	}
	if err := e.checkParents(ctx, category, cand); err != nil {
		if catalog.IsValidation(err) {
			return reject(out, err), nil
		}
		return out, err
	}

	keys := e.lockKeys(category, out.ID, cand)
	for attempt := 0; attempt <= e.maxRematch; attempt++ {
		unlock, err := e.locks.LockAll(ctx, keys...)
		if err != nil {
			return out, err
		}
		merged, existing, err := e.dedup.Match(ctx, category, cand)
		if err != nil {
			unlock()
			return out, err
		}
		if existing != nil {
			target := idKey(category, catalog.Text(existing[idField]))
			if !containsKey(keys, target) {
				// Matched a record another ingestion may be writing; take its
				// lock too and look again.
				unlock()
				keys = append(keys, target)
				e.log.Debug().Str("category", category).Str("id", out.ID).Str("match", catalog.Text(existing[idField])).Msg("rematch under wider lock")
				continue
			}
			out, err = e.update(ctx, category, idField, merged, existing, out)
			unlock()
			return out, err
		}
		out, err = e.insert(ctx, category, fields, cand, out)
		unlock()
		return out, err
	}
	return reject(out, errMatchUnstable), nil
}

func (e *Engine) update(ctx context.Context, category, idField string, merged, existing catalog.Record, out Outcome) (Outcome, error) {
	storedID := catalog.Text(existing[idField])
	now := catalog.FormatTime(e.now())
	stored, err := e.schema.FieldNames(category)
	if err != nil {
		return out, err
	}
	if _, ok := stored[catalog.FieldLastSeen]; ok {
		merged[catalog.FieldLastSeen] = now
	}
	allow, hasAllow, err := e.schema.UpdateAllowList(category)
	if err != nil {
		return out, err
	}
	write := make(catalog.Record, len(merged))
	for f, v := range merged {
		if f == idField {
			continue
		}
		if _, ok := stored[f]; !ok {
			continue
		}
		if _, ok := allow[f]; hasAllow && !ok && f != catalog.FieldLastSeen {
			continue
		}
		write[f] = v
	}
	e.log.Debug().Str("category", category).Str("candidate", out.ID).Str("match", storedID).Strs("fields", fieldNames(write)).Msg("merge")
	n, err := e.store.Update(ctx, category, write, catalog.Predicate{idField: storedID})
	if err != nil {
		return out, storeErr("update", category, err)
	}
	if n == 0 {
		return out, &catalog.StoreError{Op: "update", Category: category, Err: errors.New("matched record " + storedID + " vanished")}
	}
	out.Status = Updated
	out.ID = storedID
	return out, nil
}

func (e *Engine) insert(ctx context.Context, category string, fields map[string]struct{}, cand catalog.Record, out Outcome) (Outcome, error) {
	rec := cand.Clone()
	now := catalog.FormatTime(e.now())
	for _, f := range []string{catalog.FieldFirstSeen, catalog.FieldLastSeen} {
		if _, ok := fields[f]; ok {
			rec[f] = now
		}
	}
	if err := catalog.ValidateFieldSet(category, rec, fields); err != nil {
		return reject(out, err), nil
	}
	if _, err := e.store.Insert(ctx, category, rec); err != nil {
		return out, storeErr("insert", category, err)
	}
	out.Status = Stored
	return out, nil
}

// checkParents rejects cand when a parent-reference field is empty or names a
// parent record that does not exist.
func (e *Engine) checkParents(ctx context.Context, category string, cand catalog.Record) error {
	parents, err := e.schema.ParentFields(category)
	if err != nil {
		return err
	}
	for field, parentCat := range parents {
		pid := strings.TrimSpace(catalog.Text(cand[field]))
		if pid == "" {
			return &catalog.ValidationError{Category: category, Reason: "empty parent reference " + field}
		}
		parentID, err := e.schema.CanonicalIDField(parentCat)
		if err != nil {
			return err
		}
		_, err = e.store.Get(ctx, parentCat, catalog.Predicate{parentID: pid})
		if catalog.IsNotFound(err) {
			return &catalog.ValidationError{Category: category, Reason: "unresolved parent " + parentCat + " " + pid}
		}
		if err != nil {
			return storeErr("get", parentCat, err)
		}
	}
	return nil
}

// lockKeys covers the candidate's id and every identifier it could match on,
// so two candidates that would collide on either serialize.
func (e *Engine) lockKeys(category, id string, cand catalog.Record) []string {
	keys := []string{idKey(category, id)}
	for _, ident := range cand.Identifiers() {
		if catalog.NormValue(ident.Value) == "" {
			continue
		}
		keys = append(keys, identKey(category, ident, e.policy == MatchPair))
	}
	return keys
}

func containsKey(keys []string, k string) bool {
	for _, have := range keys {
		if have == k {
			return true
		}
	}
	return false
}

func reject(out Outcome, reason error) Outcome {
	out.Status = Rejected
	out.Reason = reason
	return out
}

// IngestAll ingests candidates of one category. Rejections do not stop the
// batch; a hard error does and is returned together with the outcomes
// gathered so far, in input order.
func (e *Engine) IngestAll(ctx context.Context, category string, cands []catalog.Record) ([]Outcome, error) {
	return e.each(ctx, len(cands), func(ctx context.Context, i int) (Outcome, error) {
		return e.Ingest(ctx, category, cands[i])
	})
}

// Discover normalizes each raw object with n and ingests the result. A raw
// object the normalizer rejects is reported as a Rejected outcome.
func (e *Engine) Discover(ctx context.Context, n indexer.Normalizer, raws []catalog.Record, parent string) ([]Outcome, error) {
	category := n.Kind()
	return e.each(ctx, len(raws), func(ctx context.Context, i int) (Outcome, error) {
		cand, err := n.Normalize(raws[i], parent)
		if err != nil {
			if !catalog.IsValidation(err) {
				return Outcome{Category: category}, err
			}
			out := reject(Outcome{Category: category}, err)
			e.metrics.observeIngest(category, Rejected, 0)
			e.log.Error().Err(err).Str("category", category).Int("index", i).Msg("rejected by normalizer")
			return out, nil
		}
		return e.Ingest(ctx, category, cand)
	})
}

func (e *Engine) each(ctx context.Context, n int, fn func(context.Context, int) (Outcome, error)) ([]Outcome, error) {
	outs := make([]Outcome, n)
	if e.workers <= 1 || n <= 1 {
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return compact(outs), err
			}
			out, err := fn(ctx, i)
			if err != nil {
				return compact(outs), err
			}
			outs[i] = out
		}
		return outs, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	var mu sync.Mutex
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := fn(gctx, i)
			if err != nil {
				return err
			}
			mu.Lock()
			outs[i] = out
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return compact(outs), err
	}
	return outs, nil
}

// compact drops the slots of candidates that were never processed.
func compact(outs []Outcome) []Outcome {
	kept := outs[:0]
	for _, o := range outs {
		if o.Status != 0 {
			kept = append(kept, o)
		}
	}
	return kept
}
