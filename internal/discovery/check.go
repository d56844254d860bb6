package discovery

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/snapetech/xcdiscovery/internal/catalog"
)

// StreamChecker probes one stream URL; *indexer.StreamProber implements it.
type StreamChecker interface {
	Probe(ctx context.Context, streamURL string) error
}

// CheckOptions tunes CheckStreams.
type CheckOptions struct {
	Concurrency int           // default 10
	MaxAge      time.Duration // skip streams checked more recently than this; 0 checks all
}

// CheckReport tallies one CheckStreams run.
type CheckReport struct {
	Checked int `json:"checked"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// statusCheckKey holds the last probe result inside a stream's status blob.
const statusCheckKey = "check"

// CheckStreams probes every stored stream and records the result under
// status.check as {"ok", "at", "error"}, keeping the rest of the blob. A
// sync replaces the blob with fresh upstream metadata, so results last until
// the next sync or check. Streams removed while the run is in flight are
// skipped.
func (e *Engine) CheckStreams(ctx context.Context, c StreamChecker, opts CheckOptions) (CheckReport, error) {
	var rep CheckReport
	streams, err := e.search(ctx, catalog.StreamKind, nil)
	if err != nil {
		return rep, err
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}

	var mu sync.Mutex
	count := func(f func()) {
		mu.Lock()
		f()
		mu.Unlock()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for _, st := range streams {
		if opts.MaxAge > 0 && checkedSince(st, e.now().Add(-opts.MaxAge)) {
			count(func() { rep.Skipped++ })
			continue
		}
		g.Go(func() error {
			u := st.String(catalog.FieldURL)
			probeErr := c.Probe(gctx, u)
			if gctx.Err() != nil {
				return gctx.Err()
			}
			status := withCheck(st[catalog.FieldStatus], probeErr, e.now())
			_, err := e.UpdateStreamStatus(gctx, st.String(catalog.FieldMetaChannelID), u, status)
			if catalog.IsNotFound(err) {
				count(func() { rep.Skipped++ })
				return nil
			}
			if err != nil {
				return err
			}
			count(func() {
				rep.Checked++
				if probeErr == nil {
					rep.Passed++
				} else {
					rep.Failed++
				}
			})
			if probeErr != nil {
				e.log.Warn().Str("url", u).Str("meta_channel_id", st.String(catalog.FieldMetaChannelID)).Err(probeErr).Msg("stream check failed")
			}
			return nil
		})
	}
	err = g.Wait()
	e.log.Info().Int("checked", rep.Checked).Int("passed", rep.Passed).Int("failed", rep.Failed).Int("skipped", rep.Skipped).Msg("stream check finished")
	return rep, err
}

// withCheck returns a copy of status with the check result set. A status
// that is not an object is replaced.
func withCheck(status any, probeErr error, at time.Time) map[string]any {
	out := map[string]any{}
	if m, ok := status.(map[string]any); ok {
		for k, v := range m {
			out[k] = v
		}
	}
	check := map[string]any{"ok": probeErr == nil, "at": catalog.FormatTime(at)}
	if probeErr != nil {
		check["error"] = probeErr.Error()
	}
	out[statusCheckKey] = check
	return out
}

func checkedSince(st catalog.Record, since time.Time) bool {
	status, _ := st[catalog.FieldStatus].(map[string]any)
	check, _ := status[statusCheckKey].(map[string]any)
	ts, err := catalog.ParseTime(catalog.Text(check["at"]))
	return err == nil && !ts.Before(since)
}
