package discovery

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapetech/xcdiscovery/internal/catalog"
)

type fakeChecker struct {
	fail  map[string]error
	calls atomic.Int32
}

func (f *fakeChecker) Probe(_ context.Context, u string) error {
	f.calls.Add(1)
	return f.fail[u]
}

func streamStatus(t *testing.T, h *harness, url string) map[string]any {
	t.Helper()
	rec, err := h.store.Get(context.Background(), catalog.StreamKind, catalog.Predicate{catalog.FieldURL: url})
	require.NoError(t, err)
	st, ok := rec[catalog.FieldStatus].(map[string]any)
	require.True(t, ok, "status %T", rec[catalog.FieldStatus])
	return st
}

func TestCheckStreams(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	seedTree(t, h)
	_, err := h.eng.UpdateStreamStatus(ctx, "bbc_one", "http://x/bbc1.ts", map[string]any{"source": "xc"})
	require.NoError(t, err)

	fc := &fakeChecker{fail: map[string]error{"http://y/bbc1.m3u8": errors.New("HTTP 404")}}
	rep, err := h.eng.CheckStreams(ctx, fc, CheckOptions{Concurrency: 2, MaxAge: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, CheckReport{Checked: 2, Passed: 1, Failed: 1}, rep)

	assert.Equal(t, map[string]any{
		"source": "xc",
		"check":  map[string]any{"ok": true, "at": catalog.FormatTime(t1)},
	}, streamStatus(t, h, "http://x/bbc1.ts"))
	assert.Equal(t, map[string]any{
		"check": map[string]any{"ok": false, "at": catalog.FormatTime(t1), "error": "HTTP 404"},
	}, streamStatus(t, h, "http://y/bbc1.m3u8"))
	assert.Equal(t, 1, h.levels(t)["warn"])

	// Fresh results are not probed again.
	rep, err = h.eng.CheckStreams(ctx, fc, CheckOptions{MaxAge: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, CheckReport{Skipped: 2}, rep)
	assert.EqualValues(t, 2, fc.calls.Load())

	h.clk.Set(t1.Add(2 * time.Hour))
	rep, err = h.eng.CheckStreams(ctx, fc, CheckOptions{MaxAge: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Checked)
}

func TestCheckStreams_canceled(t *testing.T) {
	h := newHarness(t, Options{})
	seedTree(t, h)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.eng.CheckStreams(ctx, &fakeChecker{}, CheckOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}
