package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapetech/xcdiscovery/internal/catalog"
	"github.com/snapetech/xcdiscovery/internal/discovery"
	"github.com/snapetech/xcdiscovery/internal/indexer"
	"github.com/snapetech/xcdiscovery/internal/maintenance"
	"github.com/snapetech/xcdiscovery/internal/scheduler"
	"github.com/snapetech/xcdiscovery/internal/schema"
)

const playlist = `#EXTM3U
#EXTINF:-1 group-title="UK",BBC One
http://a.example/1.ts
#EXTINF:-1 group-title="UK",BBC One
http://b.example/1.ts
#EXTINF:-1 group-title="UK",ITV
http://a.example/2.ts
#EXTINF:-1 group-title="Sports",Sky Sports
http://a.example/3.ts
`

type fixture struct {
	srv   *httptest.Server
	eng   *discovery.Engine
	flag  *maintenance.Flag
	sched *scheduler.Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := schema.Default()
	require.NoError(t, err)
	promReg := prometheus.NewRegistry()
	eng := discovery.New(catalog.NewMemStore(), reg, discovery.Options{
		Now:     func() time.Time { return time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC) },
		Metrics: discovery.NewMetrics(promReg),
	})
	entries, err := indexer.ParseM3UBytes([]byte(playlist))
	require.NoError(t, err)
	_, err = eng.SyncM3U(context.Background(), entries, "")
	require.NoError(t, err)

	flag := maintenance.New(filepath.Join(t.TempDir(), "maintenance.flag"))
	sched, err := scheduler.New(context.Background(), zerolog.Nop(), func() bool { return !flag.Enabled() })
	require.NoError(t, err)
	t.Cleanup(func() { _ = sched.Stop() })

	s := &Server{Engine: eng, Maintenance: flag, Scheduler: sched, Gatherer: promReg, Log: zerolog.Nop()}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, eng: eng, flag: flag, sched: sched}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestHierarchy(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodGet, "/admin/api/hierarchy", "")
	require.Equal(t, http.StatusOK, code)
	var tree []catalog.CategoryGroup
	require.NoError(t, json.Unmarshal(body, &tree))
	require.Len(t, tree, 2)
	channels := map[string]int{}
	for _, g := range tree {
		channels[g.CategoryGroupID] = len(g.Channels)
	}
	assert.Equal(t, map[string]int{"uk": 2, "sports": 1}, channels)
}

func TestCategoryDetailAndToggle(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/admin/api/category/uk", "")
	require.Equal(t, http.StatusOK, code, string(body))
	var got struct {
		CategoryGroupID string `json:"category_group_id"`
		Include         bool   `json:"include"`
		Stats           struct {
			NumChannels int `json:"num_channels"`
			NumStreams  int `json:"num_streams"`
		} `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "uk", got.CategoryGroupID)
	assert.True(t, got.Include)
	assert.Equal(t, 2, got.Stats.NumChannels)
	assert.Equal(t, 3, got.Stats.NumStreams)

	code, body = f.do(t, http.MethodPost, "/admin/api/category/uk", `{"include": false}`)
	require.Equal(t, http.StatusOK, code, string(body))
	require.NoError(t, json.Unmarshal(body, &got))
	assert.False(t, got.Include)

	code, _ = f.do(t, http.MethodPost, "/admin/api/category/uk", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodPost, "/admin/api/category/uk", `not json`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodGet, "/admin/api/category/nope", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, http.MethodPost, "/admin/api/category/nope", `{"include": true}`)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestMaintenanceToggle(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodGet, "/admin/api/maintenance", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status": false}`, string(body))

	code, body = f.do(t, http.MethodPost, "/admin/api/maintenance", `{"enable": true}`)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"success": true, "status": true}`, string(body))
	assert.True(t, f.flag.Enabled())

	// Scheduled work is held back while the flag is set.
	require.NoError(t, f.sched.RegisterTask(scheduler.TaskConfig{ID: "refresh", Cron: "0 * * * *", Func: func(context.Context) error { return nil }}))
	code, _ = f.do(t, http.MethodPost, "/admin/api/tasks/refresh/run", "")
	assert.Equal(t, http.StatusConflict, code)

	code, body = f.do(t, http.MethodPost, "/admin/api/maintenance", `{"enable": false}`)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"success": true, "status": false}`, string(body))
	code, _ = f.do(t, http.MethodPost, "/admin/api/tasks/refresh/run", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestTasks(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sched.RegisterTask(scheduler.TaskConfig{ID: "prune", Cron: "30 3 * * *", Func: func(context.Context) error { return errors.New("boom") }}))
	code, _ := f.do(t, http.MethodPost, "/admin/api/tasks/prune/run", "")
	assert.Equal(t, http.StatusBadGateway, code)

	code, body := f.do(t, http.MethodGet, "/admin/api/tasks", "")
	require.Equal(t, http.StatusOK, code)
	var tasks []scheduler.TaskInfo
	require.NoError(t, json.Unmarshal(body, &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "boom", tasks[0].LastErr)
}

func TestAction(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodGet, "/admin/api/action/get_live_categories", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"action": "get_live_categories", "category": "category_group"}`, string(body))

	code, _ = f.do(t, http.MethodGet, "/admin/api/action/get_short_epg", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status": "ok", "maintenance": false}`, string(body))

	code, body = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `xcdiscovery_ingest_outcomes_total{category="stream",status="stored"} 4`)
	assert.Contains(t, string(body), `xcdiscovery_sync_runs_total{result="ok",source="m3u"} 1`)
}

func TestWriteError(t *testing.T) {
	s := &Server{Log: zerolog.Nop()}
	for _, tc := range []struct {
		err  error
		want int
	}{
		{&catalog.NotFoundError{Category: "channel"}, http.StatusNotFound},
		{&catalog.ValidationError{Category: "channel", Reason: "bad"}, http.StatusBadRequest},
		{&catalog.SchemaError{Category: "movie", Msg: "unknown category"}, http.StatusUnprocessableEntity},
		{&catalog.StoreError{Op: "get", Err: errors.New("disk")}, http.StatusInternalServerError},
		{errors.New("other"), http.StatusInternalServerError},
	} {
		rec := httptest.NewRecorder()
		s.writeError(rec, tc.err)
		assert.Equal(t, tc.want, rec.Code, tc.err.Error())
	}
}
