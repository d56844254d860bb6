// Package admin serves the moderation and inspection JSON API over the
// discovery engine: the hierarchy tree, per-category detail with an include
// toggle, the maintenance switch, action routing, scheduled tasks, metrics and
// a health probe.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snapetech/xcdiscovery/internal/catalog"
	"github.com/snapetech/xcdiscovery/internal/discovery"
	"github.com/snapetech/xcdiscovery/internal/health"
	"github.com/snapetech/xcdiscovery/internal/hierarchy"
	"github.com/snapetech/xcdiscovery/internal/maintenance"
	"github.com/snapetech/xcdiscovery/internal/scheduler"
)

// Server is the admin HTTP server. Scheduler and Gatherer are optional.
type Server struct {
	Addr        string
	Engine      *discovery.Engine
	Maintenance *maintenance.Flag
	Scheduler   *scheduler.Scheduler
	Gatherer    prometheus.Gatherer
	Log         zerolog.Logger
}

// Handler returns the chi router with every admin route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	if s.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/admin/api", func(r chi.Router) {
		r.Get("/hierarchy", s.handleHierarchy)
		r.Get("/category/{id}", s.handleCategory)
		r.Post("/category/{id}", s.handleCategoryUpdate)
		r.Get("/maintenance", s.handleMaintenance)
		r.Post("/maintenance", s.handleMaintenanceToggle)
		r.Get("/action/{action}", s.handleAction)
		r.Get("/tasks", s.handleTasks)
		r.Post("/tasks/{id}/run", s.handleTaskRun)
	})
	return r
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := s.Addr
	if addr == "" {
		addr = ":8089"
	}
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	serverErr := make(chan error, 1)
	go func() {
		s.Log.Info().Str("addr", addr).Msg("admin api listening")
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		s.Log.Info().Msg("shutting down admin api")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.Log.Warn().Err(err).Msg("admin api shutdown")
		}
		<-serverErr
		return nil
	}
}

// categoryView is the detail response: the subtree plus counts.
type categoryView struct {
	catalog.CategoryGroup
	Stats categoryStats `json:"stats"`
}

type categoryStats struct {
	NumChannels int `json:"num_channels"`
	NumStreams  int `json:"num_streams"`
}

func (s *Server) handleHierarchy(w http.ResponseWriter, r *http.Request) {
	tree, err := s.Engine.FullHierarchy(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

func (s *Server) handleCategory(w http.ResponseWriter, r *http.Request) {
	s.writeCategory(w, r, chi.URLParam(r, "id"))
}

func (s *Server) handleCategoryUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Include *bool `json:"include"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	if body.Include == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "include is required"})
		return
	}
	if _, err := s.Engine.UpdateCategoryGroup(r.Context(), id, catalog.Record{catalog.FieldInclude: *body.Include}); err != nil {
		s.writeError(w, err)
		return
	}
	// Re-read so the response reflects what is stored.
	s.writeCategory(w, r, id)
}

func (s *Server) writeCategory(w http.ResponseWriter, r *http.Request, id string) {
	g, ok, err := s.Engine.CategoryHierarchy(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "category not found"})
		return
	}
	channels, streams := hierarchy.Stats(g)
	writeJSON(w, http.StatusOK, categoryView{CategoryGroup: g, Stats: categoryStats{NumChannels: channels, NumStreams: streams}})
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"status": s.Maintenance.Enabled()})
}

func (s *Server) handleMaintenanceToggle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enable bool `json:"enable"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	if s.Maintenance == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "maintenance flag not configured"})
		return
	}
	ok := true
	if err := s.Maintenance.Set(body.Enable); err != nil {
		s.Log.Error().Err(err).Bool("enable", body.Enable).Msg("maintenance toggle failed")
		ok = false
	} else {
		s.Log.Info().Bool("enable", body.Enable).Msg("maintenance mode changed")
	}
	// Status is re-read from disk, not echoed from the request.
	writeJSON(w, http.StatusOK, map[string]bool{"success": ok, "status": s.Maintenance.Enabled()})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	category, ok := s.Engine.CategoryForAction(action)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown action " + action})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"action": action, "category": category})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.Scheduler == nil {
		writeJSON(w, http.StatusOK, []scheduler.TaskInfo{})
		return
	}
	writeJSON(w, http.StatusOK, s.Scheduler.ListTasks())
}

func (s *Server) handleTaskRun(w http.ResponseWriter, r *http.Request) {
	if s.Scheduler == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no scheduler"})
		return
	}
	id := chi.URLParam(r, "id")
	err := s.Scheduler.RunNow(id)
	switch {
	case errors.Is(err, scheduler.ErrSkipped):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "completed"})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "maintenance": s.Maintenance.Enabled()}
	if err := health.CheckStore(r.Context(), s.Engine.Store()); err != nil {
		body["status"] = "degraded"
		body["error"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps the catalog error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case catalog.IsNotFound(err):
		status = http.StatusNotFound
	case catalog.IsValidation(err):
		status = http.StatusBadRequest
	case catalog.IsSchema(err):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		s.Log.Error().Err(err).Msg("admin request failed")
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.Log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("dur", time.Since(start)).
			Msg("http")
	})
}
