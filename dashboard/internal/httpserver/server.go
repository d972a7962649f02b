// Package httpserver serves the synchronized dashboard view and forwards user actions.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ILLUVRSE/testinfra/dashboard/internal/failures"
	"github.com/ILLUVRSE/testinfra/dashboard/internal/models"
	"github.com/ILLUVRSE/testinfra/dashboard/internal/orchestrator"
	"github.com/ILLUVRSE/testinfra/dashboard/internal/store"
)

type Server struct {
	dash *orchestrator.Orchestrator
}

func New(dash *orchestrator.Orchestrator) *Server {
	return &Server{dash: dash}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/dashboard", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Get("/health", s.handleHealth)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/reconnect", s.handleReconnect)
		r.Post("/select", s.handleSelect)
		r.Put("/filters", s.handleFilters)
		r.Put("/auto-refresh", s.handleAutoRefresh)

		r.Get("/errors", s.handleErrors)
		r.Delete("/errors", s.handleClearErrors)
		r.Delete("/errors/{id}", s.handleClearError)

		r.Get("/notifications", s.handleNotifications)
		r.Delete("/notifications/{id}", s.handleDismissNotification)

		r.Get("/history", s.handleHistory)

		r.Post("/environments", s.handleCreateEnvironment)
		r.Post("/environments/actions", s.handleBulkAction)
		r.Get("/environments/{id}", s.handleGetEnvironment)
		r.Post("/environments/{id}/actions", s.handleAction)

		r.Put("/queue/{id}/priority", s.handlePriority)
		r.Post("/queue/cancel", s.handleCancel)
	})
	return r
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.dash.View())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.dash.Connection())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.dash.Refresh(r.Context()); err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.dash.View())
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	s.dash.ReconnectAll()
	respondJSON(w, http.StatusAccepted, s.dash.Connection())
}

type selectBody struct {
	EnvironmentID  *string  `json:"environmentId"`
	EnvironmentIDs []string `json:"environmentIds"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var body selectBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.EnvironmentID == nil && body.EnvironmentIDs == nil {
		respondError(w, http.StatusBadRequest, "environmentId or environmentIds required")
		return
	}
	if body.EnvironmentID != nil {
		if err := s.dash.Select(*body.EnvironmentID); err != nil {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
	}
	multi := s.dash.State().MultiSelected()
	if body.EnvironmentIDs != nil {
		multi = s.dash.SetMultiSelection(body.EnvironmentIDs)
	}
	selected, _ := s.dash.State().Selected()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"selectedEnvironmentId":  selected,
		"selectedEnvironmentIds": multi,
	})
}

func (s *Server) handleFilters(w http.ResponseWriter, r *http.Request) {
	var body orchestrator.Filters
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.dash.SetFilters(body)
	respondJSON(w, http.StatusOK, s.dash.View())
}

type autoRefreshBody struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleAutoRefresh(w http.ResponseWriter, r *http.Request) {
	var body autoRefreshBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Enabled == nil {
		respondError(w, http.StatusBadRequest, "enabled required")
		return
	}
	s.dash.SetAutoRefresh(*body.Enabled)
	respondJSON(w, http.StatusOK, map[string]bool{"autoRefresh": s.dash.AutoRefresh()})
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	history := s.dash.Errors()
	var list []failures.HandledError
	kind, severity := r.URL.Query().Get("kind"), r.URL.Query().Get("severity")
	switch {
	case kind != "":
		list = history.ByKind(failures.Kind(kind))
	case severity != "":
		list = history.BySeverity(failures.Severity(severity))
	default:
		list = history.All()
	}
	if kind != "" && severity != "" {
		filtered := list[:0]
		for _, e := range list {
			if e.Severity == failures.Severity(severity) {
				filtered = append(filtered, e)
			}
		}
		list = filtered
	}
	if list == nil {
		list = []failures.HandledError{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"errors":      list,
		"hasCritical": history.HasCritical(),
	})
}

func (s *Server) handleClearErrors(w http.ResponseWriter, r *http.Request) {
	s.dash.Errors().ClearAll()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearError(w http.ResponseWriter, r *http.Request) {
	if !s.dash.Errors().Clear(chi.URLParam(r, "id")) {
		respondError(w, http.StatusNotFound, "error not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": s.dash.Notifications(),
	})
}

func (s *Server) handleDismissNotification(w http.ResponseWriter, r *http.Request) {
	if !s.dash.DismissNotification(chi.URLParam(r, "id")) {
		respondError(w, http.StatusNotFound, "notification not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.ListOptions{EnvironmentID: q.Get("environmentId")}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = limit
	}
	if raw := q.Get("before"); raw != "" {
		before, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid before timestamp")
			return
		}
		opts.Before = before
	}
	events, err := s.dash.History(r.Context(), opts)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]interface{}{"events": events}
	if n := len(events); n > 0 {
		resp["nextBefore"] = events[n-1].Timestamp
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetEnvironment(w http.ResponseWriter, r *http.Request) {
	env, ok := s.dash.Environment(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "environment not found")
		return
	}
	respondJSON(w, http.StatusOK, env)
}

func (s *Server) handleCreateEnvironment(w http.ResponseWriter, r *http.Request) {
	var body models.EnvironmentConfig
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	env, err := s.dash.CreateEnvironment(r.Context(), body)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, env)
}

type actionBody struct {
	Action         models.EnvironmentAction `json:"action"`
	EnvironmentIDs []string                 `json:"environmentIds"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var body actionBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.dash.PerformAction(r.Context(), chi.URLParam(r, "id"), body.Action)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleBulkAction(w http.ResponseWriter, r *http.Request) {
	var body actionBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	results, err := s.dash.BulkAction(r.Context(), body.EnvironmentIDs, body.Action)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

type priorityBody struct {
	Priority *int `json:"priority"`
}

func (s *Server) handlePriority(w http.ResponseWriter, r *http.Request) {
	var body priorityBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Priority == nil {
		respondError(w, http.StatusBadRequest, "priority required")
		return
	}
	req, err := s.dash.UpdatePriority(r.Context(), chi.URLParam(r, "id"), *body.Priority)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

type cancelBody struct {
	RequestIDs []string `json:"requestIds"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	cancelled, err := s.dash.BulkCancel(r.Context(), body.RequestIDs)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"cancelled": cancelled})
}

// respondFailure maps a mutation failure to 400 for user input and 502 for everything the backend
// or the network caused.
func (s *Server) respondFailure(w http.ResponseWriter, err error) {
	if errors.Is(err, orchestrator.ErrClosed) {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	handled := s.dash.Classify(err)
	status := http.StatusBadGateway
	if handled.Kind == failures.KindUserInput {
		status = http.StatusBadRequest
	}
	respondJSON(w, status, map[string]interface{}{
		"error":   handled.Message,
		"handled": handled,
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
