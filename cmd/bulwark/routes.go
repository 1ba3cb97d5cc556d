package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rendis/bulwark/internal/metrics"
	"github.com/rendis/bulwark/internal/orchestrator"
	"github.com/rendis/bulwark/internal/recovery"
	"github.com/rendis/bulwark/internal/statestore"
	"github.com/rendis/bulwark/pkg/schema"
)

// api serves the HTTP surface: health, Prometheus metrics and a small JSON API.
type api struct {
	orch    *orchestrator.Orchestrator
	started time.Time
}

func newRouter(orch *orchestrator.Orchestrator, reg *prometheus.Registry) http.Handler {
	a := &api{orch: orch, started: time.Now()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.health)
	r.Handle("/metrics", metrics.Handler(reg))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/metrics", a.metrics)
		r.Get("/workflows", a.listWorkflows)
		r.Get("/workflows/{id}", a.getWorkflow)
		r.Post("/workflows/{id}/recover", a.recoverWorkflow)
		r.Post("/workflows/{id}/cancel", a.cancelWorkflow)
	})
	return r
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        version,
		"uptime":         time.Since(a.started).Round(time.Second).String(),
		"workflow_types": a.orch.Types(),
	})
}

func (a *api) metrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.orch.Metrics())
}

func (a *api) listWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := statestore.ListFilter{
		Status:       schema.WorkflowStatus(q.Get("status")),
		WorkflowType: q.Get("workflow_type"),
		OwnerID:      q.Get("owner_id"),
		Limit:        50,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, schema.NewError(schema.ErrCodeValidation, "limit must be a non-negative integer"))
			return
		}
		filter.Limit = n
	}
	workflows := a.orch.Store().List(filter)
	if workflows == nil {
		workflows = []schema.WorkflowMetadata{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows})
}

func (a *api) getWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := a.orch.Store().Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	meta, err := a.orch.Store().Metadata(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"metadata":          meta,
		"state":             st,
		"running":           a.orch.Running(id),
		"recovery_attempts": a.orch.Recovery().Attempts(id),
	})
}

func (a *api) recoverWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Checkpoint string          `json:"checkpoint"`
		Strategy   schema.Strategy `json:"strategy"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, schema.NewError(schema.ErrCodeValidation, "invalid request body").WithCause(err))
			return
		}
	}
	if body.Strategy != "" && !body.Strategy.Valid() {
		writeError(w, schema.NewErrorf(schema.ErrCodeValidation, "unknown strategy %q", body.Strategy))
		return
	}

	attempt, err := a.orch.Recovery().AttemptRecovery(r.Context(), id, schema.TriggerManual,
		recovery.AttemptOptions{Checkpoint: body.Checkpoint, Strategy: body.Strategy})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

func (a *api) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_id": id,
		"cancelled":   a.orch.Cancel(id),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := schema.ErrCodeExecution
	if wfErr, ok := schema.AsWorkflowError(err); ok {
		code = wfErr.Code
		switch wfErr.Code {
		case schema.ErrCodeNotFound, schema.ErrCodeNoRecoveryPoint:
			status = http.StatusNotFound
		case schema.ErrCodeValidation:
			status = http.StatusBadRequest
		case schema.ErrCodeInvalidTransition, schema.ErrCodeRecoveryInProgress:
			status = http.StatusConflict
		}
	}
	writeJSON(w, status, map[string]any{"error": err.Error(), "code": code})
}
