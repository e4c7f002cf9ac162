// Package api exposes the task store, the cache and the resource registry over a local JSON HTTP interface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/nadmax/clawops/internal/cache"
	"github.com/nadmax/clawops/internal/dashboard"
	"github.com/nadmax/clawops/internal/httputil"
	"github.com/nadmax/clawops/internal/queue"
	"github.com/nadmax/clawops/internal/registry"
	"github.com/nadmax/clawops/internal/task"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type API struct {
	queue    *queue.Queue
	cache    *cache.Cache
	registry *registry.Registry
	mux      *http.ServeMux
}

type CreateTaskRequest struct {
	Name     string         `json:"name"`
	Type     string         `json:"task_type"`
	Priority *int           `json:"priority"`
	Extra    map[string]any `json:"extra"`
}

type RegisterResourceRequest struct {
	Type   string         `json:"type"`
	Name   string         `json:"name"`
	Fields map[string]any `json:"fields"`
}

func NewAPI(q *queue.Queue, c *cache.Cache, reg *registry.Registry) *API {
	api := &API{
		queue:    q,
		cache:    c,
		registry: reg,
		mux:      http.NewServeMux(),
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc("/api/tasks", a.handleTasks)
	a.mux.HandleFunc("/api/tasks/", a.handleTaskByID)
	a.mux.HandleFunc("/api/status", a.handleStatus)

	a.mux.HandleFunc("/api/cache", a.handleCache)
	a.mux.HandleFunc("/api/cache/cleanup", a.handleCacheCleanup)

	a.mux.HandleFunc("/api/resources", a.handleResources)
	a.mux.HandleFunc("/api/resources/", a.handleResourcesByType)
	a.mux.HandleFunc("/api/report", a.handleReport)

	dash := dashboard.NewDashboard(a.queue, a.cache)
	a.mux.HandleFunc("/api/dashboard/stats", dash.GetStats)
	a.mux.HandleFunc("/api/dashboard/history", dash.GetRecentTasks)

	a.mux.Handle("/metrics", promhttp.Handler())
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func decodeBody(r *http.Request, dst any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}

	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Debug().Err(err).Msg("failed to close request body")
		}
	}()

	return json.Unmarshal(body, dst)
}

func (a *API) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createTask(w, r)
	case http.MethodGet:
		a.listTasks(w, r)
	default:
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) createTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := decodeBody(r, &req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.Type == "" {
		httputil.WriteJSONError(w, "Task type is required", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		req.Name = req.Type
	}

	priority := task.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}

	id, err := a.queue.CreateTask(r.Context(), req.Name, req.Type, priority, req.Extra)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	t, err := a.queue.GetTask(id)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, t, http.StatusCreated)
}

// listTasks returns every task, optionally narrowed by ?status= and ?type=.
func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	status := task.TaskStatus(r.URL.Query().Get("status")).Normalize()
	taskType := r.URL.Query().Get("type")

	a.syncStore(r.Context())

	tasks := []*task.Task{}
	for _, t := range a.queue.GetAllTasks() {
		if status != "" && t.Status.Normalize() != status {
			continue
		}
		if taskType != "" && t.Type != taskType {
			continue
		}
		tasks = append(tasks, t)
	}

	httputil.WriteJSON(w, tasks, http.StatusOK)
}

func (a *API) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if taskID == "next" {
		a.nextTask(w, r)
		return
	}

	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if taskID == "" {
		httputil.WriteJSONError(w, "Task ID is required", http.StatusBadRequest)
		return
	}

	a.syncStore(r.Context())

	t, err := a.queue.GetTask(taskID)
	if err != nil {
		httputil.WriteJSONError(w, "Task not found", http.StatusNotFound)
		return
	}

	httputil.WriteJSON(w, t, http.StatusOK)
}

// nextTask pops the highest priority pending task id. The task stays pending;
// callers claim it by running it.
func (a *API) nextTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	a.syncStore(r.Context())

	id, ok := a.queue.GetNextTask()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	httputil.WriteJSON(w, map[string]string{"task_id": id}, http.StatusOK)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	a.syncStore(r.Context())
	httputil.WriteJSON(w, a.queue.GetStatus(), http.StatusOK)
}

// syncStore merges rows other processes wrote since the last read. When the
// reload fails the in-memory view is served as is.
func (a *API) syncStore(ctx context.Context) {
	if err := a.queue.Reload(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to reload task store")
	}
}

func (a *API) handleCache(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSON(w, a.cache.Status(), http.StatusOK)
	case http.MethodDelete:
		a.cache.Clear()
		log.Info().Msg("cache cleared")
		httputil.WriteJSON(w, a.cache.Status(), http.StatusOK)
	default:
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) handleCacheCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	removed := a.cache.CleanupExpired()
	httputil.WriteJSON(w, map[string]int{"removed": removed}, http.StatusOK)
}

func (a *API) handleResources(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.registerResource(w, r)
	case http.MethodGet:
		a.listResources(w, r.URL.Query().Get("type"), r.URL.Query().Get("name"))
	default:
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) handleResourcesByType(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resourceType := strings.TrimPrefix(r.URL.Path, "/api/resources/")
	a.listResources(w, resourceType, r.URL.Query().Get("name"))
}

func (a *API) listResources(w http.ResponseWriter, resourceType, name string) {
	resources := a.registry.GetResource(resourceType, name)
	if resources == nil {
		resources = []*registry.Resource{}
	}

	httputil.WriteJSON(w, resources, http.StatusOK)
}

func (a *API) registerResource(w http.ResponseWriter, r *http.Request) {
	var req RegisterResourceRequest
	if err := decodeBody(r, &req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	id, err := a.registry.RegisterResource(req.Type, req.Name, req.Fields)
	switch {
	case errors.Is(err, registry.ErrInvalidResource):
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		// the resource is registered in memory; only the write failed
		log.Error().Err(err).Str("resource_id", id).Msg("failed to save registry")
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, map[string]string{"id": id}, http.StatusCreated)
}

func (a *API) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report, err := a.registry.FullStatusReport(r.Context(), a.collectors())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, report, http.StatusOK)
}

func (a *API) collectors() map[string]registry.Collector {
	return map[string]registry.Collector{
		"task_progress": registry.CollectorFunc(func(ctx context.Context) (any, error) {
			a.syncStore(ctx)
			return a.queue.GetStatus(), nil
		}),
		"cache": registry.CollectorFunc(func(context.Context) (any, error) {
			return a.cache.Status(), nil
		}),
	}
}
