// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"continuumtasks/src/logging"
	"continuumtasks/src/model"
	"continuumtasks/src/processor"
	"continuumtasks/src/repository"
	"continuumtasks/src/task"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// taskStore is what the worker and the API need from a store backend.
type taskStore interface {
	processor.Store
	Add(ctx context.Context, rec model.TaskRecord) (string, error)
	Counts(ctx context.Context) (model.StatusCounts, error)
}

// APIServer holds dependencies for the HTTP handlers
type APIServer struct {
	store taskStore
	deps  task.Deps
	stats *logging.WorkerStats
}

func NewAPIServer(store taskStore, deps task.Deps, stats *logging.WorkerStats) *APIServer {
	deps.Store = store
	return &APIServer{store: store, deps: deps, stats: stats}
}

// CreateTaskRequest describes a new task. Handlers run in the given order.
type CreateTaskRequest struct {
	Name             string                          `json:"name"`
	Description      string                          `json:"description"`
	Category         string                          `json:"category"`
	Handlers         []string                        `json:"handlers"`
	Binding          model.Binding                   `json:"binding"`
	Recurrence       model.Recurrence                `json:"recurrence"`
	Schedule         *model.Schedule                 `json:"schedule"`
	ThreadStopAction model.ThreadStopAction          `json:"thread_stop_action"`
	Owner            *model.ObjectRef                `json:"owner"`
	ObjectRef        *model.ObjectRef                `json:"object_ref"`
	Extension        map[string]model.ExtensionValue `json:"extension"`
	Waiting          bool                            `json:"waiting"`
}

func (s *APIServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/status", s.statusHandler)
	r.Get("/global-status", s.globalStatusHandler)
	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.createTaskHandler)
		r.Get("/{oid}", s.getTaskHandler)
		r.Post("/{oid}/suspend", s.suspendTaskHandler)
		r.Post("/{oid}/resume", s.resumeTaskHandler)
	})

	return otelhttp.NewHandler(r, "worker-api-server")
}

// StartAPIServer serves until ctx is done, then shuts down gracefully.
func StartAPIServer(ctx context.Context, port string, srv *APIServer) error {
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logging.Log(fmt.Sprintf("API Server starting on :%s", port), slog.LevelInfo)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server startup failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logging.Log("Server exited cleanly", slog.LevelInfo)
	}
	return nil
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.GetStats())
}

func (s *APIServer) globalStatusHandler(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.Counts(r.Context())
	if err != nil {
		http.Error(w, "Failed to query system stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *APIServer) createTaskHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	t, err := s.newTask(req)
	if err != nil {
		writeError(w, err)
		return
	}

	oid, err := s.store.Add(r.Context(), t.Snapshot())
	if err != nil {
		writeError(w, err)
		return
	}
	if err := t.MarkPersistent(oid); err != nil {
		writeError(w, err)
		return
	}
	if err := t.SynchronizeWithScheduler(r.Context()); err != nil {
		logging.LogContext(r.Context(), fmt.Sprintf("Task %s stored but scheduler not told: %v", oid, err), slog.LevelWarn)
	}
	logging.LogContext(r.Context(), fmt.Sprintf("Created %s", t), slog.LevelInfo)
	writeJSON(w, http.StatusCreated, t.Snapshot())
}

// newTask builds the transient task described by req.
func (s *APIServer) newTask(req CreateTaskRequest) (*task.Task, error) {
	t := task.New(s.deps)
	t.SetNameTransient(req.Name)
	t.SetDescriptionTransient(req.Description)
	t.SetCategoryTransient(req.Category)
	if req.Binding != "" {
		if !req.Binding.Valid() {
			return nil, fmt.Errorf("%w: binding %q", repository.ErrSchema, req.Binding)
		}
		t.SetBindingTransient(req.Binding)
	}
	if req.Recurrence != "" {
		if !req.Recurrence.Valid() {
			return nil, fmt.Errorf("%w: recurrence %q", repository.ErrSchema, req.Recurrence)
		}
		t.SetRecurrenceTransient(req.Recurrence)
	}
	if !req.ThreadStopAction.Valid() {
		return nil, fmt.Errorf("%w: thread stop action %q", repository.ErrSchema, req.ThreadStopAction)
	}
	t.SetThreadStopActionTransient(req.ThreadStopAction)
	t.SetScheduleTransient(req.Schedule)
	t.SetOwner(req.Owner)
	t.SetObjectRef(req.ObjectRef)
	for k, v := range req.Extension {
		if err := t.SetExtensionTransient(k, v); err != nil {
			return nil, err
		}
	}
	if req.Waiting {
		if err := t.MakeWaiting(); err != nil {
			return nil, err
		}
	}
	if len(req.Handlers) == 0 {
		return nil, fmt.Errorf("%w: at least one handler is required", repository.ErrSchema)
	}
	for i := len(req.Handlers) - 1; i >= 0; i-- {
		if err := t.PushHandler(req.Handlers[i]); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (s *APIServer) load(ctx context.Context, oid string) (*task.Task, error) {
	rec, err := s.store.Get(ctx, oid)
	if err != nil {
		return nil, err
	}
	return task.Load(s.deps, *rec), nil
}

func (s *APIServer) getTaskHandler(w http.ResponseWriter, r *http.Request) {
	t, err := s.load(r.Context(), chi.URLParam(r, "oid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t.Snapshot())
}

func (s *APIServer) suspendTaskHandler(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, (*task.Task).Suspend)
}

func (s *APIServer) resumeTaskHandler(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, (*task.Task).Resume)
}

func (s *APIServer) lifecycle(w http.ResponseWriter, r *http.Request, op func(*task.Task, context.Context) error) {
	t, err := s.load(r.Context(), chi.URLParam(r, "oid"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := op(t, r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, repository.ErrSchema):
		status = http.StatusBadRequest
	case errors.Is(err, task.ErrIllegalState):
		status = http.StatusConflict
	case errors.Is(err, repository.ErrAlreadyExists):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		logging.Log(fmt.Sprintf("API error: %v", err), slog.LevelError)
	}
	http.Error(w, err.Error(), status)
}
