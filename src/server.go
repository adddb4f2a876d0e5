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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"algoworker/src/logging"
	"algoworker/src/model"
	"algoworker/src/scheduler"
	"algoworker/src/store"
)

// taskController is the part of the scheduler the API drives.
type taskController interface {
	Submit(ctx context.Context, taskID string) error
	Cancel(ctx context.Context, taskID string) error
	Snapshot() (queued, running []string)
}

// StatusResponse extends the worker counters with the admission queue state.
type StatusResponse struct {
	logging.StatusResponse
	QueuedTasks      []string `json:"queued_tasks"`
	ConcurrencyLimit int      `json:"concurrency_limit"`
}

// APIServer holds dependencies for the HTTP handlers
type APIServer struct {
	store    store.Store
	tasks    taskController
	stats    *logging.WorkerStats
	registry *prometheus.Registry
	limit    int
}

func NewAPIServer(st store.Store, tasks taskController, stats *logging.WorkerStats, registry *prometheus.Registry, limit int) *APIServer {
	return &APIServer{store: st, tasks: tasks, stats: stats, registry: registry, limit: limit}
}

// Handler returns the routes wrapped with the OTel middleware.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.statusHandler)
	mux.HandleFunc("GET /global-status", s.globalStatusHandler)
	if s.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /tasks/{id}", s.getTaskHandler)
	mux.HandleFunc("GET /tasks/{id}/logs", s.taskLogsHandler)
	mux.HandleFunc("POST /tasks/{id}/submit", s.submitHandler)
	mux.HandleFunc("POST /tasks/{id}/cancel", s.cancelHandler)

	return otelhttp.NewHandler(mux, "worker-api-server")
}

// StartAPIServer serves handler until ctx is done, then shuts down gracefully.
func StartAPIServer(ctx context.Context, port string, handler http.Handler) error {
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
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
		// Gracefully shut down the HTTP server (max 10s timeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logging.Log("API server exited cleanly", slog.LevelInfo)
	}

	return nil
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	queued, _ := s.tasks.Snapshot()
	writeJSON(w, http.StatusOK, StatusResponse{
		StatusResponse:   s.stats.GetStats(),
		QueuedTasks:      queued,
		ConcurrencyLimit: s.limit,
	})
}

func (s *APIServer) globalStatusHandler(w http.ResponseWriter, r *http.Request) {
	gs, err := s.store.Stats(r.Context())
	if err != nil {
		s.stats.DatabaseFailure(r.Context())
		logging.LogAttrs(r.Context(), slog.LevelError, "failed to query global stats", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to query stats")
		return
	}
	writeJSON(w, http.StatusOK, gs)
}

func (s *APIServer) getTaskHandler(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.LoadTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeTaskError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *APIServer) taskLogsHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.LoadTask(r.Context(), id); err != nil {
		s.writeTaskError(w, r, err)
		return
	}
	logs, err := s.store.ListLogs(r.Context(), id)
	if err != nil {
		s.writeTaskError(w, r, err)
		return
	}
	if logs == nil {
		logs = []model.LogEntry{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *APIServer) submitHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.tasks.Submit(r.Context(), id); err != nil {
		s.writeTaskError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(model.TaskQueued)})
}

func (s *APIServer) cancelHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.tasks.Cancel(r.Context(), id); err != nil {
		s.writeTaskError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(model.TaskCancelled)})
}

func (s *APIServer) writeTaskError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *model.ValidationError
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrAlreadyTerminal),
		errors.Is(err, model.ErrAlreadySubmitted),
		errors.Is(err, model.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &verr), errors.Is(err, model.ErrDocumentTooLarge):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, scheduler.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logging.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
