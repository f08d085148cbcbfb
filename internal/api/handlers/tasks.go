// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/ariasync/internal/tasks"
)

// TaskReader is the read side of the task store.
type TaskReader interface {
	List() []tasks.Task
	Get(gid string) (tasks.Task, bool)
}

// TaskCommands is the command layer exposed over HTTP.
type TaskCommands interface {
	Pause(ctx context.Context, gid string) error
	Resume(ctx context.Context, gid string) error
	Remove(ctx context.Context, gid string) error
	Restart(ctx context.Context, gid string) (string, error)
	Add(ctx context.Context, source, dir string) (string, error)
	AddBatch(ctx context.Context, sources []string, dir string) ([]tasks.AddResult, error)
	StartAll(ctx context.Context) tasks.BatchResult
	PauseAll(ctx context.Context) tasks.BatchResult
	ClearCompleted(ctx context.Context) tasks.BatchResult
	Purge(ctx context.Context) error
}

// Reconciler runs an immediate reconciliation.
type Reconciler interface {
	ReconcileNow(ctx context.Context) error
}

type TasksHandler struct {
	store      TaskReader
	commands   TaskCommands
	reconciler Reconciler
	filters    *tasks.FilterCache
}

func NewTasksHandler(store TaskReader, commands TaskCommands, reconciler Reconciler, filters *tasks.FilterCache) *TasksHandler {
	if filters == nil {
		filters = tasks.NewFilterCache()
	}
	return &TasksHandler{
		store:      store,
		commands:   commands,
		reconciler: reconciler,
		filters:    filters,
	}
}

type TaskResponse struct {
	tasks.Task
	Name     string  `json:"name"`
	Progress float64 `json:"progress"`
}

func newTaskResponse(t tasks.Task) TaskResponse {
	return TaskResponse{Task: t, Name: t.DisplayName(), Progress: t.Progress()}
}

type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
	Total int            `json:"total"`
}

type addTaskRequest struct {
	Source string `json:"source"`
	Dir    string `json:"dir"`
}

type addBatchRequest struct {
	Sources []string `json:"sources"`
	Dir     string   `json:"dir"`
}

type gidResponse struct {
	GID string `json:"gid"`
}

// ListTasks returns the current snapshot. ?filter= takes a boolean expression
// and ?search= a name query or glob.
func (h *TasksHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	list, err := h.filters.Apply(query.Get("filter"), h.store.List())
	if err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	list = tasks.Search(list, query.Get("search"))

	etag := `"` + tasks.Signature(list) + `"`
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	resp := TaskListResponse{Tasks: make([]TaskResponse, 0, len(list)), Total: len(list)}
	for _, t := range list {
		resp.Tasks = append(resp.Tasks, newTaskResponse(t))
	}
	RespondJSON(w, http.StatusOK, resp)
}

func (h *TasksHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	t, ok := h.store.Get(chi.URLParam(r, "gid"))
	if !ok {
		RespondError(w, http.StatusNotFound, tasks.ErrTaskNotFound.Error())
		return
	}
	RespondJSON(w, http.StatusOK, newTaskResponse(t))
}

func (h *TasksHandler) AddTask(w http.ResponseWriter, r *http.Request) {
	var req addTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Warn().Err(err).Msg("failed to decode add task request")
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	gid, err := h.commands.Add(r.Context(), req.Source, req.Dir)
	if err != nil {
		respondTaskError(w, err, "add")
		return
	}
	RespondJSON(w, http.StatusCreated, gidResponse{GID: gid})
}

func (h *TasksHandler) AddTasks(w http.ResponseWriter, r *http.Request) {
	var req addBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	sources := req.Sources[:0:0]
	for _, s := range req.Sources {
		if s = strings.TrimSpace(s); s != "" {
			sources = append(sources, s)
		}
	}
	if len(sources) == 0 {
		RespondError(w, http.StatusBadRequest, "At least one source is required")
		return
	}

	results, err := h.commands.AddBatch(r.Context(), sources, req.Dir)
	if err != nil {
		respondTaskError(w, err, "addBatch")
		return
	}
	RespondJSON(w, http.StatusOK, results)
}

func (h *TasksHandler) gidAction(op string, fn func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context(), chi.URLParam(r, "gid")); err != nil {
			respondTaskError(w, err, op)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *TasksHandler) PauseTask(w http.ResponseWriter, r *http.Request) {
	h.gidAction("pause", h.commands.Pause)(w, r)
}

func (h *TasksHandler) ResumeTask(w http.ResponseWriter, r *http.Request) {
	h.gidAction("resume", h.commands.Resume)(w, r)
}

func (h *TasksHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	h.gidAction("remove", h.commands.Remove)(w, r)
}

func (h *TasksHandler) RestartTask(w http.ResponseWriter, r *http.Request) {
	gid, err := h.commands.Restart(r.Context(), chi.URLParam(r, "gid"))
	if err != nil {
		respondTaskError(w, err, "restart")
		return
	}
	RespondJSON(w, http.StatusOK, gidResponse{GID: gid})
}

func (h *TasksHandler) StartAll(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, h.commands.StartAll(r.Context()))
}

func (h *TasksHandler) PauseAll(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, h.commands.PauseAll(r.Context()))
}

func (h *TasksHandler) ClearCompleted(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, h.commands.ClearCompleted(r.Context()))
}

func (h *TasksHandler) Purge(w http.ResponseWriter, r *http.Request) {
	if err := h.commands.Purge(r.Context()); err != nil {
		respondTaskError(w, err, "purge")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TasksHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	if err := h.reconciler.ReconcileNow(r.Context()); err != nil {
		respondTaskError(w, err, "reconcile")
		return
	}
	h.ListTasks(w, r)
}

func (h *TasksHandler) Routes(r chi.Router) {
	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", h.ListTasks)
		r.Post("/", h.AddTask)
		r.Post("/batch", h.AddTasks)
		r.Post("/start-all", h.StartAll)
		r.Post("/pause-all", h.PauseAll)
		r.Post("/clear-completed", h.ClearCompleted)
		r.Post("/purge", h.Purge)
		r.Post("/reconcile", h.Reconcile)

		r.Route("/{gid}", func(r chi.Router) {
			r.Get("/", h.GetTask)
			r.Delete("/", h.DeleteTask)
			r.Post("/pause", h.PauseTask)
			r.Post("/resume", h.ResumeTask)
			r.Post("/restart", h.RestartTask)
		})
	})
}
