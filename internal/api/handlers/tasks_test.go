// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/ariasync/internal/aria2"
	"github.com/autobrr/ariasync/internal/models"
	"github.com/autobrr/ariasync/internal/tasks"
)

type mockStore struct {
	tasks []tasks.Task
}

func (m *mockStore) List() []tasks.Task {
	return append([]tasks.Task(nil), m.tasks...)
}

func (m *mockStore) Get(gid string) (tasks.Task, bool) {
	for _, t := range m.tasks {
		if t.GID == gid {
			return t, true
		}
	}
	return tasks.Task{}, false
}

// mockCommands records calls and returns the configured errors
type mockCommands struct {
	calls    []string
	addGID   string
	addErr   error
	gidErr   error
	batch    tasks.BatchResult
	results  []tasks.AddResult
	purgeErr error
}

func (m *mockCommands) record(call string) {
	m.calls = append(m.calls, call)
}

func (m *mockCommands) Pause(ctx context.Context, gid string) error {
	m.record("pause:" + gid)
	return m.gidErr
}

func (m *mockCommands) Resume(ctx context.Context, gid string) error {
	m.record("resume:" + gid)
	return m.gidErr
}

func (m *mockCommands) Remove(ctx context.Context, gid string) error {
	m.record("remove:" + gid)
	return m.gidErr
}

func (m *mockCommands) Restart(ctx context.Context, gid string) (string, error) {
	m.record("restart:" + gid)
	return m.addGID, m.gidErr
}

func (m *mockCommands) Add(ctx context.Context, source, dir string) (string, error) {
	m.record("add:" + source + "|" + dir)
	return m.addGID, m.addErr
}

func (m *mockCommands) AddBatch(ctx context.Context, sources []string, dir string) ([]tasks.AddResult, error) {
	m.record("addBatch:" + strings.Join(sources, ","))
	return m.results, nil
}

func (m *mockCommands) StartAll(ctx context.Context) tasks.BatchResult {
	m.record("startAll")
	return m.batch
}

func (m *mockCommands) PauseAll(ctx context.Context) tasks.BatchResult {
	m.record("pauseAll")
	return m.batch
}

func (m *mockCommands) ClearCompleted(ctx context.Context) tasks.BatchResult {
	m.record("clearCompleted")
	return m.batch
}

func (m *mockCommands) Purge(ctx context.Context) error {
	m.record("purge")
	return m.purgeErr
}

type mockReconciler struct {
	err   error
	calls int
}

func (m *mockReconciler) ReconcileNow(ctx context.Context) error {
	m.calls++
	return m.err
}

func newTestRouter(store *mockStore, cmds *mockCommands, rec *mockReconciler) http.Handler {
	filters := tasks.NewFilterCache()
	h := NewTasksHandler(store, cmds, rec, filters)
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func doRequest(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func sampleTasks() []tasks.Task {
	return []tasks.Task{
		{GID: "a1", Status: tasks.StatusActive, TotalLength: 100, CompletedLength: 25, Dir: "/dl", Path: "/dl/a.iso"},
		{GID: "p1", Status: tasks.StatusPaused, TotalLength: 100, CompletedLength: 80, Dir: "/dl", Path: "/dl/p.iso"},
		{GID: "c1", Status: tasks.StatusComplete, TotalLength: 10, CompletedLength: 10, Dir: "/dl", Path: "/dl/c.iso"},
	}
}

func TestListTasksFilter(t *testing.T) {
	router := newTestRouter(&mockStore{tasks: sampleTasks()}, &mockCommands{}, &mockReconciler{})

	tests := []struct {
		name   string
		query  string
		status int
		gids   []string
	}{
		{name: "no filter", query: "", status: http.StatusOK, gids: []string{"a1", "p1", "c1"}},
		{name: "by status", query: `?filter=Status+%3D%3D+%22paused%22`, status: http.StatusOK, gids: []string{"p1"}},
		{name: "by progress", query: `?filter=Progress+%3E%3D+0.8`, status: http.StatusOK, gids: []string{"p1", "c1"}},
		{name: "search", query: `?search=p.iso`, status: http.StatusOK, gids: []string{"p1"}},
		{name: "filter and search", query: `?filter=Progress+%3E%3D+0.8&search=*.iso`, status: http.StatusOK, gids: []string{"p1", "c1"}},
		{name: "invalid expression", query: `?filter=Status+%3D%3D`, status: http.StatusBadRequest},
		{name: "non boolean", query: `?filter=Progress`, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, router, http.MethodGet, "/tasks"+tt.query, "")
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.status != http.StatusOK {
				return
			}

			var resp TaskListResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			gids := make([]string, 0, len(resp.Tasks))
			for _, task := range resp.Tasks {
				gids = append(gids, task.GID)
			}
			assert.Equal(t, tt.gids, gids)
			assert.Equal(t, len(tt.gids), resp.Total)
		})
	}
}

func TestGetTask(t *testing.T) {
	router := newTestRouter(&mockStore{tasks: sampleTasks()}, &mockCommands{}, &mockReconciler{})

	rec := doRequest(t, router, http.MethodGet, "/tasks/a1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "a.iso", resp.Name)
	assert.InDelta(t, 0.25, resp.Progress, 0.001)

	rec = doRequest(t, router, http.MethodGet, "/tasks/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddTask(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		addErr error
		status int
		call   string
	}{
		{
			name:   "magnet",
			body:   `{"source":"magnet:?xt=urn:btih:abc","dir":"/data"}`,
			status: http.StatusCreated,
			call:   "add:magnet:?xt=urn:btih:abc|/data",
		},
		{
			name:   "invalid source",
			body:   `{"source":"ftp://nope"}`,
			addErr: &tasks.InvalidSourceError{Source: "ftp://nope", Reason: "unsupported scheme"},
			status: http.StatusBadRequest,
			call:   "add:ftp://nope|",
		},
		{
			name:   "daemon rejected",
			body:   `{"source":"https://example.com/a.iso"}`,
			addErr: &aria2.CommandError{Method: "aria2.addUri", Code: 1, Message: "bad"},
			status: http.StatusBadGateway,
			call:   "add:https://example.com/a.iso|",
		},
		{
			name:   "daemon unreachable",
			body:   `{"source":"https://example.com/a.iso"}`,
			addErr: &aria2.ConnectionError{Err: errors.New("refused")},
			status: http.StatusServiceUnavailable,
			call:   "add:https://example.com/a.iso|",
		},
		{
			name:   "malformed payload",
			body:   `{"source":`,
			status: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmds := &mockCommands{addGID: "n1", addErr: tt.addErr}
			router := newTestRouter(&mockStore{}, cmds, &mockReconciler{})

			rec := doRequest(t, router, http.MethodPost, "/tasks", tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())

			if tt.call == "" {
				assert.Empty(t, cmds.calls)
				return
			}
			assert.Equal(t, []string{tt.call}, cmds.calls)
			if tt.status == http.StatusCreated {
				assert.JSONEq(t, `{"gid":"n1"}`, rec.Body.String())
			}
		})
	}
}

func TestAddTasksBatch(t *testing.T) {
	cmds := &mockCommands{results: []tasks.AddResult{{Source: "https://a", GID: "n1"}, {Source: "bad", Error: "invalid"}}}
	router := newTestRouter(&mockStore{}, cmds, &mockReconciler{})

	rec := doRequest(t, router, http.MethodPost, "/tasks/batch", `{"sources":["https://a"," ","bad"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"addBatch:https://a,bad"}, cmds.calls)

	rec = doRequest(t, router, http.MethodPost, "/tasks/batch", `{"sources":["  "]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskActions(t *testing.T) {
	tests := []struct {
		name   string
		method string
		target string
		gidErr error
		status int
		call   string
	}{
		{name: "pause", method: http.MethodPost, target: "/tasks/a1/pause", status: http.StatusNoContent, call: "pause:a1"},
		{name: "resume", method: http.MethodPost, target: "/tasks/p1/resume", status: http.StatusNoContent, call: "resume:p1"},
		{name: "remove", method: http.MethodDelete, target: "/tasks/c1", status: http.StatusNoContent, call: "remove:c1"},
		{
			name:   "pause rejected",
			method: http.MethodPost,
			target: "/tasks/a1/pause",
			gidErr: &aria2.CommandError{Method: "aria2.pause", Code: 1, Message: "GID a1 is not found"},
			status: http.StatusBadGateway,
			call:   "pause:a1",
		},
		{
			name:   "restart unknown",
			method: http.MethodPost,
			target: "/tasks/zz/restart",
			gidErr: tasks.ErrTaskNotFound,
			status: http.StatusNotFound,
			call:   "restart:zz",
		},
		{
			name:   "restart without uris",
			method: http.MethodPost,
			target: "/tasks/a1/restart",
			gidErr: tasks.ErrNoSourceURIs,
			status: http.StatusBadRequest,
			call:   "restart:a1",
		},
		{name: "restart", method: http.MethodPost, target: "/tasks/a1/restart", status: http.StatusOK, call: "restart:a1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmds := &mockCommands{addGID: "n9", gidErr: tt.gidErr}
			router := newTestRouter(&mockStore{tasks: sampleTasks()}, cmds, &mockReconciler{})

			rec := doRequest(t, router, tt.method, tt.target, "")
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, []string{tt.call}, cmds.calls)
		})
	}
}

func TestBatchEndpoints(t *testing.T) {
	batch := tasks.BatchResult{Succeeded: []string{"a1"}, Failed: map[string]string{"p1": "boom"}}

	for _, path := range []string{"start-all", "pause-all", "clear-completed"} {
		t.Run(path, func(t *testing.T) {
			cmds := &mockCommands{batch: batch}
			router := newTestRouter(&mockStore{}, cmds, &mockReconciler{})

			rec := doRequest(t, router, http.MethodPost, "/tasks/"+path, "")
			require.Equal(t, http.StatusOK, rec.Code)
			assert.JSONEq(t, `{"succeeded":["a1"],"failed":{"p1":"boom"}}`, rec.Body.String())
			assert.Len(t, cmds.calls, 1)
		})
	}
}

func TestPurgeAndReconcile(t *testing.T) {
	cmds := &mockCommands{}
	reconciler := &mockReconciler{}
	router := newTestRouter(&mockStore{tasks: sampleTasks()}, cmds, reconciler)

	rec := doRequest(t, router, http.MethodPost, "/tasks/purge", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/tasks/reconcile", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, reconciler.calls)

	reconciler.err = tasks.ErrCycleSkipped
	rec = doRequest(t, router, http.MethodPost, "/tasks/reconcile", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "invalid source", err: &tasks.InvalidSourceError{Source: "x", Reason: "y"}, want: http.StatusBadRequest},
		{name: "invalid settings", err: models.ErrInvalidSettings, want: http.StatusBadRequest},
		{name: "not found", err: tasks.ErrTaskNotFound, want: http.StatusNotFound},
		{name: "connection", err: &aria2.ConnectionError{Err: errors.New("eof")}, want: http.StatusServiceUnavailable},
		{name: "command", err: &aria2.CommandError{Code: 1}, want: http.StatusBadGateway},
		{name: "bittorrent disabled", err: aria2.ErrBitTorrentDisabled, want: http.StatusBadGateway},
		{name: "other", err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusForError(tt.err))
		})
	}
}
