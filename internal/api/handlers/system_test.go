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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/ariasync/internal/models"
	"github.com/autobrr/ariasync/internal/tasks"
)

type mockStats struct {
	stats tasks.Stats
	ok    bool
	last  time.Time
}

func (m *mockStats) Stats() (tasks.Stats, bool) { return m.stats, m.ok }
func (m *mockStats) LastCycle() time.Time       { return m.last }

type mockProber struct {
	connected bool
	lastErr   error
}

func (m *mockProber) CheckConnection(ctx context.Context) bool { return m.connected }
func (m *mockProber) LastError() error                         { return m.lastErr }
func (m *mockProber) Connected() bool                          { return m.connected }

type mockDaemonInfo struct{}

func (mockDaemonInfo) Endpoint() string      { return "http://127.0.0.1:6800/jsonrpc" }
func (mockDaemonInfo) DaemonVersion() string { return "1.37.0" }
func (mockDaemonInfo) IsSupported() bool     { return true }

type mockSettings struct {
	current   models.Settings
	updateErr error
	partial   bool
}

func (m *mockSettings) Settings(ctx context.Context) (*models.Settings, error) {
	s := m.current
	return &s, nil
}

func (m *mockSettings) UpdateSettings(ctx context.Context, settings *models.Settings) (*models.Settings, error) {
	if m.updateErr != nil && !m.partial {
		return nil, m.updateErr
	}
	m.current = *settings
	s := m.current
	return &s, m.updateErr
}

func TestGetStats(t *testing.T) {
	stats := &mockStats{}
	h := NewSystemHandler(stats, &mockProber{}, mockDaemonInfo{}, nil, &mockSettings{})

	rec := httptest.NewRecorder()
	h.GetStats(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	stats.ok = true
	stats.stats = tasks.Stats{NumActive: 2, DownloadSpeed: 1536, UploadSpeed: 10}
	rec = httptest.NewRecorder()
	h.GetStats(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.NumActive)
	assert.Equal(t, "1.5 KB/s", resp.DownloadSpeedText)
	assert.Equal(t, "10 B/s", resp.UploadSpeedText)
}

func TestGetConnection(t *testing.T) {
	tests := []struct {
		name      string
		prober    *mockProber
		wantError string
	}{
		{name: "connected", prober: &mockProber{connected: true}},
		{name: "unreachable", prober: &mockProber{lastErr: errors.New("connection refused")}, wantError: "connection refused"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewSystemHandler(&mockStats{}, tt.prober, mockDaemonInfo{}, tt.prober, &mockSettings{})

			rec := httptest.NewRecorder()
			h.GetConnection(rec, httptest.NewRequest(http.MethodGet, "/connection", nil))
			require.Equal(t, http.StatusOK, rec.Code)

			var resp ConnectionResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.prober.connected, resp.Connected)
			assert.Equal(t, "1.37.0", resp.Version)
			assert.Equal(t, tt.wantError, resp.LastError)
		})
	}
}

func TestUpdateSettings(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		err     error
		partial bool
		status  int
	}{
		{name: "applied", body: `{"defaultDownloadDir":"/data","maxConcurrentDownloads":3,"maxConnectionsPerTask":8}`, status: http.StatusOK},
		{name: "invalid", body: `{"defaultDownloadDir":""}`, err: models.ErrInvalidSettings, status: http.StatusBadRequest},
		{name: "saved but not applied", body: `{"defaultDownloadDir":"/data","maxConcurrentDownloads":3,"maxConnectionsPerTask":8}`, err: errors.New("daemon down"), partial: true, status: http.StatusAccepted},
		{name: "malformed", body: `{`, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := &mockSettings{updateErr: tt.err, partial: tt.partial}
			h := NewSystemHandler(&mockStats{}, &mockProber{}, mockDaemonInfo{}, nil, settings)

			rec := httptest.NewRecorder()
			h.UpdateSettings(rec, httptest.NewRequest(http.MethodPut, "/settings", strings.NewReader(tt.body)))
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestHealthReadiness(t *testing.T) {
	prober := &mockProber{connected: true}
	h := NewHealthHandler(prober)

	rec := httptest.NewRecorder()
	h.HandleReady(rec, httptest.NewRequest(http.MethodGet, "/healthz/readiness", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	prober.connected = false
	rec = httptest.NewRecorder()
	h.HandleReady(rec, httptest.NewRequest(http.MethodGet, "/healthz/readiness", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.HandleLiveness(rec, httptest.NewRequest(http.MethodGet, "/healthz/liveness", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
