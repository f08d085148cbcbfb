// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/autobrr/ariasync/internal/models"
	"github.com/autobrr/ariasync/internal/tasks"
)

// StatsSource exposes the aggregate from the last poll.
type StatsSource interface {
	Stats() (tasks.Stats, bool)
	LastCycle() time.Time
}

// ConnectionProber probes the daemon on demand.
type ConnectionProber interface {
	CheckConnection(ctx context.Context) bool
}

// DaemonInfo describes the configured daemon.
type DaemonInfo interface {
	Endpoint() string
	DaemonVersion() string
	IsSupported() bool
}

// ConnectionState exposes the last recorded connectivity failure.
type ConnectionState interface {
	LastError() error
}

// SettingsService reads and applies download defaults.
type SettingsService interface {
	Settings(ctx context.Context) (*models.Settings, error)
	UpdateSettings(ctx context.Context, settings *models.Settings) (*models.Settings, error)
}

type SystemHandler struct {
	stats    StatsSource
	prober   ConnectionProber
	daemon   DaemonInfo
	state    ConnectionState
	settings SettingsService
}

func NewSystemHandler(stats StatsSource, prober ConnectionProber, daemon DaemonInfo, state ConnectionState, settings SettingsService) *SystemHandler {
	return &SystemHandler{
		stats:    stats,
		prober:   prober,
		daemon:   daemon,
		state:    state,
		settings: settings,
	}
}

type StatsResponse struct {
	tasks.Stats
	DownloadSpeedText string    `json:"downloadSpeedText"`
	UploadSpeedText   string    `json:"uploadSpeedText"`
	LastCycle         time.Time `json:"lastCycle"`
}

type ConnectionResponse struct {
	Connected bool   `json:"connected"`
	Endpoint  string `json:"endpoint"`
	Version   string `json:"version,omitempty"`
	Supported bool   `json:"supported"`
	LastError string `json:"lastError,omitempty"`
}

func (h *SystemHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, ok := h.stats.Stats()
	if !ok {
		RespondError(w, http.StatusServiceUnavailable, "Stats not available yet")
		return
	}
	RespondJSON(w, http.StatusOK, StatsResponse{
		Stats:             stats,
		DownloadSpeedText: tasks.FormatSpeed(stats.DownloadSpeed),
		UploadSpeedText:   tasks.FormatSpeed(stats.UploadSpeed),
		LastCycle:         h.stats.LastCycle(),
	})
}

func (h *SystemHandler) GetConnection(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	resp := ConnectionResponse{
		Connected: h.prober.CheckConnection(ctx),
		Endpoint:  h.daemon.Endpoint(),
		Version:   h.daemon.DaemonVersion(),
		Supported: h.daemon.IsSupported(),
	}
	if h.state != nil {
		if err := h.state.LastError(); err != nil && !resp.Connected {
			resp.LastError = err.Error()
		}
	}
	RespondJSON(w, http.StatusOK, resp)
}

func (h *SystemHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.settings.Settings(r.Context())
	if err != nil {
		respondTaskError(w, err, "getSettings")
		return
	}
	RespondJSON(w, http.StatusOK, settings)
}

func (h *SystemHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var input models.Settings
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	updated, err := h.settings.UpdateSettings(r.Context(), &input)
	if err != nil {
		if updated != nil {
			// saved, but the daemon did not accept the new limits
			RespondJSON(w, http.StatusAccepted, updated)
			return
		}
		respondTaskError(w, err, "updateSettings")
		return
	}
	RespondJSON(w, http.StatusOK, updated)
}
