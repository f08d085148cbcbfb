// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"
)

// ConnectivityChecker reports daemon reachability without probing.
type ConnectivityChecker interface {
	Connected() bool
}

type HealthHandler struct {
	daemon ConnectivityChecker
}

func NewHealthHandler(daemon ConnectivityChecker) *HealthHandler {
	return &HealthHandler{daemon: daemon}
}

func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HealthHandler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// HandleReady fails while the download daemon is unreachable.
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	if h.daemon != nil && !h.daemon.Connected() {
		RespondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "daemon unreachable"})
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
