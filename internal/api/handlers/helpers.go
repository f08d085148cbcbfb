// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/ariasync/internal/aria2"
	"github.com/autobrr/ariasync/internal/models"
	"github.com/autobrr/ariasync/internal/tasks"
)

type errorResponse struct {
	Error string `json:"error"`
}

// RespondJSON writes data as JSON with the given status.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// RespondError writes {"error": message}.
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, errorResponse{Error: message})
}

// statusForError maps the task error taxonomy onto HTTP status codes.
func statusForError(err error) int {
	var (
		invalid *tasks.InvalidSourceError
		connErr *aria2.ConnectionError
		cmdErr  *aria2.CommandError
	)

	switch {
	case errors.As(err, &invalid), errors.Is(err, models.ErrInvalidSettings), errors.Is(err, tasks.ErrNoSourceURIs):
		return http.StatusBadRequest
	case errors.Is(err, tasks.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.As(err, &connErr), errors.Is(err, tasks.ErrCycleSkipped):
		return http.StatusServiceUnavailable
	case errors.As(err, &cmdErr), errors.Is(err, aria2.ErrBitTorrentDisabled):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondTaskError(w http.ResponseWriter, err error, op string) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("op", op).Msg("Task operation failed")
	} else {
		log.Debug().Err(err).Str("op", op).Msg("Task operation rejected")
	}
	RespondError(w, status, err.Error())
}
