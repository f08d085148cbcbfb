// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/autobrr/ariasync/internal/dbinterface"
)

var ErrInvalidSettings = errors.New("invalid settings")

// Settings are the download defaults applied to new tasks and to the daemon globally.
type Settings struct {
	DefaultDownloadDir     string    `json:"defaultDownloadDir"`
	MaxDownloadSpeed       int64     `json:"maxDownloadSpeed"`
	MaxUploadSpeed         int64     `json:"maxUploadSpeed"`
	MaxConcurrentDownloads int       `json:"maxConcurrentDownloads"`
	MaxConnectionsPerTask  int       `json:"maxConnectionsPerTask"`
	UpdatedAt              time.Time `json:"updatedAt"`
}

// Validate normalizes s and rejects out-of-range values.
func (s *Settings) Validate() error {
	s.DefaultDownloadDir = strings.TrimSpace(s.DefaultDownloadDir)
	switch {
	case s.DefaultDownloadDir == "":
		return fmt.Errorf("%w: download dir is required", ErrInvalidSettings)
	case s.MaxDownloadSpeed < 0 || s.MaxUploadSpeed < 0:
		return fmt.Errorf("%w: speed limits cannot be negative", ErrInvalidSettings)
	case s.MaxConcurrentDownloads < 1:
		return fmt.Errorf("%w: at least one concurrent download is required", ErrInvalidSettings)
	case s.MaxConnectionsPerTask < 1 || s.MaxConnectionsPerTask > 16:
		return fmt.Errorf("%w: connections per task must be between 1 and 16", ErrInvalidSettings)
	}
	return nil
}

// TaskOptions are the per-task daemon options for a download into dir.
func (s *Settings) TaskOptions(dir string) map[string]string {
	opts := map[string]string{
		"dir":                       dir,
		"max-connection-per-server": strconv.Itoa(s.MaxConnectionsPerTask),
		"split":                     strconv.Itoa(s.MaxConnectionsPerTask),
		"auto-file-renaming":        "true",
	}
	if s.MaxDownloadSpeed > 0 {
		opts["max-download-limit"] = strconv.FormatInt(s.MaxDownloadSpeed, 10)
	}
	if s.MaxUploadSpeed > 0 {
		opts["max-upload-limit"] = strconv.FormatInt(s.MaxUploadSpeed, 10)
	}
	return opts
}

// GlobalOptions are the daemon-wide limits. Zero limits are sent as "0", which the daemon reads as unlimited.
func (s *Settings) GlobalOptions() map[string]string {
	return map[string]string{
		"max-overall-download-limit": strconv.FormatInt(max(s.MaxDownloadSpeed, 0), 10),
		"max-overall-upload-limit":   strconv.FormatInt(max(s.MaxUploadSpeed, 0), 10),
		"max-concurrent-downloads":   strconv.Itoa(s.MaxConcurrentDownloads),
	}
}

type SettingsStore struct {
	db       dbinterface.Querier
	defaults Settings
}

// NewSettingsStore returns a store that falls back to defaults until settings are saved.
func NewSettingsStore(db dbinterface.Querier, defaults Settings) *SettingsStore {
	return &SettingsStore{db: db, defaults: defaults}
}

func (s *SettingsStore) Get(ctx context.Context) (*Settings, error) {
	var out Settings
	err := s.db.QueryRowContext(ctx, `
		SELECT default_download_dir, max_download_speed, max_upload_speed,
		       max_concurrent_downloads, max_connections_per_task, updated_at
		FROM settings
		WHERE id = 1
	`).Scan(&out.DefaultDownloadDir, &out.MaxDownloadSpeed, &out.MaxUploadSpeed,
		&out.MaxConcurrentDownloads, &out.MaxConnectionsPerTask, &out.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		defaults := s.defaults
		return &defaults, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	return &out, nil
}

func (s *SettingsStore) Update(ctx context.Context, settings *Settings) (*Settings, error) {
	if settings == nil {
		return nil, fmt.Errorf("%w: settings are required", ErrInvalidSettings)
	}
	next := *settings
	if err := next.Validate(); err != nil {
		return nil, err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (id, default_download_dir, max_download_speed, max_upload_speed,
		                      max_concurrent_downloads, max_connections_per_task, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			default_download_dir = excluded.default_download_dir,
			max_download_speed = excluded.max_download_speed,
			max_upload_speed = excluded.max_upload_speed,
			max_concurrent_downloads = excluded.max_concurrent_downloads,
			max_connections_per_task = excluded.max_connections_per_task,
			updated_at = excluded.updated_at
	`, next.DefaultDownloadDir, next.MaxDownloadSpeed, next.MaxUploadSpeed,
		next.MaxConcurrentDownloads, next.MaxConnectionsPerTask)
	if err != nil {
		return nil, fmt.Errorf("failed to save settings: %w", err)
	}

	return s.Get(ctx)
}
