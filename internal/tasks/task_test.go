// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package tasks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/ariasync/internal/aria2"
)

func TestFormatSpeed(t *testing.T) {
	tests := []struct {
		in       int64
		expected string
	}{
		{in: -5, expected: "0 B/s"},
		{in: 0, expected: "0 B/s"},
		{in: 1023, expected: "1023 B/s"},
		{in: 1024, expected: "1.0 KB/s"},
		{in: 1536, expected: "1.5 KB/s"},
		{in: 5 * 1024 * 1024, expected: "5.0 MB/s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, FormatSpeed(tt.in))
	}
}

func TestProgressAndDisplayName(t *testing.T) {
	assert.Zero(t, Task{}.Progress())
	assert.InDelta(t, 0.5, Task{TotalLength: 10, CompletedLength: 5}.Progress(), 1e-9)

	assert.Equal(t, "g1", Task{GID: "g1"}.DisplayName())
	assert.Equal(t, "Show.S01", Task{GID: "g1", Path: "/dl/Show.S01"}.DisplayName())
	assert.Equal(t, "ubuntu", Task{GID: "g1", BitTorrent: &BitTorrent{Name: "ubuntu"}}.DisplayName())
}

func TestFromDownload(t *testing.T) {
	task := FromDownload(aria2.Download{
		GID:          "g",
		Status:       "active",
		Dir:          "/dl",
		ErrorCode:    "0",
		ErrorMessage: "ignored while active",
		Files:        []aria2.File{{Index: 1, Path: "/dl/a", URIs: []aria2.URI{{URI: "http://x/a", Status: "used"}}}},
		BitTorrent:   &aria2.BitTorrent{Name: "a", Mode: "single"},
	})

	assert.Equal(t, StatusActive, task.Status)
	assert.Empty(t, task.ErrorCode)
	assert.Empty(t, task.Path, "paths are never daemon-supplied")
	require.Len(t, task.Files, 1)
	assert.Equal(t, "http://x/a", task.Files[0].URIs[0].URI)
	require.NotNil(t, task.BitTorrent)
	assert.Equal(t, "single", task.BitTorrent.Mode)

	assert.True(t, StatusComplete.IsTerminal())
	assert.False(t, StatusPaused.IsTerminal())
}

func TestFilterCache(t *testing.T) {
	cache := NewFilterCache()
	t.Cleanup(cache.Close)

	list := []Task{
		{GID: "a", Status: StatusActive, TotalLength: 100, CompletedLength: 90, Path: "/dl/big.iso"},
		{GID: "b", Status: StatusPaused, TotalLength: 100, CompletedLength: 10},
		{GID: "c", Status: StatusComplete, BitTorrent: &BitTorrent{Name: "linux"}},
	}

	all, err := cache.Apply("  ", list)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	got, err := cache.Apply(`Status == "active" && Progress > 0.5`, list)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, gids(got))

	got, err = cache.Apply(`IsTorrent || Name == "big.iso"`, list)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, gids(got))

	_, err = cache.Apply(`Status +`, list)
	assert.Error(t, err)

	_, err = cache.Apply(`TotalLength`, list)
	assert.Error(t, err, "non-boolean expressions are rejected")
}

func TestSignatureChangesWithContent(t *testing.T) {
	base := func() Task {
		return Task{
			GID:             "a",
			Status:          StatusActive,
			CompletedLength: 1,
			Files:           []File{{Index: 1, Path: "/dl/a", Length: 10, CompletedLength: 1, Selected: true}},
			BitTorrent:      &BitTorrent{Name: "a"},
		}
	}

	assert.Equal(t, Signature([]Task{base()}), Signature([]Task{base()}))
	assert.NotEqual(t, Signature(nil), Signature([]Task{base()}))

	tests := []struct {
		name   string
		mutate func(*Task)
	}{
		{name: "completed length", mutate: func(t *Task) { t.CompletedLength = 2 }},
		{name: "file progress", mutate: func(t *Task) { t.Files[0].CompletedLength = 5 }},
		{name: "file selection", mutate: func(t *Task) { t.Files[0].Selected = false }},
		{name: "file uris", mutate: func(t *Task) { t.Files[0].URIs = []URI{{URI: "http://example.com/a", Status: "used"}} }},
		{name: "torrent name", mutate: func(t *Task) { t.BitTorrent.Name = "renamed" }},
		{name: "error message", mutate: func(t *Task) { t.ErrorMessage = "disk full" }},
		{name: "dir", mutate: func(t *Task) { t.Dir = "/elsewhere" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed := base()
			tt.mutate(&changed)
			assert.NotEqual(t, Signature([]Task{base()}), Signature([]Task{changed}))
		})
	}
}
