// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package tasks

import (
	"fmt"
	"path/filepath"

	"github.com/autobrr/ariasync/internal/aria2"
)

// Status mirrors the daemon's task lifecycle states.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusError    Status = "error"
	StatusComplete Status = "complete"
	StatusRemoved  Status = "removed"
)

// AllStatuses lists every known status in display order.
var AllStatuses = []Status{StatusActive, StatusWaiting, StatusPaused, StatusError, StatusComplete, StatusRemoved}

// IsTerminal reports whether the daemon will not transfer any more data for the task.
func (s Status) IsTerminal() bool {
	return s == StatusError || s == StatusComplete || s == StatusRemoved
}

// Task is one daemon-tracked transfer as published to callers.
type Task struct {
	GID             string      `json:"gid"`
	Status          Status      `json:"status"`
	TotalLength     int64       `json:"totalLength"`
	CompletedLength int64       `json:"completedLength"`
	DownloadSpeed   int64       `json:"downloadSpeed"`
	UploadSpeed     int64       `json:"uploadSpeed"`
	Dir             string      `json:"dir"`
	Path            string      `json:"path,omitempty"`
	Files           []File      `json:"files,omitempty"`
	ErrorCode       string      `json:"errorCode,omitempty"`
	ErrorMessage    string      `json:"errorMessage,omitempty"`
	BitTorrent      *BitTorrent `json:"bittorrent,omitempty"`
}

type File struct {
	Index           int    `json:"index"`
	Path            string `json:"path"`
	Length          int64  `json:"length"`
	CompletedLength int64  `json:"completedLength"`
	Selected        bool   `json:"selected"`
	URIs            []URI  `json:"uris,omitempty"`
}

type URI struct {
	URI    string `json:"uri"`
	Status string `json:"status"`
}

type BitTorrent struct {
	AnnounceList [][]string `json:"announceList,omitempty"`
	Comment      string     `json:"comment,omitempty"`
	CreationDate int64      `json:"creationDate,omitempty"`
	Mode         string     `json:"mode,omitempty"`
	Name         string     `json:"name,omitempty"`
}

// Stats is the aggregate daemon view recomputed every poll.
type Stats struct {
	NumActive       int   `json:"numActive"`
	NumWaiting      int   `json:"numWaiting"`
	NumStopped      int   `json:"numStopped"`
	NumStoppedTotal int   `json:"numStoppedTotal"`
	DownloadSpeed   int64 `json:"downloadSpeed"`
	UploadSpeed     int64 `json:"uploadSpeed"`
}

// Progress returns completion in the range [0, 1].
func (t Task) Progress() float64 {
	if t.TotalLength <= 0 {
		return 0
	}
	return float64(t.CompletedLength) / float64(t.TotalLength)
}

// DisplayName is the last element of the resolved path, or the gid while unresolved.
func (t Task) DisplayName() string {
	if t.Path == "" {
		if t.BitTorrent != nil && t.BitTorrent.Name != "" {
			return t.BitTorrent.Name
		}
		return t.GID
	}
	return filepath.Base(t.Path)
}

// clone deep-copies every reference field so callers never share memory with the Store.
func (t Task) clone() Task {
	if t.Files != nil {
		files := make([]File, len(t.Files))
		for i, f := range t.Files {
			if f.URIs != nil {
				f.URIs = append([]URI(nil), f.URIs...)
			}
			files[i] = f
		}
		t.Files = files
	}
	if t.BitTorrent != nil {
		bt := *t.BitTorrent
		if bt.AnnounceList != nil {
			bt.AnnounceList = make([][]string, len(t.BitTorrent.AnnounceList))
			for i, tier := range t.BitTorrent.AnnounceList {
				if tier != nil {
					bt.AnnounceList[i] = append([]string(nil), tier...)
				}
			}
		}
		t.BitTorrent = &bt
	}
	return t
}

// FromDownload converts a daemon record into a Task with no resolved path.
func FromDownload(d aria2.Download) Task {
	t := Task{
		GID:             d.GID,
		Status:          Status(d.Status),
		TotalLength:     d.TotalLength,
		CompletedLength: d.CompletedLength,
		DownloadSpeed:   d.DownloadSpeed,
		UploadSpeed:     d.UploadSpeed,
		Dir:             d.Dir,
	}

	if t.Status == StatusError {
		t.ErrorCode = d.ErrorCode
		t.ErrorMessage = d.ErrorMessage
	}

	if len(d.Files) > 0 {
		t.Files = make([]File, 0, len(d.Files))
		for _, f := range d.Files {
			file := File{
				Index:           f.Index,
				Path:            f.Path,
				Length:          f.Length,
				CompletedLength: f.CompletedLength,
				Selected:        f.Selected,
			}
			for _, u := range f.URIs {
				file.URIs = append(file.URIs, URI{URI: u.URI, Status: u.Status})
			}
			t.Files = append(t.Files, file)
		}
	}

	if d.BitTorrent != nil {
		t.BitTorrent = &BitTorrent{
			AnnounceList: d.BitTorrent.AnnounceList,
			Comment:      d.BitTorrent.Comment,
			CreationDate: d.BitTorrent.CreationDate,
			Mode:         d.BitTorrent.Mode,
			Name:         d.BitTorrent.Name,
		}
	}

	return t
}

func statsFromGlobal(s aria2.GlobalStat) Stats {
	return Stats{
		NumActive:       s.NumActive,
		NumWaiting:      s.NumWaiting,
		NumStopped:      s.NumStopped,
		NumStoppedTotal: s.NumStoppedTotal,
		DownloadSpeed:   s.DownloadSpeed,
		UploadSpeed:     s.UploadSpeed,
	}
}

// FormatSpeed renders a byte rate with a 1024 base.
func FormatSpeed(bytesPerSecond int64) string {
	const unit = 1024
	switch {
	case bytesPerSecond < unit:
		return fmt.Sprintf("%d B/s", max(bytesPerSecond, 0))
	case bytesPerSecond < unit*unit:
		return fmt.Sprintf("%.1f KB/s", float64(bytesPerSecond)/unit)
	default:
		return fmt.Sprintf("%.1f MB/s", float64(bytesPerSecond)/(unit*unit))
	}
}
