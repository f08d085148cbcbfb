// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package tasks

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/autobrr/ariasync/internal/aria2"
)

// FileLister is the daemon call the resolver depends on.
type FileLister interface {
	GetFiles(ctx context.Context, gid string) ([]aria2.File, error)
}

// PathResolver derives the display path of a task from its file list.
type PathResolver struct {
	daemon FileLister
}

func NewPathResolver(daemon FileLister) *PathResolver {
	return &PathResolver{daemon: daemon}
}

// Resolve returns the single file's path, or the top-level folder shared by a
// multi-file task. Callers check Store.CachedPath first.
func (r *PathResolver) Resolve(ctx context.Context, gid, dir string) (string, error) {
	files, err := r.daemon.GetFiles(ctx, gid)
	if err != nil {
		return "", &ResolutionError{GID: gid, Err: err}
	}
	if len(files) == 0 || files[0].Path == "" {
		return "", &ResolutionError{GID: gid, Err: ErrNoFiles}
	}

	first := files[0].Path
	if len(files) == 1 {
		return first, nil
	}

	segment := topLevelSegment(first, dir)
	if segment == "" {
		return first, nil
	}
	return filepath.Join(dir, segment), nil
}

// topLevelSegment returns the first path element of p below dir.
func topLevelSegment(p, dir string) string {
	p = filepath.ToSlash(p)
	dir = strings.TrimRight(filepath.ToSlash(dir), "/")

	if dir != "" {
		if !strings.HasPrefix(p, dir+"/") {
			return ""
		}
		p = p[len(dir)+1:]
	}

	p = strings.TrimLeft(p, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		p = p[:i]
	}
	return p
}
