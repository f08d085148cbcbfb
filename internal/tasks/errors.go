// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package tasks

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrNoFiles      = errors.New("daemon reported no files")
	ErrNoSourceURIs = errors.New("task has no source uris to restart from")
)

// ResolutionError means the display path for one task could not be derived.
type ResolutionError struct {
	GID string
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve path for task %s: %v", e.GID, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// InvalidSourceError rejects an add request before it reaches the daemon.
type InvalidSourceError struct {
	Source string
	Reason string
}

func (e *InvalidSourceError) Error() string {
	return fmt.Sprintf("invalid source %q: %s", e.Source, e.Reason)
}

func IsInvalidSource(err error) bool {
	var invalid *InvalidSourceError
	return errors.As(err, &invalid)
}
