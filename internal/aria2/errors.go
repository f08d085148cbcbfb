// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package aria2

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrEmptyResponse      = errors.New("aria2 returned an empty result")
	ErrBitTorrentDisabled = errors.New("aria2 was built without BitTorrent support")
	ErrProbeFailed        = errors.New("aria2 connection probe failed")
)

// ConnectionError means the daemon could not be reached or answered outside JSON-RPC.
type ConnectionError struct {
	Method string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("aria2 unreachable during %s: %v", e.Method, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// CommandError is a JSON-RPC error object returned by the daemon.
type CommandError struct {
	Method  string
	Code    int
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("aria2 %s failed (code %d): %s", e.Method, e.Code, e.Message)
}

func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

func IsCommandError(err error) bool {
	var cmdErr *CommandError
	return errors.As(err, &cmdErr)
}
