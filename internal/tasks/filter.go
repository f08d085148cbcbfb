// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package tasks

import (
	"strings"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const filterCacheTTL = 5 * time.Minute

// filterEnv is the record a filter expression is evaluated against.
type filterEnv struct {
	GID             string
	Name            string
	Status          string
	Dir             string
	Path            string
	Progress        float64
	TotalLength     int64
	CompletedLength int64
	DownloadSpeed   int64
	UploadSpeed     int64
	NumFiles        int
	IsTorrent       bool
	ErrorCode       string
	ErrorMessage    string
}

func newFilterEnv(t Task) filterEnv {
	return filterEnv{
		GID:             t.GID,
		Name:            t.DisplayName(),
		Status:          string(t.Status),
		Dir:             t.Dir,
		Path:            t.Path,
		Progress:        t.Progress(),
		TotalLength:     t.TotalLength,
		CompletedLength: t.CompletedLength,
		DownloadSpeed:   t.DownloadSpeed,
		UploadSpeed:     t.UploadSpeed,
		NumFiles:        len(t.Files),
		IsTorrent:       t.BitTorrent != nil,
		ErrorCode:       t.ErrorCode,
		ErrorMessage:    t.ErrorMessage,
	}
}

// FilterCache compiles boolean task filter expressions and keeps them for reuse.
type FilterCache struct {
	programs *ttlcache.Cache[string, *vm.Program]
}

func NewFilterCache() *FilterCache {
	return &FilterCache{
		programs: ttlcache.New(ttlcache.Options[string, *vm.Program]{}.SetDefaultTTL(filterCacheTTL)),
	}
}

func (f *FilterCache) compile(expression string) (*vm.Program, error) {
	if program, ok := f.programs.Get(expression); ok {
		return program, nil
	}

	program, err := expr.Compile(expression, expr.Env(filterEnv{}), expr.AsBool())
	if err != nil {
		return nil, errors.Wrap(err, "compile filter")
	}
	f.programs.Set(expression, program, ttlcache.DefaultTTL)
	return program, nil
}

// Apply returns the tasks matching expression. An empty expression matches everything.
func (f *FilterCache) Apply(expression string, list []Task) ([]Task, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return list, nil
	}

	program, err := f.compile(expression)
	if err != nil {
		return nil, err
	}

	out := make([]Task, 0, len(list))
	for _, t := range list {
		result, err := expr.Run(program, newFilterEnv(t))
		if err != nil {
			log.Debug().Err(err).Str("gid", t.GID).Msg("Failed to evaluate filter")
			continue
		}
		if match, ok := result.(bool); ok && match {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *FilterCache) Close() {
	f.programs.Close()
}
