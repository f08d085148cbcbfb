// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package tasks

import (
	"sync"
)

// Store is the canonical in-memory task table. Resolved paths live in an arena
// keyed by gid that is cleared only when the gid leaves the table.
type Store struct {
	mu      sync.RWMutex
	order   []string
	tasks   map[string]Task
	paths   map[string]string
	version uint64
}

func NewStore() *Store {
	return &Store{
		tasks: make(map[string]Task),
		paths: make(map[string]string),
	}
}

// ReplaceAll swaps the whole table. Only the paths carried on the snapshot survive.
func (s *Store) ReplaceAll(snapshot []Task) {
	order := make([]string, 0, len(snapshot))
	tasks := make(map[string]Task, len(snapshot))
	paths := make(map[string]string, len(snapshot))

	for _, t := range snapshot {
		if _, dup := tasks[t.GID]; !dup {
			order = append(order, t.GID)
		}
		tasks[t.GID] = t.clone()
		if t.Path != "" {
			paths[t.GID] = t.Path
		} else {
			delete(paths, t.GID)
		}
	}

	s.mu.Lock()
	s.order = order
	s.tasks = tasks
	s.paths = paths
	s.version++
	s.mu.Unlock()
}

func (s *Store) Get(gid string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[gid]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// Remove drops a single entry and its cached path.
func (s *Store) Remove(gid string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.paths, gid)
	if _, ok := s.tasks[gid]; !ok {
		return
	}
	delete(s.tasks, gid)
	for i, id := range s.order {
		if id == gid {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	s.version++
}

// SetTargetStatus overlays only the status of an existing entry.
func (s *Store) SetTargetStatus(gid string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[gid]
	if !ok {
		return
	}
	t.Status = status
	s.tasks[gid] = t
	s.version++
}

// List returns a copy of the table in daemon order.
func (s *Store) List() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Task, 0, len(s.order))
	for _, gid := range s.order {
		out = append(out, s.tasks[gid].clone())
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// CachedPath returns the resolved path for gid, if any.
func (s *Store) CachedPath(gid string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.paths[gid]
	return p, ok
}

// Version increases on every mutation.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// SeedPaths loads previously persisted paths into the arena without adding rows.
func (s *Store) SeedPaths(paths map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for gid, p := range paths {
		if p == "" {
			continue
		}
		if _, ok := s.paths[gid]; !ok {
			s.paths[gid] = p
		}
	}
}
