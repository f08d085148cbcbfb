// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"fmt"
	"time"

	"github.com/autobrr/ariasync/internal/dbinterface"
)

// TaskPath is a resolved display path remembered across restarts.
type TaskPath struct {
	GID        string    `json:"gid"`
	Dir        string    `json:"dir"`
	Path       string    `json:"path"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

type TaskPathStore struct {
	db dbinterface.Querier
}

func NewTaskPathStore(db dbinterface.Querier) *TaskPathStore {
	return &TaskPathStore{db: db}
}

// Upsert stores paths, interning their dirs.
func (s *TaskPathStore) Upsert(ctx context.Context, paths []TaskPath) error {
	if len(paths) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	dirs := make([]string, len(paths))
	for i, p := range paths {
		if p.Dir == "" {
			dirs[i] = "/"
		} else {
			dirs[i] = p.Dir
		}
	}

	dirIDs, err := dbinterface.InternStrings(ctx, tx, dirs...)
	if err != nil {
		return fmt.Errorf("failed to intern dirs: %w", err)
	}

	for i, p := range paths {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_paths (gid, dir_id, path, resolved_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(gid) DO UPDATE SET
				dir_id = excluded.dir_id,
				path = excluded.path,
				resolved_at = excluded.resolved_at
		`, p.GID, dirIDs[i], p.Path)
		if err != nil {
			return fmt.Errorf("failed to upsert path for %s: %w", p.GID, err)
		}
	}

	return tx.Commit()
}

// DeleteMany forgets the given gids and prunes dirs nothing references anymore.
func (s *TaskPathStore) DeleteMany(ctx context.Context, gids []string) error {
	if len(gids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	const chunkSize = 900
	for start := 0; start < len(gids); start += chunkSize {
		chunk := gids[start:min(start+chunkSize, len(gids))]
		args := make([]any, len(chunk))
		for i, gid := range chunk {
			args[i] = gid
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM task_paths WHERE gid IN ("+dbinterface.InClause(len(chunk))+")", args...); err != nil {
			return fmt.Errorf("failed to delete task paths: %w", err)
		}
	}

	if _, err := dbinterface.PruneStrings(ctx, tx); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *TaskPathStore) List(ctx context.Context) ([]TaskPath, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT gid, dir, path, resolved_at
		FROM task_paths_view
		ORDER BY gid
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list task paths: %w", err)
	}
	defer rows.Close()

	var out []TaskPath
	for rows.Next() {
		var p TaskPath
		if err := rows.Scan(&p.GID, &p.Dir, &p.Path, &p.ResolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task path: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LoadAll returns gid -> path for seeding the in-memory path cache.
func (s *TaskPathStore) LoadAll(ctx context.Context) (map[string]string, error) {
	list, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(list))
	for _, p := range list {
		out[p.GID] = p.Path
	}
	return out, nil
}
