// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package dbinterface

import (
	"context"
	"fmt"
)

// Stay under SQLITE_MAX_VARIABLE_NUMBER (999 on older builds).
const maxParams = 900

// InternStrings stores each distinct value once in string_pool and returns the
// ids in input order. Empty values are rejected.
func InternStrings(ctx context.Context, tx TxQuerier, values ...string) ([]int64, error) {
	if len(values) == 0 {
		return []int64{}, nil
	}

	unique := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for i, v := range values {
		if v == "" {
			return nil, fmt.Errorf("value at index %d is empty", i)
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		unique = append(unique, v)
	}

	const insert = "INSERT OR IGNORE INTO string_pool (value) VALUES %s"
	for start := 0; start < len(unique); start += maxParams {
		chunk := unique[start:min(start+maxParams, len(unique))]
		args := make([]any, len(chunk))
		for i, v := range chunk {
			args[i] = v
		}
		if _, err := tx.ExecContext(ctx, BuildQueryWithPlaceholders(insert, 1, len(chunk)), args...); err != nil {
			return nil, fmt.Errorf("failed to intern strings: %w", err)
		}
	}

	ids, err := lookupIDs(ctx, tx, unique)
	if err != nil {
		return nil, err
	}

	out := make([]int64, len(values))
	for i, v := range values {
		id, ok := ids[v]
		if !ok {
			return nil, fmt.Errorf("failed to get ID for interned string %q", v)
		}
		out[i] = id
	}
	return out, nil
}

func lookupIDs(ctx context.Context, tx TxQuerier, values []string) (map[string]int64, error) {
	ids := make(map[string]int64, len(values))
	for start := 0; start < len(values); start += maxParams {
		chunk := values[start:min(start+maxParams, len(values))]
		args := make([]any, len(chunk))
		for i, v := range chunk {
			args[i] = v
		}

		rows, err := tx.QueryContext(ctx, "SELECT id, value FROM string_pool WHERE value IN ("+InClause(len(chunk))+")", args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query string pool: %w", err)
		}
		for rows.Next() {
			var (
				id    int64
				value string
			)
			if err := rows.Scan(&id, &value); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan string pool row: %w", err)
			}
			ids[value] = id
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("error iterating string pool rows: %w", err)
		}
	}
	return ids, nil
}

// PruneStrings deletes pool entries no longer referenced by task_paths.
func PruneStrings(ctx context.Context, tx TxQuerier) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		DELETE FROM string_pool
		WHERE id NOT IN (SELECT dir_id FROM task_paths)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prune string pool: %w", err)
	}
	return res.RowsAffected()
}
