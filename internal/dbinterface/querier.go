// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package dbinterface

import (
	"context"
	"database/sql"
	"strings"
)

// TxQuerier is satisfied by both *sql.DB and *sql.Tx.
type TxQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Querier is the database handle stores are built on.
type Querier interface {
	TxQuerier
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// BuildQueryWithPlaceholders expands the single %s in template into rows of
// columns placeholders, e.g. (?,?),(?,?).
func BuildQueryWithPlaceholders(template string, columns, rows int) string {
	var row strings.Builder
	row.WriteByte('(')
	for i := range columns {
		if i > 0 {
			row.WriteByte(',')
		}
		row.WriteByte('?')
	}
	row.WriteByte(')')

	var sb strings.Builder
	sb.Grow(rows * (row.Len() + 1))
	for i := range rows {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(row.String())
	}
	return strings.Replace(template, "%s", sb.String(), 1)
}

// InClause returns "?,?,?" for n arguments.
func InClause(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
