// Package store implements the Persistence Query Layer (C9): a small
// algebra of SQL builders rather than hand-rolled queries scattered through
// every component. Statement is purely a (sql, params) pair, so the algebra
// is testable independent of any one driver. No package in this module
// executes these statements: internal/store/sqlite issues its own SQL.
package store

import (
	"fmt"
	"strings"
)

// Statement is a parameterised SQL string ready for (*sql.DB).Query /
// QueryContext. Builders never interpolate caller values into sql — only
// column/table identifiers, which come from the View definitions below, not
// from request input.
type Statement struct {
	SQL    string
	Params []any
}

// View names a table/columns pair for either raw join keys (Ids) or
// human-readable joined names (Names) — callers choose per query, per C9.
type View struct {
	Table       string
	IDColumns   []string
	NameJoins   []string // extra "JOIN ... ON ..." clauses adding *_name columns, Names view only
	SelectCols  []string // Ids view columns
	NamedCols   []string // Names view columns (includes joined name columns)
	StatusCol   string
	DefinedOn   string
}

// SelectBy builds a primary-key lookup: SELECT <cols> FROM <table> WHERE
// <keys...>.
func SelectBy(v View, names bool, keys map[string]any) Statement {
	cols := v.SelectCols
	from := v.Table
	if names {
		cols = v.NamedCols
		from = v.Table + " " + strings.Join(v.NameJoins, " ")
	}
	where, params := whereClause(keys)
	return Statement{
		SQL:    fmt.Sprintf("SELECT %s FROM %s WHERE %s", strings.Join(cols, ", "), from, where),
		Params: params,
	}
}

// SelectAt builds the "most recent row whose defined_on <= at_time,
// excluding status='Deleted'" query used to resolve a single current
// version as of a point in time.
func SelectAt(v View, names bool, atTimeParam any, keys map[string]any) Statement {
	cols := v.SelectCols
	from := v.Table
	if names {
		cols = v.NamedCols
		from = v.Table + " " + strings.Join(v.NameJoins, " ")
	}
	where, params := whereClause(keys)
	params = append(params, atTimeParam)
	sql := fmt.Sprintf(
		`SELECT %s FROM %s
		 WHERE %s AND %s <= ? AND %s != 'Deleted'
		 ORDER BY %s DESC LIMIT 1`,
		strings.Join(cols, ", "), from, where, v.DefinedOn, v.StatusCol, v.DefinedOn,
	)
	return Statement{SQL: sql, Params: params}
}

// SelectVersionsAt builds the "latest row per grouping matching any of the
// supplied statuses, at or before at_time" query, keyed by groupByCol (the
// entity's stable id column, e.g. table_id or function_id).
func SelectVersionsAt(v View, names bool, groupByCol string, atTimeParam any, statuses []string, keys map[string]any) Statement {
	cols := v.SelectCols
	from := v.Table
	if names {
		cols = v.NamedCols
		from = v.Table + " " + strings.Join(v.NameJoins, " ")
	}
	where, params := whereClause(keys)
	params = append(params, atTimeParam)

	statusPlaceholders := make([]string, len(statuses))
	for i, s := range statuses {
		statusPlaceholders[i] = "?"
		params = append(params, s)
	}
	statusIn := "1=1"
	if len(statuses) > 0 {
		statusIn = fmt.Sprintf("%s IN (%s)", v.StatusCol, strings.Join(statusPlaceholders, ", "))
	}

	sql := fmt.Sprintf(
		`WITH ranked AS (
			SELECT %s, ROW_NUMBER() OVER (PARTITION BY %s ORDER BY %s DESC) AS rn
			FROM %s
			WHERE %s AND %s <= ? AND %s
		 )
		 SELECT %s FROM ranked WHERE rn = 1`,
		strings.Join(cols, ", "), groupByCol, v.DefinedOn,
		from, where, v.DefinedOn, statusIn,
		strings.Join(cols, ", "),
	)
	return Statement{SQL: sql, Params: params}
}

func whereClause(keys map[string]any) (string, []any) {
	if len(keys) == 0 {
		return "1=1", nil
	}
	parts := make([]string, 0, len(keys))
	params := make([]any, 0, len(keys))
	// Deterministic column order keeps generated SQL stable across calls,
	// which matters for query-plan caching and for tests asserting on SQL.
	colNames := make([]string, 0, len(keys))
	for k := range keys {
		colNames = append(colNames, k)
	}
	for i := 0; i < len(colNames); i++ {
		for j := i + 1; j < len(colNames); j++ {
			if colNames[j] < colNames[i] {
				colNames[i], colNames[j] = colNames[j], colNames[i]
			}
		}
	}
	for _, k := range colNames {
		parts = append(parts, k+" = ?")
		params = append(params, keys[k])
	}
	return strings.Join(parts, " AND "), params
}
