package http

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/combs-dev/combs/internal/structset"
)

// Query builder struct.
type Query struct {
	builder strings.Builder
	params  []string
}

// Add query to builder.
func (q *Query) query(s string) {
	q.builder.WriteString(s)
}

// Add parameter and its placeholder.
func (q *Query) param(val []string) {
	q.builder.WriteString(fmt.Sprintf("(%s)", strings.Join(strings.Split(strings.Repeat("?", len(val)), ""), ",")))
	q.params = append(q.params, val...)
}

// Add sub query to builder.
func (q *Query) subQuery(sq Query) {
	subQuery, subQueryParams := sq.get()
	q.builder.WriteString(fmt.Sprintf("(%s)", subQuery))
	q.params = append(q.params, subQueryParams...)
}

// Get current query string and its parameters.
func (q *Query) get() (string, []string) {
	return q.builder.String(), q.params
}

// Scan rows into model values. Result sets on the API are bounded by the
// query window, so rows are appended dynamically.
func scanRows[T any](rows *sql.Rows) ([]T, error) {
	var values []T

	var value T

	// Get indexes
	indexes := structset.CachedFieldIndexes(reflect.TypeOf(&value).Elem())

	// Get columns
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("cannot fetch columns: %w", err)
	}

	scanErrs := 0

	// Scan each row
	for rows.Next() {
		if err := structset.ScanRow(rows, columns, indexes, &value); err != nil {
			scanErrs++

			continue
		}

		values = append(values, value)
	}

	// If we failed to scan any rows, return error which will be included in
	// warnings in the response
	if scanErrs > 0 {
		err = fmt.Errorf("failed to scan %d rows", scanErrs)
	}

	return values, err
}

// Querier queries the DB and returns the scanned model values.
func Querier[T any](ctx context.Context, dbConn *sql.DB, query Query, logger *slog.Logger) ([]T, error) {
	// Get query string and params
	queryString, queryParams := query.get()

	queryStmt, err := dbConn.PrepareContext(ctx, queryString)
	if err != nil {
		logger.Error("Failed to prepare query statement",
			"query", queryString, "queryParams", strings.Join(queryParams, ","), "err", err,
		)

		return nil, err
	}
	defer queryStmt.Close()

	// queryParams has to be an interface. Do casting here
	qParams := make([]interface{}, len(queryParams))
	for i, v := range queryParams {
		qParams[i] = v
	}

	rows, err := queryStmt.QueryContext(ctx, qParams...)
	if err != nil {
		logger.Error("Failed to get rows",
			"query", queryString, "queryParams", strings.Join(queryParams, ","), "err", err,
		)

		return nil, err
	}
	defer rows.Close()

	logger.Debug("Rows", "query", queryString, "queryParams", strings.Join(queryParams, ","))

	return scanRows[T](rows)
}
