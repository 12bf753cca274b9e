package db

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strings"

	"github.com/combs-dev/combs/internal/structset"
	combs_sqlite3 "github.com/combs-dev/combs/pkg/sqlite3"
)

var (
	// Ref: https://stackoverflow.com/questions/1711631/improve-insert-per-second-performance-of-sqlite
	// Ref: https://github.com/mattn/go-sqlite3/issues/1145#issuecomment-1519012055
	defaultOpts = map[string]string{
		"_busy_timeout": "5000",
		"_journal_mode": "WAL",
		"_synchronous":  "1",
	}
)

// makeDSN makes a DSN from a DB file path and an opts map.
func makeDSN(filePath string, opts map[string]string) string {
	dsn := fmt.Sprintf("file:%s", filePath)

	optsSlice := []string{}
	for opt, val := range opts {
		optsSlice = append(optsSlice, fmt.Sprintf("%s=%s", opt, val))
	}

	return fmt.Sprintf("%s?%s", dsn, strings.Join(optsSlice, "&"))
}

// openDBConnection opens a DB connection and returns both the pooled handle
// and the underlying sqlite3 connection.
func openDBConnection(dbFilePath string) (*sql.DB, *combs_sqlite3.Conn, error) {
	db, err := sql.Open(combs_sqlite3.DriverName, makeDSN(dbFilePath, defaultOpts))
	if err != nil {
		return nil, nil, err
	}

	if err = db.Ping(); err != nil {
		return nil, nil, err
	}

	dbConn, ok := combs_sqlite3.GetLastConn()
	if !ok {
		return nil, nil, errors.New("failed to fetch underlying sqlite3 connection")
	}

	return db, dbConn, nil
}

// setupDB creates the DB file when missing and opens it.
func setupDB(dbFilePath string, logger *slog.Logger) (*sql.DB, *combs_sqlite3.Conn, error) {
	if _, err := os.Stat(dbFilePath); err != nil {
		file, err := os.Create(dbFilePath)
		if err != nil {
			logger.Error("Failed to create DB file", "err", err)

			return nil, nil, err
		}

		file.Close()
	}

	db, dbConn, err := openDBConnection(dbFilePath)
	if err != nil {
		logger.Error("Failed to open DB file", "err", err)

		return nil, nil, err
	}

	return db, dbConn, nil
}

// scanRows scans all rows into a slice of T, mapping columns to struct
// fields by their sql tag.
func scanRows[T any](rows *sql.Rows) ([]T, error) {
	var values []T

	var value T

	indexes := structset.CachedFieldIndexes(reflect.TypeOf(&value).Elem())

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("cannot fetch columns: %w", err)
	}

	scanErrs := 0

	for rows.Next() {
		if err := structset.ScanRow(rows, columns, indexes, &value); err != nil {
			scanErrs++

			continue
		}

		values = append(values, value)
	}

	if scanErrs > 0 {
		return values, fmt.Errorf("failed to scan %d rows", scanErrs)
	}

	return values, rows.Err()
}

// scanOneRow runs the query and scans the single expected row into T.
// sql.ErrNoRows is returned when the query matches nothing.
func scanOneRow[T any](rows *sql.Rows, err error) (T, error) {
	var value T

	if err != nil {
		return value, err
	}

	defer rows.Close()

	values, err := scanRows[T](rows)
	if err != nil {
		return value, err
	}

	if len(values) == 0 {
		return value, sql.ErrNoRows
	}

	return values[0], nil
}
