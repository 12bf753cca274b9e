// Package db persists the broker pipeline state in SQLite and serves as the
// recorder behind the lifecycle tracker, the routing decision store and the
// billing ledger.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/combs-dev/combs/pkg/broker/base"
	"github.com/combs-dev/combs/pkg/broker/models"
	combs_sqlite3 "github.com/combs-dev/combs/pkg/sqlite3"
	"github.com/mattn/go-sqlite3"
)

// Directory containing DB migrations
const migrationsDir = "migrations"

//go:embed migrations/*.sql
var MigrationsFS embed.FS

// SQLite DB related constant vars
const (
	sqlite3Main  = "main"
	pagesPerStep = 25
	stepSleep    = 50 * time.Millisecond
)

var (
	prepareStatements = make(map[string]string, 10)

	// terminalStatesSQL is the quoted IN list of terminal job states.
	terminalStatesSQL string
)

// Init func to set prepareStatements
func init() {
	var quoted []string

	for _, state := range models.JobStates {
		if state.Terminal() {
			quoted = append(quoted, fmt.Sprintf("'%s'", state))
		}
	}

	terminalStatesSQL = fmt.Sprintf("(%s)", strings.Join(quoted, ","))

	// Jobs are inserted at submission and updated in place when the routing
	// decision fills the selection
	prepareStatements[base.JobsDBTableName] = upsertStatement(
		base.JobsDBTableName,
		base.JobsDBTableColNames,
		"uuid",
		[]string{"provider_addr", "cluster_id", "offering_id", "pricing", "tags"},
	)

	// Scheduler job rows carry the lifecycle state. The backend assigned ID
	// is written once through its own statement, never here.
	prepareStatements[base.SchedulerJobsDBTableName] = upsertStatement(
		base.SchedulerJobsDBTableName,
		base.SchedulerJobsDBTableColNames,
		"uuid",
		[]string{
			"state", "started_at", "started_at_ts", "ended_at", "ended_at_ts",
			"exit_code", "attention", "poll_retries", "last_polled_at",
		},
	)

	// Routing decisions are created exactly once per job and immutable
	prepareStatements[base.RoutingDecisionsDBTableName] = upsertStatement(
		base.RoutingDecisionsDBTableName, base.RoutingDecisionsDBTableColNames, "job_uuid", nil,
	)

	// Usage record UUIDs derive from record content, so replayed records
	// collapse into the first write
	prepareStatements[base.UsageRecordsDBTableName] = upsertStatement(
		base.UsageRecordsDBTableName, base.UsageRecordsDBTableColNames, "uuid", nil,
	)

	// The rolling aggregate merges metric maps inside SQL. SET expressions
	// evaluate against the pre update row, so num_jobs weighs the existing
	// average before it is incremented.
	prepareStatements[base.UsageAggsDBTableName] = strings.Join([]string{
		insertStatement(base.UsageAggsDBTableName, base.UsageAggsDBTableColNames),
		"ON CONFLICT(customer_addr,cluster_id) DO UPDATE SET",
		"  num_jobs = num_jobs + ?,",
		"  totals = add_metric_map(totals, ?),",
		"  averages = avg_metric_map(averages, ?, num_jobs, ?),",
		"  last_updated_at = ?",
	}, "\n")

	prepareStatements[base.InvoicesDBTableName] = upsertStatement(
		base.InvoicesDBTableName,
		base.InvoicesDBTableColNames,
		"uuid",
		[]string{"status", "dispute_reason", "settled_at", "settled_at_ts"},
	)

	// Settlement sub records are written at most once per invoice
	prepareStatements[base.PayoutsDBTableName] = upsertStatement(
		base.PayoutsDBTableName, base.PayoutsDBTableColNames, "invoice_uuid", nil,
	)
	prepareStatements[base.PlatformFeesDBTableName] = upsertStatement(
		base.PlatformFeesDBTableName, base.PlatformFeesDBTableColNames, "invoice_uuid", nil,
	)

	// Audit records are append only
	prepareStatements[base.AuditRecordsDBTableName] = insertStatement(
		base.AuditRecordsDBTableName, base.AuditRecordsDBTableColNames,
	)

	// Report UUIDs derive from report content, resubmissions collapse
	prepareStatements[base.StatusReportsDBTableName] = upsertStatement(
		base.StatusReportsDBTableName, base.StatusReportsDBTableColNames, "uuid", nil,
	)
}

// insertCols drops the autoincrement id column from insert column lists.
func insertCols(cols []string) []string {
	out := make([]string, 0, len(cols)-1)

	for _, col := range cols {
		if col == "id" {
			continue
		}

		out = append(out, col)
	}

	return out
}

// insertStatement builds an INSERT with one placeholder per column.
func insertStatement(table string, cols []string) string {
	cols = insertCols(cols)

	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		table,
		strings.Join(cols, ","),
		strings.Join(strings.Split(strings.Repeat("?", len(cols)), ""), ","),
	)
}

// upsertStatement builds an INSERT with an ON CONFLICT clause over
// conflictKey. With no updateCols the conflicting insert becomes a no-op,
// which is what makes replays idempotent.
func upsertStatement(table string, cols []string, conflictKey string, updateCols []string) string {
	stmt := insertStatement(table, cols)

	if len(updateCols) == 0 {
		return fmt.Sprintf("%s ON CONFLICT(%s) DO NOTHING", stmt, conflictKey)
	}

	placeholders := make([]string, 0, len(updateCols))
	for _, col := range updateCols {
		placeholders = append(placeholders, fmt.Sprintf("  %s = ?", col))
	}

	return fmt.Sprintf(
		"%s ON CONFLICT(%s) DO UPDATE SET\n%s",
		stmt, conflictKey, strings.Join(placeholders, ",\n"),
	)
}

// Config makes a DB config from CLI args
type Config struct {
	Logger          *slog.Logger
	DataPath        string
	DataBackupPath  string
	RetentionPeriod time.Duration
	SkipPurge       bool
}

// Storage
type storageConfig struct {
	dbPath          string
	dbBackupPath    string
	retentionPeriod time.Duration
	skipPurge       bool
}

// Stringer receiver for storageConfig
func (s *storageConfig) String() string {
	return fmt.Sprintf(
		"storageConfig{dbPath: %s, dbBackupPath: %s, retentionPeriod: %s}",
		s.dbPath, s.dbBackupPath, s.retentionPeriod,
	)
}

// Store is the durable state of the broker.
type Store struct {
	logger  *slog.Logger
	db      *sql.DB
	dbConn  *combs_sqlite3.Conn
	storage *storageConfig
}

// New returns a Store backed by a SQLite DB under config.DataPath with all
// migrations applied.
func New(config *Config) (*Store, error) {
	dbPath := filepath.Join(config.DataPath, fmt.Sprintf("%s.db", base.BrokerAppName))

	db, dbConn, err := setupDB(dbPath, config.Logger)
	if err != nil {
		config.Logger.Error("DB setup failed", "err", err)

		return nil, err
	}

	migrator, err := NewMigrator(MigrationsFS, migrationsDir, config.Logger)
	if err != nil {
		return nil, err
	}

	if err = migrator.ApplyMigrations(db); err != nil {
		return nil, err
	}

	storage := &storageConfig{
		dbPath:          dbPath,
		dbBackupPath:    config.DataBackupPath,
		retentionPeriod: config.RetentionPeriod,
		skipPurge:       config.SkipPurge,
	}

	config.Logger.Debug("Storage config", "cfg", storage)

	return &Store{
		logger:  config.Logger,
		db:      db,
		dbConn:  dbConn,
		storage: storage,
	}, nil
}

// DB returns the underlying handle for read side queriers.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Stop closes the DB connection.
func (s *Store) Stop() error {
	return s.db.Close()
}

// Purge deletes operational records past the retention period. Financial
// records, meaning invoices, payouts, platform fees and audit records, are
// never purged.
func (s *Store) Purge(ctx context.Context) error {
	if s.storage.skipPurge || s.storage.retentionPeriod <= 0 {
		return nil
	}

	retentionDays := int(s.storage.retentionPeriod.Hours() / 24)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin SQL transaction: %w", err)
	}

	defer tx.Rollback() //nolint:errcheck

	// Terminal shadows go first so that the job delete below sees them gone.
	// Jobs with a live shadow survive regardless of age.
	queries := []string{
		fmt.Sprintf(
			"DELETE FROM %s WHERE state IN %s AND ended_at <= date('now', '-%d day')",
			base.SchedulerJobsDBTableName, terminalStatesSQL, retentionDays,
		),
		fmt.Sprintf(
			"DELETE FROM %s WHERE created_at <= date('now', '-%d day') AND uuid NOT IN (SELECT uuid FROM %s)",
			base.JobsDBTableName, retentionDays, base.SchedulerJobsDBTableName,
		),
		fmt.Sprintf(
			"DELETE FROM %s WHERE job_uuid NOT IN (SELECT uuid FROM %s)",
			base.RoutingDecisionsDBTableName, base.JobsDBTableName,
		),
		fmt.Sprintf(
			"DELETE FROM %s WHERE created_at <= date('now', '-%d day') AND job_uuid NOT IN (SELECT uuid FROM %s)",
			base.UsageRecordsDBTableName, retentionDays, base.JobsDBTableName,
		),
		fmt.Sprintf(
			"DELETE FROM %s WHERE submitted_at <= date('now', '-%d day')",
			base.StatusReportsDBTableName, retentionDays,
		),
	}

	for _, query := range queries {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to purge expired records: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit purge: %w", err)
	}

	s.logger.Debug("Purged expired records", "retention_days", retentionDays)

	return nil
}

// Backup vacuums the DB and writes an online backup into the configured
// backup directory. A no-op when no backup path is configured.
func (s *Store) Backup() error {
	if s.storage.dbBackupPath == "" {
		return nil
	}

	return s.createBackup()
}

// backup executes the sqlite3 backup strategy
// Based on https://gist.github.com/bbengfort/452a9d5e74a63d88e5a34a580d6cb6d3
// Ref: https://github.com/rotationalio/ensign/pull/529/files
func (s *Store) backup(backupDBPath string) error {
	// Create a backup DB file
	backupDBFile, err := os.Create(backupDBPath)
	if err != nil {
		return err
	}

	backupDBFile.Close()

	// Open a second sqlite3 database at the backup location
	destDB, destConn, err := openDBConnection(backupDBPath)
	if err != nil {
		return err
	}

	// Ensure the database connection is closed when the backup is complete; this will
	// also close the underlying sqlite3 connection.
	defer destDB.Close()

	// Create the backup manager into the destination db from the src connection.
	// NOTE: backup.Finish() MUST be called to prevent panics.
	var backup *sqlite3.SQLiteBackup

	if backup, err = destConn.Backup(sqlite3Main, s.dbConn, sqlite3Main); err != nil {
		return err
	}

	// Execute the backup copying the specified number of pages at each step then
	// sleeping to allow concurrent transactions to acquire write locks. This will
	// increase the amount of backup time but preserve normal operations. This means
	// that backups will be most successful during low-volume times.
	var isDone bool
	for !isDone {
		// Backing up a smaller number of pages per step is the most effective way of
		// doing online backups and also allow write transactions to make progress.
		if isDone, err = backup.Step(pagesPerStep); err != nil {
			if finishErr := backup.Finish(); finishErr != nil {
				return fmt.Errorf("errors: %w, %w", err, finishErr)
			}

			return err
		}

		s.logger.Debug("DB backup step", "remaining", backup.Remaining(), "page_count", backup.PageCount())

		// This sleep allows other transactions to write during backups.
		time.Sleep(stepSleep)
	}

	return backup.Finish()
}

// vacuum executes sqlite3 vacuum command
func (s *Store) vacuum() error {
	s.logger.Debug("Starting to vacuum DB")

	_, err := s.db.Exec("VACUUM;")

	return err
}

// createBackup creates a backup of DB after vacuuming it
func (s *Store) createBackup() error {
	// First vacuum DB to reduce size
	if err := s.vacuum(); err != nil {
		s.logger.Warn("Failed to vacuum DB", "err", err)
	}

	s.logger.Debug("DB vacuumed")

	// Make a unique backup file name using current time
	backupDBFileName := fmt.Sprintf("%s-%s.bak.db", base.BrokerAppName, time.Now().Format("200601021504"))
	backupDBFilePath := filepath.Join(filepath.Dir(s.storage.dbPath), backupDBFileName)

	if err := s.backup(backupDBFilePath); err != nil {
		return err
	}

	// If backup is successful, move it to dbBackupPath
	err := os.Rename(backupDBFilePath, filepath.Join(s.storage.dbBackupPath, backupDBFileName))
	if err != nil {
		return fmt.Errorf("failed to move backup DB file: %w", err)
	}

	s.logger.Info("DB backed up", "file", backupDBFileName)

	return nil
}
