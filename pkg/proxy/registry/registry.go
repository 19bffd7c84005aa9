// Package registry implements the persistent job registry: one SQLite row
// per accepted submission, carrying the task document and the last observed
// scheduler state of its main job.
package registry

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/mahendrapaipuri/slurm-proxy/internal/structset"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/base"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/models"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/registry/migrator"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const defaultQueryTimeout = 10 * time.Second

var (
	// ErrDuplicate is returned when a record with the same job id or task
	// uuid already exists.
	ErrDuplicate = errors.New("job already in registry")

	// ErrNotFound is returned when no record matches.
	ErrNotFound = errors.New("job not found in registry")
)

// Config configures a Registry.
type Config struct {
	Logger       *slog.Logger
	DataPath     string        // directory the SQLite file lives in, created if missing
	QueryTimeout time.Duration // per query deadline
}

// Registry is the SQLite backed job registry. It is safe for concurrent use
// by the HTTP handlers and the poller.
type Registry struct {
	logger  *slog.Logger
	db      *sql.DB
	timeout time.Duration
}

// New opens (creating the data directory if needed) the registry database
// and applies pending schema migrations.
func New(c *Config) (*Registry, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(c.DataPath, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", c.DataPath, err)
	}

	dbPath := filepath.Join(c.DataPath, base.SlurmProxyDBName)

	// WAL lets the poller and the HTTP handlers write without tripping over
	// each other; the busy timeout covers the rest.
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database %s: %w", dbPath, err)
	}

	m, err := migrator.New(migrationsFS, "migrations", logger)
	if err != nil {
		db.Close()

		return nil, err
	}

	if err := m.ApplyMigrations(db); err != nil {
		db.Close()

		return nil, err
	}

	timeout := c.QueryTimeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}

	logger.Info("Job registry opened", "path", dbPath)

	return &Registry{logger: logger, db: db, timeout: timeout}, nil
}

// Add inserts a new record, stamping created_at. Records violating the job
// id or task uuid uniqueness surface ErrDuplicate.
func (r *Registry) Add(ctx context.Context, record *models.JobRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if record.CreatedAt == "" {
		record.CreatedAt = nowString()
	}

	statement := fmt.Sprintf(
		"INSERT INTO %s (slurm_username, slurm_job_id, slurm_job_state, task, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		base.JobsDBTableName,
	)

	_, err := r.db.ExecContext(
		ctx,
		statement,
		record.SlurmUsername,
		record.SlurmJobID,
		record.SlurmJobState,
		record.Task,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: job id %d / uuid %s", ErrDuplicate, record.SlurmJobID, record.Task.UUID)
		}

		return fmt.Errorf("failed to insert job record: %w", err)
	}

	return nil
}

// Get returns the record of one SLURM job id.
func (r *Registry) Get(ctx context.Context, jobID int64) (*models.JobRecord, error) {
	return r.one(ctx, "slurm_job_id = ?", jobID)
}

// GetByUUID returns the record whose task carries uuid.
func (r *Registry) GetByUUID(ctx context.Context, uuid string) (*models.JobRecord, error) {
	return r.one(ctx, "json_extract(task, '$.uuid') = ?", uuid)
}

// GetByState returns all records in one state, newest first.
func (r *Registry) GetByState(ctx context.Context, state models.State) ([]models.JobRecord, error) {
	return r.list(ctx, "slurm_job_state = ? ORDER BY created_at DESC", state)
}

// Scan returns all records created inside the window, oldest first.
func (r *Registry) Scan(ctx context.Context, from time.Time, to time.Time) ([]models.JobRecord, error) {
	return r.list(
		ctx,
		"created_at BETWEEN ? AND ? ORDER BY created_at ASC",
		from.UTC().Format(base.DatetimeLayout),
		to.UTC().Format(base.DatetimeLayout),
	)
}

// UpdateState sets the state of one record and stamps updated_at. Rewriting
// the same state is benign and still refreshes updated_at; a missing record
// is ErrNotFound.
func (r *Registry) UpdateState(ctx context.Context, jobID int64, state models.State) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	statement := fmt.Sprintf("UPDATE %s SET slurm_job_state = ?, updated_at = ? WHERE slurm_job_id = ?", base.JobsDBTableName)

	result, err := r.db.ExecContext(ctx, statement, state, nowString(), jobID)
	if err != nil {
		return fmt.Errorf("failed to update job record %d: %w", jobID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update job record %d: %w", jobID, err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: job id %d", ErrNotFound, jobID)
	}

	return nil
}

// Delete removes the record of one SLURM job id and returns it.
func (r *Registry) Delete(ctx context.Context, jobID int64) (*models.JobRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to delete job record %d: %w", jobID, err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx, r.selectStatement("slurm_job_id = ?"), jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete job record %d: %w", jobID, err)
	}

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("%w: job id %d", ErrNotFound, jobID)
	}

	statement := fmt.Sprintf("DELETE FROM %s WHERE slurm_job_id = ?", base.JobsDBTableName)
	if _, err := tx.ExecContext(ctx, statement, jobID); err != nil {
		return nil, fmt.Errorf("failed to delete job record %d: %w", jobID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to delete job record %d: %w", jobID, err)
	}

	return &records[0], nil
}

// Ping verifies the database is reachable.
func (r *Registry) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	return r.db.PingContext(ctx)
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

func (r *Registry) one(ctx context.Context, where string, args ...any) (*models.JobRecord, error) {
	records, err := r.list(ctx, where, args...)
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, ErrNotFound
	}

	return &records[0], nil
}

func (r *Registry) list(ctx context.Context, where string, args ...any) ([]models.JobRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, r.selectStatement(where), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query job records: %w", err)
	}

	return scanRecords(rows)
}

func (r *Registry) selectStatement(where string) string {
	return fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s",
		strings.Join(base.JobsDBTableColNames, ", "),
		base.JobsDBTableName,
		where,
	)
}

func scanRecords(rows *sql.Rows) ([]models.JobRecord, error) {
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read job record columns: %w", err)
	}

	indexes := structset.CachedFieldIndexes(reflect.TypeOf(models.JobRecord{}))

	var records []models.JobRecord

	for rows.Next() {
		var record models.JobRecord

		if err := structset.ScanRow(rows, columns, indexes, &record); err != nil {
			return nil, fmt.Errorf("failed to scan job record: %w", err)
		}

		records = append(records, record)
	}

	return records, rows.Err()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}

	return false
}

func nowString() string {
	return time.Now().UTC().Format(base.DatetimeLayout)
}
