package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/statusflow/statusflow/pkg/resource"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration. Zero pool values fall back to
// defaults chosen in NewSQLiteStore.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	return &SQLiteStore{cfg: cfg}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations from the embedded migration files.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// PutResource creates a new resource record.
func (s *SQLiteStore) PutResource(ctx context.Context, r *resource.Resource) error {
	query := `
		INSERT INTO resources (id, kind, status, desired_status, status_detail, last_updated, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		r.ID,
		r.Kind,
		string(r.Status),
		statusPtrToNull(r.DesiredStatus),
		r.StatusDetail,
		r.LastUpdated,
		r.CreatedAt,
	)

	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("resource %s: %w", r.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create resource: %w", err)
	}

	return nil
}

// GetResource retrieves a resource by ID.
func (s *SQLiteStore) GetResource(ctx context.Context, id string) (*resource.Resource, error) {
	query := `
		SELECT id, kind, status, desired_status, status_detail, last_updated, created_at
		FROM resources
		WHERE id = ?
	`
	return scanResource(s.db.QueryRowContext(ctx, query, id), id)
}

// ListResources lists resources with pagination, most recently updated first.
func (s *SQLiteStore) ListResources(ctx context.Context, limit, offset int) ([]*resource.Resource, error) {
	query := `
		SELECT id, kind, status, desired_status, status_detail, last_updated, created_at
		FROM resources
		ORDER BY last_updated DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	resources := []*resource.Resource{}
	for rows.Next() {
		r, err := scanResource(rows, "")
		if err != nil {
			return nil, err
		}
		resources = append(resources, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}

	return resources, nil
}

// CompareAndSetStatus atomically updates the resource status, guarded by the
// expected current status and by the absence of a desired status. The desired
// status guard serializes the synchronous path against a concurrently created
// operation: once an operation records its target, no direct write may slip a
// status change underneath it.
func (s *SQLiteStore) CompareAndSetStatus(ctx context.Context, id string, expected, next resource.Status, detail string) error {
	query := `
		UPDATE resources
		SET status = ?, status_detail = ?, last_updated = ?
		WHERE id = ? AND status = ? AND desired_status IS NULL
	`

	result, err := s.db.ExecContext(ctx, query, string(next), detail, time.Now().UTC(), id, string(expected))
	if err != nil {
		return fmt.Errorf("failed to update resource status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		// Distinguish a lost race from a missing resource.
		r, err := s.GetResource(ctx, id)
		if err != nil {
			return err
		}
		if r.DesiredStatus != nil {
			return fmt.Errorf("resource %s has an in-flight operation: %w", id, ErrConflict)
		}
		return fmt.Errorf("resource %s status changed concurrently: %w", id, ErrConflict)
	}

	return nil
}

// SetDesiredStatus atomically updates the desired status field; nil clears it.
func (s *SQLiteStore) SetDesiredStatus(ctx context.Context, id string, desired *resource.Status) error {
	query := `UPDATE resources SET desired_status = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, statusPtrToNull(desired), id)
	if err != nil {
		return fmt.Errorf("failed to set desired status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("resource %s: %w", id, ErrNotFound)
	}

	return nil
}

// CreateOperation inserts a pending operation and sets the resource's desired
// status in a single transaction. At most one non-terminal operation may exist
// per resource; a second one fails with ErrConflict.
func (s *SQLiteStore) CreateOperation(ctx context.Context, op *Operation) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var active string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM operations WHERE resource_id = ? AND state IN ('pending', 'running')`,
		op.ResourceID,
	).Scan(&active)
	switch {
	case err == nil:
		return fmt.Errorf("resource %s has in-flight operation %s: %w", op.ResourceID, active, ErrConflict)
	case err != sql.ErrNoRows:
		return fmt.Errorf("failed to check for active operation: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE resources SET desired_status = ? WHERE id = ?`,
		string(op.TargetStatus), op.ResourceID,
	)
	if err != nil {
		return fmt.Errorf("failed to set desired status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("resource %s: %w", op.ResourceID, ErrNotFound)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO operations (id, resource_id, target_status, state, effect, params, failure_reason, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.ResourceID, string(op.TargetStatus), string(op.State), op.Effect, op.Params, op.FailureReason, op.CreatedAt, op.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("resource %s has an in-flight operation: %w", op.ResourceID, ErrConflict)
		}
		return fmt.Errorf("failed to create operation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit operation: %w", err)
	}

	return nil
}

// GetOperation retrieves an operation by ID.
func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (*Operation, error) {
	query := `
		SELECT id, resource_id, target_status, state, effect, params, failure_reason, created_at, completed_at
		FROM operations
		WHERE id = ?
	`
	return scanOperation(s.db.QueryRowContext(ctx, query, id), id)
}

// AdvanceOperation moves an operation through its state machine. Terminal
// operations reject further advances with ErrAlreadyTerminal. On transition to
// succeeded the resource status is set to the target status and the desired
// status is cleared; on failed only the desired status is cleared. All updates
// commit in one transaction, so the resource is never updated twice for the
// same operation.
func (s *SQLiteStore) AdvanceOperation(ctx context.Context, id string, next OperationState, failureReason *string) (*Operation, error) {
	if err := next.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	op, err := scanOperation(tx.QueryRowContext(ctx,
		`SELECT id, resource_id, target_status, state, effect, params, failure_reason, created_at, completed_at
		 FROM operations WHERE id = ?`, id), id)
	if err != nil {
		return nil, err
	}

	if op.State.IsTerminal() {
		return nil, fmt.Errorf("operation %s is %s: %w", id, op.State, ErrAlreadyTerminal)
	}
	if !op.State.CanAdvanceTo(next) {
		return nil, fmt.Errorf("operation %s cannot advance from %s to %s", id, op.State, next)
	}

	var completedAt *time.Time
	if next.IsTerminal() {
		now := time.Now().UTC()
		completedAt = &now
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE operations SET state = ?, failure_reason = ?, completed_at = ?
		 WHERE id = ? AND state = ?`,
		string(next), failureReason, completedAt, id, string(op.State),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to advance operation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("operation %s advanced concurrently: %w", id, ErrConflict)
	}

	switch next {
	case OperationSucceeded:
		_, err = tx.ExecContext(ctx,
			`UPDATE resources SET status = ?, desired_status = NULL, last_updated = ? WHERE id = ?`,
			string(op.TargetStatus), time.Now().UTC(), op.ResourceID,
		)
	case OperationFailed:
		_, err = tx.ExecContext(ctx,
			`UPDATE resources SET desired_status = NULL WHERE id = ?`,
			op.ResourceID,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update resource for operation %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit operation advance: %w", err)
	}

	op.State = next
	op.FailureReason = failureReason
	op.CompletedAt = completedAt
	return op, nil
}

// ActiveOperation returns the non-terminal operation referencing the resource,
// or nil if there is none.
func (s *SQLiteStore) ActiveOperation(ctx context.Context, resourceID string) (*Operation, error) {
	query := `
		SELECT id, resource_id, target_status, state, effect, params, failure_reason, created_at, completed_at
		FROM operations
		WHERE resource_id = ? AND state IN ('pending', 'running')
	`

	op, err := scanOperation(s.db.QueryRowContext(ctx, query, resourceID), "")
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return op, nil
}

// ListOperationsByResource lists all operations for a resource, newest first.
func (s *SQLiteStore) ListOperationsByResource(ctx context.Context, resourceID string) ([]*Operation, error) {
	query := `
		SELECT id, resource_id, target_status, state, effect, params, failure_reason, created_at, completed_at
		FROM operations
		WHERE resource_id = ?
		ORDER BY created_at DESC
	`
	return s.queryOperations(ctx, query, resourceID)
}

// PendingOperations lists all operations still pending, oldest first. Used at
// startup to recover side effects recorded before a crash.
func (s *SQLiteStore) PendingOperations(ctx context.Context) ([]*Operation, error) {
	query := `
		SELECT id, resource_id, target_status, state, effect, params, failure_reason, created_at, completed_at
		FROM operations
		WHERE state = 'pending'
		ORDER BY created_at ASC
	`
	return s.queryOperations(ctx, query)
}

func (s *SQLiteStore) queryOperations(ctx context.Context, query string, args ...any) ([]*Operation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	ops := []*Operation{}
	for rows.Next() {
		op, err := scanOperation(rows, "")
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}

	return ops, nil
}

// AppendEvent appends a new event to the log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (resource_id, operation_id, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.ResourceID,
		event.OperationID,
		string(event.Level),
		event.Message,
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// ListEvents retrieves events with optional filters and pagination.
func (s *SQLiteStore) ListEvents(ctx context.Context, resourceID, operationID *string, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, resource_id, operation_id, level, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR resource_id = ?)
		  AND (? IS NULL OR operation_id = ?)
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, resourceID, resourceID, operationID, operationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		var level string
		err := rows.Scan(
			&event.ID,
			&event.ResourceID,
			&event.OperationID,
			&level,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Level = EventLevel(level)
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanResource(row rowScanner, id string) (*resource.Resource, error) {
	r := &resource.Resource{}
	var status string
	var desired sql.NullString

	err := row.Scan(&r.ID, &r.Kind, &status, &desired, &r.StatusDetail, &r.LastUpdated, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("resource %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan resource: %w", err)
	}

	r.Status = resource.Status(status)
	if desired.Valid {
		d := resource.Status(desired.String)
		r.DesiredStatus = &d
	}
	return r, nil
}

func scanOperation(row rowScanner, id string) (*Operation, error) {
	op := &Operation{}
	var target, state string

	err := row.Scan(&op.ID, &op.ResourceID, &target, &state, &op.Effect, &op.Params, &op.FailureReason, &op.CreatedAt, &op.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan operation: %w", err)
	}

	op.TargetStatus = resource.Status(target)
	op.State = OperationState(state)
	return op, nil
}

func statusPtrToNull(s *resource.Status) any {
	if s == nil {
		return nil
	}
	return string(*s)
}

// isUniqueViolation reports whether the driver error is a UNIQUE or PRIMARY
// KEY constraint violation. modernc.org/sqlite surfaces these as plain errors,
// so classification is by message.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
