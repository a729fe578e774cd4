package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
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

	return &SQLiteStore{
		path: cfg.Path,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// A single writer connection sidesteps SQLITE_BUSY under concurrent
	// step commits; reads still interleave through WAL.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

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

// Migrate runs database migrations.
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

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// GetSubscription retrieves a subscription by ID.
func (s *SQLiteStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	query := `
		SELECT id, product_type, state, version, attributes, created_at, updated_at
		FROM subscriptions
		WHERE id = ?
	`
	return scanSubscription(s.db.QueryRowContext(ctx, query, id))
}

// ListSubscriptions lists subscriptions, optionally filtered by lifecycle state.
func (s *SQLiteStore) ListSubscriptions(ctx context.Context, state *LifecycleState, limit, offset int) ([]*Subscription, error) {
	query := `
		SELECT id, product_type, state, version, attributes, created_at, updated_at
		FROM subscriptions
	`
	args := []any{}
	if state != nil {
		query += " WHERE state = ?"
		args = append(args, string(*state))
	}
	query += " ORDER BY created_at LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []*Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriptions: %w", err)
	}

	return subs, nil
}

// CreateProcess creates a new process record. It fails with
// ErrActiveProcessExists if another active process occupies the subscription;
// the partial unique index on processes enforces this atomically.
func (s *SQLiteStore) CreateProcess(ctx context.Context, proc *Process) error {
	query := `
		INSERT INTO processes (id, workflow_name, subscription_id, status, step_index, steps, input, abort_requested, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		proc.ID,
		proc.WorkflowName,
		proc.SubscriptionID,
		proc.Status,
		proc.StepIndex,
		proc.Steps,
		proc.Input,
		boolToInt(proc.AbortRequested),
		proc.Error,
		proc.CreatedAt,
		proc.UpdatedAt,
	)

	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrActiveProcessExists
		}
		return fmt.Errorf("failed to create process: %w", err)
	}

	return nil
}

// GetProcess retrieves a process by ID.
func (s *SQLiteStore) GetProcess(ctx context.Context, id string) (*Process, error) {
	query := `
		SELECT id, workflow_name, subscription_id, status, step_index, steps, input, abort_requested, error, created_at, updated_at
		FROM processes
		WHERE id = ?
	`
	return scanProcess(s.db.QueryRowContext(ctx, query, id))
}

// ListProcesses lists processes with optional subscription and status filters.
func (s *SQLiteStore) ListProcesses(ctx context.Context, subscriptionID *string, status *ProcessStatus, limit, offset int) ([]*Process, error) {
	query := `
		SELECT id, workflow_name, subscription_id, status, step_index, steps, input, abort_requested, error, created_at, updated_at
		FROM processes
	`
	conds := []string{}
	args := []any{}
	if subscriptionID != nil {
		conds = append(conds, "subscription_id = ?")
		args = append(args, *subscriptionID)
	}
	if status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*status))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	defer rows.Close()

	procs := []*Process{}
	for rows.Next() {
		proc, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		procs = append(procs, proc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating processes: %w", err)
	}

	return procs, nil
}

// ActiveProcess returns the pending, running or suspended process for a
// subscription, or ErrNotFound if none exists.
func (s *SQLiteStore) ActiveProcess(ctx context.Context, subscriptionID string) (*Process, error) {
	query := `
		SELECT id, workflow_name, subscription_id, status, step_index, steps, input, abort_requested, error, created_at, updated_at
		FROM processes
		WHERE subscription_id = ? AND status IN ('pending', 'running', 'suspended')
	`
	return scanProcess(s.db.QueryRowContext(ctx, query, subscriptionID))
}

// UpdateProcessStatus updates the status of a process.
func (s *SQLiteStore) UpdateProcessStatus(ctx context.Context, id string, status ProcessStatus, errMsg *string) error {
	query := `
		UPDATE processes
		SET status = ?, error = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, status, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update process status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// RequestAbort sets the abort-request flag on a process. The engine honours
// the flag at the next step boundary.
func (s *SQLiteStore) RequestAbort(ctx context.Context, id string) error {
	query := `UPDATE processes SET abort_requested = 1, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to request abort: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// ListStepRecords returns the full ordered step history of a process.
func (s *SQLiteStore) ListStepRecords(ctx context.Context, processID string) ([]*StepRecord, error) {
	query := `
		SELECT id, process_id, step_index, attempt, step_name, outcome, output, error, started_at, ended_at
		FROM step_records
		WHERE process_id = ?
		ORDER BY step_index, attempt
	`

	rows, err := s.db.QueryContext(ctx, query, processID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step records: %w", err)
	}
	defer rows.Close()

	records := []*StepRecord{}
	for rows.Next() {
		rec := &StepRecord{}
		err := rows.Scan(
			&rec.ID,
			&rec.ProcessID,
			&rec.StepIndex,
			&rec.Attempt,
			&rec.StepName,
			&rec.Outcome,
			&rec.Output,
			&rec.Error,
			&rec.StartedAt,
			&rec.EndedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating step records: %w", err)
	}

	return records, nil
}

// AppendStepRecord inserts a step record outside a step commit. Used for
// compensation attempts during abort, which must be recorded even when the
// process row update happens separately.
func (s *SQLiteStore) AppendStepRecord(ctx context.Context, rec *StepRecord) error {
	return insertStepRecord(ctx, s.db, rec)
}

// CommitStep applies one step commit in a single transaction: step record
// insert, process advance and any subscription mutation. A crash between
// steps therefore leaves the process resumable at the next un-executed step
// with no partial effects visible.
func (s *SQLiteStore) CommitStep(ctx context.Context, commit StepCommit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := insertStepRecord(ctx, tx, &commit.Record); err != nil {
		return err
	}

	abortClause := ""
	if commit.ClearAbort {
		abortClause = ", abort_requested = 0"
	}
	query := fmt.Sprintf(`
		UPDATE processes
		SET status = ?, step_index = ?, error = ?, updated_at = ?%s
		WHERE id = ?
	`, abortClause)

	result, err := tx.ExecContext(ctx, query,
		commit.ProcessStatus,
		commit.StepIndex,
		commit.ProcessError,
		time.Now().UTC(),
		commit.Record.ProcessID,
	)
	if err != nil {
		return fmt.Errorf("failed to advance process: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	if commit.Subscription != nil {
		if err := applySubscriptionMutation(ctx, tx, commit.Subscription); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit step: %w", err)
	}

	return nil
}

// AcquireLease acquires or takes over the lease for a subscription. A live
// lease held by a different owner fails with ErrLeaseHeld; only expiry frees
// it for takeover, so two workers can never hold the same subscription at
// once. The holder itself may re-acquire to extend or repoint its lease.
func (s *SQLiteStore) AcquireLease(ctx context.Context, lease *Lease, now time.Time) error {
	query := `
		INSERT INTO leases (subscription_id, process_id, owner, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(subscription_id) DO UPDATE SET
			process_id = excluded.process_id,
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE leases.expires_at <= ? OR leases.owner = excluded.owner
	`

	result, err := s.db.ExecContext(ctx, query,
		lease.SubscriptionID,
		lease.ProcessID,
		lease.Owner,
		lease.ExpiresAt,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to acquire lease: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return ErrLeaseHeld
	}

	return nil
}

// RenewLease extends a lease held by the given owner.
func (s *SQLiteStore) RenewLease(ctx context.Context, subscriptionID, owner string, expiresAt, now time.Time) error {
	query := `
		UPDATE leases
		SET expires_at = ?
		WHERE subscription_id = ? AND owner = ? AND expires_at > ?
	`

	result, err := s.db.ExecContext(ctx, query, expiresAt, subscriptionID, owner, now)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return ErrLeaseLost
	}

	return nil
}

// ReleaseLease drops the lease held for a process.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, subscriptionID, processID string) error {
	query := `DELETE FROM leases WHERE subscription_id = ? AND process_id = ?`

	if _, err := s.db.ExecContext(ctx, query, subscriptionID, processID); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}

	return nil
}

// GetLease retrieves the lease for a subscription.
func (s *SQLiteStore) GetLease(ctx context.Context, subscriptionID string) (*Lease, error) {
	query := `
		SELECT subscription_id, process_id, owner, expires_at
		FROM leases
		WHERE subscription_id = ?
	`

	lease := &Lease{}
	err := s.db.QueryRowContext(ctx, query, subscriptionID).Scan(
		&lease.SubscriptionID,
		&lease.ProcessID,
		&lease.Owner,
		&lease.ExpiresAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}

	return lease, nil
}

// OrphanedProcesses returns running processes whose worker lease is missing
// or expired as of now.
func (s *SQLiteStore) OrphanedProcesses(ctx context.Context, now time.Time) ([]*Process, error) {
	query := `
		SELECT p.id, p.workflow_name, p.subscription_id, p.status, p.step_index, p.steps, p.input, p.abort_requested, p.error, p.created_at, p.updated_at
		FROM processes p
		LEFT JOIN leases l ON l.process_id = p.id
		WHERE p.status = 'running' AND (l.process_id IS NULL OR l.expires_at <= ?)
	`

	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphaned processes: %w", err)
	}
	defer rows.Close()

	procs := []*Process{}
	for rows.Next() {
		proc, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		procs = append(procs, proc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orphaned processes: %w", err)
	}

	return procs, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSubscription(row scannable) (*Subscription, error) {
	sub := &Subscription{}
	var attrs string
	err := row.Scan(
		&sub.ID,
		&sub.ProductType,
		&sub.State,
		&sub.Version,
		&attrs,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}

	if err := json.Unmarshal([]byte(attrs), &sub.Attributes); err != nil {
		return nil, fmt.Errorf("failed to decode subscription attributes: %w", err)
	}

	return sub, nil
}

func scanProcess(row scannable) (*Process, error) {
	proc := &Process{}
	var abort int
	err := row.Scan(
		&proc.ID,
		&proc.WorkflowName,
		&proc.SubscriptionID,
		&proc.Status,
		&proc.StepIndex,
		&proc.Steps,
		&proc.Input,
		&abort,
		&proc.Error,
		&proc.CreatedAt,
		&proc.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan process: %w", err)
	}

	proc.AbortRequested = abort != 0
	return proc, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertStepRecord(ctx context.Context, e execer, rec *StepRecord) error {
	query := `
		INSERT INTO step_records (process_id, step_index, attempt, step_name, outcome, output, error, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := e.ExecContext(ctx, query,
		rec.ProcessID,
		rec.StepIndex,
		rec.Attempt,
		rec.StepName,
		rec.Outcome,
		rec.Output,
		rec.Error,
		rec.StartedAt,
		rec.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert step record: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		rec.ID = id
	}

	return nil
}

type queryExecer interface {
	execer
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func applySubscriptionMutation(ctx context.Context, q queryExecer, m *SubscriptionMutation) error {
	if m.Create != nil {
		attrs, err := json.Marshal(nonNilAttrs(m.Create.Attributes))
		if err != nil {
			return fmt.Errorf("failed to encode subscription attributes: %w", err)
		}

		query := `
			INSERT INTO subscriptions (id, product_type, state, version, attributes, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`
		_, err = q.ExecContext(ctx, query,
			m.Create.ID,
			m.Create.ProductType,
			m.Create.State,
			m.Create.Version,
			string(attrs),
			m.Create.CreatedAt,
			m.Create.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create subscription: %w", err)
		}
		return nil
	}

	var (
		state   LifecycleState
		version int64
		attrs   string
	)
	row := q.QueryRowContext(ctx, `SELECT state, version, attributes FROM subscriptions WHERE id = ?`, m.ID)
	if err := row.Scan(&state, &version, &attrs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read subscription: %w", err)
	}

	if version != m.ExpectedVersion {
		return ErrVersionConflict
	}

	if m.NewState != nil {
		state = *m.NewState
	}

	merged := map[string]string{}
	if err := json.Unmarshal([]byte(attrs), &merged); err != nil {
		return fmt.Errorf("failed to decode subscription attributes: %w", err)
	}
	for k, v := range m.SetAttributes {
		merged[k] = v
	}
	encoded, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to encode subscription attributes: %w", err)
	}

	query := `
		UPDATE subscriptions
		SET state = ?, attributes = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`
	result, err := q.ExecContext(ctx, query, state, string(encoded), time.Now().UTC(), m.ID, m.ExpectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrVersionConflict
	}

	return nil
}

func nonNilAttrs(attrs map[string]string) map[string]string {
	if attrs == nil {
		return map[string]string{}
	}
	return attrs
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
