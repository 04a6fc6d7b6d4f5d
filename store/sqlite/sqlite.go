/*
Package sqlite provides a SQLite-backed implementation of the engine's
storage and directory interfaces.

PURPOSE:
  Implements engine.TxStore and engine.Directory using SQLite. In
  production, the same patterns apply to PostgreSQL - only minor SQL dialect
  differences.

INTERFACES IMPLEMENTED:
  engine.TxStore:    Contraventions, approvals, points, escalations, training,
                     catalog, reference sequences - all in one transaction
  engine.Directory:  Users by id or email

OPTIMISTIC CONCURRENCY:
  contraventions and point_records carry a version column. Updates are
  conditional:

    UPDATE point_records SET ..., version = version + 1
    WHERE employee_id = ? AND version = ?

  Zero rows affected means another writer got there first and the call
  returns *engine.ConflictError. training_records.points_credited is flipped
  with the same technique (WHERE points_credited = 0).

APPEND-ONLY TABLES:
  point_events and point_archives are never updated or deleted.

KEY TABLES:
  users:              Directory entries
  contravention_types, training_courses: Catalog
  contraventions:     Reported violations (versioned)
  approval_requests:  Approver decisions, kept for history
  point_records:      Running totals and cached tiers (versioned)
  point_events:       Immutable point history
  point_archives:     Fiscal-year snapshots, unique per (employee, year)
  escalations:        Tier-increase records and remedial progress
  training_records:   Course assignments and credit flags
  reference_sequences: Per-year counters for PC-YYYY-NNNNNN references

CONCURRENCY:
  WithTx holds a sync.Mutex for the life of the SQL transaction, so engine
  operations are serialized in-process. ":memory:" databases are limited to
  a single connection because every SQLite connection opens its own
  in-memory database.

WAL MODE:
  File databases are opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/contraventions.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  eng, err := engine.New(engine.Deps{Store: store, Directory: store}, cfg)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/contravention-engine/engine"
)

// Store implements engine.TxStore and engine.Directory using SQLite.
type Store struct {
	queries
	db *sql.DB
	mu sync.Mutex
}

var (
	_ engine.TxStore   = (*Store)(nil)
	_ engine.Directory = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, queries: queries{q: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Directory
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		name TEXT NOT NULL,
		is_admin INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email
		ON users(email COLLATE NOCASE);

	-- Catalog
	CREATE TABLE IF NOT EXISTS contravention_types (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		default_points INTEGER NOT NULL,
		allows_custom_label INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS training_courses (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		point_credit INTEGER NOT NULL
	);

	-- Contraventions (versioned)
	CREATE TABLE IF NOT EXISTS contraventions (
		id TEXT PRIMARY KEY,
		reference TEXT NOT NULL UNIQUE,
		employee_id TEXT NOT NULL,
		logger_id TEXT NOT NULL,
		type_id TEXT NOT NULL REFERENCES contravention_types(id),
		custom_type TEXT,
		description TEXT NOT NULL,
		justification TEXT,
		mitigation TEXT,
		summary TEXT,
		value TEXT NOT NULL,
		incident_date TEXT NOT NULL,
		points INTEGER NOT NULL,
		documents_json TEXT,
		approver_email TEXT,
		approval_document TEXT,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		resolved_at TEXT,
		resolved_by TEXT,
		acknowledged_at TEXT,
		acknowledged_by TEXT,
		version INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_contraventions_employee
		ON contraventions(employee_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_contraventions_status
		ON contraventions(status);

	CREATE TABLE IF NOT EXISTS reference_sequences (
		year INTEGER PRIMARY KEY,
		value INTEGER NOT NULL
	);

	-- Approval requests
	CREATE TABLE IF NOT EXISTS approval_requests (
		id TEXT PRIMARY KEY,
		contravention_id TEXT NOT NULL REFERENCES contraventions(id),
		approver_id TEXT NOT NULL,
		status TEXT NOT NULL,
		notes TEXT,
		reviewed_by TEXT,
		reviewed_at TEXT,
		created_at TEXT NOT NULL,
		seq INTEGER NOT NULL
	);

	-- At most one pending request per contravention
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_pending_approval
		ON approval_requests(contravention_id)
		WHERE status = 'PENDING';

	-- Point records (versioned)
	CREATE TABLE IF NOT EXISTS point_records (
		employee_id TEXT PRIMARY KEY,
		total_points INTEGER NOT NULL CHECK (total_points >= 0),
		current_tier TEXT NOT NULL,
		version INTEGER NOT NULL,
		fiscal_year TEXT,
		reset_at TEXT,
		updated_at TEXT NOT NULL
	);

	-- Point history (append-only)
	CREATE TABLE IF NOT EXISTS point_events (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		delta INTEGER NOT NULL,
		requested INTEGER NOT NULL,
		reason TEXT,
		contravention_id TEXT,
		training_record_id TEXT,
		at TEXT NOT NULL,
		seq INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_point_events_employee_at
		ON point_events(employee_id, at);

	CREATE TABLE IF NOT EXISTS point_archives (
		employee_id TEXT NOT NULL,
		fiscal_year TEXT NOT NULL,
		total_points INTEGER NOT NULL,
		tier TEXT NOT NULL,
		archived_at TEXT NOT NULL,
		PRIMARY KEY (employee_id, fiscal_year)
	);

	-- Escalations
	CREATE TABLE IF NOT EXISTS escalations (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		tier TEXT NOT NULL,
		required_actions_json TEXT NOT NULL,
		completed_actions_json TEXT NOT NULL,
		triggered_at TEXT NOT NULL,
		completed_at TEXT,
		seq INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_escalations_employee
		ON escalations(employee_id);

	-- Training records
	CREATE TABLE IF NOT EXISTS training_records (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		course_id TEXT NOT NULL REFERENCES training_courses(id),
		status TEXT NOT NULL,
		assigned_at TEXT NOT NULL,
		due_at TEXT,
		completed_at TEXT,
		points_credited INTEGER NOT NULL DEFAULT 0,
		credited_points INTEGER NOT NULL DEFAULT 0,
		credited_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_training_employee
		ON training_records(employee_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (engine.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store engine.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements engine.Store against a querier. Store embeds one bound
// to the database; WithTx hands out one bound to the transaction.
type queries struct {
	q querier
}

// =============================================================================
// CONTRAVENTIONS
// =============================================================================

const contraventionColumns = `
	id, reference, employee_id, logger_id, type_id, custom_type, description,
	justification, mitigation, summary, value, incident_date, points,
	documents_json, approver_email, approval_document, status, created_at,
	updated_at, resolved_at, resolved_by, acknowledged_at, acknowledged_by, version`

func (s *queries) GetContravention(ctx context.Context, id engine.ContraventionID) (*engine.Contravention, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+contraventionColumns+" FROM contraventions WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query contravention: %w", err)
	}
	list, err := scanContraventions(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, &engine.NotFoundError{Entity: "contravention", ID: string(id)}
	}
	return &list[0], nil
}

func (s *queries) InsertContravention(ctx context.Context, c *engine.Contravention) error {
	docs, err := encodeJSON("documents", c.Documents)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx,
		"INSERT INTO contraventions ("+contraventionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		c.ID, c.Reference, c.EmployeeID, c.LoggerID, c.TypeID,
		nullString(c.CustomType), c.Description,
		nullString(c.Justification), nullString(c.Mitigation), nullString(c.Summary),
		c.Value.String(), formatTime(c.IncidentDate), c.Points, docs,
		nullString(c.ApproverEmail), nullString(c.ApprovalDocument), c.Status,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
		nullTime(c.ResolvedAt), nullUser(c.ResolvedBy),
		nullTime(c.AcknowledgedAt), nullUser(c.AcknowledgedBy),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &engine.ConflictError{Entity: "contravention", ID: string(c.ID)}
		}
		return fmt.Errorf("failed to insert contravention: %w", err)
	}
	c.Version = 1
	return nil
}

func (s *queries) UpdateContravention(ctx context.Context, c *engine.Contravention) error {
	docs, err := encodeJSON("documents", c.Documents)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE contraventions SET
			employee_id = ?, type_id = ?, custom_type = ?, description = ?,
			justification = ?, mitigation = ?, summary = ?, value = ?,
			incident_date = ?, points = ?, documents_json = ?, approver_email = ?,
			approval_document = ?, status = ?, updated_at = ?, resolved_at = ?,
			resolved_by = ?, acknowledged_at = ?, acknowledged_by = ?,
			version = version + 1
		WHERE id = ? AND version = ?`,
		c.EmployeeID, c.TypeID, nullString(c.CustomType), c.Description,
		nullString(c.Justification), nullString(c.Mitigation), nullString(c.Summary),
		c.Value.String(), formatTime(c.IncidentDate), c.Points, docs,
		nullString(c.ApproverEmail), nullString(c.ApprovalDocument), c.Status,
		formatTime(c.UpdatedAt), nullTime(c.ResolvedAt), nullUser(c.ResolvedBy),
		nullTime(c.AcknowledgedAt), nullUser(c.AcknowledgedBy),
		c.ID, c.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update contravention: %w", err)
	}
	if err := expectOneRow(res, "contravention", string(c.ID)); err != nil {
		return err
	}
	c.Version++
	return nil
}

func (s *queries) DeleteContravention(ctx context.Context, id engine.ContraventionID) error {
	res, err := s.q.ExecContext(ctx, "DELETE FROM contraventions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete contravention: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &engine.NotFoundError{Entity: "contravention", ID: string(id)}
	}
	return nil
}

func (s *queries) ListContraventionsByEmployee(ctx context.Context, employeeID engine.UserID) ([]engine.Contravention, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+contraventionColumns+` FROM contraventions
		WHERE employee_id = ? ORDER BY created_at ASC, reference ASC`, employeeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query contraventions: %w", err)
	}
	return scanContraventions(rows)
}

func (s *queries) NextReferenceSequence(ctx context.Context, year int) (int, error) {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO reference_sequences (year, value) VALUES (?, 1)
		ON CONFLICT(year) DO UPDATE SET value = value + 1`, year)
	if err != nil {
		return 0, fmt.Errorf("failed to advance reference sequence: %w", err)
	}
	var n int
	err = s.q.QueryRowContext(ctx, "SELECT value FROM reference_sequences WHERE year = ?", year).Scan(&n)
	return n, err
}

func scanContraventions(rows *sql.Rows) ([]engine.Contravention, error) {
	defer rows.Close()

	var out []engine.Contravention
	for rows.Next() {
		var (
			c                                              engine.Contravention
			customType, justification, mitigation, summary sql.NullString
			approverEmail, approvalDocument, docs          sql.NullString
			value, incidentDate, createdAt, updatedAt      string
			resolvedAt, resolvedBy, ackAt, ackBy           sql.NullString
		)
		if err := rows.Scan(
			&c.ID, &c.Reference, &c.EmployeeID, &c.LoggerID, &c.TypeID, &customType,
			&c.Description, &justification, &mitigation, &summary, &value,
			&incidentDate, &c.Points, &docs, &approverEmail, &approvalDocument,
			&c.Status, &createdAt, &updatedAt, &resolvedAt, &resolvedBy,
			&ackAt, &ackBy, &c.Version,
		); err != nil {
			return nil, fmt.Errorf("failed to scan contravention: %w", err)
		}

		c.CustomType = customType.String
		c.Justification = justification.String
		c.Mitigation = mitigation.String
		c.Summary = summary.String
		c.ApproverEmail = approverEmail.String
		c.ApprovalDocument = approvalDocument.String
		c.Value, _ = decimal.NewFromString(value)
		c.IncidentDate = parseTime(incidentDate)
		c.CreatedAt = parseTime(createdAt)
		c.UpdatedAt = parseTime(updatedAt)
		c.ResolvedAt = parseNullTime(resolvedAt)
		c.ResolvedBy = parseNullUser(resolvedBy)
		c.AcknowledgedAt = parseNullTime(ackAt)
		c.AcknowledgedBy = parseNullUser(ackBy)
		if docs.Valid && docs.String != "" {
			if err := json.Unmarshal([]byte(docs.String), &c.Documents); err != nil {
				return nil, fmt.Errorf("failed to decode documents of %s: %w", c.ID, err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// =============================================================================
// APPROVAL REQUESTS
// =============================================================================

const approvalColumns = `id, contravention_id, approver_id, status, notes, reviewed_by, reviewed_at, created_at`

func (s *queries) GetApproval(ctx context.Context, id engine.ApprovalID) (*engine.ApprovalRequest, error) {
	list, err := s.queryApprovals(ctx, "SELECT "+approvalColumns+" FROM approval_requests WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, &engine.NotFoundError{Entity: "approval_request", ID: string(id)}
	}
	return &list[0], nil
}

func (s *queries) InsertApproval(ctx context.Context, a *engine.ApprovalRequest) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO approval_requests (`+approvalColumns+`, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM approval_requests))`,
		a.ID, a.ContraventionID, a.ApproverID, a.Status, nullString(a.Notes),
		nullUser(a.ReviewedBy), nullTime(a.ReviewedAt), formatTime(a.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &engine.ConflictError{Entity: "approval_request", ID: string(a.ContraventionID)}
		}
		return fmt.Errorf("failed to insert approval request: %w", err)
	}
	return nil
}

func (s *queries) UpdateApproval(ctx context.Context, a *engine.ApprovalRequest) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE approval_requests SET status = ?, notes = ?, reviewed_by = ?, reviewed_at = ?
		WHERE id = ?`,
		a.Status, nullString(a.Notes), nullUser(a.ReviewedBy), nullTime(a.ReviewedAt), a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update approval request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &engine.NotFoundError{Entity: "approval_request", ID: string(a.ID)}
	}
	return nil
}

func (s *queries) PendingApproval(ctx context.Context, id engine.ContraventionID) (*engine.ApprovalRequest, error) {
	list, err := s.queryApprovals(ctx,
		"SELECT "+approvalColumns+" FROM approval_requests WHERE contravention_id = ? AND status = ?",
		id, engine.ApprovalPending)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func (s *queries) ListApprovals(ctx context.Context, id engine.ContraventionID) ([]engine.ApprovalRequest, error) {
	return s.queryApprovals(ctx,
		"SELECT "+approvalColumns+" FROM approval_requests WHERE contravention_id = ? ORDER BY seq ASC", id)
}

func (s *queries) DeleteApprovals(ctx context.Context, id engine.ContraventionID) error {
	_, err := s.q.ExecContext(ctx, "DELETE FROM approval_requests WHERE contravention_id = ?", id)
	return err
}

func (s *queries) queryApprovals(ctx context.Context, query string, args ...any) ([]engine.ApprovalRequest, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query approval requests: %w", err)
	}
	defer rows.Close()

	var out []engine.ApprovalRequest
	for rows.Next() {
		var (
			a                             engine.ApprovalRequest
			notes, reviewedBy, reviewedAt sql.NullString
			createdAt                     string
		)
		if err := rows.Scan(&a.ID, &a.ContraventionID, &a.ApproverID, &a.Status,
			&notes, &reviewedBy, &reviewedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan approval request: %w", err)
		}
		a.Notes = notes.String
		a.ReviewedBy = parseNullUser(reviewedBy)
		a.ReviewedAt = parseNullTime(reviewedAt)
		a.CreatedAt = parseTime(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// POINTS
// =============================================================================

func (s *queries) GetPointRecord(ctx context.Context, employeeID engine.UserID) (*engine.PointRecord, error) {
	list, err := s.queryPointRecords(ctx, `
		SELECT employee_id, total_points, current_tier, version, fiscal_year, reset_at, updated_at
		FROM point_records WHERE employee_id = ?`, employeeID)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func (s *queries) SavePointRecord(ctx context.Context, rec *engine.PointRecord, expectedVersion int64) error {
	var (
		res sql.Result
		err error
	)
	if expectedVersion == 0 {
		res, err = s.q.ExecContext(ctx, `
			INSERT INTO point_records (employee_id, total_points, current_tier, version, fiscal_year, reset_at, updated_at)
			VALUES (?, ?, ?, 1, ?, ?, ?)
			ON CONFLICT(employee_id) DO NOTHING`,
			rec.EmployeeID, rec.TotalPoints, rec.CurrentTier,
			nullString(rec.FiscalYear), nullZeroTime(rec.ResetAt), formatTime(rec.UpdatedAt),
		)
	} else {
		res, err = s.q.ExecContext(ctx, `
			UPDATE point_records SET
				total_points = ?, current_tier = ?, fiscal_year = ?, reset_at = ?,
				updated_at = ?, version = version + 1
			WHERE employee_id = ? AND version = ?`,
			rec.TotalPoints, rec.CurrentTier, nullString(rec.FiscalYear),
			nullZeroTime(rec.ResetAt), formatTime(rec.UpdatedAt),
			rec.EmployeeID, expectedVersion,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to save point record: %w", err)
	}
	if err := expectOneRow(res, "point_record", string(rec.EmployeeID)); err != nil {
		return err
	}
	rec.Version = expectedVersion + 1
	return nil
}

func (s *queries) ListPointRecords(ctx context.Context) ([]engine.PointRecord, error) {
	return s.queryPointRecords(ctx, `
		SELECT employee_id, total_points, current_tier, version, fiscal_year, reset_at, updated_at
		FROM point_records ORDER BY employee_id`)
}

func (s *queries) queryPointRecords(ctx context.Context, query string, args ...any) ([]engine.PointRecord, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query point records: %w", err)
	}
	defer rows.Close()

	var out []engine.PointRecord
	for rows.Next() {
		var (
			rec                 engine.PointRecord
			fiscalYear, resetAt sql.NullString
			updatedAt           string
		)
		if err := rows.Scan(&rec.EmployeeID, &rec.TotalPoints, &rec.CurrentTier, &rec.Version,
			&fiscalYear, &resetAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan point record: %w", err)
		}
		rec.FiscalYear = fiscalYear.String
		if resetAt.Valid {
			rec.ResetAt = parseTime(resetAt.String)
		}
		rec.UpdatedAt = parseTime(updatedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *queries) AppendPointEvent(ctx context.Context, ev engine.PointEvent) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO point_events
		(id, employee_id, kind, delta, requested, reason, contravention_id, training_record_id, at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM point_events))`,
		ev.ID, ev.EmployeeID, ev.Kind, ev.Delta, ev.Requested, nullString(ev.Reason),
		nullString(string(ev.ContraventionID)), nullString(string(ev.TrainingRecordID)),
		formatTime(ev.At),
	)
	if err != nil {
		return fmt.Errorf("failed to append point event: %w", err)
	}
	return nil
}

func (s *queries) ListPointEvents(ctx context.Context, employeeID engine.UserID, since time.Time) ([]engine.PointEvent, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, employee_id, kind, delta, requested, reason, contravention_id, training_record_id, at
		FROM point_events
		WHERE employee_id = ? AND at >= ?
		ORDER BY seq ASC`, employeeID, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query point events: %w", err)
	}
	defer rows.Close()

	var out []engine.PointEvent
	for rows.Next() {
		var (
			ev                                  engine.PointEvent
			reason, contraventionID, trainingID sql.NullString
			at                                  string
		)
		if err := rows.Scan(&ev.ID, &ev.EmployeeID, &ev.Kind, &ev.Delta, &ev.Requested,
			&reason, &contraventionID, &trainingID, &at); err != nil {
			return nil, fmt.Errorf("failed to scan point event: %w", err)
		}
		ev.Reason = reason.String
		ev.ContraventionID = engine.ContraventionID(contraventionID.String)
		ev.TrainingRecordID = engine.TrainingRecordID(trainingID.String)
		ev.At = parseTime(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *queries) InsertPointArchive(ctx context.Context, a engine.PointArchive) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO point_archives (employee_id, fiscal_year, total_points, tier, archived_at)
		VALUES (?, ?, ?, ?, ?)`,
		a.EmployeeID, a.FiscalYear, a.TotalPoints, a.Tier, formatTime(a.ArchivedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &engine.ConflictError{Entity: "point_archive", ID: string(a.EmployeeID) + "/" + a.FiscalYear}
		}
		return fmt.Errorf("failed to insert point archive: %w", err)
	}
	return nil
}

func (s *queries) HasPointArchive(ctx context.Context, employeeID engine.UserID, fiscalYear string) (bool, error) {
	var count int
	err := s.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM point_archives WHERE employee_id = ? AND fiscal_year = ?",
		employeeID, fiscalYear,
	).Scan(&count)
	return count > 0, err
}

// =============================================================================
// ESCALATIONS
// =============================================================================

const escalationColumns = `id, employee_id, tier, required_actions_json, completed_actions_json, triggered_at, completed_at`

func (s *queries) GetEscalation(ctx context.Context, id engine.EscalationID) (*engine.Escalation, error) {
	list, err := s.queryEscalations(ctx, "SELECT "+escalationColumns+" FROM escalations WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, &engine.NotFoundError{Entity: "escalation", ID: string(id)}
	}
	return &list[0], nil
}

func (s *queries) InsertEscalation(ctx context.Context, e *engine.Escalation) error {
	required, err := encodeJSON("required actions", e.RequiredActions)
	if err != nil {
		return err
	}
	completed, err := encodeJSON("completed actions", nonNilActions(e.CompletedActions))
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO escalations (`+escalationColumns+`, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM escalations))`,
		e.ID, e.EmployeeID, e.Tier, required, completed,
		formatTime(e.TriggeredAt), nullTime(e.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert escalation: %w", err)
	}
	return nil
}

func (s *queries) UpdateEscalation(ctx context.Context, e *engine.Escalation) error {
	completed, err := encodeJSON("completed actions", nonNilActions(e.CompletedActions))
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx,
		"UPDATE escalations SET completed_actions_json = ?, completed_at = ? WHERE id = ?",
		completed, nullTime(e.CompletedAt), e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update escalation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &engine.NotFoundError{Entity: "escalation", ID: string(e.ID)}
	}
	return nil
}

func (s *queries) ListEscalations(ctx context.Context, employeeID engine.UserID) ([]engine.Escalation, error) {
	return s.queryEscalations(ctx,
		"SELECT "+escalationColumns+" FROM escalations WHERE employee_id = ? ORDER BY seq ASC", employeeID)
}

func (s *queries) queryEscalations(ctx context.Context, query string, args ...any) ([]engine.Escalation, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query escalations: %w", err)
	}
	defer rows.Close()

	var out []engine.Escalation
	for rows.Next() {
		var (
			e                              engine.Escalation
			required, completed, triggered string
			completedAt                    sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.EmployeeID, &e.Tier, &required, &completed,
			&triggered, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan escalation: %w", err)
		}
		if err := json.Unmarshal([]byte(required), &e.RequiredActions); err != nil {
			return nil, fmt.Errorf("failed to decode required actions of %s: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(completed), &e.CompletedActions); err != nil {
			return nil, fmt.Errorf("failed to decode completed actions of %s: %w", e.ID, err)
		}
		e.CompletedActions = nonNilActions(e.CompletedActions)
		e.TriggeredAt = parseTime(triggered)
		e.CompletedAt = parseNullTime(completedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// TRAINING RECORDS
// =============================================================================

const trainingColumns = `id, employee_id, course_id, status, assigned_at, due_at, completed_at,
	points_credited, credited_points, credited_at`

func (s *queries) GetTrainingRecord(ctx context.Context, id engine.TrainingRecordID) (*engine.TrainingRecord, error) {
	list, err := s.queryTraining(ctx, "SELECT "+trainingColumns+" FROM training_records WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, &engine.NotFoundError{Entity: "training_record", ID: string(id)}
	}
	return &list[0], nil
}

func (s *queries) InsertTrainingRecord(ctx context.Context, r *engine.TrainingRecord) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO training_records (`+trainingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.EmployeeID, r.CourseID, r.Status, formatTime(r.AssignedAt),
		nullTime(r.DueAt), nullTime(r.CompletedAt), r.PointsCredited, r.CreditedPoints,
		nullTime(r.CreditedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert training record: %w", err)
	}
	return nil
}

// UpdateTrainingRecord writes status and dates. The credit columns belong to
// MarkTrainingCredited.
func (s *queries) UpdateTrainingRecord(ctx context.Context, r *engine.TrainingRecord) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE training_records SET status = ?, due_at = ?, completed_at = ? WHERE id = ?",
		r.Status, nullTime(r.DueAt), nullTime(r.CompletedAt), r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update training record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &engine.NotFoundError{Entity: "training_record", ID: string(r.ID)}
	}
	return nil
}

func (s *queries) ListTrainingRecords(ctx context.Context, employeeID engine.UserID) ([]engine.TrainingRecord, error) {
	return s.queryTraining(ctx,
		"SELECT "+trainingColumns+" FROM training_records WHERE employee_id = ? ORDER BY assigned_at ASC, id ASC",
		employeeID)
}

func (s *queries) MarkTrainingCredited(ctx context.Context, id engine.TrainingRecordID, credit int, at time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE training_records SET points_credited = 1, credited_points = ?, credited_at = ?
		WHERE id = ? AND points_credited = 0`,
		credit, formatTime(at), id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark training credited: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetTrainingRecord(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *queries) queryTraining(ctx context.Context, query string, args ...any) ([]engine.TrainingRecord, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query training records: %w", err)
	}
	defer rows.Close()

	var out []engine.TrainingRecord
	for rows.Next() {
		var (
			r                              engine.TrainingRecord
			assignedAt                     string
			dueAt, completedAt, creditedAt sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.EmployeeID, &r.CourseID, &r.Status, &assignedAt,
			&dueAt, &completedAt, &r.PointsCredited, &r.CreditedPoints, &creditedAt); err != nil {
			return nil, fmt.Errorf("failed to scan training record: %w", err)
		}
		r.AssignedAt = parseTime(assignedAt)
		r.DueAt = parseNullTime(dueAt)
		r.CompletedAt = parseNullTime(completedAt)
		r.CreditedAt = parseNullTime(creditedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// CATALOG
// =============================================================================

func (s *queries) GetContraventionType(ctx context.Context, id string) (*engine.ContraventionType, error) {
	var t engine.ContraventionType
	err := s.q.QueryRowContext(ctx,
		"SELECT id, name, default_points, allows_custom_label FROM contravention_types WHERE id = ?", id,
	).Scan(&t.ID, &t.Name, &t.DefaultPoints, &t.AllowsCustomLabel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &engine.NotFoundError{Entity: "contravention_type", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query contravention type: %w", err)
	}
	return &t, nil
}

func (s *queries) SaveContraventionType(ctx context.Context, t engine.ContraventionType) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO contravention_types (id, name, default_points, allows_custom_label)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			default_points = excluded.default_points,
			allows_custom_label = excluded.allows_custom_label`,
		t.ID, t.Name, t.DefaultPoints, t.AllowsCustomLabel,
	)
	return err
}

func (s *queries) GetTrainingCourse(ctx context.Context, id string) (*engine.TrainingCourse, error) {
	var c engine.TrainingCourse
	err := s.q.QueryRowContext(ctx,
		"SELECT id, name, point_credit FROM training_courses WHERE id = ?", id,
	).Scan(&c.ID, &c.Name, &c.PointCredit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &engine.NotFoundError{Entity: "training_course", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query training course: %w", err)
	}
	return &c, nil
}

func (s *queries) SaveTrainingCourse(ctx context.Context, c engine.TrainingCourse) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO training_courses (id, name, point_credit)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			point_credit = excluded.point_credit`,
		c.ID, c.Name, c.PointCredit,
	)
	return err
}

// =============================================================================
// DIRECTORY (engine.Directory interface)
// =============================================================================

// SaveUser inserts or replaces a directory entry.
func (s *Store) SaveUser(ctx context.Context, u engine.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, is_admin, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			name = excluded.name,
			is_admin = excluded.is_admin`,
		u.ID, strings.TrimSpace(u.Email), u.Name, u.IsAdmin,
		formatTime(time.Now().UTC()),
	)
	return err
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*engine.User, error) {
	u, err := s.queryUser(ctx, "SELECT id, email, name, is_admin FROM users WHERE email = ? COLLATE NOCASE",
		strings.TrimSpace(email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &engine.NotFoundError{Entity: "user", ID: email}
	}
	return u, err
}

func (s *Store) UserByID(ctx context.Context, id engine.UserID) (*engine.User, error) {
	u, err := s.queryUser(ctx, "SELECT id, email, name, is_admin FROM users WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &engine.NotFoundError{Entity: "user", ID: string(id)}
	}
	return u, err
}

// ListUsers returns all users ordered by name.
func (s *Store) ListUsers(ctx context.Context) ([]engine.User, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, email, name, is_admin FROM users ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []engine.User
	for rows.Next() {
		var u engine.User
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.IsAdmin); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) queryUser(ctx context.Context, query string, arg any) (*engine.User, error) {
	var u engine.User
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Email, &u.Name, &u.IsAdmin)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"approval_requests", "point_events", "point_archives", "escalations",
		"training_records", "point_records", "contraventions", "reference_sequences",
		"contravention_types", "training_courses", "users",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

// Fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func encodeJSON(field string, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", field, err)
	}
	return string(b), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullZeroTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return nullTime(&t)
}

func nullUser(id *engine.UserID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return nullString(string(*id))
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func parseNullUser(s sql.NullString) *engine.UserID {
	if !s.Valid {
		return nil
	}
	id := engine.UserID(s.String)
	return &id
}

func nonNilActions(a []engine.RemedialAction) []engine.RemedialAction {
	if a == nil {
		return []engine.RemedialAction{}
	}
	return a
}

// expectOneRow turns a zero-row conditional write into a ConflictError.
func expectOneRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return &engine.ConflictError{Entity: entity, ID: id}
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint failed"))
}
