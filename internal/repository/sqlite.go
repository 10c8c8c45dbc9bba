package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/gogo/finassist/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			session_id TEXT,
			command TEXT NOT NULL,
			intent TEXT NOT NULL,
			state TEXT NOT NULL,
			step TEXT,
			cursor INTEGER NOT NULL DEFAULT 0,
			reply TEXT,
			last_error TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			step TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT NOT NULL,
			ref TEXT,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, ts)`,
		`CREATE TABLE IF NOT EXISTS exceptions (
			exception_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			field_key TEXT NOT NULL,
			suggested_value TEXT,
			confidence REAL NOT NULL,
			reason TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			resolution TEXT NOT NULL DEFAULT 'open',
			resolved_value TEXT,
			resolved_at DATETIME,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_exceptions_run ON exceptions(run_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			approval_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			decided_at DATETIME,
			decided_by TEXT,
			reason TEXT,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_run ON approvals(run_id, status)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}

	// Columns added after the first schema.
	return s.ensureColumn("runs", "corrections", `ALTER TABLE runs ADD COLUMN corrections TEXT`)
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun creates a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	intent, corrections, err := marshalRunJSON(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, session_id, command, intent, state, step, cursor, reply, last_error, corrections, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, nullString(run.SessionID), run.Command, intent, run.State, nullString(run.Step), run.Cursor,
		nullString(run.Reply), nullString(run.LastError), corrections, run.CreatedAt, run.UpdatedAt)
	return err
}

// UpdateRun writes the mutable run columns.
func (s *SQLiteStore) UpdateRun(ctx context.Context, run *domain.Run) error {
	_, corrections, err := marshalRunJSON(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, step = ?, cursor = ?, reply = ?, last_error = ?, corrections = ?, updated_at = ? WHERE run_id = ?`,
		run.State, nullString(run.Step), run.Cursor, nullString(run.Reply), nullString(run.LastError), corrections, run.UpdatedAt, run.RunID)
	return err
}

const runColumns = `run_id, session_id, command, intent, state, step, cursor, reply, last_error, corrections, created_at, updated_at`

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns lists runs newest first, optionally for one session.
func (s *SQLiteStore) ListRuns(ctx context.Context, sessionID string, limit int) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []interface{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*domain.Run, error) {
	var run domain.Run
	var sessionID, step, reply, lastError, corrections sql.NullString
	var intent string
	if err := row.Scan(&run.RunID, &sessionID, &run.Command, &intent, &run.State, &step, &run.Cursor,
		&reply, &lastError, &corrections, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.SessionID = sessionID.String
	run.Step = step.String
	run.Reply = reply.String
	run.LastError = lastError.String
	if err := json.Unmarshal([]byte(intent), &run.Intent); err != nil {
		return nil, fmt.Errorf("failed to decode intent for run %s: %w", run.RunID, err)
	}
	if corrections.Valid && corrections.String != "" {
		if err := json.Unmarshal([]byte(corrections.String), &run.Corrections); err != nil {
			return nil, fmt.Errorf("failed to decode corrections for run %s: %w", run.RunID, err)
		}
	}
	return &run, nil
}

func marshalRunJSON(run *domain.Run) (string, sql.NullString, error) {
	intent, err := json.Marshal(run.Intent)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("failed to marshal intent: %w", err)
	}
	var corrections sql.NullString
	if len(run.Corrections) > 0 {
		b, err := json.Marshal(run.Corrections)
		if err != nil {
			return "", sql.NullString{}, fmt.Errorf("failed to marshal corrections: %w", err)
		}
		corrections = sql.NullString{String: string(b), Valid: true}
	}
	return string(intent), corrections, nil
}

// CreateEvent appends a task event to the run's timeline.
func (s *SQLiteStore) CreateEvent(ctx context.Context, event *domain.TaskEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, run_id, ts, step, status, message, ref) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.RunID, event.Ts, event.Step, event.Status, event.Message, nullString(event.Ref))
	return err
}

// GetEvents retrieves events for a run in emission order.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string, afterTs int64, limit int) ([]domain.TaskEvent, error) {
	query := `SELECT event_id, run_id, ts, step, status, message, ref FROM events WHERE run_id = ?`
	args := []interface{}{runID}

	if afterTs > 0 {
		query += ` AND ts > ?`
		args = append(args, afterTs)
	}

	// rowid breaks ties between events stamped in the same millisecond
	query += ` ORDER BY ts ASC, rowid ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.TaskEvent
	for rows.Next() {
		var event domain.TaskEvent
		var ref sql.NullString
		if err := rows.Scan(&event.ID, &event.RunID, &event.Ts, &event.Step, &event.Status, &event.Message, &ref); err != nil {
			return nil, err
		}
		event.Ref = ref.String
		events = append(events, event)
	}
	return events, rows.Err()
}

// RecordException stores a newly raised exception item.
func (s *SQLiteStore) RecordException(ctx context.Context, item *domain.ExceptionItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exceptions (exception_id, run_id, field_key, suggested_value, confidence, reason, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.RunID, item.FieldKey, nullString(item.SuggestedValue), item.Confidence, item.Reason, item.CreatedAt)
	return err
}

// ResolveException closes an open exception. Returns false if it was not open.
func (s *SQLiteStore) ResolveException(ctx context.Context, exceptionID string, resolution domain.ExceptionResolution, value string) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE exceptions SET resolution = ?, resolved_value = ?, resolved_at = ? WHERE exception_id = ? AND resolution = ?`,
		resolution, nullString(value), now, exceptionID, domain.ExceptionOpen)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListExceptionHistory lists every exception ever raised for a run.
func (s *SQLiteStore) ListExceptionHistory(ctx context.Context, runID string) ([]domain.ExceptionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT exception_id, run_id, field_key, suggested_value, confidence, reason, created_at, resolution, resolved_value, resolved_at
		 FROM exceptions WHERE run_id = ? ORDER BY created_at ASC, rowid ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ExceptionRecord
	for rows.Next() {
		var rec domain.ExceptionRecord
		var suggested, resolvedValue sql.NullString
		var resolvedAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.FieldKey, &suggested, &rec.Confidence, &rec.Reason, &rec.CreatedAt,
			&rec.Resolution, &resolvedValue, &resolvedAt); err != nil {
			return nil, err
		}
		rec.SuggestedValue = suggested.String
		rec.ResolvedValue = resolvedValue.String
		if resolvedAt.Valid {
			rec.ResolvedAt = &resolvedAt.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CreateApproval stores a new pending approval.
func (s *SQLiteStore) CreateApproval(ctx context.Context, approval *domain.ApprovalRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (approval_id, run_id, step, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		approval.ApprovalID, approval.RunID, approval.Step, approval.Status, approval.CreatedAt)
	return err
}

// DecideApproval closes the run's pending approval. Returns false if none was pending.
func (s *SQLiteStore) DecideApproval(ctx context.Context, runID string, status domain.ApprovalStatus, decidedBy, reason string) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, decided_at = ?, decided_by = ?, reason = ? WHERE run_id = ? AND status = ?`,
		status, now, nullString(decidedBy), nullString(reason), runID, domain.ApprovalStatusPending)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListApprovals lists a run's approval history.
func (s *SQLiteStore) ListApprovals(ctx context.Context, runID string) ([]domain.ApprovalRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT approval_id, run_id, step, status, created_at, decided_at, decided_by, reason
		 FROM approvals WHERE run_id = ? ORDER BY created_at ASC, rowid ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ApprovalRecord
	for rows.Next() {
		var ap domain.ApprovalRecord
		var decidedAt sql.NullTime
		var decidedBy, reason sql.NullString
		if err := rows.Scan(&ap.ApprovalID, &ap.RunID, &ap.Step, &ap.Status, &ap.CreatedAt, &decidedAt, &decidedBy, &reason); err != nil {
			return nil, err
		}
		if decidedAt.Valid {
			ap.DecidedAt = &decidedAt.Time
		}
		ap.DecidedBy = decidedBy.String
		ap.Reason = reason.String
		out = append(out, ap)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
