package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/finpilot-labs/finpilot/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteRecordStore is the default durable RecordStore.
type SQLiteRecordStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite database at path and migrates the
// executions table.
func OpenSQLite(path string) (*SQLiteRecordStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return NewSQLiteRecordStore(db)
}

// NewSQLiteRecordStore wraps an existing database handle.
func NewSQLiteRecordStore(db *sql.DB) (*SQLiteRecordStore, error) {
	s := &SQLiteRecordStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLiteRecordStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteRecordStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		action_type TEXT NOT NULL,
		bundle_id TEXT,
		request_payload JSON,
		response_payload JSON,
		state TEXT NOT NULL,
		transitions JSON,
		hmac_signature TEXT,
		idempotency_key TEXT NOT NULL UNIQUE,
		regulatory_flags JSON,
		success INTEGER NOT NULL DEFAULT 0,
		errors JSON,
		created_at TEXT NOT NULL,
		completed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_executions_user ON executions(user_id, created_at);
	`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("migrate executions table: %w", err)
	}
	return nil
}

const sqliteRecordColumns = `id, user_id, action_type, bundle_id, request_payload, response_payload,
	state, transitions, hmac_signature, idempotency_key, regulatory_flags, success, errors, created_at, completed_at`

func (s *SQLiteRecordStore) Create(ctx context.Context, record *contracts.ExecutionRecord) error {
	query := `INSERT INTO executions (` + sqliteRecordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args, err := recordArgs(record)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert execution record: %w", err)
	}
	return nil
}

func (s *SQLiteRecordStore) Update(ctx context.Context, record *contracts.ExecutionRecord) error {
	query := `UPDATE executions SET
		response_payload = ?, state = ?, transitions = ?, success = ?, errors = ?, completed_at = ?
		WHERE id = ?`
	transitions, err := json.Marshal(record.Transitions)
	if err != nil {
		return fmt.Errorf("marshal transitions: %w", err)
	}
	errsJSON, err := json.Marshal(record.Errors)
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query,
		nullableJSON(record.ResponsePayload),
		string(record.State),
		string(transitions),
		boolToInt(record.Success),
		string(errsJSON),
		nullableTime(record.CompletedAt),
		record.ID,
	)
	if err != nil {
		return fmt.Errorf("update execution record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteRecordStore) GetByID(ctx context.Context, id string) (*contracts.ExecutionRecord, error) {
	query := `SELECT ` + sqliteRecordColumns + ` FROM executions WHERE id = ?`
	return scanRecord(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLiteRecordStore) GetByIdempotencyKey(ctx context.Context, key string) (*contracts.ExecutionRecord, error) {
	query := `SELECT ` + sqliteRecordColumns + ` FROM executions WHERE idempotency_key = ?`
	return scanRecord(s.db.QueryRowContext(ctx, query, key))
}

func (s *SQLiteRecordStore) ListByUser(ctx context.Context, userID string, limit int) ([]*contracts.ExecutionRecord, error) {
	query := `SELECT ` + sqliteRecordColumns + ` FROM executions
		WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list execution records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*contracts.ExecutionRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list execution records: %w", err)
	}
	return records, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*contracts.ExecutionRecord, error) {
	var (
		record      contracts.ExecutionRecord
		bundleID    sql.NullString
		reqJSON     sql.NullString
		respJSON    sql.NullString
		transJSON   sql.NullString
		signature   sql.NullString
		flagsJSON   sql.NullString
		success     int
		errsJSON    sql.NullString
		createdAt   string
		completedAt sql.NullString
	)
	err := row.Scan(&record.ID, &record.UserID, (*string)(&record.Kind), &bundleID,
		&reqJSON, &respJSON, (*string)(&record.State), &transJSON, &signature,
		&record.IdempotencyKey, &flagsJSON, &success, &errsJSON, &createdAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan execution record: %w", err)
	}

	record.BundleID = bundleID.String
	record.Signature = signature.String
	record.Success = success != 0
	if reqJSON.Valid {
		record.RequestPayload = json.RawMessage(reqJSON.String)
	}
	if respJSON.Valid {
		record.ResponsePayload = json.RawMessage(respJSON.String)
	}
	if transJSON.Valid && transJSON.String != "" {
		if err := json.Unmarshal([]byte(transJSON.String), &record.Transitions); err != nil {
			return nil, fmt.Errorf("decode transitions: %w", err)
		}
	}
	if flagsJSON.Valid && flagsJSON.String != "" {
		if err := json.Unmarshal([]byte(flagsJSON.String), &record.RegulatoryFlags); err != nil {
			return nil, fmt.Errorf("decode regulatory flags: %w", err)
		}
	}
	if errsJSON.Valid && errsJSON.String != "" {
		if err := json.Unmarshal([]byte(errsJSON.String), &record.Errors); err != nil {
			return nil, fmt.Errorf("decode errors: %w", err)
		}
	}
	record.CreatedAt = parseTime(createdAt)
	if completedAt.Valid && completedAt.String != "" {
		t := parseTime(completedAt.String)
		record.CompletedAt = &t
	}
	return &record, nil
}

func recordArgs(record *contracts.ExecutionRecord) ([]any, error) {
	transitions, err := json.Marshal(record.Transitions)
	if err != nil {
		return nil, fmt.Errorf("marshal transitions: %w", err)
	}
	flags, err := json.Marshal(record.RegulatoryFlags)
	if err != nil {
		return nil, fmt.Errorf("marshal regulatory flags: %w", err)
	}
	errsJSON, err := json.Marshal(record.Errors)
	if err != nil {
		return nil, fmt.Errorf("marshal errors: %w", err)
	}
	return []any{
		record.ID,
		record.UserID,
		string(record.Kind),
		record.BundleID,
		nullableJSON(record.RequestPayload),
		nullableJSON(record.ResponsePayload),
		string(record.State),
		string(transitions),
		record.Signature,
		record.IdempotencyKey,
		string(flags),
		boolToInt(record.Success),
		string(errsJSON),
		record.CreatedAt.UTC().Format(time.RFC3339Nano),
		nullableTime(record.CompletedAt),
	}, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
