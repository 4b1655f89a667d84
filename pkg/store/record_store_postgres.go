package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/finpilot-labs/finpilot/pkg/contracts"

	_ "github.com/lib/pq"
)

// PostgresRecordStore is the shared-database RecordStore for multi-instance
// deployments.
type PostgresRecordStore struct {
	db *sql.DB
}

// OpenPostgres connects to Postgres and migrates the executions table.
func OpenPostgres(dsn string) (*PostgresRecordStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewPostgresRecordStore(db)
}

// NewPostgresRecordStore wraps an existing database handle.
func NewPostgresRecordStore(db *sql.DB) (*PostgresRecordStore, error) {
	s := &PostgresRecordStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *PostgresRecordStore) Close() error {
	return s.db.Close()
}

func (s *PostgresRecordStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		action_type TEXT NOT NULL,
		bundle_id TEXT,
		request_payload JSONB,
		response_payload JSONB,
		state TEXT NOT NULL,
		transitions JSONB,
		hmac_signature TEXT,
		idempotency_key TEXT NOT NULL UNIQUE,
		regulatory_flags JSONB,
		success BOOLEAN NOT NULL DEFAULT FALSE,
		errors JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_executions_user ON executions(user_id, created_at);
	`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("migrate executions table: %w", err)
	}
	return nil
}

const pgRecordColumns = `id, user_id, action_type, bundle_id, request_payload, response_payload,
	state, transitions, hmac_signature, idempotency_key, regulatory_flags, success, errors, created_at, completed_at`

func (s *PostgresRecordStore) Create(ctx context.Context, record *contracts.ExecutionRecord) error {
	query := `INSERT INTO executions (` + pgRecordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	transitions, flags, errsJSON, err := marshalRecordJSON(record)
	if err != nil {
		return err
	}
	var completedAt any
	if record.CompletedAt != nil {
		completedAt = *record.CompletedAt
	}
	_, err = s.db.ExecContext(ctx, query,
		record.ID, record.UserID, string(record.Kind), record.BundleID,
		nullableJSON(record.RequestPayload), nullableJSON(record.ResponsePayload),
		string(record.State), transitions, record.Signature, record.IdempotencyKey,
		flags, record.Success, errsJSON, record.CreatedAt, completedAt)
	if err != nil {
		return fmt.Errorf("insert execution record: %w", err)
	}
	return nil
}

func (s *PostgresRecordStore) Update(ctx context.Context, record *contracts.ExecutionRecord) error {
	query := `UPDATE executions SET
		response_payload = $1, state = $2, transitions = $3, success = $4, errors = $5, completed_at = $6
		WHERE id = $7`
	transitions, _, errsJSON, err := marshalRecordJSON(record)
	if err != nil {
		return err
	}
	var completedAt any
	if record.CompletedAt != nil {
		completedAt = *record.CompletedAt
	}
	res, err := s.db.ExecContext(ctx, query,
		nullableJSON(record.ResponsePayload), string(record.State), transitions,
		record.Success, errsJSON, completedAt, record.ID)
	if err != nil {
		return fmt.Errorf("update execution record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresRecordStore) GetByID(ctx context.Context, id string) (*contracts.ExecutionRecord, error) {
	query := `SELECT ` + pgRecordColumns + ` FROM executions WHERE id = $1`
	return scanPGRecord(s.db.QueryRowContext(ctx, query, id))
}

func (s *PostgresRecordStore) GetByIdempotencyKey(ctx context.Context, key string) (*contracts.ExecutionRecord, error) {
	query := `SELECT ` + pgRecordColumns + ` FROM executions WHERE idempotency_key = $1`
	return scanPGRecord(s.db.QueryRowContext(ctx, query, key))
}

func (s *PostgresRecordStore) ListByUser(ctx context.Context, userID string, limit int) ([]*contracts.ExecutionRecord, error) {
	query := `SELECT ` + pgRecordColumns + ` FROM executions
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list execution records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*contracts.ExecutionRecord
	for rows.Next() {
		record, err := scanPGRecord(rows)
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

func scanPGRecord(row rowScanner) (*contracts.ExecutionRecord, error) {
	var (
		record      contracts.ExecutionRecord
		bundleID    sql.NullString
		reqJSON     sql.NullString
		respJSON    sql.NullString
		transJSON   sql.NullString
		signature   sql.NullString
		flagsJSON   sql.NullString
		errsJSON    sql.NullString
		completedAt sql.NullTime
	)
	err := row.Scan(&record.ID, &record.UserID, (*string)(&record.Kind), &bundleID,
		&reqJSON, &respJSON, (*string)(&record.State), &transJSON, &signature,
		&record.IdempotencyKey, &flagsJSON, &record.Success, &errsJSON,
		&record.CreatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan execution record: %w", err)
	}

	record.BundleID = bundleID.String
	record.Signature = signature.String
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
	if completedAt.Valid {
		t := completedAt.Time
		record.CompletedAt = &t
	}
	return &record, nil
}

func marshalRecordJSON(record *contracts.ExecutionRecord) (transitions, flags, errs string, err error) {
	t, err := json.Marshal(record.Transitions)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal transitions: %w", err)
	}
	f, err := json.Marshal(record.RegulatoryFlags)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal regulatory flags: %w", err)
	}
	e, err := json.Marshal(record.Errors)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal errors: %w", err)
	}
	return string(t), string(f), string(e), nil
}
