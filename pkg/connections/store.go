package connections

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the durable holding pen for records awaiting upload.
type Store interface {
	Get(ctx context.Context, requestID string) (*Record, bool, error)
	Put(ctx context.Context, requestID string, r *Record) error
	Count(ctx context.Context) (int, error)
	// Drain returns every pending record and deletes them in the same
	// transaction. Records are gone whether or not the subsequent upload
	// succeeds.
	Drain(ctx context.Context) ([]Record, error)
}

// SQLiteStore keeps pending records in a local sqlite database so telemetry
// survives an agent restart.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS pending_connections (
        request_id TEXT PRIMARY KEY,
        payload JSON NOT NULL,
        updated_at DATETIME NOT NULL
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, requestID string) (*Record, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM pending_connections WHERE request_id = ?`, requestID,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load pending connection: %w", err)
	}

	var r Record
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, false, fmt.Errorf("decode pending connection: %w", err)
	}
	return &r, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, requestID string, r *Record) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode pending connection: %w", err)
	}

	query := `
    INSERT INTO pending_connections (request_id, payload, updated_at)
    VALUES (?, ?, ?)
    ON CONFLICT(request_id) DO UPDATE SET
        payload = excluded.payload,
        updated_at = excluded.updated_at`
	_, err = s.db.ExecContext(ctx, query, requestID, string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store pending connection: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_connections`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending connections: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Drain(ctx context.Context) ([]Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin drain: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT payload FROM pending_connections`)
	if err != nil {
		return nil, fmt.Errorf("drain pending connections: %w", err)
	}

	var records []Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			rows.Close()
			return nil, err
		}
		var r Record
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode pending connection: %w", err)
		}
		records = append(records, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_connections`); err != nil {
		return nil, fmt.Errorf("clear pending connections: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit drain: %w", err)
	}
	return records, nil
}
