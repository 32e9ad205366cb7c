package filestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists file records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bill_files (
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			name TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			upload_source TEXT NOT NULL,
			size BIGINT NOT NULL,
			sha256 TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (session_id, name)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_bill_files_session_created ON bill_files (session_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, record Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO bill_files (id, session_id, name, mime_type, upload_source, size, sha256, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (session_id, name) DO UPDATE SET
		   id = EXCLUDED.id, mime_type = EXCLUDED.mime_type, upload_source = EXCLUDED.upload_source,
		   size = EXCLUDED.size, sha256 = EXCLUDED.sha256, created_at = EXCLUDED.created_at`,
		record.ID,
		record.SessionID,
		record.Name,
		record.MIMEType,
		record.Source,
		record.Size,
		record.SHA256,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("put file record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, sessionID, name string) (Record, error) {
	var r Record
	err := s.pool.QueryRow(ctx,
		`SELECT id, session_id, name, mime_type, upload_source, size, sha256, created_at
		 FROM bill_files WHERE session_id=$1 AND name=$2`,
		sessionID, name,
	).Scan(&r.ID, &r.SessionID, &r.Name, &r.MIMEType, &r.Source, &r.Size, &r.SHA256, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get file record: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) Delete(ctx context.Context, sessionID, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM bill_files WHERE session_id=$1 AND name=$2`, sessionID, name)
	if err != nil {
		return fmt.Errorf("delete file record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, name, mime_type, upload_source, size, sha256, created_at
		 FROM bill_files WHERE session_id=$1 ORDER BY created_at`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query file records: %w", err)
	}
	defer rows.Close()

	var items []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Name, &r.MIMEType, &r.Source, &r.Size, &r.SHA256, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan file row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
