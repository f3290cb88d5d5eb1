package token

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLStore persists token records in the tokens table managed by the
// db package's migrations.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Get(ctx context.Context, hostname string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT hostname, token, state, requested_ip, created_at, updated_at
		FROM tokens WHERE hostname = ?`, hostname)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token record: %w", err)
	}
	return rec, nil
}

func (s *SQLStore) Put(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (hostname, token, state, requested_ip, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(hostname) DO UPDATE SET
			token = excluded.token,
			state = excluded.state,
			requested_ip = excluded.requested_ip,
			updated_at = excluded.updated_at`,
		rec.Hostname, rec.Token, string(rec.State), rec.RequestedIP,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put token record: %w", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, hostname string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE hostname = ?`, hostname)
	if err != nil {
		return fmt.Errorf("delete token record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete token record: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hostname, token, state, requested_ip, created_at, updated_at
		FROM tokens ORDER BY created_at ASC, hostname ASC`)
	if err != nil {
		return nil, fmt.Errorf("list token records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list token records: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list token records: %w", err)
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var rec Record
	var state, createdAt, updatedAt string
	if err := s.Scan(&rec.Hostname, &rec.Token, &state, &rec.RequestedIP, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.State = State(state)

	var err error
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &rec, nil
}
