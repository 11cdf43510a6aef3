package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCommitLog implements CommitLog against PostgreSQL: an append-only
// table of committed transactions used for cross-session rehydration (spec
// §9). Grounded on the donor's PostgresStore connection-pool setup
// (control_plane/store/postgres.go).
type PostgresCommitLog struct {
	pool *pgxpool.Pool
}

// NewPostgresCommitLog opens a connection pool and verifies connectivity.
// Expects a table created by the embedding application:
//
//	CREATE TABLE commit_log (
//	    txn_id TEXT PRIMARY KEY,
//	    action_id TEXT NOT NULL,
//	    writes JSONB NOT NULL,
//	    committed_at TIMESTAMPTZ NOT NULL
//	);
func NewPostgresCommitLog(ctx context.Context, connString string) (*PostgresCommitLog, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("new postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresCommitLog{pool: pool}, nil
}

// Close releases the connection pool.
func (l *PostgresCommitLog) Close() {
	l.pool.Close()
}

func (l *PostgresCommitLog) Append(ctx context.Context, rec CommitRecord) error {
	writesJSON, err := json.Marshal(rec.Writes)
	if err != nil {
		return fmt.Errorf("marshal writes: %w", err)
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO commit_log (txn_id, action_id, writes, committed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (txn_id) DO NOTHING
	`, rec.TxnID, rec.ActionID, writesJSON, rec.CommittedAt)
	if err != nil {
		return fmt.Errorf("append commit record: %w", err)
	}
	return nil
}

func (l *PostgresCommitLog) Recent(ctx context.Context, limit int) ([]CommitRecord, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT txn_id, action_id, writes, committed_at
		FROM commit_log
		ORDER BY committed_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent commits: %w", err)
	}
	defer rows.Close()

	var out []CommitRecord
	for rows.Next() {
		var rec CommitRecord
		var writesJSON []byte
		if err := rows.Scan(&rec.TxnID, &rec.ActionID, &writesJSON, &rec.CommittedAt); err != nil {
			return nil, fmt.Errorf("scan commit record: %w", err)
		}
		if err := json.Unmarshal(writesJSON, &rec.Writes); err != nil {
			return nil, fmt.Errorf("unmarshal writes: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
