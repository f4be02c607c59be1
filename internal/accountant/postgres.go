package accountant

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink persists request logs to Postgres.
//
// Schema:
//
//	CREATE TABLE request_logs (
//	  id UUID PRIMARY KEY,
//	  ts_ms BIGINT NOT NULL,
//	  route TEXT NOT NULL,
//	  status SMALLINT NOT NULL,
//	  payload_hash BYTEA,
//	  data BYTEA
//	);
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects to Postgres and verifies the connection.
func NewPostgresSink(connStr string) (*PostgresSink, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

func (p *PostgresSink) Write(ctx context.Context, rec Record) error {
	query := `
		INSERT INTO request_logs (id, ts_ms, route, status, payload_hash, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := p.pool.Exec(ctx, query,
		rec.RequestID, int64(rec.TimestampMS), rec.Route, int16(rec.Status), rec.PayloadHash, rec.Data)
	if err != nil {
		return fmt.Errorf("postgres insert failed: %w", err)
	}
	return nil
}

func (p *PostgresSink) Close() error {
	p.pool.Close()
	return nil
}
