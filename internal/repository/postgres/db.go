package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool открывает пул и проверяет соединение при старте
func NewPool(ctx context.Context, connString string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_logs (
	id          TEXT PRIMARY KEY,
	event_type  TEXT NOT NULL,
	source_id   TEXT NOT NULL DEFAULT '',
	target_id   TEXT NOT NULL DEFAULT '',
	outcome     TEXT NOT NULL,
	timestamp   TIMESTAMPTZ NOT NULL,
	metadata    JSONB
);
CREATE INDEX IF NOT EXISTS audit_logs_ts_idx ON audit_logs (timestamp DESC, id DESC);
CREATE INDEX IF NOT EXISTS audit_logs_source_idx ON audit_logs (source_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS directory_agents (
	identity        TEXT PRIMARY KEY,
	agent_id        TEXT NOT NULL UNIQUE,
	version         TEXT NOT NULL DEFAULT '',
	capabilities    JSONB NOT NULL DEFAULT '[]',
	operations      JSONB NOT NULL DEFAULT '[]',
	health_endpoint TEXT NOT NULL DEFAULT '',
	schemas         JSONB,
	metadata        JSONB,
	registered_at   TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS directory_kbs (
	kb_id         TEXT PRIMARY KEY,
	kb_type       TEXT NOT NULL,
	endpoint      TEXT NOT NULL DEFAULT '',
	operations    JSONB NOT NULL DEFAULT '[]',
	kb_schema     JSONB,
	metadata      JSONB,
	registered_at TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// Migrate создает таблицы, если их нет
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}
