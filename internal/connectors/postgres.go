package connectors

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresAdapter: исполнитель для relational KB.
// Операции: query {sql, args} -> []row, exec {sql, args} -> {rows_affected}
type PostgresAdapter struct {
	pool *pgxpool.Pool
}

func NewPostgresAdapter(pool *pgxpool.Pool) *PostgresAdapter {
	return &PostgresAdapter{pool: pool}
}

func buildPostgres(ctx context.Context, family string, _ *url.URL, raw string, creds map[string]string) (Adapter, error) {
	if family != "relational" {
		return nil, fmt.Errorf("postgres: endpoint does not fit kb family %s", family)
	}
	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse endpoint: %w", err)
	}
	if u := creds["user"]; u != "" {
		cfg.ConnConfig.User = u
	}
	if p := creds["password"]; p != "" {
		cfg.ConnConfig.Password = p
	}
	cfg.MaxConns = 4

	// Пул подключается лениво; доступность проверяется через Ping
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	return NewPostgresAdapter(pool), nil
}

func (a *PostgresAdapter) Execute(ctx context.Context, operation string, params map[string]any) (any, error) {
	sql, _ := params["sql"].(string)
	if sql == "" {
		return nil, fmt.Errorf("postgres: param 'sql' is required")
	}
	args, _ := params["args"].([]any)

	switch operation {
	case "query", "read", "select":
		rows, err := a.pool.Query(ctx, sql, args...)
		if err != nil {
			return nil, classifyPg(err)
		}
		defer rows.Close()
		return collectRows(rows)
	case "exec", "write":
		tag, err := a.pool.Exec(ctx, sql, args...)
		if err != nil {
			return nil, classifyPg(err)
		}
		return map[string]any{"rows_affected": tag.RowsAffected()}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrOperationNotSupported, operation)
	}
}

func collectRows(rows pgx.Rows) ([]map[string]any, error) {
	fields := rows.FieldDescriptions()
	out := make([]map[string]any, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("postgres: scan row: %w", err)
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			row[f.Name] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPg(err)
	}
	return out, nil
}

func (a *PostgresAdapter) Ping(ctx context.Context) error {
	if err := a.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (a *PostgresAdapter) Close() error {
	a.pool.Close()
	return nil
}

// classifyPg: ошибки сервера (синтаксис, права) не повторяем, ошибки соединения повторяем
func classifyPg(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "53300" { // too_many_connections
			return &ThrottleError{RetryAfter: 200 * time.Millisecond, Cause: err}
		}
		return fmt.Errorf("postgres: %s (%s)", pgErr.Message, pgErr.Code)
	}
	if pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return fmt.Errorf("postgres: %w", err)
}
