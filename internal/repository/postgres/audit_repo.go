package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/spaceai-mesh/internal/audit"
)

// AuditRepo: audit.Store поверх PostgreSQL
type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

// Append идемпотентен по id: повтор после сетевого сбоя не создаст дубликат
func (r *AuditRepo) Append(ctx context.Context, rec audit.Record) error {
	query := `
		INSERT INTO audit_logs (id, event_type, source_id, target_id, outcome, timestamp, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	_, err := r.pool.Exec(ctx, query,
		rec.ID, string(rec.EventType), rec.SourceID, rec.TargetID, string(rec.Outcome), rec.Timestamp, rec.Metadata,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to append audit record: %w", err)
	}
	return nil
}

func (r *AuditRepo) Query(ctx context.Context, f audit.Filter) ([]audit.Record, int, error) {
	where, args := auditWhere(f)

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_logs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("postgres: failed to count audit records: %w", err)
	}

	query := `SELECT id, event_type, source_id, target_id, outcome, timestamp, metadata FROM audit_logs` +
		where + ` ORDER BY timestamp DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: failed to query audit records: %w", err)
	}
	defer rows.Close()

	out := make([]audit.Record, 0)
	for rows.Next() {
		var (
			rec               audit.Record
			eventType, outcome string
		)
		if err := rows.Scan(&rec.ID, &eventType, &rec.SourceID, &rec.TargetID, &outcome, &rec.Timestamp, &rec.Metadata); err != nil {
			return nil, 0, fmt.Errorf("postgres: failed to scan audit record: %w", err)
		}
		rec.EventType = audit.EventType(eventType)
		rec.Outcome = audit.Outcome(outcome)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("postgres: audit rows: %w", err)
	}
	return out, total, nil
}

// auditWhere собирает AND-условие с позиционными параметрами; пустой фильтр: без WHERE
func auditWhere(f audit.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.EventType != "" {
		add("event_type = $%d", string(f.EventType))
	}
	if f.SourceID != "" {
		add("source_id = $%d", f.SourceID)
	}
	if f.TargetID != "" {
		add("target_id = $%d", f.TargetID)
	}
	if f.Outcome != "" {
		add("outcome = $%d", string(f.Outcome))
	}
	if f.Start != nil {
		add("timestamp >= $%d", *f.Start)
	}
	if f.End != nil {
		add("timestamp <= $%d", *f.End)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
