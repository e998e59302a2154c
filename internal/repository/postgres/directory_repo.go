package postgres

/*
Файл directory_repo.go сохраняет каталог агентов и KB между перезапусками ядра.
В рантайме каталог живет в памяти; база нужна только для холодного старта (Warmup).
Credentials KB сюда не попадают никогда.
*/

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/spaceai-mesh/internal/domain"
)

type DirectoryRepo struct {
	pool *pgxpool.Pool
}

func NewDirectoryRepo(pool *pgxpool.Pool) *DirectoryRepo {
	return &DirectoryRepo{pool: pool}
}

// SaveAgent: upsert по identity; agent_id и registered_at не перезаписываются
func (r *DirectoryRepo) SaveAgent(ctx context.Context, a domain.AgentEntry) error {
	query := `
		INSERT INTO directory_agents
			(identity, agent_id, version, capabilities, operations, health_endpoint, schemas, metadata, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (identity) DO UPDATE SET
			version = EXCLUDED.version,
			capabilities = EXCLUDED.capabilities,
			operations = EXCLUDED.operations,
			health_endpoint = EXCLUDED.health_endpoint,
			schemas = EXCLUDED.schemas,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()`

	_, err := r.pool.Exec(ctx, query,
		a.Identity, a.AgentID, a.Version, a.Capabilities, a.Operations, a.HealthEndpoint,
		a.Schemas, a.Metadata, a.RegisteredAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to save agent: %w", err)
	}
	return nil
}

func (r *DirectoryRepo) SaveKB(ctx context.Context, kb domain.KBEntry) error {
	query := `
		INSERT INTO directory_kbs (kb_id, kb_type, endpoint, operations, kb_schema, metadata, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (kb_id) DO UPDATE SET
			kb_type = EXCLUDED.kb_type,
			endpoint = EXCLUDED.endpoint,
			operations = EXCLUDED.operations,
			kb_schema = EXCLUDED.kb_schema,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()`

	_, err := r.pool.Exec(ctx, query,
		kb.KBID, kb.KBType, kb.Endpoint, kb.Operations, kb.Schema, kb.Metadata, kb.RegisteredAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to save kb: %w", err)
	}
	return nil
}

// LoadAgents выполняет "холодную загрузку" каталога при старте
func (r *DirectoryRepo) LoadAgents(ctx context.Context) ([]domain.AgentEntry, error) {
	query := `
		SELECT identity, agent_id, version, capabilities, operations, health_endpoint, schemas, metadata, registered_at
		FROM directory_agents
		ORDER BY registered_at`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to load agents: %w", err)
	}
	defer rows.Close()

	var out []domain.AgentEntry
	for rows.Next() {
		var a domain.AgentEntry
		if err := rows.Scan(&a.Identity, &a.AgentID, &a.Version, &a.Capabilities, &a.Operations,
			&a.HealthEndpoint, &a.Schemas, &a.Metadata, &a.RegisteredAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *DirectoryRepo) LoadKBs(ctx context.Context) ([]domain.KBEntry, error) {
	query := `
		SELECT kb_id, kb_type, endpoint, operations, kb_schema, metadata, registered_at
		FROM directory_kbs
		ORDER BY registered_at`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to load kbs: %w", err)
	}
	defer rows.Close()

	var out []domain.KBEntry
	for rows.Next() {
		var kb domain.KBEntry
		if err := rows.Scan(&kb.KBID, &kb.KBType, &kb.Endpoint, &kb.Operations,
			&kb.Schema, &kb.Metadata, &kb.RegisteredAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan kb: %w", err)
		}
		out = append(out, kb)
	}
	return out, rows.Err()
}

// Ping проверяет доступность базы (health)
func (r *DirectoryRepo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
