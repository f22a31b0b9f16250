package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rat-data/agentd/internal/domain"
)

// SchemaStore implements the schema definition / schema channel registry.
type SchemaStore struct {
	pool *pgxpool.Pool
}

// NewSchemaStore constructs a SchemaStore.
func NewSchemaStore(pool *pgxpool.Pool) *SchemaStore {
	return &SchemaStore{pool: pool}
}

const schemaDefColumns = "id, name, version, status, json, compat_with, created_at"

func scanSchemaDef(row pgx.Row) (*domain.SchemaDefinition, error) {
	var sd domain.SchemaDefinition
	var status string
	if err := row.Scan(&sd.ID, &sd.Name, &sd.Version, &status, &sd.JSON, &sd.CompatWith, &sd.CreatedAt); err != nil {
		return nil, err
	}
	sd.Status = domain.SchemaStatus(status)
	return &sd, nil
}

// CreateSchemaDefinition inserts a new schema version. A duplicate
// (name, version) pair translates to domain.ErrAlreadyExists.
func (s *SchemaStore) CreateSchemaDefinition(ctx context.Context, sd *domain.SchemaDefinition) error {
	if sd.ID == uuid.Nil {
		sd.ID = uuid.New()
	}
	if sd.Status == "" {
		sd.Status = domain.SchemaStatusActive
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO schema_definitions (id, name, version, status, json, compat_with)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+schemaDefColumns,
		sd.ID, sd.Name, sd.Version, string(sd.Status), sd.JSON, sd.CompatWith)

	created, err := scanSchemaDef(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("schema store: create definition: %w", err)
	}
	*sd = *created
	return nil
}

// FindSchemaDefinitionByNameVersion looks up a schema definition by its
// (name, version) pair, used by the startup schema seeder to stay idempotent
// across restarts instead of erroring on the seed's own prior insert.
func (s *SchemaStore) FindSchemaDefinitionByNameVersion(ctx context.Context, name, version string) (*domain.SchemaDefinition, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+schemaDefColumns+` FROM schema_definitions WHERE name = $1 AND version = $2`, name, version)
	sd, err := scanSchemaDef(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("schema store: find by name/version: %w", err)
	}
	return sd, nil
}

// GetSchemaDefinition fetches a schema definition by ID.
func (s *SchemaStore) GetSchemaDefinition(ctx context.Context, id uuid.UUID) (*domain.SchemaDefinition, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+schemaDefColumns+` FROM schema_definitions WHERE id = $1`, id)
	sd, err := scanSchemaDef(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("schema store: get definition: %w", err)
	}
	return sd, nil
}

// UpsertSchemaChannel points channel name at schemaDefID, creating it if
// absent. Publishing an update emits a best-effort notification on
// ChannelSchemaChanged; nothing in this service subscribes to it.
func (s *SchemaStore) UpsertSchemaChannel(ctx context.Context, bus EventBus, name string, schemaDefID uuid.UUID) (*domain.SchemaChannel, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO schema_channels (name, active_schema_definition_id, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (name) DO UPDATE SET active_schema_definition_id = EXCLUDED.active_schema_definition_id, updated_at = now()
		 RETURNING name, active_schema_definition_id, updated_at`,
		name, schemaDefID)

	var ch domain.SchemaChannel
	if err := row.Scan(&ch.Name, &ch.ActiveSchemaDefID, &ch.UpdatedAt); err != nil {
		return nil, fmt.Errorf("schema store: upsert channel: %w", err)
	}

	if bus != nil {
		if err := bus.Publish(ctx, ChannelSchemaChanged, map[string]string{"name": ch.Name}); err != nil {
			// Best-effort: the channel update above is already
			// committed; a failed notification never corrupts state.
		}
	}
	return &ch, nil
}

// GetSchemaChannel fetches a named channel.
func (s *SchemaStore) GetSchemaChannel(ctx context.Context, name string) (*domain.SchemaChannel, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT name, active_schema_definition_id, updated_at FROM schema_channels WHERE name = $1`, name)
	var ch domain.SchemaChannel
	if err := row.Scan(&ch.Name, &ch.ActiveSchemaDefID, &ch.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrSchemaChannelMissing
		}
		return nil, fmt.Errorf("schema store: get channel: %w", err)
	}
	return &ch, nil
}

// GetActiveSchemaForFlow resolves the schema definition a flow's pipelines
// currently target: always the "stable" channel. The flow ID is not
// consulted; there is no per-flow channel assignment.
func (s *SchemaStore) GetActiveSchemaForFlow(ctx context.Context, _ uuid.UUID) (*domain.SchemaDefinition, error) {
	ch, err := s.GetSchemaChannel(ctx, "stable")
	if err != nil {
		return nil, err
	}
	return s.GetSchemaDefinition(ctx, ch.ActiveSchemaDefID)
}
