package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rat-data/agentd/internal/domain"
)

// SnapshotStore implements CRUD for domain.ContextSnapshot — the pinned
// schema/summary/pipeline context a Thread is started against.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore constructs a SnapshotStore.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

const snapshotColumns = "id, flow_id, origin_thread_id, schema_def_id, flow_summary_id, pipeline_id, notes, created_at"

func scanSnapshot(row pgx.Row) (*domain.ContextSnapshot, error) {
	var cs domain.ContextSnapshot
	if err := row.Scan(&cs.ID, &cs.FlowID, &cs.OriginThreadID, &cs.SchemaDefID, &cs.FlowSummaryID, &cs.PipelineID, &cs.Notes, &cs.CreatedAt); err != nil {
		return nil, err
	}
	return &cs, nil
}

// CreateSnapshot captures the current schema/summary/pipeline state for a
// flow, to be pinned onto a new Thread.
func (s *SnapshotStore) CreateSnapshot(ctx context.Context, cs *domain.ContextSnapshot) error {
	if cs.ID == uuid.Nil {
		cs.ID = uuid.New()
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO context_snapshots (id, flow_id, origin_thread_id, schema_def_id, flow_summary_id, pipeline_id, notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+snapshotColumns,
		cs.ID, cs.FlowID, cs.OriginThreadID, cs.SchemaDefID, cs.FlowSummaryID, cs.PipelineID, cs.Notes)

	created, err := scanSnapshot(row)
	if err != nil {
		return fmt.Errorf("snapshot store: create: %w", err)
	}
	*cs = *created
	return nil
}

// GetSnapshot fetches a context snapshot by ID.
func (s *SnapshotStore) GetSnapshot(ctx context.Context, id uuid.UUID) (*domain.ContextSnapshot, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+snapshotColumns+` FROM context_snapshots WHERE id = $1`, id)
	cs, err := scanSnapshot(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("snapshot store: get: %w", err)
	}
	return cs, nil
}
