package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rat-data/agentd/internal/domain"
)

// FlowStore implements CRUD for domain.Flow, following the column-const /
// scanRow / pgconn.PgError-translation pattern established by the teacher's
// pipeline_store.go.
type FlowStore struct {
	pool *pgxpool.Pool
}

// NewFlowStore constructs a FlowStore.
func NewFlowStore(pool *pgxpool.Pool) *FlowStore {
	return &FlowStore{pool: pool}
}

const flowColumns = "id, slug, name, meta, created_at, updated_at"

func scanFlow(row pgx.Row) (*domain.Flow, error) {
	var f domain.Flow
	var metaJSON []byte
	if err := row.Scan(&f.ID, &f.Slug, &f.Name, &metaJSON, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &f.Meta)
	}
	return &f, nil
}

// CreateFlow inserts a new flow. A duplicate slug translates to
// domain.ErrAlreadyExists.
func (s *FlowStore) CreateFlow(ctx context.Context, f *domain.Flow) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	metaJSON, err := json.Marshal(f.Meta)
	if err != nil {
		return fmt.Errorf("flow store: marshal meta: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO flows (id, slug, name, meta) VALUES ($1, $2, $3, $4)
		 RETURNING `+flowColumns,
		f.ID, f.Slug, f.Name, metaJSON)

	created, err := scanFlow(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("flow store: create: %w", err)
	}
	*f = *created
	return nil
}

// GetFlow fetches a flow by ID.
func (s *FlowStore) GetFlow(ctx context.Context, id uuid.UUID) (*domain.Flow, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+flowColumns+` FROM flows WHERE id = $1`, id)
	f, err := scanFlow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("flow store: get: %w", err)
	}
	return f, nil
}

// GetFlowBySlug fetches a flow by its unique slug.
func (s *FlowStore) GetFlowBySlug(ctx context.Context, slug string) (*domain.Flow, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+flowColumns+` FROM flows WHERE slug = $1`, slug)
	f, err := scanFlow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("flow store: get by slug: %w", err)
	}
	return f, nil
}

// ListFlows returns flows ordered by creation time descending, paginated.
func (s *FlowStore) ListFlows(ctx context.Context, limit, offset int) ([]domain.Flow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+flowColumns+` FROM flows ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("flow store: list: %w", err)
	}
	defer rows.Close()

	var out []domain.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// TouchFlow bumps a flow's updated_at, used after mutating anything owned
// by the flow (new pipeline, closed thread, etc).
func (s *FlowStore) TouchFlow(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE flows SET updated_at = $2 WHERE id = $1`, id, time.Now())
	return err
}
