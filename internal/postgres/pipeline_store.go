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
	"github.com/rat-data/agentd/internal/version"
)

// PipelineStore implements CRUD for domain.Pipeline plus the content-hash
// and pg_trgm fuzzy lookups the similarity.Matcher needs — pushing the
// comparison work into SQL rather than a Go trigram library, per
// similarity.Store's doc comment.
type PipelineStore struct {
	pool *pgxpool.Pool
}

// NewPipelineStore constructs a PipelineStore.
func NewPipelineStore(pool *pgxpool.Pool) *PipelineStore {
	return &PipelineStore{pool: pool}
}

const pipelineColumns = "id, flow_id, version, schema_version, schema_def_id, status, is_published, content, content_hash, created_at, updated_at"

func scanPipeline(row pgx.Row) (*domain.Pipeline, error) {
	var p domain.Pipeline
	var status string
	if err := row.Scan(&p.ID, &p.FlowID, &p.Version, &p.SchemaVersion, &p.SchemaDefID, &status,
		&p.IsPublished, &p.Content, &p.ContentHash, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = domain.PipelineStatus(status)
	return &p, nil
}

// CreatePipeline inserts a new pipeline row. A duplicate (flow_id, version)
// translates to domain.ErrAlreadyExists.
func (s *PipelineStore) CreatePipeline(ctx context.Context, p *domain.Pipeline) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = domain.PipelineStatusDraft
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO pipelines (id, flow_id, version, schema_version, schema_def_id, status, is_published, content, content_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+pipelineColumns,
		p.ID, p.FlowID, p.Version, p.SchemaVersion, p.SchemaDefID, string(p.Status), p.IsPublished, p.Content, p.ContentHash)

	created, err := scanPipeline(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("pipeline store: create: %w", err)
	}
	*p = *created
	return nil
}

// CreatePipelineIfNew inserts p unless a pipeline with the same
// (flow_id, content_hash) already exists, in which case it returns that
// pipeline's ID and created=false. This is the Run Engine's idempotent
// landing point after hard_validate: re-running a generation that produces
// byte-identical content never creates a duplicate draft.
//
// The version is derived per spec 4.4: major bump when this submission
// targets a different schema definition than the flow's latest pipeline,
// patch bump otherwise, starting from 1.0.0 for a flow's first pipeline.
func (s *PipelineStore) CreatePipelineIfNew(ctx context.Context, p *domain.Pipeline) (uuid.UUID, bool, error) {
	if existing, ok, err := s.FindPipelineByContentHash(ctx, p.FlowID, p.ContentHash); err != nil {
		return uuid.Nil, false, err
	} else if ok {
		return existing, false, nil
	}

	if p.Version == "" {
		latest, err := s.latestPipelineForFlow(ctx, p.FlowID)
		if err != nil {
			return uuid.Nil, false, err
		}
		if latest == nil {
			p.Version = version.InitialVersion.String()
		} else {
			prev, err := version.ParseSemver(latest.Version)
			if err != nil {
				return uuid.Nil, false, fmt.Errorf("pipeline store: parse prior version: %w", err)
			}
			p.Version = version.Bump(prev, latest.SchemaDefID != p.SchemaDefID).String()
		}
	}
	if err := s.CreatePipeline(ctx, p); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			// Lost a create race against a concurrent identical generation;
			// the winner's row is the one we wanted anyway.
			existing, ok, ferr := s.FindPipelineByContentHash(ctx, p.FlowID, p.ContentHash)
			if ferr != nil {
				return uuid.Nil, false, ferr
			}
			if ok {
				return existing, false, nil
			}
		}
		return uuid.Nil, false, err
	}
	return p.ID, true, nil
}

// GetPipeline fetches a pipeline by ID.
func (s *PipelineStore) GetPipeline(ctx context.Context, id uuid.UUID) (*domain.Pipeline, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE id = $1`, id)
	p, err := scanPipeline(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("pipeline store: get: %w", err)
	}
	return p, nil
}

// GetPublishedPipeline fetches the currently published pipeline for a flow,
// if any.
func (s *PipelineStore) GetPublishedPipeline(ctx context.Context, flowID uuid.UUID) (*domain.Pipeline, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pipelineColumns+` FROM pipelines WHERE flow_id = $1 AND is_published = true`, flowID)
	p, err := scanPipeline(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("pipeline store: get published: %w", err)
	}
	return p, nil
}

// ListPipelines returns a flow's pipelines newest-first, paginated.
func (s *PipelineStore) ListPipelines(ctx context.Context, flowID uuid.UUID, limit, offset int) ([]domain.Pipeline, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pipelineColumns+` FROM pipelines WHERE flow_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		flowID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("pipeline store: list: %w", err)
	}
	defer rows.Close()

	var out []domain.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// latestPipelineForFlow returns the most recently created pipeline for a
// flow, or nil if the flow has none yet.
func (s *PipelineStore) latestPipelineForFlow(ctx context.Context, flowID uuid.UUID) (*domain.Pipeline, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pipelineColumns+` FROM pipelines WHERE flow_id = $1 ORDER BY created_at DESC LIMIT 1`, flowID)
	p, err := scanPipeline(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("pipeline store: latest for flow: %w", err)
	}
	return p, nil
}

// FindPipelineByContentHash implements similarity.Store's exact-match leg.
func (s *PipelineStore) FindPipelineByContentHash(ctx context.Context, flowID uuid.UUID, hash []byte) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM pipelines WHERE flow_id = $1 AND content_hash = $2 ORDER BY created_at DESC LIMIT 1`,
		flowID, hash).Scan(&id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("pipeline store: find by hash: %w", err)
	}
	return id, true, nil
}

// FindSimilarPipeline implements similarity.Store's fuzzy leg using
// Postgres's pg_trgm similarity() function against the generated
// content_text column.
func (s *PipelineStore) FindSimilarPipeline(ctx context.Context, flowID uuid.UUID, contentText string, threshold float64) (uuid.UUID, float64, bool, error) {
	var id uuid.UUID
	var score float64
	err := s.pool.QueryRow(ctx,
		`SELECT id, similarity(content_text, $2) AS score
		 FROM pipelines
		 WHERE flow_id = $1 AND similarity(content_text, $2) >= $3
		 ORDER BY score DESC
		 LIMIT 1`,
		flowID, contentText, threshold).Scan(&id, &score)
	if err != nil {
		if err == pgx.ErrNoRows {
			return uuid.Nil, 0, false, nil
		}
		return uuid.Nil, 0, false, fmt.Errorf("pipeline store: find similar: %w", err)
	}
	return id, score, true, nil
}
