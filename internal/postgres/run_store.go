package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rat-data/agentd/internal/domain"
)

// RunStore implements runengine.Store. It composes GenerationRun/
// ValidationIssue persistence with the PipelineStore and SchemaStore
// lookups the engine needs at each stage, plus PublishTx for the
// exclusive-publish transaction — mirroring the teacher's pattern of a
// per-domain store that delegates cross-cutting concerns to sibling
// stores rather than duplicating their queries.
type RunStore struct {
	pool      *pgxpool.Pool
	pipelines *PipelineStore
	schemas   *SchemaStore
	publish   *PublishTx
}

// NewRunStore constructs a RunStore.
func NewRunStore(pool *pgxpool.Pool, pipelines *PipelineStore, schemas *SchemaStore, publish *PublishTx) *RunStore {
	return &RunStore{pool: pool, pipelines: pipelines, schemas: schemas, publish: publish}
}

const runColumns = "id, flow_id, thread_id, pipeline_id, stage, status, source, result, error, cost, created_at, started_at, finished_at"

func scanRun(row pgx.Row) (*domain.GenerationRun, error) {
	var r domain.GenerationRun
	var stage, status string
	if err := row.Scan(&r.ID, &r.FlowID, &r.ThreadID, &r.PipelineID, &stage, &status,
		&r.Source, &r.Result, &r.Error, &r.Cost, &r.CreatedAt, &r.StartedAt, &r.FinishedAt); err != nil {
		return nil, err
	}
	r.Stage = domain.RunStage(stage)
	r.Status = domain.RunStatus(status)
	return &r, nil
}

// CreateRun inserts a new queued GenerationRun.
func (s *RunStore) CreateRun(ctx context.Context, r *domain.GenerationRun) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Stage == "" {
		r.Stage = domain.StageDiscovery
	}
	if r.Status == "" {
		r.Status = domain.RunStatusQueued
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO generation_runs (id, flow_id, thread_id, pipeline_id, stage, status, source)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+runColumns,
		r.ID, r.FlowID, r.ThreadID, r.PipelineID, string(r.Stage), string(r.Status), r.Source)

	created, err := scanRun(row)
	if err != nil {
		return fmt.Errorf("run store: create: %w", err)
	}
	*r = *created
	return nil
}

// GetRun fetches a GenerationRun by ID.
func (s *RunStore) GetRun(ctx context.Context, id uuid.UUID) (*domain.GenerationRun, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM generation_runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("run store: get: %w", err)
	}
	return r, nil
}

// UpdateRunStage advances a run's persisted stage, stamping started_at the
// first time it leaves the queued stage.
func (s *RunStore) UpdateRunStage(ctx context.Context, id uuid.UUID, stage domain.RunStage) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE generation_runs
		 SET stage = $2, status = $3, started_at = COALESCE(started_at, now())
		 WHERE id = $1`,
		id, string(stage), string(domain.RunStatusRunning))
	if err != nil {
		return fmt.Errorf("run store: update stage: %w", err)
	}
	return nil
}

// FinishRun marks a run terminal with its final status, result, and
// optional error message.
func (s *RunStore) FinishRun(ctx context.Context, id uuid.UUID, status domain.RunStatus, result json.RawMessage, errMsg *string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE generation_runs
		 SET status = $2, result = $3, error = $4, finished_at = now()
		 WHERE id = $1`,
		id, string(status), result, errMsg)
	if err != nil {
		return fmt.Errorf("run store: finish: %w", err)
	}
	return nil
}

// SaveValidationIssues persists the Validator's findings for a run.
func (s *RunStore) SaveValidationIssues(ctx context.Context, runID uuid.UUID, issues []domain.ValidationIssue) error {
	if len(issues) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, issue := range issues {
		id := issue.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		batch.Queue(
			`INSERT INTO validation_issues (id, run_id, path, code, severity, message) VALUES ($1, $2, $3, $4, $5, $6)`,
			id, runID, issue.Path, issue.Code, string(issue.Severity), issue.Message)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range issues {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("run store: save validation issues: %w", err)
		}
	}
	return nil
}

// GetValidationIssues returns every issue recorded for a run.
func (s *RunStore) GetValidationIssues(ctx context.Context, runID uuid.UUID) ([]domain.ValidationIssue, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, path, code, severity, message FROM validation_issues WHERE run_id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("run store: get validation issues: %w", err)
	}
	defer rows.Close()

	var out []domain.ValidationIssue
	for rows.Next() {
		var issue domain.ValidationIssue
		var severity string
		if err := rows.Scan(&issue.ID, &issue.RunID, &issue.Path, &issue.Code, &severity, &issue.Message); err != nil {
			return nil, err
		}
		issue.Severity = domain.IssueSeverity(severity)
		out = append(out, issue)
	}
	return out, rows.Err()
}

// GetActiveSchemaForFlow delegates to the SchemaStore.
func (s *RunStore) GetActiveSchemaForFlow(ctx context.Context, flowID uuid.UUID) (*domain.SchemaDefinition, error) {
	return s.schemas.GetActiveSchemaForFlow(ctx, flowID)
}

// GetPipeline delegates to the PipelineStore.
func (s *RunStore) GetPipeline(ctx context.Context, id uuid.UUID) (*domain.Pipeline, error) {
	return s.pipelines.GetPipeline(ctx, id)
}

// CreatePipelineIfNew delegates to the PipelineStore.
func (s *RunStore) CreatePipelineIfNew(ctx context.Context, p *domain.Pipeline) (uuid.UUID, bool, error) {
	return s.pipelines.CreatePipelineIfNew(ctx, p)
}

// PublishPipeline delegates to PublishTx's exclusive-publish transaction.
func (s *RunStore) PublishPipeline(ctx context.Context, flowID, pipelineID uuid.UUID) error {
	return s.publish.PublishPipeline(ctx, flowID, pipelineID)
}
