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

// ThreadStore implements CRUD for domain.Thread.
type ThreadStore struct {
	pool *pgxpool.Pool
}

// NewThreadStore constructs a ThreadStore.
func NewThreadStore(pool *pgxpool.Pool) *ThreadStore {
	return &ThreadStore{pool: pool}
}

const threadColumns = "id, flow_id, status, result_pipeline_id, context_snapshot_id, archived, archived_at, started_at, closed_at, updated_at"

func scanThread(row pgx.Row) (*domain.Thread, error) {
	var t domain.Thread
	var status string
	if err := row.Scan(&t.ID, &t.FlowID, &status, &t.ResultPipelineID, &t.ContextSnapshotID,
		&t.Archived, &t.ArchivedAt, &t.StartedAt, &t.ClosedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = domain.ThreadStatus(status)
	return &t, nil
}

// CreateThread inserts a new thread, typically pinned to a ContextSnapshot
// captured at start time.
func (s *ThreadStore) CreateThread(ctx context.Context, t *domain.Thread) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = domain.ThreadStatusNew
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO threads (id, flow_id, status, context_snapshot_id)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+threadColumns,
		t.ID, t.FlowID, string(t.Status), t.ContextSnapshotID)

	created, err := scanThread(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("thread store: create: %w", err)
	}
	*t = *created
	return nil
}

// GetThread fetches a thread by ID.
func (s *ThreadStore) GetThread(ctx context.Context, id uuid.UUID) (*domain.Thread, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = $1`, id)
	t, err := scanThread(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("thread store: get: %w", err)
	}
	return t, nil
}

// ListThreads returns a flow's threads newest-first, paginated.
func (s *ThreadStore) ListThreads(ctx context.Context, flowID uuid.UUID, limit, offset int) ([]domain.Thread, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+threadColumns+` FROM threads WHERE flow_id = $1 ORDER BY started_at DESC LIMIT $2 OFFSET $3`,
		flowID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("thread store: list: %w", err)
	}
	defer rows.Close()

	var out []domain.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// SetThreadResultPipeline records the pipeline a thread's run produced.
func (s *ThreadStore) SetThreadResultPipeline(ctx context.Context, threadID, pipelineID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE threads SET result_pipeline_id = $2, updated_at = now() WHERE id = $1`, threadID, pipelineID)
	return err
}

// SetThreadStatus updates a thread's lifecycle status directly (used for
// IN_PROGRESS/FAILED transitions outside the close transaction).
func (s *ThreadStore) SetThreadStatus(ctx context.Context, threadID uuid.UUID, status domain.ThreadStatus) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE threads SET status = $2, updated_at = now() WHERE id = $1`, threadID, string(status))
	return err
}

// ArchiveThread marks a thread archived without altering its close state.
func (s *ThreadStore) ArchiveThread(ctx context.Context, threadID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE threads SET archived = true, archived_at = now(), updated_at = now() WHERE id = $1`, threadID)
	return err
}
