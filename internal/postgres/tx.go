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

// PublishTx implements the Version Manager's exclusive publish operation:
// within a single transaction, it demotes any currently published pipeline
// for the flow and promotes pipelineID in its place. All steps share a
// transaction so a crash mid-publish never leaves the flow with zero or two
// published pipelines.
type PublishTx struct {
	pool *pgxpool.Pool
}

// NewPublishTx creates a PublishTx backed by pool.
func NewPublishTx(pool *pgxpool.Pool) *PublishTx {
	return &PublishTx{pool: pool}
}

// PublishPipeline locks the flow's pipeline rows, demotes whichever one is
// currently published (if any) back to draft, and promotes pipelineID. The row lock
// (SELECT ... FOR UPDATE) is what makes the single-published-pipeline
// invariant safe under concurrent publish requests; the partial unique
// index on pipelines(flow_id) WHERE is_published is the backstop.
func (p *PublishTx) PublishPipeline(ctx context.Context, flowID, pipelineID uuid.UUID) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("publish tx: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	rows, err := tx.Query(ctx,
		`SELECT id, is_published FROM pipelines WHERE flow_id = $1 FOR UPDATE`, flowID)
	if err != nil {
		return fmt.Errorf("publish tx: lock flow pipelines: %w", err)
	}
	var published []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		var isPublished bool
		if err := rows.Scan(&id, &isPublished); err != nil {
			rows.Close()
			return fmt.Errorf("publish tx: scan flow pipeline: %w", err)
		}
		if isPublished {
			published = append(published, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("publish tx: iterate published pipelines: %w", err)
	}

	for _, id := range published {
		if id == pipelineID {
			continue
		}
		if _, err := tx.Exec(ctx,
			`UPDATE pipelines SET is_published = false, status = $2, updated_at = now() WHERE id = $1`,
			id, string(domain.PipelineStatusDraft)); err != nil {
			return fmt.Errorf("publish tx: demote pipeline %s: %w", id, err)
		}
	}

	tag, err := tx.Exec(ctx,
		`UPDATE pipelines SET is_published = true, status = $2, updated_at = now()
		 WHERE id = $1 AND flow_id = $3`,
		pipelineID, string(domain.PipelineStatusPublished), flowID)
	if err != nil {
		return fmt.Errorf("publish tx: promote pipeline: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("publish tx: commit: %w", err)
	}
	return nil
}

// CloseThreadTx performs the Summarizer's atomic thread-close: insert
// threadSummary, deactivate any other active FlowSummary for the flow,
// insert flowSummary as the new active one, and mark the thread closed.
func (p *PublishTx) CloseThreadTx(ctx context.Context, threadID uuid.UUID, threadSummary *domain.ThreadSummary, flowSummary *domain.FlowSummary) (bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("close thread tx: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var alreadyClosed bool
	if err := tx.QueryRow(ctx,
		`SELECT closed_at IS NOT NULL FROM threads WHERE id = $1 FOR UPDATE`, threadID,
	).Scan(&alreadyClosed); err != nil {
		if err == pgx.ErrNoRows {
			return false, domain.ErrNotFound
		}
		return false, fmt.Errorf("close thread tx: lock thread: %w", err)
	}
	if alreadyClosed {
		return true, nil
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO thread_summaries (id, thread_id, kind, content, token_budget, covering_from, covering_to)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		threadSummary.ID, threadSummary.ThreadID, string(threadSummary.Kind), threadSummary.Content,
		threadSummary.TokenBudget, timePtrToNullable(threadSummary.CoveringFrom), timePtrToNullable(threadSummary.CoveringTo)); err != nil {
		return false, fmt.Errorf("close thread tx: insert thread summary: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE flow_summaries SET is_active = false, updated_at = now() WHERE flow_id = $1 AND is_active = true`,
		flowSummary.FlowID); err != nil {
		return false, fmt.Errorf("close thread tx: deactivate prior flow summary: %w", err)
	}

	pinnedJSON, err := json.Marshal(flowSummary.Pinned)
	if err != nil {
		return false, fmt.Errorf("close thread tx: marshal pinned: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO flow_summaries (id, flow_id, version, content, pinned, last_message_id, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, true)`,
		flowSummary.ID, flowSummary.FlowID, flowSummary.Version, flowSummary.Content, pinnedJSON,
		uuidPtrToNullable(flowSummary.LastMessageID)); err != nil {
		return false, fmt.Errorf("close thread tx: insert flow summary: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE threads SET status = $2, closed_at = now(), updated_at = now() WHERE id = $1`,
		threadID, string(domain.ThreadStatusSuccess)); err != nil {
		return false, fmt.Errorf("close thread tx: close thread: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("close thread tx: commit: %w", err)
	}
	return false, nil
}
