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

// SummaryStore implements summarizer.Store by composing ThreadStore reads
// with PublishTx's CloseThreadTx for the atomic close.
type SummaryStore struct {
	pool    *pgxpool.Pool
	threads *ThreadStore
	msgs    *MessageStore
	publish *PublishTx
}

// NewSummaryStore constructs a SummaryStore.
func NewSummaryStore(pool *pgxpool.Pool, threads *ThreadStore, msgs *MessageStore, publish *PublishTx) *SummaryStore {
	return &SummaryStore{pool: pool, threads: threads, msgs: msgs, publish: publish}
}

// CloseThreadTx delegates to PublishTx's transaction.
func (s *SummaryStore) CloseThreadTx(ctx context.Context, threadID uuid.UUID, ts *domain.ThreadSummary, fs *domain.FlowSummary) (bool, error) {
	return s.publish.CloseThreadTx(ctx, threadID, ts, fs)
}

// GetThreadMessages delegates to MessageStore.
func (s *SummaryStore) GetThreadMessages(ctx context.Context, threadID uuid.UUID) ([]domain.Message, error) {
	return s.msgs.GetThreadMessages(ctx, threadID)
}

// GetThread delegates to ThreadStore.
func (s *SummaryStore) GetThread(ctx context.Context, threadID uuid.UUID) (*domain.Thread, error) {
	return s.threads.GetThread(ctx, threadID)
}

// GetActiveFlowSummary returns the flow's current active summary, or nil if
// the flow has never had a thread closed.
func (s *SummaryStore) GetActiveFlowSummary(ctx context.Context, flowID uuid.UUID) (*domain.FlowSummary, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, flow_id, version, content, pinned, last_message_id, is_active, created_at, updated_at
		 FROM flow_summaries WHERE flow_id = $1 AND is_active = true`, flowID)

	var fs domain.FlowSummary
	var pinnedJSON []byte
	if err := row.Scan(&fs.ID, &fs.FlowID, &fs.Version, &fs.Content, &pinnedJSON, &fs.LastMessageID,
		&fs.IsActive, &fs.CreatedAt, &fs.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("summary store: get active flow summary: %w", err)
	}
	if len(pinnedJSON) > 0 {
		_ = json.Unmarshal(pinnedJSON, &fs.Pinned)
	}
	return &fs, nil
}

// GetThreadSummary fetches the summary produced when a thread was closed.
func (s *SummaryStore) GetThreadSummary(ctx context.Context, threadID uuid.UUID) (*domain.ThreadSummary, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, thread_id, kind, content, token_budget, covering_from, covering_to, created_at
		 FROM thread_summaries WHERE thread_id = $1 ORDER BY created_at DESC LIMIT 1`, threadID)

	var ts domain.ThreadSummary
	var kind string
	if err := row.Scan(&ts.ID, &ts.ThreadID, &kind, &ts.Content, &ts.TokenBudget, &ts.CoveringFrom, &ts.CoveringTo, &ts.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("summary store: get thread summary: %w", err)
	}
	ts.Kind = domain.ThreadSummaryKind(kind)
	return &ts, nil
}
