// Package summarizer implements the atomic thread-close operation: produce
// a ThreadSummary, upsert the Flow's active FlowSummary (preserving any
// pinned fields the caller hasn't explicitly asked the LLM to revise), and
// mark the thread closed. The whole operation commits in a single
// transaction so a crash mid-close can never leave two active FlowSummary
// rows or a ThreadSummary without its owning thread marked closed.
package summarizer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rat-data/agentd/internal/domain"
	"github.com/rat-data/agentd/internal/llmport"
)

// Store is the transactional contract the Summarizer needs. Implemented by
// internal/postgres.SummaryStore, grounded on the teacher's tx.go
// begin/defer-rollback/commit shape.
type Store interface {
	// CloseThreadTx performs the entire close atomically: if the thread is
	// already closed, it returns (true, nil) without any writes
	// (idempotent close). Otherwise it creates threadSummary, upserts
	// flowSummary (clearing any other active FlowSummary for the flow),
	// and marks the thread closed, all inside one transaction.
	CloseThreadTx(ctx context.Context, threadID uuid.UUID, threadSummary *domain.ThreadSummary, flowSummary *domain.FlowSummary) (alreadyClosed bool, err error)
	GetThreadMessages(ctx context.Context, threadID uuid.UUID) ([]domain.Message, error)
	GetActiveFlowSummary(ctx context.Context, flowID uuid.UUID) (*domain.FlowSummary, error)
	GetThread(ctx context.Context, threadID uuid.UUID) (*domain.Thread, error)
}

// Summarizer closes threads and maintains each flow's rolling summary.
type Summarizer struct {
	store Store
	llm   llmport.Port
}

// New constructs a Summarizer.
func New(store Store, llm llmport.Port) *Summarizer {
	return &Summarizer{store: store, llm: llm}
}

// Close runs the full close sequence for threadID. It is safe to call more
// than once: a thread already closed is a no-op success.
func (s *Summarizer) Close(ctx context.Context, threadID uuid.UUID) error {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return fmt.Errorf("summarizer: load thread: %w", err)
	}
	if thread.Closed() {
		return nil
	}

	messages, err := s.store.GetThreadMessages(ctx, threadID)
	if err != nil {
		return fmt.Errorf("summarizer: load messages: %w", err)
	}
	existing, err := s.store.GetActiveFlowSummary(ctx, thread.FlowID)
	if err != nil {
		return fmt.Errorf("summarizer: load active flow summary: %w", err)
	}

	msgJSON, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("summarizer: marshal messages: %w", err)
	}

	var existingPinnedJSON json.RawMessage
	var prevPinned map[string]string
	var prevVersion int
	if existing != nil {
		prevPinned = existing.Pinned
		prevVersion = existing.Version
		existingPinnedJSON, _ = json.Marshal(existing.Pinned)
	}

	resp, err := s.llm.Summarize(ctx, llmport.SummarizeRequest{
		ThreadID:       threadID.String(),
		Messages:       msgJSON,
		ExistingPinned: existingPinnedJSON,
	})
	if err != nil {
		// Safe fallback: close the thread with a minimal system-generated
		// summary rather than blocking the close on LLM availability.
		resp = llmport.SummarizeResponse{Content: json.RawMessage(`{"note":"summary unavailable: llm provider unreachable"}`)}
	}

	threadSummary := &domain.ThreadSummary{
		ID:        uuid.New(),
		ThreadID:  threadID,
		Kind:      domain.SummaryDetailed,
		Content:   resp.Content,
		CreatedAt: time.Now(),
	}

	pinned := mergePinned(prevPinned, resp.PinnedUpdates)
	flowSummary := &domain.FlowSummary{
		ID:            uuid.New(),
		FlowID:        thread.FlowID,
		Version:       prevVersion + 1,
		Content:       resp.Content,
		Pinned:        pinned,
		LastMessageID: lastMessageID(messages),
		IsActive:      true,
	}

	alreadyClosed, err := s.store.CloseThreadTx(ctx, threadID, threadSummary, flowSummary)
	if err != nil {
		return fmt.Errorf("summarizer: close transaction: %w", err)
	}
	if alreadyClosed {
		return nil
	}
	return nil
}

// mergePinned preserves prev verbatim unless updates explicitly supplies a
// replacement value for a key. A nil updates map means "don't touch
// pinned at all" — the common case, since most summarize calls don't
// revise pinned facts.
func mergePinned(prev map[string]string, updates map[string]string) map[string]string {
	if len(updates) == 0 {
		return prev
	}
	merged := make(map[string]string, len(prev)+len(updates))
	for k, v := range prev {
		merged[k] = v
	}
	for k, v := range updates {
		merged[k] = v
	}
	return merged
}

func lastMessageID(messages []domain.Message) *uuid.UUID {
	if len(messages) == 0 {
		return nil
	}
	id := messages[len(messages)-1].ID
	return &id
}
