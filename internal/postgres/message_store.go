package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rat-data/agentd/internal/domain"
)

// MessageStore implements append/read for domain.Message, ordered by
// (created_at, id) within a thread as the domain model requires.
type MessageStore struct {
	pool *pgxpool.Pool
}

// NewMessageStore constructs a MessageStore.
func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

const messageColumns = "id, thread_id, role, format, parent_id, tool_name, tool_result, content, created_at"

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var m domain.Message
	var role, format string
	if err := row.Scan(&m.ID, &m.ThreadID, &role, &format, &m.ParentID, &m.ToolName, &m.ToolResult, &m.Content, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Role = domain.MessageRole(role)
	m.Format = domain.MessageFormat(format)
	return &m, nil
}

// AppendMessage inserts a new message into a thread.
func (s *MessageStore) AppendMessage(ctx context.Context, m *domain.Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Format == "" {
		m.Format = domain.FormatText
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO messages (id, thread_id, role, format, parent_id, tool_name, tool_result, content)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+messageColumns,
		m.ID, m.ThreadID, string(m.Role), string(m.Format), m.ParentID, m.ToolName, m.ToolResult, m.Content)

	created, err := scanMessage(row)
	if err != nil {
		return fmt.Errorf("message store: append: %w", err)
	}
	*m = *created
	return nil
}

// GetThreadMessages returns every message in a thread, oldest first.
func (s *MessageStore) GetThreadMessages(ctx context.Context, threadID uuid.UUID) ([]domain.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE thread_id = $1 ORDER BY created_at ASC, id ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("message store: get thread messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ListMessagesSince returns messages in a thread created after afterID
// (exclusive), oldest first — used to page a thread's transcript without
// re-sending the whole history.
func (s *MessageStore) ListMessagesSince(ctx context.Context, threadID uuid.UUID, afterID *uuid.UUID, limit int) ([]domain.Message, error) {
	var rows pgx.Rows
	var err error
	if afterID == nil {
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE thread_id = $1 ORDER BY created_at ASC, id ASC LIMIT $2`,
			threadID, limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+` FROM messages
			 WHERE thread_id = $1 AND created_at > (SELECT created_at FROM messages WHERE id = $2)
			 ORDER BY created_at ASC, id ASC LIMIT $3`,
			threadID, *afterID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("message store: list since: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
