package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/hub/pkg/hub"
)

type MessageStore struct {
	db     *sql.DB
	driver string
}

const messageSelect = `SELECT id, session_id, role, content, tool_call_id, tool_calls, model, usage, created_at FROM messages`

// Append inserts a message. Callers serialize this per session (a
// session-level write lock held by internal/sessionsvc) so messages remain
// strictly ordered per spec.md §5.
func (s *MessageStore) Append(ctx context.Context, m *hub.Message) (*hub.Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, rebind(s.driver, `
		INSERT INTO messages (id, session_id, role, content, tool_call_id, tool_calls, model, usage, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.SessionID, string(m.Role), m.Content, m.ToolCallID, string(m.ToolCalls), m.Model, string(m.Usage), m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListBySession returns every message for a session strictly ordered by
// (created_at, id) per spec.md §3.
func (s *MessageStore) ListBySession(ctx context.Context, sessionID string) ([]*hub.Message, error) {
	rows, err := s.db.QueryContext(ctx, rebind(s.driver, messageSelect+`
		WHERE session_id = ? ORDER BY created_at ASC, id ASC`), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*hub.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *MessageStore) CountBySession(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, rebind(s.driver, `SELECT COUNT(*) FROM messages WHERE session_id = ?`), sessionID).Scan(&n)
	return n, err
}

func scanMessage(r rowScanner) (*hub.Message, error) {
	m := &hub.Message{}
	var role, toolCalls, usage string
	if err := r.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.ToolCallID, &toolCalls, &m.Model, &usage, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Role = hub.Role(role)
	m.ToolCalls = []byte(toolCalls)
	m.Usage = []byte(usage)
	return m, nil
}
