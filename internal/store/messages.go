package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/floegence/redeven-research/internal/events"
	"github.com/floegence/redeven-research/internal/llm"
	"github.com/floegence/redeven-research/internal/markup"
	"github.com/floegence/redeven-research/internal/usage"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	MessageStatusComplete  = "complete"
	MessageStatusError     = "error"
	MessageStatusCancelled = "cancelled"
)

// Message is one persisted turn. Assistant messages carry the run's final
// markup document, its sources and its usage snapshot.
type Message struct {
	ID              int64             `json:"id"`
	ThreadID        string            `json:"thread_id"`
	MessageID       string            `json:"message_id"`
	RunID           string            `json:"run_id,omitempty"`
	Role            string            `json:"role"`
	Status          string            `json:"status"`
	CreatedAtUnixMs int64             `json:"created_at_unix_ms"`
	Markup          string            `json:"markup"`
	Sources         []events.Document `json:"sources,omitempty"`
	Usage           usage.Snapshot    `json:"usage"`
}

// AppendMessage stores m at the end of its thread and returns its row id.
// The thread must exist.
func (s *Store) AppendMessage(ctx context.Context, threadID string, m Message) (int64, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return 0, err
	}
	threadID = strings.TrimSpace(threadID)
	m.MessageID = strings.TrimSpace(m.MessageID)
	m.RunID = strings.TrimSpace(m.RunID)
	m.Role = strings.TrimSpace(m.Role)
	m.Status = strings.TrimSpace(m.Status)
	if m.Status == "" {
		m.Status = MessageStatusComplete
	}
	if threadID == "" || m.MessageID == "" || (m.Role != RoleUser && m.Role != RoleAssistant) {
		return 0, errors.New("invalid message")
	}
	if m.CreatedAtUnixMs <= 0 {
		m.CreatedAtUnixMs = time.Now().UnixMilli()
	}
	sources := m.Sources
	if sources == nil {
		sources = []events.Document{}
	}
	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		return 0, err
	}
	usageJSON, err := json.Marshal(m.Usage)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var existingTitle string
	if err := tx.QueryRowContext(ctx, `SELECT title FROM research_threads WHERE thread_id = ?`, threadID).Scan(&existingTitle); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO research_messages(
  thread_id, message_id, run_id, role, status, created_at_unix_ms,
  markup, sources_json, usage_json
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		threadID,
		m.MessageID,
		m.RunID,
		m.Role,
		m.Status,
		m.CreatedAtUnixMs,
		m.Markup,
		string(sourcesJSON),
		string(usageJSON),
	)
	if err != nil {
		return 0, err
	}
	rowID, _ := res.LastInsertId()

	plain := PlainText(m.Markup)
	title := strings.TrimSpace(existingTitle)
	if title == "" && m.Role == RoleUser {
		title = truncateRunes(singleLine(plain), 48)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE research_threads
SET title = ?,
    updated_at_unix_ms = ?,
    last_message_at_unix_ms = ?,
    last_message_preview = ?
WHERE thread_id = ?
`,
		title,
		m.CreatedAtUnixMs,
		m.CreatedAtUnixMs,
		truncateRunes(singleLine(plain), 160),
		threadID,
	); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return rowID, nil
}

// ListMessages returns messages in ascending order by internal id.
//
// If beforeID <= 0, it returns the latest messages. Otherwise, it returns messages with id < beforeID.
// The returned nextBeforeID is the smallest id in the result (for loading older history).
func (s *Store) ListMessages(ctx context.Context, threadID string, limit int, beforeID int64) ([]Message, int64, bool, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, 0, false, err
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, 0, false, errors.New("missing thread_id")
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	if beforeID <= 0 {
		beforeID = 1<<62 - 1
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, thread_id, message_id, run_id, role, status, created_at_unix_ms,
       markup, sources_json, usage_json
FROM research_messages
WHERE thread_id = ? AND id < ?
ORDER BY id DESC
LIMIT ?
`, threadID, beforeID, limit)
	if err != nil {
		return nil, 0, false, err
	}
	defer rows.Close()

	tmp := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		var sourcesJSON, usageJSON string
		if err := rows.Scan(
			&m.ID,
			&m.ThreadID,
			&m.MessageID,
			&m.RunID,
			&m.Role,
			&m.Status,
			&m.CreatedAtUnixMs,
			&m.Markup,
			&sourcesJSON,
			&usageJSON,
		); err != nil {
			return nil, 0, false, err
		}
		_ = json.Unmarshal([]byte(sourcesJSON), &m.Sources)
		_ = json.Unmarshal([]byte(usageJSON), &m.Usage)
		tmp = append(tmp, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, false, err
	}
	if len(tmp) == 0 {
		return nil, 0, false, nil
	}

	out := make([]Message, 0, len(tmp))
	for i := len(tmp) - 1; i >= 0; i-- {
		out = append(out, tmp[i])
	}
	nextBeforeID := out[0].ID

	var more int
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1)
FROM research_messages
WHERE thread_id = ? AND id < ?
`, threadID, nextBeforeID).Scan(&more); err != nil {
		more = 0
	}
	return out, nextBeforeID, more > 0, nil
}

// History rebuilds the conversation for the thread's next run: the last
// limit user/assistant turns as plain text. Reasoning segments and tool-call
// markup do not carry over; failed and cancelled answers are skipped.
func (s *Store) History(ctx context.Context, threadID string, limit int) ([]llm.Message, error) {
	if limit <= 0 {
		limit = 40
	}
	msgs, _, _, err := s.ListMessages(ctx, threadID, limit, 0)
	if err != nil {
		return nil, err
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleAssistant && m.Status != MessageStatusComplete {
			continue
		}
		text := strings.TrimSpace(PlainText(m.Markup))
		if text == "" {
			continue
		}
		role := llm.RoleUser
		if m.Role == RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.TextMessage(role, text))
	}
	return out, nil
}

var thinkRe = regexp.MustCompile(`(?s)<think>.*?(</think>|$)`)

// StripReasoning removes <think>...</think> segments. An unterminated segment
// runs to the end of the text.
func StripReasoning(s string) string {
	return thinkRe.ReplaceAllString(s, "")
}

// PlainText is the prose of a persisted markup document without reasoning
// segments and tagged blocks.
func PlainText(doc string) string {
	parsed, err := markup.Parse(doc)
	if err != nil {
		return strings.TrimSpace(StripReasoning(doc))
	}
	return strings.TrimSpace(StripReasoning(parsed.PlainText()))
}
