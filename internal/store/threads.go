package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	RunStatusIdle      = "idle"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusErrored   = "errored"
	RunStatusCancelled = "cancelled"

	maxRunErrorRunes = 600
)

type Thread struct {
	ThreadID           string `json:"thread_id"`
	Title              string `json:"title"`
	RunStatus          string `json:"run_status"`
	RunUpdatedAtUnixMs int64  `json:"run_updated_at_unix_ms"`
	RunError           string `json:"run_error"`

	CreatedAtUnixMs     int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs     int64  `json:"updated_at_unix_ms"`
	LastMessageAtUnixMs int64  `json:"last_message_at_unix_ms"`
	LastMessagePreview  string `json:"last_message_preview"`
}

type ThreadsCursor struct {
	UpdatedAtUnixMs int64
	ThreadID        string
}

// EncodeCursor encodes a cursor as a URL-safe base64 string.
func EncodeCursor(c ThreadsCursor) string {
	if c.UpdatedAtUnixMs <= 0 || strings.TrimSpace(c.ThreadID) == "" {
		return ""
	}
	raw := fmt.Sprintf("%d:%s", c.UpdatedAtUnixMs, strings.TrimSpace(c.ThreadID))
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor reverses EncodeCursor. An empty string is the first page.
func DecodeCursor(raw string) (ThreadsCursor, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ThreadsCursor{}, true
	}
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return ThreadsCursor{}, false
	}
	ms, id, ok := strings.Cut(string(b), ":")
	if !ok {
		return ThreadsCursor{}, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(ms), 10, 64)
	if err != nil || n <= 0 {
		return ThreadsCursor{}, false
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return ThreadsCursor{}, false
	}
	return ThreadsCursor{UpdatedAtUnixMs: n, ThreadID: id}, true
}

const threadColumns = `
  thread_id, title, run_status, run_updated_at_unix_ms, run_error,
  created_at_unix_ms, updated_at_unix_ms, last_message_at_unix_ms, last_message_preview`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (Thread, error) {
	var t Thread
	err := row.Scan(
		&t.ThreadID,
		&t.Title,
		&t.RunStatus,
		&t.RunUpdatedAtUnixMs,
		&t.RunError,
		&t.CreatedAtUnixMs,
		&t.UpdatedAtUnixMs,
		&t.LastMessageAtUnixMs,
		&t.LastMessagePreview,
	)
	return t, err
}

func (s *Store) CreateThread(ctx context.Context, t Thread) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}
	t.ThreadID = strings.TrimSpace(t.ThreadID)
	t.Title = strings.TrimSpace(t.Title)
	t.RunStatus = normalizeRunStatus(t.RunStatus)
	t.RunError = strings.TrimSpace(t.RunError)
	if t.ThreadID == "" {
		return errors.New("invalid thread")
	}

	now := time.Now().UnixMilli()
	if t.CreatedAtUnixMs <= 0 {
		t.CreatedAtUnixMs = now
	}
	if t.UpdatedAtUnixMs <= 0 {
		t.UpdatedAtUnixMs = t.CreatedAtUnixMs
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO research_threads(`+threadColumns+`
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		t.ThreadID,
		t.Title,
		t.RunStatus,
		t.RunUpdatedAtUnixMs,
		t.RunError,
		t.CreatedAtUnixMs,
		t.UpdatedAtUnixMs,
		t.LastMessageAtUnixMs,
		t.LastMessagePreview,
	)
	return err
}

// EnsureThread creates the thread when it does not exist yet.
func (s *Store) EnsureThread(ctx context.Context, threadID string) (*Thread, error) {
	th, err := s.GetThread(ctx, threadID)
	if err == nil {
		return th, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err := s.CreateThread(ctx, Thread{ThreadID: threadID}); err != nil {
		return nil, err
	}
	return s.GetThread(ctx, threadID)
}

func (s *Store) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, errors.New("missing thread_id")
	}
	t, err := scanThread(s.db.QueryRowContext(ctx, `SELECT`+threadColumns+`
FROM research_threads
WHERE thread_id = ?
`, threadID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListThreads returns threads by recency. The returned cursor is empty on
// the last page.
func (s *Store) ListThreads(ctx context.Context, limit int, cursor ThreadsCursor) ([]Thread, string, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	args := []any{}
	where := ""
	if cursor.UpdatedAtUnixMs > 0 && strings.TrimSpace(cursor.ThreadID) != "" {
		where = "WHERE (updated_at_unix_ms < ? OR (updated_at_unix_ms = ? AND thread_id < ?))"
		args = append(args, cursor.UpdatedAtUnixMs, cursor.UpdatedAtUnixMs, strings.TrimSpace(cursor.ThreadID))
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `SELECT`+threadColumns+`
FROM research_threads
`+where+`
ORDER BY updated_at_unix_ms DESC, thread_id DESC
LIMIT ?
`, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	out := make([]Thread, 0, limit)
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(out) == limit {
		last := out[len(out)-1]
		next = EncodeCursor(ThreadsCursor{UpdatedAtUnixMs: last.UpdatedAtUnixMs, ThreadID: last.ThreadID})
	}
	return out, next, nil
}

func normalizeRunStatus(status string) string {
	switch strings.TrimSpace(strings.ToLower(status)) {
	case RunStatusRunning, RunStatusCompleted, RunStatusErrored, RunStatusCancelled:
		return strings.TrimSpace(strings.ToLower(status))
	default:
		return RunStatusIdle
	}
}

// UpdateThreadRunState records the state of the thread's latest run. The
// error is kept only for errored runs.
func (s *Store) UpdateThreadRunState(ctx context.Context, threadID string, runStatus string, runError string) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return errors.New("missing thread_id")
	}
	runStatus = normalizeRunStatus(runStatus)
	runError = truncateRunes(strings.TrimSpace(runError), maxRunErrorRunes)
	if runStatus != RunStatusErrored {
		runError = ""
	}
	now := time.Now().UnixMilli()

	res, err := s.db.ExecContext(ctx, `
UPDATE research_threads
SET run_status = ?, run_error = ?, run_updated_at_unix_ms = ?, updated_at_unix_ms = ?
WHERE thread_id = ?
`, runStatus, runError, now, now, threadID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteThread removes the thread with its messages and runs.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}
	threadID = strings.TrimSpace(threadID)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM research_run_events WHERE run_id IN (SELECT run_id FROM research_runs WHERE thread_id = ?)`,
		`DELETE FROM research_runs WHERE thread_id = ?`,
		`DELETE FROM research_messages WHERE thread_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, threadID); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM research_threads WHERE thread_id = ?`, threadID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}
