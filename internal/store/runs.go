package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/floegence/redeven-research/internal/events"
	"github.com/floegence/redeven-research/internal/usage"
)

// Run is the record of one research run.
type Run struct {
	RunID           string         `json:"run_id"`
	ThreadID        string         `json:"thread_id"`
	State           string         `json:"state"`
	CancelReason    string         `json:"cancel_reason,omitempty"`
	Error           string         `json:"error,omitempty"`
	Usage           usage.Snapshot `json:"usage"`
	StartedAtUnixMs int64          `json:"started_at_unix_ms"`
	EndedAtUnixMs   int64          `json:"ended_at_unix_ms,omitempty"`
}

// RunEvent is one outward event of a run, in emission order.
type RunEvent struct {
	Seq             int64           `json:"seq"`
	Type            string          `json:"type"`
	Payload         json.RawMessage `json:"payload"`
	CreatedAtUnixMs int64           `json:"created_at_unix_ms"`
}

// UpsertRun inserts or replaces the run record.
func (s *Store) UpsertRun(ctx context.Context, r Run) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}
	r.RunID = strings.TrimSpace(r.RunID)
	r.ThreadID = strings.TrimSpace(r.ThreadID)
	r.State = strings.TrimSpace(r.State)
	if r.RunID == "" || r.ThreadID == "" || r.State == "" {
		return errors.New("invalid run")
	}
	if r.StartedAtUnixMs <= 0 {
		r.StartedAtUnixMs = time.Now().UnixMilli()
	}
	usageJSON, err := json.Marshal(r.Usage)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO research_runs(
  run_id, thread_id, state, cancel_reason, error, usage_json, started_at_unix_ms, ended_at_unix_ms
) VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
  state = excluded.state,
  cancel_reason = excluded.cancel_reason,
  error = excluded.error,
  usage_json = excluded.usage_json,
  ended_at_unix_ms = excluded.ended_at_unix_ms
`,
		r.RunID,
		r.ThreadID,
		r.State,
		strings.TrimSpace(r.CancelReason),
		truncateRunes(r.Error, maxRunErrorRunes),
		string(usageJSON),
		r.StartedAtUnixMs,
		r.EndedAtUnixMs,
	)
	return err
}

func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}
	var r Run
	var usageJSON string
	err = s.db.QueryRowContext(ctx, `
SELECT run_id, thread_id, state, cancel_reason, error, usage_json, started_at_unix_ms, ended_at_unix_ms
FROM research_runs
WHERE run_id = ?
`, strings.TrimSpace(runID)).Scan(&r.RunID, &r.ThreadID, &r.State, &r.CancelReason, &r.Error, &usageJSON, &r.StartedAtUnixMs, &r.EndedAtUnixMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(usageJSON), &r.Usage)
	return &r, nil
}

// AppendRunEvents stores a batch of a run's events starting at sequence
// number firstSeq.
func (s *Store) AppendRunEvents(ctx context.Context, runID string, firstSeq int64, evs []events.Event) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return errors.New("missing run_id")
	}
	if len(evs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for i, ev := range evs {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO research_run_events(run_id, seq, type, payload_json, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?)
`, runID, firstSeq+int64(i), string(ev.Type), string(payload), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListRunEvents(ctx context.Context, runID string) ([]RunEvent, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, type, payload_json, created_at_unix_ms
FROM research_run_events
WHERE run_id = ?
ORDER BY seq ASC
`, strings.TrimSpace(runID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunEvent
	for rows.Next() {
		var ev RunEvent
		var payload string
		if err := rows.Scan(&ev.Seq, &ev.Type, &payload, &ev.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}
