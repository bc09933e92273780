package agent

import (
	"encoding/json"
	"strings"

	"github.com/floegence/redeven-research/internal/markup"
)

const (
	toolStatusRunning = "running"
	toolStatusSuccess = "success"
	toolStatusError   = "error"

	maxToolErrorRunes = 500
)

type toolCallRecord struct {
	ID     string
	Name   string
	Status string
	Error  string
	Extra  map[string]any
}

// toolCallTracker keeps the live status of the run's tool calls. A record
// lives from Started to Ended; its markup outlives it in the document.
type toolCallTracker struct {
	calls map[string]*toolCallRecord
}

func newToolCallTracker() *toolCallTracker {
	return &toolCallTracker{calls: make(map[string]*toolCallRecord)}
}

// Started registers a call and returns its fragment with status running.
func (t *toolCallTracker) Started(id string, name string, attrs []markup.Attr) markup.Block {
	id = strings.TrimSpace(id)
	name = strings.TrimSpace(name)
	t.calls[id] = &toolCallRecord{ID: id, Name: name, Status: toolStatusRunning}

	out := make([]markup.Attr, 0, len(attrs)+2)
	out = append(out, markup.Attr{Key: "type", Value: name}, markup.Attr{Key: "status", Value: toolStatusRunning})
	for _, a := range attrs {
		if a.Key == "type" || a.Key == "status" || a.Key == "id" {
			continue
		}
		out = append(out, a)
	}
	return markup.Block{ID: id, Tag: markup.TagToolCall, Attrs: out}
}

// Ended finalizes a call and evicts it. The returned patch targets the
// fragment Started produced; for an unknown id it matches nothing.
func (t *toolCallTracker) Ended(id string, status string, errText string, extra map[string]any) markup.Patch {
	id = strings.TrimSpace(id)
	if rec, ok := t.calls[id]; ok {
		rec.Status = status
		rec.Error = errText
		rec.Extra = extra
		delete(t.calls, id)
	}
	return statusPatch(id, status, errText, extra)
}

func (t *toolCallTracker) Running() int {
	return len(t.calls)
}

// statusPatch builds the patch that moves a tagged block to a terminal status.
// Values are stored raw and escaped when the document renders.
func statusPatch(id string, status string, errText string, extra map[string]any) markup.Patch {
	p := markup.Patch{ID: id, Set: []markup.Attr{{Key: "status", Value: status}}}
	if status == toolStatusError && strings.TrimSpace(errText) != "" {
		p.Set = append(p.Set, markup.Attr{Key: "error", Value: truncateRunes(errText, maxToolErrorRunes)})
	}
	if len(extra) > 0 {
		if b, err := json.Marshal(extra); err == nil {
			p.Set = append(p.Set, markup.Attr{Key: "extra", Value: string(b)})
		}
	}
	return p
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "\n... (truncated)"
}
