package events

import "time"

// RawKind classifies low-level feed records.
type RawKind string

const (
	RawModelStart  RawKind = "model_start"
	RawModelStream RawKind = "model_stream"
	RawModelEnd    RawKind = "model_end"
	RawModelError  RawKind = "model_error"
	RawToolStart   RawKind = "tool_start"
	RawToolEnd     RawKind = "tool_end"
	RawToolError   RawKind = "tool_error"
	// RawCustom carries an outward Event produced inside a tool node.
	RawCustom RawKind = "custom"
)

// Raw is one record of the shared low-level feed. Every producer passes its
// own RunID and its explicit ancestry; nothing is inferred from ambient state.
type Raw struct {
	Kind RawKind
	// RunID identifies the model call or tool node that produced the record.
	RunID string
	// ParentIDs is the ancestry of RunID, nearest first.
	ParentIDs []string
	// Name is the model name or tool name.
	Name string
	// CallID is the provider tool call id (tool records only).
	CallID string

	Chunk  string
	Input  map[string]any
	Usage  map[string]any
	Result any
	Err    string
	Event  *Event

	At time.Time
}

// ParentID is the nearest ancestor, or "" for a root.
func (r Raw) ParentID() string {
	if len(r.ParentIDs) == 0 {
		return ""
	}
	return r.ParentIDs[0]
}

// Lineage returns the ancestry of a record with id prepended, for handing to
// the record's own children.
func Lineage(id string, parents []string) []string {
	out := make([]string, 0, len(parents)+1)
	out = append(out, id)
	return append(out, parents...)
}
