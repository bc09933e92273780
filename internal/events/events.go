// Package events defines the outward run event stream and the low-level raw
// feed produced by model calls and tool nodes.
package events

import (
	"strings"
)

type Type string

const (
	TypeResponse          Type = "response"
	TypeToolCallStarted   Type = "tool_call_started"
	TypeToolCallSuccess   Type = "tool_call_success"
	TypeToolCallError     Type = "tool_call_error"
	TypeSourcesAdded      Type = "sources_added"
	TypeSources           Type = "sources"
	TypeStats             Type = "stats"
	TypeSubagentStarted   Type = "subagent_started"
	TypeSubagentData      Type = "subagent_data"
	TypeSubagentCompleted Type = "subagent_completed"
	TypeSubagentError     Type = "subagent_error"
	TypeTodos             Type = "todos"
	TypeEnd               Type = "end"
	TypeError             Type = "error"
	TypePing              Type = "ping"

	// TypeUsageReport is emitted by child runs for the subagent executor and is
	// never relayed to consumers.
	TypeUsageReport Type = "usage_report"
)

// Error codes carried by TypeError events.
const (
	CodeCanceled  = "canceled"
	CodeRunFailed = "run_failed"
)

// IsTerminal reports whether no further events may follow t.
func (t Type) IsTerminal() bool {
	return t == TypeEnd || t == TypeError
}

// Event is one record of a run's outward stream. Only the fields relevant to
// Type are set; the JSON shape per type is the consumer contract.
type Event struct {
	Type Type `json:"type"`

	Data any `json:"data,omitempty"`

	ToolCallID  string         `json:"toolCallId,omitempty"`
	Content     string         `json:"content,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
	Error       string         `json:"error,omitempty"`
	Code        string         `json:"code,omitempty"`
	SearchQuery string         `json:"searchQuery,omitempty"`

	ExecutionID string     `json:"executionId,omitempty"`
	SubagentID  string     `json:"subagentId,omitempty"`
	ID          string     `json:"id,omitempty"`
	Name        string     `json:"name,omitempty"`
	Task        string     `json:"task,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	Documents   []Document `json:"documents,omitempty"`
}

// Envelope wraps one child run event relayed on the parent stream.
type Envelope struct {
	ExecutionID   string `json:"executionId"`
	ExecutionName string `json:"executionName"`
	Event         Event  `json:"event"`
}

// Document is one retrieved source.
type Document struct {
	Title    string         `json:"title,omitempty"`
	URL      string         `json:"url,omitempty"`
	Content  string         `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Key identifies a document for de-duplication: its URL, else its title.
func (d Document) Key() string {
	if u := strings.TrimSpace(d.URL); u != "" {
		return strings.TrimRight(strings.ToLower(u), "/")
	}
	return strings.ToLower(strings.TrimSpace(d.Title))
}

// Sink receives events in emission order.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(ev Event) {
	if f != nil {
		f(ev)
	}
}

func Response(text string) Event {
	return Event{Type: TypeResponse, Data: text}
}

func End() Event {
	return Event{Type: TypeEnd}
}

func Failure(code string, message string) Event {
	return Event{Type: TypeError, Data: message, Code: code}
}

func Ping() Event {
	return Event{Type: TypePing}
}
