// Package tools holds the research tools a run can call and the contract
// between a tool node and the run that invokes it.
package tools

import (
	"context"
	"errors"
	"strings"

	"github.com/floegence/redeven-research/internal/events"
	"github.com/floegence/redeven-research/internal/llm"
	"github.com/floegence/redeven-research/internal/usage"
)

// ErrSoftStopped is returned by a tool that refused to start new work
// because the run was asked to wrap up.
var ErrSoftStopped = errors.New("soft stop requested")

// ErrorCode is a stable, machine-readable tool error code.
type ErrorCode string

const (
	ErrorCodeInvalidArgs ErrorCode = "INVALID_ARGS"
	ErrorCodeNotFound    ErrorCode = "NOT_FOUND"
	ErrorCodeUpstream    ErrorCode = "UPSTREAM"
	ErrorCodeTimeout     ErrorCode = "TIMEOUT"
	ErrorCodeCanceled    ErrorCode = "CANCELED"
	ErrorCodeUnknown     ErrorCode = "UNKNOWN"
)

// ToolError carries structured tool failure metadata.
type ToolError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable,omitempty"`
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Code) + ": " + e.Message
}

func (e *ToolError) Normalize() {
	if e == nil {
		return
	}
	e.Message = strings.TrimSpace(e.Message)
	if e.Message == "" {
		e.Message = "Tool failed"
	}
	if e.Code == "" {
		e.Code = ErrorCodeUnknown
	}
}

// NewError builds a normalized ToolError.
func NewError(code ErrorCode, message string, retryable bool) *ToolError {
	e := &ToolError{Code: code, Message: message, Retryable: retryable}
	e.Normalize()
	return e
}

// AsToolError classifies err. Context errors map to CANCELED / TIMEOUT.
func AsToolError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) && te != nil {
		te.Normalize()
		return te
	}
	switch {
	case errors.Is(err, context.Canceled):
		return NewError(ErrorCodeCanceled, err.Error(), false)
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(ErrorCodeTimeout, err.Error(), true)
	default:
		return NewError(ErrorCodeUnknown, err.Error(), false)
	}
}

// Invocation is everything a tool node receives. RunID is the node's own id
// and ParentIDs its ancestry; both are passed on explicitly to anything the
// tool starts.
type Invocation struct {
	CallID    string
	RunID     string
	ParentIDs []string
	Name      string
	Args      map[string]any

	// History is the message list of the calling run.
	History []llm.Message
	// Toolset is the tool set in effect for the calling run.
	Toolset     []Tool
	Attachments []string

	// Trace appends a record to the calling run's raw feed.
	Trace       func(events.Raw)
	SoftStopped func() bool
}

// Lineage is the ancestry handed to work started by this node.
func (inv Invocation) Lineage() []string {
	return events.Lineage(inv.RunID, inv.ParentIDs)
}

// Emit publishes an outward event produced by this node.
func (inv Invocation) Emit(ev events.Event) {
	if inv.Trace == nil {
		return
	}
	inv.Trace(events.Raw{
		Kind:      events.RawCustom,
		RunID:     inv.RunID,
		ParentIDs: append([]string(nil), inv.ParentIDs...),
		Name:      inv.Name,
		Event:     &ev,
	})
}

func (inv Invocation) StopRequested() bool {
	return inv.SoftStopped != nil && inv.SoftStopped()
}

func (inv Invocation) StringArg(key string) string {
	v, _ := inv.Args[key].(string)
	return strings.TrimSpace(v)
}

func (inv Invocation) IntArg(key string, def int) int {
	switch v := inv.Args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return def
	}
}

// Result is what a tool hands back. Content is the tool response message the
// model reads next; Documents join the run's source set.
type Result struct {
	Content     string
	Documents   []events.Document
	SearchQuery string
	Extra       map[string]any
	Data        any
	// Usage is auxiliary-model usage the run cannot observe on its own feed.
	Usage *usage.Usage
}

type Tool interface {
	Definition() llm.ToolDef
	Execute(ctx context.Context, inv Invocation) (Result, error)
}

// Func adapts a function to Tool.
type Func struct {
	Def llm.ToolDef
	Fn  func(ctx context.Context, inv Invocation) (Result, error)
}

func (f Func) Definition() llm.ToolDef { return f.Def }

func (f Func) Execute(ctx context.Context, inv Invocation) (Result, error) {
	if f.Fn == nil {
		return Result{}, NewError(ErrorCodeUnknown, "tool has no handler", false)
	}
	return f.Fn(ctx, inv)
}

// Definitions lists the model-facing definitions of ts.
func Definitions(ts []Tool) []llm.ToolDef {
	out := make([]llm.ToolDef, 0, len(ts))
	for _, t := range ts {
		if t == nil {
			continue
		}
		out = append(out, t.Definition())
	}
	return out
}

// Find returns the tool named name from ts.
func Find(ts []Tool, name string) (Tool, bool) {
	name = strings.TrimSpace(name)
	for _, t := range ts {
		if t != nil && t.Definition().Name == name {
			return t, true
		}
	}
	return nil, false
}
