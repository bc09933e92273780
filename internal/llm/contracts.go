// Package llm is the model-provider boundary: one streaming turn in, text
// deltas, tool calls and a provider-native usage report out.
package llm

import (
	"context"
	"encoding/json"
	"strings"
)

type StreamEventType string

const (
	StreamEventTextDelta     StreamEventType = "text_delta"
	StreamEventThinkingDelta StreamEventType = "thinking_delta"
	StreamEventToolCallStart StreamEventType = "tool_call_start"
	StreamEventToolCallDelta StreamEventType = "tool_call_delta"
	StreamEventToolCallEnd   StreamEventType = "tool_call_end"
	StreamEventUsage         StreamEventType = "usage"
	StreamEventFinishReason  StreamEventType = "finish_reason"
)

type PartialToolCall struct {
	ID            string
	Name          string
	ArgumentsJSON string
	Arguments     map[string]any
}

type StreamEvent struct {
	Type       StreamEventType
	Text       string
	ToolCall   *PartialToolCall
	Usage      map[string]any
	FinishHint string
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ContentPart is one piece of a message. Type is one of text, image,
// tool_call or tool_result.
type ContentPart struct {
	Type       string
	Text       string
	FileURI    string
	MimeType   string
	ToolCallID string
	ToolName   string
	ArgsJSON   string
}

type Message struct {
	Role    string
	Content []ContentPart
}

func TextMessage(role string, text string) Message {
	return Message{Role: role, Content: []ContentPart{{Type: "text", Text: text}}}
}

// Text joins the text parts of m.
func (m Message) Text() string {
	parts := make([]string, 0, len(m.Content))
	for _, part := range m.Content {
		if strings.ToLower(strings.TrimSpace(part.Type)) != "text" {
			continue
		}
		if txt := strings.TrimSpace(part.Text); txt != "" {
			parts = append(parts, txt)
		}
	}
	return strings.Join(parts, "\n")
}

type ToolDef struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

type TurnRequest struct {
	Model           string
	Messages        []Message
	Tools           []ToolDef
	MaxOutputTokens int
	Temperature     *float64
}

type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// TurnResult is the outcome of one model turn. Usage is the provider's own
// usage report, keyed by the provider's field names.
type TurnResult struct {
	FinishReason string
	Text         string
	ToolCalls    []ToolCall
	Usage        map[string]any
}

// Provider streams one model turn.
type Provider interface {
	StreamTurn(ctx context.Context, req TurnRequest, onEvent func(StreamEvent)) (TurnResult, error)
}

func emitProviderEvent(onEvent func(StreamEvent), event StreamEvent) {
	if onEvent != nil {
		onEvent(event)
	}
}

// ToolCallMessage records the assistant's tool calls for the next turn.
func ToolCallMessage(text string, calls []ToolCall) Message {
	msg := Message{Role: RoleAssistant}
	if strings.TrimSpace(text) != "" {
		msg.Content = append(msg.Content, ContentPart{Type: "text", Text: text})
	}
	for _, call := range calls {
		id := strings.TrimSpace(call.ID)
		name := strings.TrimSpace(call.Name)
		if id == "" || name == "" {
			continue
		}
		args := call.Args
		if args == nil {
			args = map[string]any{}
		}
		b, err := json.Marshal(args)
		if err != nil || !json.Valid(b) {
			b = []byte("{}")
		}
		msg.Content = append(msg.Content, ContentPart{Type: "tool_call", ToolCallID: id, ToolName: name, ArgsJSON: string(b)})
	}
	return msg
}

// ToolResultMessage carries one tool result back to the model.
func ToolResultMessage(callID string, content string) Message {
	return Message{Role: RoleTool, Content: []ContentPart{{Type: "tool_result", ToolCallID: strings.TrimSpace(callID), Text: content}}}
}
