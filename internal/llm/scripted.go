package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/floegence/redeven-research/internal/usage"
)

// ErrScriptExhausted is returned once a ScriptedProvider has no turns left.
var ErrScriptExhausted = errors.New("scripted provider: no turns left")

// ScriptedTurn is one canned model turn.
type ScriptedTurn struct {
	Chunks    []string
	ToolCalls []ToolCall
	// Err fails the turn after the chunks were streamed.
	Err error
	// Hold blocks after the chunks until the context is done.
	Hold       bool
	ChunkDelay time.Duration
	// Usage replaces the estimated usage report when set.
	Usage map[string]any
}

// ScriptedProvider replays canned turns. Turns are served in order unless
// Respond is set, in which case Respond picks the turn for each request.
// Usage is estimated with Tokenizer (usage.EstimateTokens when nil) over the
// request text and the chunks.
type ScriptedProvider struct {
	Tokenizer usage.Tokenizer
	Respond   func(req TurnRequest) (ScriptedTurn, error)

	mu       sync.Mutex
	turns    []ScriptedTurn
	next     int
	requests []TurnRequest
}

func NewScriptedProvider(turns ...ScriptedTurn) *ScriptedProvider {
	return &ScriptedProvider{turns: append([]ScriptedTurn(nil), turns...)}
}

// Requests returns a copy of every request seen so far.
func (p *ScriptedProvider) Requests() []TurnRequest {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]TurnRequest(nil), p.requests...)
}

func (p *ScriptedProvider) nextTurn(req TurnRequest) (ScriptedTurn, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	respond := p.Respond
	if respond == nil {
		defer p.mu.Unlock()
		if p.next >= len(p.turns) {
			return ScriptedTurn{}, ErrScriptExhausted
		}
		turn := p.turns[p.next]
		p.next++
		return turn, nil
	}
	p.mu.Unlock()
	return respond(req)
}

func (p *ScriptedProvider) StreamTurn(ctx context.Context, req TurnRequest, onEvent func(StreamEvent)) (TurnResult, error) {
	if p == nil {
		return TurnResult{}, errors.New("nil provider")
	}
	turn, err := p.nextTurn(req)
	if err != nil {
		return TurnResult{}, err
	}

	var text strings.Builder
	for _, chunk := range turn.Chunks {
		if turn.ChunkDelay > 0 {
			timer := time.NewTimer(turn.ChunkDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return TurnResult{}, ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return TurnResult{}, err
		}
		text.WriteString(chunk)
		emitProviderEvent(onEvent, StreamEvent{Type: StreamEventTextDelta, Text: chunk})
	}
	if turn.Hold {
		<-ctx.Done()
		return TurnResult{}, ctx.Err()
	}
	if turn.Err != nil {
		return TurnResult{}, turn.Err
	}

	calls := make([]ToolCall, 0, len(turn.ToolCalls))
	for i, call := range turn.ToolCalls {
		if strings.TrimSpace(call.ID) == "" {
			call.ID = fallbackCallID("scripted", i+1)
		}
		call.Args = cloneAnyMap(call.Args)
		emitProviderEvent(onEvent, StreamEvent{Type: StreamEventToolCallEnd, ToolCall: &PartialToolCall{ID: call.ID, Name: call.Name, Arguments: call.Args}})
		calls = append(calls, call)
	}

	raw := turn.Usage
	if raw == nil {
		tok := p.Tokenizer
		if tok == nil {
			tok = usage.EstimateTokens
		}
		est := usage.Estimate(tok, requestText(req), text.String())
		raw = map[string]any{
			"input_tokens":  est.InputTokens,
			"output_tokens": est.OutputTokens,
			"total_tokens":  est.TotalTokens,
		}
	}
	result := TurnResult{FinishReason: "stop", Text: text.String(), ToolCalls: calls, Usage: cloneAnyMap(raw)}
	if len(calls) > 0 {
		result.FinishReason = "tool_calls"
	}
	emitProviderEvent(onEvent, StreamEvent{Type: StreamEventUsage, Usage: result.Usage})
	emitProviderEvent(onEvent, StreamEvent{Type: StreamEventFinishReason, FinishHint: result.FinishReason})
	return result, nil
}

func requestText(req TurnRequest) string {
	parts := make([]string, 0, len(req.Messages))
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			if txt := strings.TrimSpace(part.Text); txt != "" {
				parts = append(parts, txt)
			}
		}
	}
	return strings.Join(parts, "\n")
}

// EchoTurn answers with the last user message, split into words. It backs
// the "scripted" provider type so the CLI runs without credentials.
func EchoTurn(req TurnRequest) (ScriptedTurn, error) {
	query := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			query = req.Messages[i].Text()
			break
		}
	}
	words := strings.Fields("Scripted answer: " + query)
	chunks := make([]string, 0, len(words))
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		chunks = append(chunks, w)
	}
	return ScriptedTurn{Chunks: chunks}, nil
}
