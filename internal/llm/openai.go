package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	openai "github.com/openai/openai-go"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"
)

const defaultMaxOutputTokens = 4096

// openAIProvider drives the OpenAI Responses API.
type openAIProvider struct {
	client openai.Client
}

func (p *openAIProvider) StreamTurn(ctx context.Context, req TurnRequest, onEvent func(StreamEvent)) (TurnResult, error) {
	if p == nil {
		return TurnResult{}, errors.New("nil provider")
	}
	if strings.TrimSpace(req.Model) == "" {
		return TurnResult{}, errors.New("missing model")
	}

	params := oresponses.ResponseNewParams{
		Model:             oshared.ResponsesModel(strings.TrimSpace(req.Model)),
		MaxOutputTokens:   openai.Int(defaultMaxOutputTokens),
		ParallelToolCalls: openai.Bool(true),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxOutputTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	items, instructions := buildOpenAIInput(req.Messages)
	if len(items) == 0 {
		items = append(items, oresponses.ResponseInputItemParamOfMessage("Continue.", oresponses.EasyInputMessageRoleUser))
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: items}
	if instructions != "" {
		params.Instructions = openai.String(instructions)
	}
	tools, aliasToReal := buildOpenAITools(req.Tools)
	if len(tools) > 0 {
		params.Tools = tools
	}

	type partialCall struct {
		callID      string
		name        string
		outputIndex int64
		args        strings.Builder
		ended       bool
	}
	partials := map[string]*partialCall{} // item id -> call
	getPartial := func(itemID string) *partialCall {
		itemID = strings.TrimSpace(itemID)
		if itemID == "" {
			return nil
		}
		if pc := partials[itemID]; pc != nil {
			return pc
		}
		pc := &partialCall{callID: itemID, outputIndex: -1}
		partials[itemID] = pc
		return pc
	}
	realName := func(alias string) string {
		alias = strings.TrimSpace(alias)
		if name, ok := aliasToReal[alias]; ok {
			return name
		}
		return alias
	}

	stream := p.client.Responses.NewStreaming(ctx, params)
	var text strings.Builder
	var completed oresponses.Response
	gotCompleted := false
	for stream.Next() {
		event := stream.Current()
		switch strings.TrimSpace(event.Type) {
		case "response.output_text.delta":
			delta := event.Delta.OfString
			if delta == "" {
				continue
			}
			text.WriteString(delta)
			emitProviderEvent(onEvent, StreamEvent{Type: StreamEventTextDelta, Text: delta})

		case "response.output_item.added":
			item := event.Item
			if strings.TrimSpace(item.Type) != "function_call" {
				continue
			}
			pc := getPartial(item.ID)
			if pc == nil {
				continue
			}
			pc.outputIndex = event.OutputIndex
			if cid := strings.TrimSpace(item.CallID); cid != "" {
				pc.callID = cid
			}
			pc.name = realName(item.Name)
			emitProviderEvent(onEvent, StreamEvent{Type: StreamEventToolCallStart, ToolCall: &PartialToolCall{ID: pc.callID, Name: pc.name}})

		case "response.function_call_arguments.delta":
			pc := getPartial(event.ItemID)
			if pc == nil || event.Delta.OfString == "" {
				continue
			}
			pc.args.WriteString(event.Delta.OfString)
			emitProviderEvent(onEvent, StreamEvent{Type: StreamEventToolCallDelta, ToolCall: &PartialToolCall{ID: pc.callID, Name: pc.name, ArgumentsJSON: pc.args.String()}})

		case "response.output_item.done":
			item := event.Item
			if strings.TrimSpace(item.Type) != "function_call" {
				continue
			}
			pc := getPartial(item.ID)
			if pc == nil || pc.ended {
				continue
			}
			if cid := strings.TrimSpace(item.CallID); cid != "" {
				pc.callID = cid
			}
			if name := realName(item.Name); name != "" {
				pc.name = name
			}
			if raw := strings.TrimSpace(item.Arguments); raw != "" {
				pc.args.Reset()
				pc.args.WriteString(raw)
			}
			pc.ended = true
			emitProviderEvent(onEvent, StreamEvent{Type: StreamEventToolCallEnd, ToolCall: &PartialToolCall{ID: pc.callID, Name: pc.name, ArgumentsJSON: pc.args.String(), Arguments: parseToolArgs(pc.args.String())}})

		case "response.completed":
			completed = event.Response
			gotCompleted = true
		}
	}
	if err := stream.Err(); err != nil {
		return TurnResult{}, err
	}
	if !gotCompleted {
		return TurnResult{}, errors.New("missing response.completed event")
	}

	result := TurnResult{
		FinishReason: mapOpenAIStatus(completed.Status),
		Text:         text.String(),
		Usage: map[string]any{
			"input_tokens":     completed.Usage.InputTokens,
			"output_tokens":    completed.Usage.OutputTokens,
			"total_tokens":     completed.Usage.TotalTokens,
			"reasoning_tokens": completed.Usage.OutputTokensDetails.ReasoningTokens,
		},
	}

	ordered := make([]*partialCall, 0, len(partials))
	for _, pc := range partials {
		if pc.ended && strings.TrimSpace(pc.callID) != "" {
			ordered = append(ordered, pc)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].outputIndex == ordered[j].outputIndex {
			return ordered[i].callID < ordered[j].callID
		}
		return ordered[i].outputIndex < ordered[j].outputIndex
	})
	for _, pc := range ordered {
		result.ToolCalls = append(result.ToolCalls, ToolCall{ID: pc.callID, Name: pc.name, Args: parseToolArgs(pc.args.String())})
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	emitProviderEvent(onEvent, StreamEvent{Type: StreamEventUsage, Usage: result.Usage})
	emitProviderEvent(onEvent, StreamEvent{Type: StreamEventFinishReason, FinishHint: result.FinishReason})
	return result, nil
}

func buildOpenAITools(defs []ToolDef) ([]oresponses.ToolUnionParam, map[string]string) {
	out := make([]oresponses.ToolUnionParam, 0, len(defs))
	aliasToReal := make(map[string]string, len(defs))
	for _, def := range defs {
		if strings.TrimSpace(def.Name) == "" {
			continue
		}
		alias := sanitizeProviderToolName(def.Name)
		tool := oresponses.ToolParamOfFunction(alias, decodeSchema(def.InputSchema), false)
		if tool.OfFunction != nil && strings.TrimSpace(def.Description) != "" {
			tool.OfFunction.Description = openai.String(strings.TrimSpace(def.Description))
		}
		out = append(out, tool)
		aliasToReal[alias] = def.Name
	}
	return out, aliasToReal
}

func buildOpenAIInput(messages []Message) (oresponses.ResponseInputParam, string) {
	items := make(oresponses.ResponseInputParam, 0, len(messages)+1)
	instructions := collectSystemPrompt(messages)
	for _, msg := range messages {
		switch strings.ToLower(strings.TrimSpace(msg.Role)) {
		case RoleSystem:
			continue
		case RoleTool:
			for _, part := range msg.Content {
				if part.Type != "tool_result" || strings.TrimSpace(part.ToolCallID) == "" {
					continue
				}
				items = append(items, oresponses.ResponseInputItemParamOfFunctionCallOutput(part.ToolCallID, part.Text))
			}
		case RoleAssistant:
			if txt := msg.Text(); txt != "" {
				items = append(items, oresponses.ResponseInputItemParamOfMessage(txt, oresponses.EasyInputMessageRoleAssistant))
			}
			for _, part := range msg.Content {
				if part.Type != "tool_call" || strings.TrimSpace(part.ToolCallID) == "" {
					continue
				}
				args := strings.TrimSpace(part.ArgsJSON)
				if args == "" {
					args = "{}"
				}
				items = append(items, oresponses.ResponseInputItemParamOfFunctionCall(args, part.ToolCallID, sanitizeProviderToolName(part.ToolName)))
			}
		default:
			content := make(oresponses.ResponseInputMessageContentListParam, 0, len(msg.Content))
			for _, part := range msg.Content {
				switch part.Type {
				case "text":
					if txt := strings.TrimSpace(part.Text); txt != "" {
						content = append(content, oresponses.ResponseInputContentUnionParam{
							OfInputText: &oresponses.ResponseInputTextParam{Text: txt},
						})
					}
				case "image":
					uri := strings.TrimSpace(part.FileURI)
					if uri == "" {
						continue
					}
					content = append(content, oresponses.ResponseInputContentUnionParam{
						OfInputImage: &oresponses.ResponseInputImageParam{
							Detail:   oresponses.ResponseInputImageDetailAuto,
							ImageURL: openai.String(uri),
						},
					})
				}
			}
			if len(content) > 0 {
				items = append(items, oresponses.ResponseInputItemParamOfMessage(content, oresponses.EasyInputMessageRoleUser))
			}
		}
	}
	return items, instructions
}

func mapOpenAIStatus(status oresponses.ResponseStatus) string {
	switch strings.TrimSpace(strings.ToLower(string(status))) {
	case "completed":
		return "stop"
	case "incomplete":
		return "length"
	case "failed", "cancelled":
		return "error"
	default:
		return "unknown"
	}
}

func fallbackCallID(prefix string, n int) string {
	return fmt.Sprintf("%s_call_%d", prefix, n)
}
