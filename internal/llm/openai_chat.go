package llm

import (
	"context"
	"errors"
	"strings"

	openai "github.com/openai/openai-go"
)

// openAIChatProvider drives the Chat Completions API, which is what most
// openai_compatible gateways implement. Its usage report uses the
// prompt_tokens / completion_tokens field names.
type openAIChatProvider struct {
	client openai.Client
}

func (p *openAIChatProvider) StreamTurn(ctx context.Context, req TurnRequest, onEvent func(StreamEvent)) (TurnResult, error) {
	if p == nil {
		return TurnResult{}, errors.New("nil provider")
	}
	if strings.TrimSpace(req.Model) == "" {
		return TurnResult{}, errors.New("missing model")
	}

	params := openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(strings.TrimSpace(req.Model)),
		Messages:  buildChatMessages(req.Messages),
		MaxTokens: openai.Int(defaultMaxOutputTokens),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.MaxOutputTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxOutputTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	aliasToReal := map[string]string{}
	for _, def := range req.Tools {
		if strings.TrimSpace(def.Name) == "" {
			continue
		}
		alias := sanitizeProviderToolName(def.Name)
		aliasToReal[alias] = def.Name
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        alias,
				Description: openai.String(strings.TrimSpace(def.Description)),
				Parameters:  openai.FunctionParameters(decodeSchema(def.InputSchema)),
			},
		})
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	acc := openai.ChatCompletionAccumulator{}
	started := map[int64]bool{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			emitProviderEvent(onEvent, StreamEvent{Type: StreamEventTextDelta, Text: delta.Content})
		}
		for _, tc := range delta.ToolCalls {
			if !started[tc.Index] && strings.TrimSpace(tc.Function.Name) != "" {
				started[tc.Index] = true
				emitProviderEvent(onEvent, StreamEvent{Type: StreamEventToolCallStart, ToolCall: &PartialToolCall{ID: tc.ID, Name: tc.Function.Name}})
			}
			if tc.Function.Arguments != "" {
				emitProviderEvent(onEvent, StreamEvent{Type: StreamEventToolCallDelta, ToolCall: &PartialToolCall{ID: tc.ID, ArgumentsJSON: tc.Function.Arguments}})
			}
		}
	}
	if err := stream.Err(); err != nil {
		return TurnResult{}, err
	}

	result := TurnResult{
		FinishReason: "stop",
		Usage: map[string]any{
			"prompt_tokens":     acc.Usage.PromptTokens,
			"completion_tokens": acc.Usage.CompletionTokens,
			"total_tokens":      acc.Usage.TotalTokens,
		},
	}
	if len(acc.Choices) > 0 {
		choice := acc.Choices[0]
		result.Text = choice.Message.Content
		if fr := strings.TrimSpace(string(choice.FinishReason)); fr != "" {
			result.FinishReason = fr
		}
		for i, tc := range choice.Message.ToolCalls {
			id := strings.TrimSpace(tc.ID)
			if id == "" {
				id = fallbackCallID("chat", i+1)
			}
			name := strings.TrimSpace(tc.Function.Name)
			if real, ok := aliasToReal[name]; ok {
				name = real
			}
			call := ToolCall{ID: id, Name: name, Args: parseToolArgs(tc.Function.Arguments)}
			result.ToolCalls = append(result.ToolCalls, call)
			emitProviderEvent(onEvent, StreamEvent{Type: StreamEventToolCallEnd, ToolCall: &PartialToolCall{ID: call.ID, Name: call.Name, ArgumentsJSON: tc.Function.Arguments, Arguments: cloneAnyMap(call.Args)}})
		}
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	emitProviderEvent(onEvent, StreamEvent{Type: StreamEventUsage, Usage: result.Usage})
	emitProviderEvent(onEvent, StreamEvent{Type: StreamEventFinishReason, FinishHint: result.FinishReason})
	return result, nil
}

func buildChatMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if system := collectSystemPrompt(messages); system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, msg := range messages {
		switch strings.ToLower(strings.TrimSpace(msg.Role)) {
		case RoleSystem:
			continue
		case RoleTool:
			for _, part := range msg.Content {
				if part.Type == "tool_result" && strings.TrimSpace(part.ToolCallID) != "" {
					out = append(out, openai.ToolMessage(part.Text, part.ToolCallID))
				}
			}
		case RoleAssistant:
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if txt := msg.Text(); txt != "" {
				assistant.Content.OfString = openai.String(txt)
			}
			for _, part := range msg.Content {
				if part.Type != "tool_call" || strings.TrimSpace(part.ToolCallID) == "" {
					continue
				}
				args := strings.TrimSpace(part.ArgsJSON)
				if args == "" {
					args = "{}"
				}
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: part.ToolCallID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      sanitizeProviderToolName(part.ToolName),
						Arguments: args,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		default:
			parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(msg.Content))
			for _, part := range msg.Content {
				switch part.Type {
				case "text":
					if txt := strings.TrimSpace(part.Text); txt != "" {
						parts = append(parts, openai.TextContentPart(txt))
					}
				case "image":
					if uri := strings.TrimSpace(part.FileURI); uri != "" {
						parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: uri}))
					}
				}
			}
			if len(parts) > 0 {
				out = append(out, openai.UserMessage(parts))
			}
		}
	}
	if len(out) == 0 || (len(out) == 1 && out[0].OfSystem != nil) {
		out = append(out, openai.UserMessage("Continue."))
	}
	return out
}
