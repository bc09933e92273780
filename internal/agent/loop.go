package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/floegence/redeven-research/internal/events"
	"github.com/floegence/redeven-research/internal/llm"
	"github.com/floegence/redeven-research/internal/tools"
)

const (
	finalPassPrompt = "You have used all research steps. Answer the question now from what you found, citing sources as [n]."

	synthesisDisclaimer = "_Research was stopped early. This answer only uses the sources gathered so far and may be incomplete._\n\n"
	synthesisSystem     = "You are finishing a research answer after the research was stopped early. Use only the numbered sources below, cite them as [n], and say plainly when they do not cover part of the question."
	synthesisSourceCap  = 1500

	softStopNotRun = "Not run: research was stopped."
)

// push records raw on the run's feed and mirrors it to the parent feed of a
// child run.
func (r *run) push(raw events.Raw) {
	if raw.At.IsZero() {
		raw.At = time.Now()
	}
	r.feed.push(raw)
	if r.req.mirror != nil {
		r.req.mirror(raw)
	}
}

func (r *run) lineage() []string {
	return events.Lineage(r.id, r.req.parentIDs)
}

func (r *run) initialMessages() []llm.Message {
	msgs := make([]llm.Message, 0, len(r.req.History)+2)
	if sys := strings.TrimSpace(r.req.SystemPrompt); sys != "" {
		msgs = append(msgs, llm.TextMessage(llm.RoleSystem, sys))
	}
	msgs = append(msgs, r.req.History...)
	user := llm.TextMessage(llm.RoleUser, r.req.Query)
	for _, ref := range r.req.ImageRefs {
		if ref = strings.TrimSpace(ref); ref != "" {
			user.Content = append(user.Content, llm.ContentPart{Type: "image", FileURI: ref})
		}
	}
	return append(msgs, user)
}

// loop drives the model+tools steps and produces the raw feed. It returns
// the final message of the last step.
func (r *run) loop(ctx context.Context) (string, error) {
	messages := r.initialMessages()
	defs := tools.Definitions(r.req.Tools)
	var collected []events.Document

	for step := 0; step < r.engine.opts.MaxSteps; step++ {
		if r.ctrl.SoftStopped() {
			return r.synthesize(ctx, collected)
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		modelID, res, err := r.modelTurn(ctx, messages, defs)
		if err != nil {
			return "", err
		}
		if len(res.ToolCalls) == 0 {
			return res.Text, nil
		}
		if r.ctrl.SoftStopped() {
			r.debug("research.run.tool_calls_dropped", "calls", len(res.ToolCalls))
			return r.synthesize(ctx, collected)
		}
		r.debug("research.run.tool_step", "step", step, "calls", len(res.ToolCalls))

		messages = append(messages, llm.ToolCallMessage(res.Text, res.ToolCalls))
		outs, err := r.runTools(ctx, modelID, res.ToolCalls, messages)
		for _, out := range outs {
			messages = append(messages, llm.ToolResultMessage(out.callID, out.content))
			collected = append(collected, out.docs...)
		}
		if errors.Is(err, ErrSoftStopped) {
			return r.synthesize(ctx, collected)
		}
		if err != nil {
			return "", err
		}
	}

	messages = append(messages, llm.TextMessage(llm.RoleUser, finalPassPrompt))
	_, res, err := r.modelTurn(ctx, messages, nil)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

func (r *run) modelTurn(ctx context.Context, messages []llm.Message, defs []llm.ToolDef) (string, llm.TurnResult, error) {
	req := llm.TurnRequest{
		Model:           r.engine.opts.Model,
		Messages:        messages,
		Tools:           defs,
		MaxOutputTokens: r.engine.opts.MaxOutputTokens,
	}
	return tools.TracedTurn(ctx, r.engine.opts.Provider, req, r.push, r.lineage(), nil)
}

type toolOutcome struct {
	callID  string
	content string
	docs    []events.Document
}

// runTools runs one step's calls concurrently and waits for all of them.
// Tool failures become tool results; only a soft stop is returned.
func (r *run) runTools(ctx context.Context, modelID string, calls []llm.ToolCall, history []llm.Message) ([]toolOutcome, error) {
	parents := events.Lineage(modelID, r.lineage())
	outs := make([]toolOutcome, len(calls))
	var g errgroup.Group
	g.SetLimit(r.engine.opts.MaxParallelTools)
	for i, call := range calls {
		g.Go(func() error {
			out, err := r.runTool(ctx, parents, call, history)
			outs[i] = out
			return err
		})
	}
	return outs, g.Wait()
}

func (r *run) runTool(ctx context.Context, parents []string, call llm.ToolCall, history []llm.Message) (toolOutcome, error) {
	out := toolOutcome{callID: call.ID}
	// A call refused after a soft stop is never announced.
	if r.ctrl.SoftStopped() {
		out.content = "Error: " + softStopNotRun
		return out, ErrSoftStopped
	}
	nodeID := uuid.NewString()
	r.push(events.Raw{Kind: events.RawToolStart, RunID: nodeID, ParentIDs: parents, Name: call.Name, CallID: call.ID, Input: call.Args})

	ctx, span := startSpan(ctx, traceSpanTool,
		attribute.String(traceAttrRunID, nodeID),
		attribute.String(traceAttrParentRunID, parents[0]),
		attribute.String(traceAttrToolName, call.Name),
	)
	res, err := r.invokeTool(ctx, nodeID, parents, call, history)
	if err != nil {
		te := tools.AsToolError(err)
		msg := te.Message
		if errors.Is(err, ErrSoftStopped) {
			msg = softStopNotRun
		}
		r.push(events.Raw{Kind: events.RawToolError, RunID: nodeID, ParentIDs: parents, Name: call.Name, CallID: call.ID, Err: msg, Result: res})
		endSpan(span, toolStatusError, err)
		r.debug("research.run.tool_error", "tool", call.Name, "tool_run_id", nodeID, "code", string(te.Code), "error", truncateRunes(msg, 200))
		out.content = fmt.Sprintf("Error [%s]: %s", te.Code, msg)
		if errors.Is(err, ErrSoftStopped) {
			return out, ErrSoftStopped
		}
		return out, nil
	}

	r.push(events.Raw{Kind: events.RawToolEnd, RunID: nodeID, ParentIDs: parents, Name: call.Name, CallID: call.ID, Result: res})
	endSpan(span, toolStatusSuccess, nil)
	out.content = res.Content
	if strings.TrimSpace(out.content) == "" {
		out.content = "OK"
	}
	out.docs = res.Documents
	return out, nil
}

func (r *run) invokeTool(ctx context.Context, nodeID string, parents []string, call llm.ToolCall, history []llm.Message) (res tools.Result, err error) {
	tool, ok := tools.Find(r.req.Tools, call.Name)
	if !ok {
		return tools.Result{}, tools.NewError(tools.ErrorCodeNotFound, fmt.Sprintf("unknown tool %q", call.Name), false)
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("research tool panicked", "run_id", r.id, "tool", call.Name, "panic", p)
			res, err = tools.Result{}, tools.NewError(tools.ErrorCodeUnknown, fmt.Sprintf("tool panicked: %v", p), false)
		}
	}()
	return tool.Execute(ctx, tools.Invocation{
		CallID:      call.ID,
		RunID:       nodeID,
		ParentIDs:   parents,
		Name:        call.Name,
		Args:        call.Args,
		History:     history,
		Toolset:     r.req.Tools,
		Attachments: r.req.ImageRefs,
		Trace:       r.push,
		SoftStopped: r.ctrl.SoftStopped,
	})
}

// synthesize answers from the sources collected before a soft stop, after a
// visible disclaimer.
func (r *run) synthesize(ctx context.Context, docs []events.Document) (string, error) {
	r.debug("research.run.soft_stop", "documents", len(docs))
	disclaimer := events.Response(synthesisDisclaimer)
	r.push(events.Raw{Kind: events.RawCustom, RunID: r.id, ParentIDs: r.req.parentIDs, Event: &disclaimer})

	messages := []llm.Message{
		llm.TextMessage(llm.RoleSystem, synthesisSystem),
		llm.TextMessage(llm.RoleUser, fmt.Sprintf("Question: %s\n\nSources:\n%s", r.req.Query, numberedSources(docs))),
	}
	_, res, err := r.modelTurn(ctx, messages, nil)
	if err != nil {
		return "", fmt.Errorf("early synthesis: %w", err)
	}
	return res.Text, nil
}

func numberedSources(docs []events.Document) string {
	set := newDocumentSet()
	set.add(docs)
	list := set.list()
	if len(list) == 0 {
		return "(no sources were collected)"
	}
	var sb strings.Builder
	for i, d := range list {
		fmt.Fprintf(&sb, "[%d] %s\n", i+1, strings.TrimSpace(d.Title))
		if d.URL != "" {
			fmt.Fprintf(&sb, "URL: %s\n", d.URL)
		}
		if c := strings.TrimSpace(d.Content); c != "" {
			fmt.Fprintf(&sb, "%s\n", truncateRunes(c, synthesisSourceCap))
		}
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}
