package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/floegence/redeven-research/internal/events"
	"github.com/floegence/redeven-research/internal/markup"
	"github.com/floegence/redeven-research/internal/tools"
	"github.com/floegence/redeven-research/internal/usage"
)

const (
	cancelNotice    = "Request was cancelled."
	failureFallback = "Sorry, something went wrong while researching this, so the answer could not be completed."
)

// run is the state of one execution. Everything below the feed is touched
// only by the consumer goroutine in execute.
type run struct {
	id     string
	engine *Engine
	log    *slog.Logger
	req    RunRequest
	ctrl   *Controller
	stream *Stream
	feed   *rawFeed

	attr     *attributionTracker
	calls    *toolCallTracker
	doc      *markup.Document
	response strings.Builder
	docs     *documentSet
	ledger   *usage.Ledger
	started  time.Time
}

func (r *run) debug(event string, attrs ...any) {
	if r == nil || r.log == nil {
		return
	}
	event = strings.TrimSpace(event)
	if event == "" {
		event = "research.run"
	}
	base := []any{
		"event", event,
		"run_id", r.id,
		"child", r.req.child,
	}
	base = append(base, attrs...)
	r.log.Debug("research run", base...)
}

type loopResult struct {
	text string
	err  error
}

func (r *run) execute(ctx context.Context) (*Outcome, error) {
	spanAttrs := []attribute.KeyValue{
		attribute.String(traceAttrRunID, r.id),
		attribute.String(traceAttrModel, r.engine.opts.Model),
	}
	if len(r.req.parentIDs) > 0 {
		spanAttrs = append(spanAttrs, attribute.String(traceAttrParentRunID, r.req.parentIDs[0]))
	}
	ctx, span := startSpan(ctx, traceSpanRun, spanAttrs...)
	r.engine.opts.Metrics.runStarted()
	r.debug("research.run.start", "tools", len(r.req.Tools), "history", len(r.req.History))
	if !r.req.child {
		r.stream.Heartbeat(r.engine.opts.HeartbeatInterval)
	}

	loopDone := make(chan loopResult, 1)
	go func() {
		text, err := r.loop(ctx)
		r.feed.close()
		loopDone <- loopResult{text: text, err: err}
	}()

	drained := r.consume(ctx)
	var res loopResult
	if drained {
		res = <-loopDone
	}

	var (
		state State
		err   error
	)
	switch {
	case !drained:
		state, err = r.cancelled(ctx)
		// Producers stop at their next suspension point.
		<-loopDone
	case res.err != nil && ctx.Err() != nil:
		state, err = r.cancelled(ctx)
	case res.err != nil:
		state, err = r.failed(res.err)
	default:
		state = r.completed(res.text)
	}

	out := r.outcome(state, err)
	r.engine.opts.Metrics.runFinished(r.req.child, state, r.started)
	r.debug("research.run.end", "state", string(state), "duration_ms", time.Since(r.started).Milliseconds(), "combined_tokens", out.Usage.CombinedTotal)
	endSpan(span, string(state), err)
	return out, err
}

// consume drains the feed. It reports false when ctx ended first.
func (r *run) consume(ctx context.Context) bool {
	for {
		raw, ok := r.feed.next(ctx)
		if !ok {
			return ctx.Err() == nil
		}
		if ctx.Err() != nil {
			return false
		}
		r.attr.Begin(raw)
		r.handle(raw)
		r.attr.End(raw)
	}
}

func (r *run) handle(raw events.Raw) {
	kind := r.attr.Classify(raw)
	switch kind {
	case attrPrimaryModel:
		switch raw.Kind {
		case events.RawModelStream:
			r.emitResponse(raw.Chunk)
		case events.RawModelEnd:
			r.applyUsage(usage.TargetPrimary, usage.Normalize(raw.Usage))
		case events.RawModelError:
			r.debug("research.run.model_error", "model_run_id", raw.RunID, "error", raw.Err)
		}
	case attrAuxModel:
		if raw.Kind == events.RawModelEnd {
			r.applyUsage(usage.TargetAuxiliary, usage.Normalize(raw.Usage))
		}
	case attrOwnTool, attrDelegation:
		r.handleTool(raw)
	case attrSelf:
		if raw.Event != nil {
			r.handleSelf(*raw.Event)
		}
	}
}

func (r *run) suppressed(name string) bool {
	return name == r.engine.opts.DelegationTool || name == r.engine.opts.PlanningTool
}

func (r *run) handleTool(raw events.Raw) {
	switch raw.Kind {
	case events.RawToolStart:
		if r.suppressed(raw.Name) {
			return
		}
		block := r.calls.Started(raw.RunID, raw.Name, toolAttrs(raw.Input))
		if err := r.doc.AppendBlock(block); err != nil {
			r.debug("research.run.markup_append_failed", "tool_run_id", raw.RunID, "error", err)
		}
		r.stream.Emit(events.Event{Type: events.TypeToolCallStarted, ToolCallID: raw.RunID, Content: block.String()})

	case events.RawToolEnd:
		res, _ := raw.Result.(tools.Result)
		r.engine.opts.Metrics.toolCall(raw.Name, toolStatusSuccess)
		if !r.suppressed(raw.Name) {
			r.doc.Apply(r.calls.Ended(raw.RunID, toolStatusSuccess, "", res.Extra))
			r.stream.Emit(events.Event{Type: events.TypeToolCallSuccess, ToolCallID: raw.RunID, Extra: res.Extra})
		}
		r.collect(res)

	case events.RawToolError:
		res, _ := raw.Result.(tools.Result)
		r.engine.opts.Metrics.toolCall(raw.Name, toolStatusError)
		if !r.suppressed(raw.Name) {
			r.doc.Apply(r.calls.Ended(raw.RunID, toolStatusError, raw.Err, nil))
			r.stream.Emit(events.Event{Type: events.TypeToolCallError, ToolCallID: raw.RunID, Error: truncateRunes(raw.Err, maxToolErrorRunes)})
		}
		r.collect(res)

	case events.RawCustom:
		if raw.Event != nil {
			r.handleCustom(*raw.Event)
		}
	}
}

// collect folds a tool result's documents and out-of-band usage into the run.
func (r *run) collect(res tools.Result) {
	if added := r.docs.add(res.Documents); added > 0 {
		r.stream.Emit(events.Event{Type: events.TypeSourcesAdded, Data: r.docs.list(), SearchQuery: res.SearchQuery})
	}
	if res.Usage != nil && !res.Usage.IsZero() {
		r.applyUsage(usage.TargetAuxiliary, *res.Usage)
	}
}

// handleCustom relays an event a tool node published and mirrors subagent
// progress into the markup document.
func (r *run) handleCustom(ev events.Event) {
	switch ev.Type {
	case events.TypeSubagentStarted:
		block := markup.Block{
			ID:        ev.ExecutionID,
			Tag:       markup.TagSubagent,
			Container: true,
			Attrs: []markup.Attr{
				{Key: "name", Value: ev.Name},
				{Key: "task", Value: ev.Task},
				{Key: "status", Value: toolStatusRunning},
			},
		}
		if err := r.doc.AppendBlock(block); err != nil {
			r.debug("research.run.markup_append_failed", "execution_id", ev.ExecutionID, "error", err)
		}
	case events.TypeSubagentData:
		if env, ok := ev.Data.(events.Envelope); ok {
			r.mirrorChildMarkup(env)
		}
	case events.TypeSubagentCompleted:
		r.doc.Apply(statusPatch(ev.ID, toolStatusSuccess, "", nil))
	case events.TypeSubagentError:
		ev.Error = truncateRunes(ev.Error, maxToolErrorRunes)
		r.doc.Apply(statusPatch(ev.ID, toolStatusError, ev.Error, nil))
	case events.TypeUsageReport, events.TypeEnd, events.TypeError, events.TypePing:
		return
	}
	r.stream.Emit(ev)
}

// mirrorChildMarkup nests a child's tool-call blocks inside its execution
// block so the persisted document shows what the child did.
func (r *run) mirrorChildMarkup(env events.Envelope) {
	inner := env.Event
	switch inner.Type {
	case events.TypeToolCallStarted:
		frag, err := markup.Parse(inner.Content)
		if err != nil {
			return
		}
		block, ok := frag.Block(inner.ToolCallID)
		if !ok {
			return
		}
		if err := r.doc.AppendChild(env.ExecutionID, block); err != nil {
			r.debug("research.run.markup_nest_failed", "execution_id", env.ExecutionID, "error", err)
		}
	case events.TypeToolCallSuccess:
		r.doc.Apply(statusPatch(inner.ToolCallID, toolStatusSuccess, "", inner.Extra))
	case events.TypeToolCallError:
		r.doc.Apply(statusPatch(inner.ToolCallID, toolStatusError, inner.Error, nil))
	}
}

func (r *run) handleSelf(ev events.Event) {
	if ev.Type == events.TypeResponse {
		if text, ok := ev.Data.(string); ok {
			r.emitResponse(text)
		}
		return
	}
	r.stream.Emit(ev)
}

func (r *run) emitResponse(text string) {
	if text == "" {
		return
	}
	r.response.WriteString(text)
	r.doc.AppendText(text)
	r.stream.Emit(events.Response(text))
}

func (r *run) applyUsage(target usage.Target, u usage.Usage) {
	snap := r.ledger.Apply(target, u)
	r.engine.opts.Metrics.addTokens(target, u)
	r.stream.Emit(events.Event{Type: events.TypeStats, Data: snap})
}

func (r *run) completed(final string) State {
	if r.response.Len() == 0 && strings.TrimSpace(final) != "" {
		r.emitResponse(final)
	}
	if docs := r.docs.list(); len(docs) > 0 {
		r.stream.Emit(events.Event{Type: events.TypeSources, Data: docs})
	}
	r.terminate(events.End())
	return StateCompleted
}

func (r *run) failed(cause error) (State, error) {
	r.log.Warn("research run failed", "run_id", r.id, "child", r.req.child, "error", cause)
	prefix := ""
	if r.response.Len() > 0 {
		prefix = "\n\n"
	}
	r.emitResponse(prefix + failureFallback)
	r.terminate(events.Failure(events.CodeRunFailed, truncateRunes(strings.TrimSpace(cause.Error()), maxToolErrorRunes)))
	return StateErrored, cause
}

func (r *run) cancelled(ctx context.Context) (State, error) {
	if r.ctrl.CancelReason() == "" {
		reason := CancelReasonDisconnected
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = CancelReasonTimedOut
		}
		r.ctrl.Cancel(reason)
	}
	r.debug("research.run.cancelled", "reason", r.ctrl.CancelReason())
	r.terminate(events.Failure(events.CodeCanceled, cancelNotice))
	return StateCancelled, ErrCanceled
}

// terminate emits the final event. Child runs report their ledger first.
func (r *run) terminate(ev events.Event) {
	r.ctrl.markTerminated()
	if r.req.child {
		r.stream.Emit(events.Event{Type: events.TypeUsageReport, Data: r.ledger.Snapshot()})
	}
	r.stream.Emit(ev)
}

func (r *run) outcome(state State, err error) *Outcome {
	out := &Outcome{
		RunID:        r.id,
		State:        state,
		Markup:       r.doc.String(),
		Response:     r.response.String(),
		Documents:    r.docs.list(),
		Usage:        r.ledger.Snapshot(),
		CancelReason: r.ctrl.CancelReason(),
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

// toolAttrs picks the arguments worth showing on a tool-call block.
func toolAttrs(input map[string]any) []markup.Attr {
	var out []markup.Attr
	for _, key := range []string{"query", "url", "task"} {
		if v, ok := input[key].(string); ok && strings.TrimSpace(v) != "" {
			out = append(out, markup.Attr{Key: key, Value: truncateRunes(strings.TrimSpace(v), 200)})
		}
	}
	return out
}

// documentSet keeps first-seen order and drops duplicates by Document.Key.
type documentSet struct {
	items []events.Document
	seen  map[string]struct{}
}

func newDocumentSet() *documentSet {
	return &documentSet{seen: make(map[string]struct{})}
}

func (s *documentSet) add(docs []events.Document) int {
	added := 0
	for _, d := range docs {
		key := d.Key()
		if key == "" {
			continue
		}
		if _, dup := s.seen[key]; dup {
			continue
		}
		s.seen[key] = struct{}{}
		s.items = append(s.items, d)
		added++
	}
	return added
}

func (s *documentSet) list() []events.Document {
	if len(s.items) == 0 {
		return nil
	}
	return append([]events.Document(nil), s.items...)
}
