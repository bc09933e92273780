package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/floegence/redeven-research/internal/events"
	"github.com/floegence/redeven-research/internal/llm"
	"github.com/floegence/redeven-research/internal/tools"
	"github.com/floegence/redeven-research/internal/usage"
)

const (
	defaultSubagentContextMessages = 5
	defaultSubagentGraceDelay      = 150 * time.Millisecond
	defaultSubagentMaxParallel     = 3

	DefaultSubagentSystemPrompt = `You are a focused research subagent. You receive one narrow task from a lead researcher.
Research only that task with the tools you have. When done, reply with a short factual summary of what you found and cite sources as [n] in the order you found them. Do not address the end user and do not add formatting beyond short paragraphs.`
)

type SubagentStatus string

const (
	SubagentPending SubagentStatus = "pending"
	SubagentRunning SubagentStatus = "running"
	SubagentSuccess SubagentStatus = "success"
	SubagentError   SubagentStatus = "error"
)

// SubagentExecution is the record of one delegated child run.
type SubagentExecution struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Task      string            `json:"task"`
	Status    SubagentStatus    `json:"status"`
	StartedAt time.Time         `json:"startedAt"`
	EndedAt   time.Time         `json:"endedAt"`
	Documents []events.Document `json:"documents,omitempty"`
	Summary   string            `json:"summary,omitempty"`
	Error     string            `json:"error,omitempty"`
	Usage     usage.Snapshot    `json:"usage"`
}

type SubagentOptions struct {
	// Engine runs the child loops. Its DelegationTool names the tool.
	Engine *Engine
	Log    *slog.Logger
	// Allowlist limits the child tool set to these names. Empty keeps every
	// parent tool. The delegation tool is always removed.
	Allowlist       []string
	SystemPrompt    string
	ContextMessages int
	// GraceDelay is waited after a child stream closes before its record is
	// snapshotted. Negative disables it.
	GraceDelay  time.Duration
	MaxParallel int
	Metrics     *Metrics
}

// SubagentExecutor runs delegated child runs in isolation and folds their
// results back into the delegating run.
type SubagentExecutor struct {
	opts SubagentOptions
	log  *slog.Logger
	sem  *semaphore.Weighted
}

func NewSubagentExecutor(opts SubagentOptions) (*SubagentExecutor, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("subagent executor: missing engine")
	}
	if opts.ContextMessages <= 0 {
		opts.ContextMessages = defaultSubagentContextMessages
	}
	if opts.GraceDelay == 0 {
		opts.GraceDelay = defaultSubagentGraceDelay
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = defaultSubagentMaxParallel
	}
	if strings.TrimSpace(opts.SystemPrompt) == "" {
		opts.SystemPrompt = DefaultSubagentSystemPrompt
	}
	log := opts.Log
	if log == nil {
		log = opts.Engine.log
	}
	return &SubagentExecutor{opts: opts, log: log, sem: semaphore.NewWeighted(int64(opts.MaxParallel))}, nil
}

func (x *SubagentExecutor) toolName() string {
	return x.opts.Engine.DelegationTool()
}

// ChildTools resolves the child tool set from the parent's. The delegation
// tool never survives, whatever the allowlist says.
func (x *SubagentExecutor) ChildTools(parent []tools.Tool) []tools.Tool {
	allow := make(map[string]struct{}, len(x.opts.Allowlist))
	for _, name := range x.opts.Allowlist {
		if name = strings.TrimSpace(name); name != "" {
			allow[name] = struct{}{}
		}
	}
	out := make([]tools.Tool, 0, len(parent))
	for _, t := range parent {
		if t == nil {
			continue
		}
		name := t.Definition().Name
		if name == x.toolName() {
			continue
		}
		if len(allow) > 0 {
			if _, ok := allow[name]; !ok {
				continue
			}
		}
		out = append(out, t)
	}
	return out
}

// childHistory keeps the last n user/assistant turns as plain text. Tool
// traffic and system prompts of the parent do not carry over.
func childHistory(parent []llm.Message, n int) []llm.Message {
	turns := make([]llm.Message, 0, len(parent))
	for _, msg := range parent {
		if msg.Role != llm.RoleUser && msg.Role != llm.RoleAssistant {
			continue
		}
		if text := msg.Text(); text != "" {
			turns = append(turns, llm.TextMessage(msg.Role, text))
		}
	}
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return turns
}

func subagentName(task string) string {
	words := strings.Fields(task)
	if len(words) > 6 {
		words = append(words[:6], "...")
	}
	if len(words) == 0 {
		return "Subagent"
	}
	return "Research: " + strings.Join(words, " ")
}

// Execute runs task in a child run and blocks until it finished. Progress is
// published through inv as subagent_* events.
func (x *SubagentExecutor) Execute(ctx context.Context, inv tools.Invocation, task string, parentContext []llm.Message, fileRefs []string) SubagentExecution {
	exec := SubagentExecution{
		ID:     uuid.NewString(),
		Name:   subagentName(task),
		Task:   strings.TrimSpace(task),
		Status: SubagentPending,
	}
	ctx, span := startSpan(ctx, traceSpanSubagent,
		attribute.String(traceAttrExecutionID, exec.ID),
		attribute.String(traceAttrParentRunID, inv.RunID),
	)

	if err := x.sem.Acquire(ctx, 1); err != nil {
		exec.Status, exec.Error, exec.EndedAt = SubagentError, err.Error(), time.Now()
		inv.Emit(events.Event{Type: events.TypeSubagentError, ID: exec.ID, Error: exec.Error})
		endSpan(span, string(exec.Status), err)
		return exec
	}
	defer x.sem.Release(1)

	exec.Status = SubagentRunning
	exec.StartedAt = time.Now()
	inv.Emit(events.Event{Type: events.TypeSubagentStarted, ExecutionID: exec.ID, Name: exec.Name, Task: exec.Task})

	fwd := newForwardingSink(exec.ID, exec.Name, inv)
	child := x.opts.Engine.Start(ctx, RunRequest{
		Query:             exec.Task,
		History:           childHistory(parentContext, x.opts.ContextMessages),
		Tools:             x.ChildTools(inv.Toolset),
		SystemPrompt:      x.opts.SystemPrompt,
		ImageRefs:         fileRefs,
		child:             true,
		parentIDs:         inv.Lineage(),
		mirror:            inv.Trace,
		parentSoftStopped: inv.SoftStopped,
	}, fwd)
	outcome, err := child.Wait()

	if x.opts.GraceDelay > 0 {
		t := time.NewTimer(x.opts.GraceDelay)
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		t.Stop()
	}

	summary, docs, snap := fwd.snapshot()
	exec.EndedAt = time.Now()
	exec.Documents = docs
	exec.Summary = strings.TrimSpace(summary)
	exec.Usage = snap
	if outcome != nil && exec.Summary == "" {
		exec.Summary = strings.TrimSpace(outcome.Response)
	}

	if err != nil || outcome == nil || outcome.State != StateCompleted {
		exec.Status = SubagentError
		exec.Error = "subagent failed"
		if err != nil {
			exec.Error = err.Error()
		}
		inv.Emit(events.Event{Type: events.TypeSubagentError, ID: exec.ID, Error: truncateRunes(exec.Error, maxToolErrorRunes)})
	} else {
		exec.Status = SubagentSuccess
		inv.Emit(events.Event{Type: events.TypeSubagentCompleted, ID: exec.ID, Summary: exec.Summary, Documents: exec.Documents})
	}
	x.opts.Metrics.subagent(string(exec.Status))
	x.log.Debug("research subagent", "event", "research.subagent.end", "execution_id", exec.ID, "status", string(exec.Status),
		"documents", len(exec.Documents), "combined_tokens", exec.Usage.CombinedTotal)
	endSpan(span, string(exec.Status), err)
	return exec
}

// Tool returns the delegation tool backed by x.
func (x *SubagentExecutor) Tool() tools.Tool {
	return &delegationTool{x: x}
}

type delegationTool struct {
	x *SubagentExecutor
}

func (t *delegationTool) Definition() llm.ToolDef {
	return llm.ToolDef{
		Name:        t.x.toolName(),
		Description: "Delegate one narrow, independent research task to a subagent that researches it on its own and reports back a summary with sources. Call it several times in one step for independent aspects.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"task":{"type":"string","description":"A self-contained research task."}},"required":["task"]}`),
	}
}

func (t *delegationTool) Execute(ctx context.Context, inv tools.Invocation) (tools.Result, error) {
	if inv.StopRequested() {
		return tools.Result{}, ErrSoftStopped
	}
	task := inv.StringArg("task")
	if task == "" {
		return tools.Result{}, tools.NewError(tools.ErrorCodeInvalidArgs, "missing task", false)
	}
	exec := t.x.Execute(ctx, inv, task, inv.History, inv.Attachments)
	combined := exec.Usage.Combined()
	res := tools.Result{Documents: exec.Documents, Data: exec, Usage: &combined}
	if exec.Status != SubagentSuccess {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, tools.NewError(tools.ErrorCodeUpstream, exec.Error, true)
	}
	res.Content = formatFindings(exec)
	return res, nil
}

func formatFindings(exec SubagentExecution) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Subagent findings for task: %s\n\n", exec.Task)
	if exec.Summary != "" {
		sb.WriteString(exec.Summary)
	} else {
		sb.WriteString("(no summary)")
	}
	if len(exec.Documents) > 0 {
		sb.WriteString("\n\nSources:\n")
		for i, d := range exec.Documents {
			fmt.Fprintf(&sb, "[%d] %s %s\n", i+1, d.Title, d.URL)
		}
	}
	return strings.TrimSpace(sb.String())
}

// forwardingSink is the child run's own sink. It wraps every child event in
// an envelope on the parent stream and keeps what the record needs.
type forwardingSink struct {
	executionID   string
	executionName string
	inv           tools.Invocation

	mu      sync.Mutex
	summary strings.Builder
	docs    *documentSet
	ledger  *usage.Ledger
}

func newForwardingSink(id string, name string, inv tools.Invocation) *forwardingSink {
	return &forwardingSink{executionID: id, executionName: name, inv: inv, docs: newDocumentSet(), ledger: usage.NewLedger()}
}

func (f *forwardingSink) Emit(ev events.Event) {
	f.mu.Lock()
	switch ev.Type {
	case events.TypePing:
		f.mu.Unlock()
		return
	case events.TypeUsageReport:
		if snap, ok := ev.Data.(usage.Snapshot); ok {
			f.ledger.Apply(usage.TargetPrimary, snap.Primary)
			f.ledger.Apply(usage.TargetAuxiliary, snap.Auxiliary)
		}
		f.mu.Unlock()
		return
	case events.TypeResponse:
		if text, ok := ev.Data.(string); ok {
			f.summary.WriteString(text)
		}
	case events.TypeSourcesAdded, events.TypeSources:
		if docs, ok := ev.Data.([]events.Document); ok {
			f.docs.add(docs)
		}
	}
	f.mu.Unlock()

	f.inv.Emit(events.Event{
		Type:       events.TypeSubagentData,
		SubagentID: f.executionID,
		Data:       events.Envelope{ExecutionID: f.executionID, ExecutionName: f.executionName, Event: ev},
	})
}

func (f *forwardingSink) snapshot() (string, []events.Document, usage.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.summary.String(), f.docs.list(), f.ledger.Snapshot()
}
