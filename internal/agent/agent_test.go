package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floegence/redeven-research/internal/events"
	"github.com/floegence/redeven-research/internal/llm"
	"github.com/floegence/redeven-research/internal/markup"
	"github.com/floegence/redeven-research/internal/tools"
	"github.com/floegence/redeven-research/internal/usage"
	"github.com/floegence/redeven-research/internal/websearch"
)

func wordCount(s string) int { return len(strings.Fields(s)) }

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Emit(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.evs...)
}

func (r *recorder) ofType(t events.Type) []events.Event {
	var out []events.Event
	for _, ev := range r.all() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) terminals() []events.Event {
	var out []events.Event
	for _, ev := range r.all() {
		if ev.Type.IsTerminal() {
			out = append(out, ev)
		}
	}
	return out
}

func newTestEngine(t *testing.T, p llm.Provider, mutate ...func(*Options)) *Engine {
	t.Helper()
	opts := Options{Provider: p, Model: "test-model", HeartbeatInterval: -1}
	for _, m := range mutate {
		m(&opts)
	}
	e, err := NewEngine(opts)
	require.NoError(t, err)
	return e
}

type fakeSearcher struct{}

func (fakeSearcher) Search(_ context.Context, req websearch.SearchRequest) (websearch.SearchResult, error) {
	return websearch.SearchResult{Provider: "fake", Kind: req.Kind, Query: req.Query, Results: []websearch.ResultItem{
		{Title: "Rayleigh scattering", URL: "https://a.example/rayleigh", Snippet: "Short wavelengths scatter more."},
	}}, nil
}

func TestEngine_StreamsTokensIntoDocument(t *testing.T) {
	t.Parallel()

	p := llm.NewScriptedProvider(llm.ScriptedTurn{Chunks: []string{"The", " sky", " is", " blue"}})
	p.Tokenizer = wordCount
	rec := &recorder{}

	out, err := newTestEngine(t, p).Run(context.Background(), RunRequest{Query: "what color is the sky"}, rec)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, "The sky is blue", out.Markup)
	assert.Equal(t, "The sky is blue", out.Response)

	stats := rec.ofType(events.TypeStats)
	require.Len(t, stats, 1)
	snap := stats[0].Data.(usage.Snapshot)
	assert.EqualValues(t, 4, snap.Primary.OutputTokens)
	assert.EqualValues(t, 0, snap.Auxiliary.TotalTokens)
	assert.Equal(t, snap.Primary.TotalTokens, snap.CombinedTotal)

	assert.Len(t, rec.ofType(events.TypeResponse), 4)
	terms := rec.terminals()
	require.Len(t, terms, 1)
	assert.Equal(t, events.TypeEnd, terms[0].Type)
	all := rec.all()
	assert.Equal(t, events.TypeEnd, all[len(all)-1].Type)
	assert.Equal(t, snap, out.Usage)
}

func TestEngine_ToolModelCallCountsAsAuxiliaryUsage(t *testing.T) {
	t.Parallel()

	aux := llm.NewScriptedProvider(llm.ScriptedTurn{
		Chunks: []string{"hidden", " digest"},
		Usage:  map[string]any{"input_tokens": 2, "output_tokens": 2, "total_tokens": 4},
	})
	digest := tools.Func{
		Def: llm.ToolDef{Name: "digest"},
		Fn: func(ctx context.Context, inv tools.Invocation) (tools.Result, error) {
			m := &tools.AuxModel{Provider: aux, Model: "aux-model"}
			text, err := m.Complete(ctx, inv, "Summarize.", "page text")
			if err != nil {
				return tools.Result{}, err
			}
			return tools.Result{Content: text}, nil
		},
	}
	p := llm.NewScriptedProvider(
		llm.ScriptedTurn{
			ToolCalls: []llm.ToolCall{{ID: "c1", Name: "digest"}},
			Usage:     map[string]any{"input_tokens": 5, "output_tokens": 1, "total_tokens": 6},
		},
		llm.ScriptedTurn{
			Chunks: []string{"Done."},
			Usage:  map[string]any{"input_tokens": 3, "output_tokens": 2, "total_tokens": 5},
		},
	)
	rec := &recorder{}

	out, err := newTestEngine(t, p).Run(context.Background(), RunRequest{Query: "q", Tools: []tools.Tool{digest}}, rec)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, out.State)

	assert.Equal(t, usage.Usage{InputTokens: 2, OutputTokens: 2, TotalTokens: 4}, out.Usage.Auxiliary)
	assert.Equal(t, usage.Usage{InputTokens: 8, OutputTokens: 3, TotalTokens: 11}, out.Usage.Primary)
	assert.EqualValues(t, 15, out.Usage.CombinedTotal)

	for _, ev := range rec.ofType(events.TypeResponse) {
		assert.NotContains(t, ev.Data, "hidden")
	}
	assert.Equal(t, "Done.", out.Response)
	assert.NotContains(t, out.Markup, "hidden")
	require.Len(t, aux.Requests(), 1)
	assert.Equal(t, "aux-model", aux.Requests()[0].Model)
}

func TestEngine_ToolCallBlockIsPatchedInPlace(t *testing.T) {
	t.Parallel()

	p := llm.NewScriptedProvider(
		llm.ScriptedTurn{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "web_search", Args: map[string]any{"query": "sky"}}}},
		llm.ScriptedTurn{Chunks: []string{"Answer"}},
	)
	rec := &recorder{}
	out, err := newTestEngine(t, p).Run(context.Background(), RunRequest{
		Query: "why is the sky blue",
		Tools: []tools.Tool{tools.NewWebSearch(fakeSearcher{})},
	}, rec)
	require.NoError(t, err)

	started := rec.ofType(events.TypeToolCallStarted)
	require.Len(t, started, 1)
	assert.Contains(t, started[0].Content, `status="running"`)
	assert.Contains(t, started[0].Content, `type="web_search"`)

	success := rec.ofType(events.TypeToolCallSuccess)
	require.Len(t, success, 1)
	assert.Equal(t, started[0].ToolCallID, success[0].ToolCallID)
	assert.Empty(t, success[0].Extra)

	want := strings.Replace(started[0].Content, `status="running"`, `status="success"`, 1) + "Answer"
	assert.Equal(t, want, out.Markup)

	added := rec.ofType(events.TypeSourcesAdded)
	require.Len(t, added, 1)
	assert.Equal(t, "sky", added[0].SearchQuery)
	final := rec.ofType(events.TypeSources)
	require.Len(t, final, 1)
	assert.Len(t, final[0].Data.([]events.Document), 1)
	assert.Len(t, out.Documents, 1)

	// The model sees the tool result on its next turn.
	reqs := p.Requests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Equal(t, "call_1", last.Content[0].ToolCallID)
	assert.Contains(t, last.Content[0].Text, "Rayleigh scattering")
}

func TestEngine_ToolFailureIsReportedAndRunContinues(t *testing.T) {
	t.Parallel()

	failing := tools.Func{
		Def: llm.ToolDef{Name: "fetch_page"},
		Fn: func(context.Context, tools.Invocation) (tools.Result, error) {
			return tools.Result{}, tools.NewError(tools.ErrorCodeUpstream, strings.Repeat("x", 700)+`<"boom">`, true)
		},
	}
	p := llm.NewScriptedProvider(
		llm.ScriptedTurn{ToolCalls: []llm.ToolCall{{ID: "c", Name: "fetch_page", Args: map[string]any{"url": "https://x.example"}}}},
		llm.ScriptedTurn{Chunks: []string{"Could not read it."}},
	)
	rec := &recorder{}
	out, err := newTestEngine(t, p).Run(context.Background(), RunRequest{Query: "q", Tools: []tools.Tool{failing}}, rec)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, out.State)

	errs := rec.ofType(events.TypeToolCallError)
	require.Len(t, errs, 1)
	assert.LessOrEqual(t, len([]rune(errs[0].Error)), maxToolErrorRunes+len("\n... (truncated)"))
	assert.Contains(t, out.Markup, `status="error"`)
	assert.NotContains(t, out.Markup, `<"boom">`)
	assert.True(t, strings.HasSuffix(out.Markup, "Could not read it."))
}

func TestEngine_UnknownToolBecomesToolError(t *testing.T) {
	t.Parallel()

	p := llm.NewScriptedProvider(
		llm.ScriptedTurn{ToolCalls: []llm.ToolCall{{ID: "c", Name: "nope"}}},
		llm.ScriptedTurn{Chunks: []string{"ok"}},
	)
	rec := &recorder{}
	_, err := newTestEngine(t, p).Run(context.Background(), RunRequest{Query: "q"}, rec)
	require.NoError(t, err)
	require.Len(t, rec.ofType(events.TypeToolCallError), 1)
	assert.Contains(t, p.Requests()[1].Messages[len(p.Requests()[1].Messages)-1].Content[0].Text, "NOT_FOUND")
}

func TestEngine_HardCancelEmitsOneNoticeAndNothingAfter(t *testing.T) {
	t.Parallel()

	p := llm.NewScriptedProvider(llm.ScriptedTurn{Chunks: []string{"The", " sky"}, Hold: true})
	rec := &recorder{}
	run := newTestEngine(t, p).Start(context.Background(), RunRequest{Query: "q"}, rec)

	require.Eventually(t, func() bool { return len(rec.ofType(events.TypeResponse)) == 2 }, 2*time.Second, 5*time.Millisecond)
	run.Cancel(CancelReasonCanceled)

	out, err := run.Wait()
	assert.ErrorIs(t, err, ErrCanceled)
	assert.Equal(t, StateCancelled, out.State)
	assert.Equal(t, CancelReasonCanceled, out.CancelReason)

	all := rec.all()
	terms := rec.terminals()
	require.Len(t, terms, 1)
	assert.Equal(t, events.TypeError, terms[0].Type)
	assert.Equal(t, events.CodeCanceled, terms[0].Code)
	assert.Equal(t, "Request was cancelled.", terms[0].Data)
	assert.Equal(t, terms[0], all[len(all)-1])

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.all(), len(all))
}

func TestEngine_ParentContextCancelIsCancellation(t *testing.T) {
	t.Parallel()

	p := llm.NewScriptedProvider(llm.ScriptedTurn{Hold: true})
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	run := newTestEngine(t, p).Start(ctx, RunRequest{Query: "q"}, rec)
	cancel()

	out, err := run.Wait()
	assert.ErrorIs(t, err, ErrCanceled)
	assert.Equal(t, CancelReasonDisconnected, out.CancelReason)
	require.Len(t, rec.terminals(), 1)
}

func TestEngine_RunFailureEmitsFallbackThenError(t *testing.T) {
	t.Parallel()

	p := llm.NewScriptedProvider(llm.ScriptedTurn{Chunks: []string{"Partial"}, Err: errors.New("provider down")})
	rec := &recorder{}
	out, err := newTestEngine(t, p).Run(context.Background(), RunRequest{Query: "q"}, rec)
	require.Error(t, err)
	assert.Equal(t, StateErrored, out.State)

	all := rec.all()
	require.GreaterOrEqual(t, len(all), 2)
	fallback := all[len(all)-2]
	assert.Equal(t, events.TypeResponse, fallback.Type)
	assert.Contains(t, fallback.Data, failureFallback)

	terms := rec.terminals()
	require.Len(t, terms, 1)
	assert.Equal(t, events.CodeRunFailed, terms[0].Code)
	assert.Contains(t, terms[0].Data, "provider down")
	assert.True(t, strings.HasPrefix(out.Markup, "Partial\n\n"))
}

type silentProvider struct{}

func (silentProvider) StreamTurn(context.Context, llm.TurnRequest, func(llm.StreamEvent)) (llm.TurnResult, error) {
	return llm.TurnResult{Text: "Quiet answer", Usage: map[string]any{"input_tokens": 1, "output_tokens": 2}}, nil
}

func TestEngine_FinalMessageFallbackWhenNothingStreamed(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	out, err := newTestEngine(t, silentProvider{}).Run(context.Background(), RunRequest{Query: "q"}, rec)
	require.NoError(t, err)
	resp := rec.ofType(events.TypeResponse)
	require.Len(t, resp, 1)
	assert.Equal(t, "Quiet answer", resp[0].Data)
	assert.Equal(t, "Quiet answer", out.Markup)
}

func TestEngine_SoftStopAfterTerminationHasNoEffect(t *testing.T) {
	t.Parallel()

	p := llm.NewScriptedProvider(llm.ScriptedTurn{Chunks: []string{"done"}})
	rec := &recorder{}
	run := newTestEngine(t, p).Start(context.Background(), RunRequest{Query: "q"}, rec)
	_, err := run.Wait()
	require.NoError(t, err)
	before := len(rec.all())

	assert.False(t, run.SoftStop())
	assert.False(t, run.SoftStop())
	run.Cancel("late")

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.all(), before)
	assert.Len(t, rec.terminals(), 1)
}

func TestEngine_SoftStopSynthesizesFromCollectedSources(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	search := tools.Func{
		Def: llm.ToolDef{Name: "web_search"},
		Fn: func(ctx context.Context, inv tools.Invocation) (tools.Result, error) {
			close(entered)
			<-release
			return tools.Result{
				Content:     "[1] Rayleigh",
				SearchQuery: "sky",
				Documents:   []events.Document{{Title: "Rayleigh", URL: "https://a.example", Content: "scattering"}},
			}, nil
		},
	}
	p := llm.NewScriptedProvider(
		llm.ScriptedTurn{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "web_search", Args: map[string]any{"query": "sky"}}}},
		llm.ScriptedTurn{Chunks: []string{"Based on [1]."}},
	)
	rec := &recorder{}
	run := newTestEngine(t, p).Start(context.Background(), RunRequest{Query: "why blue", Tools: []tools.Tool{search}}, rec)

	<-entered
	require.True(t, run.SoftStop())
	assert.False(t, run.SoftStop())
	close(release)

	out, err := run.Wait()
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, out.State)

	resp := rec.ofType(events.TypeResponse)
	require.Len(t, resp, 2)
	assert.Equal(t, synthesisDisclaimer, resp[0].Data)
	assert.Equal(t, "Based on [1].", resp[1].Data)
	assert.True(t, strings.HasSuffix(out.Markup, synthesisDisclaimer+"Based on [1]."))

	reqs := p.Requests()
	require.Len(t, reqs, 2)
	assert.Empty(t, reqs[1].Tools)
	assert.Contains(t, reqs[1].Messages[1].Text(), "[1] Rayleigh")
	assert.Contains(t, reqs[1].Messages[1].Text(), "Question: why blue")
	require.Len(t, rec.terminals(), 1)
	assert.Equal(t, events.TypeEnd, rec.terminals()[0].Type)
}

func TestEngine_SoftStopRefusesNewToolCalls(t *testing.T) {
	t.Parallel()

	var calls int
	var mu sync.Mutex
	counting := tools.Func{
		Def: llm.ToolDef{Name: "web_search"},
		Fn: func(context.Context, tools.Invocation) (tools.Result, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return tools.Result{Content: "x"}, nil
		},
	}
	gate := make(chan struct{})
	p := &llm.ScriptedProvider{Respond: func(req llm.TurnRequest) (llm.ScriptedTurn, error) {
		if len(req.Tools) == 0 {
			return llm.ScriptedTurn{Chunks: []string{"Summary."}}, nil
		}
		<-gate
		return llm.ScriptedTurn{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "web_search", Args: map[string]any{"query": "q"}}}}, nil
	}}
	rec := &recorder{}
	run := newTestEngine(t, p).Start(context.Background(), RunRequest{Query: "q", Tools: []tools.Tool{counting}}, rec)
	require.True(t, run.SoftStop())
	close(gate)
	out, err := run.Wait()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out.Response, "Summary."))

	assert.Zero(t, calls)
	resp := rec.ofType(events.TypeResponse)
	require.NotEmpty(t, resp)
	assert.Equal(t, synthesisDisclaimer, resp[0].Data)
	reqs := p.Requests()
	synth := reqs[len(reqs)-1]
	assert.Empty(t, synth.Tools)
	assert.Contains(t, synth.Messages[1].Text(), "no sources were collected")
}

func TestEngine_SoftStopDuringModelTurnAnnouncesNoToolCalls(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	search := tools.Func{
		Def: llm.ToolDef{Name: "web_search"},
		Fn: func(context.Context, tools.Invocation) (tools.Result, error) {
			calls.Add(1)
			return tools.Result{Content: "x"}, nil
		},
	}
	entered := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	p := &llm.ScriptedProvider{Respond: func(req llm.TurnRequest) (llm.ScriptedTurn, error) {
		if len(req.Tools) == 0 {
			return llm.ScriptedTurn{Chunks: []string{"Summary."}}, nil
		}
		once.Do(func() { close(entered) })
		<-gate
		return llm.ScriptedTurn{ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "web_search", Args: map[string]any{"query": "a"}},
			{ID: "c2", Name: "web_search", Args: map[string]any{"query": "b"}},
		}}, nil
	}}
	rec := &recorder{}
	run := newTestEngine(t, p).Start(context.Background(), RunRequest{Query: "q", Tools: []tools.Tool{search}}, rec)

	<-entered
	require.True(t, run.SoftStop())
	close(gate)

	out, err := run.Wait()
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, out.State)
	assert.Zero(t, calls.Load())
	assert.Empty(t, rec.ofType(events.TypeToolCallStarted))
	assert.Empty(t, rec.ofType(events.TypeToolCallError))
	assert.NotContains(t, out.Markup, "<"+markup.TagToolCall)
	assert.Equal(t, synthesisDisclaimer+"Summary.", out.Markup)
	require.Len(t, p.Requests(), 2)
}

func TestEngine_MaxStepsEndsWithToolFreePass(t *testing.T) {
	t.Parallel()

	todos := &tools.Todos{}
	p := &llm.ScriptedProvider{Respond: func(req llm.TurnRequest) (llm.ScriptedTurn, error) {
		if len(req.Tools) == 0 {
			return llm.ScriptedTurn{Chunks: []string{"final"}}, nil
		}
		return llm.ScriptedTurn{ToolCalls: []llm.ToolCall{{Name: "write_todos", Args: map[string]any{
			"todos": []any{map[string]any{"content": "look", "status": "in_progress"}},
		}}}}, nil
	}}
	rec := &recorder{}
	out, err := newTestEngine(t, p, func(o *Options) { o.MaxSteps = 2 }).Run(context.Background(), RunRequest{
		Query: "q",
		Tools: []tools.Tool{todos},
	}, rec)
	require.NoError(t, err)
	assert.Equal(t, "final", out.Markup)
	assert.Len(t, p.Requests(), 3)
	// The planning tool has no generic markup.
	assert.Empty(t, rec.ofType(events.TypeToolCallStarted))
	assert.Len(t, todos.Items(), 1)
	plans := rec.ofType(events.TypeTodos)
	require.Len(t, plans, 2)
	assert.EqualValues(t, 2, plans[1].Data.(tools.TodoList).Version)
	assert.NotContains(t, out.Markup, "write_todos")
}

func TestEngine_HeartbeatStopsWithStream(t *testing.T) {
	t.Parallel()

	p := llm.NewScriptedProvider(llm.ScriptedTurn{Chunks: []string{"a"}, ChunkDelay: 40 * time.Millisecond})
	rec := &recorder{}
	e := newTestEngine(t, p, func(o *Options) { o.HeartbeatInterval = 5 * time.Millisecond })
	_, err := e.Run(context.Background(), RunRequest{Query: "q"}, rec)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ofType(events.TypePing))

	n := len(rec.all())
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, rec.all(), n)
}

func TestNewEngine_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewEngine(Options{Model: "m"})
	assert.Error(t, err)
	_, err = NewEngine(Options{Provider: silentProvider{}})
	assert.Error(t, err)
	e, err := NewEngine(Options{Provider: silentProvider{}, Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, DefaultDelegationTool, e.DelegationTool())
}
