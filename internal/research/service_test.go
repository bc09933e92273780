package research

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floegence/redeven-research/internal/agent"
	"github.com/floegence/redeven-research/internal/auditlog"
	"github.com/floegence/redeven-research/internal/config"
	"github.com/floegence/redeven-research/internal/events"
	"github.com/floegence/redeven-research/internal/llm"
	"github.com/floegence/redeven-research/internal/store"
	"github.com/floegence/redeven-research/internal/tools"
)

func wordCount(s string) int { return len(strings.Fields(s)) }

type sinkRecorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *sinkRecorder) Emit(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func (r *sinkRecorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.evs))
	for _, ev := range r.evs {
		out = append(out, ev.Type)
	}
	return out
}

func testConfig() *config.Config {
	cfg := config.Default()
	off := 0
	cfg.Research = &config.ResearchConfig{HeartbeatIntervalMs: &off}
	return cfg
}

func newTestService(t *testing.T, p llm.Provider, withStore bool) *Service {
	t.Helper()
	var st *store.Store
	if withStore {
		var err error
		st, err = store.Open(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
	}
	svc, err := New(Options{Config: testConfig(), Store: st, Provider: p, Model: "test-model"})
	require.NoError(t, err)
	return svc
}

func TestService_PersistsCompletedRun(t *testing.T) {
	t.Parallel()

	p := llm.NewScriptedProvider(llm.ScriptedTurn{Chunks: []string{"Blue", " light", " scatters."}})
	p.Tokenizer = wordCount
	svc := newTestService(t, p, true)

	rec := &sinkRecorder{}
	h, err := svc.Start(context.Background(), AskRequest{Query: "Why is the sky blue?"}, rec)
	require.NoError(t, err)
	require.NotEmpty(t, h.ThreadID)

	out, err := h.Wait()
	require.NoError(t, err)
	require.Equal(t, agent.StateCompleted, out.State)
	require.NotEmpty(t, h.RunID)
	assert.Equal(t, out.RunID, h.RunID)
	assert.Empty(t, svc.Active())

	ctx := context.Background()
	msgs, _, _, err := svc.Store().ListMessages(ctx, h.ThreadID, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, "Why is the sky blue?", msgs[0].Markup)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
	assert.Equal(t, store.MessageStatusComplete, msgs[1].Status)
	assert.Equal(t, "Blue light scatters.", msgs[1].Markup)
	assert.Equal(t, h.RunID, msgs[1].RunID)
	assert.Equal(t, int64(3), msgs[1].Usage.Primary.OutputTokens)

	run, err := svc.Store().GetRun(ctx, h.RunID)
	require.NoError(t, err)
	assert.Equal(t, string(agent.StateCompleted), run.State)
	assert.NotZero(t, run.EndedAtUnixMs)

	stored, err := svc.Store().ListRunEvents(ctx, h.RunID)
	require.NoError(t, err)
	require.Len(t, stored, len(rec.types()))
	for i, ev := range stored {
		assert.Equal(t, int64(i), ev.Seq)
		assert.Equal(t, string(rec.types()[i]), ev.Type)
	}
	assert.Equal(t, string(events.TypeEnd), stored[len(stored)-1].Type)

	th, err := svc.Store().GetThread(ctx, h.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCompleted, th.RunStatus)
}

func TestService_FollowUpSeesThreadHistory(t *testing.T) {
	t.Parallel()

	p := llm.NewScriptedProvider(
		llm.ScriptedTurn{Chunks: []string{"<think>hmm</think>Paris."}},
		llm.ScriptedTurn{Chunks: []string{"About two million."}},
	)
	p.Tokenizer = wordCount
	svc := newTestService(t, p, true)

	h1, err := svc.Start(context.Background(), AskRequest{Query: "Capital of France?"}, nil)
	require.NoError(t, err)
	_, err = h1.Wait()
	require.NoError(t, err)

	h2, err := svc.Start(context.Background(), AskRequest{ThreadID: h1.ThreadID, Query: "Population?"}, nil)
	require.NoError(t, err)
	_, err = h2.Wait()
	require.NoError(t, err)

	reqs := p.Requests()
	require.Len(t, reqs, 2)
	var texts []string
	for _, m := range reqs[1].Messages {
		if m.Role == llm.RoleSystem {
			continue
		}
		texts = append(texts, m.Text())
	}
	assert.Equal(t, []string{"Capital of France?", "Paris.", "Population?"}, texts)
}

func TestService_CancelLiveRun(t *testing.T) {
	t.Parallel()

	p := llm.NewScriptedProvider(llm.ScriptedTurn{Chunks: []string{"Thinking"}, Hold: true})
	p.Tokenizer = wordCount
	svc := newTestService(t, p, true)

	rec := &sinkRecorder{}
	h, err := svc.Start(context.Background(), AskRequest{Query: "Slow question"}, rec)
	require.NoError(t, err)
	assert.Contains(t, svc.Active(), h.RunID)

	require.NoError(t, svc.Cancel(h.RunID, "user"))
	out, err := h.Wait()
	require.ErrorIs(t, err, agent.ErrCanceled)
	require.Equal(t, agent.StateCancelled, out.State)
	assert.Equal(t, "user", out.CancelReason)

	assert.ErrorIs(t, svc.Cancel(h.RunID, "user"), ErrRunNotFound)
	_, err = svc.SoftStop(h.RunID)
	assert.ErrorIs(t, err, ErrRunNotFound)

	msgs, _, _, err := svc.Store().ListMessages(context.Background(), h.ThreadID, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.MessageStatusCancelled, msgs[1].Status)

	types := rec.types()
	require.NotEmpty(t, types)
	assert.Equal(t, events.TypeError, types[len(types)-1])
}

func TestService_WithoutStore(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, &llm.ScriptedProvider{Respond: llm.EchoTurn}, false)
	h, err := svc.Start(context.Background(), AskRequest{Query: "hello there"}, nil)
	require.NoError(t, err)
	out, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, "Scripted answer: hello there", out.Response)
	assert.Nil(t, svc.Store())
}

func TestService_RejectsEmptyQuery(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, &llm.ScriptedProvider{Respond: llm.EchoTurn}, false)
	_, err := svc.Start(context.Background(), AskRequest{Query: "  "}, nil)
	require.Error(t, err)
}

func toolNames(ts []tools.Tool) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.Definition().Name)
	}
	return out
}

func TestNew_ToolSet(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, &llm.ScriptedProvider{Respond: llm.EchoTurn}, false)
	names := toolNames(svc.Tools())
	for _, want := range []string{"web_search", "image_search", "video_search", "fetch_page", agent.DefaultDelegationTool, agent.DefaultPlanningTool} {
		assert.Contains(t, names, want)
	}

	cfg := testConfig()
	cfg.AI.WebSearchProvider = config.WebSearchDisabled
	disabled := false
	cfg.Research.Subagent = &config.SubagentConfig{Enabled: &disabled}
	svc, err := New(Options{Config: cfg, Provider: &llm.ScriptedProvider{Respond: llm.EchoTurn}})
	require.NoError(t, err)
	names = toolNames(svc.Tools())
	assert.NotContains(t, names, "web_search")
	assert.NotContains(t, names, agent.DefaultDelegationTool)
	assert.Contains(t, names, "fetch_page")
}

func TestNew_MissingKeys(t *testing.T) {
	t.Parallel()

	noEnv := func(string) string { return "" }

	cfg := testConfig()
	cfg.AI.WebSearchProvider = config.WebSearchBrave
	_, err := New(Options{Config: cfg, Getenv: noEnv})
	require.ErrorContains(t, err, "BRAVE_SEARCH_API_KEY")

	cfg = testConfig()
	cfg.AI.Providers = []config.AIProvider{{
		ID:     "openai",
		Type:   config.ProviderTypeOpenAI,
		Models: []config.AIProviderModel{{ModelName: "gpt-4o-mini", IsDefault: true}},
	}}
	_, err = New(Options{Config: cfg, Getenv: noEnv})
	require.ErrorContains(t, err, "OPENAI_API_KEY")

	_, err = New(Options{Config: cfg, Getenv: func(string) string { return "sk-test" }})
	require.NoError(t, err)
}

func TestService_AuditTrail(t *testing.T) {
	t.Parallel()

	audit, err := auditlog.New(auditlog.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	p := llm.NewScriptedProvider(llm.ScriptedTurn{Chunks: []string{"Working"}, Hold: true})
	p.Tokenizer = wordCount
	svc, err := New(Options{Config: testConfig(), Provider: p, Model: "test-model", Audit: audit})
	require.NoError(t, err)

	h, err := svc.Start(context.Background(), AskRequest{Query: "audit me"}, nil)
	require.NoError(t, err)
	accepted, err := svc.SoftStop(h.RunID)
	require.NoError(t, err)
	assert.True(t, accepted)
	require.NoError(t, svc.Cancel(h.RunID, "user"))
	_, _ = h.Wait()

	entries, err := svc.Audit().List(10, h.RunID)
	require.NoError(t, err)
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{
		auditlog.ActionRunFinished,
		auditlog.ActionCancelRequested,
		auditlog.ActionSoftStopRequested,
		auditlog.ActionRunStarted,
	}, actions)
	assert.Equal(t, string(agent.StateCancelled), entries[0].State)
	assert.Equal(t, "user", entries[0].CancelReason)
}
