// Package research wires the configured providers, tools, subagent executor
// and store into one service that starts, tracks and persists research runs.
package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/floegence/redeven-research/internal/agent"
	"github.com/floegence/redeven-research/internal/auditlog"
	"github.com/floegence/redeven-research/internal/config"
	"github.com/floegence/redeven-research/internal/events"
	"github.com/floegence/redeven-research/internal/llm"
	"github.com/floegence/redeven-research/internal/markup"
	"github.com/floegence/redeven-research/internal/store"
	"github.com/floegence/redeven-research/internal/tools"
	"github.com/floegence/redeven-research/internal/usage"
	"github.com/floegence/redeven-research/internal/websearch"
)

const DefaultSystemPrompt = `You are a careful research assistant. Answer the user's question from sources you find.

- Plan multi-part questions with write_todos.
- Search before you answer; open the most relevant pages with fetch_page when snippets are not enough.
- Delegate independent sub-questions with spawn_subagent, several in one step when they do not depend on each other.
- Cite sources inline as [n] in the order you first use them.
- Say plainly when the sources do not settle a point.`

const historyMessages = 40

var ErrRunNotFound = errors.New("run not found")

type Options struct {
	Log    *slog.Logger
	Config *config.Config

	// Store persists threads and runs. Nil keeps runs in memory only.
	Store *store.Store
	// Audit records run lifecycle actions. Nil disables the trail.
	Audit *auditlog.Store

	// Provider overrides the configured default model provider.
	Provider llm.Provider
	Model    string
	// Searcher overrides the configured search backend.
	Searcher   tools.Searcher
	HTTPClient *http.Client
	Getenv     func(string) string
	Metrics    *agent.Metrics
}

// Service owns the engine and the registry of live runs.
type Service struct {
	log      *slog.Logger
	cfg      *config.Config
	store    *store.Store
	audit    *auditlog.Store
	engine   *agent.Engine
	registry *tools.Registry
	prompt   string

	mu   sync.Mutex
	runs map[string]*Handle
}

func New(opts Options) (*Service, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	provider, model := opts.Provider, strings.TrimSpace(opts.Model)
	if provider == nil {
		id, _ := cfg.AI.DefaultModelID()
		p, m, err := buildProvider(cfg.AI, id, getenv)
		if err != nil {
			return nil, err
		}
		provider, model = p, m
	}
	if model == "" {
		model = "default"
	}
	if cfg.AI.EffectiveEstimateMissingUsage() {
		provider = llm.WithUsageEstimate(provider, usage.CountTokens)
	}

	rc := cfg.Research
	engine, err := agent.NewEngine(agent.Options{
		Log:               log,
		Provider:          provider,
		Model:             model,
		MaxSteps:          rc.EffectiveMaxSteps(),
		MaxParallelTools:  rc.EffectiveMaxParallelTools(),
		MaxOutputTokens:   rc.EffectiveMaxOutputTokens(),
		HeartbeatInterval: rc.EffectiveHeartbeatInterval(),
		Metrics:           opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	registry := tools.NewRegistry()
	searcher := opts.Searcher
	if searcher == nil {
		searcher, err = buildSearcher(cfg.AI, httpClient, getenv)
		if err != nil {
			return nil, err
		}
	}
	if searcher != nil {
		registry.MustRegister(tools.NewWebSearch(searcher), tools.NewImageSearch(searcher), tools.NewVideoSearch(searcher))
	}
	fetch := &tools.FetchPage{HTTP: httpClient}
	if aux := strings.TrimSpace(cfg.AI.AuxiliaryModel); aux != "" {
		p, m, err := buildProvider(cfg.AI, aux, getenv)
		if err != nil {
			return nil, fmt.Errorf("auxiliary model: %w", err)
		}
		fetch.Summarize = &tools.AuxModel{Provider: p, Model: m}
	}
	registry.MustRegister(fetch)

	if rc.EffectiveSubagentEnabled() {
		allow := rc.EffectiveSubagentToolAllowlist()
		if len(allow) == 0 {
			// Children get the registered research tools; the planning
			// checklist stays with the lead run.
			for _, t := range registry.All() {
				allow = append(allow, t.Definition().Name)
			}
		}
		x, err := agent.NewSubagentExecutor(agent.SubagentOptions{
			Engine:          engine,
			Log:             log,
			Allowlist:       allow,
			SystemPrompt:    rc.EffectiveSubagentSystemPrompt(),
			ContextMessages: rc.EffectiveSubagentContextMessages(),
			GraceDelay:      rc.EffectiveSubagentGraceDelay(),
			MaxParallel:     rc.EffectiveSubagentMaxParallel(),
			Metrics:         opts.Metrics,
		})
		if err != nil {
			return nil, err
		}
		if err := registry.Register(x.Tool(), tools.Registration{Source: "subagent"}); err != nil {
			return nil, err
		}
	}

	prompt := rc.EffectiveSystemPrompt()
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}
	return &Service{
		log:      log,
		cfg:      cfg,
		store:    opts.Store,
		audit:    opts.Audit,
		engine:   engine,
		registry: registry,
		prompt:   prompt,
		runs:     make(map[string]*Handle),
	}, nil
}

func buildProvider(ai *config.AIConfig, modelID string, getenv func(string) string) (llm.Provider, string, error) {
	p, model, ok := ai.ResolveModel(modelID)
	if !ok {
		return nil, "", fmt.Errorf("unknown model %q", modelID)
	}
	key := ""
	if env := p.EffectiveAPIKeyEnv(); env != "" {
		key = strings.TrimSpace(getenv(env))
		if key == "" {
			return nil, "", fmt.Errorf("provider %q: %s is not set", p.ID, env)
		}
	}
	provider, err := llm.NewProvider(p.Type, p.BaseURL, key)
	if err != nil {
		return nil, "", fmt.Errorf("provider %q: %w", p.ID, err)
	}
	return provider, model, nil
}

func buildSearcher(ai *config.AIConfig, httpClient *http.Client, getenv func(string) string) (tools.Searcher, error) {
	kind := ai.EffectiveWebSearchProvider()
	if kind == config.WebSearchDisabled {
		return nil, nil
	}
	opts := websearch.Options{
		Provider:   kind,
		HTTPClient: httpClient,
		CacheSize:  ai.EffectiveSearchCacheSize(),
	}
	if kind == config.WebSearchBrave {
		env := ai.EffectiveWebSearchAPIKeyEnv()
		opts.APIKey = strings.TrimSpace(getenv(env))
		if opts.APIKey == "" {
			return nil, fmt.Errorf("web search: %s is not set", env)
		}
	}
	client, err := websearch.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("web search: %w", err)
	}
	return client, nil
}

// Tools returns the tool set of a new lead run.
func (s *Service) Tools() []tools.Tool {
	return append(s.registry.All(), &tools.Todos{})
}

// AskRequest starts one run in a thread. An empty ThreadID starts a new
// thread.
type AskRequest struct {
	ThreadID  string   `json:"thread_id,omitempty"`
	Query     string   `json:"query"`
	ImageRefs []string `json:"image_refs,omitempty"`
}

// Handle is a live run known to the service.
type Handle struct {
	RunID    string
	ThreadID string

	run     *agent.Run
	done    chan struct{}
	outcome *agent.Outcome
	err     error
}

func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run finished and its record was persisted.
func (h *Handle) Wait() (*agent.Outcome, error) {
	<-h.done
	return h.outcome, h.err
}

// Start begins a run and returns once it is registered. Events go to sink in
// order; the run is persisted after its terminal event.
func (s *Service) Start(ctx context.Context, req AskRequest, sink events.Sink) (*Handle, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return nil, errors.New("missing query")
	}
	threadID := strings.TrimSpace(req.ThreadID)
	if threadID == "" {
		threadID = "th_" + uuid.NewString()
	}

	var history []llm.Message
	if s.store != nil {
		if _, err := s.store.EnsureThread(ctx, threadID); err != nil {
			return nil, fmt.Errorf("thread: %w", err)
		}
		h, err := s.store.History(ctx, threadID, historyMessages)
		if err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		history = h
		if _, err := s.store.AppendMessage(ctx, threadID, store.Message{
			MessageID: "msg_" + uuid.NewString(),
			Role:      store.RoleUser,
			Markup:    markup.EscapeText(req.Query),
		}); err != nil {
			return nil, fmt.Errorf("persist user message: %w", err)
		}
	}

	rec := &eventLog{next: sink}
	run := s.engine.Start(ctx, agent.RunRequest{
		Query:        req.Query,
		History:      history,
		Tools:        s.Tools(),
		SystemPrompt: s.prompt,
		ImageRefs:    req.ImageRefs,
	}, rec)

	h := &Handle{RunID: run.ID(), ThreadID: threadID, run: run, done: make(chan struct{})}
	s.mu.Lock()
	s.runs[run.ID()] = h
	s.mu.Unlock()

	s.audit.Append(auditlog.Entry{
		Action:   auditlog.ActionRunStarted,
		RunID:    run.ID(),
		ThreadID: threadID,
		Detail:   map[string]any{"query_chars": len([]rune(req.Query)), "history": len(history)},
	})
	s.persistStart(threadID, run.ID())
	go s.finish(h, rec)
	return h, nil
}

func (s *Service) finish(h *Handle, rec *eventLog) {
	defer close(h.done)
	out, err := h.run.Wait()
	h.outcome, h.err = out, err

	s.mu.Lock()
	delete(s.runs, h.RunID)
	s.mu.Unlock()

	if out != nil {
		entry := auditlog.Entry{
			Action:       auditlog.ActionRunFinished,
			RunID:        h.RunID,
			ThreadID:     h.ThreadID,
			State:        string(out.State),
			CancelReason: out.CancelReason,
			Detail:       map[string]any{"sources": len(out.Documents), "total_tokens": out.Usage.CombinedTotal},
		}
		if out.State == agent.StateErrored {
			entry.Status = "failure"
			entry.Error = out.Error
		}
		s.audit.Append(entry)
	}

	if s.store == nil || out == nil {
		return
	}
	if perr := s.persistEnd(h.ThreadID, out, rec.snapshot()); perr != nil {
		s.log.Warn("research run persistence failed", "run_id", h.RunID, "thread_id", h.ThreadID, "error", perr)
	}
}

func (s *Service) persistStart(threadID string, runID string) {
	if s.store == nil {
		return
	}
	ctx := context.Background()
	if err := s.store.UpsertRun(ctx, store.Run{RunID: runID, ThreadID: threadID, State: string(agent.StateRunning)}); err != nil {
		s.log.Warn("research run record failed", "run_id", runID, "error", err)
	}
	if err := s.store.UpdateThreadRunState(ctx, threadID, store.RunStatusRunning, ""); err != nil {
		s.log.Warn("research thread state failed", "thread_id", threadID, "error", err)
	}
}

func (s *Service) persistEnd(threadID string, out *agent.Outcome, evs []events.Event) error {
	ctx := context.Background()
	status := store.MessageStatusComplete
	switch out.State {
	case agent.StateErrored:
		status = store.MessageStatusError
	case agent.StateCancelled:
		status = store.MessageStatusCancelled
	}
	if _, err := s.store.AppendMessage(ctx, threadID, store.Message{
		MessageID: "msg_" + uuid.NewString(),
		RunID:     out.RunID,
		Role:      store.RoleAssistant,
		Status:    status,
		Markup:    out.Markup,
		Sources:   out.Documents,
		Usage:     out.Usage,
	}); err != nil {
		return err
	}
	if err := s.store.AppendRunEvents(ctx, out.RunID, 0, evs); err != nil {
		return err
	}
	if err := s.store.UpsertRun(ctx, store.Run{
		RunID:         out.RunID,
		ThreadID:      threadID,
		State:         string(out.State),
		CancelReason:  out.CancelReason,
		Error:         out.Error,
		Usage:         out.Usage,
		EndedAtUnixMs: time.Now().UnixMilli(),
	}); err != nil {
		return err
	}
	return s.store.UpdateThreadRunState(ctx, threadID, string(out.State), out.Error)
}

func (s *Service) lookup(runID string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.runs[strings.TrimSpace(runID)]
	return h, ok
}

// Cancel hard-cancels a live run.
func (s *Service) Cancel(runID string, reason string) error {
	h, ok := s.lookup(runID)
	if !ok {
		return ErrRunNotFound
	}
	s.audit.Append(auditlog.Entry{Action: auditlog.ActionCancelRequested, RunID: h.RunID, ThreadID: h.ThreadID, CancelReason: reason})
	h.run.Cancel(reason)
	return nil
}

// SoftStop asks a live run to answer from what it has. It reports false
// when the run was already stopping.
func (s *Service) SoftStop(runID string) (bool, error) {
	h, ok := s.lookup(runID)
	if !ok {
		return false, ErrRunNotFound
	}
	accepted := h.run.SoftStop()
	s.audit.Append(auditlog.Entry{Action: auditlog.ActionSoftStopRequested, RunID: h.RunID, ThreadID: h.ThreadID, Detail: map[string]any{"accepted": accepted}})
	return accepted, nil
}

// Active returns the ids of the live runs.
func (s *Service) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.runs))
	for id := range s.runs {
		out = append(out, id)
	}
	return out
}

func (s *Service) Store() *store.Store { return s.store }

func (s *Service) Audit() *auditlog.Store { return s.audit }

// eventLog keeps a run's outward events for the run record and passes them
// on. Pings are not kept.
type eventLog struct {
	next events.Sink

	mu  sync.Mutex
	evs []events.Event
}

func (l *eventLog) Emit(ev events.Event) {
	if ev.Type != events.TypePing {
		l.mu.Lock()
		l.evs = append(l.evs, ev)
		l.mu.Unlock()
	}
	if l.next != nil {
		l.next.Emit(ev)
	}
}

func (l *eventLog) snapshot() []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]events.Event(nil), l.evs...)
}
