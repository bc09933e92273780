// Package agent runs research requests: one primary model+tools loop, its
// delegated subagent runs, and the ordered event stream that reports them.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/floegence/redeven-research/internal/events"
	"github.com/floegence/redeven-research/internal/llm"
	"github.com/floegence/redeven-research/internal/markup"
	"github.com/floegence/redeven-research/internal/tools"
	"github.com/floegence/redeven-research/internal/usage"
)

const (
	DefaultDelegationTool = "spawn_subagent"
	DefaultPlanningTool   = "write_todos"

	defaultMaxSteps          = 8
	defaultMaxParallelTools  = 4
	defaultHeartbeatInterval = 15 * time.Second
)

var (
	// ErrSoftStopped marks work refused because the run was asked to wrap up.
	ErrSoftStopped = tools.ErrSoftStopped
	ErrCanceled    = errors.New("run canceled")
)

type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateErrored   State = "errored"
	StateCancelled State = "cancelled"
)

type Options struct {
	Log      *slog.Logger
	Provider llm.Provider
	Model    string

	MaxSteps         int
	MaxParallelTools int
	MaxOutputTokens  int
	// HeartbeatInterval paces ping events on top-level runs. Negative
	// disables them.
	HeartbeatInterval time.Duration

	// DelegationTool and PlanningTool have dedicated events and never get
	// generic tool-call markup.
	DelegationTool string
	PlanningTool   string

	Metrics *Metrics
}

// Engine starts runs. It holds no per-run state and is safe for concurrent
// use.
type Engine struct {
	opts Options
	log  *slog.Logger
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Provider == nil {
		return nil, errors.New("missing model provider")
	}
	opts.Model = strings.TrimSpace(opts.Model)
	if opts.Model == "" {
		return nil, errors.New("missing model")
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = defaultMaxSteps
	}
	if opts.MaxParallelTools <= 0 {
		opts.MaxParallelTools = defaultMaxParallelTools
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if strings.TrimSpace(opts.DelegationTool) == "" {
		opts.DelegationTool = DefaultDelegationTool
	}
	if strings.TrimSpace(opts.PlanningTool) == "" {
		opts.PlanningTool = DefaultPlanningTool
	}
	log := opts.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Engine{opts: opts, log: log}, nil
}

func (e *Engine) DelegationTool() string {
	if e == nil {
		return DefaultDelegationTool
	}
	return e.opts.DelegationTool
}

// RunRequest is the already-resolved input of one run. History must not
// contain reasoning segments.
type RunRequest struct {
	Query        string
	History      []llm.Message
	Tools        []tools.Tool
	SystemPrompt string
	ImageRefs    []string

	// Set by the subagent executor for child runs.
	child             bool
	parentIDs         []string
	mirror            func(events.Raw)
	parentSoftStopped func() bool
}

// Outcome is what a finished run hands to its caller for persistence.
type Outcome struct {
	RunID        string            `json:"runId"`
	State        State             `json:"state"`
	Markup       string            `json:"markup"`
	Response     string            `json:"response"`
	Documents    []events.Document `json:"documents,omitempty"`
	Usage        usage.Snapshot    `json:"usage"`
	Error        string            `json:"error,omitempty"`
	CancelReason string            `json:"cancelReason,omitempty"`
}

// Run is a handle on a started run.
type Run struct {
	id      string
	ctrl    *Controller
	done    chan struct{}
	outcome *Outcome
	err     error
}

func (r *Run) ID() string { return r.id }

// Cancel aborts the run; the stream ends with one cancellation error.
func (r *Run) Cancel(reason string) { r.ctrl.Cancel(reason) }

// SoftStop asks the run to answer from the sources it already has. It has
// no effect once the run terminated.
func (r *Run) SoftStop() bool { return r.ctrl.SoftStop() }

func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the terminal event was emitted. The error is nil for
// completed runs, ErrCanceled for cancelled ones and the cause otherwise.
func (r *Run) Wait() (*Outcome, error) {
	<-r.done
	return r.outcome, r.err
}

// Start launches a run and returns immediately. Events go to sink in order,
// ending with exactly one end or error event.
func (e *Engine) Start(ctx context.Context, req RunRequest, sink events.Sink) *Run {
	if ctx == nil {
		ctx = context.Background()
	}
	id := uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)
	ctrl := newController(cancel, req.parentSoftStopped)
	r := &run{
		id:      id,
		engine:  e,
		log:     e.log,
		req:     req,
		ctrl:    ctrl,
		stream:  NewStream(sink),
		feed:    newRawFeed(),
		attr:    newAttributionTracker(id, e.opts.DelegationTool),
		calls:   newToolCallTracker(),
		doc:     markup.New(),
		docs:    newDocumentSet(),
		ledger:  usage.NewLedger(),
		started: time.Now(),
	}
	handle := &Run{id: id, ctrl: ctrl, done: make(chan struct{})}
	go func() {
		defer cancel()
		handle.outcome, handle.err = r.execute(runCtx)
		close(handle.done)
	}()
	return handle
}

// Run starts a run and waits for it.
func (e *Engine) Run(ctx context.Context, req RunRequest, sink events.Sink) (*Outcome, error) {
	return e.Start(ctx, req, sink).Wait()
}
