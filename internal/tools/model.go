package tools

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/floegence/redeven-research/internal/events"
	"github.com/floegence/redeven-research/internal/llm"
)

// TracedTurn runs one model turn as its own node on a raw feed: a fresh id,
// the given ancestry, and model_start / model_stream / model_end (or
// model_error) records around the provider call. It returns the node id.
func TracedTurn(ctx context.Context, provider llm.Provider, req llm.TurnRequest, trace func(events.Raw), parents []string, onEvent func(llm.StreamEvent)) (string, llm.TurnResult, error) {
	id := uuid.NewString()
	if provider == nil {
		return id, llm.TurnResult{}, errors.New("missing model provider")
	}
	emit := func(raw events.Raw) {
		if trace == nil {
			return
		}
		raw.RunID = id
		raw.ParentIDs = parents
		raw.Name = req.Model
		raw.At = time.Now()
		trace(raw)
	}

	emit(events.Raw{Kind: events.RawModelStart})
	res, err := provider.StreamTurn(ctx, req, func(ev llm.StreamEvent) {
		if ev.Type == llm.StreamEventTextDelta && ev.Text != "" {
			emit(events.Raw{Kind: events.RawModelStream, Chunk: ev.Text})
		}
		if onEvent != nil {
			onEvent(ev)
		}
	})
	if err != nil {
		emit(events.Raw{Kind: events.RawModelError, Err: err.Error()})
		return id, llm.TurnResult{}, err
	}
	emit(events.Raw{Kind: events.RawModelEnd, Usage: res.Usage, Result: res.Text})
	return id, res, nil
}

// AuxModel runs auxiliary-model calls from inside a tool node. The calls are
// children of the node, so their usage lands on the auxiliary ledger.
type AuxModel struct {
	Provider llm.Provider
	Model    string
}

func (m *AuxModel) Available() bool {
	return m != nil && m.Provider != nil && m.Model != ""
}

func (m *AuxModel) Complete(ctx context.Context, inv Invocation, system string, prompt string) (string, error) {
	if !m.Available() {
		return "", errors.New("auxiliary model not configured")
	}
	req := llm.TurnRequest{
		Model: m.Model,
		Messages: []llm.Message{
			llm.TextMessage(llm.RoleSystem, system),
			llm.TextMessage(llm.RoleUser, prompt),
		},
	}
	_, res, err := TracedTurn(ctx, m.Provider, req, inv.Trace, inv.Lineage(), nil)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}
