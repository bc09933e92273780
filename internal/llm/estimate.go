package llm

import (
	"context"

	"github.com/floegence/redeven-research/internal/usage"
)

// WithUsageEstimate wraps p so that a turn whose usage report carries no
// recognizable fields gets an estimate counted with tok instead.
func WithUsageEstimate(p Provider, tok usage.Tokenizer) Provider {
	if p == nil || tok == nil {
		return p
	}
	return &estimatingProvider{next: p, tok: tok}
}

type estimatingProvider struct {
	next Provider
	tok  usage.Tokenizer
}

func (p *estimatingProvider) StreamTurn(ctx context.Context, req TurnRequest, onEvent func(StreamEvent)) (TurnResult, error) {
	res, err := p.next.StreamTurn(ctx, req, onEvent)
	if err != nil {
		return res, err
	}
	if usage.Normalize(res.Usage).IsZero() {
		est := usage.Estimate(p.tok, requestText(req), res.Text)
		res.Usage = map[string]any{
			"input_tokens":  est.InputTokens,
			"output_tokens": est.OutputTokens,
			"total_tokens":  est.TotalTokens,
			"estimated":     true,
		}
	}
	return res, nil
}
