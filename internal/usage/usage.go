// Package usage normalizes provider token usage reports and accumulates them
// into the two-sided (primary / auxiliary) run ledger.
package usage

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Usage is the provider-independent token usage shape.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Add returns u+o. Negative components of o are ignored so accumulation stays monotonic.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + nonNegative(o.InputTokens),
		OutputTokens: u.OutputTokens + nonNegative(o.OutputTokens),
		TotalTokens:  u.TotalTokens + nonNegative(o.TotalTokens),
	}
}

func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.TotalTokens == 0
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

var (
	inputKeys = []string{
		"input_tokens", "prompt_tokens", "inputTokens", "promptTokens",
		"prompt_token_count", "promptTokenCount", "input_token_count",
	}
	outputKeys = []string{
		"output_tokens", "completion_tokens", "outputTokens", "completionTokens",
		"candidates_token_count", "candidatesTokenCount", "generated_tokens",
	}
	totalKeys = []string{
		"total_tokens", "totalTokens", "total_token_count", "totalTokenCount",
	}
	// Providers that wrap the counters one level down.
	nestedKeys = []string{
		"usage", "usage_metadata", "usageMetadata", "token_usage", "tokenUsage",
	}
)

// Normalize maps a provider-specific usage report onto Usage.
//
// The mapping is a known list of field names. A report that uses none of them
// normalizes to the zero Usage instead of failing.
func Normalize(raw map[string]any) Usage {
	if len(raw) == 0 {
		return Usage{}
	}
	in, okIn := lookupInt(raw, inputKeys)
	out, okOut := lookupInt(raw, outputKeys)
	total, okTotal := lookupInt(raw, totalKeys)
	if !okIn && !okOut && !okTotal {
		for _, key := range nestedKeys {
			if nested, ok := raw[key].(map[string]any); ok {
				if u := Normalize(nested); !u.IsZero() {
					return u
				}
			}
		}
		return Usage{}
	}
	u := Usage{InputTokens: nonNegative(in), OutputTokens: nonNegative(out), TotalTokens: nonNegative(total)}
	if !okTotal || u.TotalTokens < u.InputTokens+u.OutputTokens {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	return u
}

func lookupInt(raw map[string]any, keys []string) (int64, bool) {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok {
			continue
		}
		if n, ok := toInt64(v); ok {
			return n, true
		}
	}
	return 0, false
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint32:
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return math.MaxInt64, true
		}
		return int64(x), true
	case float32:
		return int64(x), true
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, false
		}
		return int64(x), true
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			f, ferr := x.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return n, true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
