package usage

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_ProviderFieldNames(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  map[string]any
		want Usage
	}{
		{
			name: "openai responses",
			raw:  map[string]any{"input_tokens": 12, "output_tokens": 3, "total_tokens": 15},
			want: Usage{InputTokens: 12, OutputTokens: 3, TotalTokens: 15},
		},
		{
			name: "chat completions",
			raw:  map[string]any{"prompt_tokens": float64(7), "completion_tokens": float64(5)},
			want: Usage{InputTokens: 7, OutputTokens: 5, TotalTokens: 12},
		},
		{
			name: "camel case",
			raw:  map[string]any{"promptTokens": json.Number("4"), "completionTokens": "6", "totalTokens": 10},
			want: Usage{InputTokens: 4, OutputTokens: 6, TotalTokens: 10},
		},
		{
			name: "gemini metadata nested",
			raw: map[string]any{"usage_metadata": map[string]any{
				"prompt_token_count": 9, "candidates_token_count": 1, "total_token_count": 10,
			}},
			want: Usage{InputTokens: 9, OutputTokens: 1, TotalTokens: 10},
		},
		{
			name: "total below parts is recomputed",
			raw:  map[string]any{"input_tokens": 5, "output_tokens": 5, "total_tokens": 1},
			want: Usage{InputTokens: 5, OutputTokens: 5, TotalTokens: 10},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Normalize(tc.raw))
		})
	}
}

func TestNormalize_UnknownFieldsReportZero(t *testing.T) {
	t.Parallel()

	got := Normalize(map[string]any{"tokens_in": 10, "tokens_out": 20})
	assert.True(t, got.IsZero(), "got=%+v", got)
	assert.True(t, Normalize(nil).IsZero())
}

func TestLedger_MonotonicAndCombinedTotal(t *testing.T) {
	t.Parallel()

	l := NewLedger()
	deltas := []struct {
		target Target
		u      Usage
	}{
		{TargetPrimary, Usage{InputTokens: 10, OutputTokens: 4, TotalTokens: 14}},
		{TargetAuxiliary, Usage{InputTokens: 3, OutputTokens: 1, TotalTokens: 4}},
		{TargetPrimary, Usage{}},
		{TargetAuxiliary, Usage{InputTokens: -5, OutputTokens: 2, TotalTokens: 2}},
		{TargetPrimary, Usage{InputTokens: 1, OutputTokens: 1, TotalTokens: 2}},
	}

	var prev Snapshot
	for i, d := range deltas {
		snap := l.Apply(d.target, d.u)
		require.Equal(t, snap.Primary.TotalTokens+snap.Auxiliary.TotalTokens, snap.CombinedTotal, "step %d", i)
		assert.GreaterOrEqual(t, snap.Primary.InputTokens, prev.Primary.InputTokens, "step %d", i)
		assert.GreaterOrEqual(t, snap.Primary.OutputTokens, prev.Primary.OutputTokens, "step %d", i)
		assert.GreaterOrEqual(t, snap.Auxiliary.InputTokens, prev.Auxiliary.InputTokens, "step %d", i)
		assert.GreaterOrEqual(t, snap.Auxiliary.TotalTokens, prev.Auxiliary.TotalTokens, "step %d", i)
		assert.GreaterOrEqual(t, snap.CombinedTotal, prev.CombinedTotal, "step %d", i)
		prev = snap
	}
	assert.Equal(t, Usage{InputTokens: 11, OutputTokens: 5, TotalTokens: 16}, prev.Primary)
	assert.Equal(t, Usage{InputTokens: 3, OutputTokens: 3, TotalTokens: 6}, prev.Auxiliary)
	assert.Equal(t, prev, l.Snapshot())
}

func TestLedger_ApplyRawNormalizes(t *testing.T) {
	t.Parallel()

	l := NewLedger()
	snap := l.ApplyRaw(TargetAuxiliary, map[string]any{"prompt_tokens": 2, "completion_tokens": 3})
	assert.Equal(t, int64(5), snap.Auxiliary.TotalTokens)
	assert.Equal(t, int64(5), snap.CombinedTotal)
	assert.Equal(t, Usage{InputTokens: 2, OutputTokens: 3, TotalTokens: 5}, snap.Combined())
}

func TestParseTarget(t *testing.T) {
	t.Parallel()

	got, err := ParseTarget(" Primary ")
	require.NoError(t, err)
	assert.Equal(t, TargetPrimary, got)

	_, err = ParseTarget("secondary")
	assert.Error(t, err)
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, EstimateTokens("   "))
	assert.Equal(t, 4, EstimateTokens("The sky is blue"))
	assert.Equal(t, 1, EstimateTokens("a"))

	words := func(s string) int { return len([]rune(s)) }
	u := Estimate(words, "ab", "cde")
	assert.Equal(t, Usage{InputTokens: 2, OutputTokens: 3, TotalTokens: 5}, u)
}
