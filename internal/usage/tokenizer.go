package usage

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts tokens in a text fragment.
type Tokenizer func(text string) int

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func loadEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}

// CountTokens counts with the cl100k_base encoding and falls back to
// EstimateTokens when the encoding cannot be loaded.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if enc := loadEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return EstimateTokens(text)
}

// EstimateTokens is max(runes/4, words), at least 1 for non-blank text.
func EstimateTokens(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	estimate := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// Estimate builds a Usage from prompt and completion text using tok
// (CountTokens when tok is nil).
func Estimate(tok Tokenizer, prompt string, completion string) Usage {
	if tok == nil {
		tok = CountTokens
	}
	in := int64(tok(prompt))
	out := int64(tok(completion))
	return Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
}
