package providers

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Token estimation for providers (or code paths) that do not report usage.
// tiktoken's cl100k_base is a reasonable cross-provider approximation; when
// the encoding cannot be loaded we fall back to a word-count heuristic.
// Either way the caller marks the Result as Estimated.

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens approximates the token count of text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}

	encodingOnce.Do(func() {
		// Error ignored: nil encoding selects the heuristic below.
		encoding, _ = tiktoken.GetEncoding("cl100k_base")
	})

	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}

	// Roughly 4 tokens per 3 words for English-like text.
	words := len(strings.Fields(text))
	return (words*4 + 2) / 3
}

// EstimateMissing fills in missing token counts on a result. Counts already
// reported by the provider are kept as-is.
func EstimateMissing(req *Request, res *Result) {
	if res.InputTokens == 0 {
		res.InputTokens = EstimateTokens(req.SystemPrompt) + EstimateTokens(req.Prompt)
		res.Estimated = true
	}
	if res.OutputTokens == 0 && res.Text != "" {
		res.OutputTokens = EstimateTokens(res.Text)
		res.Estimated = true
	}
}
