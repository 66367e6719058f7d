package types

import "encoding/json"

// ChatResponse is the normalized result of one completed provider call.
// Optional fields are nil when the provider did not return them.
type ChatResponse struct {
	Text             string
	FinishReason     *string
	PromptTokens     *int
	CompletionTokens *int

	// Raw is the provider body exactly as received.
	Raw json.RawMessage
	// LatencyMs covers the successful attempt only.
	LatencyMs int64
}

// CompletionTokensOrZero is the numeric view used by threshold comparisons.
func (r *ChatResponse) CompletionTokensOrZero() int {
	if r == nil || r.CompletionTokens == nil {
		return 0
	}
	return *r.CompletionTokens
}
