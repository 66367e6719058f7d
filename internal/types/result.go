package types

import "encoding/json"

// Output is what the host receives for one input record: either the full
// structured result under Data, or only the downstream text.
type Output struct {
	Data *Result `json:"data,omitempty"`
	Text *string `json:"text,omitempty"`
}

// TextOutput builds the text-only shape.
func TextOutput(text string) *Output {
	return &Output{Text: &text}
}

type Result struct {
	RoutingDecision RoutingDecision `json:"routing_decision"`
	Upstream        *CallDetail     `json:"upstream,omitempty"`
	Downstream      *CallDetail     `json:"downstream,omitempty"`
	Raw             *RawPayloads    `json:"raw,omitempty"`
}

type RoutingDecision struct {
	Mode   RoutingMode `json:"mode"`
	Reason string      `json:"reason"`
}

// CallDetail describes one provider call that actually ran.
type CallDetail struct {
	Provider ProviderKind `json:"provider"`
	Model    string       `json:"model"`
	Request  CallRequest  `json:"request"`
	Response CallResponse `json:"response"`
	Metrics  CallMetrics  `json:"metrics"`
}

type CallRequest struct {
	Messages []Message  `json:"messages"`
	Params   CallParams `json:"params"`
}

type CallParams struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`
}

type CallResponse struct {
	Text         string  `json:"text"`
	FinishReason *string `json:"finish_reason,omitempty"`
}

type CallMetrics struct {
	LatencyMs        int64 `json:"latency_ms"`
	PromptTokens     *int  `json:"prompt_tokens,omitempty"`
	CompletionTokens *int  `json:"completion_tokens,omitempty"`
}

type RawPayloads struct {
	Upstream   json.RawMessage `json:"upstream,omitempty"`
	Downstream json.RawMessage `json:"downstream,omitempty"`
}
