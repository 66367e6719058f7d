package provider

import (
	"encoding/json"
	"math"

	"github.com/af-corp/llm-relay/internal/types"
)

// Wire request bodies.

type chatCompletionsBody struct {
	Model       string          `json:"model"`
	Messages    []types.Message `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
}

type responsesBody struct {
	Model           string          `json:"model"`
	Input           string          `json:"input"`
	Temperature     *float64        `json:"temperature,omitempty"`
	MaxOutputTokens *int            `json:"max_output_tokens,omitempty"`
	Reasoning       *reasoningParam `json:"reasoning,omitempty"`
}

type reasoningParam struct {
	Effort string `json:"effort"`
}

// Wire response bodies. Every field is optional; absence is structural.
// Leaf values are kept raw and read through stringField and tokenField, so a
// leaf of the wrong JSON type reads as absent instead of failing the decode.

type usageBody struct {
	PromptTokens     json.RawMessage `json:"prompt_tokens"`
	CompletionTokens json.RawMessage `json:"completion_tokens"`
}

type chatChoice struct {
	Message *struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
	FinishReason json.RawMessage `json:"finish_reason"`
}

type chatCompletionsReply struct {
	Choices []chatChoice `json:"choices"`
	Usage   *usageBody   `json:"usage"`
}

func (r *chatCompletionsReply) text() string {
	if len(r.Choices) == 0 || r.Choices[0].Message == nil {
		return ""
	}
	return stringOrEmpty(r.Choices[0].Message.Content)
}

func (r *chatCompletionsReply) finishReason() *string {
	if len(r.Choices) == 0 {
		return nil
	}
	return stringField(r.Choices[0].FinishReason)
}

func (r *chatCompletionsReply) usage() *usageBody { return r.Usage }

type responsesReply struct {
	Output []struct {
		Content []struct {
			Text json.RawMessage `json:"text"`
		} `json:"content"`
		FinishReason json.RawMessage `json:"finish_reason"`
	} `json:"output"`
	OutputText json.RawMessage `json:"output_text"`
	Choices    []chatChoice    `json:"choices"`
	Usage      *usageBody      `json:"usage"`
}

// text prefers output[0].content[0].text, then output_text.
func (r *responsesReply) text() string {
	if len(r.Output) > 0 && len(r.Output[0].Content) > 0 {
		if s := stringField(r.Output[0].Content[0].Text); s != nil {
			return *s
		}
	}
	return stringOrEmpty(r.OutputText)
}

// finishReason falls back to choices[0] for hybrid replies.
func (r *responsesReply) finishReason() *string {
	if len(r.Output) > 0 {
		if s := stringField(r.Output[0].FinishReason); s != nil {
			return s
		}
	}
	if len(r.Choices) > 0 {
		return stringField(r.Choices[0].FinishReason)
	}
	return nil
}

func (r *responsesReply) usage() *usageBody { return r.Usage }

// reply is the view both dialects' reply bodies offer.
type reply interface {
	text() string
	finishReason() *string
	usage() *usageBody
}

// decodeReply reads data into dest. A body whose shape does not match dest
// (a top-level array, a container of the wrong type) leaves dest empty.
func decodeReply[T any, R interface {
	*T
	reply
}](data []byte) *types.ChatResponse {
	var dest T
	if err := json.Unmarshal(data, &dest); err != nil {
		var empty T
		dest = empty
	}
	r := R(&dest)
	return newChatResponse(r.text(), r.finishReason(), r.usage())
}

// stringField returns raw as a string when it holds a JSON string.
func stringField(raw json.RawMessage) *string {
	if len(raw) == 0 || raw[0] != '"' {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	return &s
}

func stringOrEmpty(raw json.RawMessage) string {
	if s := stringField(raw); s != nil {
		return *s
	}
	return ""
}

// tokenField returns raw as a count when it holds an integral JSON number.
// 10 and 10.0 both read as 10.
func tokenField(raw json.RawMessage) *int {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil
	}
	if f != math.Trunc(f) || f < 0 || f > math.MaxInt32 {
		return nil
	}
	n := int(f)
	return &n
}

func newChatResponse(text string, finish *string, usage *usageBody) *types.ChatResponse {
	resp := &types.ChatResponse{Text: text, FinishReason: finish}
	if usage != nil {
		resp.PromptTokens = tokenField(usage.PromptTokens)
		resp.CompletionTokens = tokenField(usage.CompletionTokens)
	}
	return resp
}
