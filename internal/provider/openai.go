package provider

import (
	"context"
	"net/http"
	"strings"

	"github.com/af-corp/llm-relay/internal/retry"
	"github.com/af-corp/llm-relay/internal/types"
)

const DefaultOpenAIBaseURL = "https://api.openai.com"

// OpenAIClient speaks the extended dialect: chat completions, or the
// responses shape when ChatRequest.ResponsesAPI is set.
type OpenAIClient struct {
	*transport
}

func NewOpenAIClient(client *http.Client, retrier *retry.Retrier) *OpenAIClient {
	return &OpenAIClient{transport: newTransport("openai", client, retrier)}
}

func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*types.ChatResponse, error) {
	root := req.BaseURL
	if root == "" {
		root = DefaultOpenAIBaseURL
	}
	root = trimBaseURL(root)

	if !req.ResponsesAPI {
		return c.chat(ctx, root+"/v1/chat/completions", req,
			chatCompletionsPayload(req), decodeReply[chatCompletionsReply, *chatCompletionsReply])
	}

	payload := responsesBody{
		Model:           req.Model,
		Input:           flattenMessages(req.Messages),
		Temperature:     req.Temperature,
		MaxOutputTokens: req.MaxTokens,
	}
	if req.ReasoningEffort != "" {
		payload.Reasoning = &reasoningParam{Effort: req.ReasoningEffort}
	}
	return c.chat(ctx, root+"/v1/responses", req, payload, decodeReply[responsesReply, *responsesReply])
}

// flattenMessages renders a conversation as "role: content" lines.
func flattenMessages(messages []types.Message) string {
	lines := make([]string, len(messages))
	for i, m := range messages {
		lines[i] = string(m.Role) + ": " + m.Content
	}
	return strings.Join(lines, "\n")
}
