package provider

import (
	"context"
	"net/http"

	"github.com/af-corp/llm-relay/internal/retry"
	"github.com/af-corp/llm-relay/internal/types"
)

// CompatibleClient talks to any endpoint that implements the chat
// completions shape. There is no default origin.
type CompatibleClient struct {
	*transport
}

func NewCompatibleClient(client *http.Client, retrier *retry.Retrier) *CompatibleClient {
	return &CompatibleClient{transport: newTransport("openai_compatible", client, retrier)}
}

func (c *CompatibleClient) Chat(ctx context.Context, req ChatRequest) (*types.ChatResponse, error) {
	return c.chat(ctx, trimBaseURL(req.BaseURL)+"/v1/chat/completions", req,
		chatCompletionsPayload(req), decodeReply[chatCompletionsReply, *chatCompletionsReply])
}

func chatCompletionsPayload(req ChatRequest) chatCompletionsBody {
	return chatCompletionsBody{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
}
