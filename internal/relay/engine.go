// Package relay runs one relay execution: render the prompt, call the
// upstream provider, decide, optionally call the downstream provider and
// assemble the result.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/af-corp/llm-relay/internal/credentials"
	"github.com/af-corp/llm-relay/internal/provider"
	"github.com/af-corp/llm-relay/internal/telemetry"
	"github.com/af-corp/llm-relay/internal/types"
)

const (
	phaseUpstream   = "upstream"
	phaseDownstream = "downstream"
)

// CallError is returned when a provider call fails after its retries. The
// message is the underlying transport error, unchanged.
type CallError struct {
	Phase    string
	Provider types.ProviderKind
	Err      error
}

func (e *CallError) Error() string { return e.Err.Error() }
func (e *CallError) Unwrap() error { return e.Err }

// Engine executes relays. It holds no per-relay state and is safe for
// concurrent use.
type Engine struct {
	openai  provider.ChatClient
	compat  provider.ChatClient
	creds   credentials.Store
	metrics *telemetry.Metrics
}

// NewEngine builds an engine. openai serves the extended dialect, compat
// serves every compatible-dialect provider. metrics may be nil.
func NewEngine(openai, compat provider.ChatClient, creds credentials.Store, metrics *telemetry.Metrics) *Engine {
	return &Engine{openai: openai, compat: compat, creds: creds, metrics: metrics}
}

// call is one provider invocation, built from either config block.
type call struct {
	phase           string
	kind            types.ProviderKind
	baseURL         string
	model           string
	messages        []types.Message
	temperature     float64
	maxTokens       int
	timeoutMs       int
	responsesAPI    bool
	reasoningEffort string
}

// Relay runs one relay execution for in under cfg.
func (e *Engine) Relay(ctx context.Context, in types.Input, cfg types.RelayConfig) (*types.Output, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	rendered := Render(cfg.Upstream.UserTemplate, in.Vars, in.UserText)
	upMessages := buildMessages(cfg.Upstream.SystemPrompt, rendered)

	var upResp *types.ChatResponse
	var decision Decision
	if cfg.Upstream.Provider == types.ProviderNone {
		decision = Decision{Send: true, Reason: ReasonUpstreamDisabled}
	} else {
		var err error
		upResp, err = e.invoke(ctx, call{
			phase:           phaseUpstream,
			kind:            cfg.Upstream.Provider,
			model:           cfg.Upstream.Model,
			messages:        upMessages,
			temperature:     cfg.Upstream.Temperature,
			maxTokens:       cfg.Upstream.MaxTokens,
			timeoutMs:       cfg.Upstream.TimeoutMs,
			responsesAPI:    cfg.Upstream.ResponsesAPI,
			reasoningEffort: cfg.Upstream.ReasoningEffort,
		})
		if err != nil {
			return nil, err
		}
		decision = Decide(cfg.Routing, upResp)
	}

	var downMessages []types.Message
	var downResp *types.ChatResponse
	if decision.Send {
		content := rendered
		if upResp != nil {
			content = upResp.Text
		}
		downMessages = buildMessages(cfg.Downstream.SystemPrompt, content)

		var err error
		downResp, err = e.invoke(ctx, call{
			phase:        phaseDownstream,
			kind:         cfg.Downstream.Provider,
			baseURL:      cfg.Downstream.BaseURL,
			model:        cfg.Downstream.Model,
			messages:     downMessages,
			temperature:  cfg.Downstream.Temperature,
			maxTokens:    cfg.Downstream.MaxTokens,
			timeoutMs:    cfg.Downstream.TimeoutMs,
			responsesAPI: cfg.Downstream.ResponsesAPI,
		})
		if err != nil {
			return nil, err
		}
	}

	e.metrics.RecordRelay(telemetry.RelayLabels{
		Mode:       string(cfg.Routing.Mode),
		Upstream:   string(cfg.Upstream.Provider),
		Downstream: string(cfg.Downstream.Provider),
		Sent:       decision.Send,
	})
	slog.Info("relay completed",
		"request_id", RequestIDFromContext(ctx),
		"mode", cfg.Routing.Mode,
		"reason", decision.Reason,
		"upstream", cfg.Upstream.Provider,
		"downstream", cfg.Downstream.Provider,
		"sent", decision.Send,
		"upstream_completion_tokens", upResp.CompletionTokensOrZero(),
		"downstream_completion_tokens", downResp.CompletionTokensOrZero(),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if cfg.Output.EmitOnlyDownstreamText {
		text := ""
		if downResp != nil {
			text = downResp.Text
		}
		return types.TextOutput(text), nil
	}

	result := &types.Result{
		RoutingDecision: types.RoutingDecision{Mode: cfg.Routing.Mode, Reason: decision.Reason},
	}
	if upResp != nil {
		result.Upstream = callDetail(cfg.Upstream.Provider, cfg.Upstream.Model, upMessages,
			cfg.Upstream.Temperature, cfg.Upstream.MaxTokens, upResp)
	}
	if downResp != nil {
		result.Downstream = callDetail(cfg.Downstream.Provider, cfg.Downstream.Model, downMessages,
			cfg.Downstream.Temperature, cfg.Downstream.MaxTokens, downResp)
	}
	if cfg.Output.WantRawProviderResponses {
		raw := &types.RawPayloads{}
		if upResp != nil {
			raw.Upstream = upResp.Raw
		}
		if downResp != nil {
			raw.Downstream = downResp.Raw
		}
		result.Raw = raw
	}
	return &types.Output{Data: result}, nil
}

func (e *Engine) invoke(ctx context.Context, c call) (*types.ChatResponse, error) {
	cred := credentials.Resolve(ctx, e.creds, c.kind.CredentialName())

	baseURL := c.baseURL
	if baseURL == "" {
		baseURL = cred.BaseURL
	}

	temperature := c.temperature
	req := provider.ChatRequest{
		APIKey:      cred.APIKey,
		BaseURL:     baseURL,
		Model:       c.model,
		Messages:    c.messages,
		Temperature: &temperature,
		Timeout:     time.Duration(c.timeoutMs) * time.Millisecond,
	}
	if c.maxTokens > 0 {
		maxTokens := c.maxTokens
		req.MaxTokens = &maxTokens
	}

	dialect, ok := provider.DialectOf(c.kind)
	if !ok {
		return nil, fmt.Errorf("%w: no client for %s provider %q", types.ErrInvalidConfig, c.phase, c.kind)
	}
	var client provider.ChatClient
	switch dialect {
	case provider.DialectExtended:
		client = e.openai
		req.ResponsesAPI = c.responsesAPI
		req.ReasoningEffort = c.reasoningEffort
	case provider.DialectCompatible:
		client = e.compat
	}
	if client == nil {
		return nil, fmt.Errorf("%w: %s provider %q is not configured", types.ErrInvalidConfig, c.phase, c.kind)
	}

	resp, err := client.Chat(ctx, req)
	if err != nil {
		slog.Error("provider call failed", "request_id", RequestIDFromContext(ctx), "phase", c.phase, "provider", c.kind, "error", err)
		return nil, &CallError{Phase: c.phase, Provider: c.kind, Err: err}
	}

	labels := telemetry.CallLabels{Phase: c.phase, Provider: string(c.kind), LatencyMs: resp.LatencyMs}
	if resp.PromptTokens != nil {
		labels.PromptTokens = *resp.PromptTokens
	}
	if resp.CompletionTokens != nil {
		labels.CompletionTokens = *resp.CompletionTokens
	}
	e.metrics.RecordCall(labels)
	return resp, nil
}

func buildMessages(systemPrompt, user string) []types.Message {
	msgs := make([]types.Message, 0, 2)
	if systemPrompt != "" {
		msgs = append(msgs, types.Message{Role: types.RoleSystem, Content: systemPrompt})
	}
	return append(msgs, types.Message{Role: types.RoleUser, Content: user})
}

func callDetail(kind types.ProviderKind, model string, msgs []types.Message, temperature float64, maxTokens int, resp *types.ChatResponse) *types.CallDetail {
	return &types.CallDetail{
		Provider: kind,
		Model:    model,
		Request: types.CallRequest{
			Messages: msgs,
			Params:   types.CallParams{Temperature: temperature, MaxTokens: maxTokens},
		},
		Response: types.CallResponse{Text: resp.Text, FinishReason: resp.FinishReason},
		Metrics: types.CallMetrics{
			LatencyMs:        resp.LatencyMs,
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
		},
	}
}
