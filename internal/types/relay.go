package types

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is returned by RelayConfig.Validate.
var ErrInvalidConfig = errors.New("invalid relay config")

// RoutingMode decides whether the downstream call runs.
type RoutingMode string

const (
	RoutingAlways     RoutingMode = "always"
	RoutingIfTokenGT  RoutingMode = "if_token_gt"
	RoutingIfScoreGTE RoutingMode = "if_score_gte"
	RoutingDisabled   RoutingMode = "disabled"
)

const (
	DefaultUserTemplate = "{{userText}}"
	DefaultScoreRegex   = `score\s*[:=]\s*(\d+(?:\.\d+)?)`
)

// RelayConfig groups the four configuration blocks of one relay execution.
type RelayConfig struct {
	Upstream   UpstreamConfig   `json:"upstream" yaml:"upstream"`
	Downstream DownstreamConfig `json:"downstream" yaml:"downstream"`
	Routing    RoutingConfig    `json:"routing" yaml:"routing"`
	Output     OutputConfig     `json:"output" yaml:"output"`
}

type UpstreamConfig struct {
	Provider        ProviderKind `json:"provider" yaml:"provider"`
	Model           string       `json:"model" yaml:"model"`
	SystemPrompt    string       `json:"systemPrompt" yaml:"system_prompt"`
	UserTemplate    string       `json:"userTemplate" yaml:"user_template"`
	Temperature     float64      `json:"temperature" yaml:"temperature"`
	MaxTokens       int          `json:"maxTokens" yaml:"max_tokens"`
	TimeoutMs       int          `json:"timeoutMs" yaml:"timeout_ms"`
	ReasoningEffort string       `json:"reasoningEffort" yaml:"reasoning_effort"`
	ResponsesAPI    bool         `json:"responsesApi" yaml:"responses_api"`
}

type DownstreamConfig struct {
	Provider     ProviderKind `json:"provider" yaml:"provider"`
	BaseURL      string       `json:"baseURL" yaml:"base_url"`
	Model        string       `json:"model" yaml:"model"`
	SystemPrompt string       `json:"downstreamSystemPrompt" yaml:"system_prompt"`
	Temperature  float64      `json:"temperature" yaml:"temperature"`
	MaxTokens    int          `json:"maxTokens" yaml:"max_tokens"`
	TimeoutMs    int          `json:"timeoutMs" yaml:"timeout_ms"`
	ResponsesAPI bool         `json:"responsesApi" yaml:"responses_api"`
}

type RoutingConfig struct {
	Mode       RoutingMode `json:"mode" yaml:"mode"`
	Threshold  float64     `json:"threshold" yaml:"threshold"`
	ScoreRegex string      `json:"scoreRegex" yaml:"score_regex"`
}

type OutputConfig struct {
	WantRawProviderResponses bool `json:"wantRawProviderResponses" yaml:"want_raw_provider_responses"`
	EmitOnlyDownstreamText   bool `json:"emitOnlyDownstreamText" yaml:"emit_only_downstream_text"`
}

// DefaultRelayConfig mirrors the defaults a host shows for an unconfigured relay.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Upstream: UpstreamConfig{
			Provider:     ProviderOpenAI,
			UserTemplate: DefaultUserTemplate,
			Temperature:  1,
			MaxTokens:    1024,
			TimeoutMs:    60000,
		},
		Downstream: DownstreamConfig{
			Provider:    ProviderOpenAI,
			Temperature: 1,
			MaxTokens:   1024,
			TimeoutMs:   60000,
		},
		Routing: RoutingConfig{
			Mode:       RoutingAlways,
			ScoreRegex: DefaultScoreRegex,
		},
	}
}

var reasoningEfforts = map[string]bool{"": true, "minimal": true, "low": true, "medium": true, "high": true}

// Validate rejects configurations the engine cannot execute.
func (c RelayConfig) Validate() error {
	if _, ok := ParseProviderKind(string(c.Upstream.Provider)); !ok {
		return fmt.Errorf("%w: unknown upstream provider %q", ErrInvalidConfig, c.Upstream.Provider)
	}
	if _, ok := ParseProviderKind(string(c.Downstream.Provider)); !ok || c.Downstream.Provider == ProviderNone {
		return fmt.Errorf("%w: unknown downstream provider %q", ErrInvalidConfig, c.Downstream.Provider)
	}
	switch c.Routing.Mode {
	case RoutingAlways, RoutingIfTokenGT, RoutingIfScoreGTE, RoutingDisabled:
	default:
		return fmt.Errorf("%w: unknown routing mode %q", ErrInvalidConfig, c.Routing.Mode)
	}
	if !reasoningEfforts[c.Upstream.ReasoningEffort] {
		return fmt.Errorf("%w: unknown reasoning effort %q", ErrInvalidConfig, c.Upstream.ReasoningEffort)
	}
	if c.Upstream.TimeoutMs < 0 || c.Downstream.TimeoutMs < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidConfig)
	}
	return nil
}
