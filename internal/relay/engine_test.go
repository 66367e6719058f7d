package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/af-corp/llm-relay/internal/credentials"
	"github.com/af-corp/llm-relay/internal/provider"
	"github.com/af-corp/llm-relay/internal/telemetry"
	"github.com/af-corp/llm-relay/internal/types"
)

// fakeClient implements provider.ChatClient for testing.
type fakeClient struct {
	name  string
	resp  *types.ChatResponse
	err   error
	calls []provider.ChatRequest
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) Chat(_ context.Context, req provider.ChatRequest) (*types.ChatResponse, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func testCreds() credentials.Store {
	return credentials.NewStaticStore(map[string]credentials.Credential{
		"openAiApi":    {APIKey: "a"},
		"openAiCompat": {APIKey: "b", BaseURL: "https://cred.example.com"},
	})
}

func baseConfig() types.RelayConfig {
	return types.RelayConfig{
		Upstream: types.UpstreamConfig{
			Provider:     types.ProviderOpenAI,
			Model:        "gpt-test",
			UserTemplate: "{{userText}}",
			MaxTokens:    10,
			TimeoutMs:    1000,
		},
		Downstream: types.DownstreamConfig{
			Provider:  types.ProviderOpenAICompat,
			BaseURL:   "https://example.com",
			Model:     "ds-model",
			MaxTokens: 10,
			TimeoutMs: 1000,
		},
		Routing: types.RoutingConfig{
			Mode:       types.RoutingAlways,
			ScoreRegex: types.DefaultScoreRegex,
		},
	}
}

func newTestEngine(up, down *fakeClient) *Engine {
	return NewEngine(up, down, testCreds(), nil)
}

var testInput = types.Input{Vars: map[string]any{}, UserText: "hello"}

func TestRelay_AlwaysCallsBothProviders(t *testing.T) {
	up := &fakeClient{resp: &types.ChatResponse{Text: "up", LatencyMs: 1}}
	down := &fakeClient{resp: &types.ChatResponse{Text: "down", LatencyMs: 1}}

	out, err := newTestEngine(up, down).Relay(context.Background(), testInput, baseConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(up.calls) != 1 || len(down.calls) != 1 {
		t.Fatalf("expected one call each, got up=%d down=%d", len(up.calls), len(down.calls))
	}
	if out.Data == nil || out.Text != nil {
		t.Fatalf("expected structured output, got %+v", out)
	}
	if out.Data.RoutingDecision.Reason != "always" {
		t.Errorf("expected reason always, got %q", out.Data.RoutingDecision.Reason)
	}
	if got := down.calls[0].Messages; len(got) != 1 || got[0].Content != "up" {
		t.Errorf("expected downstream to receive upstream text, got %+v", got)
	}
	if out.Data.Downstream.Response.Text != "down" {
		t.Errorf("expected downstream text down, got %q", out.Data.Downstream.Response.Text)
	}
}

func TestRelay_DisabledNeverCallsDownstream(t *testing.T) {
	up := &fakeClient{resp: &types.ChatResponse{Text: "score: 10"}}
	down := &fakeClient{resp: &types.ChatResponse{Text: "down"}}

	cfg := baseConfig()
	cfg.Routing.Mode = types.RoutingDisabled

	out, err := newTestEngine(up, down).Relay(context.Background(), testInput, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(down.calls) != 0 {
		t.Errorf("expected no downstream call, got %d", len(down.calls))
	}
	if out.Data.Downstream != nil {
		t.Error("expected downstream block to be absent")
	}
	if out.Data.Upstream == nil {
		t.Error("expected upstream block to be present")
	}
	if out.Data.RoutingDecision.Reason != "routing disabled" {
		t.Errorf("expected reason routing disabled, got %q", out.Data.RoutingDecision.Reason)
	}
}

func TestRelay_TokenThreshold(t *testing.T) {
	tests := []struct {
		name     string
		tokens   *int
		wantSent bool
	}{
		{"above", intPtr(10), true},
		{"absent", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeClient{resp: &types.ChatResponse{Text: "up", CompletionTokens: tt.tokens}}
			down := &fakeClient{resp: &types.ChatResponse{Text: "down"}}

			cfg := baseConfig()
			cfg.Routing.Mode = types.RoutingIfTokenGT
			cfg.Routing.Threshold = 5

			if _, err := newTestEngine(up, down).Relay(context.Background(), testInput, cfg); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sent := len(down.calls) == 1; sent != tt.wantSent {
				t.Errorf("expected sent=%v, got %d downstream calls", tt.wantSent, len(down.calls))
			}
		})
	}
}

func TestRelay_ScoreThreshold(t *testing.T) {
	tests := []struct {
		text       string
		wantSent   bool
		wantReason string
	}{
		{"Score: 8.5", true, "score 8.5 >= 7"},
		{"no score here", false, "no score found"},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			up := &fakeClient{resp: &types.ChatResponse{Text: tt.text}}
			down := &fakeClient{resp: &types.ChatResponse{Text: "down"}}

			cfg := baseConfig()
			cfg.Routing.Mode = types.RoutingIfScoreGTE
			cfg.Routing.Threshold = 7

			out, err := newTestEngine(up, down).Relay(context.Background(), testInput, cfg)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sent := len(down.calls) == 1; sent != tt.wantSent {
				t.Errorf("expected sent=%v, got %d downstream calls", tt.wantSent, len(down.calls))
			}
			if out.Data.RoutingDecision.Reason != tt.wantReason {
				t.Errorf("expected reason %q, got %q", tt.wantReason, out.Data.RoutingDecision.Reason)
			}
		})
	}
}

func TestRelay_UpstreamNonePassesRenderedPrompt(t *testing.T) {
	up := &fakeClient{resp: &types.ChatResponse{Text: "up"}}
	down := &fakeClient{resp: &types.ChatResponse{Text: "down"}}

	cfg := baseConfig()
	cfg.Upstream.Provider = types.ProviderNone
	cfg.Upstream.UserTemplate = "Hi {{vars.name}}, re: {{userText}}"
	cfg.Routing.Mode = types.RoutingDisabled
	cfg.Downstream.SystemPrompt = "be brief"

	in := types.Input{Vars: map[string]any{"name": "Ann"}, UserText: "billing"}
	out, err := newTestEngine(up, down).Relay(context.Background(), in, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(up.calls) != 0 {
		t.Errorf("expected no upstream call, got %d", len(up.calls))
	}
	if len(down.calls) != 1 {
		t.Fatalf("expected one downstream call, got %d", len(down.calls))
	}
	msgs := down.calls[0].Messages
	if len(msgs) != 2 || msgs[0].Role != types.RoleSystem || msgs[0].Content != "be brief" {
		t.Fatalf("expected system prompt first, got %+v", msgs)
	}
	if msgs[1].Role != types.RoleUser || msgs[1].Content != "Hi Ann, re: billing" {
		t.Errorf("expected rendered user message, got %+v", msgs[1])
	}
	if out.Data.Upstream != nil {
		t.Error("expected upstream block to be absent")
	}
	if out.Data.RoutingDecision.Reason != "upstream disabled" {
		t.Errorf("expected reason upstream disabled, got %q", out.Data.RoutingDecision.Reason)
	}

	data, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal output: %v", err)
	}
	var generic map[string]map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if _, ok := generic["data"]["upstream"]; ok {
		t.Errorf("expected upstream key to be omitted, got %s", data)
	}
}

func TestRelay_EmitOnlyDownstreamText(t *testing.T) {
	tests := []struct {
		name string
		mode types.RoutingMode
		want string
	}{
		{"downstream ran", types.RoutingAlways, "down"},
		{"downstream skipped", types.RoutingDisabled, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeClient{resp: &types.ChatResponse{Text: "up", Raw: json.RawMessage(`{}`)}}
			down := &fakeClient{resp: &types.ChatResponse{Text: "down", Raw: json.RawMessage(`{}`)}}

			cfg := baseConfig()
			cfg.Routing.Mode = tt.mode
			cfg.Output.EmitOnlyDownstreamText = true
			cfg.Output.WantRawProviderResponses = true

			out, err := newTestEngine(up, down).Relay(context.Background(), testInput, cfg)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			data, _ := json.Marshal(out)
			want, _ := json.Marshal(map[string]string{"text": tt.want})
			if string(data) != string(want) {
				t.Errorf("expected %s, got %s", want, data)
			}
		})
	}
}

func TestRelay_RawPayloadRoundTrip(t *testing.T) {
	upRaw := json.RawMessage(`{"choices":[{"message":{"content":"up"}}],"extra":{"x":[1,2]}}`)
	downRaw := json.RawMessage(`{"id":"abc","choices":[]}`)
	up := &fakeClient{resp: &types.ChatResponse{Text: "up", Raw: upRaw}}
	down := &fakeClient{resp: &types.ChatResponse{Text: "down", Raw: downRaw}}

	cfg := baseConfig()
	engine := newTestEngine(up, down)

	out, err := engine.Relay(context.Background(), testInput, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Data.Raw != nil {
		t.Error("expected raw payloads to be absent by default")
	}

	cfg.Output.WantRawProviderResponses = true
	out, err = engine.Relay(context.Background(), testInput, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Data.Raw == nil {
		t.Fatal("expected raw payloads")
	}
	if string(out.Data.Raw.Upstream) != string(upRaw) {
		t.Errorf("expected upstream raw %s, got %s", upRaw, out.Data.Raw.Upstream)
	}

	data, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal output: %v", err)
	}
	var decoded struct {
		Data struct {
			Raw struct {
				Upstream   json.RawMessage `json:"upstream"`
				Downstream json.RawMessage `json:"downstream"`
			} `json:"raw"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if string(decoded.Data.Raw.Upstream) != string(upRaw) {
		t.Errorf("expected upstream raw to round-trip, got %s", decoded.Data.Raw.Upstream)
	}
	if string(decoded.Data.Raw.Downstream) != string(downRaw) {
		t.Errorf("expected downstream raw to round-trip, got %s", decoded.Data.Raw.Downstream)
	}
}

func TestRelay_CredentialsAndBaseURL(t *testing.T) {
	up := &fakeClient{resp: &types.ChatResponse{Text: "up"}}
	down := &fakeClient{resp: &types.ChatResponse{Text: "down"}}

	cfg := baseConfig()
	cfg.Upstream.ReasoningEffort = "low"
	cfg.Upstream.ResponsesAPI = true
	cfg.Downstream.BaseURL = ""

	if _, err := newTestEngine(up, down).Relay(context.Background(), testInput, cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	upReq := up.calls[0]
	if upReq.APIKey != "a" {
		t.Errorf("expected upstream api key a, got %q", upReq.APIKey)
	}
	if upReq.BaseURL != "" {
		t.Errorf("expected empty upstream base url so the client default applies, got %q", upReq.BaseURL)
	}
	if !upReq.ResponsesAPI || upReq.ReasoningEffort != "low" {
		t.Errorf("expected extended options to be passed, got %+v", upReq)
	}
	if upReq.Timeout.Milliseconds() != 1000 {
		t.Errorf("expected 1000ms timeout, got %v", upReq.Timeout)
	}
	if upReq.MaxTokens == nil || *upReq.MaxTokens != 10 {
		t.Errorf("expected max tokens 10, got %v", upReq.MaxTokens)
	}

	downReq := down.calls[0]
	if downReq.APIKey != "b" {
		t.Errorf("expected downstream api key b, got %q", downReq.APIKey)
	}
	if downReq.BaseURL != "https://cred.example.com" {
		t.Errorf("expected credential base url fallback, got %q", downReq.BaseURL)
	}
	if downReq.ResponsesAPI || downReq.ReasoningEffort != "" {
		t.Errorf("expected compatible request without extended options, got %+v", downReq)
	}
}

func TestRelay_ConfiguredBaseURLWins(t *testing.T) {
	up := &fakeClient{resp: &types.ChatResponse{Text: "up"}}
	down := &fakeClient{resp: &types.ChatResponse{Text: "down"}}

	if _, err := newTestEngine(up, down).Relay(context.Background(), testInput, baseConfig()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := down.calls[0].BaseURL; got != "https://example.com" {
		t.Errorf("expected configured base url, got %q", got)
	}
}

func TestRelay_MissingCredentialIsNotFatal(t *testing.T) {
	up := &fakeClient{resp: &types.ChatResponse{Text: "up"}}
	down := &fakeClient{resp: &types.ChatResponse{Text: "down"}}

	cfg := baseConfig()
	cfg.Downstream.Provider = types.ProviderDeepSeekCompat

	if _, err := newTestEngine(up, down).Relay(context.Background(), testInput, cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := down.calls[0].APIKey; got != "" {
		t.Errorf("expected empty api key, got %q", got)
	}
}

func TestRelay_ProviderFailurePassesErrorThrough(t *testing.T) {
	transportErr := errors.New("dial tcp: connection refused")
	up := &fakeClient{err: transportErr}
	down := &fakeClient{resp: &types.ChatResponse{Text: "down"}}

	out, err := newTestEngine(up, down).Relay(context.Background(), testInput, baseConfig())
	if out != nil {
		t.Errorf("expected no partial result, got %+v", out)
	}
	if !errors.Is(err, transportErr) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if err.Error() != transportErr.Error() {
		t.Errorf("expected message %q, got %q", transportErr.Error(), err.Error())
	}
	var callErr *CallError
	if !errors.As(err, &callErr) || callErr.Phase != "upstream" {
		t.Errorf("expected upstream CallError, got %#v", err)
	}
	if len(down.calls) != 0 {
		t.Errorf("expected no downstream call, got %d", len(down.calls))
	}
}

func TestRelay_InvalidConfig(t *testing.T) {
	up := &fakeClient{resp: &types.ChatResponse{Text: "up"}}
	down := &fakeClient{resp: &types.ChatResponse{Text: "down"}}

	cfg := baseConfig()
	cfg.Downstream.Provider = types.ProviderNone

	_, err := newTestEngine(up, down).Relay(context.Background(), testInput, cfg)
	if !errors.Is(err, types.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if len(up.calls) != 0 {
		t.Errorf("expected no calls before validation, got %d", len(up.calls))
	}
}

func TestRelay_DetailBlocks(t *testing.T) {
	finish := "stop"
	up := &fakeClient{resp: &types.ChatResponse{
		Text:             "up",
		FinishReason:     &finish,
		PromptTokens:     intPtr(3),
		CompletionTokens: intPtr(4),
		LatencyMs:        42,
	}}
	down := &fakeClient{resp: &types.ChatResponse{Text: "down", LatencyMs: 7}}

	cfg := baseConfig()
	cfg.Upstream.SystemPrompt = "sys"
	cfg.Upstream.Temperature = 0.2

	out, err := newTestEngine(up, down).Relay(context.Background(), testInput, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	u := out.Data.Upstream
	if u.Provider != types.ProviderOpenAI || u.Model != "gpt-test" {
		t.Errorf("unexpected upstream identity %s/%s", u.Provider, u.Model)
	}
	if len(u.Request.Messages) != 2 || u.Request.Messages[0].Content != "sys" {
		t.Errorf("unexpected upstream messages %+v", u.Request.Messages)
	}
	if u.Request.Params.Temperature != 0.2 || u.Request.Params.MaxTokens != 10 {
		t.Errorf("unexpected params %+v", u.Request.Params)
	}
	if u.Response.FinishReason == nil || *u.Response.FinishReason != "stop" {
		t.Errorf("expected finish reason stop, got %v", u.Response.FinishReason)
	}
	if u.Metrics.LatencyMs != 42 || *u.Metrics.PromptTokens != 3 || *u.Metrics.CompletionTokens != 4 {
		t.Errorf("unexpected upstream metrics %+v", u.Metrics)
	}

	d := out.Data.Downstream
	if d.Metrics.PromptTokens != nil || d.Metrics.CompletionTokens != nil {
		t.Errorf("expected unknown downstream tokens to stay absent, got %+v", d.Metrics)
	}
	if d.Response.FinishReason != nil {
		t.Errorf("expected absent finish reason, got %v", *d.Response.FinishReason)
	}
}

func TestRelay_RecordsMetrics(t *testing.T) {
	metrics := telemetry.NewMetricsWith(prometheus.NewRegistry())
	up := &fakeClient{resp: &types.ChatResponse{Text: "up", CompletionTokens: intPtr(5)}}
	down := &fakeClient{resp: &types.ChatResponse{Text: "down"}}

	engine := NewEngine(up, down, testCreds(), metrics)
	if _, err := engine.Relay(context.Background(), testInput, baseConfig()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var metric dto.Metric
	if err := metrics.RequestTotal.WithLabelValues("always", "openai", "openaiCompat", "true").Write(&metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if got := metric.GetCounter().GetValue(); got != 1 {
		t.Errorf("expected 1 relay recorded, got %f", got)
	}

	metric.Reset()
	if err := metrics.TokensTotal.WithLabelValues("upstream", "openai", "completion").Write(&metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if got := metric.GetCounter().GetValue(); got != 5 {
		t.Errorf("expected 5 completion tokens, got %f", got)
	}
}

func TestRelay_DispatchesByDialect(t *testing.T) {
	tests := []struct {
		kind      types.ProviderKind
		wantExt   bool
		responses bool
	}{
		{types.ProviderOpenAI, true, true},
		{types.ProviderOpenAICompat, false, false},
		{types.ProviderDeepSeekCompat, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			ext := &fakeClient{resp: &types.ChatResponse{Text: "ext"}}
			compat := &fakeClient{resp: &types.ChatResponse{Text: "compat"}}

			cfg := baseConfig()
			cfg.Upstream.Provider = types.ProviderNone
			cfg.Downstream.Provider = tt.kind
			cfg.Downstream.ResponsesAPI = true

			if _, err := NewEngine(ext, compat, testCreds(), nil).Relay(context.Background(), testInput, cfg); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			used, idle := compat, ext
			if tt.wantExt {
				used, idle = ext, compat
			}
			if len(used.calls) != 1 || len(idle.calls) != 0 {
				t.Fatalf("expected one call on the %s client, got ext=%d compat=%d", tt.kind, len(ext.calls), len(compat.calls))
			}
			if used.calls[0].ResponsesAPI != tt.responses {
				t.Errorf("expected ResponsesAPI %v, got %v", tt.responses, used.calls[0].ResponsesAPI)
			}
		})
	}
}

func TestRelay_LogsRequestID(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	up := &fakeClient{resp: &types.ChatResponse{Text: "up"}}
	down := &fakeClient{resp: &types.ChatResponse{Text: "down"}}
	ctx := ContextWithRequestID(context.Background(), "req_abc")
	if _, err := newTestEngine(up, down).Relay(ctx, testInput, baseConfig()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var line string
	for _, l := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if strings.Contains(l, `"msg":"relay completed"`) {
			line = l
		}
	}
	if line == "" {
		t.Fatalf("expected a relay completed log line, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["request_id"] != "req_abc" {
		t.Errorf("expected request_id req_abc, got %v", entry["request_id"])
	}
}
