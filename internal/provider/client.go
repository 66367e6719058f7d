// Package provider implements the chat clients for the two supported wire
// dialects. Every call runs through the retrying transport.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/af-corp/llm-relay/internal/retry"
	"github.com/af-corp/llm-relay/internal/types"
)

// Dialect is a request/response wire shape.
type Dialect int

const (
	DialectCompatible Dialect = iota // chat completions only, caller supplies the origin
	DialectExtended                  // chat completions or responses, default origin
)

func (d Dialect) String() string {
	switch d {
	case DialectCompatible:
		return "compatible"
	case DialectExtended:
		return "extended"
	default:
		return "unknown"
	}
}

// DialectOf returns the dialect a provider kind speaks. ok is false for
// ProviderNone and unknown kinds.
func DialectOf(kind types.ProviderKind) (Dialect, bool) {
	switch kind {
	case types.ProviderOpenAI:
		return DialectExtended, true
	case types.ProviderOpenAICompat, types.ProviderDeepSeekCompat:
		return DialectCompatible, true
	default:
		return 0, false
	}
}

// ChatRequest carries everything one chat call needs.
type ChatRequest struct {
	APIKey      string
	BaseURL     string
	Model       string
	Messages    []types.Message
	Temperature *float64
	MaxTokens   *int
	// Timeout bounds each attempt. Zero means no deadline.
	Timeout time.Duration

	// Extended dialect only.
	ResponsesAPI    bool
	ReasoningEffort string
}

// ChatClient sends one chat request and returns the parsed response.
type ChatClient interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (*types.ChatResponse, error)
}

// RetryObserver is told about every retried attempt.
type RetryObserver interface {
	RecordRetry(provider string)
}

// transport is the HTTP and retry plumbing shared by both clients.
type transport struct {
	name     string
	client   *http.Client
	retrier  atomic.Pointer[retry.Retrier]
	observer RetryObserver
}

func newTransport(name string, client *http.Client, retrier *retry.Retrier) *transport {
	if client == nil {
		client = &http.Client{}
	}
	t := &transport{name: name, client: client}
	t.SetRetrier(retrier)
	return t
}

func (t *transport) Name() string { return t.name }

// SetRetrier swaps the retry policy used by calls that start afterwards.
// A nil r restores the defaults.
func (t *transport) SetRetrier(r *retry.Retrier) {
	if r == nil {
		r = retry.New(retry.DefaultOptions(), nil)
	}
	t.retrier.Store(r)
}

// SetRetryObserver registers o to be told about retries. Call it before the
// client is shared.
func (t *transport) SetRetryObserver(o RetryObserver) { t.observer = o }

func (t *transport) retrierFor(timeout time.Duration) *retry.Retrier {
	return t.retrier.Load().WithTimeout(timeout).WithNotify(func(attempt int, err error, delay time.Duration) {
		slog.Warn("provider call failed, retrying",
			"provider", t.name,
			"attempt", attempt,
			"delay_ms", delay.Milliseconds(),
			"error", err,
		)
		if t.observer != nil {
			t.observer.RecordRetry(t.name)
		}
	})
}

// chat marshals payload once and posts it to url under the retry policy.
// decode turns each reply body into a response.
func (t *transport) chat(ctx context.Context, url string, req ChatRequest, payload any, decode func([]byte) *types.ChatResponse) (*types.ChatResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", t.name, err)
	}

	return retry.Do(ctx, t.retrierFor(req.Timeout), func(ctx context.Context, attempt int) (*types.ChatResponse, error) {
		start := time.Now()
		data, err := t.post(ctx, url, req.APIKey, body)
		if err != nil {
			return nil, err
		}
		resp := decode(data)
		resp.Raw = json.RawMessage(data)
		resp.LatencyMs = time.Since(start).Milliseconds()
		return resp, nil
	})
}

// post sends body to url and returns the reply bytes. The only failures are
// the network and a reply that is not JSON; status codes are not inspected.
func (t *transport) post(ctx context.Context, url, apiKey string, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", t.name, err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("parse %s response (status %d): body is not JSON", t.name, resp.StatusCode)
	}
	return data, nil
}

func trimBaseURL(baseURL string) string {
	return strings.TrimSuffix(baseURL, "/")
}
