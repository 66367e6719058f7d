package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/af-corp/llm-relay/internal/config"
	"github.com/af-corp/llm-relay/internal/httputil"
	"github.com/af-corp/llm-relay/internal/policy"
	"github.com/af-corp/llm-relay/internal/relay"
	"github.com/af-corp/llm-relay/internal/telemetry"
	"github.com/af-corp/llm-relay/internal/types"
)

// Relayer runs one relay execution.
type Relayer interface {
	Relay(ctx context.Context, in types.Input, cfg types.RelayConfig) (*types.Output, error)
}

// Admitter decides whether a relay configuration may run.
type Admitter interface {
	Admit(ctx context.Context, cfg types.RelayConfig) error
}

// Handler holds dependencies for the relay HTTP handlers.
type Handler struct {
	engine  Relayer
	policy  Admitter
	cfg     func() *config.Config
	metrics *telemetry.Metrics
}

// NewHandler builds the handler. policy and metrics may be nil.
func NewHandler(engine Relayer, policy Admitter, cfg func() *config.Config, metrics *telemetry.Metrics) *Handler {
	return &Handler{
		engine:  engine,
		policy:  policy,
		cfg:     cfg,
		metrics: metrics,
	}
}

// RelayRequest is the body of POST /v1/relay. Config is optional and
// partial; it is overlaid onto the configured defaults.
type RelayRequest struct {
	Input  types.Input     `json:"input"`
	Config json.RawMessage `json:"config,omitempty"`
}

// BatchRequest is the body of POST /v1/relay/batch.
type BatchRequest struct {
	Items  []types.Input   `json:"items"`
	Config json.RawMessage `json:"config,omitempty"`
}

type BatchResponse struct {
	Items []BatchItem `json:"items"`
}

// BatchItem is either a relay output or an error message.
type BatchItem struct {
	*types.Output
	Error string `json:"error,omitempty"`
}

// Relay handles POST /v1/relay
func (h *Handler) Relay(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	var req RelayRequest
	if !h.decodeBody(w, r, reqID, &req) {
		return
	}

	relayCfg, ok := h.admit(w, r, reqID, req.Config)
	if !ok {
		return
	}

	out, err := h.engine.Relay(r.Context(), req.Input, relayCfg)
	if err != nil {
		h.writeRelayError(w, reqID, err)
		return
	}
	httputil.WriteJSON(w, reqID, out)
}

// Batch handles POST /v1/relay/batch. Items run one after another with the
// same configuration; a failed item does not stop the batch.
func (h *Handler) Batch(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	var req BatchRequest
	if !h.decodeBody(w, r, reqID, &req) {
		return
	}
	if len(req.Items) == 0 {
		httputil.WriteBadRequestError(w, reqID, "items is required")
		return
	}
	if limit := h.cfg().Server.MaxBatchItems; limit > 0 && len(req.Items) > limit {
		httputil.WriteBadRequestError(w, reqID, fmt.Sprintf("batch has %d items, limit is %d", len(req.Items), limit))
		return
	}

	relayCfg, ok := h.admit(w, r, reqID, req.Config)
	if !ok {
		return
	}

	resp := BatchResponse{Items: make([]BatchItem, 0, len(req.Items))}
	for i, in := range req.Items {
		if err := r.Context().Err(); err != nil {
			resp.Items = append(resp.Items, BatchItem{Error: err.Error()})
			continue
		}
		out, err := h.engine.Relay(r.Context(), in, relayCfg)
		if err != nil {
			slog.Warn("batch item failed", "request_id", reqID, "item", i, "error", err)
			resp.Items = append(resp.Items, BatchItem{Error: err.Error()})
			continue
		}
		resp.Items = append(resp.Items, BatchItem{Output: out})
	}
	httputil.WriteJSON(w, reqID, resp)
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, reqID string, dest any) bool {
	defer r.Body.Close()

	var body io.Reader = r.Body
	if limit := h.cfg().Server.MaxBodyBytes; limit > 0 {
		body = http.MaxBytesReader(w, r.Body, limit)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, "Failed to read request body")
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return false
	}
	return true
}

// admit resolves the effective relay config and runs it past the policy.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request, reqID string, raw json.RawMessage) (types.RelayConfig, bool) {
	relayCfg, err := h.relayConfig(raw)
	if err != nil {
		httputil.WriteInvalidConfigError(w, reqID, err.Error())
		return types.RelayConfig{}, false
	}

	if h.policy != nil {
		if err := h.policy.Admit(r.Context(), relayCfg); err != nil {
			slog.Warn("relay denied by policy",
				"request_id", reqID,
				"upstream", relayCfg.Upstream.Provider,
				"downstream", relayCfg.Downstream.Provider,
				"error", err,
			)
			h.metrics.RecordPolicyDenied()
			httputil.WritePolicyDeniedError(w, reqID, err.Error())
			return types.RelayConfig{}, false
		}
	}
	return relayCfg, true
}

// relayConfig overlays raw onto a copy of the configured defaults.
func (h *Handler) relayConfig(raw json.RawMessage) (types.RelayConfig, error) {
	relayCfg := h.cfg().Relay
	if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		if err := json.Unmarshal(raw, &relayCfg); err != nil {
			return types.RelayConfig{}, fmt.Errorf("%w: %v", types.ErrInvalidConfig, err)
		}
	}
	if err := relayCfg.Validate(); err != nil {
		return types.RelayConfig{}, err
	}
	return relayCfg, nil
}

func (h *Handler) writeRelayError(w http.ResponseWriter, reqID string, err error) {
	var callErr *relay.CallError
	switch {
	case errors.As(err, &callErr):
		slog.Error("relay failed",
			"request_id", reqID,
			"phase", callErr.Phase,
			"provider", callErr.Provider,
			"error", err,
		)
		httputil.WriteProviderError(w, reqID, err.Error())
	case errors.Is(err, types.ErrInvalidConfig):
		httputil.WriteInvalidConfigError(w, reqID, err.Error())
	case errors.Is(err, policy.ErrDenied):
		httputil.WritePolicyDeniedError(w, reqID, err.Error())
	default:
		slog.Error("relay failed", "request_id", reqID, "error", err)
		httputil.WriteInternalError(w, reqID, err.Error())
	}
}
