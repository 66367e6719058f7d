// Package policy admits or denies relay configurations with OPA.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"

	"github.com/af-corp/llm-relay/internal/config"
	"github.com/af-corp/llm-relay/internal/types"
)

const query = "[data.relay.policy.allow, data.relay.policy.reason]"

// ErrDenied is returned by Admit when the policy rejects a relay.
var ErrDenied = errors.New("denied by policy")

// PolicyInput is the data sent to OPA for evaluation.
type PolicyInput struct {
	Upstream   PolicyProvider `json:"upstream"`
	Downstream PolicyProvider `json:"downstream"`
	Routing    PolicyRouting  `json:"routing"`
}

type PolicyProvider struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

type PolicyRouting struct {
	Mode string `json:"mode"`
}

// InputFor builds the policy input for a relay configuration.
func InputFor(cfg types.RelayConfig) PolicyInput {
	return PolicyInput{
		Upstream:   PolicyProvider{Provider: string(cfg.Upstream.Provider), Model: cfg.Upstream.Model},
		Downstream: PolicyProvider{Provider: string(cfg.Downstream.Provider), Model: cfg.Downstream.Model},
		Routing:    PolicyRouting{Mode: string(cfg.Routing.Mode)},
	}
}

// Evaluator evaluates the relay admission policy.
type Evaluator struct {
	mu       sync.RWMutex
	prepared *rego.PreparedEvalQuery
	cfg      func() config.PolicyConfig
}

// NewEvaluator creates a policy evaluator. Call Load() to compile policies.
func NewEvaluator(cfg func() config.PolicyConfig) *Evaluator {
	return &Evaluator{cfg: cfg}
}

func (e *Evaluator) Enabled() bool { return e.cfg().Enabled }

// Load compiles Rego modules from the bundle path.
func (e *Evaluator) Load() error {
	cfg := e.cfg()
	modules, err := LoadRegoFiles(cfg.BundlePath)
	if err != nil {
		return fmt.Errorf("load rego files: %w", err)
	}
	if len(modules) == 0 {
		slog.Warn("no rego files found", "path", cfg.BundlePath)
		return nil
	}
	if err := e.LoadFromModules(modules); err != nil {
		return err
	}
	slog.Info("opa policies loaded", "modules", len(modules))
	return nil
}

// LoadFromModules compiles policies from provided module sources.
func (e *Evaluator) LoadFromModules(modules map[string]string) error {
	opts := []func(*rego.Rego){rego.Query(query)}
	for name, src := range modules {
		opts = append(opts, rego.Module(name, src))
	}

	prepared, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("prepare rego: %w", err)
	}

	e.mu.Lock()
	e.prepared = &prepared
	e.mu.Unlock()
	return nil
}

// Evaluate runs the policy against the given input.
func (e *Evaluator) Evaluate(ctx context.Context, input PolicyInput) (bool, string, error) {
	e.mu.RLock()
	prepared := e.prepared
	e.mu.RUnlock()

	if prepared == nil {
		// fail closed
		return false, "no policies loaded", nil
	}

	timeout := e.cfg().EvaluationTimeout
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}

	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results, err := prepared.Eval(evalCtx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Sprintf("policy evaluation error: %v", err), err
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, "no policy result", nil
	}

	// [allow, reason]
	arr, ok := results[0].Expressions[0].Value.([]any)
	if !ok || len(arr) < 2 {
		return false, "unexpected policy result format", nil
	}

	allowed, _ := arr[0].(bool)
	reason, _ := arr[1].(string)

	return allowed, reason, nil
}

// Admit returns nil when cfg may run. A disabled evaluator admits everything.
func (e *Evaluator) Admit(ctx context.Context, cfg types.RelayConfig) error {
	if e == nil || !e.Enabled() {
		return nil
	}

	allowed, reason, err := e.Evaluate(ctx, InputFor(cfg))
	if err != nil {
		slog.Error("policy evaluation failed", "error", err)
		return fmt.Errorf("%w: evaluation failed: %v", ErrDenied, err)
	}
	if !allowed {
		if reason == "" {
			reason = "no reason given"
		}
		return fmt.Errorf("%w: %s", ErrDenied, reason)
	}
	return nil
}
