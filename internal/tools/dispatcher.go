package tools

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/chatrelay/internal/domain"
	"github.com/xiaot623/chatrelay/internal/policy"
)

// Evaluator decides whether a tool call may run.
type Evaluator interface {
	Evaluate(ctx context.Context, input policy.Input) (policy.Decision, error)
}

// Dispatcher resolves a batch of tool calls into exactly one output per call.
type Dispatcher struct {
	registry    *Registry
	policy      Evaluator
	parallelism int
	timeout     time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPolicy gates every call through ev.
func WithPolicy(ev Evaluator) Option {
	return func(d *Dispatcher) { d.policy = ev }
}

// WithParallelism caps concurrently running executors per batch.
func WithParallelism(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.parallelism = n
		}
	}
}

// WithTimeout bounds each executor call. Zero disables the bound.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{registry: registry, parallelism: 1}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ErrorOutput renders a failure as the text the assistant receives.
func ErrorOutput(err error) string {
	return "error: " + err.Error()
}

// Dispatch resolves calls. The result has one entry per call carrying the
// call's id, in the same order as calls. Failures never abort the batch:
// they become error outputs for the failing call.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []domain.ToolCall, meta domain.Metadata) []domain.ToolOutput {
	outputs := make([]domain.ToolOutput, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.parallelism)
	for i, call := range calls {
		i, call := i, call
		outputs[i].ToolCallID = call.ID
		g.Go(func() error {
			outputs[i].Output = d.resolve(gctx, call, meta)
			return nil
		})
	}
	_ = g.Wait()
	return outputs
}

func (d *Dispatcher) resolve(ctx context.Context, call domain.ToolCall, meta domain.Metadata) (output string) {
	logger := log.With().
		Str("component", "tools").
		Str("tool_call_id", call.ID).
		Str("function", call.Function).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("tool executor panicked")
			output = ErrorOutput(errors.Errorf("tool %s failed unexpectedly", call.Function))
		}
	}()

	exec, ok := d.registry.Lookup(call.Function)
	if !ok {
		logger.Warn().Msg("unknown tool function")
		return ErrorOutput(errors.Errorf("unknown function %q", call.Function))
	}

	args, parsed, err := parseArguments(call.Arguments)
	if err != nil {
		logger.Warn().Err(err).Msg("malformed tool arguments")
		return ErrorOutput(err)
	}

	if d.policy != nil {
		decision, err := d.policy.Evaluate(ctx, policy.Input{ToolName: call.Function, Args: parsed, Metadata: meta})
		if err != nil {
			logger.Error().Err(err).Msg("policy evaluation failed")
			return ErrorOutput(err)
		}
		if !decision.Allowed() {
			reason := decision.Reason
			if reason == "" {
				reason = "blocked by policy"
			}
			logger.Info().Str("reason", reason).Msg("tool call blocked")
			return ErrorOutput(errors.Errorf("tool %s blocked: %s", call.Function, reason))
		}
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := exec(ctx, args, meta)
	if err != nil {
		err = domain.ToolError(err)
		logger.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("tool call failed")
		return ErrorOutput(err)
	}
	logger.Debug().Dur("elapsed", time.Since(start)).Int("output_len", len(out)).Msg("tool call resolved")
	return out
}

// parseArguments validates that raw is a JSON object. An empty string is
// treated as no arguments.
func parseArguments(raw string) (json.RawMessage, map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, nil, errors.Wrap(err, "invalid tool arguments")
	}
	return json.RawMessage(raw), parsed, nil
}
