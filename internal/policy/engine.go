// Package policy decides whether a requested tool call may run, using an
// OPA rego module.
package policy

import (
	"context"
	"os"

	"github.com/open-policy-agent/opa/rego"
	"github.com/pkg/errors"
)

// Decisions a policy can return.
const (
	Allow = "allow"
	Block = "block"
)

// Input is the document the policy evaluates.
type Input struct {
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args"`
	Metadata map[string]any `json:"metadata"`
}

// Decision is the outcome for one tool call.
type Decision struct {
	Decision string
	Reason   string
}

// Allowed reports whether the call may proceed.
func (d Decision) Allowed() bool { return d.Decision != Block }

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine compiles policyContent, which must define data.tool_policy.decision.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.tool_policy.decision"),
		rego.Module("tool_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare rego")
	}
	return &Engine{query: query}, nil
}

// LoadEngine compiles the policy at path, or DefaultPolicy when path is empty.
func LoadEngine(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read policy %s", path)
	}
	return NewEngine(ctx, string(content))
}

// Evaluate checks the tool policy. The rule may yield a bare decision string
// or an object {"decision": ..., "reason": ...}.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, errors.Wrap(err, "failed to evaluate policy")
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Decision: Allow, Reason: "no decision"}, nil
	}

	switch val := results[0].Expressions[0].Value.(type) {
	case string:
		return Decision{Decision: val}, nil
	case map[string]any:
		d := Decision{Decision: Allow}
		if s, ok := val["decision"].(string); ok {
			d.Decision = s
		}
		if s, ok := val["reason"].(string); ok {
			d.Reason = s
		}
		return d, nil
	}
	return Decision{Decision: Allow, Reason: "unexpected return type"}, nil
}

// DefaultPolicy allows every tool except a bookings query with no traveller
// email to search for.
const DefaultPolicy = `
package tool_policy

import rego.v1

default decision := "allow"

decision := {"decision": "block", "reason": "no traveller email available"} if {
	input.tool_name == "get_live_bookings"
	not input.args.email
	not input.metadata.email
}
`
