package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Outcome is the policy verdict for one plan step.
type Outcome string

const (
	OutcomeAllow           Outcome = "allow"
	OutcomeRequireApproval Outcome = "require_approval"
	OutcomeBlock           Outcome = "block"
)

// Decision is the evaluated policy result.
type Decision struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

// StepInput is the document the policy sees for a step about to run.
type StepInput struct {
	RunID      string            `json:"run_id"`
	Action     string            `json:"action"`
	Step       string            `json:"step"`
	Adapter    string            `json:"adapter"`
	SideEffect bool              `json:"side_effect"`
	Entities   map[string]string `json:"entities"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.step_policy.decision"),
		rego.Module("step_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate checks whether a step may run, needs sign-off, or is refused.
func (e *Engine) Evaluate(ctx context.Context, input StepInput) (Decision, error) {
	if input.Entities == nil {
		input.Entities = map[string]string{}
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// The policy is expected to define a default.
		return Decision{Outcome: OutcomeAllow, Reason: "default"}, nil
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case string:
		return normalize(Decision{Outcome: Outcome(v)})
	case map[string]interface{}:
		d := Decision{}
		if s, ok := v["outcome"].(string); ok {
			d.Outcome = Outcome(s)
		}
		if s, ok := v["reason"].(string); ok {
			d.Reason = s
		}
		return normalize(d)
	}
	return Decision{}, fmt.Errorf("unexpected policy result type %T", results[0].Expressions[0].Value)
}

func normalize(d Decision) (Decision, error) {
	switch d.Outcome {
	case OutcomeAllow, OutcomeRequireApproval, OutcomeBlock:
		return d, nil
	}
	return Decision{}, fmt.Errorf("unknown policy outcome %q", d.Outcome)
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package step_policy

default decision = {"outcome": "allow", "reason": ""}

# A reminder needs someone to send it to.
decision = {"outcome": "block", "reason": "reminder has no vendor or invoice to target"} {
	unaddressed_reminder
}

# Anything that creates or sends an external artifact waits for sign-off.
decision = {"outcome": "require_approval", "reason": "step has external side effects"} {
	input.side_effect
	not unaddressed_reminder
}

unaddressed_reminder {
	input.adapter == "send_reminder"
	object.get(input.entities, "vendor", "") == ""
	object.get(input.entities, "invoiceId", "") == ""
}
`
