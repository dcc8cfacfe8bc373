// Package rules provides the CEL-Go based fraud rule engine.
package rules

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/vigil/internal/domain"
)

// Engine compiles fraud policies into CEL programs and evaluates them.
// Compiled policies are immutable and safe for concurrent use.
type Engine struct {
	env        *cel.Env
	maxWorkers int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  domain.RuleConfig
	Program cel.Program
}

// Policy is a compiled fraud policy: enabled rules in evaluation order.
type Policy struct {
	Config domain.FraudPolicy
	Rules  []*CompiledRule
}

// NewEngine creates a new rule evaluation engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("session", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("verification_score", cel.DoubleType),
		cel.Variable("liveness_score", cel.DoubleType),
		cel.Variable("device_trust_score", cel.DoubleType),
		cel.Variable("location_consistency_score", cel.DoubleType),
		cel.Variable("device_failures", cel.IntType),
		cel.Variable("attempt_count", cel.IntType),
		cel.Variable("call_site", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:        env,
		maxWorkers: maxWorkers,
	}, nil
}

// ValidateRule compiles a rule without keeping it.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("%w: rule config is required", domain.ErrPolicyConfiguration)
	}
	_, err := e.compileRule(*cfg)
	return err
}

// Compile validates a fraud policy and compiles its enabled rules. Rules
// are ordered by Order, ties broken by ID, so evaluation is deterministic
// regardless of how the policy was written.
func (e *Engine) Compile(cfg domain.FraudPolicy) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	enabled := make([]domain.RuleConfig, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool {
		if enabled[i].Order != enabled[j].Order {
			return enabled[i].Order < enabled[j].Order
		}
		return enabled[i].ID < enabled[j].ID
	})

	p := &Policy{Config: cfg, Rules: make([]*CompiledRule, 0, len(enabled))}
	for _, r := range enabled {
		compiled, err := e.compileRule(r)
		if err != nil {
			return nil, err
		}
		p.Rules = append(p.Rules, compiled)
	}
	return p, nil
}

// Input holds the session data a policy is evaluated against.
type Input struct {
	Scores         domain.SessionScores
	DeviceFailures int64
	AttemptCount   int
	CallSite       string
}

// InputFrom converts a recorded decision input.
func InputFrom(d domain.DecisionInput) *Input {
	return &Input{
		Scores:         d.Scores,
		DeviceFailures: d.DeviceFailures,
		AttemptCount:   d.AttemptCount,
		CallSite:       d.CallSite,
	}
}

// Evaluate runs every rule of the policy. Results come back in rule order
// whatever order the workers finish in.
func (e *Engine) Evaluate(ctx context.Context, p *Policy, input *Input) []domain.RuleResult {
	if p == nil || len(p.Rules) == 0 {
		return nil
	}

	activation := map[string]any{
		"session": map[string]any{
			"verification_score":         input.Scores.Verification,
			"liveness_score":             input.Scores.Liveness,
			"device_trust_score":         input.Scores.DeviceTrust,
			"location_consistency_score": input.Scores.LocationConsistency,
			"device_failures":            input.DeviceFailures,
			"attempt_count":              int64(input.AttemptCount),
			"call_site":                  input.CallSite,
		},
		"verification_score":         input.Scores.Verification,
		"liveness_score":             input.Scores.Liveness,
		"device_trust_score":         input.Scores.DeviceTrust,
		"location_consistency_score": input.Scores.LocationConsistency,
		"device_failures":            input.DeviceFailures,
		"attempt_count":              int64(input.AttemptCount),
		"call_site":                  input.CallSite,
	}

	results := make([]domain.RuleResult, len(p.Rules))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range p.Rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			results[idx] = evaluateRule(r, activation)
		}(i, rule)
	}

	wg.Wait()

	return results
}

// evaluateRule evaluates a single rule. A rule that fails at runtime counts
// as maximum risk: force rules fire and penalties contribute their full
// weight.
func evaluateRule(rule *CompiledRule, activation map[string]any) domain.RuleResult {
	result := domain.RuleResult{
		RuleID: rule.Config.ID,
		Effect: rule.Config.Effect,
	}

	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		result.Error = fmt.Sprintf("evaluation error: %v", err)
		result.Score = 1
	} else {
		result.Score = toScore(out)
	}

	switch rule.Config.Effect {
	case domain.EffectForce:
		result.Fired = result.Score >= 1
	case domain.EffectPenalty:
		result.Weight = rule.Config.Weight
		result.Contribution = clamp01(result.Score) * rule.Config.Weight
	}
	return result
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		if math.IsNaN(float64(v)) {
			return 1.0
		}
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func (e *Engine) compileRule(cfg domain.RuleConfig) (*CompiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile rule %s: %v", domain.ErrPolicyConfiguration, cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("%w: rule %s: expression must return bool, int, or double, got %s",
			domain.ErrPolicyConfiguration, cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create program for rule %s: %v", domain.ErrPolicyConfiguration, cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
