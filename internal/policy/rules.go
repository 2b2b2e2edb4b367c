package policy

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrInvalidRule is returned for rules that fail validation or compilation.
var ErrInvalidRule = errors.New("invalid rule")

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// BuiltinRules returns the fixed detection rules in priority order.
func BuiltinRules() []*domain.RuleConfig {
	return []*domain.RuleConfig{
		{
			ID:          domain.RuleForeignCity,
			Name:        "Foreign City",
			Description: "Transaction city differs from the primary city or is on the foreign list",
			Version:     "1.0.0",
			Expression:  "is_foreign == 1.0",
			Reason:      domain.ReasonForeignCity,
			Priority:    10,
			Enabled:     true,
		},
		{
			ID:          domain.RuleHighReconstruction,
			Name:        "High Reconstruction Error",
			Description: "Reconstruction error above the batch threshold",
			Version:     "1.0.0",
			Expression:  "reconstruction_error > threshold",
			Reason:      domain.ReasonHighReconstruction,
			Priority:    20,
			Enabled:     true,
		},
		{
			ID:          domain.RuleExtremeAmountOrDist,
			Name:        "Extreme Amount or Distance",
			Description: "Amount or distance above mean plus extreme_sigma standard deviations",
			Version:     "1.0.0",
			Expression:  "amount > mean_amount + extreme_sigma * std_amount || distance > mean_distance + extreme_sigma * std_distance",
			Reason:      domain.ReasonExtremeAmountOrDist,
			Priority:    30,
			Enabled:     true,
		},
	}
}

// newEnv declares the variables available to rule expressions.
func newEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("client_id", cel.IntType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("distance", cel.DoubleType),
		cel.Variable("city", cel.StringType),
		cel.Variable("primary_city", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("day_of_week", cel.IntType),
		cel.Variable("is_foreign", cel.DoubleType),
		cel.Variable("normalized_amount", cel.DoubleType),
		cel.Variable("normalized_distance", cel.DoubleType),
		cel.Variable("mean_amount", cel.DoubleType),
		cel.Variable("std_amount", cel.DoubleType),
		cel.Variable("mean_distance", cel.DoubleType),
		cel.Variable("std_distance", cel.DoubleType),
		cel.Variable("reconstruction_error", cel.DoubleType),
		cel.Variable("threshold", cel.DoubleType),
		cel.Variable("extreme_sigma", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

func compileRule(env *cel.Env, cfg *domain.RuleConfig) (*CompiledRule, error) {
	ast, issues := env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile rule %s: %v", ErrInvalidRule, cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: rule %s: expression must return bool, got %s", ErrInvalidRule, cfg.ID, ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create program for rule %s: %v", ErrInvalidRule, cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}

// validateCustom checks the fields a configured rule must carry.
func validateCustom(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("%w: rule config is required", ErrInvalidRule)
	}
	if cfg.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidRule)
	}
	if cfg.Expression == "" {
		return fmt.Errorf("%w: rule %s: expression is required", ErrInvalidRule, cfg.ID)
	}
	if cfg.Reason == "" {
		return fmt.Errorf("%w: rule %s: reason is required", ErrInvalidRule, cfg.ID)
	}
	if cfg.Priority < domain.CustomRulePriorityMin {
		return fmt.Errorf("%w: rule %s: priority %d is below %d", ErrInvalidRule, cfg.ID, cfg.Priority, domain.CustomRulePriorityMin)
	}
	for _, b := range BuiltinRules() {
		if b.ID == cfg.ID {
			return fmt.Errorf("%w: rule id %s is reserved", ErrInvalidRule, cfg.ID)
		}
	}
	return nil
}

// sortRules orders by priority, then id.
func sortRules(rules []*CompiledRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i].Config, rules[j].Config
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
}
