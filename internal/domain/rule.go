package domain

// RuleConfig defines an alert rule as a CEL expression.
type RuleConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression; must evaluate to bool.
	Expression string `json:"expression"`

	// Reason attached to alerts produced by this rule.
	Reason string `json:"reason"`

	// Lower values are evaluated first. Built-in rules use 10, 20, 30;
	// configured rules must use CustomRulePriorityMin or above.
	Priority int `json:"priority"`

	// Whether rule is active
	Enabled bool `json:"enabled"`
}

// CustomRulePriorityMin keeps configured rules behind the built-in rules.
const CustomRulePriorityMin = 100

// Built-in rule IDs.
const (
	RuleForeignCity         = "foreign-city"
	RuleHighReconstruction  = "high-reconstruction-error"
	RuleExtremeAmountOrDist = "extreme-amount-or-distance"
)
