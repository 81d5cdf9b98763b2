package gate

import (
	"go.uber.org/zap"

	"taskwarden/internal/types"
)

// PrincipleRule is one collaboration principle. Violates returns true when
// the task breaches it.
type PrincipleRule struct {
	Principle string
	Detail    string
	Violates  func(task types.TaskDescription) bool
}

// PrincipleChecker reports every breached principle, not just the first;
// the lifecycle shows the full list to whoever fixes the task.
type PrincipleChecker struct {
	rules  []PrincipleRule
	logger *zap.Logger
}

// NewPrincipleChecker builds a checker over the given rules.
func NewPrincipleChecker(rules []PrincipleRule, logger *zap.Logger) *PrincipleChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrincipleChecker{rules: rules, logger: logger}
}

// DefaultPrincipleChecker returns a checker with the standard rules.
func DefaultPrincipleChecker(logger *zap.Logger) *PrincipleChecker {
	return NewPrincipleChecker(DefaultPrinciples(), logger)
}

// DefaultPrinciples returns the standard collaboration rules. They key off
// task labels so a task can be fixed by relabeling or restating it.
func DefaultPrinciples() []PrincipleRule {
	return []PrincipleRule{
		{
			Principle: "human_in_the_loop",
			Detail:    "task opts out of human review",
			Violates:  func(t types.TaskDescription) bool { return t.HasLabel("no-review") },
		},
		{
			Principle: "bounded_autonomy",
			Detail:    "task requests unsupervised execution",
			Violates:  func(t types.TaskDescription) bool { return t.HasLabel("unsupervised") },
		},
		{
			Principle: "no_hidden_work",
			Detail:    "task asks for undisclosed changes",
			Violates:  func(t types.TaskDescription) bool { return t.HasLabel("undisclosed") },
		},
	}
}

// Check evaluates every rule and returns the violations.
func (p *PrincipleChecker) Check(task types.TaskDescription) []types.GateViolation {
	var violations []types.GateViolation
	for _, r := range p.rules {
		if r.Violates(task) {
			violations = append(violations, types.GateViolation{
				Principle: r.Principle,
				Detail:    r.Detail,
			})
		}
	}
	if len(violations) > 0 {
		p.logger.Warn("collaboration principles violated",
			zap.Int("count", len(violations)))
	}
	return violations
}
