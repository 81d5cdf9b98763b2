// Package classify assigns the work division for a task: who executes it
// (human or model) and, for model work, which prompting technique applies.
// It is a first-match decision table, invoked by the lifecycle as an opaque
// sub-process; it never retries and has no state.
package classify

import (
	"strings"

	"go.uber.org/zap"

	"taskwarden/internal/types"
)

// Rule is one row of the decision table.
type Rule struct {
	Name      string
	Matches   func(task types.TaskDescription) bool
	Division  types.Division
	Technique string
}

// Table classifies tasks by evaluating rules in order; the first matching
// rule wins, the fallback covers everything else.
type Table struct {
	rules    []Rule
	fallback types.Classification
	logger   *zap.Logger
}

// NewTable builds a table over the given rules, kept in the given order.
func NewTable(rules []Rule, fallback types.Classification, logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Table{rules: rules, fallback: fallback, logger: logger}
}

// DefaultTable returns the standard table: judgment-heavy and sensitive work
// goes to a human, mechanical and generative work goes to a model. The
// fallback is model work with a plain prompt; the lifecycle's mandatory
// review covers misclassification in that direction.
func DefaultTable(logger *zap.Logger) *Table {
	rules := []Rule{
		{
			Name:     "explicit_human",
			Matches:  func(t types.TaskDescription) bool { return t.HasLabel("human-only") },
			Division: types.DivisionHuman,
		},
		{
			Name:     "design_judgment",
			Matches:  func(t types.TaskDescription) bool { return t.HasLabel("design-decision") || t.HasLabel("architecture") },
			Division: types.DivisionHuman,
		},
		{
			Name:     "security_sensitive",
			Matches:  func(t types.TaskDescription) bool { return t.HasLabel("security") },
			Division: types.DivisionHuman,
		},
		{
			Name:      "mechanical_transform",
			Matches:   summaryHasAny("rename", "reformat", "regenerate", "bulk"),
			Division:  types.DivisionAI,
			Technique: "few_shot",
		},
		{
			Name:      "test_authoring",
			Matches:   summaryHasAny("test", "coverage"),
			Division:  types.DivisionAI,
			Technique: "few_shot",
		},
		{
			Name:      "defect_fix",
			Matches:   summaryHasAny("fix", "bug", "regression"),
			Division:  types.DivisionAI,
			Technique: "chain_of_thought",
		},
	}
	fallback := types.Classification{Division: types.DivisionAI, Technique: "zero_shot"}
	return NewTable(rules, fallback, logger)
}

// Classify runs the table against a task.
func (t *Table) Classify(task types.TaskDescription) types.Classification {
	for _, r := range t.rules {
		if !r.Matches(task) {
			continue
		}
		c := types.Classification{Division: r.Division, Technique: r.Technique}
		t.logger.Debug("task classified",
			zap.String("rule", r.Name),
			zap.String("division", string(c.Division)),
			zap.String("technique", c.Technique))
		return c
	}
	t.logger.Debug("task classified by fallback",
		zap.String("division", string(t.fallback.Division)),
		zap.String("technique", t.fallback.Technique))
	return t.fallback
}

func summaryHasAny(words ...string) func(types.TaskDescription) bool {
	return func(t types.TaskDescription) bool {
		summary := strings.ToLower(t.Summary)
		for _, w := range words {
			if strings.Contains(summary, w) {
				return true
			}
		}
		return false
	}
}
