// Package gate screens a task description before any work starts. It
// provides the four-level prerequisite chain (sanity, actionable, scope,
// safety) and the collaboration-principle checker the lifecycle runs at its
// first stage. Both are static, linear checks with no retries or timers;
// the lifecycle owns what happens after a rejection.
package gate

import (
	"strings"

	"go.uber.org/zap"

	"taskwarden/internal/types"
)

// Mode determines whether a failed criterion blocks or warns.
type Mode string

const (
	ModeStrict Mode = "strict"
	ModeSoft   Mode = "soft"
)

// Level names for the four prerequisite levels.
const (
	LevelSanity     = 1
	LevelActionable = 2
	LevelScope      = 3
	LevelSafety     = 4
)

// LevelName returns the human-readable name of a prerequisite level.
func LevelName(level int) string {
	switch level {
	case LevelSanity:
		return "sanity"
	case LevelActionable:
		return "actionable"
	case LevelScope:
		return "scope"
	case LevelSafety:
		return "safety"
	default:
		return "unknown"
	}
}

// Criterion is one static check in the chain. Check returns true when the
// task satisfies it.
type Criterion struct {
	ID          string
	Level       int
	Description string
	Mode        Mode
	Check       func(task types.TaskDescription) bool
	Hint        string
}

// Chain evaluates criteria in order. The first unsatisfied strict criterion
// rejects the task; unsatisfied soft criteria accumulate as warnings.
type Chain struct {
	criteria []Criterion
	logger   *zap.Logger
}

// NewChain builds a chain over the given criteria, kept in the given order.
func NewChain(criteria []Criterion, logger *zap.Logger) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{criteria: criteria, logger: logger}
}

// DefaultChain returns the standard four-level chain.
func DefaultChain(logger *zap.Logger) *Chain {
	return NewChain(DefaultCriteria(), logger)
}

// DefaultCriteria returns the standard criteria, two per level.
func DefaultCriteria() []Criterion {
	return []Criterion{
		{
			ID:          "summary_present",
			Level:       LevelSanity,
			Description: "task has a summary",
			Mode:        ModeStrict,
			Check:       func(t types.TaskDescription) bool { return strings.TrimSpace(t.Summary) != "" },
			Hint:        "state in one line what the task is",
		},
		{
			ID:          "summary_concise",
			Level:       LevelSanity,
			Description: "summary fits in one line",
			Mode:        ModeSoft,
			Check:       func(t types.TaskDescription) bool { return len(t.Summary) <= 120 },
			Hint:        "move elaboration into the detail field",
		},
		{
			ID:          "detail_present",
			Level:       LevelActionable,
			Description: "task explains what needs doing",
			Mode:        ModeStrict,
			Check:       func(t types.TaskDescription) bool { return strings.TrimSpace(t.Detail) != "" },
			Hint:        "describe the expected outcome and the current behavior",
		},
		{
			ID:          "not_question_only",
			Level:       LevelActionable,
			Description: "task is a work item, not an open question",
			Mode:        ModeSoft,
			Check: func(t types.TaskDescription) bool {
				return !strings.HasSuffix(strings.TrimSpace(t.Summary), "?")
			},
			Hint: "rephrase the question as a deliverable",
		},
		{
			ID:          "bounded_scope",
			Level:       LevelScope,
			Description: "task scope is bounded",
			Mode:        ModeStrict,
			Check:       func(t types.TaskDescription) bool { return !t.HasLabel("unbounded") },
			Hint:        "split the task until each piece has a finish line",
		},
		{
			ID:          "single_owner",
			Level:       LevelScope,
			Description: "task does not span team boundaries",
			Mode:        ModeSoft,
			Check:       func(t types.TaskDescription) bool { return !t.HasLabel("cross-team") },
			Hint:        "coordinate the cross-team part separately",
		},
		{
			ID:          "no_production_data",
			Level:       LevelSafety,
			Description: "task does not touch production data",
			Mode:        ModeStrict,
			Check:       func(t types.TaskDescription) bool { return !t.HasLabel("production-data") },
			Hint:        "run against a staging copy instead",
		},
		{
			ID:          "reversible_change",
			Level:       LevelSafety,
			Description: "change can be rolled back",
			Mode:        ModeSoft,
			Check:       func(t types.TaskDescription) bool { return !t.HasLabel("irreversible") },
			Hint:        "plan the rollback before starting",
		},
	}
}

// Evaluate runs the chain against a task. Order is the criteria order;
// evaluation stops at the first strict violation.
func (c *Chain) Evaluate(task types.TaskDescription) types.GateDecision {
	decision := types.GateDecision{Accepted: true}

	for _, cr := range c.criteria {
		if cr.Check(task) {
			continue
		}
		if cr.Mode == ModeSoft {
			warning := cr.ID + ": " + cr.Description
			if cr.Hint != "" {
				warning += " (hint: " + cr.Hint + ")"
			}
			decision.Warnings = append(decision.Warnings, warning)
			continue
		}

		decision.Accepted = false
		decision.FailedLevel = cr.Level
		decision.FailedCriterion = cr.ID
		decision.Reason = cr.Description
		c.logger.Info("prerequisites rejected",
			zap.String("criterion", cr.ID),
			zap.String("level", LevelName(cr.Level)),
			zap.Int("warnings", len(decision.Warnings)))
		return decision
	}

	c.logger.Debug("prerequisites accepted",
		zap.Int("warnings", len(decision.Warnings)))
	return decision
}
