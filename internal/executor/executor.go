// Package executor provides the execution backends that produce a task's
// work output: a scripted scenario replayer for deterministic runs and a
// GenAI backend that hands model-division tasks to Gemini.
package executor

import (
	"context"

	"taskwarden/internal/types"
)

// Executor produces the execution stage result for a classified task.
type Executor interface {
	Execute(ctx context.Context, task types.TaskDescription, c types.Classification) (types.ExecutionResult, error)
}

// ScriptedExecutor replays the execution stage of a loaded scenario.
type ScriptedExecutor struct {
	scenario *Scenario
}

// NewScriptedExecutor wraps a scenario as an executor.
func NewScriptedExecutor(sc *Scenario) *ScriptedExecutor {
	return &ScriptedExecutor{scenario: sc}
}

// Execute returns the scenario's scripted output. ProducedByModel follows
// the classification, so the result always matches the division the
// lifecycle expects.
func (e *ScriptedExecutor) Execute(ctx context.Context, task types.TaskDescription, c types.Classification) (types.ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return types.ExecutionResult{}, err
	}
	return types.ExecutionResult{
		Output:          e.scenario.Execution.Output,
		ProducedByModel: c.Division == types.DivisionAI,
	}, nil
}
