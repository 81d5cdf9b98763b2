package classify

import (
	"testing"

	"taskwarden/internal/types"
)

func TestDefaultTable(t *testing.T) {
	tests := []struct {
		name          string
		task          types.TaskDescription
		wantDivision  types.Division
		wantTechnique string
	}{
		{
			name:         "explicit human label",
			task:         types.TaskDescription{Summary: "rename config fields", Labels: []string{"human-only"}},
			wantDivision: types.DivisionHuman,
		},
		{
			name:         "design decision",
			task:         types.TaskDescription{Summary: "pick a queue backend", Labels: []string{"design-decision"}},
			wantDivision: types.DivisionHuman,
		},
		{
			name:         "security sensitive",
			task:         types.TaskDescription{Summary: "rotate signing keys", Labels: []string{"security"}},
			wantDivision: types.DivisionHuman,
		},
		{
			name:          "mechanical transform",
			task:          types.TaskDescription{Summary: "rename the legacy settings fields"},
			wantDivision:  types.DivisionAI,
			wantTechnique: "few_shot",
		},
		{
			name:          "test authoring",
			task:          types.TaskDescription{Summary: "raise coverage of the parser package"},
			wantDivision:  types.DivisionAI,
			wantTechnique: "few_shot",
		},
		{
			name:          "defect fix",
			task:          types.TaskDescription{Summary: "fix the off-by-one in pagination"},
			wantDivision:  types.DivisionAI,
			wantTechnique: "chain_of_thought",
		},
		{
			name:          "fallback",
			task:          types.TaskDescription{Summary: "draft release notes for 2.4"},
			wantDivision:  types.DivisionAI,
			wantTechnique: "zero_shot",
		},
	}

	table := DefaultTable(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := table.Classify(tt.task)
			if got.Division != tt.wantDivision {
				t.Errorf("division = %s, want %s", got.Division, tt.wantDivision)
			}
			if got.Technique != tt.wantTechnique {
				t.Errorf("technique = %q, want %q", got.Technique, tt.wantTechnique)
			}
		})
	}
}

func TestTableFirstMatchWins(t *testing.T) {
	// A security-labeled bugfix must go to a human even though the summary
	// matches the later defect_fix rule.
	task := types.TaskDescription{Summary: "fix token validation bug", Labels: []string{"security"}}

	got := DefaultTable(nil).Classify(task)
	if got.Division != types.DivisionHuman {
		t.Fatalf("division = %s, want %s", got.Division, types.DivisionHuman)
	}
}

func TestTableCustomRulesAndFallback(t *testing.T) {
	rules := []Rule{{
		Name:     "docs_to_human",
		Matches:  func(task types.TaskDescription) bool { return task.HasLabel("docs") },
		Division: types.DivisionHuman,
	}}
	fallback := types.Classification{Division: types.DivisionHuman}
	table := NewTable(rules, fallback, nil)

	if got := table.Classify(types.TaskDescription{Summary: "x", Labels: []string{"docs"}}); got.Division != types.DivisionHuman {
		t.Errorf("rule match division = %s", got.Division)
	}
	if got := table.Classify(types.TaskDescription{Summary: "anything else"}); got.Division != types.DivisionHuman {
		t.Errorf("fallback division = %s", got.Division)
	}
}
