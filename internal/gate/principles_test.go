package gate

import (
	"testing"

	"taskwarden/internal/types"
)

func TestPrincipleCheckerCleanTask(t *testing.T) {
	checker := DefaultPrincipleChecker(nil)

	if v := checker.Check(acceptableTask()); len(v) != 0 {
		t.Fatalf("violations on clean task: %v", v)
	}
}

func TestPrincipleCheckerReportsAllViolations(t *testing.T) {
	checker := DefaultPrincipleChecker(nil)
	task := acceptableTask()
	task.Labels = []string{"no-review", "unsupervised"}

	violations := checker.Check(task)
	if len(violations) != 2 {
		t.Fatalf("violations = %d, want 2: %v", len(violations), violations)
	}
	if violations[0].Principle != "human_in_the_loop" {
		t.Errorf("first violation = %s", violations[0].Principle)
	}
	if violations[1].Principle != "bounded_autonomy" {
		t.Errorf("second violation = %s", violations[1].Principle)
	}
	for _, v := range violations {
		if v.Detail == "" {
			t.Errorf("violation %s has no detail", v.Principle)
		}
	}
}

func TestPrincipleCheckerCustomRules(t *testing.T) {
	rules := []PrincipleRule{{
		Principle: "daylight_only",
		Detail:    "task scheduled outside agreed hours",
		Violates:  func(task types.TaskDescription) bool { return task.HasLabel("after-hours") },
	}}
	checker := NewPrincipleChecker(rules, nil)

	task := acceptableTask()
	task.Labels = []string{"after-hours"}
	violations := checker.Check(task)
	if len(violations) != 1 || violations[0].Principle != "daylight_only" {
		t.Fatalf("violations = %v", violations)
	}
}
