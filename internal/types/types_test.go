package types

import (
	"testing"
	"time"
)

func TestFailureEventMatches(t *testing.T) {
	base := FailureEvent{
		Stage:      CheckRegression,
		Message:    "TestParse fails on empty input",
		OccurredAt: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC),
	}

	sameLater := base
	sameLater.OccurredAt = base.OccurredAt.Add(10 * time.Minute)
	if !base.Matches(sameLater) {
		t.Error("Expected match to ignore timestamps")
	}

	otherStage := base
	otherStage.Stage = CheckStaticAnalysis
	if base.Matches(otherStage) {
		t.Error("Expected different stages not to match")
	}

	otherMessage := base
	otherMessage.Message = "TestParse fails on whitespace input"
	if base.Matches(otherMessage) {
		t.Error("Expected different messages not to match")
	}
}

func TestParseTrend(t *testing.T) {
	cases := []struct {
		in      string
		want    Trend
		wantErr bool
	}{
		{"increased", TrendIncreased, false},
		{"unchanged", TrendUnchanged, false},
		{"decreased", TrendDecreased, false},
		{"", TrendUnchanged, false},
		{"worse", "", true},
	}

	for _, tc := range cases {
		got, err := ParseTrend(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseTrend(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTrend(%q): unexpected error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("ParseTrend(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseCheckKind(t *testing.T) {
	cases := []struct {
		in      string
		want    CheckKind
		wantErr bool
	}{
		{"static_analysis", CheckStaticAnalysis, false},
		{"regression", CheckRegression, false},
		{"completion_criteria", CheckCompletion, false},
		{"lint", "", true},
		{"", "", true},
	}

	for _, tc := range cases {
		got, err := ParseCheckKind(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseCheckKind(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseCheckKind(%q): unexpected error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("ParseCheckKind(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDefaultChecksOrder(t *testing.T) {
	checks := DefaultChecks()
	want := []CheckKind{CheckStaticAnalysis, CheckRegression, CheckCompletion}
	if len(checks) != len(want) {
		t.Fatalf("Expected %d default checks, got %d", len(want), len(checks))
	}
	for i := range want {
		if checks[i] != want[i] {
			t.Errorf("Check %d = %q, want %q", i, checks[i], want[i])
		}
	}
}

func TestManualClock(t *testing.T) {
	start := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	clock := NewManualClock(start)

	if got := clock.Now(); !got.Equal(start) {
		t.Errorf("Now() = %v, want %v", got, start)
	}

	clock.Advance(30 * time.Minute)
	if got := clock.Now(); !got.Equal(start.Add(30 * time.Minute)) {
		t.Errorf("After advance Now() = %v, want %v", got, start.Add(30*time.Minute))
	}

	pin := start.Add(2 * time.Hour)
	clock.Set(pin)
	if got := clock.Now(); !got.Equal(pin) {
		t.Errorf("After set Now() = %v, want %v", got, pin)
	}
}

func TestProblemAnalysisPopulated(t *testing.T) {
	full := ProblemAnalysis{
		Verbalization: "regression keeps failing on the same fixture",
		CauseAnalysis: "fixture assumes legacy schema",
		Essence:       "schema migration incomplete",
	}
	if !full.Populated() {
		t.Error("Expected fully narrated analysis to be populated")
	}

	partial := full
	partial.Essence = ""
	if partial.Populated() {
		t.Error("Expected analysis without essence to be unpopulated")
	}
}

func TestTaskDescriptionHasLabel(t *testing.T) {
	task := TaskDescription{
		Summary: "Add retry to sync job",
		Labels:  []string{"backend", "boilerplate"},
	}
	if !task.HasLabel("boilerplate") {
		t.Error("Expected boilerplate label to be present")
	}
	if task.HasLabel("frontend") {
		t.Error("Expected frontend label to be absent")
	}
}
