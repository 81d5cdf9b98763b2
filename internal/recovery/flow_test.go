package recovery

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"taskwarden/internal/types"
)

type sinkRecorder struct {
	patterns    []FailurePattern
	workarounds []Workaround
	shared      []Workaround
	failRecord  error
}

func (s *sinkRecorder) RecordPattern(p FailurePattern) error {
	if s.failRecord != nil {
		return s.failRecord
	}
	s.patterns = append(s.patterns, p)
	return nil
}

func (s *sinkRecorder) DocumentWorkaround(w Workaround) error {
	s.workarounds = append(s.workarounds, w)
	return nil
}

func (s *sinkRecorder) ShareWithTeam(w Workaround) error {
	s.shared = append(s.shared, w)
	return nil
}

func newTestFlow(t *testing.T, cfg Config, selector Selector) (*Flow, *sinkRecorder, *types.ManualClock) {
	t.Helper()
	clock := types.NewManualClock(time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC))
	sink := &sinkRecorder{}
	f, err := NewFlow(cfg, nil, selector, sink, clock, nil)
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}
	return f, sink, clock
}

func recoveryInput() Input {
	return Input{
		AttemptID:   "attempt-7",
		Task:        types.TaskDescription{Summary: "migrate settings loader"},
		LastFailure: &types.FailureEvent{Stage: types.CheckRegression, Message: "TestLoader fails on empty file"},
		FailureHistory: []types.FailureRecord{
			{Event: types.FailureEvent{Stage: types.CheckRegression, Message: "TestLoader fails on empty file"}},
		},
	}
}

func analyzedProblem(mutate func(*types.ProblemAnalysis)) types.ProblemAnalysis {
	a := types.ProblemAnalysis{
		Verbalization: "regression suite fails only when the settings file is empty",
		CauseAnalysis: "loader assumes at least one section is present",
		Essence:       "missing empty-input handling in the loader",
	}
	if mutate != nil {
		mutate(&a)
	}
	return a
}

func startAnalyzed(t *testing.T, f *Flow, a types.ProblemAnalysis) {
	t.Helper()
	if err := f.Start(recoveryInput()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.OnVerbalized(); err != nil {
		t.Fatalf("OnVerbalized: %v", err)
	}
	if err := f.OnCauseDiagnosed(); err != nil {
		t.Fatalf("OnCauseDiagnosed: %v", err)
	}
	if err := f.OnEssenceIdentified(a); err != nil {
		t.Fatalf("OnEssenceIdentified: %v", err)
	}
}

func statesVisited(history []Transition) []State {
	out := make([]State, 0, len(history))
	for _, tr := range history {
		out = append(out, tr.To)
	}
	return out
}

func causesSeen(history []Transition) []string {
	out := make([]string, 0, len(history))
	for _, tr := range history {
		out = append(out, tr.Cause)
	}
	return out
}

func TestFlow_DirectApproachPath(t *testing.T) {
	f, sink, _ := newTestFlow(t, Config{MaxSelectionRounds: 3}, nil)
	startAnalyzed(t, f, analyzedProblem(func(a *types.ProblemAnalysis) {
		a.IsOutOfSkillScope = true
	}))

	if got := f.State(); got != StateApplyingApproach {
		t.Fatalf("state after analysis = %s, want %s", got, StateApplyingApproach)
	}
	if err := f.OnApproachApplied(); err != nil {
		t.Fatalf("OnApproachApplied: %v", err)
	}

	res, err := f.Result()
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if !res.Recovered {
		t.Error("result not marked recovered")
	}
	if res.Approach != ApproachHumanFix {
		t.Errorf("approach = %s, want %s", res.Approach, ApproachHumanFix)
	}
	if res.Escalated {
		t.Error("direct approach path marked escalated")
	}

	want := []State{
		StateVerbalizing,
		StateDiagnosingCause,
		StateIdentifyingEssence,
		StateSelectingApproach,
		StateApplyingApproach,
		StateRecordingLearning,
		StateDocumentingWorkaround,
		StateComplete,
	}
	if diff := cmp.Diff(want, statesVisited(f.History())); diff != "" {
		t.Errorf("visited states mismatch (-want +got):\n%s", diff)
	}
	if len(sink.patterns) != 1 || len(sink.workarounds) != 1 || len(sink.shared) != 0 {
		t.Errorf("sink calls = %d/%d/%d, want 1/1/0",
			len(sink.patterns), len(sink.workarounds), len(sink.shared))
	}
}

func TestFlow_LearningTailJoinsEveryPath(t *testing.T) {
	alwaysEscalate := SelectorFunc(func(types.ProblemAnalysis) Approach { return ApproachEscalate })

	cases := []struct {
		name     string
		analysis types.ProblemAnalysis
		selector Selector
		drive    func(t *testing.T, f *Flow)
	}{
		{
			name: "direct approach",
			analysis: analyzedProblem(func(a *types.ProblemAnalysis) {
				a.IsOutOfSkillScope = true
			}),
			drive: func(t *testing.T, f *Flow) {
				if err := f.OnApproachApplied(); err != nil {
					t.Fatalf("OnApproachApplied: %v", err)
				}
			},
		},
		{
			name: "immediate escalation",
			analysis: analyzedProblem(func(a *types.ProblemAnalysis) {
				a.HasSecurityIssue = true
			}),
			drive: func(t *testing.T, f *Flow) {
				if err := f.OnConsultationDone(); err != nil {
					t.Fatalf("OnConsultationDone: %v", err)
				}
			},
		},
		{
			name: "delayed escalation approved",
			analysis: analyzedProblem(func(a *types.ProblemAnalysis) {
				a.IsUnknownCause = true
			}),
			selector: alwaysEscalate,
			drive: func(t *testing.T, f *Flow) {
				if err := f.OnEscalationConfirmed(true); err != nil {
					t.Fatalf("OnEscalationConfirmed: %v", err)
				}
				if err := f.OnConsultationDone(); err != nil {
					t.Fatalf("OnConsultationDone: %v", err)
				}
			},
		},
	}

	wantTail := []State{
		StateRecordingLearning,
		StateDocumentingWorkaround,
		StateSharingWithTeam,
		StateComplete,
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, sink, _ := newTestFlow(t, Config{MaxSelectionRounds: 3, ShareWithTeam: true}, tc.selector)
			startAnalyzed(t, f, tc.analysis)
			tc.drive(t, f)

			if !f.Done() {
				t.Fatalf("flow not complete, state %s", f.State())
			}
			got := statesVisited(f.History())
			if len(got) < len(wantTail) {
				t.Fatalf("history too short: %v", got)
			}
			if diff := cmp.Diff(wantTail, got[len(got)-len(wantTail):]); diff != "" {
				t.Errorf("learning tail mismatch (-want +got):\n%s", diff)
			}
			if len(sink.patterns) != 1 || len(sink.workarounds) != 1 || len(sink.shared) != 1 {
				t.Errorf("sink calls = %d/%d/%d, want 1/1/1",
					len(sink.patterns), len(sink.workarounds), len(sink.shared))
			}
		})
	}
}

func TestFlow_TierOneGateSkipsSelection(t *testing.T) {
	f, _, _ := newTestFlow(t, DefaultConfig(), nil)
	startAnalyzed(t, f, analyzedProblem(func(a *types.ProblemAnalysis) {
		a.HasProductionImpact = true
	}))

	if got := f.State(); got != StateConsultingTeam {
		t.Fatalf("state after tier-1 analysis = %s, want %s", got, StateConsultingTeam)
	}
	if got := f.SelectionRounds(); got != 0 {
		t.Errorf("selection rounds = %d, want 0", got)
	}

	causes := causesSeen(f.History())
	var sawGate bool
	for _, c := range causes {
		if c == "tier1_gate" {
			sawGate = true
		}
	}
	if !sawGate {
		t.Errorf("tier-1 gate cause missing from history: %v", causes)
	}

	if err := f.OnConsultationDone(); err != nil {
		t.Fatalf("OnConsultationDone: %v", err)
	}
	res, err := f.Result()
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if res.Approach != ApproachEscalate || !res.Escalated {
		t.Errorf("result = %+v, want escalate approach with escalated set", res)
	}
}

func TestFlow_ConfirmationRejectedReturnsToSelection(t *testing.T) {
	rounds := 0
	sel := SelectorFunc(func(types.ProblemAnalysis) Approach {
		rounds++
		if rounds == 1 {
			return ApproachEscalate
		}
		return ApproachRedecompose
	})

	f, _, _ := newTestFlow(t, Config{MaxSelectionRounds: 3}, sel)
	startAnalyzed(t, f, analyzedProblem(func(a *types.ProblemAnalysis) {
		a.IsUnknownCause = true
	}))

	if got := f.State(); got != StateConfirmingEscalation {
		t.Fatalf("state after fallback selection = %s, want %s", got, StateConfirmingEscalation)
	}
	if err := f.OnEscalationConfirmed(false); err != nil {
		t.Fatalf("OnEscalationConfirmed: %v", err)
	}

	if got := f.State(); got != StateApplyingApproach {
		t.Fatalf("state after rejection = %s, want %s", got, StateApplyingApproach)
	}
	if got := f.SelectionRounds(); got != 2 {
		t.Errorf("selection rounds = %d, want 2", got)
	}

	if err := f.OnApproachApplied(); err != nil {
		t.Fatalf("OnApproachApplied: %v", err)
	}
	res, err := f.Result()
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if res.Approach != ApproachRedecompose {
		t.Errorf("approach = %s, want %s", res.Approach, ApproachRedecompose)
	}
	if res.Escalated {
		t.Error("rejected escalation still marked escalated")
	}
}

func TestFlow_SelfResolutionLoopBounded(t *testing.T) {
	alwaysEscalate := SelectorFunc(func(types.ProblemAnalysis) Approach { return ApproachEscalate })

	// No tier traits set, so every escalation judgment resolves to self and
	// bounces straight back into selection until the bound forces a direct
	// human fix.
	f, _, _ := newTestFlow(t, Config{MaxSelectionRounds: 3}, alwaysEscalate)
	startAnalyzed(t, f, analyzedProblem(nil))

	if got := f.State(); got != StateApplyingApproach {
		t.Fatalf("state after bounded loop = %s, want %s", got, StateApplyingApproach)
	}
	if got := f.SelectionRounds(); got != 4 {
		t.Errorf("selection rounds = %d, want 4", got)
	}

	causes := causesSeen(f.History())
	var selfRounds, forced int
	for _, c := range causes {
		switch c {
		case "self_resolution":
			selfRounds++
		case "fallback_forced":
			forced++
		}
	}
	if selfRounds != 3 || forced != 1 {
		t.Errorf("self rounds = %d, forced = %d, want 3 and 1 (causes %v)", selfRounds, forced, causes)
	}

	if err := f.OnApproachApplied(); err != nil {
		t.Fatalf("OnApproachApplied: %v", err)
	}
	res, err := f.Result()
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if res.Approach != ApproachHumanFix {
		t.Errorf("forced approach = %s, want %s", res.Approach, ApproachHumanFix)
	}
}

func TestFlow_PatternCarriesFailureContext(t *testing.T) {
	f, sink, clock := newTestFlow(t, Config{MaxSelectionRounds: 3}, nil)
	clock.Advance(45 * time.Second)
	startAnalyzed(t, f, analyzedProblem(func(a *types.ProblemAnalysis) {
		a.IsOutOfSkillScope = true
	}))
	if err := f.OnApproachApplied(); err != nil {
		t.Fatalf("OnApproachApplied: %v", err)
	}

	if len(sink.patterns) != 1 {
		t.Fatalf("patterns recorded = %d, want 1", len(sink.patterns))
	}
	p := sink.patterns[0]
	if p.AttemptID != "attempt-7" {
		t.Errorf("attempt id = %q, want attempt-7", p.AttemptID)
	}
	if p.Failure.Message != "TestLoader fails on empty file" {
		t.Errorf("failure message = %q", p.Failure.Message)
	}
	if len(p.History) != 1 {
		t.Errorf("history length = %d, want 1", len(p.History))
	}
	if p.Essence != "missing empty-input handling in the loader" {
		t.Errorf("essence = %q", p.Essence)
	}
	if p.Approach != ApproachHumanFix || p.Escalated {
		t.Errorf("pattern approach/escalated = %s/%t", p.Approach, p.Escalated)
	}
	if !p.RecordedAt.Equal(clock.Now()) {
		t.Errorf("recorded at = %v, want %v", p.RecordedAt, clock.Now())
	}

	if len(sink.workarounds) != 1 {
		t.Fatalf("workarounds = %d, want 1", len(sink.workarounds))
	}
	w := sink.workarounds[0]
	if w.Verbalization == "" || w.CauseAnalysis == "" {
		t.Errorf("workaround missing analysis text: %+v", w)
	}
}

func TestFlow_SinkFailureSurfaces(t *testing.T) {
	f, sink, _ := newTestFlow(t, Config{MaxSelectionRounds: 3}, nil)
	sink.failRecord = errors.New("store offline")
	startAnalyzed(t, f, analyzedProblem(func(a *types.ProblemAnalysis) {
		a.IsOutOfSkillScope = true
	}))

	err := f.OnApproachApplied()
	if err == nil {
		t.Fatal("expected sink failure to surface")
	}
	if f.Done() {
		t.Error("flow marked done despite recording failure")
	}
	if got := f.State(); got != StateRecordingLearning {
		t.Errorf("state after failed recording = %s, want %s", got, StateRecordingLearning)
	}
}

func TestFlow_EventContracts(t *testing.T) {
	f, _, _ := newTestFlow(t, Config{MaxSelectionRounds: 3}, nil)

	if err := f.OnVerbalized(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("OnVerbalized before start = %v, want ErrNotStarted", err)
	}
	if _, err := f.Result(); !errors.Is(err, ErrNotFinished) {
		t.Errorf("Result before finish = %v, want ErrNotFinished", err)
	}
	if err := f.Start(Input{AttemptID: "attempt-8"}); !errors.Is(err, ErrMissingFailureContext) {
		t.Errorf("Start without failure = %v, want ErrMissingFailureContext", err)
	}
	if err := f.Start(recoveryInput()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.Start(recoveryInput()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
	if err := f.OnCauseDiagnosed(); !errors.Is(err, ErrUnexpectedEvent) {
		t.Errorf("OnCauseDiagnosed while verbalizing = %v, want ErrUnexpectedEvent", err)
	}
	if err := f.OnVerbalized(); err != nil {
		t.Fatalf("OnVerbalized: %v", err)
	}
	if err := f.OnCauseDiagnosed(); err != nil {
		t.Fatalf("OnCauseDiagnosed: %v", err)
	}
	if err := f.OnEssenceIdentified(types.ProblemAnalysis{}); !errors.Is(err, ErrAnalysisIncomplete) {
		t.Errorf("empty analysis = %v, want ErrAnalysisIncomplete", err)
	}
	if err := f.OnEssenceIdentified(analyzedProblem(func(a *types.ProblemAnalysis) {
		a.IsOutOfSkillScope = true
	})); err != nil {
		t.Fatalf("OnEssenceIdentified: %v", err)
	}
	if err := f.OnApproachApplied(); err != nil {
		t.Fatalf("OnApproachApplied: %v", err)
	}
	if err := f.OnConsultationDone(); !errors.Is(err, ErrFlowFinished) {
		t.Errorf("event after completion = %v, want ErrFlowFinished", err)
	}
}

func TestNewFlow_Validation(t *testing.T) {
	if _, err := NewFlow(DefaultConfig(), nil, nil, nil, nil, nil); err == nil {
		t.Error("expected error for nil sink")
	}
	if _, err := NewFlow(Config{MaxSelectionRounds: 0}, nil, nil, &sinkRecorder{}, nil, nil); err == nil {
		t.Error("expected error for zero selection bound")
	}
}
