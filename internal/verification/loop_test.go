package verification

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"taskwarden/internal/types"
)

var loopStart = time.Date(2026, 2, 5, 10, 0, 0, 0, time.UTC)

func newTestLoop(t *testing.T, monitors []Monitor, clock types.Clock) *Loop {
	t.Helper()
	loop, err := NewLoop(DefaultConfig(), monitors, clock, nil)
	if err != nil {
		t.Fatalf("NewLoop failed: %v", err)
	}
	return loop
}

func passCheck(t *testing.T, l *Loop, check types.CheckKind) {
	t.Helper()
	if err := l.OnCheckResult(CheckResult{Check: check, Passed: true}); err != nil {
		t.Fatalf("Passing %s failed: %v", check, err)
	}
}

func failCheck(t *testing.T, l *Loop, check types.CheckKind, message string, at time.Time) {
	t.Helper()
	err := l.OnCheckResult(CheckResult{
		Check:  check,
		Passed: false,
		Failure: &types.FailureEvent{
			Stage:      check,
			Message:    message,
			OccurredAt: at,
		},
	})
	if err != nil {
		t.Fatalf("Failing %s failed: %v", check, err)
	}
}

func applyFix(t *testing.T, l *Loop, remediation string, trend types.Trend) {
	t.Helper()
	if err := l.OnFixApplied(Fix{Remediation: remediation, Trend: trend}); err != nil {
		t.Fatalf("Applying fix failed: %v", err)
	}
}

// stagesEntered extracts the sequence of stage states from the history.
func stagesEntered(history []Transition) []State {
	var stages []State
	for _, tr := range history {
		if strings.HasPrefix(string(tr.To), "stage_") {
			stages = append(stages, tr.To)
		}
	}
	return stages
}

func TestLoop_PassesStagesInOrder(t *testing.T) {
	clock := types.NewManualClock(loopStart)
	loop := newTestLoop(t, nil, clock)

	if err := loop.Start("diff applied cleanly"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	passCheck(t, loop, types.CheckStaticAnalysis)
	passCheck(t, loop, types.CheckRegression)
	passCheck(t, loop, types.CheckCompletion)

	if got := loop.State(); got != StatePassed {
		t.Fatalf("Expected state passed, got %s", got)
	}

	want := []State{StageState(0), StageState(1), StageState(2)}
	if diff := cmp.Diff(want, stagesEntered(loop.History())); diff != "" {
		t.Errorf("Stage order mismatch (-want +got):\n%s", diff)
	}

	res, err := loop.Result()
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if !res.Passed || res.Abandoned || res.PolicyViolation {
		t.Errorf("Unexpected result: %+v", res)
	}
	if res.LastFailure != nil || res.FailureHistory != nil {
		t.Errorf("Passed result should not carry failure fields: %+v", res)
	}
}

func TestLoop_FailureRunsJudgmentThenFixing(t *testing.T) {
	clock := types.NewManualClock(loopStart)
	loop := newTestLoop(t, nil, clock)

	if err := loop.Start("patch output"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	passCheck(t, loop, types.CheckStaticAnalysis)
	clock.Advance(2 * time.Minute)
	failCheck(t, loop, types.CheckRegression, "TestStore red", clock.Now())

	if got := loop.State(); got != StateFixing {
		t.Fatalf("Expected fixing after continue judgment, got %s", got)
	}

	history := loop.History()
	var sawJudging bool
	for _, tr := range history {
		if tr.To == StateJudging && tr.Cause == "check_failed" {
			sawJudging = true
		}
	}
	if !sawJudging {
		t.Error("Expected a judging entry caused by check_failed")
	}

	applyFix(t, loop, "fixed store locking", types.TrendUnchanged)
	if got := loop.State(); got != StageState(0) {
		t.Fatalf("Expected re-entry at stage_0 after fix, got %s", got)
	}

	passCheck(t, loop, types.CheckStaticAnalysis)
	passCheck(t, loop, types.CheckRegression)
	passCheck(t, loop, types.CheckCompletion)

	if got := loop.State(); got != StatePassed {
		t.Errorf("Expected passed after fix cycle, got %s", got)
	}
	if got := loop.Rounds(); got != 1 {
		t.Errorf("Rounds = %d, want 1", got)
	}
}

func TestLoop_DeadlineExactlyForcesJudgment(t *testing.T) {
	clock := types.NewManualClock(loopStart)
	loop := newTestLoop(t, nil, clock)

	if err := loop.Start("output"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	passCheck(t, loop, types.CheckStaticAnalysis)

	// One unit short of the deadline: no transition.
	clock.Advance(30*time.Minute - time.Second)
	before := len(loop.History())
	if err := loop.Tick(); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if got := loop.State(); got != StageState(1) {
		t.Fatalf("Expected to remain in stage_1 before deadline, got %s", got)
	}
	if len(loop.History()) != before {
		t.Error("Tick before the deadline must not record transitions")
	}

	// Exactly at the deadline: preempted into judgment, then cut.
	clock.Advance(time.Second)
	if err := loop.Tick(); err != nil {
		t.Fatalf("Tick at deadline failed: %v", err)
	}

	var judgedByDeadline bool
	for _, tr := range loop.History() {
		if tr.To == StateJudging && tr.Cause == "deadline" {
			judgedByDeadline = true
		}
	}
	if !judgedByDeadline {
		t.Error("Expected judging entry caused by deadline")
	}
	if got := loop.State(); got != StateAbandoned {
		t.Fatalf("Expected abandoned after deadline cut, got %s", got)
	}

	res, err := loop.Result()
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if res.LastFailure == nil || res.LastFailure.Message != deadlineMessage {
		t.Errorf("Expected synthetic timeout failure, got %+v", res.LastFailure)
	}
	if res.LastFailure.Stage != types.CheckRegression {
		t.Errorf("Synthetic failure should name the active stage, got %s", res.LastFailure.Stage)
	}
}

func TestLoop_ThreeFailuresAbandon(t *testing.T) {
	clock := types.NewManualClock(loopStart)
	loop := newTestLoop(t, nil, clock)

	if err := loop.Start("output"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	messages := []string{"TestA red", "TestB red", "TestC red"}
	for i, msg := range messages {
		clock.Advance(time.Minute)
		failCheck(t, loop, types.CheckStaticAnalysis, msg, clock.Now())
		if i < 2 {
			if got := loop.State(); got != StateFixing {
				t.Fatalf("Failure %d: expected fixing, got %s", i+1, got)
			}
			applyFix(t, loop, "attempt "+msg, types.TrendUnchanged)
		}
	}

	if got := loop.State(); got != StateAbandoned {
		t.Fatalf("Expected abandoned after third failure, got %s", got)
	}

	res, err := loop.Result()
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if len(res.FailureHistory) != 3 {
		t.Errorf("FailureHistory length = %d, want 3", len(res.FailureHistory))
	}
	if res.LastFailure == nil || res.LastFailure.Message != "TestC red" {
		t.Errorf("LastFailure = %+v, want TestC red", res.LastFailure)
	}
	// The second record carries the remediation staged by the first fix.
	if got := res.FailureHistory[1].RemediationAttempted; got != "attempt TestA red" {
		t.Errorf("Second record remediation = %q", got)
	}
}

func TestLoop_LateFailureCutByElapsedTime(t *testing.T) {
	clock := types.NewManualClock(loopStart)
	loop := newTestLoop(t, nil, clock)

	if err := loop.Start("output"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	clock.Advance(time.Minute)
	failCheck(t, loop, types.CheckStaticAnalysis, "vet: shadowed err", clock.Now())
	applyFix(t, loop, "renamed variable", types.TrendUnchanged)

	// The next failure arrives at minute 31. The loop folds it into the
	// forced judgment and the elapsed-time rule cuts with the real failure
	// on record.
	clock.Set(loopStart.Add(31 * time.Minute))
	failCheck(t, loop, types.CheckStaticAnalysis, "vet: unreachable code", clock.Now())

	if got := loop.State(); got != StateAbandoned {
		t.Fatalf("Expected abandoned, got %s", got)
	}
	res, err := loop.Result()
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if res.LastFailure == nil || res.LastFailure.Message != "vet: unreachable code" {
		t.Errorf("Expected the late real failure on record, got %+v", res.LastFailure)
	}
	if len(res.FailureHistory) != 2 {
		t.Errorf("FailureHistory length = %d, want 2", len(res.FailureHistory))
	}
}

func TestLoop_RecurrenceCutsOnSecondFailure(t *testing.T) {
	clock := types.NewManualClock(loopStart)
	loop := newTestLoop(t, nil, clock)

	if err := loop.Start("output"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	passCheck(t, loop, types.CheckStaticAnalysis)
	clock.Advance(time.Minute)
	failCheck(t, loop, types.CheckRegression, "TestFlaky red", clock.Now())
	applyFix(t, loop, "reran with seed pinned", types.TrendUnchanged)

	passCheck(t, loop, types.CheckStaticAnalysis)
	clock.Advance(time.Minute)
	failCheck(t, loop, types.CheckRegression, "TestFlaky red", clock.Now())

	if got := loop.State(); got != StateAbandoned {
		t.Errorf("Expected recurrence cut at failure count 2, got state %s", got)
	}
}

func TestLoop_MonitorLatchSurvivesPass(t *testing.T) {
	clock := types.NewManualClock(loopStart)

	var collabEntries, behaviorEntries int
	collab := MonitorFunc("collaboration_principles", func(e StageEntry) bool {
		collabEntries++
		// Flags only the very first entry; the latch must persist anyway.
		return e.Round == 0 && e.Stage == 0
	})
	behavior := MonitorFunc("agent_behavior_principles", func(e StageEntry) bool {
		behaviorEntries++
		return false
	})

	loop := newTestLoop(t, []Monitor{collab, behavior}, clock)
	if err := loop.Start("output mentions force push"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	failCheck(t, loop, types.CheckStaticAnalysis, "lint error", clock.Now())
	applyFix(t, loop, "gofmt", types.TrendUnchanged)
	passCheck(t, loop, types.CheckStaticAnalysis)
	passCheck(t, loop, types.CheckRegression)
	passCheck(t, loop, types.CheckCompletion)

	res, err := loop.Result()
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if !res.Passed {
		t.Fatalf("Expected a passing run, got %+v", res)
	}
	if !res.PolicyViolation {
		t.Error("Expected latched policy violation on a passing run")
	}

	// Entries: stage_0 in round 0, then stage_0..stage_2 in round 1. Both
	// monitors run on every entry, re-entries included.
	if collabEntries != 4 {
		t.Errorf("Collaboration monitor saw %d entries, want 4", collabEntries)
	}
	if behaviorEntries != 4 {
		t.Errorf("Behavior monitor saw %d entries, want 4", behaviorEntries)
	}
}

func TestLoop_BothMonitorsRunWhenFirstFlags(t *testing.T) {
	clock := types.NewManualClock(loopStart)

	var secondRan bool
	first := MonitorFunc("collaboration_principles", func(StageEntry) bool { return true })
	second := MonitorFunc("agent_behavior_principles", func(StageEntry) bool {
		secondRan = true
		return false
	})

	loop := newTestLoop(t, []Monitor{first, second}, clock)
	if err := loop.Start("output"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !secondRan {
		t.Error("Expected the second monitor to run even after the first flagged")
	}
}

func TestLoop_TickDuringFixingAtDeadline(t *testing.T) {
	clock := types.NewManualClock(loopStart)
	loop := newTestLoop(t, nil, clock)

	if err := loop.Start("output"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	clock.Advance(time.Minute)
	failCheck(t, loop, types.CheckStaticAnalysis, "lint debt", clock.Now())
	if got := loop.State(); got != StateFixing {
		t.Fatalf("Expected fixing, got %s", got)
	}

	clock.Set(loopStart.Add(31 * time.Minute))
	if err := loop.Tick(); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if got := loop.State(); got != StateAbandoned {
		t.Fatalf("Expected abandoned when the deadline lapses mid-fix, got %s", got)
	}

	res, err := loop.Result()
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if res.LastFailure == nil || res.LastFailure.Message != deadlineMessage {
		t.Errorf("Expected synthetic timeout failure, got %+v", res.LastFailure)
	}
}

func TestLoop_TickAfterTerminalIsHarmless(t *testing.T) {
	clock := types.NewManualClock(loopStart)
	loop := newTestLoop(t, nil, clock)

	if err := loop.Start("output"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	passCheck(t, loop, types.CheckStaticAnalysis)
	passCheck(t, loop, types.CheckRegression)
	passCheck(t, loop, types.CheckCompletion)

	clock.Advance(time.Hour)
	if err := loop.Tick(); err != nil {
		t.Errorf("Tick after terminal should be a no-op, got %v", err)
	}
	if got := loop.State(); got != StatePassed {
		t.Errorf("Terminal state must not change, got %s", got)
	}
}

func TestLoop_EventContracts(t *testing.T) {
	clock := types.NewManualClock(loopStart)
	loop := newTestLoop(t, nil, clock)

	if err := loop.OnCheckResult(CheckResult{Check: types.CheckStaticAnalysis, Passed: true}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Expected ErrNotStarted, got %v", err)
	}
	if _, err := loop.Result(); !errors.Is(err, ErrNotFinished) {
		t.Errorf("Expected ErrNotFinished, got %v", err)
	}

	if err := loop.Start("output"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := loop.Start("again"); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Expected ErrAlreadyStarted, got %v", err)
	}

	// Wrong check for the current stage.
	err := loop.OnCheckResult(CheckResult{Check: types.CheckRegression, Passed: true})
	if !errors.Is(err, ErrMalformedResult) {
		t.Errorf("Expected ErrMalformedResult for wrong check, got %v", err)
	}

	// Failing result must carry its failure event.
	err = loop.OnCheckResult(CheckResult{Check: types.CheckStaticAnalysis, Passed: false})
	if !errors.Is(err, ErrMalformedResult) {
		t.Errorf("Expected ErrMalformedResult for missing failure, got %v", err)
	}

	// Passing result must not carry one.
	err = loop.OnCheckResult(CheckResult{
		Check:   types.CheckStaticAnalysis,
		Passed:  true,
		Failure: &types.FailureEvent{Stage: types.CheckStaticAnalysis, Message: "x", OccurredAt: clock.Now()},
	})
	if !errors.Is(err, ErrMalformedResult) {
		t.Errorf("Expected ErrMalformedResult for pass with failure, got %v", err)
	}

	// Fix outside fixing state.
	if err := loop.OnFixApplied(Fix{Remediation: "noop"}); !errors.Is(err, ErrUnexpectedEvent) {
		t.Errorf("Expected ErrUnexpectedEvent for fix in stage, got %v", err)
	}

	// Check result while fixing.
	failCheck(t, loop, types.CheckStaticAnalysis, "lint", clock.Now())
	err = loop.OnCheckResult(CheckResult{Check: types.CheckStaticAnalysis, Passed: true})
	if !errors.Is(err, ErrUnexpectedEvent) {
		t.Errorf("Expected ErrUnexpectedEvent for result while fixing, got %v", err)
	}

	// Events after a terminal state.
	applyFix(t, loop, "fix", types.TrendUnchanged)
	passCheck(t, loop, types.CheckStaticAnalysis)
	passCheck(t, loop, types.CheckRegression)
	passCheck(t, loop, types.CheckCompletion)
	if err := loop.OnCheckResult(CheckResult{Check: types.CheckCompletion, Passed: true}); !errors.Is(err, ErrLoopFinished) {
		t.Errorf("Expected ErrLoopFinished, got %v", err)
	}
	if err := loop.OnFixApplied(Fix{}); !errors.Is(err, ErrLoopFinished) {
		t.Errorf("Expected ErrLoopFinished for late fix, got %v", err)
	}
}

func TestLoop_ConfigValidation(t *testing.T) {
	if _, err := NewLoop(Config{Deadline: time.Minute, MaxFailures: 3}, nil, nil, nil); err == nil {
		t.Error("Expected error for empty check list")
	}
	if _, err := NewLoop(Config{Checks: types.DefaultChecks(), MaxFailures: 3}, nil, nil, nil); err == nil {
		t.Error("Expected error for zero deadline")
	}
	if _, err := NewLoop(Config{Checks: types.DefaultChecks(), Deadline: time.Minute}, nil, nil, nil); err == nil {
		t.Error("Expected error for zero failure limit")
	}
}
