// Package verification implements the verification loop: an ordered sequence
// of checks driven by external check-complete events, judged by the loss-cut
// engine on every failure, and bounded by a single wall-clock deadline armed
// once at loop entry. The loop is an explicit state machine; zero-input
// transitions (judgment, terminal folds) resolve inside the event call that
// triggered them.
package verification

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"taskwarden/internal/losscut"
	"taskwarden/internal/types"
)

// State identifies one verification loop state. Stage states are generated
// from the configured check list via StageState.
type State string

const (
	StateIdle      State = "idle"
	StateJudging   State = "judging"
	StateFixing    State = "fixing"
	StatePassed    State = "passed"
	StateAbandoned State = "abandoned"
)

// StageState returns the state name for the i-th ordered check.
func StageState(i int) State {
	return State(fmt.Sprintf("stage_%d", i))
}

var (
	ErrAlreadyStarted = errors.New("verification loop already started")
	ErrNotStarted     = errors.New("verification loop not started")
	ErrLoopFinished   = errors.New("verification loop already finished")
	// ErrUnexpectedEvent is returned when an event arrives in a state that
	// does not accept it. The event is rejected; state is unchanged.
	ErrUnexpectedEvent = errors.New("event not accepted in current state")
	// ErrMalformedResult is returned for check results that violate the
	// event contract: a failing result without a failure event, a passing
	// result carrying one, or a result for the wrong check.
	ErrMalformedResult = errors.New("malformed check result")
	ErrNotFinished     = errors.New("verification loop has not reached a terminal state")
)

// deadlineMessage is the synthetic failure message recorded when the
// deadline preempts a stage that has no failure of its own.
const deadlineMessage = "verification deadline exceeded"

// CheckResult is the external check-complete signal for the current stage.
type CheckResult struct {
	Check   types.CheckKind
	Passed  bool
	Failure *types.FailureEvent
}

// Fix is the external fix-applied signal. Remediation and trend are staged
// into the next failure record.
type Fix struct {
	Remediation string
	Trend       types.Trend
}

// Transition is one recorded state change.
type Transition struct {
	From  State
	To    State
	Cause string
	Check types.CheckKind
	Round int
	At    time.Time
}

// Config holds the loop shape. Deadline bounds the whole loop and doubles as
// the loss-cut elapsed-time threshold so the two can never disagree.
type Config struct {
	Checks      []types.CheckKind
	Deadline    time.Duration
	MaxFailures int
}

// DefaultConfig returns the standard three-check loop.
func DefaultConfig() Config {
	return Config{
		Checks:      types.DefaultChecks(),
		Deadline:    30 * time.Minute,
		MaxFailures: 3,
	}
}

// Validate reports whether the config describes a runnable loop.
func (c Config) Validate() error {
	if len(c.Checks) == 0 {
		return errors.New("verification loop needs at least one check")
	}
	if c.Deadline <= 0 {
		return errors.New("verification loop needs a positive deadline")
	}
	if c.MaxFailures <= 0 {
		return errors.New("verification loop needs a positive failure limit")
	}
	return nil
}

// Result is the loop's terminal output. History fields are populated only on
// abandonment.
type Result struct {
	Passed          bool
	Abandoned       bool
	LastFailure     *types.FailureEvent
	FailureHistory  []types.FailureRecord
	PolicyViolation bool
}

// Loop is the verification loop state machine. Safe for concurrent use; the
// deadline watcher delivers Tick from its own goroutine.
type Loop struct {
	mu sync.Mutex

	cfg    Config
	clock  types.Clock
	logger *zap.Logger

	judge    *losscut.Engine
	monitors []Monitor

	// Current state
	state  State
	stage  int
	round  int
	output string

	// Armed once at Start, never re-armed mid-loop.
	deadline time.Time

	lcState            *losscut.State
	pendingRemediation string
	pendingTrend       types.Trend

	// Latched on the first positive monitor signal, independent of outcome.
	policyViolation bool

	result  *Result
	history []Transition
}

// NewLoop creates an idle loop. The loss-cut engine is built internally so
// its elapsed-time threshold always equals the loop deadline. A nil clock
// falls back to the system clock, a nil logger to a no-op logger.
func NewLoop(cfg Config, monitors []Monitor, clock types.Clock, logger *zap.Logger) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = types.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		judge: losscut.NewEngine(losscut.Config{
			MaxFailures:     cfg.MaxFailures,
			MaxLoopDuration: cfg.Deadline,
		}, clock, logger),
		monitors: monitors,
		state:    StateIdle,
		history:  make([]Transition, 0),
	}, nil
}

// Start arms the deadline and enters the first stage. The output snapshot is
// what the principle monitors inspect on every stage entry.
func (l *Loop) Start(output string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateIdle {
		return ErrAlreadyStarted
	}

	now := l.clock.Now()
	l.output = output
	l.lcState = losscut.NewState(now)
	l.deadline = now.Add(l.cfg.Deadline)

	l.logger.Info("verification loop started",
		zap.Int("checks", len(l.cfg.Checks)),
		zap.Time("deadline", l.deadline))

	l.enterStage(0, "start")
	return nil
}

// OnCheckResult delivers the check-complete signal for the current stage.
func (l *Loop) OnCheckResult(res CheckResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateIdle {
		return ErrNotStarted
	}
	if l.terminal() {
		return ErrLoopFinished
	}
	if !l.inStage() {
		return fmt.Errorf("%w: check result delivered in state %s", ErrUnexpectedEvent, l.state)
	}

	current := l.cfg.Checks[l.stage]
	if res.Check != current {
		return fmt.Errorf("%w: result for %s while running %s", ErrMalformedResult, res.Check, current)
	}
	if res.Passed && res.Failure != nil {
		return fmt.Errorf("%w: passing result carries a failure event", ErrMalformedResult)
	}
	if !res.Passed {
		if res.Failure == nil {
			return fmt.Errorf("%w: failing result carries no failure event", ErrMalformedResult)
		}
		if res.Failure.Stage != current {
			return fmt.Errorf("%w: failure for stage %s while running %s", ErrMalformedResult, res.Failure.Stage, current)
		}
	}

	// The deadline semantically fires before any event that arrives after
	// it; a late result is folded into the forced judgment.
	if l.deadlineElapsed() {
		if !res.Passed {
			return l.forceJudgment(*res.Failure, "deadline")
		}
		return l.forceJudgment(l.syntheticTimeout(current), "deadline")
	}

	if res.Passed {
		if l.stage == len(l.cfg.Checks)-1 {
			l.finishPassed()
			return nil
		}
		l.enterStage(l.stage+1, "check_passed")
		return nil
	}

	l.recordFailure(*res.Failure)
	l.transition(StateJudging, "check_failed", current)
	return l.runJudgment()
}

// OnFixApplied delivers the external fix-applied signal and re-enters the
// first stage. The fix description is staged into the next failure record;
// the judgment slot resets because a new attempt begins.
func (l *Loop) OnFixApplied(fix Fix) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateIdle {
		return ErrNotStarted
	}
	if l.terminal() {
		return ErrLoopFinished
	}
	if l.state != StateFixing {
		return fmt.Errorf("%w: fix applied in state %s", ErrUnexpectedEvent, l.state)
	}

	trend := fix.Trend
	if trend == "" {
		trend = types.TrendUnchanged
	}
	l.pendingRemediation = fix.Remediation
	l.pendingTrend = trend
	l.lcState.ResetDecision()
	l.round++

	l.enterStage(0, "fix_applied")
	return nil
}

// Tick is the deadline watcher's signal. Before the deadline it is a no-op;
// at or past it, the loop is preempted into judgment from any stage and from
// fixing. Ticks after a terminal state are ignored so a late watcher firing
// is harmless.
func (l *Loop) Tick() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateIdle {
		return ErrNotStarted
	}
	if l.terminal() || !l.deadlineElapsed() {
		return nil
	}

	switch {
	case l.inStage():
		return l.forceJudgment(l.syntheticTimeout(l.cfg.Checks[l.stage]), "deadline")
	case l.state == StateFixing:
		// The deadline bounds the whole loop, fix time included. The
		// aborted fix attempt opens a fresh judgment pass.
		l.lcState.ResetDecision()
		return l.forceJudgment(l.syntheticTimeout(l.lcState.LastFailure.Stage), "deadline")
	default:
		return nil
	}
}

// State returns the current state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Done reports whether the loop reached a terminal state.
func (l *Loop) Done() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.terminal()
}

// Deadline returns the armed deadline. Zero before Start.
func (l *Loop) Deadline() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deadline
}

// Result returns the terminal output record.
func (l *Loop) Result() (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.result == nil {
		return Result{}, ErrNotFinished
	}
	return *l.result, nil
}

// History returns a copy of the transition history.
func (l *Loop) History() []Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Transition{}, l.history...)
}

// Rounds returns the number of completed fix cycles.
func (l *Loop) Rounds() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.round
}

func (l *Loop) terminal() bool {
	return l.state == StatePassed || l.state == StateAbandoned
}

func (l *Loop) inStage() bool {
	return l.state != StateIdle && l.state != StateJudging && l.state != StateFixing && !l.terminal()
}

func (l *Loop) deadlineElapsed() bool {
	return !l.clock.Now().Before(l.deadline)
}

func (l *Loop) syntheticTimeout(stage types.CheckKind) types.FailureEvent {
	return types.FailureEvent{
		Stage:      stage,
		Message:    deadlineMessage,
		OccurredAt: l.clock.Now(),
	}
}

// transition appends a history record and moves to the new state.
func (l *Loop) transition(to State, cause string, check types.CheckKind) {
	l.history = append(l.history, Transition{
		From:  l.state,
		To:    to,
		Cause: cause,
		Check: check,
		Round: l.round,
		At:    l.clock.Now(),
	})
	l.logger.Debug("verification transition",
		zap.String("from", string(l.state)),
		zap.String("to", string(to)),
		zap.String("cause", cause))
	l.state = to
}

// enterStage moves into stage i and runs both principle monitors. Monitors
// run on every entry, re-entries after a fix included; a positive signal
// latches the policy violation regardless of later outcomes.
func (l *Loop) enterStage(i int, cause string) {
	check := l.cfg.Checks[i]
	l.stage = i
	l.transition(StageState(i), cause, check)

	entry := StageEntry{
		Check:  check,
		Stage:  i,
		Round:  l.round,
		Output: l.output,
	}
	for _, m := range l.monitors {
		if m.Inspect(entry) {
			if !l.policyViolation {
				l.logger.Warn("principle violation latched",
					zap.String("monitor", m.Name()),
					zap.String("stage", string(check)))
			}
			l.policyViolation = true
		}
	}
}

func (l *Loop) recordFailure(ev types.FailureEvent) {
	l.lcState.Record(ev, l.pendingRemediation, l.pendingTrend)
	l.pendingRemediation = ""
	l.pendingTrend = ""
}

// forceJudgment records the failure and preempts into judgment. Used for
// every deadline-triggered entry.
func (l *Loop) forceJudgment(ev types.FailureEvent, cause string) error {
	l.recordFailure(ev)
	l.transition(StateJudging, cause, ev.Stage)
	return l.runJudgment()
}

// runJudgment resolves the judging state: it wraps the loss-cut engine and
// chains straight into fixing or abandonment.
func (l *Loop) runJudgment() error {
	decision, err := l.judge.Judge(l.lcState)
	if err != nil {
		return fmt.Errorf("loss-cut judgment: %w", err)
	}

	switch decision {
	case losscut.DecisionContinue:
		l.transition(StateFixing, "losscut_continue", "")
	case losscut.DecisionCut:
		l.finishAbandoned()
	}
	return nil
}

func (l *Loop) finishPassed() {
	l.transition(StatePassed, "all_checks_passed", "")
	l.result = &Result{
		Passed:          true,
		PolicyViolation: l.policyViolation,
	}
	l.logger.Info("verification loop passed",
		zap.Int("rounds", l.round),
		zap.Bool("policy_violation", l.policyViolation))
}

func (l *Loop) finishAbandoned() {
	l.transition(StateAbandoned, "losscut_cut", "")
	l.result = &Result{
		Abandoned:       true,
		LastFailure:     l.lcState.LastFailure,
		FailureHistory:  append([]types.FailureRecord{}, l.lcState.FailureHistory...),
		PolicyViolation: l.policyViolation,
	}
	l.logger.Info("verification loop abandoned",
		zap.Int("failure_count", l.lcState.FailureCount),
		zap.Bool("policy_violation", l.policyViolation))
}
