// Package recovery implements the recovery flow for an abandoned attempt:
// three ordered analysis steps, approach selection, escalation with optional
// confirmation, and the unconditional learning tail (record, document,
// optionally share). Human-shaped steps are driven by external step-complete
// events; the learning tail invokes the injected sink synchronously and
// chains without further input.
package recovery

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"taskwarden/internal/escalation"
	"taskwarden/internal/types"
)

// State identifies one recovery flow state.
type State string

const (
	StateIdle                  State = "idle"
	StateVerbalizing           State = "verbalizing"
	StateDiagnosingCause       State = "diagnosing_cause"
	StateIdentifyingEssence    State = "identifying_essence"
	StateSelectingApproach     State = "selecting_approach"
	StateApplyingApproach      State = "applying_approach"
	StateEscalating            State = "escalating"
	StateConfirmingEscalation  State = "confirming_escalation"
	StateConsultingTeam        State = "consulting_team"
	StateRecordingLearning     State = "recording_learning"
	StateDocumentingWorkaround State = "documenting_workaround"
	StateSharingWithTeam       State = "sharing_with_team"
	StateComplete              State = "complete"
)

// Approach is one of the four mutually exclusive remediation approaches.
type Approach string

const (
	ApproachHumanFix     Approach = "human_fix_with_explanation"
	ApproachRedecompose  Approach = "redecompose_problem"
	ApproachResetContext Approach = "reset_context"
	ApproachEscalate     Approach = "escalate"
)

var (
	ErrAlreadyStarted = errors.New("recovery flow already started")
	ErrNotStarted     = errors.New("recovery flow not started")
	ErrFlowFinished   = errors.New("recovery flow already finished")
	// ErrUnexpectedEvent is returned when a step-complete signal arrives in
	// a state that does not accept it.
	ErrUnexpectedEvent = errors.New("event not accepted in current state")
	// ErrAnalysisIncomplete is returned when the essence step completes
	// without a populated analysis.
	ErrAnalysisIncomplete = errors.New("problem analysis incomplete")
	// ErrMissingFailureContext is returned when the flow starts without the
	// abandoned attempt's failure context.
	ErrMissingFailureContext = errors.New("recovery flow needs the abandoned attempt's failure context")
	ErrNotFinished           = errors.New("recovery flow has not reached a terminal state")
)

// Input is the carried-forward context of the abandoned attempt.
type Input struct {
	AttemptID      string
	Task           types.TaskDescription
	LastFailure    *types.FailureEvent
	FailureHistory []types.FailureRecord
}

// FailurePattern is the learning record written at the unconditional join.
type FailurePattern struct {
	AttemptID     string
	Failure       types.FailureEvent
	History       []types.FailureRecord
	Essence       string
	CauseAnalysis string
	Approach      Approach
	Escalated     bool
	RecordedAt    time.Time
}

// Workaround is the structured report handed to the sink for rendering.
type Workaround struct {
	AttemptID     string
	Essence       string
	CauseAnalysis string
	Verbalization string
	Approach      Approach
	CreatedAt     time.Time
}

// LearningSink receives the learning tail's side effects. Recording is the
// join invariant; documenting always follows it; sharing only runs when the
// share flag is set.
type LearningSink interface {
	RecordPattern(p FailurePattern) error
	DocumentWorkaround(w Workaround) error
	ShareWithTeam(w Workaround) error
}

// Selector chooses a remediation approach from the analysis. Returning
// ApproachEscalate means none of the three self-serve approaches apply.
type Selector interface {
	Select(a types.ProblemAnalysis) Approach
}

// SelectorFunc adapts a plain function into a Selector.
type SelectorFunc func(a types.ProblemAnalysis) Approach

func (f SelectorFunc) Select(a types.ProblemAnalysis) Approach { return f(a) }

// DefaultSelector is an ordered decision table over the analysis traits.
// First match wins; the escalate fallback fires when nothing applies.
func DefaultSelector() Selector {
	return SelectorFunc(func(a types.ProblemAnalysis) Approach {
		switch {
		case a.RetreatCount >= 2:
			return ApproachResetContext
		case a.IsUnknownCause:
			return ApproachRedecompose
		case a.IsOutOfSkillScope:
			return ApproachHumanFix
		default:
			return ApproachEscalate
		}
	})
}

// Transition is one recorded state change.
type Transition struct {
	From  State
	To    State
	Cause string
	At    time.Time
}

// Config holds the flow bounds.
type Config struct {
	// MaxSelectionRounds bounds how many selection rounds may resolve to the
	// escalate fallback before a direct human fix is forced. Keeps the
	// self-resolution loop from cycling indefinitely.
	MaxSelectionRounds int
	ShareWithTeam      bool
}

// DefaultConfig returns the standard bounds.
func DefaultConfig() Config {
	return Config{
		MaxSelectionRounds: 3,
		ShareWithTeam:      true,
	}
}

// Validate reports whether the config describes a runnable flow.
func (c Config) Validate() error {
	if c.MaxSelectionRounds <= 0 {
		return errors.New("recovery flow needs a positive selection bound")
	}
	return nil
}

// Result is the flow's terminal output. Recovered means the recovery process
// ran to completion, not that the original problem is fixed.
type Result struct {
	Recovered bool
	Approach  Approach
	Escalated bool
}

// Flow is the recovery state machine.
type Flow struct {
	mu sync.Mutex

	cfg      Config
	clock    types.Clock
	logger   *zap.Logger
	es       *escalation.Engine
	selector Selector
	sink     LearningSink

	state           State
	input           Input
	analysis        *types.ProblemAnalysis
	approach        Approach
	escalated       bool
	selectionRounds int
	forcedFallback  bool

	result  *Result
	history []Transition
}

// NewFlow creates an idle recovery flow. The sink is required: the learning
// join cannot be satisfied without one. A nil escalation engine gets default
// thresholds; a nil selector gets the default decision table.
func NewFlow(cfg Config, es *escalation.Engine, selector Selector, sink LearningSink, clock types.Clock, logger *zap.Logger) (*Flow, error) {
	if sink == nil {
		return nil, errors.New("recovery flow needs a learning sink")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = types.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if es == nil {
		es = escalation.NewEngine(escalation.DefaultConfig(), clock, logger)
	}
	if selector == nil {
		selector = DefaultSelector()
	}
	return &Flow{
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
		es:       es,
		selector: selector,
		sink:     sink,
		state:    StateIdle,
		history:  make([]Transition, 0),
	}, nil
}

// Start begins the analysis phase for the abandoned attempt.
func (f *Flow) Start(input Input) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateIdle {
		return ErrAlreadyStarted
	}
	if input.LastFailure == nil {
		return ErrMissingFailureContext
	}

	f.input = input
	f.logger.Info("recovery flow started",
		zap.String("attempt_id", input.AttemptID),
		zap.String("failed_stage", string(input.LastFailure.Stage)),
		zap.Int("failure_count", len(input.FailureHistory)))

	f.transition(StateVerbalizing, "start")
	return nil
}

// OnVerbalized completes the first analysis sub-step.
func (f *Flow) OnVerbalized() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.expect(StateVerbalizing); err != nil {
		return err
	}
	f.transition(StateDiagnosingCause, "step_complete")
	return nil
}

// OnCauseDiagnosed completes the second analysis sub-step.
func (f *Flow) OnCauseDiagnosed() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.expect(StateDiagnosingCause); err != nil {
		return err
	}
	f.transition(StateIdentifyingEssence, "step_complete")
	return nil
}

// OnEssenceIdentified completes the analysis with its only payload. The
// tier-1 gate runs immediately: any immediate-risk trait jumps straight to
// escalating, skipping approach selection.
func (f *Flow) OnEssenceIdentified(a types.ProblemAnalysis) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.expect(StateIdentifyingEssence); err != nil {
		return err
	}
	if !a.Populated() {
		return ErrAnalysisIncomplete
	}

	f.analysis = &a

	gate, err := f.es.Judge(a)
	if err != nil {
		return fmt.Errorf("tier-1 gate: %w", err)
	}
	if gate.Outcome == escalation.OutcomeEscalate && gate.Urgency == escalation.UrgencyImmediate {
		return f.enterEscalating("tier1_gate")
	}
	return f.enterSelection("analysis_complete")
}

// OnApproachApplied completes the externally applied A/B/C approach.
func (f *Flow) OnApproachApplied() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.expect(StateApplyingApproach); err != nil {
		return err
	}
	return f.enterRecording("approach_applied")
}

// OnEscalationConfirmed resolves a delayed escalation. Approved proceeds to
// the mandatory team consultation; rejected returns to approach selection.
func (f *Flow) OnEscalationConfirmed(approved bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.expect(StateConfirmingEscalation); err != nil {
		return err
	}
	if approved {
		return f.enterConsulting("escalation_confirmed")
	}
	return f.enterSelection("confirmation_rejected")
}

// OnConsultationDone completes the team consultation.
func (f *Flow) OnConsultationDone() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.expect(StateConsultingTeam); err != nil {
		return err
	}
	return f.enterRecording("consultation_done")
}

// State returns the current state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Done reports whether the flow completed.
func (f *Flow) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == StateComplete
}

// Result returns the terminal output record.
func (f *Flow) Result() (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.result == nil {
		return Result{}, ErrNotFinished
	}
	return *f.result, nil
}

// History returns a copy of the transition history.
func (f *Flow) History() []Transition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Transition{}, f.history...)
}

// SelectionRounds returns how many approach-selection rounds have run.
func (f *Flow) SelectionRounds() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.selectionRounds
}

func (f *Flow) expect(s State) error {
	if f.state == StateIdle {
		return ErrNotStarted
	}
	if f.state == StateComplete {
		return ErrFlowFinished
	}
	if f.state != s {
		return fmt.Errorf("%w: expected state %s, in %s", ErrUnexpectedEvent, s, f.state)
	}
	return nil
}

func (f *Flow) transition(to State, cause string) {
	f.history = append(f.history, Transition{
		From:  f.state,
		To:    to,
		Cause: cause,
		At:    f.clock.Now(),
	})
	f.logger.Debug("recovery transition",
		zap.String("from", string(f.state)),
		zap.String("to", string(to)),
		zap.String("cause", cause))
	f.state = to
}

// enterSelection runs one approach-selection round. The selector's escalate
// fallback is bounded: past MaxSelectionRounds it is overridden with a
// direct human fix so the flow cannot cycle between selection and
// self-resolving escalation forever.
func (f *Flow) enterSelection(cause string) error {
	f.transition(StateSelectingApproach, cause)
	f.selectionRounds++

	approach := f.selector.Select(*f.analysis)
	if approach == ApproachEscalate {
		if f.selectionRounds > f.cfg.MaxSelectionRounds {
			f.forcedFallback = true
			f.logger.Warn("selection bound reached, forcing direct human fix",
				zap.Int("rounds", f.selectionRounds),
				zap.Int("max_rounds", f.cfg.MaxSelectionRounds))
			f.approach = ApproachHumanFix
			f.transition(StateApplyingApproach, "fallback_forced")
			return nil
		}
		return f.enterEscalating("approach_fallback")
	}

	f.approach = approach
	f.logger.Info("remediation approach selected",
		zap.String("approach", string(approach)),
		zap.Int("round", f.selectionRounds))
	f.transition(StateApplyingApproach, "approach_selected")
	return nil
}

// enterEscalating runs the full escalation judgment and routes on it.
func (f *Flow) enterEscalating(cause string) error {
	f.transition(StateEscalating, cause)

	j, err := f.es.Judge(*f.analysis)
	if err != nil {
		return fmt.Errorf("escalation judgment: %w", err)
	}

	if j.Outcome == escalation.OutcomeSelf {
		return f.enterSelection("self_resolution")
	}

	f.approach = ApproachEscalate
	if j.Urgency == escalation.UrgencyImmediate {
		return f.enterConsulting("escalate_immediate")
	}
	f.transition(StateConfirmingEscalation, "escalate_delayed")
	return nil
}

func (f *Flow) enterConsulting(cause string) error {
	f.escalated = true
	f.transition(StateConsultingTeam, cause)
	return nil
}

// enterRecording runs the unconditional learning tail: record, document,
// optionally share, complete. Every path through the flow converges here.
func (f *Flow) enterRecording(cause string) error {
	f.transition(StateRecordingLearning, cause)

	pattern := FailurePattern{
		AttemptID:     f.input.AttemptID,
		Failure:       *f.input.LastFailure,
		History:       append([]types.FailureRecord{}, f.input.FailureHistory...),
		Essence:       f.analysis.Essence,
		CauseAnalysis: f.analysis.CauseAnalysis,
		Approach:      f.approach,
		Escalated:     f.escalated,
		RecordedAt:    f.clock.Now(),
	}
	if err := f.sink.RecordPattern(pattern); err != nil {
		return fmt.Errorf("recording learning: %w", err)
	}

	f.transition(StateDocumentingWorkaround, "learning_recorded")
	workaround := Workaround{
		AttemptID:     f.input.AttemptID,
		Essence:       f.analysis.Essence,
		CauseAnalysis: f.analysis.CauseAnalysis,
		Verbalization: f.analysis.Verbalization,
		Approach:      f.approach,
		CreatedAt:     f.clock.Now(),
	}
	if err := f.sink.DocumentWorkaround(workaround); err != nil {
		return fmt.Errorf("documenting workaround: %w", err)
	}

	if f.cfg.ShareWithTeam {
		f.transition(StateSharingWithTeam, "workaround_documented")
		if err := f.sink.ShareWithTeam(workaround); err != nil {
			return fmt.Errorf("sharing with team: %w", err)
		}
		f.finish("shared_with_team")
		return nil
	}

	f.finish("workaround_documented")
	return nil
}

func (f *Flow) finish(cause string) {
	f.transition(StateComplete, cause)
	f.result = &Result{
		Recovered: true,
		Approach:  f.approach,
		Escalated: f.escalated,
	}
	f.logger.Info("recovery flow complete",
		zap.String("approach", string(f.approach)),
		zap.Bool("escalated", f.escalated),
		zap.Bool("forced_fallback", f.forcedFallback))
}
