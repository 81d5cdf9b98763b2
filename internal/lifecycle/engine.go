// Package lifecycle composes the gates, the classifier, execution, the
// verification loop, and the recovery flow into one task lifecycle. The
// engine owns the aggregate attempt state; sub-machines are constructed per
// attempt, run to a terminal state, and their outputs are folded back in
// before the next stage proceeds. A verification policy violation discards
// all forward progress and restarts the lifecycle at the principle gate.
package lifecycle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskwarden/internal/escalation"
	"taskwarden/internal/recovery"
	"taskwarden/internal/types"
	"taskwarden/internal/verification"
)

// State identifies one lifecycle stage.
type State string

const (
	StateIdle           State = "idle"
	StateGateCheck      State = "gate_check"
	StateGateFix        State = "gate_fix"
	StatePrereqCheck    State = "prereq_check"
	StateTaskAdjustment State = "task_adjustment"
	StateClassifying    State = "classifying"
	StateExecuting      State = "executing"
	StateReviewing      State = "reviewing"
	StateVerifying      State = "verifying"
	StateRecovering     State = "recovering"
	StateCompleted      State = "completed"
	StateRecoveryExit   State = "recovery_exit"
)

// CompletionType distinguishes the two terminal outcomes.
type CompletionType string

const (
	CompletionCompleted    CompletionType = "completed"
	CompletionRecoveryExit CompletionType = "recovery_exit"
)

var (
	ErrAlreadyStarted    = errors.New("lifecycle already started")
	ErrNotStarted        = errors.New("lifecycle not started")
	ErrLifecycleFinished = errors.New("lifecycle already finished")
	// ErrUnexpectedEvent is returned when a signal arrives in a stage that
	// does not accept it.
	ErrUnexpectedEvent = errors.New("event not accepted in current stage")
	// ErrExecutionMismatch is returned when the execution result's producer
	// contradicts the classifier's division.
	ErrExecutionMismatch = errors.New("execution result contradicts work division")
	ErrNotFinished       = errors.New("lifecycle has not reached a terminal state")
)

// PrincipleGate checks a task against the collaboration principles before
// any work starts. An empty violation list means the gate is clear.
type PrincipleGate interface {
	Check(task types.TaskDescription) []types.GateViolation
}

// PrerequisiteGate is the four-level prerequisite chain. Invoked as an
// opaque sub-process; only its decision record crosses the boundary.
type PrerequisiteGate interface {
	Evaluate(task types.TaskDescription) types.GateDecision
}

// Classifier assigns the work division and prompting technique.
type Classifier interface {
	Classify(task types.TaskDescription) types.Classification
}

// Transition is one recorded stage change.
type Transition struct {
	From  State
	To    State
	Cause string
	At    time.Time
}

// Aggregate is the lifecycle's accumulated attempt state. Sub-machine
// outputs land here by value; nothing is shared with a running sub-machine.
type Aggregate struct {
	TaskID    string
	AttemptID string
	Task      types.TaskDescription

	GateViolations []types.GateViolation
	Gate           *types.GateDecision
	Classification *types.Classification
	Execution      *types.ExecutionResult
	Verification   *verification.Result
	Recovery       *recovery.Result

	// LoopBack is set once a policy violation has forced a restart at the
	// principle gate. LoopBackCount survives the discard of forward
	// progress.
	LoopBack      bool
	LoopBackCount int
}

func (a Aggregate) clone() Aggregate {
	out := a
	out.Task.Labels = append([]string(nil), a.Task.Labels...)
	out.GateViolations = append([]types.GateViolation(nil), a.GateViolations...)
	if a.Gate != nil {
		g := *a.Gate
		g.Warnings = append([]string(nil), a.Gate.Warnings...)
		out.Gate = &g
	}
	if a.Classification != nil {
		c := *a.Classification
		out.Classification = &c
	}
	if a.Execution != nil {
		x := *a.Execution
		out.Execution = &x
	}
	if a.Verification != nil {
		v := *a.Verification
		v.FailureHistory = append([]types.FailureRecord(nil), a.Verification.FailureHistory...)
		if a.Verification.LastFailure != nil {
			f := *a.Verification.LastFailure
			v.LastFailure = &f
		}
		out.Verification = &v
	}
	if a.Recovery != nil {
		r := *a.Recovery
		out.Recovery = &r
	}
	return out
}

// Outcome is the lifecycle's terminal output record.
type Outcome struct {
	CompletionType CompletionType
	Execution      *types.ExecutionResult
	Recovery       *recovery.Result
}

// Config holds the sub-machine configurations.
type Config struct {
	Verification verification.Config
	Recovery     recovery.Config
}

// DefaultConfig returns the standard lifecycle shape.
func DefaultConfig() Config {
	return Config{
		Verification: verification.DefaultConfig(),
		Recovery:     recovery.DefaultConfig(),
	}
}

// Deps are the injected collaborators. PrincipleGate, Prerequisites,
// Classifier, and Sink are required. Monitors is a factory because monitor
// latches are per verification attempt; nil gets inert default monitors.
type Deps struct {
	PrincipleGate PrincipleGate
	Prerequisites PrerequisiteGate
	Classifier    Classifier
	Sink          recovery.LearningSink

	Escalation *escalation.Engine
	Selector   recovery.Selector
	Monitors   func() []verification.Monitor
	Clock      types.Clock
	Logger     *zap.Logger
}

// Engine is the lifecycle orchestrator.
type Engine struct {
	mu sync.Mutex

	cfg    Config
	deps   Deps
	clock  types.Clock
	logger *zap.Logger

	state          State
	aggregate      Aggregate
	reviewRecorded bool

	loop *verification.Loop
	flow *recovery.Flow

	outcome *Outcome
	history []Transition
	events  chan Transition
}

// NewEngine creates an idle lifecycle engine.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.PrincipleGate == nil {
		return nil, errors.New("lifecycle needs a principle gate")
	}
	if deps.Prerequisites == nil {
		return nil, errors.New("lifecycle needs a prerequisite gate")
	}
	if deps.Classifier == nil {
		return nil, errors.New("lifecycle needs a classifier")
	}
	if deps.Sink == nil {
		return nil, errors.New("lifecycle needs a learning sink")
	}
	if err := cfg.Verification.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Recovery.Validate(); err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = types.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Monitors == nil {
		logger := deps.Logger
		deps.Monitors = func() []verification.Monitor {
			return []verification.Monitor{
				verification.NewCollaborationMonitor(nil, logger),
				verification.NewBehaviorMonitor(nil, logger),
			}
		}
	}
	return &Engine{
		cfg:     cfg,
		deps:    deps,
		clock:   deps.Clock,
		logger:  deps.Logger,
		state:   StateIdle,
		history: make([]Transition, 0),
		events:  make(chan Transition, 64),
	}, nil
}

// Start begins the lifecycle for one task and runs the gate chain until the
// first stage that needs an external signal.
func (e *Engine) Start(task types.TaskDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateIdle {
		return ErrAlreadyStarted
	}
	if task.Summary == "" {
		return errors.New("task needs a summary")
	}

	e.aggregate.TaskID = uuid.NewString()
	e.aggregate.AttemptID = uuid.NewString()
	e.aggregate.Task = task
	e.logger.Info("lifecycle started",
		zap.String("task_id", e.aggregate.TaskID),
		zap.String("summary", task.Summary))

	return e.enterGateCheck("start")
}

// OnGateFixed reports that the principle violations were addressed; the gate
// runs again from scratch.
func (e *Engine) OnGateFixed() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.expect(StateGateFix); err != nil {
		return err
	}
	return e.enterGateCheck("gate_fixed")
}

// OnTaskAdjusted replaces the task description after a prerequisite
// rejection and re-runs the prerequisite chain.
func (e *Engine) OnTaskAdjusted(task types.TaskDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.expect(StateTaskAdjustment); err != nil {
		return err
	}
	if task.Summary == "" {
		return errors.New("task needs a summary")
	}
	e.aggregate.Task = task
	return e.enterPrereqCheck("task_adjusted")
}

// OnExecutionComplete folds in the execution stage's output. Model-produced
// output goes through mandatory human review; human-produced output goes
// straight to verification.
func (e *Engine) OnExecutionComplete(res types.ExecutionResult) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.expect(StateExecuting); err != nil {
		return err
	}
	wantModel := e.aggregate.Classification.Division == types.DivisionAI
	if res.ProducedByModel != wantModel {
		return fmt.Errorf("%w: division %s, produced_by_model %t",
			ErrExecutionMismatch, e.aggregate.Classification.Division, res.ProducedByModel)
	}

	e.aggregate.Execution = &res
	if res.ProducedByModel {
		e.transition(StateReviewing, "model_output")
		return nil
	}
	return e.enterVerifying("human_output")
}

// OnReviewComplete records the human verdict on model-produced output. The
// verdict is recorded either way; verification decides the attempt's fate.
func (e *Engine) OnReviewComplete(approved bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.expect(StateReviewing); err != nil {
		return err
	}
	e.aggregate.Execution.HumanApproved = approved
	e.reviewRecorded = true
	e.logger.Info("human review recorded",
		zap.String("attempt_id", e.aggregate.AttemptID),
		zap.Bool("approved", approved))

	cause := "review_approved"
	if !approved {
		cause = "review_rejected"
	}
	return e.enterVerifying(cause)
}

// OnCheckResult forwards a check-complete signal to the running
// verification loop and folds the loop's output if it finished.
func (e *Engine) OnCheckResult(res verification.CheckResult) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.expect(StateVerifying); err != nil {
		return err
	}
	if err := e.loop.OnCheckResult(res); err != nil {
		return err
	}
	return e.foldVerification()
}

// OnFixApplied forwards a fix-applied signal to the verification loop.
func (e *Engine) OnFixApplied(fix verification.Fix) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.expect(StateVerifying); err != nil {
		return err
	}
	if err := e.loop.OnFixApplied(fix); err != nil {
		return err
	}
	return e.foldVerification()
}

// Tick delivers a deadline wakeup. Harmless in any stage; only a running
// verification loop reacts to it.
func (e *Engine) Tick() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateVerifying {
		return nil
	}
	if err := e.loop.Tick(); err != nil {
		return err
	}
	return e.foldVerification()
}

// OnVerbalized forwards the first recovery analysis step.
func (e *Engine) OnVerbalized() error {
	return e.forwardRecovery(func(f *recovery.Flow) error { return f.OnVerbalized() })
}

// OnCauseDiagnosed forwards the second recovery analysis step.
func (e *Engine) OnCauseDiagnosed() error {
	return e.forwardRecovery(func(f *recovery.Flow) error { return f.OnCauseDiagnosed() })
}

// OnEssenceIdentified forwards the analysis payload to the recovery flow.
func (e *Engine) OnEssenceIdentified(a types.ProblemAnalysis) error {
	return e.forwardRecovery(func(f *recovery.Flow) error { return f.OnEssenceIdentified(a) })
}

// OnApproachApplied forwards the applied-approach signal.
func (e *Engine) OnApproachApplied() error {
	return e.forwardRecovery(func(f *recovery.Flow) error { return f.OnApproachApplied() })
}

// OnEscalationConfirmed forwards the delayed-escalation verdict.
func (e *Engine) OnEscalationConfirmed(approved bool) error {
	return e.forwardRecovery(func(f *recovery.Flow) error { return f.OnEscalationConfirmed(approved) })
}

// OnConsultationDone forwards the team-consultation completion.
func (e *Engine) OnConsultationDone() error {
	return e.forwardRecovery(func(f *recovery.Flow) error { return f.OnConsultationDone() })
}

// State returns the current lifecycle stage.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Done reports whether a terminal stage was reached.
func (e *Engine) Done() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateCompleted || e.state == StateRecoveryExit
}

// Outcome returns the terminal output record.
func (e *Engine) Outcome() (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.outcome == nil {
		return Outcome{}, ErrNotFinished
	}
	out := *e.outcome
	if e.outcome.Execution != nil {
		x := *e.outcome.Execution
		out.Execution = &x
	}
	if e.outcome.Recovery != nil {
		r := *e.outcome.Recovery
		out.Recovery = &r
	}
	return out, nil
}

// Snapshot returns a copy of the aggregate attempt state.
func (e *Engine) Snapshot() Aggregate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aggregate.clone()
}

// History returns a copy of the transition history.
func (e *Engine) History() []Transition {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Transition{}, e.history...)
}

// Events returns the transition feed. Sends never block; slow consumers
// miss events rather than stall the engine.
func (e *Engine) Events() <-chan Transition {
	return e.events
}

// VerificationDeadline returns the running loop's deadline, or the zero
// time when no loop is running.
func (e *Engine) VerificationDeadline() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateVerifying || e.loop == nil {
		return time.Time{}
	}
	return e.loop.Deadline()
}

// RecoveryState returns the inner recovery flow's state while a recovery
// is active. Drivers use it to decide which recovery event to deliver next.
func (e *Engine) RecoveryState() (recovery.State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRecovering || e.flow == nil {
		return "", false
	}
	return e.flow.State(), true
}

func (e *Engine) expect(s State) error {
	if e.state == StateIdle {
		return ErrNotStarted
	}
	if e.state == StateCompleted || e.state == StateRecoveryExit {
		return ErrLifecycleFinished
	}
	if e.state != s {
		return fmt.Errorf("%w: expected stage %s, in %s", ErrUnexpectedEvent, s, e.state)
	}
	return nil
}

func (e *Engine) transition(to State, cause string) {
	tr := Transition{
		From:  e.state,
		To:    to,
		Cause: cause,
		At:    e.clock.Now(),
	}
	e.history = append(e.history, tr)
	e.logger.Debug("lifecycle transition",
		zap.String("from", string(tr.From)),
		zap.String("to", string(tr.To)),
		zap.String("cause", cause))
	e.state = to

	select {
	case e.events <- tr:
	default:
	}
}

func (e *Engine) enterGateCheck(cause string) error {
	e.transition(StateGateCheck, cause)

	violations := e.deps.PrincipleGate.Check(e.aggregate.Task)
	e.aggregate.GateViolations = violations
	if len(violations) > 0 {
		e.logger.Warn("principle gate violations",
			zap.String("task_id", e.aggregate.TaskID),
			zap.Int("count", len(violations)))
		e.transition(StateGateFix, "principle_violations")
		return nil
	}
	return e.enterPrereqCheck("gate_clear")
}

func (e *Engine) enterPrereqCheck(cause string) error {
	e.transition(StatePrereqCheck, cause)

	decision := e.deps.Prerequisites.Evaluate(e.aggregate.Task)
	e.aggregate.Gate = &decision
	if !decision.Accepted {
		e.logger.Info("prerequisites rejected",
			zap.Int("failed_level", decision.FailedLevel),
			zap.String("criterion", decision.FailedCriterion),
			zap.String("reason", decision.Reason))
		e.transition(StateTaskAdjustment, "prerequisites_rejected")
		return nil
	}
	return e.enterClassify("prerequisites_accepted")
}

func (e *Engine) enterClassify(cause string) error {
	e.transition(StateClassifying, cause)

	c := e.deps.Classifier.Classify(e.aggregate.Task)
	e.aggregate.Classification = &c
	e.logger.Info("task classified",
		zap.String("division", string(c.Division)),
		zap.String("technique", c.Technique))

	e.transition(StateExecuting, "classified")
	return nil
}

func (e *Engine) enterVerifying(cause string) error {
	e.transition(StateVerifying, cause)

	loop, err := verification.NewLoop(e.cfg.Verification, e.deps.Monitors(), e.clock, e.logger)
	if err != nil {
		return fmt.Errorf("starting verification: %w", err)
	}
	if err := loop.Start(e.aggregate.Execution.Output); err != nil {
		return fmt.Errorf("starting verification: %w", err)
	}
	e.loop = loop
	return nil
}

// foldVerification interprets a finished loop with the safety-first
// priority: policy violation beats passed beats abandoned.
func (e *Engine) foldVerification() error {
	if !e.loop.Done() {
		return nil
	}
	res, err := e.loop.Result()
	if err != nil {
		return err
	}
	e.aggregate.Verification = &res
	e.loop = nil

	if res.PolicyViolation {
		return e.loopBack()
	}
	if res.Passed {
		return e.finishCompleted()
	}
	return e.enterRecovering(res)
}

// loopBack discards all forward progress and restarts at the principle
// gate. Only the task, the loop-back counters, and the transition history
// survive; the next pass is a fresh attempt.
func (e *Engine) loopBack() error {
	e.aggregate.LoopBack = true
	e.aggregate.LoopBackCount++
	e.logger.Warn("policy violation, restarting at principle gate",
		zap.String("task_id", e.aggregate.TaskID),
		zap.Int("loop_backs", e.aggregate.LoopBackCount))

	e.aggregate.GateViolations = nil
	e.aggregate.Gate = nil
	e.aggregate.Classification = nil
	e.aggregate.Execution = nil
	e.aggregate.Verification = nil
	e.aggregate.Recovery = nil
	e.reviewRecorded = false
	e.aggregate.AttemptID = uuid.NewString()

	return e.enterGateCheck("policy_violation")
}

func (e *Engine) enterRecovering(res verification.Result) error {
	e.transition(StateRecovering, "attempt_abandoned")

	flow, err := recovery.NewFlow(e.cfg.Recovery, e.deps.Escalation, e.deps.Selector, e.deps.Sink, e.clock, e.logger)
	if err != nil {
		return fmt.Errorf("starting recovery: %w", err)
	}
	if err := flow.Start(recovery.Input{
		AttemptID:      e.aggregate.AttemptID,
		Task:           e.aggregate.Task,
		LastFailure:    res.LastFailure,
		FailureHistory: res.FailureHistory,
	}); err != nil {
		return fmt.Errorf("starting recovery: %w", err)
	}
	e.flow = flow
	return nil
}

func (e *Engine) forwardRecovery(deliver func(*recovery.Flow) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.expect(StateRecovering); err != nil {
		return err
	}
	if err := deliver(e.flow); err != nil {
		return err
	}
	if !e.flow.Done() {
		return nil
	}
	res, err := e.flow.Result()
	if err != nil {
		return err
	}
	e.aggregate.Recovery = &res
	e.flow = nil

	e.outcome = &Outcome{CompletionType: CompletionRecoveryExit, Recovery: &res}
	e.transition(StateRecoveryExit, "recovery_complete")
	e.logger.Info("lifecycle finished",
		zap.String("task_id", e.aggregate.TaskID),
		zap.String("completion", string(CompletionRecoveryExit)))
	return nil
}

// finishCompleted closes the lifecycle on a passed verification. Model
// output without a recorded human verdict can never complete; the review
// stage enforces that structurally, and the guard keeps it explicit.
func (e *Engine) finishCompleted() error {
	if e.aggregate.Execution.ProducedByModel && !e.reviewRecorded {
		return errors.New("model output reached completion without a recorded review verdict")
	}

	e.outcome = &Outcome{CompletionType: CompletionCompleted, Execution: e.aggregate.Execution}
	e.transition(StateCompleted, "verification_passed")
	e.logger.Info("lifecycle finished",
		zap.String("task_id", e.aggregate.TaskID),
		zap.String("completion", string(CompletionCompleted)))
	return nil
}
