// Package losscut implements the loss-cut judgment: a pure decision engine
// that decides whether a failing verification loop keeps retrying or abandons
// the current attempt. The four conditions are held as an ordered list of
// named (predicate, outcome) pairs so the priority order is a reviewable
// artifact, and evaluation short-circuits on the first condition that holds.
package losscut

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"taskwarden/internal/types"
)

// Decision is the loss-cut verdict for one judgment pass.
type Decision string

const (
	// DecisionNone means no judgment pass has run for the current attempt.
	DecisionNone     Decision = ""
	DecisionContinue Decision = "continue"
	DecisionCut      Decision = "cut"
)

var (
	// ErrFailureNotRecorded is returned when judgment runs against a failure
	// that was never appended to the history. Recording must happen first.
	ErrFailureNotRecorded = errors.New("current failure not recorded before judgment")

	// ErrDecisionAlreadySet is returned when a judgment pass runs twice
	// without the state being reset for a new attempt.
	ErrDecisionAlreadySet = errors.New("decision already written for this judgment pass")
)

// State is the accumulated failure state for one verification loop. It is
// owned by the loop; the engine only reads it and writes the decision.
type State struct {
	FailureCount   int
	LoopStartedAt  time.Time
	LastFailure    *types.FailureEvent
	FailureHistory []types.FailureRecord
	Decision       Decision
}

// NewState returns a fresh state for a loop entered at start.
func NewState(start time.Time) *State {
	return &State{
		LoopStartedAt:  start,
		FailureHistory: make([]types.FailureRecord, 0),
		Decision:       DecisionNone,
	}
}

// Record appends the failure to the history, increments the failure count and
// sets the last-failure pointer. The remediation and trend describe the fix
// attempted before this failure surfaced; both are empty-valued on the first
// failure of a loop.
func (s *State) Record(event types.FailureEvent, remediation string, trend types.Trend) {
	if trend == "" {
		trend = types.TrendUnchanged
	}
	s.FailureHistory = append(s.FailureHistory, types.FailureRecord{
		Event:                event,
		RemediationAttempted: remediation,
		ComplexityTrend:      trend,
	})
	s.FailureCount++
	ev := event
	s.LastFailure = &ev
}

// ResetDecision clears the write-once decision slot when a new attempt
// begins (a fix was applied and the loop re-enters its first stage).
func (s *State) ResetDecision() {
	s.Decision = DecisionNone
}

// rule is one (predicate, outcome) pair. A true predicate means cut; order
// in the engine's rule slice is the priority order.
type rule struct {
	name string
	cut  func(s *State, now time.Time) bool
}

// Config holds the loss-cut thresholds.
type Config struct {
	MaxFailures     int
	MaxLoopDuration time.Duration
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		MaxFailures:     3,
		MaxLoopDuration: 30 * time.Minute,
	}
}

// Engine evaluates the loss-cut conditions. Pure and deterministic: no
// external calls, no timers of its own. Time enters only through the
// injected clock.
type Engine struct {
	cfg    Config
	clock  types.Clock
	logger *zap.Logger
	rules  []rule
}

// NewEngine creates the engine. A nil clock falls back to the system clock,
// a nil logger to a no-op logger.
func NewEngine(cfg Config, clock types.Clock, logger *zap.Logger) *Engine {
	if clock == nil {
		clock = types.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
	}
	e.rules = []rule{
		{name: "max_failures", cut: e.maxFailuresReached},
		{name: "loop_deadline", cut: e.loopDeadlineElapsed},
		{name: "complexity_increased", cut: complexityIncreased},
		{name: "failure_recurred", cut: failureRecurred},
	}
	return e
}

// Judge runs one judgment pass and writes the decision into the state.
// The current failure must already be recorded; the decision slot must be
// empty. Both are contract violations, not domain outcomes.
func (e *Engine) Judge(s *State) (Decision, error) {
	d, _, err := e.judge(s, nil)
	return d, err
}

// JudgeTrace runs one judgment pass and additionally returns the names of
// the rules that were evaluated, in evaluation order. The trace makes the
// short-circuit observable.
func (e *Engine) JudgeTrace(s *State) (Decision, []string, error) {
	return e.judge(s, make([]string, 0, len(e.rules)))
}

func (e *Engine) judge(s *State, trace []string) (Decision, []string, error) {
	if s.LastFailure == nil || len(s.FailureHistory) == 0 {
		return DecisionNone, trace, ErrFailureNotRecorded
	}
	if s.FailureHistory[len(s.FailureHistory)-1].Event != *s.LastFailure {
		return DecisionNone, trace, ErrFailureNotRecorded
	}
	if s.Decision != DecisionNone {
		return DecisionNone, trace, ErrDecisionAlreadySet
	}

	now := e.clock.Now()
	for _, r := range e.rules {
		if trace != nil {
			trace = append(trace, r.name)
		}
		if r.cut(s, now) {
			s.Decision = DecisionCut
			e.logger.Info("loss-cut judgment: cut",
				zap.String("rule", r.name),
				zap.Int("failure_count", s.FailureCount),
				zap.Duration("elapsed", now.Sub(s.LoopStartedAt)),
				zap.String("stage", string(s.LastFailure.Stage)))
			return DecisionCut, trace, nil
		}
	}

	s.Decision = DecisionContinue
	e.logger.Info("loss-cut judgment: continue",
		zap.Int("failure_count", s.FailureCount),
		zap.Duration("elapsed", now.Sub(s.LoopStartedAt)))
	return DecisionContinue, trace, nil
}

func (e *Engine) maxFailuresReached(s *State, _ time.Time) bool {
	return s.FailureCount >= e.cfg.MaxFailures
}

func (e *Engine) loopDeadlineElapsed(s *State, now time.Time) bool {
	return now.Sub(s.LoopStartedAt) >= e.cfg.MaxLoopDuration
}

func complexityIncreased(s *State, _ time.Time) bool {
	last := s.FailureHistory[len(s.FailureHistory)-1]
	return last.ComplexityTrend == types.TrendIncreased
}

// failureRecurred scans every history entry before the current one for a
// stage+message match. The just-appended current entry is excluded; entries
// from before earlier fix-and-retry cycles are not.
func failureRecurred(s *State, _ time.Time) bool {
	current := *s.LastFailure
	for _, rec := range s.FailureHistory[:len(s.FailureHistory)-1] {
		if rec.Event.Matches(current) {
			return true
		}
	}
	return false
}
