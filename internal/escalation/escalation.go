// Package escalation implements the escalation judgment: given a problem
// analysis, decide whether the problem is handed to a human/team or resolved
// within the automated flow. Evaluation is two-tiered; tier 1 (immediate
// risk) is always evaluated strictly before tier 2 (delayed escalation), and
// both tiers are ordered (predicate, outcome) lists with early exit.
package escalation

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"taskwarden/internal/types"
)

// Outcome is the escalation verdict.
type Outcome string

const (
	OutcomeEscalate Outcome = "escalate"
	OutcomeSelf     Outcome = "self"
)

// Urgency qualifies an escalate outcome. Immediate escalations permit no
// delay; delayed ones require an external confirmation step before they are
// finalized. Self outcomes carry no urgency.
type Urgency string

const (
	UrgencyImmediate Urgency = "immediate"
	UrgencyDelayed   Urgency = "delayed"
	UrgencyNone      Urgency = "none"
)

// ErrAnalysisNotPopulated is returned when judgment runs against an analysis
// whose narrative fields were never filled in. The analysis steps must
// complete first.
var ErrAnalysisNotPopulated = errors.New("problem analysis not populated before judgment")

// Judgment is the escalation decision record.
type Judgment struct {
	Outcome     Outcome
	Urgency     Urgency
	MatchedRule string
	DecidedAt   time.Time
}

// rule is one (predicate, outcome) pair within a tier.
type rule struct {
	name  string
	match func(a types.ProblemAnalysis) bool
}

// Config holds the escalation thresholds.
type Config struct {
	RetreatThreshold int
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{RetreatThreshold: 3}
}

// Engine evaluates the escalation tiers. Pure: no external calls; time
// enters only through the injected clock and only as decision metadata.
type Engine struct {
	cfg    Config
	clock  types.Clock
	logger *zap.Logger
	tier1  []rule
	tier2  []rule
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
	e.tier1 = []rule{
		{name: "security_issue", match: func(a types.ProblemAnalysis) bool { return a.HasSecurityIssue }},
		{name: "production_impact", match: func(a types.ProblemAnalysis) bool { return a.HasProductionImpact }},
		{name: "data_loss_risk", match: func(a types.ProblemAnalysis) bool { return a.HasDataLossRisk }},
	}
	e.tier2 = []rule{
		{name: "retreat_threshold", match: func(a types.ProblemAnalysis) bool { return a.RetreatCount >= e.cfg.RetreatThreshold }},
		{name: "unknown_cause", match: func(a types.ProblemAnalysis) bool { return a.IsUnknownCause }},
		{name: "out_of_skill_scope", match: func(a types.ProblemAnalysis) bool { return a.IsOutOfSkillScope }},
	}
	return e
}

// Judge runs one escalation judgment.
func (e *Engine) Judge(a types.ProblemAnalysis) (Judgment, error) {
	j, _, err := e.judge(a, nil)
	return j, err
}

// JudgeTrace runs one judgment and additionally returns the names of the
// rules that were evaluated, in evaluation order. A tier-1 match must leave
// every tier-2 rule out of the trace.
func (e *Engine) JudgeTrace(a types.ProblemAnalysis) (Judgment, []string, error) {
	return e.judge(a, make([]string, 0, len(e.tier1)+len(e.tier2)))
}

func (e *Engine) judge(a types.ProblemAnalysis, trace []string) (Judgment, []string, error) {
	if !a.Populated() {
		return Judgment{}, trace, ErrAnalysisNotPopulated
	}

	now := e.clock.Now()
	for _, r := range e.tier1 {
		if trace != nil {
			trace = append(trace, r.name)
		}
		if r.match(a) {
			j := Judgment{Outcome: OutcomeEscalate, Urgency: UrgencyImmediate, MatchedRule: r.name, DecidedAt: now}
			e.logger.Info("escalation judgment: escalate immediately",
				zap.String("rule", r.name))
			return j, trace, nil
		}
	}

	for _, r := range e.tier2 {
		if trace != nil {
			trace = append(trace, r.name)
		}
		if r.match(a) {
			j := Judgment{Outcome: OutcomeEscalate, Urgency: UrgencyDelayed, MatchedRule: r.name, DecidedAt: now}
			e.logger.Info("escalation judgment: escalate after confirmation",
				zap.String("rule", r.name),
				zap.Int("retreat_count", a.RetreatCount))
			return j, trace, nil
		}
	}

	j := Judgment{Outcome: OutcomeSelf, Urgency: UrgencyNone, DecidedAt: now}
	e.logger.Info("escalation judgment: self-resolve")
	return j, trace, nil
}
