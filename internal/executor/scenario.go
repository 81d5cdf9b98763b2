package executor

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"taskwarden/internal/types"
	"taskwarden/internal/verification"
)

// Scenario scripts one full walk through a task lifecycle: the task, its
// execution output, the review verdict, an ordered list of check directives,
// and the recovery analysis to use if verification gives up.
type Scenario struct {
	Name      string            `yaml:"name"`
	Task      ScenarioTask      `yaml:"task"`
	Execution ScenarioExecution `yaml:"execution"`
	Review    *ScenarioReview   `yaml:"review,omitempty"`
	Checks    []ScenarioCheck   `yaml:"checks"`
	Analysis  *ScenarioAnalysis `yaml:"analysis,omitempty"`
}

// ScenarioTask is the task under test.
type ScenarioTask struct {
	Summary string   `yaml:"summary"`
	Detail  string   `yaml:"detail"`
	Labels  []string `yaml:"labels,omitempty"`
}

// Description converts the scripted task into a lifecycle task.
func (t ScenarioTask) Description() types.TaskDescription {
	return types.TaskDescription{
		Summary: t.Summary,
		Detail:  t.Detail,
		Labels:  t.Labels,
	}
}

// ScenarioExecution is the scripted work output.
type ScenarioExecution struct {
	Output string `yaml:"output"`
}

// ScenarioReview is the scripted human review verdict for model output.
type ScenarioReview struct {
	Approved bool   `yaml:"approved"`
	Notes    string `yaml:"notes,omitempty"`
}

// ScenarioCheck is one check directive. Directives are consumed strictly in
// order as the verification loop runs its rounds. A failed directive may
// carry the fix that follows it.
type ScenarioCheck struct {
	Check   string `yaml:"check"`
	Passed  bool   `yaml:"passed"`
	Message string `yaml:"message,omitempty"`
	Fix     string `yaml:"fix,omitempty"`
	Trend   string `yaml:"trend,omitempty"`
}

// Result converts the directive into a check result stamped at the given
// time.
func (c ScenarioCheck) Result(at time.Time) verification.CheckResult {
	kind := types.CheckKind(c.Check)
	if c.Passed {
		return verification.CheckResult{Check: kind, Passed: true}
	}
	return verification.CheckResult{
		Check:  kind,
		Passed: false,
		Failure: &types.FailureEvent{
			Stage:      kind,
			Message:    c.Message,
			OccurredAt: at,
		},
	}
}

// FixAction returns the scripted fix for a failed directive, if any.
func (c ScenarioCheck) FixAction() (verification.Fix, bool) {
	if c.Passed || c.Fix == "" {
		return verification.Fix{}, false
	}
	trend, err := types.ParseTrend(c.Trend)
	if err != nil {
		trend = types.TrendUnchanged
	}
	return verification.Fix{Remediation: c.Fix, Trend: trend}, true
}

// ScenarioAnalysis scripts the recovery flow's analysis steps.
type ScenarioAnalysis struct {
	Verbalization string `yaml:"verbalization"`
	Cause         string `yaml:"cause"`
	Essence       string `yaml:"essence"`

	SecurityIssue    bool `yaml:"security_issue,omitempty"`
	ProductionImpact bool `yaml:"production_impact,omitempty"`
	DataLossRisk     bool `yaml:"data_loss_risk,omitempty"`

	RetreatCount    int  `yaml:"retreat_count,omitempty"`
	UnknownCause    bool `yaml:"unknown_cause,omitempty"`
	OutOfSkillScope bool `yaml:"out_of_skill_scope,omitempty"`

	ConfirmEscalation bool `yaml:"confirm_escalation,omitempty"`
}

// Problem converts the scripted analysis into the typed analysis.
func (a *ScenarioAnalysis) Problem() types.ProblemAnalysis {
	return types.ProblemAnalysis{
		Verbalization:       a.Verbalization,
		CauseAnalysis:       a.Cause,
		Essence:             a.Essence,
		HasSecurityIssue:    a.SecurityIssue,
		HasProductionImpact: a.ProductionImpact,
		HasDataLossRisk:     a.DataLossRisk,
		RetreatCount:        a.RetreatCount,
		IsUnknownCause:      a.UnknownCause,
		IsOutOfSkillScope:   a.OutOfSkillScope,
	}
}

// FallbackAnalysis builds a minimal analysis from the failure that forced
// recovery, for scenarios that do not script their own.
func FallbackAnalysis(failure *types.FailureEvent) types.ProblemAnalysis {
	a := types.ProblemAnalysis{
		Verbalization:  "the attempt kept failing verification",
		CauseAnalysis:  "cause not diagnosed by the scenario",
		Essence:        "undiagnosed repeated failure",
		IsUnknownCause: true,
	}
	if failure != nil {
		a.Verbalization = fmt.Sprintf("%s keeps failing: %s", failure.Stage, failure.Message)
		a.Essence = failure.Message
	}
	return a
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}

	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return &sc, nil
}

// Validate checks the scenario for the mistakes that would otherwise only
// surface mid-run.
func (s *Scenario) Validate() error {
	if s.Task.Summary == "" {
		return fmt.Errorf("task needs a summary")
	}
	if s.Execution.Output == "" {
		return fmt.Errorf("execution needs an output")
	}
	for i, c := range s.Checks {
		if _, err := types.ParseCheckKind(c.Check); err != nil {
			return fmt.Errorf("check directive %d: %w", i, err)
		}
		if !c.Passed && c.Message == "" {
			return fmt.Errorf("check directive %d: a failed check needs a message", i)
		}
		if _, err := types.ParseTrend(c.Trend); err != nil {
			return fmt.Errorf("check directive %d: %w", i, err)
		}
	}
	if s.Analysis != nil {
		p := s.Analysis.Problem()
		if !p.Populated() {
			return fmt.Errorf("analysis needs verbalization, cause, and essence")
		}
	}
	return nil
}

// Script returns a fresh cursor over the scenario's check directives.
func (s *Scenario) Script() *Script {
	return &Script{checks: s.Checks}
}

// Script walks check directives in order. Once the script is exhausted
// every further check passes, so short scenarios stay short.
type Script struct {
	checks []ScenarioCheck
	pos    int
}

// Next returns the directive for the check the loop is waiting on. The
// scenario must list directives in the order the loop asks for them.
func (s *Script) Next(kind types.CheckKind) (ScenarioCheck, error) {
	if s.pos >= len(s.checks) {
		return ScenarioCheck{Check: string(kind), Passed: true}, nil
	}
	d := s.checks[s.pos]
	if d.Check != string(kind) {
		return ScenarioCheck{}, fmt.Errorf("scenario scripts %s next, loop asked for %s", d.Check, kind)
	}
	s.pos++
	return d, nil
}

// Exhausted reports whether all scripted directives have been consumed.
func (s *Script) Exhausted() bool {
	return s.pos >= len(s.checks)
}
