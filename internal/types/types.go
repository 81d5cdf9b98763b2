// Package types provides shared type definitions used across taskwarden packages.
// This package exists to break import cycles between the decision engines,
// the state machines, and the collaborator implementations. Types in this
// package are foundational data records with no behavior beyond small helpers.
package types

import (
	"fmt"
	"time"
)

// =============================================================================
// VERIFICATION CHECKS
// =============================================================================

// CheckKind identifies one ordered verification check.
type CheckKind string

const (
	CheckStaticAnalysis CheckKind = "static_analysis"
	CheckRegression     CheckKind = "regression"
	CheckCompletion     CheckKind = "completion_criteria"
)

// DefaultChecks returns the default ordered check sequence.
func DefaultChecks() []CheckKind {
	return []CheckKind{CheckStaticAnalysis, CheckRegression, CheckCompletion}
}

// ParseCheckKind converts a string into a CheckKind.
func ParseCheckKind(s string) (CheckKind, error) {
	switch CheckKind(s) {
	case CheckStaticAnalysis, CheckRegression, CheckCompletion:
		return CheckKind(s), nil
	default:
		return "", fmt.Errorf("unknown check kind: %q", s)
	}
}

// =============================================================================
// FAILURE RECORDS
// =============================================================================

// Trend describes how fix complexity moved between two consecutive failures.
type Trend string

const (
	TrendIncreased Trend = "increased"
	TrendUnchanged Trend = "unchanged"
	TrendDecreased Trend = "decreased"
)

// ParseTrend converts a string into a Trend, defaulting empty to unchanged.
func ParseTrend(s string) (Trend, error) {
	switch Trend(s) {
	case TrendIncreased, TrendUnchanged, TrendDecreased:
		return Trend(s), nil
	case "":
		return TrendUnchanged, nil
	default:
		return "", fmt.Errorf("unknown complexity trend: %q", s)
	}
}

// FailureEvent describes a single check failure. Immutable once created:
// produced by a check, consumed by the loss-cut judgment, carried forward
// into recovery.
type FailureEvent struct {
	Stage      CheckKind
	Message    string
	OccurredAt time.Time
}

// Matches reports whether two failures count as a recurrence: same stage,
// same message. Timestamps are deliberately ignored.
func (e FailureEvent) Matches(other FailureEvent) bool {
	return e.Stage == other.Stage && e.Message == other.Message
}

// FailureRecord is one entry of the ordered failure history. The remediation
// and trend fields describe the fix attempted before this failure surfaced;
// the first record of a loop carries an empty remediation and an unchanged
// trend. Records are appended, never mutated.
type FailureRecord struct {
	Event                FailureEvent
	RemediationAttempted string
	ComplexityTrend      Trend
}

// =============================================================================
// PROBLEM ANALYSIS
// =============================================================================

// ProblemAnalysis is produced once per recovery attempt by the three analysis
// sub-steps and drives both the approach choice and the escalation judgment.
type ProblemAnalysis struct {
	Verbalization string
	CauseAnalysis string
	Essence       string

	HasSecurityIssue    bool
	HasProductionImpact bool
	HasDataLossRisk     bool

	RetreatCount      int
	IsUnknownCause    bool
	IsOutOfSkillScope bool
}

// Populated reports whether the analysis carries the three narrative fields
// the later steps depend on.
func (a ProblemAnalysis) Populated() bool {
	return a.Verbalization != "" && a.CauseAnalysis != "" && a.Essence != ""
}

// =============================================================================
// TASK & GATE RECORDS
// =============================================================================

// TaskDescription is the initiation record for one lifecycle attempt.
type TaskDescription struct {
	Summary string
	Detail  string
	Labels  []string
}

// HasLabel reports whether the task carries the given label.
func (t TaskDescription) HasLabel(label string) bool {
	for _, l := range t.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// GateViolation is one breach reported by the principle gate.
type GateViolation struct {
	Principle string
	Detail    string
}

// GateDecision is the outcome of the four-level prerequisite gate.
type GateDecision struct {
	Accepted        bool
	FailedLevel     int
	FailedCriterion string
	Reason          string
	Warnings        []string
}

// =============================================================================
// CLASSIFICATION & EXECUTION
// =============================================================================

// Division says who executes the task.
type Division string

const (
	DivisionHuman Division = "human"
	DivisionAI    Division = "ai"
)

// Classification is the work-division classifier's output: who executes,
// and which prompting technique applies when a model does.
type Classification struct {
	Division  Division
	Technique string
}

// ExecutionResult is the output of the execution stage, human or model.
type ExecutionResult struct {
	Output          string
	ProducedByModel bool
	HumanApproved   bool
}
