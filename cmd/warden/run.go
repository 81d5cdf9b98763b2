package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"taskwarden/cmd/warden/ui"
	"taskwarden/internal/classify"
	"taskwarden/internal/config"
	"taskwarden/internal/escalation"
	"taskwarden/internal/executor"
	"taskwarden/internal/gate"
	"taskwarden/internal/lifecycle"
	"taskwarden/internal/logging"
	"taskwarden/internal/recovery"
	"taskwarden/internal/store"
	"taskwarden/internal/types"
	"taskwarden/internal/verification"
)

// runCmd drives one task through the full lifecycle
var runCmd = &cobra.Command{
	Use:   "run [scenario]",
	Short: "Run one task through the full lifecycle",
	Long: `Loads a scenario file and drives its task through the lifecycle:
principle gate, prerequisite check, work-division classification,
execution, review for model output, the verification loop, and the
recovery flow when verification gives up.

Check outcomes and fixes come from the scenario script. With
execution mode "genai", model-division work is produced by Gemini
instead of the scripted output.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScenario,
}

func runScenario(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	scenarioPath := cfg.Execution.ScenarioPath
	if len(args) > 0 {
		scenarioPath = args[0]
	}
	sc, err := executor.LoadScenario(scenarioPath)
	if err != nil {
		return err
	}

	styles := ui.NewStyles()
	fmt.Println(styles.Title.Render("warden: " + sc.Task.Summary))

	st, err := store.NewLearningStore(cfg.Store.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	var audit *logging.AuditLog
	if cfg.Logging.AuditFile != "" {
		audit, err = logging.OpenAudit(cfg.Logging.AuditFile)
		if err != nil {
			return err
		}
		defer audit.Close()
	}

	engCfg, err := engineConfig(cfg)
	if err != nil {
		return err
	}

	deps := lifecycle.Deps{
		PrincipleGate: gate.DefaultPrincipleChecker(logger),
		Prerequisites: gate.DefaultChain(logger),
		Classifier:    classify.DefaultTable(logger),
		Sink:          st,
		Escalation: escalation.NewEngine(escalation.Config{
			RetreatThreshold: cfg.Escalation.RetreatThreshold,
		}, nil, logger),
		Monitors: func() []verification.Monitor {
			return []verification.Monitor{
				verification.NewCollaborationMonitor(cfg.Monitors.CollaborationPatterns, logger),
				verification.NewBehaviorMonitor(cfg.Monitors.BehaviorPatterns, logger),
			}
		},
		Logger: logger,
	}

	eng, err := lifecycle.NewEngine(engCfg, deps)
	if err != nil {
		return err
	}
	rt := lifecycle.NewRuntime(eng, logger)
	defer rt.Close()

	driver := &scenarioDriver{
		rt:     rt,
		sc:     sc,
		script: sc.Script(),
		kinds:  engCfg.Verification.Checks,
		styles: styles,
	}
	runErr := driver.run(ctx)

	writeAuditTrail(eng, audit)
	if runErr != nil {
		return runErr
	}
	return renderOutcome(eng, st, styles)
}

// engineConfig shapes the lifecycle config from the loaded file config.
func engineConfig(cfg *config.Config) (lifecycle.Config, error) {
	kinds, err := cfg.CheckKinds()
	if err != nil {
		return lifecycle.Config{}, err
	}
	ec := lifecycle.DefaultConfig()
	ec.Verification.Checks = kinds
	ec.Verification.Deadline = cfg.VerificationDeadline()
	ec.Verification.MaxFailures = cfg.Verification.MaxFailures
	ec.Recovery.MaxSelectionRounds = cfg.Recovery.MaxSelectionRounds
	ec.Recovery.ShareWithTeam = cfg.Recovery.ShareLearnings
	return ec, nil
}

// scenarioDriver walks a loaded scenario through a running lifecycle.
type scenarioDriver struct {
	rt     *lifecycle.Runtime
	sc     *executor.Scenario
	script *executor.Script
	kinds  []types.CheckKind
	styles ui.Styles
}

func (d *scenarioDriver) run(ctx context.Context) error {
	eng := d.rt.Engine()

	if err := d.rt.Start(d.sc.Task.Description()); err != nil {
		return err
	}

	// Up-front rejections cannot be repaired by a script; report and stop.
	switch eng.State() {
	case lifecycle.StateGateFix:
		snap := eng.Snapshot()
		for _, v := range snap.GateViolations {
			fmt.Println(d.styles.Failure.Render("  ✗ " + v.Principle + ": " + v.Detail))
		}
		return fmt.Errorf("task rejected by principle gate")
	case lifecycle.StateTaskAdjustment:
		snap := eng.Snapshot()
		reason := ""
		if snap.Gate != nil {
			reason = snap.Gate.Reason
		}
		return fmt.Errorf("task rejected by prerequisite gate: %s", reason)
	}

	// The policy-violation loop-back can bring the lifecycle here again.
	for eng.State() == lifecycle.StateExecuting {
		snap := eng.Snapshot()
		if snap.Classification == nil {
			return fmt.Errorf("lifecycle is executing without a classification")
		}
		d.stage("executing", string(snap.Classification.Division)+" / "+snap.Classification.Technique)

		exec, err := d.executorFor(*snap.Classification)
		if err != nil {
			return err
		}
		res, err := exec.Execute(ctx, snap.Task, *snap.Classification)
		if err != nil {
			return err
		}
		if err := d.rt.OnExecutionComplete(res); err != nil {
			return err
		}

		if eng.State() == lifecycle.StateReviewing {
			approved := true
			if d.sc.Review != nil {
				approved = d.sc.Review.Approved
			}
			if approved {
				d.stage("reviewing", "approved")
			} else {
				d.stage("reviewing", "rejected")
			}
			if err := d.rt.OnReviewComplete(approved); err != nil {
				return err
			}
		}

		if eng.State() == lifecycle.StateVerifying {
			if err := d.driveVerification(); err != nil {
				return err
			}
		}

		if eng.State() == lifecycle.StateRecovering {
			if err := d.driveRecovery(); err != nil {
				return err
			}
		}
	}

	if !eng.Done() {
		return fmt.Errorf("lifecycle stalled in %s", eng.State())
	}
	return nil
}

// executorFor picks the backend for this execution round. Gemini only serves
// model-division work; everything else replays the script.
func (d *scenarioDriver) executorFor(c types.Classification) (executor.Executor, error) {
	if cfg.Execution.Mode == "genai" && c.Division == types.DivisionAI {
		return executor.NewGenAIExecutor(
			cfg.Execution.APIKey,
			cfg.Execution.Model,
			cfg.ExecutionTimeout(),
			logger,
		)
	}
	return executor.NewScriptedExecutor(d.sc), nil
}

func (d *scenarioDriver) driveVerification() error {
	eng := d.rt.Engine()
	idx := 0

	for eng.State() == lifecycle.StateVerifying {
		if idx >= len(d.kinds) {
			return fmt.Errorf("verification loop did not finish after final check")
		}
		kind := d.kinds[idx]

		directive, err := d.script.Next(kind)
		if err != nil {
			return err
		}
		if directive.Passed {
			d.check(kind, true, "")
		} else {
			d.check(kind, false, directive.Message)
		}

		if err := d.rt.OnCheckResult(directive.Result(time.Now())); err != nil {
			return err
		}
		if eng.State() != lifecycle.StateVerifying {
			return nil
		}

		if directive.Passed {
			idx++
			continue
		}

		// Failed but not cut: the loop waits for a fix before retrying.
		fix, ok := directive.FixAction()
		if !ok {
			return fmt.Errorf("scenario scripts no fix after failed %s", kind)
		}
		fmt.Println(d.styles.Muted.Render("    fix: " + fix.Remediation))
		if err := d.rt.OnFixApplied(fix); err != nil {
			return err
		}
		idx = 0
	}
	return nil
}

func (d *scenarioDriver) driveRecovery() error {
	eng := d.rt.Engine()

	analysis, confirm := d.recoveryAnalysis(eng)
	d.stage("recovering", analysis.Essence)

	for {
		rs, ok := eng.RecoveryState()
		if !ok {
			return nil
		}

		var err error
		switch rs {
		case recovery.StateVerbalizing:
			err = d.rt.OnVerbalized()
		case recovery.StateDiagnosingCause:
			err = d.rt.OnCauseDiagnosed()
		case recovery.StateIdentifyingEssence:
			err = d.rt.OnEssenceIdentified(analysis)
		case recovery.StateApplyingApproach:
			err = d.rt.OnApproachApplied()
		case recovery.StateConfirmingEscalation:
			err = d.rt.OnEscalationConfirmed(confirm)
		case recovery.StateConsultingTeam:
			err = d.rt.OnConsultationDone()
		default:
			return fmt.Errorf("recovery flow stalled in %s", rs)
		}
		if err != nil {
			return err
		}
	}
}

// recoveryAnalysis takes the scripted analysis, or derives a minimal one
// from the failure that forced recovery.
func (d *scenarioDriver) recoveryAnalysis(eng *lifecycle.Engine) (types.ProblemAnalysis, bool) {
	if d.sc.Analysis != nil {
		return d.sc.Analysis.Problem(), d.sc.Analysis.ConfirmEscalation
	}
	snap := eng.Snapshot()
	var last *types.FailureEvent
	if snap.Verification != nil {
		last = snap.Verification.LastFailure
	}
	return executor.FallbackAnalysis(last), true
}

func (d *scenarioDriver) stage(name, detail string) {
	line := "→ " + name
	if detail != "" {
		line += "  (" + detail + ")"
	}
	fmt.Println(d.styles.Stage.Render(line))
}

func (d *scenarioDriver) check(kind types.CheckKind, passed bool, msg string) {
	if passed {
		fmt.Println(d.styles.Success.Render("  ✓ " + string(kind)))
		return
	}
	fmt.Println(d.styles.Failure.Render("  ✗ " + string(kind) + ": " + msg))
}

// writeAuditTrail drains the engine's transition feed into the audit log.
// Sends are buffered and non-blocking, so draining after the run captures
// the whole history without a live consumer goroutine.
func writeAuditTrail(eng *lifecycle.Engine, audit *logging.AuditLog) {
	if audit == nil {
		return
	}

	snap := eng.Snapshot()
	for {
		select {
		case tr := <-eng.Events():
			audit.Log(logging.AuditEvent{
				Timestamp: tr.At.UnixMilli(),
				EventType: logging.AuditStageEntered,
				TaskID:    snap.TaskID,
				AttemptID: snap.AttemptID,
				Stage:     string(tr.To),
				Cause:     tr.Cause,
			})
		default:
			if out, err := eng.Outcome(); err == nil {
				eventType := logging.AuditTaskCompleted
				if out.CompletionType == lifecycle.CompletionRecoveryExit {
					eventType = logging.AuditRecoveryExit
				}
				audit.Log(logging.AuditEvent{
					EventType: eventType,
					TaskID:    snap.TaskID,
					AttemptID: snap.AttemptID,
				})
			}
			return
		}
	}
}

// renderOutcome prints the run summary.
func renderOutcome(eng *lifecycle.Engine, st *store.LearningStore, styles ui.Styles) error {
	out, err := eng.Outcome()
	if err != nil {
		return err
	}
	snap := eng.Snapshot()

	fmt.Println()
	switch out.CompletionType {
	case lifecycle.CompletionCompleted:
		fmt.Println(styles.Success.Render("✓ task completed"))
	case lifecycle.CompletionRecoveryExit:
		fmt.Println(styles.Warning.Render("! recovery exit: attempt abandoned, learning recorded"))
	}

	if snap.LoopBackCount > 0 {
		fmt.Println(styles.Warning.Render(fmt.Sprintf("  policy loop-backs: %d", snap.LoopBackCount)))
	}
	if out.Recovery != nil {
		fmt.Println(styles.Stage.Render("  approach: " + string(out.Recovery.Approach)))
		if out.Recovery.Escalated {
			fmt.Println(styles.Warning.Render("  escalated to a human"))
		}
	}

	stats, err := st.Stats()
	if err != nil {
		return err
	}
	fmt.Println(styles.Muted.Render(fmt.Sprintf(
		"  learnings on file: %d patterns, %d workarounds (see: warden learnings)",
		stats["failure_patterns"], stats["workarounds"])))
	return nil
}
