package lifecycle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"taskwarden/internal/types"
	"taskwarden/internal/verification"
)

// Runtime wraps an Engine with the wall-clock deadline watcher. Every event
// goes through the runtime; whenever a verification loop is running, a
// watcher goroutine sleeps until its deadline and delivers the forced tick.
// Tests that drive a manual clock call Engine.Tick directly instead.
//
// Close must be called to release the watcher goroutines.
type Runtime struct {
	eng    *Engine
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group

	mu    sync.Mutex
	armed time.Time
}

// NewRuntime wraps the engine. A nil logger falls back to a no-op logger.
func NewRuntime(eng *Engine, logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)
	return &Runtime{
		eng:    eng,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		eg:     eg,
	}
}

// Engine returns the wrapped engine for state inspection.
func (r *Runtime) Engine() *Engine { return r.eng }

// Close stops the deadline watchers and waits for them to exit.
func (r *Runtime) Close() error {
	r.cancel()
	return r.eg.Wait()
}

// Start begins the lifecycle.
func (r *Runtime) Start(task types.TaskDescription) error {
	err := r.eng.Start(task)
	r.maybeArm()
	return err
}

// OnGateFixed forwards the gate-fixed signal.
func (r *Runtime) OnGateFixed() error {
	err := r.eng.OnGateFixed()
	r.maybeArm()
	return err
}

// OnTaskAdjusted forwards the adjusted task.
func (r *Runtime) OnTaskAdjusted(task types.TaskDescription) error {
	err := r.eng.OnTaskAdjusted(task)
	r.maybeArm()
	return err
}

// OnExecutionComplete forwards the execution result.
func (r *Runtime) OnExecutionComplete(res types.ExecutionResult) error {
	err := r.eng.OnExecutionComplete(res)
	r.maybeArm()
	return err
}

// OnReviewComplete forwards the review verdict.
func (r *Runtime) OnReviewComplete(approved bool) error {
	err := r.eng.OnReviewComplete(approved)
	r.maybeArm()
	return err
}

// OnCheckResult forwards a check result.
func (r *Runtime) OnCheckResult(res verification.CheckResult) error {
	err := r.eng.OnCheckResult(res)
	r.maybeArm()
	return err
}

// OnFixApplied forwards a fix-applied signal.
func (r *Runtime) OnFixApplied(fix verification.Fix) error {
	err := r.eng.OnFixApplied(fix)
	r.maybeArm()
	return err
}

// OnVerbalized forwards the first recovery analysis step.
func (r *Runtime) OnVerbalized() error { return r.eng.OnVerbalized() }

// OnCauseDiagnosed forwards the second recovery analysis step.
func (r *Runtime) OnCauseDiagnosed() error { return r.eng.OnCauseDiagnosed() }

// OnEssenceIdentified forwards the analysis payload.
func (r *Runtime) OnEssenceIdentified(a types.ProblemAnalysis) error {
	return r.eng.OnEssenceIdentified(a)
}

// OnApproachApplied forwards the applied-approach signal.
func (r *Runtime) OnApproachApplied() error { return r.eng.OnApproachApplied() }

// OnEscalationConfirmed forwards the delayed-escalation verdict.
func (r *Runtime) OnEscalationConfirmed(approved bool) error {
	return r.eng.OnEscalationConfirmed(approved)
}

// OnConsultationDone forwards the consultation completion.
func (r *Runtime) OnConsultationDone() error { return r.eng.OnConsultationDone() }

// maybeArm starts a watcher for the current verification deadline. Each
// loop gets exactly one watcher; a loop-back's fresh loop re-arms because
// its deadline differs.
func (r *Runtime) maybeArm() {
	deadline := r.eng.VerificationDeadline()
	if deadline.IsZero() {
		return
	}
	r.mu.Lock()
	if deadline.Equal(r.armed) {
		r.mu.Unlock()
		return
	}
	r.armed = deadline
	r.mu.Unlock()

	r.eg.Go(func() error {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		select {
		case <-timer.C:
			if err := r.eng.Tick(); err != nil {
				r.logger.Warn("deadline tick rejected", zap.Error(err))
			}
		case <-r.ctx.Done():
		}
		return nil
	})
}
