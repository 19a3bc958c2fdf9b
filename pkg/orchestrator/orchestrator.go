// Package orchestrator sequences a whole harness run through its phases:
// Validating -> Provisioning -> LoadRampUp -> SteadyState (with the fault
// injection window) -> LoadRampDown -> Teardown -> Reporting. Teardown runs
// exactly once no matter which phase fails, and every run ends with a
// report, however partial.
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/chaoskit/resilience-harness/chaoslib"
	"github.com/chaoskit/resilience-harness/pkg/cerrors"
	"github.com/chaoskit/resilience-harness/pkg/controlplane"
	"github.com/chaoskit/resilience-harness/pkg/environment"
	"github.com/chaoskit/resilience-harness/pkg/loadgen"
	"github.com/chaoskit/resilience-harness/pkg/log"
	"github.com/chaoskit/resilience-harness/pkg/observer"
	"github.com/chaoskit/resilience-harness/pkg/report"
	"github.com/chaoskit/resilience-harness/pkg/telemetry"
	"github.com/chaoskit/resilience-harness/pkg/types"
)

// LoadController is the slice of the load-generator client the orchestrator
// drives
type LoadController interface {
	Configure(ctx context.Context, profile types.LoadProfile) error
	Start(ctx context.Context) (loadgen.RunHandle, error)
	PollStats(ctx context.Context, handle loadgen.RunHandle) (types.LoadStatsSample, error)
	Stop(ctx context.Context, handle loadgen.RunHandle) (types.LoadStatsSample, error)
	WorkerCount(ctx context.Context) (int, error)
}

// Injector applies one fault scenario
type Injector interface {
	Inject(ctx context.Context, scenario types.FaultScenario) (*chaoslib.InjectionResult, error)
}

// RecoveryObserver resolves the record of one injected scenario
type RecoveryObserver interface {
	Observe(ctx context.Context, scenario types.FaultScenario, record *types.RecoveryRecord,
		injectedAt time.Time, isDown, isRecovered observer.Predicate, verifyLoss observer.VerifyLoss)
}

// ScalingWatcher is the monitor task the orchestrator runs across the load
// phases
type ScalingWatcher interface {
	Start(ctx context.Context)
	Stop(ctx context.Context) []types.ScalingEvent
}

// StatsCollector is the periodic load-stats task; it owns its own sample
// sequence until the orchestrator collects the snapshot
type StatsCollector interface {
	Start(ctx context.Context, handle loadgen.RunHandle)
	Stop() []types.LoadStatsSample
}

// PredicateBuilder supplies the down/recovered predicates and the optional
// data-loss verification for one scenario
type PredicateBuilder func(ctx context.Context, scenario types.FaultScenario) (observer.Predicate, observer.Predicate, observer.VerifyLoss)

// Orchestrator owns the lifetime of every run-scoped component
type Orchestrator struct {
	plan     types.TestPlan
	details  environment.HarnessDetails
	cp       controlplane.Client
	load     LoadController
	injector Injector
	observer RecoveryObserver
	scaling  ScalingWatcher
	stats    StatsCollector
	metrics  *telemetry.Metrics

	// Predicates may be overridden; defaults derive from the control plane
	Predicates PredicateBuilder
}

// New wires an orchestrator for one run of the given plan
func New(plan types.TestPlan, details environment.HarnessDetails, cp controlplane.Client,
	load LoadController, injector Injector, recovery RecoveryObserver, scaling ScalingWatcher,
	stats StatsCollector, metrics *telemetry.Metrics) *Orchestrator {

	o := &Orchestrator{
		plan:     plan,
		details:  details,
		cp:       cp,
		load:     load,
		injector: injector,
		observer: recovery,
		scaling:  scaling,
		stats:    stats,
		metrics:  metrics,
	}
	o.Predicates = o.defaultPredicates
	return o
}

// runState collects everything a single run accumulates
type runState struct {
	runID       string
	startedAt   time.Time
	records     []*types.RecoveryRecord
	events      []types.ScalingEvent
	samples     []types.LoadStatsSample
	handle      loadgen.RunHandle
	loadStarted bool
	loadStopped bool
	isolations  []controlplane.Selector
	tornDown    bool
}

// Run executes the whole phase sequence and always returns a report
func (o *Orchestrator) Run(ctx context.Context) *types.TestReport {
	state := &runState{
		runID:     uuid.New().String(),
		startedAt: time.Now(),
	}
	for _, scenario := range o.plan.Scenarios {
		state.records = append(state.records, types.NewRecoveryRecord(scenario))
	}

	log.InfoWithValues("[Run]: Starting harness run", logrus.Fields{
		"RunID":     state.runID,
		"Plan":      o.plan.Name,
		"Scenarios": len(o.plan.Scenarios),
	})

	err := o.phase(ctx, types.PhaseValidating, o.details.ValidateTimeout, func(ctx context.Context) error {
		return o.validate(ctx)
	})
	if err == nil {
		err = o.phase(ctx, types.PhaseProvisioning, o.details.ProvisionTimeout, func(ctx context.Context) error {
			return o.load.Configure(ctx, o.plan.Profile)
		})
	}
	if err == nil {
		err = o.phase(ctx, types.PhaseLoadRampUp, o.details.PhaseTimeout, func(phaseCtx context.Context) error {
			return o.rampUp(phaseCtx, ctx, state)
		})
	}
	if err == nil {
		err = o.phase(ctx, types.PhaseSteadyState, o.details.PhaseTimeout, func(ctx context.Context) error {
			return o.steadyState(ctx, state)
		})
	}
	if err == nil {
		err = o.phase(ctx, types.PhaseLoadRampDown, o.details.PhaseTimeout, func(ctx context.Context) error {
			return o.rampDown(ctx, state)
		})
	}
	if err != nil {
		log.Errorf("Run aborted before completion, proceeding to teardown, err: %v", err)
	}

	o.teardown(state)
	return o.reporting(state)
}

// phase runs one step under its own deadline; expiry surfaces as a
// PhaseTimeout instead of a hang
func (o *Orchestrator) phase(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	o.metrics.SetPhase(name)
	log.Infof("[%v]: Phase started", name)

	phaseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(phaseCtx)
	if err != nil && phaseCtx.Err() == context.DeadlineExceeded {
		return cerrors.PhaseTimeout{Phase: name, Timeout: timeout}
	}
	if err != nil {
		return err
	}
	log.Infof("[%v]: Phase completed", name)
	return nil
}

// validate runs every precondition check before any side effect happens
func (o *Orchestrator) validate(ctx context.Context) error {
	selector := controlplane.Selector{
		Namespace:     o.plan.Target.Namespace,
		LabelSelector: o.plan.Target.AppLabel,
	}
	ready, err := o.cp.ReadMetric(ctx, controlplane.MetricReadyReplicas, selector)
	if err != nil {
		return err
	}
	if int(ready) < o.plan.Target.MinHealthyReplicas {
		return cerrors.Generic{
			Phase:  types.PhaseValidating,
			Reason: "target has fewer healthy replicas than the plan requires",
		}
	}

	workers, err := o.load.WorkerCount(ctx)
	if err != nil {
		return err
	}
	if workers < o.plan.Profile.MinWorkers {
		return cerrors.LoadGeneratorUnavailable{
			Reason: "not enough registered workers for the configured profile",
		}
	}
	return nil
}

// rampUp starts the load run and the concurrent monitor tasks, then waits
// for the profile's ramp window. The monitors get the run-level context, not
// the phase context: the phase context dies when ramp-up completes, and the
// monitors must keep sampling through steady state and the fault window
// until teardown stops them.
func (o *Orchestrator) rampUp(ctx, runCtx context.Context, state *runState) error {
	handle, err := o.load.Start(ctx)
	if err != nil {
		return err
	}
	state.handle = handle
	state.loadStarted = true

	if o.scaling != nil {
		o.scaling.Start(runCtx)
	}
	if o.stats != nil {
		o.stats.Start(runCtx, handle)
	}

	rampSeconds := 0
	if o.plan.Profile.RampRate > 0 {
		rampSeconds = o.plan.Profile.PeakUsers / o.plan.Profile.RampRate
	}
	return o.wait(ctx, time.Duration(rampSeconds)*time.Second)
}

// steadyState holds peak load and runs the fault injection window inside
// it: scenarios strictly one after another, each fully resolved before the
// next begins
func (o *Orchestrator) steadyState(ctx context.Context, state *runState) error {
	for i, scenario := range o.plan.Scenarios {
		if ctx.Err() != nil {
			// remaining scenarios stay Awaited and are reported NotRun
			return cerrors.PhaseTimeout{Phase: types.PhaseFaultWindow, Timeout: o.details.PhaseTimeout}
		}
		o.runScenario(ctx, scenario, state.records[i], state)
	}
	return nil
}

func (o *Orchestrator) runScenario(ctx context.Context, scenario types.FaultScenario, record *types.RecoveryRecord, state *runState) {
	log.InfoWithValues("[FaultInjectionWindow]: Running scenario", logrus.Fields{
		"Scenario": scenario.ID,
		"Kind":     scenario.Kind,
	})

	isDown, isRecovered, verifyLoss := o.Predicates(ctx, scenario)

	result, err := o.injector.Inject(ctx, scenario)
	if err != nil {
		// injection refusal or failure still yields exactly one record
		reason, _ := cerrors.GetRootCauseAndErrorCode(err)
		record.Outcome = types.OutcomeFailed
		record.FailureReason = reason
		record.InjectedAt = time.Now()
		o.metrics.RecordOutcome(record.Outcome)
		log.Errorf("Scenario %v not injected, continuing with the next one, err: %v", scenario.ID, err)
		return
	}
	if result.IsolationSelector != nil {
		state.isolations = append(state.isolations, *result.IsolationSelector)
	}

	o.observer.Observe(ctx, scenario, record, result.InjectedAt, isDown, isRecovered, verifyLoss)

	// network faults are reverted as soon as the scenario resolves so the
	// next scenario starts from a clean cluster
	if result.IsolationSelector != nil {
		if err := o.cp.RemoveIsolation(context.Background(), *result.IsolationSelector); err != nil {
			log.Warnf("Unable to remove isolation for %v, teardown will retry, err: %v", scenario.ID, err)
		}
	}
	o.metrics.RecordOutcome(record.Outcome)
}

// rampDown stops the load run gracefully and finalizes the monitors
func (o *Orchestrator) rampDown(ctx context.Context, state *runState) error {
	if !state.loadStarted {
		return nil
	}
	final, err := o.load.Stop(ctx, state.handle)
	if err != nil {
		return err
	}
	state.loadStopped = true
	state.samples = append(state.samples, final)
	return nil
}

// teardown always runs exactly once, cleans up best-effort and never fails
// the run
func (o *Orchestrator) teardown(state *runState) {
	if state.tornDown {
		return
	}
	state.tornDown = true
	o.metrics.SetPhase(types.PhaseTeardown)
	log.Info("[Teardown]: Cleaning up")

	// teardown must proceed even when the run context is already done
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var cleanupErr *multierror.Error

	// remove any still-active isolation; removing twice is safe
	for _, selector := range state.isolations {
		if err := o.cp.RemoveIsolation(ctx, selector); err != nil {
			cleanupErr = multierror.Append(cleanupErr, err)
		}
	}
	for _, scenario := range o.plan.Scenarios {
		selector := controlplane.Selector{
			Namespace:     scenario.Target.Namespace,
			LabelSelector: scenario.Target.LabelSelector,
		}
		if err := o.cp.RemoveIsolation(ctx, selector); err != nil {
			cleanupErr = multierror.Append(cleanupErr, err)
		}
	}

	if state.loadStarted && !state.loadStopped {
		if _, err := o.load.Stop(ctx, state.handle); err != nil {
			cleanupErr = multierror.Append(cleanupErr, err)
		} else {
			state.loadStopped = true
		}
	}

	if o.stats != nil {
		state.samples = append(o.stats.Stop(), state.samples...)
	}
	if o.scaling != nil {
		state.events = o.scaling.Stop(ctx)
	}

	if err := cleanupErr.ErrorOrNil(); err != nil {
		log.Warnf("[Teardown]: Best-effort cleanup finished with leftovers, err: %v", err)
	}
}

// reporting invokes the aggregator exactly once with whatever was collected
func (o *Orchestrator) reporting(state *runState) *types.TestReport {
	o.metrics.SetPhase(types.PhaseReporting)

	records := make([]types.RecoveryRecord, 0, len(state.records))
	for _, record := range state.records {
		if !record.Resolved() {
			record.Outcome = types.OutcomeNotRun
			record.FailureReason = "run ended before this scenario was reached"
			o.metrics.RecordOutcome(record.Outcome)
		}
		records = append(records, *record)
	}

	return report.Aggregate(report.Input{
		Plan:             o.plan,
		RunID:            state.runID,
		StartedAt:        state.startedAt,
		FinishedAt:       time.Now(),
		Records:          records,
		ScalingEvents:    state.events,
		LoadSamples:      state.samples,
		SafetyMultiplier: o.details.SafetyMultiplier,
	})
}

// defaultPredicates derives down/recovered signals from replica counts, plus
// leader presence for leader-kill scenarios. No data-loss verification is
// wired by default; callers with a probe supply their own builder.
func (o *Orchestrator) defaultPredicates(ctx context.Context, scenario types.FaultScenario) (observer.Predicate, observer.Predicate, observer.VerifyLoss) {
	selector := controlplane.Selector{
		Namespace:     scenario.Target.Namespace,
		LabelSelector: scenario.Target.LabelSelector,
	}

	want, err := o.cp.ReadMetric(ctx, controlplane.MetricDesiredReplicas, selector)
	if err != nil || want <= 0 {
		want = float64(o.plan.Target.MinHealthyReplicas)
	}

	isDown := observer.ReadyBelow(o.cp, selector, want)
	isRecovered := observer.ReadyAtLeast(o.cp, selector, want)
	if scenario.Kind == types.LeaderKill {
		isRecovered = observer.All(isRecovered, observer.LeaderPresent(o.cp, selector))
	}
	return isDown, isRecovered, nil
}

// wait sleeps for d, returning early on cancellation
func (o *Orchestrator) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
