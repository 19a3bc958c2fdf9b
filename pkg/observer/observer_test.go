package observer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chaoskit/resilience-harness/pkg/types"
)

func fastConfig() Config {
	return Config{
		PollInterval:     5 * time.Millisecond,
		SafetyMultiplier: 3,
		DownGrace:        100 * time.Millisecond,
	}
}

func scenarioWithBound(boundMs int64) types.FaultScenario {
	return types.FaultScenario{
		ID:                      "db-leader-kill",
		Kind:                    types.LeaderKill,
		Target:                  types.TargetSelector{Namespace: "prod", LabelSelector: "app=db"},
		ExpectedRecoveryBoundMs: boundMs,
	}
}

// after returns a predicate that starts holding once the given duration has
// passed since the observation started
func after(start time.Time, d time.Duration) Predicate {
	return func(ctx context.Context) (bool, error) {
		return time.Since(start) >= d, nil
	}
}

func never() Predicate {
	return func(ctx context.Context) (bool, error) { return false, nil }
}

func always() Predicate {
	return func(ctx context.Context) (bool, error) { return true, nil }
}

func TestObserve_RecoveryWithinBoundPasses(t *testing.T) {
	// re-election completes well within the expected bound
	scenario := scenarioWithBound(300)
	record := types.NewRecoveryRecord(scenario)
	injectedAt := time.Now()

	New(fastConfig()).Observe(context.Background(), scenario, record, injectedAt,
		always(), after(injectedAt, 60*time.Millisecond), nil)

	if record.Outcome != types.OutcomePassed {
		t.Fatalf("expected Passed, got %s (%s)", record.Outcome, record.FailureReason)
	}
	if record.RecoveryTimeMs < 60 || record.RecoveryTimeMs > 300 {
		t.Errorf("recovery time %dms outside the plausible window", record.RecoveryTimeMs)
	}
	if record.DetectedDownAt == nil || record.DetectedRecoveredAt == nil {
		t.Fatal("expected both down and recovered timestamps")
	}
	if record.DetectedRecoveredAt.Before(*record.DetectedDownAt) {
		t.Error("recovered before detected down")
	}
}

func TestObserve_SlowRecoveryFails(t *testing.T) {
	// recovery happens, but only after the expected bound has passed
	scenario := scenarioWithBound(40)
	record := types.NewRecoveryRecord(scenario)
	injectedAt := time.Now()

	New(fastConfig()).Observe(context.Background(), scenario, record, injectedAt,
		always(), after(injectedAt, 70*time.Millisecond), nil)

	if record.Outcome != types.OutcomeFailed {
		t.Fatalf("expected Failed for slow recovery, got %s", record.Outcome)
	}
	if record.DetectedRecoveredAt == nil {
		t.Error("recovery did occur, timestamp expected")
	}
	if record.RecoveryTimeMs <= scenario.ExpectedRecoveryBoundMs {
		t.Errorf("recovery time %dms should exceed the bound", record.RecoveryTimeMs)
	}
}

func TestObserve_NoRecoveryTimesOut(t *testing.T) {
	// predicate never holds within bound x multiplier
	scenario := scenarioWithBound(30)
	record := types.NewRecoveryRecord(scenario)
	injectedAt := time.Now()

	start := time.Now()
	New(fastConfig()).Observe(context.Background(), scenario, record, injectedAt,
		always(), never(), nil)
	elapsed := time.Since(start)

	if record.Outcome != types.OutcomeTimeout {
		t.Fatalf("expected Timeout, got %s", record.Outcome)
	}
	if elapsed < 90*time.Millisecond {
		t.Errorf("gave up after %v, before bound x multiplier", elapsed)
	}
	if record.DetectedRecoveredAt != nil {
		t.Error("no recovery timestamp expected on timeout")
	}
	if record.RecoveryTimeMs != 0 {
		t.Errorf("no recovery time expected on timeout, got %d", record.RecoveryTimeMs)
	}
}

func TestObserve_UnobservedFaultFails(t *testing.T) {
	// the is-down predicate never holds within the grace window
	scenario := scenarioWithBound(500)
	record := types.NewRecoveryRecord(scenario)

	New(fastConfig()).Observe(context.Background(), scenario, record, time.Now(),
		never(), always(), nil)

	if record.Outcome != types.OutcomeFailed {
		t.Fatalf("expected Failed, got %s", record.Outcome)
	}
	if record.FailureReason == "" || record.DetectedDownAt != nil {
		t.Errorf("expected an unobserved-fault failure, got reason=%q downAt=%v",
			record.FailureReason, record.DetectedDownAt)
	}
}

func TestObserve_CancellationResolvesTheRecord(t *testing.T) {
	scenario := scenarioWithBound(10000)
	record := types.NewRecoveryRecord(scenario)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	New(fastConfig()).Observe(ctx, scenario, record, time.Now(),
		always(), never(), nil)

	if !record.Resolved() {
		t.Fatal("cancellation must still resolve the record")
	}
	if record.Outcome == types.OutcomePassed {
		t.Error("cancelled observation must not pass")
	}
	if time.Since(start) > time.Second {
		t.Error("cancellation was not cooperative")
	}
}

func TestObserve_DataLossCheckRunsAfterRecovery(t *testing.T) {
	scenario := scenarioWithBound(300)
	record := types.NewRecoveryRecord(scenario)
	injectedAt := time.Now()

	var verified atomic.Bool
	verify := func(ctx context.Context) (bool, error) {
		verified.Store(true)
		return true, nil
	}

	New(fastConfig()).Observe(context.Background(), scenario, record, injectedAt,
		always(), after(injectedAt, 20*time.Millisecond), verify)

	if !verified.Load() {
		t.Fatal("data-loss verification was not invoked")
	}
	if !record.DataLossObserved {
		t.Error("expected DataLossObserved to be set")
	}
	if record.Outcome != types.OutcomePassed {
		t.Errorf("loss check must not change the timing outcome, got %s", record.Outcome)
	}
}

func TestObserve_PredicateErrorsAreTolerated(t *testing.T) {
	scenario := scenarioWithBound(200)
	record := types.NewRecoveryRecord(scenario)
	injectedAt := time.Now()

	var downCalls int
	flakyDown := func(ctx context.Context) (bool, error) {
		downCalls++
		if downCalls < 3 {
			return false, errors.New("status endpoint unreachable")
		}
		return true, nil
	}

	New(fastConfig()).Observe(context.Background(), scenario, record, injectedAt,
		flakyDown, after(injectedAt, 40*time.Millisecond), nil)

	if record.Outcome != types.OutcomePassed {
		t.Fatalf("expected Passed despite predicate errors, got %s (%s)", record.Outcome, record.FailureReason)
	}
}
