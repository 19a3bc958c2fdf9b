// Package observer times the recovery of the target system after a fault.
// One observer run drives a single record through
// Injected -> WaitingForDown -> WaitingForRecovered -> {Passed,Failed,Timeout}.
package observer

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chaoskit/resilience-harness/pkg/log"
	"github.com/chaoskit/resilience-harness/pkg/math"
	"github.com/chaoskit/resilience-harness/pkg/types"
)

// Predicate samples one boolean aspect of the target system's state
type Predicate func(ctx context.Context) (bool, error)

// VerifyLoss checks for data loss after recovery (e.g. compares a probe
// value written before the fault). It runs after timing is computed and
// never influences the measurement.
type VerifyLoss func(ctx context.Context) (bool, error)

// Config tunes the polling behaviour of the observer
type Config struct {
	// PollInterval between predicate samples, default 1s
	PollInterval time.Duration
	// SafetyMultiplier stretches the recovery deadline beyond the
	// scenario's expected bound, default 3
	SafetyMultiplier int
	// DownGrace bounds how long the fault may stay unobserved before the
	// scenario fails with "no observable effect", default 30s. It is
	// always capped at the scenario's expected recovery bound.
	DownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.SafetyMultiplier <= 0 {
		c.SafetyMultiplier = 3
	}
	if c.DownGrace <= 0 {
		c.DownGrace = 30 * time.Second
	}
	return c
}

// Observer resolves recovery records, one scenario at a time
type Observer struct {
	cfg Config
}

// New builds an observer; zero config fields fall back to defaults
func New(cfg Config) *Observer {
	return &Observer{cfg: cfg.withDefaults()}
}

// Observe drives the state machine for one scenario until the record reaches
// a terminal outcome. Cancellation resolves the record as Failed rather than
// leaving it Awaited. verifyLoss may be nil.
func (o *Observer) Observe(ctx context.Context, scenario types.FaultScenario, record *types.RecoveryRecord,
	injectedAt time.Time, isDown, isRecovered Predicate, verifyLoss VerifyLoss) {

	record.InjectedAt = injectedAt
	bound := time.Duration(scenario.ExpectedRecoveryBoundMs) * time.Millisecond
	grace := time.Duration(math.Minimum(int64(o.cfg.DownGrace), int64(bound)))

	if !o.waitForDown(ctx, record, isDown, injectedAt.Add(grace)) {
		return
	}
	o.waitForRecovered(ctx, scenario, record, isRecovered, verifyLoss, bound)

	log.InfoWithValues("[Observe]: Scenario resolved", logrus.Fields{
		"Scenario":       scenario.ID,
		"Outcome":        record.Outcome,
		"RecoveryTimeMs": record.RecoveryTimeMs,
	})
}

// waitForDown polls the is-down predicate until it holds, the grace deadline
// elapses or the context is cancelled. It returns true only when the fault's
// effect was actually observed; an unobserved failure cannot be scored as
// recovered, so the scenario fails instead.
func (o *Observer) waitForDown(ctx context.Context, record *types.RecoveryRecord, isDown Predicate, graceDeadline time.Time) bool {
	for {
		if ctx.Err() != nil {
			record.Outcome = types.OutcomeFailed
			record.FailureReason = "observation cancelled before the fault took effect"
			return false
		}

		down, err := isDown(ctx)
		if err != nil {
			// a perturbed target may fail its own status endpoint;
			// that is a signal to keep polling, not to give up
			log.Warnf("[Observe]: is-down predicate errored, continuing, err: %v", err)
		} else if down {
			now := time.Now()
			record.DetectedDownAt = &now
			return true
		}

		if time.Now().After(graceDeadline) {
			record.Outcome = types.OutcomeFailed
			record.FailureReason = "fault had no observable effect within the grace window"
			return false
		}
		o.sleep(ctx)
	}
}

// waitForRecovered polls the is-recovered predicate until it holds or the
// recovery deadline (bound x safety multiplier) elapses
func (o *Observer) waitForRecovered(ctx context.Context, scenario types.FaultScenario, record *types.RecoveryRecord,
	isRecovered Predicate, verifyLoss VerifyLoss, bound time.Duration) {

	deadline := record.InjectedAt.Add(bound * time.Duration(o.cfg.SafetyMultiplier))
	for {
		if ctx.Err() != nil {
			record.Outcome = types.OutcomeFailed
			record.FailureReason = "observation cancelled before recovery"
			return
		}

		recovered, err := isRecovered(ctx)
		if err != nil {
			log.Warnf("[Observe]: is-recovered predicate errored, continuing, err: %v", err)
		} else if recovered {
			now := time.Now()
			record.DetectedRecoveredAt = &now
			record.RecoveryTimeMs = now.Sub(record.InjectedAt).Milliseconds()
			if record.RecoveryTimeMs <= scenario.ExpectedRecoveryBoundMs {
				record.Outcome = types.OutcomePassed
			} else {
				record.Outcome = types.OutcomeFailed
				record.FailureReason = "recovered, but slower than the expected bound"
			}
			o.checkDataLoss(ctx, scenario, record, verifyLoss)
			return
		}

		if time.Now().After(deadline) {
			record.Outcome = types.OutcomeTimeout
			record.FailureReason = "recovery was not observed within bound x safety multiplier"
			return
		}
		o.sleep(ctx)
	}
}

// checkDataLoss runs the caller-supplied verification after the timing
// measurement is already frozen
func (o *Observer) checkDataLoss(ctx context.Context, scenario types.FaultScenario, record *types.RecoveryRecord, verifyLoss VerifyLoss) {
	if verifyLoss == nil {
		return
	}
	lossObserved, err := verifyLoss(ctx)
	if err != nil {
		log.Warnf("[Observe]: data-loss verification for %v errored, err: %v", scenario.ID, err)
		return
	}
	record.DataLossObserved = lossObserved
}

// sleep waits one poll interval, returning false when cancelled
func (o *Observer) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(o.cfg.PollInterval):
		return true
	}
}
