// Package chaoslib applies one fault scenario at a time against the target
// cluster. Selection, the quorum safety rule and the kind-specific action
// all live here; timing the recovery is the observer's job.
package chaoslib

import (
	"context"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chaoskit/resilience-harness/pkg/cerrors"
	"github.com/chaoskit/resilience-harness/pkg/controlplane"
	"github.com/chaoskit/resilience-harness/pkg/log"
	"github.com/chaoskit/resilience-harness/pkg/types"
)

// InjectionResult records what the engine actually did
type InjectionResult struct {
	Target     controlplane.EntityRef
	InjectedAt time.Time
	// IsolationSelector is set for network faults so teardown can undo them
	IsolationSelector *controlplane.Selector
}

// Engine resolves, safety-checks and executes fault scenarios
type Engine struct {
	cp  controlplane.Client
	rng *rand.Rand
}

// NewEngine builds an engine over the given control plane. A nil rng falls
// back to a time-seeded one; tests pass a fixed seed
func NewEngine(cp controlplane.Client, rng *rand.Rand) *Engine {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Engine{cp: cp, rng: rng}
}

// Inject applies one scenario. On a SafetyViolation no control-plane side
// effect has been attempted; on a control-plane failure the error carries
// the reason for the scenario's Failed record. Both leave the orchestrator
// free to continue with the next scenario.
func (e *Engine) Inject(ctx context.Context, scenario types.FaultScenario) (*InjectionResult, error) {
	selector := controlplane.Selector{
		Namespace:     scenario.Target.Namespace,
		LabelSelector: scenario.Target.LabelSelector,
		Role:          scenario.Target.Role,
	}

	candidates, err := e.cp.SelectEntities(ctx, selector)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, cerrors.TargetSelection{Selector: selector.String(), Reason: "no candidates matched the selector"}
	}

	// safety rule: never reduce a quorum-sensitive role below its minimum
	if scenario.Target.QuorumSensitive && len(candidates)-1 < scenario.Target.MinQuorum {
		return nil, cerrors.SafetyViolation{
			ScenarioID:   scenario.ID,
			Role:         scenario.Target.Role,
			HealthyCount: len(candidates),
			MinQuorum:    scenario.Target.MinQuorum,
		}
	}

	strategy := strategyFor(scenario.Kind)
	target, err := strategy.pick(e, scenario, candidates)
	if err != nil {
		return nil, err
	}

	log.InfoWithValues("[Inject]: Executing fault scenario", logrus.Fields{
		"Scenario": scenario.ID,
		"Kind":     scenario.Kind,
		"Target":   target.Name,
	})

	result := &InjectionResult{Target: target}
	if err := strategy.execute(ctx, e.cp, scenario, target, result); err != nil {
		return nil, err
	}
	result.InjectedAt = time.Now()
	return result, nil
}

// pickRandom chooses a candidate uniformly at random, honouring a pinned
// index when the scenario sets one
func (e *Engine) pickRandom(scenario types.FaultScenario, candidates []controlplane.EntityRef) (controlplane.EntityRef, error) {
	if scenario.PinnedIndex != nil {
		index := *scenario.PinnedIndex
		if index < 0 || index >= len(candidates) {
			return controlplane.EntityRef{}, cerrors.TargetSelection{
				Selector: scenario.Target.LabelSelector,
				Reason:   "pinned index is out of range for the candidate set",
			}
		}
		return candidates[index], nil
	}
	return candidates[e.rng.Intn(len(candidates))], nil
}

// pickLeader finds the entity currently reporting the leader role
func (e *Engine) pickLeader(scenario types.FaultScenario, candidates []controlplane.EntityRef) (controlplane.EntityRef, error) {
	for _, candidate := range candidates {
		if candidate.Role == "leader" {
			return candidate, nil
		}
	}
	return controlplane.EntityRef{}, cerrors.TargetSelection{
		Selector: scenario.Target.LabelSelector,
		Reason:   "no entity currently reports the leader role",
	}
}
