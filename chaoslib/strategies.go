package chaoslib

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/chaoskit/resilience-harness/pkg/controlplane"
	"github.com/chaoskit/resilience-harness/pkg/types"
)

// podNameLabel is set by statefulset controllers on every member, which is
// what quorum-sensitive stores run as; it lets a network fault select one
// member precisely
const podNameLabel = "statefulset.kubernetes.io/pod-name"

// strategy is selected once per scenario kind; adding a fault kind means
// adding one strategy here
type strategy interface {
	pick(e *Engine, scenario types.FaultScenario, candidates []controlplane.EntityRef) (controlplane.EntityRef, error)
	execute(ctx context.Context, cp controlplane.Client, scenario types.FaultScenario, target controlplane.EntityRef, result *InjectionResult) error
}

func strategyFor(kind types.FaultKind) strategy {
	switch kind {
	case types.LeaderKill:
		return leaderKill{}
	case types.NodeIsolate:
		return nodeIsolate{}
	case types.NetworkPartition:
		return networkPartition{}
	default:
		return processKill{}
	}
}

// processKill deletes a random member of the candidate set
type processKill struct{}

func (processKill) pick(e *Engine, scenario types.FaultScenario, candidates []controlplane.EntityRef) (controlplane.EntityRef, error) {
	return e.pickRandom(scenario, candidates)
}

func (processKill) execute(ctx context.Context, cp controlplane.Client, scenario types.FaultScenario, target controlplane.EntityRef, result *InjectionResult) error {
	return cp.DeleteEntity(ctx, target)
}

// leaderKill deletes the entity currently reporting the leader role
type leaderKill struct{}

func (leaderKill) pick(e *Engine, scenario types.FaultScenario, candidates []controlplane.EntityRef) (controlplane.EntityRef, error) {
	return e.pickLeader(scenario, candidates)
}

func (leaderKill) execute(ctx context.Context, cp controlplane.Client, scenario types.FaultScenario, target controlplane.EntityRef, result *InjectionResult) error {
	return cp.DeleteEntity(ctx, target)
}

// nodeIsolate cuts a single member off the network
type nodeIsolate struct{}

func (nodeIsolate) pick(e *Engine, scenario types.FaultScenario, candidates []controlplane.EntityRef) (controlplane.EntityRef, error) {
	return e.pickRandom(scenario, candidates)
}

func (nodeIsolate) execute(ctx context.Context, cp controlplane.Client, scenario types.FaultScenario, target controlplane.EntityRef, result *InjectionResult) error {
	selector := controlplane.Selector{
		Namespace:     target.Namespace,
		LabelSelector: entitySelector(target),
	}
	result.IsolationSelector = &selector
	return cp.IsolateNetwork(ctx, selector, isolationDuration(scenario))
}

// networkPartition cuts the whole selected group off the network
type networkPartition struct{}

func (networkPartition) pick(e *Engine, scenario types.FaultScenario, candidates []controlplane.EntityRef) (controlplane.EntityRef, error) {
	return e.pickRandom(scenario, candidates)
}

func (networkPartition) execute(ctx context.Context, cp controlplane.Client, scenario types.FaultScenario, target controlplane.EntityRef, result *InjectionResult) error {
	selector := controlplane.Selector{
		Namespace:     scenario.Target.Namespace,
		LabelSelector: scenario.Target.LabelSelector,
	}
	result.IsolationSelector = &selector
	return cp.IsolateNetwork(ctx, selector, isolationDuration(scenario))
}

// entitySelector builds a label selector matching exactly one entity,
// preferring the per-member pod-name label when the backend exposes it
func entitySelector(target controlplane.EntityRef) string {
	if name, ok := target.Labels[podNameLabel]; ok {
		return podNameLabel + "=" + name
	}
	pairs := make([]string, 0, len(target.Labels))
	for key, value := range target.Labels {
		pairs = append(pairs, key+"="+value)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

func isolationDuration(scenario types.FaultScenario) time.Duration {
	return time.Duration(scenario.IsolationDurationSec) * time.Second
}
