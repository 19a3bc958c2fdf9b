package observer

import (
	"context"

	"github.com/chaoskit/resilience-harness/pkg/controlplane"
)

// ReadyBelow holds while fewer than want replicas are ready, the default
// is-down signal for kill and isolation faults
func ReadyBelow(cp controlplane.Client, selector controlplane.Selector, want float64) Predicate {
	return func(ctx context.Context) (bool, error) {
		ready, err := cp.ReadMetric(ctx, controlplane.MetricReadyReplicas, selector)
		if err != nil {
			return false, err
		}
		return ready < want, nil
	}
}

// ReadyAtLeast holds once at least want replicas are ready again
func ReadyAtLeast(cp controlplane.Client, selector controlplane.Selector, want float64) Predicate {
	return func(ctx context.Context) (bool, error) {
		ready, err := cp.ReadMetric(ctx, controlplane.MetricReadyReplicas, selector)
		if err != nil {
			return false, err
		}
		return ready >= want, nil
	}
}

// LeaderPresent holds once some entity reports the leader role again, the
// recovery signal for leader-kill scenarios
func LeaderPresent(cp controlplane.Client, selector controlplane.Selector) Predicate {
	leaderSelector := selector
	leaderSelector.Role = "leader"
	return func(ctx context.Context) (bool, error) {
		refs, err := cp.SelectEntities(ctx, leaderSelector)
		if err != nil {
			return false, err
		}
		return len(refs) > 0, nil
	}
}

// All holds only when every given predicate holds
func All(predicates ...Predicate) Predicate {
	return func(ctx context.Context) (bool, error) {
		for _, predicate := range predicates {
			ok, err := predicate(ctx)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
}
