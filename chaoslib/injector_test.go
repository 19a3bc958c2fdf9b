package chaoslib

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/chaoskit/resilience-harness/pkg/cerrors"
	"github.com/chaoskit/resilience-harness/pkg/controlplane"
	"github.com/chaoskit/resilience-harness/pkg/types"
)

type fakeControlPlane struct {
	entities     []controlplane.EntityRef
	selectErr    error
	deleteErr    error
	isolateErr   error
	deleteCalls  int
	isolateCalls int
	deleted      []string
	isolated     []controlplane.Selector
}

func (f *fakeControlPlane) SelectEntities(ctx context.Context, selector controlplane.Selector) ([]controlplane.EntityRef, error) {
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	if selector.Role == "" {
		return f.entities, nil
	}
	var filtered []controlplane.EntityRef
	for _, e := range f.entities {
		if e.Role == selector.Role {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

func (f *fakeControlPlane) DeleteEntity(ctx context.Context, ref controlplane.EntityRef) error {
	f.deleteCalls++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, ref.Name)
	return nil
}

func (f *fakeControlPlane) IsolateNetwork(ctx context.Context, selector controlplane.Selector, duration time.Duration) error {
	f.isolateCalls++
	if f.isolateErr != nil {
		return f.isolateErr
	}
	f.isolated = append(f.isolated, selector)
	return nil
}

func (f *fakeControlPlane) RemoveIsolation(ctx context.Context, selector controlplane.Selector) error {
	return nil
}

func (f *fakeControlPlane) ReadMetric(ctx context.Context, name string, selector controlplane.Selector) (float64, error) {
	return float64(len(f.entities)), nil
}

func members(n int, role string) []controlplane.EntityRef {
	refs := make([]controlplane.EntityRef, 0, n)
	for i := 0; i < n; i++ {
		refs = append(refs, controlplane.EntityRef{
			Name:      fmt.Sprintf("db-%d", i),
			Namespace: "prod",
			Role:      role,
			Labels:    map[string]string{"app": "db", podNameLabel: fmt.Sprintf("db-%d", i)},
		})
	}
	return refs
}

func quorumScenario(kind types.FaultKind, minQuorum int) types.FaultScenario {
	return types.FaultScenario{
		ID:   "scn-1",
		Kind: kind,
		Target: types.TargetSelector{
			Namespace:       "prod",
			LabelSelector:   "app=db",
			Role:            "replica",
			QuorumSensitive: true,
			MinQuorum:       minQuorum,
		},
		ExpectedRecoveryBoundMs: 30000,
	}
}

func TestInject_SafetyViolationLeavesControlPlaneUntouched(t *testing.T) {
	// scenario: single quorum-sensitive member, quorum minimum of 2
	cp := &fakeControlPlane{entities: members(1, "replica")}
	engine := NewEngine(cp, rand.New(rand.NewSource(1)))

	_, err := engine.Inject(context.Background(), quorumScenario(types.NodeIsolate, 2))
	if !cerrors.HasErrorType(err, cerrors.ErrorTypeSafetyViolation) {
		t.Fatalf("expected SafetyViolation, got %v", err)
	}
	if cp.deleteCalls != 0 || cp.isolateCalls != 0 {
		t.Errorf("safety violation must not touch the control plane, got %d deletes and %d isolations",
			cp.deleteCalls, cp.isolateCalls)
	}
}

func TestInject_SafetyInvariantProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		candidates := rng.Intn(9) + 1 // 1..9
		minQuorum := rng.Intn(9) + 1  // 1..9
		cp := &fakeControlPlane{entities: members(candidates, "replica")}
		engine := NewEngine(cp, rand.New(rand.NewSource(int64(i))))

		_, err := engine.Inject(context.Background(), quorumScenario(types.ProcessKill, minQuorum))

		if candidates-1 < minQuorum {
			if !cerrors.HasErrorType(err, cerrors.ErrorTypeSafetyViolation) {
				t.Fatalf("candidates=%d quorum=%d: expected SafetyViolation, got %v", candidates, minQuorum, err)
			}
			if cp.deleteCalls != 0 {
				t.Fatalf("candidates=%d quorum=%d: control plane touched on refused scenario", candidates, minQuorum)
			}
		} else {
			if err != nil {
				t.Fatalf("candidates=%d quorum=%d: expected injection, got %v", candidates, minQuorum, err)
			}
			if cp.deleteCalls != 1 {
				t.Fatalf("candidates=%d quorum=%d: expected exactly one delete, got %d", candidates, minQuorum, cp.deleteCalls)
			}
		}
	}
}

func TestInject_LeaderKillPicksTheLeader(t *testing.T) {
	entities := members(3, "replica")
	entities[1].Role = "leader"
	cp := &fakeControlPlane{entities: entities}
	engine := NewEngine(cp, rand.New(rand.NewSource(7)))

	scenario := types.FaultScenario{
		ID:   "leader-kill",
		Kind: types.LeaderKill,
		Target: types.TargetSelector{
			Namespace:     "prod",
			LabelSelector: "app=db",
		},
		ExpectedRecoveryBoundMs: 30000,
	}

	result, err := engine.Inject(context.Background(), scenario)
	if err != nil {
		t.Fatalf("expected injection, got %v", err)
	}
	if result.Target.Name != "db-1" {
		t.Errorf("expected the leader db-1 to be picked, got %s", result.Target.Name)
	}
	if len(cp.deleted) != 1 || cp.deleted[0] != "db-1" {
		t.Errorf("expected db-1 deleted, got %v", cp.deleted)
	}
	if result.InjectedAt.IsZero() {
		t.Error("expected InjectedAt to be stamped")
	}
}

func TestInject_LeaderKillWithoutLeaderFails(t *testing.T) {
	cp := &fakeControlPlane{entities: members(3, "replica")}
	engine := NewEngine(cp, rand.New(rand.NewSource(7)))

	scenario := types.FaultScenario{
		ID:                      "leader-kill",
		Kind:                    types.LeaderKill,
		Target:                  types.TargetSelector{Namespace: "prod", LabelSelector: "app=db"},
		ExpectedRecoveryBoundMs: 30000,
	}

	_, err := engine.Inject(context.Background(), scenario)
	if !cerrors.HasErrorType(err, cerrors.ErrorTypeTargetSelection) {
		t.Fatalf("expected target selection failure, got %v", err)
	}
	if cp.deleteCalls != 0 {
		t.Errorf("no delete expected without a leader, got %d", cp.deleteCalls)
	}
}

func TestInject_PinnedIndexIsDeterministic(t *testing.T) {
	pinned := 2
	scenario := types.FaultScenario{
		ID:                      "pin",
		Kind:                    types.ProcessKill,
		Target:                  types.TargetSelector{Namespace: "prod", LabelSelector: "app=db"},
		ExpectedRecoveryBoundMs: 10000,
		PinnedIndex:             &pinned,
	}

	for seed := int64(0); seed < 5; seed++ {
		cp := &fakeControlPlane{entities: members(4, "replica")}
		engine := NewEngine(cp, rand.New(rand.NewSource(seed)))
		result, err := engine.Inject(context.Background(), scenario)
		if err != nil {
			t.Fatalf("seed %d: %v", seed, err)
		}
		if result.Target.Name != "db-2" {
			t.Fatalf("seed %d: pinned index ignored, got %s", seed, result.Target.Name)
		}
	}
}

func TestInject_PinnedIndexOutOfRangeIsRejected(t *testing.T) {
	for _, pinned := range []int{-1, 4} {
		cp := &fakeControlPlane{entities: members(4, "replica")}
		engine := NewEngine(cp, rand.New(rand.NewSource(1)))

		scenario := types.FaultScenario{
			ID:                      "pin",
			Kind:                    types.ProcessKill,
			Target:                  types.TargetSelector{Namespace: "prod", LabelSelector: "app=db"},
			ExpectedRecoveryBoundMs: 10000,
			PinnedIndex:             &pinned,
		}

		_, err := engine.Inject(context.Background(), scenario)
		if !cerrors.HasErrorType(err, cerrors.ErrorTypeTargetSelection) {
			t.Fatalf("pinned=%d: expected target selection failure, got %v", pinned, err)
		}
		if cp.deleteCalls != 0 {
			t.Errorf("pinned=%d: no delete expected on a rejected index, got %d", pinned, cp.deleteCalls)
		}
	}
}

func TestInject_NodeIsolateTargetsSingleMember(t *testing.T) {
	cp := &fakeControlPlane{entities: members(3, "cache")}
	engine := NewEngine(cp, rand.New(rand.NewSource(3)))

	pinned := 0
	scenario := types.FaultScenario{
		ID:                      "cache-isolate",
		Kind:                    types.NodeIsolate,
		Target:                  types.TargetSelector{Namespace: "prod", LabelSelector: "app=db"},
		ExpectedRecoveryBoundMs: 15000,
		PinnedIndex:             &pinned,
		IsolationDurationSec:    30,
	}

	result, err := engine.Inject(context.Background(), scenario)
	if err != nil {
		t.Fatal(err)
	}
	if result.IsolationSelector == nil {
		t.Fatal("expected an isolation selector for teardown")
	}
	if got := result.IsolationSelector.LabelSelector; got != podNameLabel+"=db-0" {
		t.Errorf("expected single-member selector, got %q", got)
	}
	if cp.isolateCalls != 1 {
		t.Errorf("expected one isolation call, got %d", cp.isolateCalls)
	}
}

func TestInject_NetworkPartitionTargetsWholeGroup(t *testing.T) {
	cp := &fakeControlPlane{entities: members(3, "cache")}
	engine := NewEngine(cp, rand.New(rand.NewSource(3)))

	scenario := types.FaultScenario{
		ID:                      "partition",
		Kind:                    types.NetworkPartition,
		Target:                  types.TargetSelector{Namespace: "prod", LabelSelector: "app=db"},
		ExpectedRecoveryBoundMs: 15000,
	}

	result, err := engine.Inject(context.Background(), scenario)
	if err != nil {
		t.Fatal(err)
	}
	if got := result.IsolationSelector.LabelSelector; got != "app=db" {
		t.Errorf("expected the group selector, got %q", got)
	}
}

func TestInject_ControlPlaneFailurePropagates(t *testing.T) {
	cp := &fakeControlPlane{
		entities:  members(5, "replica"),
		deleteErr: cerrors.ControlPlane{Operation: "delete", Target: "db-0", Reason: "connection refused"},
	}
	engine := NewEngine(cp, rand.New(rand.NewSource(9)))

	scenario := types.FaultScenario{
		ID:                      "kill",
		Kind:                    types.ProcessKill,
		Target:                  types.TargetSelector{Namespace: "prod", LabelSelector: "app=db"},
		ExpectedRecoveryBoundMs: 10000,
	}

	_, err := engine.Inject(context.Background(), scenario)
	if !cerrors.HasErrorType(err, cerrors.ErrorTypeControlPlane) {
		t.Fatalf("expected control-plane error, got %v", err)
	}
}

func TestInject_EmptyCandidateSet(t *testing.T) {
	cp := &fakeControlPlane{}
	engine := NewEngine(cp, rand.New(rand.NewSource(1)))

	scenario := types.FaultScenario{
		ID:                      "kill",
		Kind:                    types.ProcessKill,
		Target:                  types.TargetSelector{Namespace: "prod", LabelSelector: "app=ghost"},
		ExpectedRecoveryBoundMs: 10000,
	}

	_, err := engine.Inject(context.Background(), scenario)
	if !cerrors.HasErrorType(err, cerrors.ErrorTypeTargetSelection) {
		t.Fatalf("expected target selection failure, got %v", err)
	}
	var selectionErr cerrors.TargetSelection
	if !errors.As(err, &selectionErr) {
		t.Fatalf("expected a TargetSelection error value, got %T", err)
	}
}
