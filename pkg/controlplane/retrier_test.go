package controlplane

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chaoskit/resilience-harness/pkg/cerrors"
)

type scriptedClient struct {
	selectCalls int
	deleteCalls int
	metricCalls int
	selectErrs  []error
	deleteErrs  []error
	metricErrs  []error
}

func nth(errs []error, n int) error {
	if n < len(errs) {
		return errs[n]
	}
	return nil
}

func (s *scriptedClient) SelectEntities(ctx context.Context, selector Selector) ([]EntityRef, error) {
	err := nth(s.selectErrs, s.selectCalls)
	s.selectCalls++
	if err != nil {
		return nil, err
	}
	return []EntityRef{{Name: "db-0", Namespace: selector.Namespace}}, nil
}

func (s *scriptedClient) DeleteEntity(ctx context.Context, ref EntityRef) error {
	err := nth(s.deleteErrs, s.deleteCalls)
	s.deleteCalls++
	return err
}

func (s *scriptedClient) IsolateNetwork(ctx context.Context, selector Selector, duration time.Duration) error {
	return nil
}

func (s *scriptedClient) RemoveIsolation(ctx context.Context, selector Selector) error {
	return nil
}

func (s *scriptedClient) ReadMetric(ctx context.Context, name string, selector Selector) (float64, error) {
	err := nth(s.metricErrs, s.metricCalls)
	s.metricCalls++
	if err != nil {
		return 0, err
	}
	return 3, nil
}

func fastRetry(attempts uint) RetryConfig {
	return RetryConfig{Attempts: attempts, Base: time.Millisecond, Cap: 5 * time.Millisecond}
}

func TestRetrier_TransientErrorIsRetried(t *testing.T) {
	inner := &scriptedClient{
		selectErrs: []error{
			MarkTransient(errors.New("connection refused")),
			MarkTransient(errors.New("connection refused")),
		},
	}
	retrier := NewRetrier(inner, fastRetry(5))

	refs, err := retrier.SelectEntities(context.Background(), Selector{Namespace: "default", LabelSelector: "app=db"})
	if err != nil {
		t.Fatalf("expected recovery after transient failures, got %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("expected 1 entity, got %d", len(refs))
	}
	if inner.selectCalls != 3 {
		t.Errorf("expected 3 attempts, got %d", inner.selectCalls)
	}
}

func TestRetrier_NonTransientErrorIsNotRetried(t *testing.T) {
	inner := &scriptedClient{
		deleteErrs: []error{errors.New("entity not found")},
	}
	retrier := NewRetrier(inner, fastRetry(5))

	err := retrier.DeleteEntity(context.Background(), EntityRef{Name: "db-0"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if inner.deleteCalls != 1 {
		t.Errorf("expected 1 attempt for non-transient error, got %d", inner.deleteCalls)
	}
}

func TestRetrier_ExhaustedBudgetSurfacesControlPlaneError(t *testing.T) {
	transient := MarkTransient(errors.New("rate limited"))
	inner := &scriptedClient{
		metricErrs: []error{transient, transient, transient, transient},
	}
	retrier := NewRetrier(inner, fastRetry(3))

	_, err := retrier.ReadMetric(context.Background(), MetricReadyReplicas, Selector{Namespace: "default"})
	if err == nil {
		t.Fatal("expected error after exhausting retries, got nil")
	}
	if !cerrors.HasErrorType(err, cerrors.ErrorTypeControlPlane) {
		t.Errorf("expected a control-plane error, got %v", err)
	}
	if inner.metricCalls != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", inner.metricCalls)
	}
}

func TestIsTransient(t *testing.T) {
	if IsTransient(errors.New("plain")) {
		t.Error("plain error misclassified as transient")
	}
	if !IsTransient(MarkTransient(errors.New("refused"))) {
		t.Error("marked error not classified as transient")
	}
	if IsTransient(nil) {
		t.Error("nil misclassified as transient")
	}
}
