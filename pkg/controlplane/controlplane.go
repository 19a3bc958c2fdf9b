// Package controlplane abstracts the management API of the system under
// test. Everything the harness knows about the target cluster flows through
// the Client interface, so any orchestrated cluster (database, cache,
// application tier) can be driven by supplying selectors and predicates
// rather than cluster-specific code.
package controlplane

import (
	"context"
	"fmt"
	"time"
)

// EntityRef identifies one member of the target cluster
type EntityRef struct {
	Name      string
	Namespace string
	Role      string
	Labels    map[string]string
}

// Selector narrows control-plane operations to a set of entities
type Selector struct {
	Namespace     string
	LabelSelector string
	// Role keeps only entities whose role label matches, when non-empty
	Role string
}

func (s Selector) String() string {
	if s.Role == "" {
		return fmt.Sprintf("%s/%s", s.Namespace, s.LabelSelector)
	}
	return fmt.Sprintf("%s/%s(role=%s)", s.Namespace, s.LabelSelector, s.Role)
}

// Metric names understood by the reference backend
const (
	MetricReadyReplicas   = "ready_replicas"
	MetricDesiredReplicas = "desired_replicas"
)

// Client is the generic management contract of the target cluster.
// Implementations may retry transient failures internally but must never
// attempt a side effect after surfacing an error.
type Client interface {
	// SelectEntities resolves a selector to the current candidate set
	SelectEntities(ctx context.Context, selector Selector) ([]EntityRef, error)
	// DeleteEntity removes a single entity (process/pod kill)
	DeleteEntity(ctx context.Context, ref EntityRef) error
	// IsolateNetwork cuts the selected entities off the network. duration is
	// advisory (recorded for the report); backends do not auto-expire the
	// isolation. The caller owns the lifetime and must call RemoveIsolation
	// when the scenario resolves, and again during teardown.
	IsolateNetwork(ctx context.Context, selector Selector, duration time.Duration) error
	// RemoveIsolation undoes IsolateNetwork; removing an isolation that
	// was never applied must succeed (teardown is idempotent)
	RemoveIsolation(ctx context.Context, selector Selector) error
	// ReadMetric reads one scalar metric for the selected entities
	ReadMetric(ctx context.Context, name string, selector Selector) (float64, error)
}

// transientError marks failures worth retrying (connection refused,
// rate-limited, apiserver hiccups)
type transientError struct {
	err error
}

func (t transientError) Error() string {
	return t.err.Error()
}

func (t transientError) Unwrap() error {
	return t.err
}

// MarkTransient wraps err so the retrying decorator will retry it
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked retryable by a backend
func IsTransient(err error) bool {
	for err != nil {
		if _, ok := err.(transientError); ok {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
