package controlplane

import (
	"context"
	"time"

	retrygo "github.com/avast/retry-go"

	"github.com/chaoskit/resilience-harness/pkg/cerrors"
	"github.com/chaoskit/resilience-harness/pkg/log"
)

// RetryConfig bounds the transient-retry behaviour of the decorator
type RetryConfig struct {
	Attempts uint
	Base     time.Duration
	Cap      time.Duration
}

// DefaultRetryConfig matches the contract: exponential backoff with base
// 500ms, capped at 8s, at most 5 attempts
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts: 5,
		Base:     500 * time.Millisecond,
		Cap:      8 * time.Second,
	}
}

// Retrier decorates a Client with bounded exponential-backoff retry of
// transient errors. Once the budget is spent the last error surfaces as a
// cerrors.ControlPlane and no further side effect is attempted.
type Retrier struct {
	inner Client
	cfg   RetryConfig
}

// NewRetrier wraps inner with the given retry budget
func NewRetrier(inner Client, cfg RetryConfig) *Retrier {
	if cfg.Attempts == 0 {
		cfg = DefaultRetryConfig()
	}
	return &Retrier{inner: inner, cfg: cfg}
}

func (r *Retrier) do(ctx context.Context, operation, target string, fn func() error) error {
	err := retrygo.Do(fn,
		retrygo.Attempts(r.cfg.Attempts),
		retrygo.Delay(r.cfg.Base),
		retrygo.MaxDelay(r.cfg.Cap),
		retrygo.DelayType(retrygo.BackOffDelay),
		retrygo.LastErrorOnly(true),
		retrygo.RetryIf(func(err error) bool {
			if ctx.Err() != nil {
				return false
			}
			retryable := IsTransient(err)
			if retryable {
				log.Warnf("[ControlPlane]: transient failure in %v, retrying, err: %v", operation, err)
			}
			return retryable
		}),
	)
	if err != nil {
		return cerrors.ControlPlane{Operation: operation, Target: target, Reason: err.Error()}
	}
	return nil
}

func (r *Retrier) SelectEntities(ctx context.Context, selector Selector) ([]EntityRef, error) {
	var refs []EntityRef
	err := r.do(ctx, "select", selector.String(), func() error {
		var err error
		refs, err = r.inner.SelectEntities(ctx, selector)
		return err
	})
	return refs, err
}

func (r *Retrier) DeleteEntity(ctx context.Context, ref EntityRef) error {
	return r.do(ctx, "delete", ref.Name, func() error {
		return r.inner.DeleteEntity(ctx, ref)
	})
}

func (r *Retrier) IsolateNetwork(ctx context.Context, selector Selector, duration time.Duration) error {
	return r.do(ctx, "isolate", selector.String(), func() error {
		return r.inner.IsolateNetwork(ctx, selector, duration)
	})
}

func (r *Retrier) RemoveIsolation(ctx context.Context, selector Selector) error {
	return r.do(ctx, "remove-isolation", selector.String(), func() error {
		return r.inner.RemoveIsolation(ctx, selector)
	})
}

func (r *Retrier) ReadMetric(ctx context.Context, name string, selector Selector) (float64, error) {
	var value float64
	err := r.do(ctx, "read-metric", name, func() error {
		var err error
		value, err = r.inner.ReadMetric(ctx, name, selector)
		return err
	})
	return value, err
}
