// Package monitor hosts the concurrent observation tasks that run alongside
// the load phases. Each task owns its own append-only sequence; the
// orchestrator only ever reads a finalized snapshot after the task stopped.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chaoskit/resilience-harness/pkg/controlplane"
	"github.com/chaoskit/resilience-harness/pkg/log"
	"github.com/chaoskit/resilience-harness/pkg/telemetry"
	"github.com/chaoskit/resilience-harness/pkg/types"
)

// ScalingMonitor samples the target's replica count on a fixed interval and
// classifies every sample against the previous one. It is strictly
// read-only: it never triggers scaling itself.
type ScalingMonitor struct {
	cp       controlplane.Client
	selector controlplane.Selector
	// Metric is the driving metric recorded next to the replica count
	metric   string
	interval time.Duration
	coolDown time.Duration
	metrics  *telemetry.Metrics

	mu     sync.Mutex
	events []types.ScalingEvent

	drain  chan struct{}
	done   chan struct{}
	once   sync.Once
	closed sync.Once
}

// NewScalingMonitor builds a monitor. interval defaults to 15s; metrics may
// be nil
func NewScalingMonitor(cp controlplane.Client, selector controlplane.Selector, metric string,
	interval, coolDown time.Duration, metrics *telemetry.Metrics) *ScalingMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &ScalingMonitor{
		cp:       cp,
		selector: selector,
		metric:   metric,
		interval: interval,
		coolDown: coolDown,
		metrics:  metrics,
		drain:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sampling loop. It keeps running until Stop is called
// (plus the cool-down window, so scale-down after load stops is captured)
// or the context is cancelled.
func (m *ScalingMonitor) Start(ctx context.Context) {
	m.once.Do(func() {
		go m.run(ctx)
	})
}

// Stop ends the load-phase window, lets the cool-down elapse and returns
// the finalized event sequence
func (m *ScalingMonitor) Stop(ctx context.Context) []types.ScalingEvent {
	m.closed.Do(func() { close(m.drain) })
	select {
	case <-m.done:
	case <-ctx.Done():
	}
	return m.Snapshot()
}

// Snapshot copies the events recorded so far
func (m *ScalingMonitor) Snapshot() []types.ScalingEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := make([]types.ScalingEvent, len(m.events))
	copy(events, m.events)
	return events
}

func (m *ScalingMonitor) run(ctx context.Context) {
	defer close(m.done)

	var coolDownUntil time.Time
	previous := -1
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sample(ctx, &previous)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.drain:
			// load has stopped: keep watching through the cool-down
			if coolDownUntil.IsZero() {
				coolDownUntil = time.Now().Add(m.coolDown)
			}
			if !time.Now().Before(coolDownUntil) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sample(ctx, &previous)
			}
		case <-ticker.C:
			m.sample(ctx, &previous)
		}
	}
}

func (m *ScalingMonitor) sample(ctx context.Context, previous *int) {
	ready, err := m.cp.ReadMetric(ctx, controlplane.MetricReadyReplicas, m.selector)
	if err != nil {
		log.Warnf("[Monitor]: replica sample failed, err: %v", err)
		return
	}
	var metricValue float64
	if m.metric != "" {
		if metricValue, err = m.cp.ReadMetric(ctx, m.metric, m.selector); err != nil {
			log.Warnf("[Monitor]: driving-metric sample failed, err: %v", err)
			metricValue = 0
		}
	}

	count := int(ready)
	direction := types.Stable
	if *previous >= 0 && count > *previous {
		direction = types.ScaleUp
	} else if *previous >= 0 && count < *previous {
		direction = types.ScaleDown
	}
	if direction != types.Stable {
		log.InfoWithValues("[Monitor]: Replica count changed", logrus.Fields{
			"From":      *previous,
			"To":        count,
			"Direction": direction,
		})
	}
	*previous = count

	m.mu.Lock()
	m.events = append(m.events, types.ScalingEvent{
		Timestamp:    time.Now(),
		ReplicaCount: count,
		MetricValue:  metricValue,
		Direction:    direction,
	})
	m.mu.Unlock()
	m.metrics.CountSample("scaling")
}
