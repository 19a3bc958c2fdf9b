// Package telemetry exposes the harness's own operational metrics. The
// target system's behaviour goes into the report; these counters only
// describe what the harness did.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chaoskit/resilience-harness/pkg/types"
)

// Metrics bundles every prometheus collector the harness registers
type Metrics struct {
	scenarioOutcomes *prometheus.CounterVec
	phase            *prometheus.GaugeVec
	samplesAppended  *prometheus.CounterVec
}

// NewMetrics registers all collectors on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		scenarioOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harness_scenario_outcomes_total",
			Help: "Fault scenarios resolved, by terminal outcome",
		}, []string{"outcome"}),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harness_phase",
			Help: "1 for the phase the orchestrator is currently in",
		}, []string{"phase"}),
		samplesAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harness_samples_appended_total",
			Help: "Samples appended to the monitor sequences",
		}, []string{"sequence"}),
	}
	reg.MustRegister(m.scenarioOutcomes, m.phase, m.samplesAppended)
	return m
}

// RecordOutcome counts one resolved scenario. Nil receivers are tolerated so
// metrics stay optional in tests
func (m *Metrics) RecordOutcome(outcome types.Outcome) {
	if m == nil {
		return
	}
	m.scenarioOutcomes.WithLabelValues(string(outcome)).Inc()
}

// SetPhase marks the active orchestrator phase
func (m *Metrics) SetPhase(phase string) {
	if m == nil {
		return
	}
	m.phase.Reset()
	m.phase.WithLabelValues(phase).Set(1)
}

// CountSample counts one appended monitor sample
func (m *Metrics) CountSample(sequence string) {
	if m == nil {
		return
	}
	m.samplesAppended.WithLabelValues(sequence).Inc()
}
