// Package report turns the collected records into the final verdict. It is
// a pure transformation: no I/O, no retries, no clock reads beyond the
// timestamps already captured.
package report

import (
	"fmt"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"

	"github.com/chaoskit/resilience-harness/pkg/math"
	"github.com/chaoskit/resilience-harness/pkg/types"
)

// Criterion keys of the verdict map
const (
	CriterionAvailability = "availability"
	CriterionLatencyP95   = "latency-p95"
)

// ScenarioCriterion names the per-scenario verdict key
func ScenarioCriterion(scenarioID string) string {
	return "scenario:" + scenarioID
}

// Input is everything the aggregator consumes; possibly partial when earlier
// phases failed
type Input struct {
	Plan          types.TestPlan
	RunID         string
	StartedAt     time.Time
	FinishedAt    time.Time
	Records       []types.RecoveryRecord
	ScalingEvents []types.ScalingEvent
	LoadSamples   []types.LoadStatsSample
	// SafetyMultiplier mirrors the observer's recovery deadline so timeout
	// downtime windows can be bounded; default 3
	SafetyMultiplier int
}

// Aggregate produces the one immutable TestReport of a run
func Aggregate(in Input) *types.TestReport {
	if in.SafetyMultiplier <= 0 {
		in.SafetyMultiplier = 3
	}

	result := &types.TestReport{
		RunID:         in.RunID,
		Plan:          in.Plan,
		StartedAt:     in.StartedAt,
		FinishedAt:    in.FinishedAt,
		Records:       in.Records,
		ScalingEvents: in.ScalingEvents,
		LoadSamples:   in.LoadSamples,
		Verdicts:      map[string]types.CriterionVerdict{},
	}

	for _, record := range in.Records {
		result.Verdicts[ScenarioCriterion(record.ScenarioID)] = scoreScenario(in.Plan.SLA, scenarioByID(in.Plan, record.ScenarioID), record)
	}

	result.Availability = availability(in)
	result.Verdicts[CriterionAvailability] = scoreAvailability(in.Plan.SLA, result.Availability)

	result.P50Ms, result.P95Ms = percentiles(in.LoadSamples)
	if in.Plan.SLA.MaxP95Ms > 0 {
		result.Verdicts[CriterionLatencyP95] = scoreLatency(in.Plan.SLA, result.P95Ms)
	}

	result.Passed = true
	for _, verdict := range result.Verdicts {
		if !verdict.Passed {
			result.Passed = false
			break
		}
	}
	return result
}

func scenarioByID(plan types.TestPlan, id string) *types.FaultScenario {
	for i := range plan.Scenarios {
		if plan.Scenarios[i].ID == id {
			return &plan.Scenarios[i]
		}
	}
	return nil
}

func scoreScenario(sla types.SLAThresholds, scenario *types.FaultScenario, record types.RecoveryRecord) types.CriterionVerdict {
	switch record.Outcome {
	case types.OutcomePassed:
	case types.OutcomeNotRun:
		return types.CriterionVerdict{Passed: false, Reason: "scenario was never executed"}
	default:
		reason := record.FailureReason
		if reason == "" {
			reason = fmt.Sprintf("outcome %s", record.Outcome)
		}
		return types.CriterionVerdict{Passed: false, Reason: reason}
	}

	if limit, ok := sla.MaxRecoveryMs[record.Kind]; ok && record.RecoveryTimeMs > limit {
		return types.CriterionVerdict{
			Passed: false,
			Reason: fmt.Sprintf("recovered in %dms, above the %dms cap for %s", record.RecoveryTimeMs, limit, record.Kind),
		}
	}

	if record.DataLossObserved {
		tolerance := types.LossNone
		if scenario != nil && scenario.DataLossTolerance != "" {
			tolerance = scenario.DataLossTolerance
		}
		if tolerance == types.LossNone {
			return types.CriterionVerdict{Passed: false, Reason: "data loss observed with zero tolerance"}
		}
	}

	return types.CriterionVerdict{Passed: true}
}

// availability is 1 - (sum of downtime windows / total test duration),
// with each record contributing at most one window
func availability(in Input) float64 {
	total := in.FinishedAt.Sub(in.StartedAt)
	if total <= 0 {
		return 1
	}

	var downtime time.Duration
	for _, record := range in.Records {
		if record.DetectedDownAt == nil {
			continue
		}
		start := *record.DetectedDownAt
		var end time.Time
		switch {
		case record.DetectedRecoveredAt != nil:
			end = *record.DetectedRecoveredAt
		default:
			// never recovered: charge the window the observer waited
			bound := scenarioBound(in.Plan, record.ScenarioID)
			end = record.InjectedAt.Add(time.Duration(bound*int64(in.SafetyMultiplier)) * time.Millisecond)
		}
		if end.After(in.FinishedAt) {
			end = in.FinishedAt
		}
		if end.After(start) {
			downtime += end.Sub(start)
		}
	}

	value := 1 - float64(downtime)/float64(total)
	if value < 0 {
		return 0
	}
	return value
}

func scenarioBound(plan types.TestPlan, id string) int64 {
	if scenario := scenarioByID(plan, id); scenario != nil {
		return scenario.ExpectedRecoveryBoundMs
	}
	return 0
}

// histogramMaxMs bounds the latency histograms at one hour; samples beyond
// it are clamped rather than dropped so they still shift the percentiles
const histogramMaxMs = 3600000

func clampMs(value float64) int64 {
	return math.Maximum(1, math.Minimum(int64(value), histogramMaxMs))
}

// percentiles folds the per-interval coordinator views into run-level
// latency figures
func percentiles(samples []types.LoadStatsSample) (p50, p95 float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	hist50 := hdrhistogram.New(1, histogramMaxMs, 3)
	hist95 := hdrhistogram.New(1, histogramMaxMs, 3)
	for _, sample := range samples {
		_ = hist50.RecordValue(clampMs(sample.P50Ms))
		_ = hist95.RecordValue(clampMs(sample.P95Ms))
	}
	return float64(hist50.ValueAtQuantile(50)), float64(hist95.ValueAtQuantile(95))
}

func scoreAvailability(sla types.SLAThresholds, value float64) types.CriterionVerdict {
	if value < sla.MinAvailability {
		return types.CriterionVerdict{
			Passed: false,
			Reason: fmt.Sprintf("availability %.4f below the %.4f minimum", value, sla.MinAvailability),
		}
	}
	return types.CriterionVerdict{Passed: true}
}

func scoreLatency(sla types.SLAThresholds, p95 float64) types.CriterionVerdict {
	if p95 > sla.MaxP95Ms {
		return types.CriterionVerdict{
			Passed: false,
			Reason: fmt.Sprintf("p95 %.0fms above the %.0fms maximum", p95, sla.MaxP95Ms),
		}
	}
	return types.CriterionVerdict{Passed: true}
}
