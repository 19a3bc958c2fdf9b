package types

import (
	"os"
	"time"
)

// FaultKind enumerates the supported fault scenario types
type FaultKind string

const (
	// ProcessKill deletes a randomly chosen member of the target role
	ProcessKill FaultKind = "process-kill"
	// NodeIsolate cuts a single member off the network
	NodeIsolate FaultKind = "node-isolate"
	// NetworkPartition cuts the whole selected group off the network
	NetworkPartition FaultKind = "network-partition"
	// LeaderKill deletes the member currently reporting the leader role
	LeaderKill FaultKind = "leader-kill"
)

// DataLossTolerance states how much loss a scenario may observe and still pass
type DataLossTolerance string

const (
	LossNone    DataLossTolerance = "none"
	LossBounded DataLossTolerance = "bounded"
)

// Outcome is the terminal state of one recovery record
type Outcome string

const (
	// OutcomeAwaited marks a record whose scenario has not resolved yet
	OutcomeAwaited Outcome = "Awaited"
	// OutcomePassed recovery observed within the expected bound
	OutcomePassed Outcome = "Passed"
	// OutcomeFailed injection failed, was refused, or recovery was too slow
	OutcomeFailed Outcome = "Failed"
	// OutcomeTimeout recovery was never observed within bound x safety multiplier
	OutcomeTimeout Outcome = "Timeout"
	// OutcomeNotRun the orchestrator never reached this scenario
	OutcomeNotRun Outcome = "NotRun"
)

// ScaleDirection classifies a replica-count sample against the previous one
type ScaleDirection string

const (
	ScaleUp   ScaleDirection = "ScaleUp"
	ScaleDown ScaleDirection = "ScaleDown"
	Stable    ScaleDirection = "Stable"
)

// Phase names for the orchestrator state machine
const (
	PhaseValidating   string = "Validating"
	PhaseProvisioning string = "Provisioning"
	PhaseLoadRampUp   string = "LoadRampUp"
	PhaseSteadyState  string = "SteadyState"
	PhaseFaultWindow  string = "FaultInjectionWindow"
	PhaseLoadRampDown string = "LoadRampDown"
	PhaseTeardown     string = "Teardown"
	PhaseReporting    string = "Reporting"
)

// TargetSelector identifies the set of entities a scenario may act on
type TargetSelector struct {
	Namespace       string `yaml:"namespace" json:"namespace"`
	LabelSelector   string `yaml:"labelSelector" json:"labelSelector"`
	Role            string `yaml:"role,omitempty" json:"role,omitempty"`
	QuorumSensitive bool   `yaml:"quorumSensitive,omitempty" json:"quorumSensitive,omitempty"`
	MinQuorum       int    `yaml:"minQuorum,omitempty" json:"minQuorum,omitempty"`
}

// FaultScenario is one scripted fault, read-only during execution
type FaultScenario struct {
	ID                      string            `yaml:"id" json:"id"`
	Kind                    FaultKind         `yaml:"kind" json:"kind"`
	Target                  TargetSelector    `yaml:"target" json:"target"`
	ExpectedRecoveryBoundMs int64             `yaml:"expectedRecoveryBoundMs" json:"expectedRecoveryBoundMs"`
	DataLossTolerance       DataLossTolerance `yaml:"dataLossTolerance,omitempty" json:"dataLossTolerance,omitempty"`
	// PinnedIndex selects a deterministic member of the candidate set
	// instead of a random one, when non-nil
	PinnedIndex *int `yaml:"pinnedIndex,omitempty" json:"pinnedIndex,omitempty"`
	// IsolationDuration bounds how long a network fault stays applied
	IsolationDurationSec int `yaml:"isolationDurationSec,omitempty" json:"isolationDurationSec,omitempty"`
}

// LoadProfile is pushed to the load-generator coordinator before a run
type LoadProfile struct {
	PeakUsers   int `yaml:"peakUsers" json:"peakUsers"`
	RampRate    int `yaml:"rampRate" json:"rampRate"` // virtual users per second
	DurationSec int `yaml:"durationSec" json:"durationSec"`
	MinWorkers  int `yaml:"minWorkers" json:"minWorkers"`
}

// SLAThresholds are the pass/fail criteria applied by the report aggregator
type SLAThresholds struct {
	// MaxRecoveryMs caps recovery time per fault kind; a scenario's own
	// bound applies when its kind has no entry here
	MaxRecoveryMs   map[FaultKind]int64 `yaml:"maxRecoveryMs,omitempty" json:"maxRecoveryMs,omitempty"`
	MinAvailability float64             `yaml:"minAvailability" json:"minAvailability"`
	MaxP95Ms        float64             `yaml:"maxP95Ms" json:"maxP95Ms"`
}

// ClusterDescriptor points the harness at the system under test
type ClusterDescriptor struct {
	Namespace          string `yaml:"namespace" json:"namespace"`
	AppLabel           string `yaml:"appLabel" json:"appLabel"`
	MinHealthyReplicas int    `yaml:"minHealthyReplicas" json:"minHealthyReplicas"`
}

// TestPlan is the immutable description of one harness run
type TestPlan struct {
	Name      string            `yaml:"name" json:"name"`
	Target    ClusterDescriptor `yaml:"target" json:"target"`
	Profile   LoadProfile       `yaml:"profile" json:"profile"`
	Scenarios []FaultScenario   `yaml:"scenarios" json:"scenarios"`
	SLA       SLAThresholds     `yaml:"sla" json:"sla"`
}

// RecoveryRecord is the timed result of one fault scenario. It is created at
// injection time, mutated only by the recovery observer, and frozen once
// Outcome leaves Awaited.
type RecoveryRecord struct {
	ScenarioID          string     `json:"scenarioId"`
	Kind                FaultKind  `json:"kind"`
	InjectedAt          time.Time  `json:"injectedAt"`
	DetectedDownAt      *time.Time `json:"detectedDownAt,omitempty"`
	DetectedRecoveredAt *time.Time `json:"detectedRecoveredAt,omitempty"`
	RecoveryTimeMs      int64      `json:"recoveryTimeMs"`
	DataLossObserved    bool       `json:"dataLossObserved"`
	Outcome             Outcome    `json:"outcome"`
	FailureReason       string     `json:"failureReason,omitempty"`
}

// ScalingEvent is one sample of the scaling monitor's append-only sequence
type ScalingEvent struct {
	Timestamp    time.Time      `json:"timestamp"`
	ReplicaCount int            `json:"replicaCount"`
	MetricValue  float64        `json:"metricValue"`
	Direction    ScaleDirection `json:"direction"`
}

// LoadStatsSample is the coordinator's aggregate view at one point in time
type LoadStatsSample struct {
	Timestamp         time.Time `json:"timestamp"`
	ActiveUsers       int       `json:"activeUsers"`
	RequestsPerSecond float64   `json:"requestsPerSecond"`
	P50Ms             float64   `json:"p50Ms"`
	P95Ms             float64   `json:"p95Ms"`
	FailureRate       float64   `json:"failureRate"`
}

// CriterionVerdict scores one SLA criterion in the final report
type CriterionVerdict struct {
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// TestReport is the sole durable artifact of a harness run
type TestReport struct {
	RunID         string                      `json:"runId"`
	Plan          TestPlan                    `json:"plan"`
	StartedAt     time.Time                   `json:"startedAt"`
	FinishedAt    time.Time                   `json:"finishedAt"`
	Records       []RecoveryRecord            `json:"records"`
	ScalingEvents []ScalingEvent              `json:"scalingEvents"`
	LoadSamples   []LoadStatsSample           `json:"loadSamples"`
	Verdicts      map[string]CriterionVerdict `json:"verdicts"`
	Availability  float64                     `json:"availability"`
	P50Ms         float64                     `json:"p50Ms"`
	P95Ms         float64                     `json:"p95Ms"`
	Passed        bool                        `json:"passed"`
}

// NewRecoveryRecord initialises the single record a scenario owns for its
// whole lifetime, in the Awaited state
func NewRecoveryRecord(scenario FaultScenario) *RecoveryRecord {
	return &RecoveryRecord{
		ScenarioID: scenario.ID,
		Kind:       scenario.Kind,
		Outcome:    OutcomeAwaited,
	}
}

// Resolved reports whether the record has reached a terminal outcome
func (r *RecoveryRecord) Resolved() bool {
	return r.Outcome != OutcomeAwaited
}

// Getenv fetch the env and set the default value, if not present
func Getenv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		value = defaultValue
	}
	return value
}
