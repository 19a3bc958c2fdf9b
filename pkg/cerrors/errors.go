package cerrors

import (
	"fmt"
	"time"
)

// Generic carries a phase-scoped failure with no more specific class
type Generic struct {
	Phase  string
	Reason string
}

func (e Generic) Error() string {
	if e.Phase == "" {
		return e.Reason
	}
	return fmt.Sprintf("[%s]: %s", e.Phase, e.Reason)
}

func (e Generic) UserFriendly() bool {
	return true
}

func (e Generic) ErrorType() ErrorType {
	return ErrorTypeGeneric
}

// ControlPlane is returned when a control-plane operation keeps failing
// after the bounded retry budget has been spent.
type ControlPlane struct {
	Operation string
	Target    string
	Reason    string
}

func (e ControlPlane) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("control-plane %s failed, %s", e.Operation, e.Reason)
	}
	return fmt.Sprintf("control-plane %s failed for '%s', %s", e.Operation, e.Target, e.Reason)
}

func (e ControlPlane) UserFriendly() bool {
	return true
}

func (e ControlPlane) ErrorType() ErrorType {
	return ErrorTypeControlPlane
}

// SafetyViolation is returned when acting on the candidate set would drop a
// quorum-sensitive role below its configured minimum. No control-plane side
// effect has been attempted when this error is returned.
type SafetyViolation struct {
	ScenarioID   string
	Role         string
	HealthyCount int
	MinQuorum    int
}

func (e SafetyViolation) Error() string {
	return fmt.Sprintf("scenario '%s' refused: removing one '%s' member would leave %d healthy, below the minimum quorum of %d",
		e.ScenarioID, e.Role, e.HealthyCount-1, e.MinQuorum)
}

func (e SafetyViolation) UserFriendly() bool {
	return true
}

func (e SafetyViolation) ErrorType() ErrorType {
	return ErrorTypeSafetyViolation
}

// PhaseTimeout is returned when an orchestrator phase exceeds its deadline.
type PhaseTimeout struct {
	Phase   string
	Timeout time.Duration
}

func (e PhaseTimeout) Error() string {
	return fmt.Sprintf("[%s]: phase did not complete within %s", e.Phase, e.Timeout)
}

func (e PhaseTimeout) UserFriendly() bool {
	return true
}

func (e PhaseTimeout) ErrorType() ErrorType {
	return ErrorTypePhaseTimeout
}

// LoadGeneratorUnavailable is returned when the load-generator coordinator
// cannot be reached or has too few registered workers to serve a run.
type LoadGeneratorUnavailable struct {
	Endpoint string
	Reason   string
}

func (e LoadGeneratorUnavailable) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("load generator unavailable, %s", e.Reason)
	}
	return fmt.Sprintf("load generator at '%s' unavailable, %s", e.Endpoint, e.Reason)
}

func (e LoadGeneratorUnavailable) UserFriendly() bool {
	return true
}

func (e LoadGeneratorUnavailable) ErrorType() ErrorType {
	return ErrorTypeLoadGenerator
}

// TargetSelection is returned when a scenario's selector resolves to an
// empty or unusable candidate set.
type TargetSelection struct {
	Selector string
	Reason   string
}

func (e TargetSelection) Error() string {
	if e.Selector == "" {
		return fmt.Sprintf("target selection failed, %s", e.Reason)
	}
	return fmt.Sprintf("target selection for '%s' failed, %s", e.Selector, e.Reason)
}

func (e TargetSelection) UserFriendly() bool {
	return true
}

func (e TargetSelection) ErrorType() ErrorType {
	return ErrorTypeTargetSelection
}
