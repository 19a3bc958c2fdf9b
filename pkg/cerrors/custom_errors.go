package cerrors

import "github.com/palantir/stacktrace"

type ErrorType string

const (
	ErrorTypeNonUserFriendly ErrorType = "NON_USER_FRIENDLY_ERROR"
	ErrorTypeGeneric         ErrorType = "GENERIC_ERROR"
	ErrorTypeControlPlane    ErrorType = "CONTROL_PLANE_ERROR"
	ErrorTypeSafetyViolation ErrorType = "SAFETY_VIOLATION"
	ErrorTypePhaseTimeout    ErrorType = "PHASE_TIMEOUT"
	ErrorTypeLoadGenerator   ErrorType = "LOAD_GENERATOR_UNAVAILABLE"
	ErrorTypeTargetSelection ErrorType = "TARGET_SELECTION_ERROR"
)

type userFriendly interface {
	UserFriendly() bool
	ErrorType() ErrorType
}

// IsUserFriendly returns true if err is marked as safe to surface in a report
func IsUserFriendly(err error) bool {
	ufe, ok := err.(userFriendly)
	return ok && ufe.UserFriendly()
}

// GetErrorType returns the type of error if the error is user-friendly
func GetErrorType(err error) ErrorType {
	if ufe, ok := err.(userFriendly); ok {
		return ufe.ErrorType()
	}
	return ErrorTypeNonUserFriendly
}

// GetRootCauseAndErrorCode unwraps the deepest cause and classifies it
func GetRootCauseAndErrorCode(err error) (string, ErrorType) {
	rootCause := stacktrace.RootCause(err)
	errorType := GetErrorType(rootCause)
	if !IsUserFriendly(rootCause) {
		return err.Error(), errorType
	}
	return rootCause.Error(), errorType
}

// HasErrorType reports whether the root cause of err carries the given code
func HasErrorType(err error, code ErrorType) bool {
	if err == nil {
		return false
	}
	return GetErrorType(stacktrace.RootCause(err)) == code
}
