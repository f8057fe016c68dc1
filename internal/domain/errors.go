package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the coordinator domain. Probe sentinels are absorbed by
// the health monitor and converted into state; resolution errors surface once
// at the end of the retry budget; launch errors are fatal.
var (
	// Resolution.
	ErrNoEndpointFound = fmt.Errorf("no compute endpoint found")

	// Probes.
	ErrProbeTimeout = fmt.Errorf("probe timed out")
	ErrProbeRefused = fmt.Errorf("probe connection refused")
	ErrProbeDNS     = fmt.Errorf("probe DNS failure")

	// Local process.
	ErrSpawnFailed             = fmt.Errorf("local process spawn failed")
	ErrNotRunning              = fmt.Errorf("process is not running")
	ErrTerminationForced       = fmt.Errorf("process was force-killed")
	ErrTerminationUnresponsive = fmt.Errorf("process unresponsive to kill")

	// Coordinator.
	ErrUserCancelled = fmt.Errorf("cancelled by operator")
	ErrConfigLoad    = fmt.Errorf("failed to load configuration")
	ErrInvalidInput  = fmt.Errorf("invalid input")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g., "Resolver.Resolve")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown                 ErrorCode = "UNKNOWN"
	CodeNoEndpointFound         ErrorCode = "NO_ENDPOINT_FOUND"
	CodeProbeTimeout            ErrorCode = "PROBE_TIMEOUT"
	CodeProbeRefused            ErrorCode = "PROBE_CONNECTION_REFUSED"
	CodeProbeDNS                ErrorCode = "PROBE_DNS_FAILURE"
	CodeSpawnFailed             ErrorCode = "SPAWN_FAILED"
	CodeNotRunning              ErrorCode = "PROCESS_NOT_RUNNING"
	CodeTerminationForced       ErrorCode = "TERMINATION_FORCED"
	CodeTerminationUnresponsive ErrorCode = "TERMINATION_UNRESPONSIVE"
	CodeUserCancelled           ErrorCode = "USER_CANCELLED"
	CodeConfigLoad              ErrorCode = "CONFIG_LOAD"
	CodeInvalidInput            ErrorCode = "INVALID_INPUT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNoEndpointFound:         CodeNoEndpointFound,
	ErrProbeTimeout:            CodeProbeTimeout,
	ErrProbeRefused:            CodeProbeRefused,
	ErrProbeDNS:                CodeProbeDNS,
	ErrSpawnFailed:             CodeSpawnFailed,
	ErrNotRunning:              CodeNotRunning,
	ErrTerminationForced:       CodeTerminationForced,
	ErrTerminationUnresponsive: CodeTerminationUnresponsive,
	ErrUserCancelled:           CodeUserCancelled,
	ErrConfigLoad:              CodeConfigLoad,
	ErrInvalidInput:            CodeInvalidInput,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	// Walk the error chain with errors.Is.
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
