package errors

import (
	"errors"
	"strings"
)

// IsWorkflowNotFound checks if an error indicates a missing workflow.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsUnauthorized checks if an error indicates a failed membership check.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorizedActor)
}

// IsAlreadyDecided checks if an error indicates a duplicate decision attempt.
func IsAlreadyDecided(err error) bool {
	return errors.Is(err, ErrAlreadyDecided)
}

// IsDispatchFailed checks if an error indicates every submission
// attempt for a workflow failed.
func IsDispatchFailed(err error) bool {
	return errors.Is(err, ErrDispatchFailed)
}

// IsMonitorTimeout checks if an error indicates the polling ceiling
// was exceeded.
func IsMonitorTimeout(err error) bool {
	return errors.Is(err, ErrMonitorTimeout)
}

// IsConnectionError checks if an error is connection-related.
// This includes TLS errors, timeouts, and network connectivity issues.
// Connection-level submission failures are retried once; application-level
// rejections are not.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrConnectionFailed) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	// Network connectivity
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "network is unreachable") ||
		strings.Contains(errStr, "dial tcp") {
		return true
	}
	// TLS/certificate errors
	if strings.Contains(errStr, "certificate") ||
		strings.Contains(errStr, "tls") ||
		strings.Contains(errStr, "x509") {
		return true
	}
	// Timeout errors
	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") {
		return true
	}
	return false
}
