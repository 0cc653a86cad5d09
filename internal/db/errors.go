package db

import (
	"fmt"
	"strings"
)

// Driver errors are classified by case-insensitive substring match
// against these fixed phrase lists. go-mssqldb does not expose stable
// structured codes for every failure mode, so text matching is
// best-effort rather than a guaranteed contract.
var deadlockPhrases = []string{
	"deadlock",
	"deadlock victim",
	"lock request time out",
	"lock timeout",
}

var timeoutPhrases = []string{
	"connection timeout",
	"login timeout",
	"connection is closed",
	"connection reset",
	"connection refused",
	"broken pipe",
	"i/o timeout",
	"socket",
	"network",
	"server closed",
}

// DeadlockError marks a retryable deadlock or lock-timeout failure.
type DeadlockError struct {
	Err error
}

func (e *DeadlockError) Error() string { return fmt.Sprintf("deadlock: %v", e.Err) }
func (e *DeadlockError) Unwrap() error { return e.Err }

// ConnectionTimeoutError marks a retryable connection-level failure.
type ConnectionTimeoutError struct {
	Err error
}

func (e *ConnectionTimeoutError) Error() string {
	return fmt.Sprintf("connection timeout: %v", e.Err)
}
func (e *ConnectionTimeoutError) Unwrap() error { return e.Err }

// Classify wraps err in a DeadlockError or ConnectionTimeoutError if
// its text matches the corresponding phrase list, otherwise returns
// err unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, p := range deadlockPhrases {
		if strings.Contains(msg, p) {
			return &DeadlockError{Err: err}
		}
	}
	for _, p := range timeoutPhrases {
		if strings.Contains(msg, p) {
			return &ConnectionTimeoutError{Err: err}
		}
	}
	return err
}
