package db

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyNotFound is returned by reads of absent keys.
	ErrKeyNotFound = errors.New("db: key not found")
	// ErrInvalidMutation rejects a Mutation that sets no or several actions.
	ErrInvalidMutation = errors.New("db: invalid mutation")
	// ErrTxAborted is returned when EXEC yields no replies.
	ErrTxAborted = errors.New("db: transaction aborted")
)

// Op names the Redis command an Error comes from.
const (
	OpGet     = "GET"
	OpHGetAll = "HGETALL"
	OpScan    = "SCAN"
	OpCommit  = "EXEC"
)

// Error wraps an underlying error with the command and key for diagnostics.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Validate checks that m names a key and carries exactly one action.
func (m Mutation) Validate() error {
	if m.Key == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidMutation)
	}
	n := 0
	if m.Value != nil {
		n++
	}
	if len(m.Fields) > 0 {
		n++
	}
	if len(m.Remove) > 0 {
		n++
	}
	if m.Delete {
		n++
	}
	if n != 1 {
		return fmt.Errorf("%w: %s sets %d actions", ErrInvalidMutation, m.Key, n)
	}
	return nil
}
