package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when no report has been committed yet.
var ErrNotFound = errors.New("no report found")

// MalformedInputError reports a submission that could not be decoded at all.
// Error returns the decoder message unchanged so producers can diagnose it.
type MalformedInputError struct {
	Err error
}

func (e *MalformedInputError) Error() string { return e.Err.Error() }
func (e *MalformedInputError) Unwrap() error { return e.Err }

// ValidationError reports a decodable submission with a structurally invalid field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StorageError reports a blob store or ledger failure. Op is safe to show to
// clients; Err may carry paths or connection details and belongs in logs only.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// PublicMessage is the client-facing description of the failure.
func (e *StorageError) PublicMessage() string {
	return e.Op + " failed"
}

// NewStorageError wraps err unless it already is a StorageError.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsClientError reports whether err is the producer's fault (not retryable).
func IsClientError(err error) bool {
	var me *MalformedInputError
	var ve *ValidationError
	return errors.As(err, &me) || errors.As(err, &ve)
}
