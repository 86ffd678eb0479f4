package storages

import (
	"errors"
	"fmt"

	"github.com/nvstorage/nvstorage/internal/config"
)

// ErrorKind classifies a StorageError for programmatic handling
// (retry, surface to caller, treat as fatal, …).
type ErrorKind int

const (
	ErrUnknown ErrorKind = iota
	ErrInvalidArgument
	ErrConnectionFailed
	ErrConnectionExhausted
	ErrTimeout
	ErrTransactionFailed
	ErrPreparedStatementFailed
	ErrExecutionFailed
	ErrClosed
)

func (k ErrorKind) String() string {
	switch k {
	case ErrInvalidArgument:
		return "invalid_argument"
	case ErrConnectionFailed:
		return "connection_failed"
	case ErrConnectionExhausted:
		return "connection_exhausted"
	case ErrTimeout:
		return "timeout"
	case ErrTransactionFailed:
		return "transaction_failed"
	case ErrPreparedStatementFailed:
		return "prepared_statement_failed"
	case ErrExecutionFailed:
		return "execution_failed"
	case ErrClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StorageError is the single error type returned across package
// boundaries in nvstorage; callers branch on Kind rather than on string
// matching or sentinel identity.
type StorageError struct {
	Type  config.StorageType
	Kind  ErrorKind
	Msg   string
	Cause error
}

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("nvstorage[%s]: %s: %s: %v", e.Type, e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("nvstorage[%s]: %s: %s", e.Type, e.Kind, e.Msg)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// Is supports errors.Is comparisons against another *StorageError by
// Kind, and also by Type when the target sets one, so callers can write
// errors.Is(err, &StorageError{Kind: ErrTimeout}).
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	if !ok {
		return false
	}
	if t.Kind != ErrUnknown && t.Kind != e.Kind {
		return false
	}
	if t.Type != config.StorageTypeUnknown && t.Type != e.Type {
		return false
	}
	return true
}

// NewError builds a StorageError. cause may be nil.
func NewError(t config.StorageType, kind ErrorKind, msg string, cause error) *StorageError {
	return &StorageError{Type: t, Kind: kind, Msg: msg, Cause: cause}
}

// KindOf extracts the ErrorKind from err if it is (or wraps) a
// *StorageError, returning ErrUnknown otherwise.
func KindOf(err error) ErrorKind {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ErrUnknown
}
