package ledgersync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidInput      = errors.New("invalid input")
	ErrQueueFull         = errors.New("queue full")
	ErrNotImplemented    = errors.New("not implemented")
	ErrClosed            = errors.New("engine closed")
	ErrSignatureInvalid  = errors.New("signature invalid")
	ErrProviderTransient = errors.New("provider transient failure")
	ErrProviderPermanent = errors.New("provider permanent failure")
	ErrProviderNotFound  = errors.New("provider object not found")
	ErrLedger            = errors.New("ledger operation failed")
)

// ProviderErrorKind classifies a failed Provider call.
type ProviderErrorKind string

const (
	ProviderErrorTransient ProviderErrorKind = "transient"
	ProviderErrorPermanent ProviderErrorKind = "permanent"
	ProviderErrorNotFound  ProviderErrorKind = "not_found"
)

type ProviderError struct {
	Kind       ProviderErrorKind
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s (status %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("provider %s: %s", e.Kind, msg)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is reports not-found as both ErrProviderNotFound and ErrProviderPermanent.
func (e *ProviderError) Is(target error) bool {
	switch e.Kind {
	case ProviderErrorTransient:
		return target == ErrProviderTransient
	case ProviderErrorNotFound:
		return target == ErrProviderNotFound || target == ErrProviderPermanent
	case ProviderErrorPermanent:
		return target == ErrProviderPermanent
	}
	return false
}

// LedgerError wraps a failed ledger operation that is not a plain not-found.
type LedgerError struct {
	Op    string
	Table string
	Key   string
	Err   error
}

func (e *LedgerError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("ledger %s %s/%s: %v", e.Op, e.Table, e.Key, e.Err)
	}
	return fmt.Sprintf("ledger %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

func (e *LedgerError) Is(target error) bool {
	return target == ErrLedger
}

func ledgerErr(op, table, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists) {
		return err
	}
	return &LedgerError{Op: op, Table: table, Key: key, Err: err}
}

// ConsistencyViolation is raised when the two systems disagree in a way that
// should be recorded as an Issue instead of retried.
type ConsistencyViolation struct {
	SubjectKey string
	Kind       IssueKind
	Severity   Severity
	Detail     string
}

func (e *ConsistencyViolation) Error() string {
	return fmt.Sprintf("consistency violation (%s) for %q: %s", e.Kind, e.SubjectKey, e.Detail)
}

// IsRetryable reports whether a handler failure should be retried on the
// backoff ladder.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var violation *ConsistencyViolation
	if errors.As(err, &violation) {
		return false
	}
	if errors.Is(err, ErrProviderPermanent) || errors.Is(err, ErrSignatureInvalid) || errors.Is(err, ErrInvalidInput) {
		return false
	}
	return true
}

// ErrorCode is the machine-readable failure tag carried by SyncResult.
type ErrorCode string

const (
	ErrorCodeNone              ErrorCode = ""
	ErrorCodeInvalidSubject    ErrorCode = "invalid_subject"
	ErrorCodeSubjectNotFound   ErrorCode = "subject_not_found"
	ErrorCodeProviderNotFound  ErrorCode = "provider_not_found"
	ErrorCodeProviderTransient ErrorCode = "provider_transient"
	ErrorCodeProviderPermanent ErrorCode = "provider_permanent"
	ErrorCodeLedger            ErrorCode = "ledger_error"
	ErrorCodeInternal          ErrorCode = "internal_error"
)

func errorCodeFor(err error) ErrorCode {
	switch {
	case err == nil:
		return ErrorCodeNone
	case errors.Is(err, ErrInvalidInput):
		return ErrorCodeInvalidSubject
	case errors.Is(err, ErrProviderNotFound):
		return ErrorCodeProviderNotFound
	case errors.Is(err, ErrProviderTransient):
		return ErrorCodeProviderTransient
	case errors.Is(err, ErrProviderPermanent):
		return ErrorCodeProviderPermanent
	case errors.Is(err, ErrNotFound):
		return ErrorCodeSubjectNotFound
	case errors.Is(err, ErrLedger):
		return ErrorCodeLedger
	default:
		return ErrorCodeInternal
	}
}
