// Package txerr defines the tagged error taxonomy for the tx kernel.
// Every failure that crosses a service boundary carries one of the Code
// constants below; callers branch on the code, never on message text.
package txerr

import (
	"errors"
	"fmt"
)

// Code identifies a category of failure.
type Code string

const (
	CodeTaskNotFound               Code = "TaskNotFound"
	CodeLearningNotFound           Code = "LearningNotFound"
	CodeFileLearningNotFound       Code = "FileLearningNotFound"
	CodeAttemptNotFound            Code = "AttemptNotFound"
	CodeValidationError            Code = "ValidationError"
	CodeCircularDependency         Code = "CircularDependency"
	CodeInvalidTransition          Code = "InvalidTransition"
	CodeDependencyNotFound         Code = "DependencyNotFound"
	CodeUnexpectedRowCount         Code = "UnexpectedRowCount"
	CodeDatabaseError              Code = "DatabaseError"
	CodeEmbeddingUnavailable       Code = "EmbeddingUnavailable"
	CodeEmbeddingDimensionMismatch Code = "EmbeddingDimensionMismatch"
	CodeEdgeNotFound               Code = "EdgeNotFound"
	CodeAnchorNotFound             Code = "AnchorNotFound"
	CodeCandidateNotFound          Code = "CandidateNotFound"
	CodeExtractionUnavailable      Code = "ExtractionUnavailable"
	CodeRerankerUnavailable        Code = "RerankerUnavailable"
	CodeRetrievalError             Code = "RetrievalError"
	CodeRunNotFound                Code = "RunNotFound"
	CodeWorkerNotFound             Code = "WorkerNotFound"
	CodeRegistrationError          Code = "RegistrationError"
	CodeAlreadyClaimed             Code = "AlreadyClaimed"
	CodeClaimNotFound              Code = "ClaimNotFound"
	CodeClaimIdNotFound            Code = "ClaimIdNotFound"
	CodeLeaseExpired               Code = "LeaseExpired"
	CodeMaxRenewalsExceeded        Code = "MaxRenewalsExceeded"
	CodeOrchestratorError          Code = "OrchestratorError"
	CodeFileWatcherError           Code = "FileWatcherError"
	CodeWatcherAlreadyRunning      Code = "WatcherAlreadyRunning"
	CodeWatcherNotRunning          Code = "WatcherNotRunning"
	CodeMessageAlreadyAcked        Code = "MessageAlreadyAcked"
)

// Error is a tagged error with an optional cause and structured details.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error { return e.cause }

// Is matches two tagged errors by code, so sentinel comparisons like
// errors.Is(err, txerr.New(txerr.CodeTaskNotFound, "")) work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// New creates a tagged error.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a tagged error with a cause attached.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithDetail attaches a structured detail to the error and returns it.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Detail returns a detail value by key, or nil.
func (e *Error) Detail(key string) any {
	if e.Details == nil {
		return nil
	}
	return e.Details[key]
}

// DetailOf extracts a structured detail from anywhere in an error
// chain; ok is false when err is untagged or the key is absent.
func DetailOf(err error, key string) (any, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return nil, false
	}
	v := e.Detail(key)
	return v, v != nil
}

// CodeOf extracts the code from an error chain, or "" when untagged.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Database wraps a storage failure. Repositories use this for every
// error returned by the SQL layer.
func Database(cause error, format string, args ...any) *Error {
	return Wrap(CodeDatabaseError, cause, format, args...)
}
