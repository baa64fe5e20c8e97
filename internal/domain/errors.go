package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind categorizes a pipeline error. The kind decides whether a
// condition is fatal, retryable, or a rejected operation (see the
// convenience predicates below).
type ErrorKind string

const (
	// KindConfig indicates a stage configuration problem, such as an
	// unknown artifact type. Fatal, never retried.
	KindConfig ErrorKind = "config"

	// KindNotFound indicates an unknown artifact or approval id.
	KindNotFound ErrorKind = "not_found"

	// KindValidation indicates an artifact type or payload mismatch for
	// the requested operation.
	KindValidation ErrorKind = "validation"

	// KindConflict indicates a status transition lost a compare-and-set
	// race, such as advancing an artifact that is no longer pending.
	KindConflict ErrorKind = "conflict"

	// KindApprovalConflict indicates a decision was recorded against an
	// approval that has already left PENDING. The original decision stands.
	KindApprovalConflict ErrorKind = "approval_conflict"

	// KindProcessorNotFound indicates an unknown transform name. Fatal.
	KindProcessorNotFound ErrorKind = "processor_not_found"

	// KindExecutionFailure indicates the external transform failed at
	// runtime. Retryable with bounded attempts.
	KindExecutionFailure ErrorKind = "execution_failure"

	// KindOutputParse indicates the transform result was not well formed.
	// Treated as a contract violation, never retried.
	KindOutputParse ErrorKind = "output_parse"
)

// ErrorCode provides additional specificity beyond the error kind.
type ErrorCode string

const (
	CodeUnknownType     ErrorCode = "unknown_artifact_type"
	CodeIndexOutOfRange ErrorCode = "stage_index_out_of_range"
	CodeAlreadyDecided  ErrorCode = "approval_already_decided"
	CodeTerminalStatus  ErrorCode = "artifact_status_terminal"
	CodeRetriesExceeded ErrorCode = "transform_retries_exceeded"
)

// Error is the canonical pipeline error. Every fatal condition surfaces
// the artifact id and stage alongside the kind.
type Error struct {
	Kind       ErrorKind `json:"kind"`
	Code       ErrorCode `json:"code,omitempty"`
	Message    string    `json:"message"`
	ArtifactID string    `json:"artifact_id,omitempty"`
	Stage      string    `json:"stage,omitempty"`

	// ExitInfo carries external process/service failure detail for
	// execution failures.
	ExitInfo string `json:"exit_info,omitempty"`

	wrapped error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	} else {
		msg = fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.ArtifactID != "" {
		msg += fmt.Sprintf(" [artifact=%s", e.ArtifactID)
		if e.Stage != "" {
			msg += fmt.Sprintf(" stage=%s", e.Stage)
		}
		msg += "]"
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

// HTTPStatusCode maps the error kind to an HTTP status for the trigger
// surface.
func (e *Error) HTTPStatusCode() int {
	switch e.Kind {
	case KindValidation, KindOutputParse:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindApprovalConflict:
		return http.StatusConflict
	case KindConfig, KindProcessorNotFound:
		return http.StatusInternalServerError
	case KindExecutionFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the engine may retry the failed operation.
// Only external transform runtime failures are retryable.
func (e *Error) Retryable() bool {
	return e.Kind == KindExecutionFailure
}

// NewError creates a pipeline error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithCode attaches an error code.
func (e *Error) WithCode(code ErrorCode) *Error {
	e.Code = code
	return e
}

// WithArtifact attaches the artifact id and stage the error surfaced on.
func (e *Error) WithArtifact(artifactID, stage string) *Error {
	e.ArtifactID = artifactID
	e.Stage = stage
	return e
}

// WithExitInfo attaches external process exit detail.
func (e *Error) WithExitInfo(info string) *Error {
	e.ExitInfo = info
	return e
}

// Wrap attaches an underlying cause.
func (e *Error) Wrap(err error) *Error {
	e.wrapped = err
	return e
}

// Convenience constructors for the error taxonomy.

func ErrConfig(message string) *Error {
	return NewError(KindConfig, message)
}

func ErrUnknownType(t ArtifactType) *Error {
	return NewError(KindConfig, fmt.Sprintf("no pipeline stage configured for artifact type %q", t)).
		WithCode(CodeUnknownType)
}

func ErrNotFound(message string) *Error {
	return NewError(KindNotFound, message)
}

func ErrValidation(message string) *Error {
	return NewError(KindValidation, message)
}

func ErrConflict(message string) *Error {
	return NewError(KindConflict, message)
}

func ErrApprovalConflict(approvalID string) *Error {
	return NewError(KindApprovalConflict,
		fmt.Sprintf("approval %s has already been decided", approvalID)).
		WithCode(CodeAlreadyDecided)
}

func ErrProcessorNotFound(name string) *Error {
	return NewError(KindProcessorNotFound, fmt.Sprintf("unknown transform %q", name))
}

func ErrExecutionFailure(message, exitInfo string) *Error {
	return NewError(KindExecutionFailure, message).WithExitInfo(exitInfo)
}

func ErrOutputParse(message string) *Error {
	return NewError(KindOutputParse, message)
}

// KindOf extracts the error kind from err, unwrapping as needed.
// Returns an empty kind for non-pipeline errors.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsKind reports whether err is a pipeline error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
