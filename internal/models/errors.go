// -----------------------------------------------------------------------
// Error kinds - Classification driving retry, requeue, and fail-open policy
// -----------------------------------------------------------------------

package models

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a failure for the retry and propagation policies.
type ErrorKind string

const (
	// ErrKindTransient covers bus/store connection loss, timeouts, 5xx and
	// rate limits from external gateways. Retried with backoff.
	ErrKindTransient ErrorKind = "transient_infrastructure"

	// ErrKindPermanent covers malformed input, invalid auth, not found.
	// Never retried.
	ErrKindPermanent ErrorKind = "permanent_client"

	// ErrKindParse marks an unreadable subtitle artifact.
	ErrKindParse ErrorKind = "parse_error"

	// ErrKindSemantic marks an LLM response with the wrong number of
	// segments or mismatched indices. Transient up to the retry budget.
	ErrKindSemantic ErrorKind = "translation_semantic_error"

	// ErrKindCheckpoint marks a checkpoint read/write failure. Logged and
	// swallowed; never fails the job.
	ErrKindCheckpoint ErrorKind = "checkpoint_error"

	// ErrKindDedup marks a dedup store outage. The caller fails open.
	ErrKindDedup ErrorKind = "dedup_outage"

	// ErrKindRateLimit marks exhausted provider rate-limit retries. Retried
	// like transient trouble, but surfaced with its own kind in job.failed.
	ErrKindRateLimit ErrorKind = "rate_limit"
)

// PipelineError carries an error kind through the worker call stacks so the
// retry loops can classify without string matching.
type PipelineError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// SafeMessage returns the operator-facing text for a failure. For tagged
// errors only the classified message is used; the wrapped cause stays in the
// logs, since it routinely carries filesystem paths that must never reach
// the job record or the API.
func SafeMessage(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return fmt.Sprintf("%s: %s", pe.Kind, pe.Message)
	}
	return fmt.Sprintf("%s: unexpected failure", KindOf(err))
}

// NewTransientError wraps err as retryable infrastructure trouble.
func NewTransientError(message string, err error) *PipelineError {
	return &PipelineError{Kind: ErrKindTransient, Message: message, Err: err}
}

// NewPermanentError wraps err as a fail-fast client error.
func NewPermanentError(message string, err error) *PipelineError {
	return &PipelineError{Kind: ErrKindPermanent, Message: message, Err: err}
}

// NewParseError wraps err as an unreadable-artifact failure.
func NewParseError(message string, err error) *PipelineError {
	return &PipelineError{Kind: ErrKindParse, Message: message, Err: err}
}

// NewSemanticError marks a structurally invalid LLM translation.
func NewSemanticError(message string) *PipelineError {
	return &PipelineError{Kind: ErrKindSemantic, Message: message}
}

// NewCheckpointError wraps err as a non-fatal checkpoint problem.
func NewCheckpointError(message string, err error) *PipelineError {
	return &PipelineError{Kind: ErrKindCheckpoint, Message: message, Err: err}
}

// NewRateLimitError wraps err as provider throttling.
func NewRateLimitError(message string, err error) *PipelineError {
	return &PipelineError{Kind: ErrKindRateLimit, Message: message, Err: err}
}

// NewDedupOutageError wraps err as a dedup backend outage.
func NewDedupOutageError(message string, err error) *PipelineError {
	return &PipelineError{Kind: ErrKindDedup, Message: message, Err: err}
}

// KindOf extracts the error kind, defaulting untagged errors to transient so
// that infrastructure noise is retried rather than dooming jobs.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrKindTransient
}

// IsRetryable reports whether the retry loops should try again: transient
// infrastructure and semantic translation errors are, everything else fails
// through. Context cancellation is never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch KindOf(err) {
	case ErrKindTransient, ErrKindSemantic, ErrKindRateLimit:
		return true
	default:
		return false
	}
}

// ClassifyHTTPStatus maps an HTTP status to an error kind: 429 and 5xx are
// transient, every other 4xx is permanent.
func ClassifyHTTPStatus(status int) ErrorKind {
	if status == 429 || status >= 500 {
		return ErrKindTransient
	}
	if status >= 400 {
		return ErrKindPermanent
	}
	return ErrKindTransient
}

// ClassifyNetworkError tags raw transport errors as transient so the caller
// can rely on KindOf alone.
func ClassifyNetworkError(err error) *PipelineError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTransientError("network timeout", err)
	}
	return NewTransientError("connection error", err)
}
