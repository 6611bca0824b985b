// Package provider adapts remote image generation backends to a common
// submit/poll contract.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// State of a remote job.
type State string

const (
	StatePending   State = "pending"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// JobStatus is the observed state of a job. ResultURL is set only for
// StateSucceeded, Reason only for StateFailed.
type JobStatus struct {
	State     State
	ResultURL string
	Reason    string
}

func (s JobStatus) Terminal() bool {
	return s.State == StateSucceeded || s.State == StateFailed
}

// Job is what Submit hands back. Single-shot providers return a Job whose
// Status is already terminal; the caller must not poll it.
type Job struct {
	ID     string
	Status JobStatus
}

// Options carries per-request generation settings. Empty fields fall back
// to the adapter's configured defaults.
type Options struct {
	Model        string
	OutputFormat string
	ImageSize    string
	CallbackURL  string
}

type SubmitRequest struct {
	ArtifactURL string
	Prompt      string
	Options     Options
}

// Provider is a remote generation backend.
type Provider interface {
	Name() string
	Submit(ctx context.Context, req SubmitRequest) (Job, error)
	// Poll fetches the current job state. A returned error means the state
	// could not be observed this time and the caller may try again.
	Poll(ctx context.Context, jobID string) (JobStatus, error)
}

// ErrorKind classifies submit failures.
type ErrorKind string

const (
	KindAuthFailed          ErrorKind = "auth_failed"
	KindInsufficientBalance ErrorKind = "insufficient_balance"
	KindRateLimited         ErrorKind = "rate_limited"
	KindInvalidInput        ErrorKind = "invalid_input"
	KindUnavailable         ErrorKind = "unavailable"
)

// Error is returned by Submit.
type Error struct {
	Kind     ErrorKind
	Provider string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNoPoll is returned by Poll on providers that finish inside Submit.
var ErrNoPoll = errors.New("provider does not support polling")

// kindForCode maps HTTP statuses and in-body codes to error kinds.
func kindForCode(code int) ErrorKind {
	switch code {
	case 400, 422:
		return KindInvalidInput
	case 401, 403:
		return KindAuthFailed
	case 402:
		return KindInsufficientBalance
	case 429:
		return KindRateLimited
	default:
		return KindUnavailable
	}
}
