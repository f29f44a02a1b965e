package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrInvalidDelayPolicy   = errors.New("invalid delay policy")
	ErrInvalidBusinessHours = errors.New("invalid business hours policy")
	ErrMissingFields        = errors.New("missing required fields")
)

// ConfigurationError rejects a campaign before any durable state is written.
type ConfigurationError struct {
	Field  string
	Detail string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Detail != "" {
		return "configuration error: " + e.Detail
	}
	return "configuration error: " + e.Err.Error()
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// SourceAccessError means the recipient source could not be read.
type SourceAccessError struct {
	SourceID string
	Err      error
}

func (e *SourceAccessError) Error() string {
	return fmt.Sprintf("recipient source %s: %v", e.SourceID, e.Err)
}

func (e *SourceAccessError) Unwrap() error { return e.Err }

type EnqueueFailure struct {
	DispatchID string
	Err        error
}

// PartialEnqueueError aggregates per-task enqueue failures of one fan-out.
type PartialEnqueueError struct {
	Total    int
	Failures []EnqueueFailure
}

func (e *PartialEnqueueError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d tasks failed to enqueue", len(e.Failures), e.Total)
	for i, f := range e.Failures {
		if i == 3 {
			fmt.Fprintf(&b, "; and %d more", len(e.Failures)-i)
			break
		}
		fmt.Fprintf(&b, "; %s: %v", f.DispatchID, f.Err)
	}
	return b.String()
}

// TransportError is a failed delivery attempt.
type TransportError struct {
	Code    string
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

func (e *TransportError) Unwrap() error { return e.Err }

// StaleStateError marks a worker invocation for a record that is no longer deliverable.
type StaleStateError struct {
	DispatchID string
	Status     DispatchStatus
	Attempts   int
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("dispatch %s already processed (status=%s attempts=%d)", e.DispatchID, e.Status, e.Attempts)
}
