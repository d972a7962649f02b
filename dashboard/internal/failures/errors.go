// Package failures classifies failures raised by network operations, keeps a short history of
// them, and retries operations with backoff.
package failures

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindNetwork     Kind = "network"
	KindAllocation  Kind = "allocation"
	KindEnvironment Kind = "environment"
	KindUserInput   Kind = "user_input"
	KindUnknown     Kind = "unknown"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ErrorContext is caller-supplied context attached to a handled error.
type ErrorContext struct {
	Component     string `json:"component,omitempty"`
	EnvironmentID string `json:"environmentId,omitempty"`
	TestID        string `json:"testId,omitempty"`
	Operation     string `json:"operation,omitempty"`
}

type Diagnostics struct {
	Endpoint   string `json:"endpoint,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
	Code       string `json:"code,omitempty"`
	ErrorContext
}

// HandledError is the classifier's record of one failure occurrence.
type HandledError struct {
	ID               string      `json:"id"`
	Kind             Kind        `json:"kind"`
	Severity         Severity    `json:"severity"`
	Retryable        bool        `json:"retryable"`
	Message          string      `json:"message"`
	SuggestedActions []string    `json:"suggestedActions"`
	Diagnostics      Diagnostics `json:"diagnostics"`
	CreatedAt        time.Time   `json:"createdAt"`

	Err error `json:"-"`
}

func (h HandledError) Error() string {
	return fmt.Sprintf("%s (%s/%s)", h.Message, h.Kind, h.Severity)
}

func (h HandledError) Unwrap() error {
	return h.Err
}

// ErrNetwork marks transport-level failures that carry no richer type.
var ErrNetwork = errors.New("network error")

// ValidationError is a client-side input failure. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// CodedError carries a machine-readable code reported by the backend.
type CodedError struct {
	Code    string
	Message string
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CodedError) ErrorCode() string {
	return e.Code
}

// The classifier reads response details through these so transport packages do not have to
// import this one.
type statusCarrier interface {
	HTTPStatus() int
}

type endpointCarrier interface {
	RequestEndpoint() string
}

type codeCarrier interface {
	ErrorCode() string
}

type inputRejecter interface {
	RejectedInput() bool
}

// retryVetoer lets an error rule out a retry the classifier would otherwise allow.
type retryVetoer interface {
	Retryable() bool
}
