package backend

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthorized is returned (wrapped in an APIError) when the backend rejects the request even
// after re-authenticating once.
var ErrUnauthorized = errors.New("unauthorized")

// APIError is a non-2xx response or a response whose envelope reports success=false.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("dashboard api returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("dashboard api returned %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

func (e *APIError) HTTPStatus() int { return e.StatusCode }

func (e *APIError) RequestEndpoint() string { return e.Method + " " + e.Path }

func (e *APIError) ErrorCode() string { return e.Code }

// Retryable is false for a 401: the client has already re-authenticated and replayed once.
func (e *APIError) Retryable() bool {
	return e.StatusCode != http.StatusUnauthorized
}

// RejectedInput reports whether the backend refused the request body itself.
func (e *APIError) RejectedInput() bool {
	return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity
}

// TransportError is a request that never produced a response.
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) HTTPStatus() int { return 0 }

func (e *TransportError) RequestEndpoint() string { return e.Method + " " + e.Path }
