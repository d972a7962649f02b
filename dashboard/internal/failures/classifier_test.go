package failures

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPIError struct {
	status   int
	endpoint string
	code     string
}

func (e *fakeAPIError) Error() string           { return fmt.Sprintf("api returned %d", e.status) }
func (e *fakeAPIError) HTTPStatus() int         { return e.status }
func (e *fakeAPIError) RequestEndpoint() string { return e.endpoint }
func (e *fakeAPIError) ErrorCode() string       { return e.code }

// rejectedAuthError is a 401 that has already been replayed once.
type rejectedAuthError struct{ fakeAPIError }

func (e *rejectedAuthError) Retryable() bool { return false }

func TestClassifyNetworkShapes(t *testing.T) {
	h := NewHandler(Options{Policy: DefaultPolicy()})
	inputs := []error{
		ErrNetwork,
		fmt.Errorf("load snapshot: %w", ErrNetwork),
		context.DeadlineExceeded,
		&url.Error{Op: "Get", URL: "http://api/x", Err: errors.New("dial tcp: connection refused")},
		&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")},
		errors.New("fetch failed"),
		errors.New("request timed out"),
		&fakeAPIError{status: 0},
		&fakeAPIError{status: 502},
		&fakeAPIError{status: 503},
	}
	for _, in := range inputs {
		got := h.Classify(in, ErrorContext{})
		assert.Equal(t, KindNetwork, got.Kind, "input %v", in)
		assert.Equal(t, SeverityHigh, got.Severity, "input %v", in)
		assert.True(t, got.Retryable, "input %v", in)
		require.NotEmpty(t, got.SuggestedActions)
		assert.Contains(t, got.SuggestedActions[0], "network connection")
	}
}

func TestClassifyRuleOrder(t *testing.T) {
	policy := Policy{RetryAllocation: false, RetryEnvironment: true}
	h := NewHandler(Options{Policy: policy})

	alloc := h.Classify(errors.New("Allocation rejected: no capacity"), ErrorContext{})
	assert.Equal(t, KindAllocation, alloc.Kind)
	assert.Equal(t, SeverityHigh, alloc.Severity)
	assert.False(t, alloc.Retryable)

	coded := h.Classify(&CodedError{Code: "ALLOCATION_CONFLICT", Message: "busy"}, ErrorContext{})
	assert.Equal(t, KindAllocation, coded.Kind)
	assert.Equal(t, "ALLOCATION_CONFLICT", coded.Diagnostics.Code)

	env := h.Classify(errors.New("environment e1 is offline"), ErrorContext{})
	assert.Equal(t, KindEnvironment, env.Kind)
	assert.True(t, env.Retryable)

	input := h.Classify(&ValidationError{Field: "priority", Message: "must be >= 0"}, ErrorContext{})
	assert.Equal(t, KindUserInput, input.Kind)
	assert.Equal(t, SeverityLow, input.Severity)
	assert.False(t, input.Retryable)

	unknown := h.Classify(errors.New("nil map write"), ErrorContext{})
	assert.Equal(t, KindUnknown, unknown.Kind)
	assert.Equal(t, SeverityCritical, unknown.Severity)
	assert.False(t, unknown.Retryable)

	// Network wins over the allocation keyword.
	both := h.Classify(errors.New("allocation fetch failed"), ErrorContext{})
	assert.Equal(t, KindNetwork, both.Kind)
}

func TestClassifyUnauthorizedAddsReauthSuggestion(t *testing.T) {
	h := NewHandler(Options{})
	got := h.Classify(&fakeAPIError{status: 401, endpoint: "GET /api/environments/allocation"}, ErrorContext{
		Component:     "poller",
		EnvironmentID: "e1",
	})
	assert.Equal(t, KindNetwork, got.Kind)
	require.Len(t, got.SuggestedActions, 3)
	assert.Contains(t, got.SuggestedActions[0], "network connection")
	assert.Contains(t, got.SuggestedActions[2], "Re-authenticate")
	assert.Equal(t, "GET /api/environments/allocation", got.Diagnostics.Endpoint)
	assert.Equal(t, 401, got.Diagnostics.StatusCode)
	assert.Equal(t, "poller", got.Diagnostics.Component)
	assert.Equal(t, "e1", got.Diagnostics.EnvironmentID)
}

func TestClassifyHonoursRetryVeto(t *testing.T) {
	h := NewHandler(Options{Policy: DefaultPolicy()})
	got := h.Classify(fmt.Errorf("load snapshot: %w", &rejectedAuthError{fakeAPIError{status: 401}}), ErrorContext{})
	assert.Equal(t, KindNetwork, got.Kind)
	assert.Equal(t, SeverityHigh, got.Severity)
	assert.False(t, got.Retryable)
	assert.Contains(t, got.SuggestedActions[len(got.SuggestedActions)-1], "Re-authenticate")

	// A veto never makes an otherwise terminal failure retryable.
	unknown := h.Classify(errors.New("nil map write"), ErrorContext{})
	assert.False(t, unknown.Retryable)
}

func TestClassifyMissingDiagnosticsIsNotAnError(t *testing.T) {
	h := NewHandler(Options{})
	got := h.Classify(nil, ErrorContext{})
	assert.Equal(t, KindUnknown, got.Kind)
	assert.Empty(t, got.Diagnostics.Endpoint)
	assert.Zero(t, got.Diagnostics.StatusCode)
	assert.NotEmpty(t, got.ID)
}

func TestHandleRecordsAndNotifies(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h := NewHandler(Options{Now: func() time.Time { return fixed }})
	var seen []HandledError
	h.OnRecord(func(e HandledError) { seen = append(seen, e) })

	orig := errors.New("environment vm-3 failed to boot")
	got := h.Handle(orig, ErrorContext{Operation: "restart"})

	assert.ErrorIs(t, got, orig)
	assert.Equal(t, fixed, got.CreatedAt)
	require.Len(t, seen, 1)
	assert.Equal(t, got.ID, seen[0].ID)
	assert.Equal(t, 1, h.History().Len())
	assert.False(t, h.History().HasCritical())

	h.Handle(errors.New("boom"), ErrorContext{})
	assert.True(t, h.History().HasCritical())
}

func TestHandledErrorIDsAreUnique(t *testing.T) {
	h := NewHandler(Options{})
	ids := map[string]struct{}{}
	for i := 0; i < 50; i++ {
		e := h.Handle(ErrNetwork, ErrorContext{})
		if _, dup := ids[e.ID]; dup {
			t.Fatalf("duplicate id %s", e.ID)
		}
		ids[e.ID] = struct{}{}
	}
}
