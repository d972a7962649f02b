package failures

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var handledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dashboard_handled_errors_total",
	Help: "Failures routed through the classifier, by kind and severity.",
}, []string{"kind", "severity"})

// Policy decides retryability for the domain kinds whose recoverability is a deployment choice.
type Policy struct {
	RetryAllocation  bool
	RetryEnvironment bool
}

func DefaultPolicy() Policy {
	return Policy{RetryAllocation: true, RetryEnvironment: true}
}

type Options struct {
	Policy          Policy
	HistoryCapacity int
	Logger          *log.Logger
	// Now and Sleep are replaced in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Handler classifies failures, records them in a bounded history and notifies observers.
type Handler struct {
	policy  Policy
	history *History
	logger  *log.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	mu        sync.RWMutex
	observers []func(HandledError)
}

func NewHandler(opts Options) *Handler {
	h := &Handler{
		policy:  opts.Policy,
		history: NewHistory(opts.HistoryCapacity),
		logger:  opts.Logger,
		now:     opts.Now,
		sleep:   opts.Sleep,
	}
	if h.logger == nil {
		h.logger = log.Default()
	}
	if h.now == nil {
		h.now = func() time.Time { return time.Now().UTC() }
	}
	if h.sleep == nil {
		h.sleep = sleepContext
	}
	return h
}

// OnRecord registers fn to be called for every recorded error.
func (h *Handler) OnRecord(fn func(HandledError)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers = append(h.observers, fn)
}

// Handle classifies err, appends the result to the history and returns it. It never suppresses
// err: callers keep returning the original failure.
func (h *Handler) Handle(err error, ec ErrorContext) HandledError {
	handled := h.Classify(err, ec)
	h.history.Add(handled)
	handledTotal.WithLabelValues(string(handled.Kind), string(handled.Severity)).Inc()

	h.mu.RLock()
	observers := append(([]func(HandledError))(nil), h.observers...)
	h.mu.RUnlock()
	for _, fn := range observers {
		fn(handled)
	}
	return handled
}

// Classify builds a HandledError without recording it.
func (h *Handler) Classify(err error, ec ErrorContext) HandledError {
	return classify(err, ec, h.policy, h.now())
}

func (h *Handler) History() *History {
	return h.history
}

func classify(err error, ec ErrorContext, policy Policy, now time.Time) HandledError {
	if err == nil {
		err = errors.New("unknown error")
	}
	diag := extractDiagnostics(err, ec)
	out := HandledError{
		ID:          uuid.NewString(),
		Message:     err.Error(),
		Diagnostics: diag,
		CreatedAt:   now,
		Err:         err,
	}
	lower := strings.ToLower(err.Error())
	code := strings.ToUpper(diag.Code)

	var (
		validation *ValidationError
		rejecter   inputRejecter
	)
	switch {
	case isNetworkFailure(err, lower):
		out.Kind, out.Severity, out.Retryable = KindNetwork, SeverityHigh, true
	case strings.Contains(lower, "allocation") || strings.Contains(code, "ALLOC"):
		out.Kind, out.Severity, out.Retryable = KindAllocation, SeverityHigh, policy.RetryAllocation
	case strings.Contains(lower, "environment") || strings.Contains(code, "ENVIRONMENT") || strings.HasPrefix(code, "ENV_"):
		out.Kind, out.Severity, out.Retryable = KindEnvironment, SeverityHigh, policy.RetryEnvironment
	case errors.As(err, &validation) || (errors.As(err, &rejecter) && rejecter.RejectedInput()) || strings.Contains(lower, "validation"):
		out.Kind, out.Severity, out.Retryable = KindUserInput, SeverityLow, false
	default:
		out.Kind, out.Severity, out.Retryable = KindUnknown, SeverityCritical, false
	}
	var vetoer retryVetoer
	if out.Retryable && errors.As(err, &vetoer) && !vetoer.Retryable() {
		out.Retryable = false
	}
	out.SuggestedActions = suggestedActions(out.Kind, diag.StatusCode)
	return out
}

var networkMarkers = []string{
	"network",
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"timeout",
	"timed out",
	"fetch failed",
}

func isNetworkFailure(err error, lower string) bool {
	var sc statusCarrier
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		// 401 is a transport-level rejection; the error itself decides whether it may be retried.
		return status == 0 || status >= 500 || status == http.StatusUnauthorized
	}
	if errors.Is(err, ErrNetwork) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	for _, marker := range networkMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func extractDiagnostics(err error, ec ErrorContext) Diagnostics {
	diag := Diagnostics{ErrorContext: ec}
	var ep endpointCarrier
	if errors.As(err, &ep) {
		diag.Endpoint = ep.RequestEndpoint()
	}
	var sc statusCarrier
	if errors.As(err, &sc) {
		diag.StatusCode = sc.HTTPStatus()
	}
	var cc codeCarrier
	if errors.As(err, &cc) {
		diag.Code = cc.ErrorCode()
	}
	return diag
}

func suggestedActions(kind Kind, status int) []string {
	var actions []string
	switch kind {
	case KindNetwork:
		actions = []string{
			"Check your network connection and that the dashboard API is reachable",
			"Retry the operation",
		}
	case KindAllocation:
		actions = []string{
			"Check the allocation queue for conflicting requests",
			"Verify that an environment matching the requested preferences is available",
		}
	case KindEnvironment:
		actions = []string{
			"Check the environment status and health",
			"Restart or clean up the environment",
		}
	case KindUserInput:
		actions = []string{"Review the submitted values and correct the invalid fields"}
	default:
		actions = []string{
			"Reload the dashboard",
			"Contact the infrastructure team if the problem persists",
		}
	}
	if status == http.StatusUnauthorized {
		actions = append(actions, "Re-authenticate: the session token was rejected")
	}
	return actions
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
