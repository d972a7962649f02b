package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/ILLUVRSE/testinfra/dashboard/internal/failures"
	"github.com/ILLUVRSE/testinfra/dashboard/internal/models"
)

// reject records a validation failure. Validation messages avoid the domain keywords the
// classifier matches on so that they are reported as user input.
func (o *Orchestrator) reject(err error, ec failures.ErrorContext) error {
	o.errors.Handle(err, ec)
	return err
}

// mutate runs op under the retry policy. A result arriving after Close is discarded.
func mutate[T any](ctx context.Context, o *Orchestrator, ec failures.ErrorContext, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if o.closed.Load() {
		return zero, ErrClosed
	}
	result, err := failures.RetryWith(ctx, o.errors, ec, o.opts.Retry, op)
	if err != nil {
		return zero, err
	}
	if o.closed.Load() {
		return zero, ErrClosed
	}
	return result, nil
}

// reconcile pulls a fresh snapshot after a successful mutation. Its failure is already recorded
// by the fetch path and does not fail the mutation.
func (o *Orchestrator) reconcile(ctx context.Context) {
	if err := o.poller.Refresh(ctx); err != nil {
		o.logger.Printf("[orchestrator] post-mutation refresh failed: %v", err)
	}
}

// PerformAction runs one lifecycle action. The environment is marked pending until the backend
// confirms its new state.
func (o *Orchestrator) PerformAction(ctx context.Context, environmentID string, action models.EnvironmentAction) (models.ActionResult, error) {
	if o.closed.Load() {
		return models.ActionResult{}, ErrClosed
	}
	ec := failures.ErrorContext{Component: "orchestrator", EnvironmentID: environmentID, Operation: "action." + string(action)}
	if !action.Valid() {
		return models.ActionResult{}, o.reject(&failures.ValidationError{Field: "action", Message: fmt.Sprintf("unsupported action %q", action)}, ec)
	}
	if _, ok := o.state.Environment(environmentID); !ok {
		return models.ActionResult{}, o.reject(&failures.ValidationError{Field: "id", Message: fmt.Sprintf("%q is not listed", environmentID)}, ec)
	}

	o.state.MarkPending(environmentID)
	result, err := mutate(ctx, o, ec, func(ctx context.Context) (models.ActionResult, error) {
		return o.backend.PerformAction(ctx, environmentID, action)
	})
	if err != nil {
		o.state.ClearPending(environmentID)
		return models.ActionResult{}, err
	}
	if !result.Success {
		o.state.ClearPending(environmentID)
	}
	o.reconcile(ctx)
	return result, nil
}

// BulkAction runs action on ids, or on the multi-selection when ids is empty.
func (o *Orchestrator) BulkAction(ctx context.Context, ids []string, action models.EnvironmentAction) ([]models.ActionResult, error) {
	if o.closed.Load() {
		return nil, ErrClosed
	}
	ec := failures.ErrorContext{Component: "orchestrator", Operation: "bulk." + string(action)}
	if !action.Valid() {
		return nil, o.reject(&failures.ValidationError{Field: "action", Message: fmt.Sprintf("unsupported action %q", action)}, ec)
	}
	if len(ids) == 0 {
		ids = o.state.MultiSelected()
	}
	if len(ids) == 0 {
		return nil, o.reject(&failures.ValidationError{Field: "ids", Message: "nothing selected"}, ec)
	}

	marked := o.state.MarkPending(ids...)
	results, err := mutate(ctx, o, ec, func(ctx context.Context) ([]models.ActionResult, error) {
		return o.backend.BulkAction(ctx, ids, action)
	})
	if err != nil {
		o.state.ClearPending(marked...)
		return nil, err
	}
	for _, r := range results {
		if !r.Success {
			o.state.ClearPending(r.EnvironmentID)
		}
	}
	o.reconcile(ctx)
	return results, nil
}

func (o *Orchestrator) CreateEnvironment(ctx context.Context, cfg models.EnvironmentConfig) (models.Environment, error) {
	if o.closed.Load() {
		return models.Environment{}, ErrClosed
	}
	ec := failures.ErrorContext{Component: "orchestrator", Operation: "create"}
	switch cfg.Kind {
	case models.KindVirtualX86, models.KindVirtualARM, models.KindContainerized, models.KindPhysical:
	default:
		return models.Environment{}, o.reject(&failures.ValidationError{Field: "type", Message: fmt.Sprintf("unsupported kind %q", cfg.Kind)}, ec)
	}
	if cfg.CPUCores < 0 || cfg.MemoryMB < 0 || cfg.DiskGB < 0 {
		return models.Environment{}, o.reject(&failures.ValidationError{Field: "resources", Message: "sizes must not be negative"}, ec)
	}

	env, err := mutate(ctx, o, ec, func(ctx context.Context) (models.Environment, error) {
		return o.backend.CreateEnvironment(ctx, cfg)
	})
	if err != nil {
		return models.Environment{}, err
	}
	if env.ID != "" {
		if _, err := o.state.UpsertEnvironment(patchFromEnvironment(env, o.now())); err != nil {
			o.logger.Printf("[orchestrator] created %s not applied: %v", env.ID, err)
		}
	}
	o.reconcile(ctx)
	return env, nil
}

func (o *Orchestrator) UpdatePriority(ctx context.Context, requestID string, priority int) (models.AllocationRequest, error) {
	if o.closed.Load() {
		return models.AllocationRequest{}, ErrClosed
	}
	ec := failures.ErrorContext{Component: "orchestrator", Operation: "priority"}
	if requestID == "" {
		return models.AllocationRequest{}, o.reject(&failures.ValidationError{Field: "id", Message: "request id required"}, ec)
	}
	if priority < 0 {
		return models.AllocationRequest{}, o.reject(&failures.ValidationError{Field: "priority", Message: "must not be negative"}, ec)
	}

	req, err := mutate(ctx, o, ec, func(ctx context.Context) (models.AllocationRequest, error) {
		return o.backend.UpdatePriority(ctx, requestID, priority)
	})
	if err != nil {
		return models.AllocationRequest{}, err
	}
	if req.ID != "" {
		if _, err := o.state.UpsertAllocation(req); err != nil {
			o.logger.Printf("[orchestrator] priority update for %s not applied: %v", requestID, err)
		}
	}
	return req, nil
}

// BulkCancel cancels queued requests and drops the confirmed ones from the local queue.
func (o *Orchestrator) BulkCancel(ctx context.Context, requestIDs []string) ([]string, error) {
	if o.closed.Load() {
		return nil, ErrClosed
	}
	ec := failures.ErrorContext{Component: "orchestrator", Operation: "cancel"}
	if len(requestIDs) == 0 {
		return nil, o.reject(&failures.ValidationError{Field: "requestIds", Message: "at least one request id required"}, ec)
	}

	cancelled, err := mutate(ctx, o, ec, func(ctx context.Context) ([]string, error) {
		return o.backend.BulkCancel(ctx, requestIDs)
	})
	if err != nil {
		return nil, err
	}
	confirmed := make(map[string]struct{}, len(cancelled))
	for _, id := range cancelled {
		confirmed[id] = struct{}{}
	}
	now := o.now()
	for _, req := range o.state.Queue() {
		if _, ok := confirmed[req.ID]; !ok {
			continue
		}
		req.Status = models.AllocationCancelled
		if !req.UpdatedAt.After(now) {
			req.UpdatedAt = now
		}
		if _, err := o.state.UpsertAllocation(req); err != nil {
			o.logger.Printf("[orchestrator] cancel of %s not applied: %v", req.ID, err)
		}
	}
	return cancelled, nil
}

func patchFromEnvironment(env models.Environment, fallback time.Time) models.EnvironmentPatch {
	updated := env.UpdatedAt
	if updated.IsZero() {
		updated = fallback
	}
	patch := models.EnvironmentPatch{
		ID:        env.ID,
		Kind:      &env.Kind,
		Status:    &env.Status,
		Resources: &env.Resources,
		Health:    &env.Health,
		UpdatedAt: updated,
	}
	tests := append([]string(nil), env.AssignedTests...)
	patch.AssignedTests = &tests
	if !env.CreatedAt.IsZero() {
		patch.CreatedAt = &env.CreatedAt
	}
	return patch
}
