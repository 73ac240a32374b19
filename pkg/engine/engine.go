package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/statusflow/statusflow/pkg/resource"
	"github.com/statusflow/statusflow/pkg/stores"
	"github.com/statusflow/statusflow/pkg/telemetry"
)

// GuardInput is the context a transition guard evaluates: the resource, the
// requested status pair, and the change request parameters.
type GuardInput struct {
	ResourceID string
	Kind       string
	From       resource.Status
	To         resource.Status
	Params     map[string]any
}

// Guard vetoes transitions the table alone cannot express, e.g. policy rules.
// A non-nil error denies the transition.
type Guard interface {
	Check(ctx context.Context, in GuardInput) error
}

// Config configures the transition engine.
type Config struct {
	// SyncBudget bounds the synchronous path. A synchronous side effect that
	// exceeds it makes the engine fall back to the asynchronous path instead
	// of stalling the caller.
	SyncBudget time.Duration
}

// ChangeResult is the outcome of a change request.
type ChangeResult struct {
	// Async is true when the change was accepted as a long-running operation.
	Async bool

	// Resource is the resulting resource representation: the updated resource
	// on the synchronous path (desired status mirroring the new status), or
	// the unchanged resource with desired status set on the asynchronous one.
	Resource *resource.Resource

	// Operation references the created operation on the asynchronous path.
	Operation *stores.Operation
}

// Engine validates and applies requested status changes. It decides between
// synchronous completion and operation-tracked asynchronous completion, and is
// polymorphic over resource kinds through the registry. Request handling is
// stateless; all multi-step mutations go through the store's atomic
// primitives, so any number of engines may run in parallel.
type Engine struct {
	cfg      Config
	store    stores.Store
	kinds    *resource.Registry
	tracker  *OperationTracker
	executor *Executor
	guards   []Guard
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
}

// NewEngine creates a transition engine.
func NewEngine(
	cfg Config,
	store stores.Store,
	kinds *resource.Registry,
	tracker *OperationTracker,
	executor *Executor,
	logger *telemetry.Logger,
	metrics *telemetry.Metrics,
	tracer *telemetry.Tracer,
	guards ...Guard,
) *Engine {
	if cfg.SyncBudget <= 0 {
		cfg.SyncBudget = 2 * time.Second
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		kinds:    kinds,
		tracker:  tracker,
		executor: executor,
		guards:   guards,
		logger:   logger.NewComponentLogger("transition-engine"),
		metrics:  metrics,
		tracer:   tracer,
	}
}

// Tracker returns the engine's operation tracker.
func (e *Engine) Tracker() *OperationTracker {
	return e.tracker
}

// RequestChange validates a requested status change against the resource's
// transition table and applies it, synchronously when the transition allows
// it, otherwise by recording a pending operation and returning a reference to
// it. Conflicts on the synchronous path are retried once against a fresh read
// before surfacing.
func (e *Engine) RequestChange(ctx context.Context, resourceID string, requested resource.Status, params map[string]any) (*ChangeResult, error) {
	start := time.Now()
	ctx, span := e.tracer.StartChangeSpan(ctx, resourceID, string(requested))
	defer span.End()

	res, err := e.requestChange(ctx, resourceID, requested, params)
	if err != nil {
		telemetry.RecordError(span, err)
		e.recordOutcome(ctx, resourceID, outcomeForError(err))
		return nil, err
	}
	telemetry.RecordSuccess(span)

	kind := res.Resource.Kind
	if res.Async {
		e.metrics.RecordTransition(kind, "async")
		e.metrics.ObserveTransition(kind, "async", time.Since(start))
	} else {
		e.metrics.RecordTransition(kind, "sync")
		e.metrics.ObserveTransition(kind, "sync", time.Since(start))
	}
	return res, nil
}

func (e *Engine) requestChange(ctx context.Context, resourceID string, requested resource.Status, params map[string]any) (*ChangeResult, error) {
	r, err := e.store.GetResource(ctx, resourceID)
	if err != nil {
		return nil, translateStoreError(err, resourceID, "")
	}

	k := e.kinds.Get(r.Kind)
	if k == nil {
		return nil, NewInternalError(fmt.Sprintf("resource kind %q is not registered", r.Kind), nil).
			WithCode(ErrCodeUnknownKind).WithResource(resourceID)
	}
	if !k.HasStatus(requested) {
		return nil, NewInvalidTransitionError(
			fmt.Sprintf("status %q is not valid for kind %s", requested, k.Name), nil).
			WithCode(ErrCodeUnknownStatus).WithResource(resourceID)
	}

	// One in-flight operation per resource: further change requests are
	// rejected until it resolves.
	active, err := e.store.ActiveOperation(ctx, resourceID)
	if err != nil {
		return nil, translateStoreError(err, resourceID, "")
	}
	if active != nil {
		return nil, NewConflictError(
			fmt.Sprintf("operation %s is still %s", active.ID, active.State), nil).
			WithCode(ErrCodeOperationPending).WithResource(resourceID).WithOperation(active.ID)
	}

	// Requesting the current status is an idempotent no-op.
	if requested == r.Status {
		return &ChangeResult{Resource: mirrorDesired(r)}, nil
	}

	tr := k.Lookup(r.Status, requested)
	if tr == nil {
		return nil, NewInvalidTransitionError(
			fmt.Sprintf("transition %s -> %s is not allowed for kind %s", r.Status, requested, k.Name), nil).
			WithResource(resourceID)
	}

	in := GuardInput{ResourceID: resourceID, Kind: k.Name, From: r.Status, To: requested, Params: params}
	for _, g := range e.guards {
		if err := g.Check(ctx, in); err != nil {
			return nil, NewInvalidTransitionError("transition denied by policy", err).
				WithCode(ErrCodePolicyDenied).WithResource(resourceID)
		}
	}

	// Effect-bearing transitions go asynchronous when the request carries
	// parameters; the Async flag forces it unconditionally.
	async := tr.Async || (tr.Effect != "" && len(params) > 0)

	if !async {
		result, err := e.applySync(ctx, r, k, tr, requested, params)
		if !errors.Is(err, context.DeadlineExceeded) {
			return result, err
		}
		// Sync budget exhausted: fall back to the asynchronous path.
		e.logger.WithResourceID(resourceID).
			Warnf("synchronous budget exceeded for %s -> %s, falling back to operation", r.Status, requested)
	}

	return e.applyAsync(ctx, r, tr, requested, params)
}

// applySync runs the transition within the sync budget: the effect first (if
// any), then a compare-and-set guarded by the status read at validation time.
// A lost race is retried once against a fresh read.
func (e *Engine) applySync(ctx context.Context, r *resource.Resource, k *resource.Kind, tr *resource.Transition, requested resource.Status, params map[string]any) (*ChangeResult, error) {
	if tr.Effect != "" {
		effectCtx, cancel := context.WithTimeout(ctx, e.cfg.SyncBudget)
		err := e.executor.RunEffect(effectCtx, tr.Effect, EffectRequest{
			ResourceID:   r.ID,
			TargetStatus: requested,
			Params:       params,
		})
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, context.DeadlineExceeded
			}
			return nil, err
		}
	}

	detail := detailParam(params)
	err := e.store.CompareAndSetStatus(ctx, r.ID, r.Status, requested, detail)
	if errors.Is(err, stores.ErrConflict) {
		fresh, gerr := e.store.GetResource(ctx, r.ID)
		if gerr != nil {
			return nil, translateStoreError(gerr, r.ID, "")
		}
		if fresh.Status == requested {
			// A concurrent request already applied the same change.
			return &ChangeResult{Resource: mirrorDesired(fresh)}, nil
		}
		if k.Lookup(fresh.Status, requested) == nil {
			return nil, NewConflictError(
				fmt.Sprintf("status changed concurrently to %s", fresh.Status), err).WithResource(r.ID)
		}
		err = e.store.CompareAndSetStatus(ctx, r.ID, fresh.Status, requested, detail)
	}
	if err != nil {
		return nil, translateStoreError(err, r.ID, "")
	}

	updated, err := e.store.GetResource(ctx, r.ID)
	if err != nil {
		return nil, translateStoreError(err, r.ID, "")
	}

	e.appendChangeEvent(ctx, r.ID, fmt.Sprintf("status changed %s -> %s", r.Status, requested))
	e.logger.WithResourceID(r.ID).WithKind(r.Kind).
		Infof("applied transition %s -> %s", r.Status, requested)

	return &ChangeResult{Resource: mirrorDesired(updated)}, nil
}

// applyAsync records a pending operation (which also sets the desired status)
// and enqueues its side effect. The effect is only enqueued after the
// operation row is committed, so no externally visible effect can precede its
// durable record.
func (e *Engine) applyAsync(ctx context.Context, r *resource.Resource, tr *resource.Transition, requested resource.Status, params map[string]any) (*ChangeResult, error) {
	op, err := e.tracker.Create(ctx, r.ID, requested, tr.Effect, params)
	if err != nil {
		return nil, err
	}

	if err := e.executor.Enqueue(op.ID); err != nil {
		// The operation is durable; recovery will pick it up on restart.
		e.logger.WithError(err).WithOperationID(op.ID).Warn("failed to enqueue effect, operation awaits recovery")
	}

	current, err := e.store.GetResource(ctx, r.ID)
	if err != nil {
		return nil, translateStoreError(err, r.ID, "")
	}

	return &ChangeResult{Async: true, Resource: current, Operation: op}, nil
}

// CreateResource seeds a new resource after validating its kind and status.
func (e *Engine) CreateResource(ctx context.Context, id, kind string, status resource.Status, detail string) (*resource.Resource, error) {
	if id == "" {
		return nil, NewValidationError("resource id is required", nil)
	}
	k := e.kinds.Get(kind)
	if k == nil {
		return nil, NewValidationError(fmt.Sprintf("unknown kind %q", kind), nil).WithCode(ErrCodeUnknownKind)
	}
	if !k.HasStatus(status) {
		return nil, NewValidationError(
			fmt.Sprintf("status %q is not valid for kind %s", status, kind), nil).WithCode(ErrCodeUnknownStatus)
	}

	now := time.Now().UTC()
	r := &resource.Resource{
		ID:           id,
		Kind:         kind,
		Status:       status,
		StatusDetail: detail,
		LastUpdated:  now,
		CreatedAt:    now,
	}
	if err := e.store.PutResource(ctx, r); err != nil {
		return nil, translateStoreError(err, id, "")
	}

	e.logger.WithResourceID(id).WithKind(kind).Infof("resource created with status %s", status)
	return r, nil
}

// GetResource returns the resource by id.
func (e *Engine) GetResource(ctx context.Context, id string) (*resource.Resource, error) {
	r, err := e.store.GetResource(ctx, id)
	if err != nil {
		return nil, translateStoreError(err, id, "")
	}
	return r, nil
}

// ListResources lists resources with pagination.
func (e *Engine) ListResources(ctx context.Context, limit, offset int) ([]*resource.Resource, error) {
	list, err := e.store.ListResources(ctx, limit, offset)
	if err != nil {
		return nil, translateStoreError(err, "", "")
	}
	return list, nil
}

func (e *Engine) appendChangeEvent(ctx context.Context, resourceID, message string) {
	event := &stores.Event{
		ResourceID: &resourceID,
		Level:      stores.EventLevelInfo,
		Message:    message,
		Timestamp:  time.Now().UTC(),
	}
	if err := e.store.AppendEvent(ctx, event); err != nil {
		e.logger.WithError(err).WithResourceID(resourceID).Warn("failed to append transition event")
	}
}

func (e *Engine) recordOutcome(ctx context.Context, resourceID, outcome string) {
	kind := "unknown"
	if r, err := e.store.GetResource(ctx, resourceID); err == nil {
		kind = r.Kind
	}
	e.metrics.RecordTransition(kind, outcome)
}

func outcomeForError(err error) string {
	switch kindOf(err) {
	case ErrorKindNotFound:
		return "not_found"
	case ErrorKindInvalidTransition:
		return "invalid_transition"
	case ErrorKindConflict:
		return "conflict"
	case ErrorKindSideEffectFailure:
		return "side_effect_failure"
	default:
		return "error"
	}
}

// mirrorDesired returns a copy of the resource whose desired status mirrors
// the committed status. The stored desired status stays empty outside an
// in-flight operation; the mirror exists only in the representation returned
// for a completed change.
func mirrorDesired(r *resource.Resource) *resource.Resource {
	cp := *r
	status := cp.Status
	cp.DesiredStatus = &status
	return &cp
}

func detailParam(params map[string]any) string {
	if v, ok := params["statusDetail"].(string); ok {
		return v
	}
	return ""
}
