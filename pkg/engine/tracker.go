package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/statusflow/statusflow/pkg/resource"
	"github.com/statusflow/statusflow/pkg/stores"
	"github.com/statusflow/statusflow/pkg/telemetry"
)

// OperationTracker owns long-running operations: it creates them when the
// engine takes the asynchronous path and advances them through
// pending -> running -> {succeeded, failed}. Terminal transitions update the
// owning resource exactly once; the store commits the operation and resource
// rows in one transaction.
type OperationTracker struct {
	store   stores.Store
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// NewOperationTracker creates an operation tracker backed by the given store.
func NewOperationTracker(store stores.Store, logger *telemetry.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) *OperationTracker {
	return &OperationTracker{
		store:   store,
		logger:  logger.NewComponentLogger("operation-tracker"),
		metrics: metrics,
		tracer:  tracer,
	}
}

// Create records a pending operation for the resource and sets its desired
// status. It fails with a conflict if another non-terminal operation already
// references the resource.
func (t *OperationTracker) Create(ctx context.Context, resourceID string, target resource.Status, effect string, params map[string]any) (*stores.Operation, error) {
	op := &stores.Operation{
		ID:           uuid.New().String(),
		ResourceID:   resourceID,
		TargetStatus: target,
		State:        stores.OperationPending,
		Effect:       effect,
		CreatedAt:    time.Now().UTC(),
	}
	if len(params) > 0 {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, NewValidationError("failed to encode change request params", err)
		}
		encoded := string(data)
		op.Params = &encoded
	}

	if err := t.store.CreateOperation(ctx, op); err != nil {
		return nil, translateStoreError(err, resourceID, "")
	}

	t.metrics.RecordOperationState(string(stores.OperationPending))
	t.logger.WithResourceID(resourceID).WithOperationID(op.ID).
		Infof("operation created targeting status %s", target)
	t.appendEvent(ctx, op, stores.EventLevelInfo, "operation created", nil)

	return op, nil
}

// Advance moves the operation to the next state. Terminal operations reject
// further advances with an already-terminal error, which makes terminal side
// effects (resource update, desired-status clear) exactly-once.
func (t *OperationTracker) Advance(ctx context.Context, operationID string, next stores.OperationState, failureReason *string) (*stores.Operation, error) {
	ctx, span := t.tracer.StartOperationSpan(ctx, operationID, string(next))
	defer span.End()

	op, err := t.store.AdvanceOperation(ctx, operationID, next, failureReason)
	if err != nil {
		err = translateStoreError(err, "", operationID)
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.RecordSuccess(span)

	t.metrics.RecordOperationState(string(next))
	log := t.logger.WithResourceID(op.ResourceID).WithOperationID(op.ID)

	switch next {
	case stores.OperationSucceeded:
		log.Infof("operation succeeded, resource status now %s", op.TargetStatus)
		t.appendEvent(ctx, op, stores.EventLevelInfo, "operation succeeded", nil)
	case stores.OperationFailed:
		reason := ""
		if failureReason != nil {
			reason = *failureReason
		}
		log.Errorf("operation failed: %s", reason)
		t.appendEvent(ctx, op, stores.EventLevelError, "operation failed", failureReason)
	default:
		log.Debugf("operation advanced to %s", next)
	}

	return op, nil
}

// Get returns the operation by id.
func (t *OperationTracker) Get(ctx context.Context, operationID string) (*stores.Operation, error) {
	op, err := t.store.GetOperation(ctx, operationID)
	if err != nil {
		return nil, translateStoreError(err, "", operationID)
	}
	return op, nil
}

func (t *OperationTracker) appendEvent(ctx context.Context, op *stores.Operation, level stores.EventLevel, message string, details *string) {
	event := &stores.Event{
		ResourceID:  &op.ResourceID,
		OperationID: &op.ID,
		Level:       level,
		Message:     message,
		Details:     details,
		Timestamp:   time.Now().UTC(),
	}
	if err := t.store.AppendEvent(ctx, event); err != nil {
		t.logger.WithError(err).WithOperationID(op.ID).Warn("failed to append operation event")
	}
}

// translateStoreError maps store sentinel errors into the engine taxonomy.
func translateStoreError(err error, resourceID, operationID string) error {
	var te *TransitionError
	switch {
	case errors.Is(err, stores.ErrNotFound):
		te = NewNotFoundError("not found", err)
	case errors.Is(err, stores.ErrAlreadyTerminal):
		te = NewAlreadyTerminalError("operation already reached a terminal state", err)
	case errors.Is(err, stores.ErrConflict):
		te = NewConflictError("concurrent mutation", err)
	case errors.Is(err, stores.ErrAlreadyExists):
		te = NewConflictError("already exists", err).WithCode(ErrCodeAlreadyExists)
	default:
		te = NewInternalError(fmt.Sprintf("store failure: %v", err), err)
	}
	if resourceID != "" {
		te = te.WithResource(resourceID)
	}
	if operationID != "" {
		te = te.WithOperation(operationID)
	}
	return te
}
