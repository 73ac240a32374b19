package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/statusflow/statusflow/pkg/resource"
)

// Sentinel errors returned by Store implementations. Callers classify them
// with errors.Is and translate them into the engine's error taxonomy.
var (
	// ErrNotFound indicates the resource or operation does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a create collided with an existing row.
	ErrAlreadyExists = errors.New("already exists")

	// ErrConflict indicates a guarded update lost a race: the row's current
	// value no longer matches the caller's expectation.
	ErrConflict = errors.New("conflict")

	// ErrAlreadyTerminal indicates an advance was attempted on an operation
	// that has already reached a terminal state.
	ErrAlreadyTerminal = errors.New("operation already terminal")
)

// OperationState represents the lifecycle state of a long-running operation.
type OperationState string

const (
	// OperationPending indicates the operation is recorded but not started.
	OperationPending OperationState = "pending"

	// OperationRunning indicates the operation's side effect is executing.
	OperationRunning OperationState = "running"

	// OperationSucceeded indicates the operation completed and the resource
	// status was updated to the target status.
	OperationSucceeded OperationState = "succeeded"

	// OperationFailed indicates the operation failed; the resource status is
	// unchanged and the failure reason is recorded.
	OperationFailed OperationState = "failed"
)

// IsTerminal returns true if the state is final.
func (s OperationState) IsTerminal() bool {
	return s == OperationSucceeded || s == OperationFailed
}

// Validate checks if the operation state is valid.
func (s OperationState) Validate() error {
	switch s {
	case OperationPending, OperationRunning, OperationSucceeded, OperationFailed:
		return nil
	default:
		return fmt.Errorf("invalid operation state: %s", s)
	}
}

// CanAdvanceTo reports whether the state machine permits moving from s to
// next. Valid moves are pending -> running, pending -> failed (rejection
// before execution), and running -> succeeded/failed.
func (s OperationState) CanAdvanceTo(next OperationState) bool {
	switch s {
	case OperationPending:
		return next == OperationRunning || next == OperationFailed
	case OperationRunning:
		return next == OperationSucceeded || next == OperationFailed
	default:
		return false
	}
}

// Operation represents a long-running status transition. Resources never hold
// a direct reference to an operation; the link runs the other way through the
// store's resource_id index.
type Operation struct {
	ID           string          `json:"id"`
	ResourceID   string          `json:"resourceId"`
	TargetStatus resource.Status `json:"targetStatus"`
	State        OperationState  `json:"state"`

	// Effect names the side effect to execute; empty for effect-less
	// transitions. Params is the JSON-encoded change request parameters.
	// Both are persisted with the operation so a crash between recording and
	// execution can be recovered by re-running the effect.
	Effect string  `json:"effect,omitempty"`
	Params *string `json:"params,omitempty"`

	FailureReason *string    `json:"failureReason,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// EventLevel represents the severity level of a logged event.
type EventLevel string

const (
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Event is an append-only log entry recording transition attempts, operation
// state changes, and side-effect failures.
type Event struct {
	ID          int64      `json:"id"`
	ResourceID  *string    `json:"resourceId,omitempty"`
	OperationID *string    `json:"operationId,omitempty"`
	Level       EventLevel `json:"level"`
	Message     string     `json:"message"`
	Details     *string    `json:"details,omitempty"` // JSON blob
	Timestamp   time.Time  `json:"timestamp"`
}

// Store defines the interface for the persistence layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Resource operations
	PutResource(ctx context.Context, r *resource.Resource) error
	GetResource(ctx context.Context, id string) (*resource.Resource, error)
	ListResources(ctx context.Context, limit, offset int) ([]*resource.Resource, error)

	// CompareAndSetStatus atomically sets the status and detail of a resource,
	// failing with ErrConflict if the current status differs from expected.
	CompareAndSetStatus(ctx context.Context, id string, expected, next resource.Status, detail string) error

	// SetDesiredStatus atomically updates the desired status field; a nil
	// desired clears it.
	SetDesiredStatus(ctx context.Context, id string, desired *resource.Status) error

	// Operation operations.
	//
	// CreateOperation inserts the operation and sets the resource's desired
	// status in one transaction, enforcing that at most one non-terminal
	// operation exists per resource (ErrConflict otherwise).
	//
	// AdvanceOperation moves the operation through its state machine; on
	// succeeded it also sets the resource status to the target status and
	// clears the desired status, on failed it clears the desired status and
	// records the reason, all in one transaction. Terminal operations reject
	// further advances with ErrAlreadyTerminal.
	CreateOperation(ctx context.Context, op *Operation) error
	GetOperation(ctx context.Context, id string) (*Operation, error)
	AdvanceOperation(ctx context.Context, id string, next OperationState, failureReason *string) (*Operation, error)
	ActiveOperation(ctx context.Context, resourceID string) (*Operation, error)
	ListOperationsByResource(ctx context.Context, resourceID string) ([]*Operation, error)
	PendingOperations(ctx context.Context) ([]*Operation, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, resourceID, operationID *string, limit, offset int) ([]*Event, error)
}
