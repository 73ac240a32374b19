package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/statusflow/statusflow/pkg/resource"
	"github.com/statusflow/statusflow/pkg/stores"
	"github.com/statusflow/statusflow/pkg/telemetry"
)

// EffectRequest carries everything an effect needs to run. OperationID is
// empty when the effect runs on the synchronous path. Effects must be
// idempotent: a crash or a sync-budget overrun causes a full re-run.
type EffectRequest struct {
	OperationID  string
	ResourceID   string
	TargetStatus resource.Status
	Params       map[string]any
}

// EffectFunc executes the side effect behind a transition, e.g. disabling an
// account for a duration. The context carries the configured timeout.
// Returning nil completes the operation; any error fails it.
type EffectFunc func(ctx context.Context, req EffectRequest) error

// ExecutorConfig configures the side-effect executor.
type ExecutorConfig struct {
	// Workers is the number of concurrent effect workers.
	Workers int

	// EffectTimeout bounds a single effect execution.
	EffectTimeout time.Duration

	// QueueSize is the capacity of the pending-effect queue.
	QueueSize int
}

// Executor drains a queue of pending operations and runs their side effects.
// Effects run only after the operation row is durably committed: a crash
// between commit and execution is recovered by Recover re-enqueueing pending
// operations, so an effect is retried, never silently lost. Effect failures
// are recorded on the operation and never surface to the original caller.
type Executor struct {
	tracker *OperationTracker
	store   stores.Store
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	cfg     ExecutorConfig

	mu      sync.RWMutex
	effects map[string]EffectFunc

	queue chan string // operation IDs
	wg    sync.WaitGroup
	stop  chan struct{}
	once  sync.Once
}

// NewExecutor creates an executor with the built-in effects registered.
func NewExecutor(cfg ExecutorConfig, tracker *OperationTracker, store stores.Store, logger *telemetry.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.EffectTimeout <= 0 {
		cfg.EffectTimeout = 5 * time.Minute
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	e := &Executor{
		tracker: tracker,
		store:   store,
		logger:  logger.NewComponentLogger("executor"),
		metrics: metrics,
		tracer:  tracer,
		cfg:     cfg,
		effects: make(map[string]EffectFunc),
		queue:   make(chan string, cfg.QueueSize),
		stop:    make(chan struct{}),
	}

	// sleep waits out the requested duration before the status lands. It
	// stands in for real effects like temporarily disabling an account.
	e.Register("sleep", func(ctx context.Context, req EffectRequest) error {
		d := time.Second
		if v, ok := req.Params["duration"].(float64); ok {
			d = time.Duration(v * float64(time.Second))
		}
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	return e
}

// Register adds a named effect. Registering an existing name replaces it.
func (e *Executor) Register(name string, fn EffectFunc) {
	e.mu.Lock()
	e.effects[name] = fn
	e.mu.Unlock()
}

// Start launches the worker pool.
func (e *Executor) Start(ctx context.Context) {
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	e.logger.Infof("executor started with %d workers", e.cfg.Workers)
}

// Stop shuts the worker pool down and waits for in-flight effects to finish.
func (e *Executor) Stop() {
	e.once.Do(func() { close(e.stop) })
	e.wg.Wait()
}

// Enqueue schedules a pending operation's effect for execution. The operation
// must already be committed to the store. Enqueue never blocks: when the queue
// is full the caller gets an error and the committed operation waits for the
// next Recover pass.
func (e *Executor) Enqueue(operationID string) error {
	select {
	case e.queue <- operationID:
		return nil
	case <-e.stop:
		return fmt.Errorf("executor stopped")
	default:
		return fmt.Errorf("effect queue full (%d pending)", e.cfg.QueueSize)
	}
}

// Recover re-enqueues operations that were recorded but still pending, e.g.
// after a crash between the operation commit and the effect run.
func (e *Executor) Recover(ctx context.Context) error {
	pending, err := e.store.PendingOperations(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending operations: %w", err)
	}
	for _, op := range pending {
		if err := e.Enqueue(op.ID); err != nil {
			return err
		}
		e.logger.WithOperationID(op.ID).Info("recovered pending operation")
	}
	if len(pending) > 0 {
		e.logger.Infof("recovered %d pending operations", len(pending))
	}
	return nil
}

func (e *Executor) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case operationID := <-e.queue:
			e.execute(ctx, operationID)
		}
	}
}

// execute runs one operation's effect end to end: pending -> running, effect,
// running -> succeeded/failed.
func (e *Executor) execute(ctx context.Context, operationID string) {
	op, err := e.tracker.Get(ctx, operationID)
	if err != nil {
		e.logger.WithError(err).WithOperationID(operationID).Error("failed to load operation")
		return
	}
	if op.State != stores.OperationPending {
		// Already handled, e.g. a duplicate recovery enqueue.
		return
	}

	if _, err := e.tracker.Advance(ctx, op.ID, stores.OperationRunning, nil); err != nil {
		if IsAlreadyTerminal(err) || IsConflict(err) {
			return
		}
		e.logger.WithError(err).WithOperationID(op.ID).Error("failed to mark operation running")
		return
	}

	effectName := op.Effect
	if effectName == "" {
		// No side effect declared; the transition lands immediately.
		e.finish(ctx, op, "", nil, 0)
		return
	}

	req := EffectRequest{
		OperationID:  op.ID,
		ResourceID:   op.ResourceID,
		TargetStatus: op.TargetStatus,
		Params:       decodeParams(op.Params),
	}

	effectCtx, cancel := context.WithTimeout(ctx, e.cfg.EffectTimeout)
	spanCtx, span := e.tracer.StartEffectSpan(effectCtx, effectName, op.ID)

	start := time.Now()
	runErr := e.RunEffect(spanCtx, effectName, req)
	elapsed := time.Since(start)

	telemetry.RecordError(span, runErr)
	span.End()
	cancel()
	e.finish(ctx, op, effectName, runErr, elapsed)
}

// finish advances the operation to its terminal state and records metrics.
func (e *Executor) finish(ctx context.Context, op *stores.Operation, effectName string, runErr error, elapsed time.Duration) {
	if runErr == nil {
		if effectName != "" {
			e.metrics.ObserveEffect(effectName, "succeeded", elapsed)
		}
		if _, err := e.tracker.Advance(ctx, op.ID, stores.OperationSucceeded, nil); err != nil && !IsAlreadyTerminal(err) {
			e.logger.WithError(err).WithOperationID(op.ID).Error("failed to complete operation")
		}
		return
	}

	e.metrics.ObserveEffect(effectName, "failed", elapsed)
	reason := runErr.Error()
	if _, err := e.tracker.Advance(ctx, op.ID, stores.OperationFailed, &reason); err != nil && !IsAlreadyTerminal(err) {
		e.logger.WithError(err).WithOperationID(op.ID).Error("failed to record operation failure")
	}
}

// RunEffect executes a registered effect inline. The transition engine uses
// it for synchronous, budget-bounded effects; workers use it for operations.
func (e *Executor) RunEffect(ctx context.Context, name string, req EffectRequest) error {
	e.mu.RLock()
	fn, ok := e.effects[name]
	e.mu.RUnlock()
	if !ok {
		return NewSideEffectFailureError(fmt.Sprintf("unknown effect %q", name), nil)
	}
	if err := fn(ctx, req); err != nil {
		return NewSideEffectFailureError(fmt.Sprintf("effect %s failed", name), err)
	}
	return nil
}

func decodeParams(raw *string) map[string]any {
	if raw == nil {
		return nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(*raw), &params); err != nil {
		return nil
	}
	return params
}
