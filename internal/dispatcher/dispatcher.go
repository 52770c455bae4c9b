// Package dispatcher starts classification tasks on the remote engine and
// relays their progress from ephemeral channels to rooms and the task store.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nexa-labs/classifyd/internal/classify"
	"github.com/nexa-labs/classifyd/internal/metrics"
	"github.com/nexa-labs/classifyd/internal/protocol"
)

// Task kinds used in logs and metrics labels.
const (
	kindSingle = "single"
	kindBatch  = "batch"
)

// Config controls Dispatcher behavior.
type Config struct {
	// ListenTimeout bounds how long a task may listen for engine progress
	// before it is marked FAILED.
	ListenTimeout time.Duration
	// TerminateOnFailure ends the listen loop on a failed message instead of
	// waiting for a later done.
	TerminateOnFailure bool
}

// Dispatcher owns the per-task lifecycle: create, subscribe, dispatch to the
// engine, and consume progress until a terminal state.
type Dispatcher struct {
	tasks   classify.TaskStore
	catalog classify.CatalogStore
	broker  classify.Broker
	gateway classify.Gateway
	engine  classify.EngineClient
	clock   classify.Clock
	ids     classify.IDGenerator
	cfg     Config
	logger  *zap.Logger

	wg sync.WaitGroup
}

// New constructs a Dispatcher.
func New(
	tasks classify.TaskStore,
	catalog classify.CatalogStore,
	broker classify.Broker,
	gateway classify.Gateway,
	engine classify.EngineClient,
	clock classify.Clock,
	ids classify.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.ListenTimeout <= 0 {
		cfg.ListenTimeout = 10 * time.Minute
	}
	return &Dispatcher{
		tasks:   tasks,
		catalog: catalog,
		broker:  broker,
		gateway: gateway,
		engine:  engine,
		clock:   clock,
		ids:     ids,
		cfg:     cfg,
		logger:  logger,
	}
}

// Wait blocks until every in-flight listen loop has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// start runs the shared dispatch sequence: dedupe, persist STARTED, subscribe
// before the engine call, dispatch, then hand off to the listen loop.
func (d *Dispatcher) start(
	ctx context.Context,
	kind string,
	roomID string,
	userID *int64,
	idempotencyKey *string,
	dispatch func(ctx context.Context, progressChannel string) (string, error),
	finish func(ctx context.Context, task classify.Task, done protocol.Done) error,
) (classify.Task, error) {
	if existing, ok, err := d.findExisting(ctx, idempotencyKey); err != nil {
		return classify.Task{}, err
	} else if ok {
		d.logger.Info("returning existing task for idempotency key",
			zap.String("task_id", existing.ID),
			zap.String("kind", kind),
		)
		return existing, nil
	}

	id, err := d.ids.NewID()
	if err != nil {
		return classify.Task{}, fmt.Errorf("generate task id: %w", err)
	}
	now := d.clock.Now().UTC()
	task := classify.Task{
		ID:              id,
		RoomID:          roomID,
		ProgressChannel: protocol.ProgressChannel(id),
		Status:          classify.TaskStatusStarted,
		Message:         "task accepted",
		UserID:          userID,
		IdempotencyKey:  idempotencyKey,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := d.tasks.CreateTask(ctx, task); err != nil {
		return classify.Task{}, fmt.Errorf("create task: %w", err)
	}

	// Subscribe before dispatching so messages the engine publishes
	// immediately are never lost.
	sub, err := d.broker.Subscribe(ctx, task.ProgressChannel)
	if err != nil {
		d.failTask(ctx, task, "progress channel subscribe failed")
		return classify.Task{}, fmt.Errorf("subscribe %s: %w", task.ProgressChannel, err)
	}

	dispatchStart := d.clock.Now()
	jobID, err := dispatch(ctx, task.ProgressChannel)
	metrics.ObserveEngineDispatch(kind, d.clock.Now().Sub(dispatchStart))
	if err != nil {
		_ = sub.Close()
		d.failTask(ctx, task, "engine dispatch failed")
		return classify.Task{}, fmt.Errorf("dispatch %s task: %w", kind, err)
	}

	if err := d.tasks.UpdateTask(ctx, task.ID, classify.TaskUpdate{JobID: &jobID}); err != nil {
		d.logger.Error("record job id",
			zap.String("task_id", task.ID),
			zap.String("job_id", jobID),
			zap.Error(err),
		)
	}
	task.JobID = &jobID

	metrics.ObserveTaskStarted(kind)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.listen(kind, task, sub, finish)
	}()

	d.logger.Info("task dispatched",
		zap.String("task_id", task.ID),
		zap.String("kind", kind),
		zap.String("job_id", jobID),
		zap.String("room_id", roomID),
	)
	return task, nil
}

// findExisting returns a prior non-terminal task carrying the same
// idempotency key, if any.
func (d *Dispatcher) findExisting(ctx context.Context, key *string) (classify.Task, bool, error) {
	if key == nil || *key == "" {
		return classify.Task{}, false, nil
	}
	found, err := d.tasks.FindTasks(ctx, classify.TaskFilter{IdempotencyKey: key})
	if err != nil {
		return classify.Task{}, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	for _, task := range found {
		if !task.Status.Terminal() {
			return task, true, nil
		}
	}
	return classify.Task{}, false, nil
}

// listen consumes progress messages until a terminal state, the timeout, or
// an unrecoverable persistence failure.
func (d *Dispatcher) listen(
	kind string,
	task classify.Task,
	sub classify.Subscription,
	finish func(ctx context.Context, task classify.Task, done protocol.Done) error,
) {
	defer func() {
		if err := sub.Close(); err != nil {
			d.logger.Warn("subscription close", zap.String("task_id", task.ID), zap.Error(err))
		}
	}()
	metrics.IncTasksInFlight()
	defer metrics.DecTasksInFlight()

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ListenTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			d.logger.Error("listen timeout",
				zap.String("task_id", task.ID),
				zap.Duration("timeout", d.cfg.ListenTimeout),
			)
			d.failTask(context.Background(), task, "timed out waiting for engine progress")
			metrics.ObserveTaskCompleted(kind, "timeout")
			return
		case payload, ok := <-sub.Messages():
			if !ok {
				d.failTask(context.Background(), task, "progress channel closed")
				metrics.ObserveTaskCompleted(kind, "channel_closed")
				return
			}
			msg, err := protocol.Decode(payload)
			if err != nil {
				metrics.ObserveProgressMessage("undecodable")
				d.logger.Warn("skipping undecodable progress message",
					zap.String("task_id", task.ID),
					zap.Error(err),
				)
				continue
			}
			terminal, err := d.handle(ctx, kind, task, msg, finish)
			if err != nil {
				d.logger.Error("progress handling failed",
					zap.String("task_id", task.ID),
					zap.Error(err),
				)
				d.failTask(context.Background(), task, "internal error while processing progress")
				metrics.ObserveTaskCompleted(kind, "error")
				return
			}
			if terminal {
				return
			}
		}
	}
}

// handle applies one decoded message. Store updates always commit before the
// room push so clients never observe state ahead of the store.
func (d *Dispatcher) handle(
	ctx context.Context,
	kind string,
	task classify.Task,
	msg protocol.Message,
	finish func(ctx context.Context, task classify.Task, done protocol.Done) error,
) (terminal bool, err error) {
	switch m := msg.(type) {
	case protocol.Processing:
		metrics.ObserveProgressMessage("processing")
		status := classify.TaskStatusProcessing
		if err := d.tasks.UpdateTask(ctx, task.ID, classify.TaskUpdate{
			Status:  &status,
			Current: &m.Current,
			Total:   &m.Total,
			Message: &m.Message,
		}); err != nil {
			return false, fmt.Errorf("persist processing update: %w", err)
		}
		d.emitStatus(task.RoomID, protocol.StatusUpdate{
			Status:  "processing",
			Current: &m.Current,
			Total:   &m.Total,
			Message: m.Message,
		})
		return false, nil

	case protocol.PartialResult:
		metrics.ObserveProgressMessage("partial_result")
		if m.Classification != nil {
			if err := d.persistClassification(ctx, task, m.Classification); err != nil {
				return false, fmt.Errorf("persist partial result: %w", err)
			}
		}
		status := classify.TaskStatusPartialResult
		if err := d.tasks.UpdateTask(ctx, task.ID, classify.TaskUpdate{
			Status:  &status,
			Current: &m.Current,
			Total:   &m.Total,
			Message: &m.Message,
		}); err != nil {
			return false, fmt.Errorf("persist partial update: %w", err)
		}
		// The room only sees progress; PARTIAL_RESULT is a store-side state.
		d.emitStatus(task.RoomID, protocol.StatusUpdate{
			Status:  "processing",
			Current: &m.Current,
			Total:   &m.Total,
			Message: m.Message,
		})
		return false, nil

	case protocol.Failed:
		metrics.ObserveProgressMessage("failed")
		if err := d.tasks.MarkFailed(ctx, task.ID, m.Error); err != nil {
			return false, fmt.Errorf("persist failure: %w", err)
		}
		d.emitStatus(task.RoomID, protocol.StatusUpdate{
			Status:  "failed",
			Message: m.Error,
		})
		if d.cfg.TerminateOnFailure {
			metrics.ObserveTaskCompleted(kind, "failed")
			return true, nil
		}
		// The engine may still recover and publish done; keep listening.
		return false, nil

	case protocol.Done:
		metrics.ObserveProgressMessage("done")
		if err := d.tasks.MarkFinished(ctx, task.ID, "classification finished"); err != nil {
			return false, fmt.Errorf("persist completion: %w", err)
		}
		if err := finish(ctx, task, m); err != nil {
			return false, fmt.Errorf("publish result: %w", err)
		}
		metrics.ObserveTaskCompleted(kind, "done")
		return true, nil

	default:
		return false, fmt.Errorf("unhandled message kind %T", msg)
	}
}

// persistClassification writes one resolved part number to the catalog. A
// missing tariff rule is tolerated; the row is stored without a tipi link.
func (d *Dispatcher) persistClassification(ctx context.Context, task classify.Task, sc *protocol.SingleClassification) error {
	row := classify.Classification{
		TaskID:          task.ID,
		LongDescription: sc.Description,
		ConfidenceRate:  sc.ConfidenceScore,
		CreatedByUserID: task.UserID,
	}

	if sc.Partnumber != "" {
		pn, err := d.catalog.UpsertPartnumber(ctx, sc.Partnumber)
		if err != nil {
			return fmt.Errorf("upsert partnumber: %w", err)
		}
		row.PartnumberID = &pn.ID
	}

	if sc.Manufacturer != "" {
		m, err := d.catalog.FindOrCreateManufacturer(ctx, sc.Manufacturer, sc.Address, sc.Country)
		if err != nil {
			return fmt.Errorf("resolve manufacturer: %w", err)
		}
		row.ManufacturerID = &m.ID
	}

	if sc.NCM != "" {
		tipi, err := d.catalog.FindTipi(ctx, sc.NCM, sc.Exception)
		switch {
		case err == nil:
			row.TipiID = &tipi.ID
		case errors.Is(err, classify.ErrNotFound):
			d.logger.Warn("no tariff rule for ncm",
				zap.String("task_id", task.ID),
				zap.String("ncm", sc.NCM),
			)
		default:
			return fmt.Errorf("find tipi: %w", err)
		}
	}

	if _, err := d.catalog.CreateClassification(ctx, row); err != nil {
		return fmt.Errorf("insert classification: %w", err)
	}
	return nil
}

// failTask records the failure and pushes it to the room. Best effort: a
// store error here is logged, not propagated.
func (d *Dispatcher) failTask(ctx context.Context, task classify.Task, message string) {
	if err := d.tasks.MarkFailed(ctx, task.ID, message); err != nil {
		d.logger.Error("mark task failed",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
	}
	d.emitStatus(task.RoomID, protocol.StatusUpdate{
		Status:  "failed",
		Message: message,
	})
}

func (d *Dispatcher) emitStatus(roomID string, update protocol.StatusUpdate) {
	if err := update.Validate(); err != nil {
		d.logger.Warn("invalid status update", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	if err := d.gateway.Emit(protocol.EventClassificationUpdateStatus, update, roomID); err != nil {
		d.logger.Warn("room push failed", zap.String("room_id", roomID), zap.Error(err))
	}
}

func marshalEnvelope(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result envelope: %w", err)
	}
	return payload, nil
}
