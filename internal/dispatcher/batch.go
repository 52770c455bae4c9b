package dispatcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/nexa-labs/classifyd/internal/classify"
	"github.com/nexa-labs/classifyd/internal/metrics"
	"github.com/nexa-labs/classifyd/internal/protocol"
)

// StartBatch dispatches a batch task and returns the accepted task. Partial
// results are persisted as they arrive; the final envelope is published when
// the engine reports done.
func (d *Dispatcher) StartBatch(ctx context.Context, req classify.BatchRequest) (classify.Task, error) {
	partnumbers := make([]string, 0, len(req.Partnumbers))
	for _, pn := range req.Partnumbers {
		if trimmed := strings.TrimSpace(pn); trimmed != "" {
			partnumbers = append(partnumbers, trimmed)
		}
	}
	if len(partnumbers) == 0 {
		return classify.Task{}, fmt.Errorf("at least one partnumber is required")
	}
	if req.RoomID == "" {
		return classify.Task{}, fmt.Errorf("room_id is required")
	}
	req.Partnumbers = partnumbers

	// Register every part number up front so partial results and later
	// lookups resolve against existing rows.
	for _, pn := range partnumbers {
		if _, err := d.catalog.UpsertPartnumber(ctx, pn); err != nil {
			return classify.Task{}, fmt.Errorf("register partnumber %s: %w", pn, err)
		}
	}

	return d.start(ctx, kindBatch, req.RoomID, req.UserID, req.IdempotencyKey,
		func(ctx context.Context, progressChannel string) (string, error) {
			return d.engine.StartBatch(ctx, req, progressChannel)
		},
		func(ctx context.Context, task classify.Task, done protocol.Done) error {
			return d.finishBatch(ctx, task, partnumbers, done)
		},
	)
}

func (d *Dispatcher) finishBatch(ctx context.Context, task classify.Task, partnumbers []string, done protocol.Done) error {
	payload, err := marshalEnvelope(protocol.BatchResultEnvelope{
		Status:      "done",
		Message:     "classification finished",
		Result:      done.Result,
		Partnumbers: partnumbers,
		RoomID:      task.RoomID,
	})
	if err != nil {
		return err
	}
	if err := d.broker.Publish(ctx, protocol.ChannelBatchTaskDone, payload); err != nil {
		return fmt.Errorf("publish %s: %w", protocol.ChannelBatchTaskDone, err)
	}
	metrics.ObserveResultEnvelope(protocol.ChannelBatchTaskDone)
	return nil
}
