package dispatcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/nexa-labs/classifyd/internal/classify"
	"github.com/nexa-labs/classifyd/internal/metrics"
	"github.com/nexa-labs/classifyd/internal/protocol"
)

// StartSingle dispatches a single-partnumber task and returns the accepted
// task. The engine call is synchronous; progress arrives on the ephemeral
// channel afterwards.
func (d *Dispatcher) StartSingle(ctx context.Context, req classify.SingleRequest) (classify.Task, error) {
	if strings.TrimSpace(req.Partnumber) == "" {
		return classify.Task{}, fmt.Errorf("partnumber is required")
	}
	if req.RoomID == "" {
		return classify.Task{}, fmt.Errorf("room_id is required")
	}

	partnumber := req.Partnumber
	return d.start(ctx, kindSingle, req.RoomID, req.UserID, req.IdempotencyKey,
		func(ctx context.Context, progressChannel string) (string, error) {
			return d.engine.StartSingle(ctx, req, progressChannel)
		},
		func(ctx context.Context, task classify.Task, done protocol.Done) error {
			return d.finishSingle(ctx, task, partnumber, done)
		},
	)
}

// finishSingle publishes the result envelope for the relay. The done payload
// passes through verbatim; catalog rows are written only from batch partial
// results.
func (d *Dispatcher) finishSingle(ctx context.Context, task classify.Task, partnumber string, done protocol.Done) error {
	payload, err := marshalEnvelope(protocol.SingleResultEnvelope{
		Status:     "done",
		Message:    "classification finished",
		Result:     done.Result,
		Partnumber: partnumber,
		RoomID:     task.RoomID,
	})
	if err != nil {
		return err
	}
	if err := d.broker.Publish(ctx, protocol.ChannelTaskResults, payload); err != nil {
		return fmt.Errorf("publish %s: %w", protocol.ChannelTaskResults, err)
	}
	metrics.ObserveResultEnvelope(protocol.ChannelTaskResults)
	return nil
}
