// Package relay consumes result envelopes from the well-known channels and
// delivers the finished event to the owning room. It runs as a dedicated
// goroutine in the serving binary and talks to the dispatcher only through
// broker envelopes, so task listeners and room delivery fail independently.
package relay

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nexa-labs/classifyd/internal/classify"
	"github.com/nexa-labs/classifyd/internal/protocol"
)

// Relay is the long-lived consumer of task_results and batch_task_done.
type Relay struct {
	broker  classify.Broker
	gateway classify.Gateway
	logger  *zap.Logger
}

// New constructs a Relay.
func New(broker classify.Broker, gateway classify.Gateway, logger *zap.Logger) *Relay {
	return &Relay{
		broker:  broker,
		gateway: gateway,
		logger:  logger,
	}
}

// Run blocks, consuming both result channels until the context finishes.
// Malformed envelopes are logged and skipped; the loop never dies on one.
func (r *Relay) Run(ctx context.Context) error {
	singles, err := r.broker.Subscribe(ctx, protocol.ChannelTaskResults)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.ChannelTaskResults, err)
	}
	defer singles.Close()

	batches, err := r.broker.Subscribe(ctx, protocol.ChannelBatchTaskDone)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.ChannelBatchTaskDone, err)
	}
	defer batches.Close()

	r.logger.Info("relay listening",
		zap.String("channels", protocol.ChannelTaskResults+","+protocol.ChannelBatchTaskDone),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-singles.Messages():
			if !ok {
				return fmt.Errorf("%s subscription closed", protocol.ChannelTaskResults)
			}
			r.handleSingle(payload)
		case payload, ok := <-batches.Messages():
			if !ok {
				return fmt.Errorf("%s subscription closed", protocol.ChannelBatchTaskDone)
			}
			r.handleBatch(payload)
		}
	}
}

func (r *Relay) handleSingle(payload []byte) {
	env, err := protocol.DecodeSingleResult(payload)
	if err != nil {
		r.logger.Warn("skipping malformed result envelope",
			zap.String("channel", protocol.ChannelTaskResults),
			zap.Error(err),
		)
		return
	}
	r.deliver(protocol.ChannelTaskResults, env.RoomID, env)
}

func (r *Relay) handleBatch(payload []byte) {
	env, err := protocol.DecodeBatchResult(payload)
	if err != nil {
		r.logger.Warn("skipping malformed result envelope",
			zap.String("channel", protocol.ChannelBatchTaskDone),
			zap.Error(err),
		)
		return
	}
	r.deliver(protocol.ChannelBatchTaskDone, env.RoomID, env)
}

// deliver pushes the finished event and closes the room. The room close is
// one-shot downstream, so a redelivered envelope is harmless.
func (r *Relay) deliver(channel, roomID string, envelope any) {
	if err := r.gateway.Emit(protocol.EventClassificationFinished, envelope, roomID); err != nil {
		r.logger.Error("finished event push failed",
			zap.String("room_id", roomID),
			zap.Error(err),
		)
	}
	if err := r.gateway.Close(roomID); err != nil {
		r.logger.Error("room close failed",
			zap.String("room_id", roomID),
			zap.Error(err),
		)
	}
	r.logger.Info("result relayed",
		zap.String("channel", channel),
		zap.String("room_id", roomID),
	)
}
