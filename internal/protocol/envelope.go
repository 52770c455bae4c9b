package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// StatusUpdate is the room-addressed payload pushed for interim progress and
// failures under the classification_update_status event.
type StatusUpdate struct {
	Status  string `json:"status"`
	Current *int   `json:"current,omitempty"`
	Total   *int   `json:"total,omitempty"`
	Message string `json:"message,omitempty"`
}

// SingleResultEnvelope is published once per single task on the task_results
// channel and consumed exactly once by the relay.
type SingleResultEnvelope struct {
	Status     string          `json:"status"`
	Message    string          `json:"message"`
	Result     json.RawMessage `json:"result"`
	Partnumber string          `json:"partnumber"`
	RoomID     string          `json:"room_id"`
}

// BatchResultEnvelope is published once per batch task on the
// batch_task_done channel.
type BatchResultEnvelope struct {
	Status      string          `json:"status"`
	Message     string          `json:"message"`
	Result      json.RawMessage `json:"result"`
	Partnumbers []string        `json:"partnumbers"`
	RoomID      string          `json:"room_id"`
}

// DecodeSingleResult parses and validates a task_results payload.
func DecodeSingleResult(payload []byte) (SingleResultEnvelope, error) {
	var env SingleResultEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return SingleResultEnvelope{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if env.RoomID == "" {
		return SingleResultEnvelope{}, fmt.Errorf("%w: result envelope missing room_id", ErrDecode)
	}
	return env, nil
}

// DecodeBatchResult parses and validates a batch_task_done payload.
func DecodeBatchResult(payload []byte) (BatchResultEnvelope, error) {
	var env BatchResultEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return BatchResultEnvelope{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if env.RoomID == "" {
		return BatchResultEnvelope{}, fmt.Errorf("%w: result envelope missing room_id", ErrDecode)
	}
	return env, nil
}

// Validate performs coarse validation on StatusUpdate payloads before they
// are pushed to a room.
func (u StatusUpdate) Validate() error {
	if u.Status == "" {
		return errors.New("status is required")
	}
	if u.Current != nil && *u.Current < 0 {
		return errors.New("current must be >= 0")
	}
	if u.Total != nil && *u.Total < 0 {
		return errors.New("total must be >= 0")
	}
	return nil
}
