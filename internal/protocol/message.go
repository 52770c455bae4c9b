// Package protocol defines the wire messages exchanged with the remote
// engine over ephemeral progress channels, and the result envelopes handed
// across the process boundary on the well-known channels.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Well-known result channels. Each task publishes exactly one envelope on
// one of these; the relay is their sole consumer.
const (
	ChannelTaskResults   = "task_results"
	ChannelBatchTaskDone = "batch_task_done"
)

// Room-addressed real-time event names.
const (
	EventClassificationFinished     = "classification_finished"
	EventClassificationUpdateStatus = "classification_update_status"
)

// progressChannelPrefix namespaces the ephemeral per-task channels.
const progressChannelPrefix = "progress-"

// ProgressChannel derives the ephemeral channel name for a task from a
// freshly generated identifier. Uniqueness of the id guarantees messages
// never cross tasks.
func ProgressChannel(id string) string {
	return progressChannelPrefix + id
}

// ErrDecode wraps any failure to decode or validate a channel payload.
// Consumers log and skip such messages rather than aborting their loop.
var ErrDecode = errors.New("progress message decode")

// Message is the closed set of progress-channel message kinds.
type Message interface {
	kind() string
}

// Processing reports interim progress counters.
type Processing struct {
	Current int
	Total   int
	Message string
}

// PartialResult carries one resolved part number during a batch task.
type PartialResult struct {
	Current        int
	Total          int
	Message        string
	Classification *SingleClassification
}

// Failed reports a non-terminal engine failure.
type Failed struct {
	Error string
}

// Done is the terminal message carrying the engine's final result.
type Done struct {
	Result json.RawMessage
}

func (Processing) kind() string    { return "processing" }
func (PartialResult) kind() string { return "partial_result" }
func (Failed) kind() string        { return "failed" }
func (Done) kind() string          { return "done" }

// SingleClassification mirrors the engine's per-partnumber result shape.
// The manufacturer fields keep the engine's wire keys.
type SingleClassification struct {
	Partnumber      string   `json:"partnumber"`
	NCM             string   `json:"ncm"`
	Description     string   `json:"description,omitempty"`
	Exception       *string  `json:"exception,omitempty"`
	NVE             *string  `json:"nve,omitempty"`
	Manufacturer    string   `json:"fabricante,omitempty"`
	Address         *string  `json:"endereco,omitempty"`
	Country         *string  `json:"pais,omitempty"`
	ConfidenceScore *float64 `json:"confidence_score,omitempty"`
}

type wireMessage struct {
	Status   string          `json:"status"`
	Progress *wireProgress   `json:"progress,omitempty"`
	Current  int             `json:"current"`
	Total    int             `json:"total"`
	Message  string          `json:"message"`
	Error    string          `json:"error"`
	Result   json.RawMessage `json:"result"`

	SingleClassification *SingleClassification `json:"single_classification,omitempty"`
}

type wireProgress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message"`
}

// Decode parses one raw channel payload into its typed message. Any JSON
// error, missing status, or unknown kind yields an error wrapping ErrDecode.
func Decode(payload []byte) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	switch wire.Status {
	case "processing":
		// Processing counters arrive nested under "progress".
		if wire.Progress == nil {
			return nil, fmt.Errorf("%w: processing message without progress body", ErrDecode)
		}
		return Processing{
			Current: wire.Progress.Current,
			Total:   wire.Progress.Total,
			Message: wire.Progress.Message,
		}, nil
	case "partial_result":
		return PartialResult{
			Current:        wire.Current,
			Total:          wire.Total,
			Message:        wire.Message,
			Classification: wire.SingleClassification,
		}, nil
	case "failed":
		return Failed{Error: wire.Error}, nil
	case "done":
		result := wire.Result
		if len(result) == 0 {
			result = json.RawMessage(`{}`)
		}
		return Done{Result: result}, nil
	case "":
		return nil, fmt.Errorf("%w: missing status field", ErrDecode)
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrDecode, wire.Status)
	}
}
