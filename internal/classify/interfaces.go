package classify

import (
	"context"
	"time"
)

// TaskStore persists task lifecycle state. All mutations commit immediately
// and are scoped to the owning task.
type TaskStore interface {
	CreateTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	FindTasks(ctx context.Context, filter TaskFilter) ([]Task, error)
	UpdateTask(ctx context.Context, taskID string, update TaskUpdate) error
	// MarkFailed sets status FAILED with the given message.
	MarkFailed(ctx context.Context, taskID string, message string) error
	// MarkFinished sets status DONE, current=total, and the given message.
	MarkFinished(ctx context.Context, taskID string, message string) error
}

// CatalogStore covers the reference-data reads and writes the orchestration
// core issues: partnumbers, manufacturers, tariff rules, and classification
// rows. The full catalog schema is an external collaborator concern.
type CatalogStore interface {
	// UpsertPartnumber normalizes the code (trim, uppercase) and creates the
	// row if it does not exist, returning the persisted row either way.
	UpsertPartnumber(ctx context.Context, code string) (Partnumber, error)
	// FindOrCreateManufacturer matches progressively relaxed combinations,
	// name+address+country, name+country, name+address, name, and creates a
	// row when none match. Name is required.
	FindOrCreateManufacturer(ctx context.Context, name string, address, country *string) (Manufacturer, error)
	// FindTipi looks up a tariff rule by (ncm, ex); a nil ex defaults to "00".
	// Returns ErrNotFound when no rule matches.
	FindTipi(ctx context.Context, ncm string, ex *string) (Tipi, error)
	CreateClassification(ctx context.Context, row Classification) (Classification, error)
	ListClassificationsByTask(ctx context.Context, taskID string) ([]Classification, error)
	ListClassificationsByPartnumber(ctx context.Context, code string) ([]Classification, error)
}

// Subscription is a handle on one broker channel. Messages delivers payloads
// in publish order; Close releases the subscription and must be safe to call
// on every exit path, including after the context ends.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// Broker provides publish/subscribe over ephemeral per-task channels and the
// well-known result channels.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Gateway pushes room-addressed events to connected clients. Close is
// one-shot; emits to a closed room are dropped.
type Gateway interface {
	Emit(event string, payload any, roomID string) error
	Close(roomID string) error
}

// EngineClient starts a classification job on the remote engine. Failures
// surface as *engine.DispatchError; no retry is performed by callers.
type EngineClient interface {
	StartSingle(ctx context.Context, req SingleRequest, progressChannel string) (jobID string, err error)
	StartBatch(ctx context.Context, req BatchRequest, progressChannel string) (jobID string, err error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
