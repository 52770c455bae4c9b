// Package classify defines core types shared across subsystems.
package classify

import "time"

// TaskStatus represents the lifecycle state of a classification task.
type TaskStatus string

// Task status values persisted in the task store. STARTED is the initial
// state; PROCESSING and PARTIAL_RESULT may repeat; DONE and FAILED are
// terminal.
const (
	TaskStatusStarted       TaskStatus = "STARTED"
	TaskStatusProcessing    TaskStatus = "PROCESSING"
	TaskStatusPartialResult TaskStatus = "PARTIAL_RESULT"
	TaskStatusDone          TaskStatus = "DONE"
	TaskStatusFailed        TaskStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusFailed
}

// Task is the persisted record of one classification request's lifecycle.
// Exactly one dispatcher goroutine owns a task and mutates it; the progress
// channel name is unique per task so messages never cross tasks.
type Task struct {
	ID              string     `json:"id"`
	JobID           *string    `json:"job_id,omitempty"`
	RoomID          string     `json:"room_id"`
	ProgressChannel string     `json:"progress_channel"`
	Status          TaskStatus `json:"status"`
	Current         int        `json:"current"`
	Total           int        `json:"total"`
	Message         string     `json:"message"`
	UserID          *int64     `json:"user_id,omitempty"`
	IdempotencyKey  *string    `json:"idempotency_key,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TaskFilter selects tasks by the AND-combination of its non-nil fields.
type TaskFilter struct {
	ID              *string
	JobID           *string
	RoomID          *string
	ProgressChannel *string
	Status          *TaskStatus
	UserID          *int64
	IdempotencyKey  *string
}

// TaskUpdate merges its non-nil fields into an existing task.
type TaskUpdate struct {
	JobID   *string
	Status  *TaskStatus
	Current *int
	Total   *int
	Message *string
}

// ClassificationStatus tracks whether a classification row is still current.
type ClassificationStatus string

// Classification row statuses. Rows are created ACTIVE and never mutated by
// the orchestration core; supersession lives in the catalog collaborator.
const (
	ClassificationActive   ClassificationStatus = "active"
	ClassificationReplaced ClassificationStatus = "replaced"
	ClassificationRejected ClassificationStatus = "rejected"
)

// Classification is one resolved part-number row, created incrementally as
// partial results arrive during a batch task.
type Classification struct {
	ID              int64                `json:"id"`
	PartnumberID    *int64               `json:"partnumber_id,omitempty"`
	TaskID          string               `json:"task_id"`
	TipiID          *int64               `json:"tipi_id,omitempty"`
	ManufacturerID  *int64               `json:"manufacturer_id,omitempty"`
	LongDescription string               `json:"long_description,omitempty"`
	ConfidenceRate  *float64             `json:"confidence_rate,omitempty"`
	Status          ClassificationStatus `json:"status"`
	CreatedByUserID *int64               `json:"created_by_user_id,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
}

// Partnumber is a catalog row keyed by the normalized (uppercase) code.
type Partnumber struct {
	ID   int64  `json:"id"`
	Code string `json:"code"`
}

// Manufacturer is a catalog row resolved or created from engine output.
type Manufacturer struct {
	ID      int64   `json:"id"`
	Name    string  `json:"name"`
	Address *string `json:"address,omitempty"`
	Country *string `json:"country,omitempty"`
}

// Tipi is a tariff-code reference row keyed by (ncm, ex).
type Tipi struct {
	ID          int64   `json:"id"`
	NCM         string  `json:"ncm"`
	Ex          string  `json:"ex"`
	Description string  `json:"description,omitempty"`
	Tax         float64 `json:"tax"`
}

// SingleRequest is a validated single-item classification request.
type SingleRequest struct {
	Partnumber     string  `json:"partnumber"`
	Description    *string `json:"description,omitempty"`
	Manufacturer   *string `json:"manufacturer,omitempty"`
	Supplier       *string `json:"supplier,omitempty"`
	UserID         *int64  `json:"user_id,omitempty"`
	RoomID         string  `json:"room_id"`
	IdempotencyKey *string `json:"idempotency_key,omitempty"`
}

// BatchRequest is a validated batch classification request.
type BatchRequest struct {
	Partnumbers    []string `json:"partnumbers"`
	UserID         *int64   `json:"user_id,omitempty"`
	RoomID         string   `json:"room_id"`
	IdempotencyKey *string  `json:"idempotency_key,omitempty"`
}
