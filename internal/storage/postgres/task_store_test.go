package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/nexa-labs/classifyd/internal/classify"
)

func taskRowColumns() []string {
	return []string{
		"id", "job_id", "room_id", "progress_channel", "status",
		"current", "total", "message", "user_id", "idempotency_key",
		"created_at", "updated_at",
	}
}

func TestTaskStoreCreateTask(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewTaskStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	task := classify.Task{
		ID:              "task-1",
		RoomID:          "room-1",
		ProgressChannel: "progress-abc",
		Status:          classify.TaskStatusStarted,
		Message:         "task accepted",
		CreatedAt:       now,
	}

	mock.ExpectExec("INSERT INTO tasks").
		WithArgs(
			task.ID,
			task.JobID,
			task.RoomID,
			task.ProgressChannel,
			task.Status,
			task.Current,
			task.Total,
			task.Message,
			task.UserID,
			task.IdempotencyKey,
			task.CreatedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateTask(context.Background(), task))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStoreGetTaskNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewTaskStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE id").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(taskRowColumns()))

	_, err = store.GetTask(context.Background(), "missing")
	require.ErrorIs(t, err, classify.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestTaskStoreFindTasksBuildsANDFilter checks that every non-nil filter
// field contributes one AND clause with positional args in order.
func TestTaskStoreFindTasksBuildsANDFilter(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewTaskStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	roomID := "room-1"
	status := classify.TaskStatusProcessing
	jobID := "job-1"

	mock.ExpectQuery(`SELECT (.+) FROM tasks WHERE job_id = \$1 AND room_id = \$2 AND status = \$3 ORDER BY created_at DESC`).
		WithArgs(jobID, roomID, status).
		WillReturnRows(pgxmock.NewRows(taskRowColumns()).AddRow(
			"task-1", &jobID, roomID, "progress-abc", status,
			1, 3, "working", (*int64)(nil), (*string)(nil), now, now,
		))

	tasks, err := store.FindTasks(context.Background(), classify.TaskFilter{
		JobID:  &jobID,
		RoomID: &roomID,
		Status: &status,
	})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "task-1", tasks[0].ID)
	require.Equal(t, status, tasks[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestTaskStoreUpdateTaskMergesFields ensures only the non-nil update
// fields are written.
func TestTaskStoreUpdateTaskMergesFields(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewTaskStore(mock)
	require.NoError(t, err)

	status := classify.TaskStatusProcessing
	current := 2
	mock.ExpectExec(`UPDATE tasks SET status = \$1, current = \$2, updated_at = NOW\(\) WHERE id = \$3`).
		WithArgs(status, current, "task-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = store.UpdateTask(context.Background(), "task-1", classify.TaskUpdate{
		Status:  &status,
		Current: &current,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStoreUpdateTaskEmptyUpdateIsNoop(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewTaskStore(mock)
	require.NoError(t, err)

	require.NoError(t, store.UpdateTask(context.Background(), "task-1", classify.TaskUpdate{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStoreMarkFailed(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewTaskStore(mock)
	require.NoError(t, err)

	mock.ExpectExec(`UPDATE tasks SET status = \$1, message = \$2, updated_at = NOW\(\) WHERE id = \$3`).
		WithArgs(classify.TaskStatusFailed, "engine unreachable", "task-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.MarkFailed(context.Background(), "task-1", "engine unreachable"))
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestTaskStoreMarkFinished snaps current to total alongside DONE.
func TestTaskStoreMarkFinished(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewTaskStore(mock)
	require.NoError(t, err)

	mock.ExpectExec(`UPDATE tasks SET status = \$1, current = total, message = \$2, updated_at = NOW\(\) WHERE id = \$3`).
		WithArgs(classify.TaskStatusDone, "classification finished", "task-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.MarkFinished(context.Background(), "task-1", "classification finished"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStoreMarkFailedMissingTask(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewTaskStore(mock)
	require.NoError(t, err)

	mock.ExpectExec(`UPDATE tasks SET status = \$1, message = \$2, updated_at = NOW\(\) WHERE id = \$3`).
		WithArgs(classify.TaskStatusFailed, "whatever", "ghost").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.MarkFailed(context.Background(), "ghost", "whatever")
	require.ErrorIs(t, err, classify.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
