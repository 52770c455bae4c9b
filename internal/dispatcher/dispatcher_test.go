package dispatcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	brokermem "github.com/nexa-labs/classifyd/internal/broker/memory"
	"github.com/nexa-labs/classifyd/internal/classify"
	"github.com/nexa-labs/classifyd/internal/clock/system"
	gatewaymem "github.com/nexa-labs/classifyd/internal/gateway/memory"
	"github.com/nexa-labs/classifyd/internal/id/uuid"
	"github.com/nexa-labs/classifyd/internal/metrics"
	"github.com/nexa-labs/classifyd/internal/protocol"
	storemem "github.com/nexa-labs/classifyd/internal/storage/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

// fakeEngine records dispatch calls and runs a hook while the synchronous
// engine call is in flight, which is exactly when the real engine starts
// publishing progress.
type fakeEngine struct {
	jobID      string
	err        error
	onDispatch func(progressChannel string)

	gotSingle  classify.SingleRequest
	gotBatch   classify.BatchRequest
	gotChannel string
}

func (f *fakeEngine) StartSingle(_ context.Context, req classify.SingleRequest, progressChannel string) (string, error) {
	f.gotSingle = req
	f.gotChannel = progressChannel
	if f.err != nil {
		return "", f.err
	}
	if f.onDispatch != nil {
		f.onDispatch(progressChannel)
	}
	return f.jobID, nil
}

func (f *fakeEngine) StartBatch(_ context.Context, req classify.BatchRequest, progressChannel string) (string, error) {
	f.gotBatch = req
	f.gotChannel = progressChannel
	if f.err != nil {
		return "", f.err
	}
	if f.onDispatch != nil {
		f.onDispatch(progressChannel)
	}
	return f.jobID, nil
}

type fixture struct {
	dispatcher *Dispatcher
	tasks      *storemem.TaskStore
	catalog    *storemem.CatalogStore
	broker     *brokermem.Broker
	gateway    *gatewaymem.Gateway
	engine     *fakeEngine
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		tasks:   storemem.NewTaskStore(),
		catalog: storemem.NewCatalogStore(),
		broker:  brokermem.New(),
		gateway: gatewaymem.New(),
		engine:  &fakeEngine{jobID: "job-1"},
	}
	f.dispatcher = New(
		f.tasks, f.catalog, f.broker, f.gateway, f.engine,
		system.New(), uuid.New(), cfg, zap.NewNop(),
	)
	return f
}

func publish(t *testing.T, broker *brokermem.Broker, channel string, payload string) {
	t.Helper()
	require.NoError(t, broker.Publish(context.Background(), channel, []byte(payload)))
}

func TestStartSingleValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	_, err := f.dispatcher.StartSingle(context.Background(), classify.SingleRequest{RoomID: "room-1"})
	require.Error(t, err)

	_, err = f.dispatcher.StartSingle(context.Background(), classify.SingleRequest{Partnumber: "ABC"})
	require.Error(t, err)
}

func TestSingleTaskHappyPath(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	results, err := f.broker.Subscribe(context.Background(), protocol.ChannelTaskResults)
	require.NoError(t, err)
	defer results.Close()

	f.engine.onDispatch = func(channel string) {
		publish(t, f.broker, channel, `{"status":"processing","progress":{"current":1,"total":3,"message":"searching"}}`)
		publish(t, f.broker, channel, `{"status":"done","result":{"partnumber":"ABC123","ncm":"8517.12.31","description":"a phone","fabricante":"Acme","confidence_score":0.9}}`)
	}

	task, err := f.dispatcher.StartSingle(context.Background(), classify.SingleRequest{
		Partnumber: "ABC123",
		RoomID:     "room-1",
	})
	require.NoError(t, err)
	require.Equal(t, classify.TaskStatusStarted, task.Status)
	require.Equal(t, protocol.ProgressChannel(task.ID), task.ProgressChannel)
	require.NotNil(t, task.JobID)
	require.Equal(t, "job-1", *task.JobID)
	require.Equal(t, task.ProgressChannel, f.engine.gotChannel)

	f.dispatcher.Wait()

	final, err := f.tasks.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, classify.TaskStatusDone, final.Status)
	require.Equal(t, final.Total, final.Current)

	// The interim progress reached the room before the terminal envelope.
	events := f.gateway.EventsForRoom("room-1")
	require.NotEmpty(t, events)
	require.Equal(t, protocol.EventClassificationUpdateStatus, events[0].Name)
	update, ok := events[0].Payload.(protocol.StatusUpdate)
	require.True(t, ok)
	require.Equal(t, "processing", update.Status)
	require.Equal(t, 1, *update.Current)
	require.Equal(t, 3, *update.Total)

	// Exactly one result envelope on the well-known channel.
	select {
	case payload := <-results.Messages():
		env, err := protocol.DecodeSingleResult(payload)
		require.NoError(t, err)
		require.Equal(t, "room-1", env.RoomID)
		require.Equal(t, "ABC123", env.Partnumber)
		require.Equal(t, "done", env.Status)
	case <-time.After(time.Second):
		t.Fatal("no result envelope published")
	}

	// Single mode never writes catalog rows, even when the done payload is
	// classification-shaped; the envelope carries it to the client verbatim.
	rows, err := f.catalog.ListClassificationsByTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestBatchTaskPersistsPartialResults(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	results, err := f.broker.Subscribe(context.Background(), protocol.ChannelBatchTaskDone)
	require.NoError(t, err)
	defer results.Close()

	f.engine.onDispatch = func(channel string) {
		publish(t, f.broker, channel, `{"status":"partial_result","current":1,"total":2,"message":"resolved ABC123","single_classification":{"partnumber":"ABC123","ncm":"8517.12.31","fabricante":"Acme"}}`)
		publish(t, f.broker, channel, `{"status":"partial_result","current":2,"total":2,"message":"resolved XYZ9","single_classification":{"partnumber":"XYZ9","ncm":"8473.30.99"}}`)
		publish(t, f.broker, channel, `{"status":"done","result":{}}`)
	}

	task, err := f.dispatcher.StartBatch(context.Background(), classify.BatchRequest{
		Partnumbers: []string{"ABC123", " XYZ9 ", ""},
		RoomID:      "room-2",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"ABC123", "XYZ9"}, f.engine.gotBatch.Partnumbers)

	f.dispatcher.Wait()

	final, err := f.tasks.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, classify.TaskStatusDone, final.Status)

	rows, err := f.catalog.ListClassificationsByTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Partial results reach the room as plain processing updates; the
	// PARTIAL_RESULT status stays in the store.
	events := f.gateway.EventsForRoom("room-2")
	require.Len(t, events, 2)
	for _, evt := range events {
		require.Equal(t, protocol.EventClassificationUpdateStatus, evt.Name)
		update, ok := evt.Payload.(protocol.StatusUpdate)
		require.True(t, ok)
		require.Equal(t, "processing", update.Status)
	}

	select {
	case payload := <-results.Messages():
		env, err := protocol.DecodeBatchResult(payload)
		require.NoError(t, err)
		require.Equal(t, "room-2", env.RoomID)
		require.Equal(t, []string{"ABC123", "XYZ9"}, env.Partnumbers)
	case <-time.After(time.Second):
		t.Fatal("no batch envelope published")
	}
}

func TestEngineDispatchFailureMarksTaskFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.engine.err = context.DeadlineExceeded

	_, err := f.dispatcher.StartSingle(context.Background(), classify.SingleRequest{
		Partnumber: "ABC123",
		RoomID:     "room-3",
	})
	require.Error(t, err)

	tasks, err := f.tasks.FindTasks(context.Background(), classify.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, classify.TaskStatusFailed, tasks[0].Status)

	events := f.gateway.EventsForRoom("room-3")
	require.Len(t, events, 1)
	update, ok := events[0].Payload.(protocol.StatusUpdate)
	require.True(t, ok)
	require.Equal(t, "failed", update.Status)
}

// TestFailedMessageKeepsListening covers the default policy: a failed
// message records the failure but a later done still completes the task.
func TestFailedMessageKeepsListening(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	f.engine.onDispatch = func(channel string) {
		publish(t, f.broker, channel, `{"status":"failed","error":"transient engine error"}`)
		publish(t, f.broker, channel, `{"status":"done","result":{}}`)
	}

	task, err := f.dispatcher.StartSingle(context.Background(), classify.SingleRequest{
		Partnumber: "ABC123",
		RoomID:     "room-4",
	})
	require.NoError(t, err)

	f.dispatcher.Wait()

	final, err := f.tasks.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, classify.TaskStatusDone, final.Status)
}

func TestTerminateOnFailurePolicy(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{TerminateOnFailure: true})

	results, err := f.broker.Subscribe(context.Background(), protocol.ChannelTaskResults)
	require.NoError(t, err)
	defer results.Close()

	f.engine.onDispatch = func(channel string) {
		publish(t, f.broker, channel, `{"status":"failed","error":"engine gave up"}`)
		publish(t, f.broker, channel, `{"status":"done","result":{}}`)
	}

	task, err := f.dispatcher.StartSingle(context.Background(), classify.SingleRequest{
		Partnumber: "ABC123",
		RoomID:     "room-5",
	})
	require.NoError(t, err)

	f.dispatcher.Wait()

	final, err := f.tasks.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, classify.TaskStatusFailed, final.Status)
	require.Equal(t, "engine gave up", final.Message)

	select {
	case <-results.Messages():
		t.Fatal("no envelope should be published after terminal failure")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestListenTimeoutMarksTaskFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{ListenTimeout: 50 * time.Millisecond})

	task, err := f.dispatcher.StartSingle(context.Background(), classify.SingleRequest{
		Partnumber: "ABC123",
		RoomID:     "room-6",
	})
	require.NoError(t, err)

	f.dispatcher.Wait()

	final, err := f.tasks.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, classify.TaskStatusFailed, final.Status)
	require.Contains(t, final.Message, "timed out")
}

func TestIdempotencyKeyReturnsExistingTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{ListenTimeout: time.Second})
	key := "idem-1"

	first, err := f.dispatcher.StartSingle(context.Background(), classify.SingleRequest{
		Partnumber:     "ABC123",
		RoomID:         "room-7",
		IdempotencyKey: &key,
	})
	require.NoError(t, err)

	second, err := f.dispatcher.StartSingle(context.Background(), classify.SingleRequest{
		Partnumber:     "ABC123",
		RoomID:         "room-7",
		IdempotencyKey: &key,
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	publish(t, f.broker, first.ProgressChannel, `{"status":"done","result":{}}`)
	f.dispatcher.Wait()

	// Once the first task is terminal the key no longer dedupes.
	third, err := f.dispatcher.StartSingle(context.Background(), classify.SingleRequest{
		Partnumber:     "ABC123",
		RoomID:         "room-7",
		IdempotencyKey: &key,
	})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, third.ID)

	publish(t, f.broker, third.ProgressChannel, `{"status":"done","result":{}}`)
	f.dispatcher.Wait()
}

func TestUndecodableMessagesAreSkipped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	f.engine.onDispatch = func(channel string) {
		publish(t, f.broker, channel, `not json at all`)
		publish(t, f.broker, channel, `{"status":"levitating"}`)
		publish(t, f.broker, channel, `{"status":"done","result":{"answer":42}}`)
	}

	results, err := f.broker.Subscribe(context.Background(), protocol.ChannelTaskResults)
	require.NoError(t, err)
	defer results.Close()

	task, err := f.dispatcher.StartSingle(context.Background(), classify.SingleRequest{
		Partnumber: "ABC123",
		RoomID:     "room-8",
	})
	require.NoError(t, err)

	f.dispatcher.Wait()

	final, err := f.tasks.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, classify.TaskStatusDone, final.Status)

	select {
	case payload := <-results.Messages():
		env, err := protocol.DecodeSingleResult(payload)
		require.NoError(t, err)
		var result map[string]any
		require.NoError(t, json.Unmarshal(env.Result, &result))
		require.Equal(t, float64(42), result["answer"])
	case <-time.After(time.Second):
		t.Fatal("no result envelope published")
	}
}
