package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexa-labs/classifyd/internal/classify"
)

// TestStartSingleSendsChannelAndFields verifies the request body carries the
// progress channel plus the optional classification fields.
func TestStartSingleSendsChannelAndFields(t *testing.T) {
	t.Parallel()

	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/process/single_partnumber", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"job_id":"job-1"}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	desc := "rf transceiver"
	jobID, err := client.StartSingle(context.Background(), classify.SingleRequest{
		Partnumber:  "ABC123",
		Description: &desc,
		RoomID:      "room-1",
	}, "progress-chan-1")

	require.NoError(t, err)
	require.Equal(t, "job-1", jobID)
	require.Equal(t, "progress-chan-1", captured["progress_channel"])
	require.Equal(t, "ABC123", captured["partnumber"])
	require.Equal(t, "rf transceiver", captured["description"])
	_, hasSupplier := captured["supplier"]
	require.False(t, hasSupplier, "unset optional fields must be omitted")
}

func TestStartBatchSendsPartnumbers(t *testing.T) {
	t.Parallel()

	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/process/batch_partnumbers", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(`{"job_id":"job-9"}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	jobID, err := client.StartBatch(context.Background(), classify.BatchRequest{
		Partnumbers: []string{"P1", "P2"},
		RoomID:      "room-2",
	}, "progress-chan-2")

	require.NoError(t, err)
	require.Equal(t, "job-9", jobID)
	require.Equal(t, []any{"P1", "P2"}, captured["partnumbers"])
}

// TestStartSingleServerError surfaces non-2xx as a DispatchError with the
// final status code, after retries are exhausted.
func TestStartSingleServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	_, err := client.StartSingle(context.Background(), classify.SingleRequest{Partnumber: "ABC123"}, "ch")

	var dispatchErr *DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	require.Equal(t, http.StatusInternalServerError, dispatchErr.StatusCode)
}

// TestStartSingleNetworkError surfaces connection failures as DispatchError.
func TestStartSingleNetworkError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	client := New(Config{BaseURL: srv.URL, Timeout: time.Second})
	_, err := client.StartSingle(context.Background(), classify.SingleRequest{Partnumber: "ABC123"}, "ch")

	var dispatchErr *DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	require.Zero(t, dispatchErr.StatusCode)
}

// TestStartSingleNonJSONContentType accepts a JSON body served with the
// wrong Content-Type; the engine does not always set the header.
func TestStartSingleNonJSONContentType(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(`{"job_id":"job-7"}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	jobID, err := client.StartSingle(context.Background(), classify.SingleRequest{Partnumber: "ABC123"}, "ch")

	require.NoError(t, err)
	require.Equal(t, "job-7", jobID)
}

// TestStartSingleMissingJobID treats a 2xx without job_id as a dispatch
// failure, since the task cannot be correlated to a remote job.
func TestStartSingleMissingJobID(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	_, err := client.StartSingle(context.Background(), classify.SingleRequest{Partnumber: "ABC123"}, "ch")

	var dispatchErr *DispatchError
	require.ErrorAs(t, err, &dispatchErr)
}
