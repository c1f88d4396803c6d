package brokerclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickresolve/docpipe/internal/adapter/brokerclient"
	"github.com/quickresolve/docpipe/internal/domain"
)

func TestCreateTask_SendsIdempotencyKeyAndDecodesSnapshot(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/task", r.URL.Path)
		gotKey = r.Header.Get("Idempotency-Key")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "t1", "name": "chunk", "status_code": 0})
	}))
	defer srv.Close()

	c := brokerclient.New(srv.URL, brokerclient.WithMaxElapsed(time.Second))
	snap, err := c.CreateTask(context.Background(), brokerclient.CreateTaskRequest{
		Name: "chunk", Input: map[string]any{"k": "v"},
	}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "t1", snap.ID)
	assert.Equal(t, "key-1", gotKey)
}

func TestDo_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status_code": 2, "status": "completed", "progress": 100})
	}))
	defer srv.Close()

	c := brokerclient.New(srv.URL, brokerclient.WithMaxElapsed(5*time.Second))
	st, err := c.TaskStatus(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.StatusCode)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestDo_MapsConflictEnvelopesToSentinels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{
			"code": "TERMINAL_MISMATCH", "message": "conflicting result",
		}})
	}))
	defer srv.Close()

	c := brokerclient.New(srv.URL, brokerclient.WithMaxElapsed(time.Second))
	code := 2
	err := c.UpdateTask(context.Background(), "t1", brokerclient.TaskUpdate{StatusCode: &code})
	require.ErrorIs(t, err, domain.ErrTerminalMismatch)
}

func TestDo_MapsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{
			"code": "NOT_FOUND", "message": "no such task",
		}})
	}))
	defer srv.Close()

	c := brokerclient.New(srv.URL, brokerclient.WithMaxElapsed(time.Second))
	_, err := c.GetTask(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDo_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{
			"code": "INVALID_ARGUMENT", "message": "bad input",
		}})
	}))
	defer srv.Close()

	c := brokerclient.New(srv.URL, brokerclient.WithMaxElapsed(2*time.Second))
	_, err := c.CreateTask(context.Background(), brokerclient.CreateTaskRequest{Name: "x", Input: map[string]any{}}, "")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Equal(t, int32(1), calls.Load())
}

func TestUpsertAndRemoveConsumer(t *testing.T) {
	var methods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method+" "+r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	c := brokerclient.New(srv.URL, brokerclient.WithMaxElapsed(time.Second))
	err := c.UpsertConsumer(context.Background(), brokerclient.ConsumerRegistration{
		Topic: "index-document", EndpointURL: "http://orc:8011/", Ready: true,
	})
	require.NoError(t, err)
	require.NoError(t, c.RemoveConsumer(context.Background(), "index-document", "http://orc:8011/"))
	assert.Equal(t, []string{"PUT /consumer", "DELETE /consumer"}, methods)
}
