package delivery_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickresolve/docpipe/internal/adapter/delivery"
	"github.com/quickresolve/docpipe/internal/adapter/repo/memory"
	"github.com/quickresolve/docpipe/internal/domain"
	"github.com/quickresolve/docpipe/internal/usecase"
)

type fixture struct {
	store *memory.Store
	svc   *usecase.TaskService
	loop  *delivery.Loop
}

func newFixture(t *testing.T, opts delivery.Options) *fixture {
	t.Helper()
	store := memory.New()
	svc := usecase.NewTaskService(store, nil)
	if opts.CallbackBaseURL == "" {
		opts.CallbackBaseURL = "http://broker:8010"
	}
	return &fixture{store: store, svc: svc, loop: delivery.NewLoop(store, svc, nil, nil, opts)}
}

func (f *fixture) registerWorker(t *testing.T, topic, endpoint string) {
	t.Helper()
	err := f.store.ConsumerRegistry().Upsert(context.Background(), domain.Consumer{
		Topic: topic, EndpointURL: endpoint, Ready: true,
	})
	require.NoError(t, err)
}

func (f *fixture) createTask(t *testing.T, name string, input map[string]any) string {
	t.Helper()
	task, err := f.svc.Create(context.Background(), usecase.CreateTaskInput{Name: name, Input: input})
	require.NoError(t, err)
	return task.ID
}

func TestTick_DeliversPayloadToWorker(t *testing.T) {
	var mu sync.Mutex
	var got delivery.DeliveryPayload
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer worker.Close()

	f := newFixture(t, delivery.Options{})
	f.registerWorker(t, "chunk", worker.URL)
	id := f.createTask(t, "chunk", map[string]any{"s3_key": "parsed/a.json"})

	f.loop.Tick(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, id, got.TaskID)
	assert.Equal(t, "chunk", got.Name)
	assert.Equal(t, "parsed/a.json", got.Input["s3_key"])
	assert.Equal(t, "http://broker:8010/task/"+id, got.StatusCallbackURL)

	// Delivered tasks stay waiting for the worker to claim; the next attempt
	// is pushed into the future so the loop does not redeliver immediately.
	task, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWaiting, task.StatusCode)
	assert.Equal(t, 1, task.Attempts)
	require.NotNil(t, task.ScheduledStartAt)
	assert.True(t, task.ScheduledStartAt.After(time.Now().UTC()))
}

func TestTick_WorkerRejection_FailsTaskQuotingBody(t *testing.T) {
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`unknown step name`))
	}))
	defer worker.Close()

	f := newFixture(t, delivery.Options{})
	f.registerWorker(t, "chunk", worker.URL)
	id := f.createTask(t, "chunk", map[string]any{})

	f.loop.Tick(context.Background())

	task, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, task.StatusCode)
	assert.Contains(t, task.Status, "worker rejected delivery (422)")
	assert.Contains(t, task.Status, "unknown step name")
}

func TestTick_WorkerOverload_LeavesTaskWaitingForRetry(t *testing.T) {
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer worker.Close()

	f := newFixture(t, delivery.Options{})
	f.registerWorker(t, "embed", worker.URL)
	id := f.createTask(t, "embed", map[string]any{"chunk_id": "c1"})

	f.loop.Tick(context.Background())

	task, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWaiting, task.StatusCode)
	assert.Equal(t, 1, task.Attempts)
}

func TestTick_AttemptCeiling_FailsUndeliverable(t *testing.T) {
	var calls atomic.Int32
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer worker.Close()

	f := newFixture(t, delivery.Options{MaxAttempts: 2, BackoffBase: time.Millisecond})
	f.registerWorker(t, "embed", worker.URL)
	id := f.createTask(t, "embed", map[string]any{})

	for i := 0; i < 3; i++ {
		f.loop.Tick(context.Background())
		time.Sleep(20 * time.Millisecond)
	}

	task, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, task.StatusCode)
	assert.Equal(t, "undeliverable", task.Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTick_NoReadyConsumer_AgesTaskToUndeliverable(t *testing.T) {
	f := newFixture(t, delivery.Options{MaxAttempts: 1, BackoffBase: time.Millisecond})
	id := f.createTask(t, "embed", map[string]any{})

	f.loop.Tick(context.Background()) // ages attempts to 1
	time.Sleep(20 * time.Millisecond)
	f.loop.Tick(context.Background()) // ceiling reached

	task, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, task.StatusCode)
	assert.Equal(t, "undeliverable", task.Status)
}

func TestTick_FutureScheduledTaskIsNotDelivered(t *testing.T) {
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("worker should not receive a future task")
	}))
	defer worker.Close()

	f := newFixture(t, delivery.Options{})
	f.registerWorker(t, "chunk", worker.URL)
	future := time.Now().UTC().Add(time.Hour)
	task, err := f.svc.Create(context.Background(), usecase.CreateTaskInput{
		Name: "chunk", Input: map[string]any{}, ScheduledStartAt: &future,
	})
	require.NoError(t, err)

	f.loop.Tick(context.Background())

	got, err := f.store.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Attempts)
}
