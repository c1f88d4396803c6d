package orchestrator_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickresolve/docpipe/internal/domain"
	"github.com/quickresolve/docpipe/internal/orchestrator"
)

func postDelivery(t *testing.T, ts *httptest.Server, body map[string]any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHandleDelivery_AcceptsAndRunsPipeline(t *testing.T) {
	b := newFakeBroker()
	stubWorkers(b, "c1")
	input := pipelineInput("chunk", "embed", "index")
	rootID := b.addRoot(input)

	driver := orchestrator.NewDriver(b, fastOptions())
	ts := httptest.NewServer(orchestrator.NewServer(driver).Router())
	defer ts.Close()

	resp := postDelivery(t, ts, map[string]any{
		"task_id":             rootID,
		"name":                domain.TaskIndexDocument,
		"input":               input,
		"status_callback_url": "http://broker:8010/task/" + rootID,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		return b.snapshot(rootID).StatusCode == int(domain.StatusCompleted)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHandleDelivery_RejectsWrongTopic(t *testing.T) {
	driver := orchestrator.NewDriver(newFakeBroker(), fastOptions())
	ts := httptest.NewServer(orchestrator.NewServer(driver).Router())
	defer ts.Close()

	resp := postDelivery(t, ts, map[string]any{"task_id": "t1", "name": "chunk", "input": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postDelivery(t, ts, map[string]any{"name": domain.TaskIndexDocument})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleDelivery_MalformedBody(t *testing.T) {
	driver := orchestrator.NewDriver(newFakeBroker(), fastOptions())
	ts := httptest.NewServer(orchestrator.NewServer(driver).Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/", "application/json", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	driver := orchestrator.NewDriver(newFakeBroker(), fastOptions())
	ts := httptest.NewServer(orchestrator.NewServer(driver).Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
