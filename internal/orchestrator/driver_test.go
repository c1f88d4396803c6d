package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickresolve/docpipe/internal/adapter/brokerclient"
	"github.com/quickresolve/docpipe/internal/domain"
	"github.com/quickresolve/docpipe/internal/orchestrator"
)

// workerFunc scripts a child task: return the output on success or an error
// whose text becomes the failed child's status. Returning errChildRunning
// leaves the child in processing so it never reaches a terminal state.
type workerFunc func(input map[string]any) (map[string]any, error)

var errChildRunning = errors.New("child keeps running")

// fakeBroker implements the driver's broker surface in memory. Created child
// tasks run their scripted worker synchronously, so polls observe terminal
// states immediately.
type fakeBroker struct {
	mu      sync.Mutex
	seq     int
	tasks   map[string]*brokerclient.TaskSnapshot
	workers map[string]workerFunc
	created map[string][]map[string]any // name -> inputs in creation order
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		tasks:   make(map[string]*brokerclient.TaskSnapshot),
		workers: make(map[string]workerFunc),
		created: make(map[string][]map[string]any),
	}
}

func (b *fakeBroker) addRoot(input map[string]any) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := fmt.Sprintf("root-%d", b.seq)
	b.tasks[id] = &brokerclient.TaskSnapshot{ID: id, Name: domain.TaskIndexDocument, Input: input}
	return id
}

func (b *fakeBroker) CreateTask(_ context.Context, req brokerclient.CreateTaskRequest, _ string) (brokerclient.TaskSnapshot, error) {
	b.mu.Lock()
	b.seq++
	id := fmt.Sprintf("%s-%d", req.Name, b.seq)
	snap := &brokerclient.TaskSnapshot{ID: id, Name: req.Name, Input: req.Input}
	b.tasks[id] = snap
	b.created[req.Name] = append(b.created[req.Name], req.Input)
	worker := b.workers[req.Name]
	b.mu.Unlock()

	if worker == nil {
		return *snap, fmt.Errorf("no consumer for %s", req.Name)
	}
	out, err := worker(req.Input)
	b.mu.Lock()
	defer b.mu.Unlock()
	if errors.Is(err, errChildRunning) {
		snap.StatusCode = int(domain.StatusProcessing)
		snap.Status = "processing"
	} else if err != nil {
		snap.StatusCode = int(domain.StatusFailed)
		snap.Status = err.Error()
	} else {
		snap.StatusCode = int(domain.StatusCompleted)
		snap.Status = "completed"
		snap.Progress = 100
		snap.Output = out
	}
	return *snap, nil
}

func (b *fakeBroker) TaskStatus(_ context.Context, id string) (brokerclient.TaskStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[id]
	if !ok {
		return brokerclient.TaskStatus{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return brokerclient.TaskStatus{StatusCode: t.StatusCode, Status: t.Status, Progress: t.Progress, Output: t.Output}, nil
}

func (b *fakeBroker) UpdateTask(_ context.Context, id string, u brokerclient.TaskUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if u.StatusCode != nil {
		if t.StatusCode == int(domain.StatusCompleted) || t.StatusCode == int(domain.StatusFailed) {
			return fmt.Errorf("%w: task %s is terminal", domain.ErrInvalidTransition, id)
		}
		t.StatusCode = *u.StatusCode
	}
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.Progress != nil {
		t.Progress = *u.Progress
	}
	if u.Output != nil {
		t.Output = u.Output
	}
	return nil
}

func (b *fakeBroker) snapshot(id string) brokerclient.TaskSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *b.tasks[id]
}

func (b *fakeBroker) inputs(name string) []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]map[string]any(nil), b.created[name]...)
}

func (b *fakeBroker) statuses(name string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, t := range b.tasks {
		if t.Name == name {
			out = append(out, t.Status)
		}
	}
	return out
}

func retries(n int) *int { return &n }

func fastOptions() orchestrator.Options {
	return orchestrator.Options{
		StepTimeout:     5 * time.Second,
		RetryMax:        retries(3),
		FanoutLimit:     8,
		PollInterval:    time.Millisecond,
		PollMaxInterval: 5 * time.Millisecond,
	}
}

func pipelineInput(steps ...string) map[string]any {
	list := make([]any, 0, len(steps))
	for _, s := range steps {
		list = append(list, map[string]any{"name": s})
	}
	return map[string]any{
		"s3_key":            "raw/doc.pdf",
		"file_id":           "f1",
		"workspace_id":      float64(1),
		"original_filename": "doc.pdf",
		"steps":             list,
	}
}

func stubWorkers(b *fakeBroker, chunkIDs ...string) {
	b.workers[domain.StepParseDocument] = func(map[string]any) (map[string]any, error) {
		return map[string]any{"parsed_s3_key": "parsed/doc.json", "document_parser_version": "v2"}, nil
	}
	b.workers[domain.StepRedact] = func(map[string]any) (map[string]any, error) {
		return map[string]any{"redacted_s3_key": "redacted/doc.json"}, nil
	}
	b.workers[domain.StepChunk] = func(map[string]any) (map[string]any, error) {
		chunks := make([]any, 0, len(chunkIDs))
		for _, id := range chunkIDs {
			chunks = append(chunks, map[string]any{"chunk_id": id})
		}
		return map[string]any{"chunks": chunks}, nil
	}
	ok := func(map[string]any) (map[string]any, error) { return map[string]any{}, nil }
	b.workers[domain.StepEmbed] = ok
	b.workers[domain.StepIndex] = ok
}

func TestRun_FullPipeline_SingleChunk(t *testing.T) {
	b := newFakeBroker()
	stubWorkers(b, "c1")
	input := pipelineInput("parse-document", "redact", "chunk", "embed", "index")
	rootID := b.addRoot(input)

	orchestrator.NewDriver(b, fastOptions()).Run(context.Background(), rootID, input)

	root := b.snapshot(rootID)
	require.Equal(t, int(domain.StatusCompleted), root.StatusCode)
	assert.Equal(t, map[string]any{"indexed_chunks": 1}, root.Output)

	// Exactly one child per fan-in step, one per chunk for fan-out steps.
	for _, name := range []string{domain.StepParseDocument, domain.StepRedact, domain.StepChunk, domain.StepEmbed, domain.StepIndex} {
		assert.Len(t, b.inputs(name), 1, name)
	}

	// The artifact key threads forward: redact sees the parsed key, chunk the
	// redacted one.
	assert.Equal(t, "parsed/doc.json", b.inputs(domain.StepRedact)[0]["s3_key"])
	assert.Equal(t, "redacted/doc.json", b.inputs(domain.StepChunk)[0]["s3_key"])
	assert.Equal(t, "v2", b.inputs(domain.StepChunk)[0]["document_parser_version"])

	// Fan-out children consume only chunk_id and workspace_id.
	embedIn := b.inputs(domain.StepEmbed)[0]
	assert.Equal(t, "c1", embedIn["chunk_id"])
	assert.Equal(t, int64(1), embedIn["workspace_id"])
	assert.NotContains(t, embedIn, "s3_key")
}

func TestRun_SkippingParse_UsesOriginalKey(t *testing.T) {
	b := newFakeBroker()
	stubWorkers(b, "c1")
	input := pipelineInput("redact", "chunk", "embed", "index")
	rootID := b.addRoot(input)

	orchestrator.NewDriver(b, fastOptions()).Run(context.Background(), rootID, input)

	require.Equal(t, int(domain.StatusCompleted), b.snapshot(rootID).StatusCode)
	assert.Equal(t, "raw/doc.pdf", b.inputs(domain.StepRedact)[0]["s3_key"])
	assert.Empty(t, b.inputs(domain.StepParseDocument))
}

func TestRun_TransientChildFailure_RetriesWithFreshChild(t *testing.T) {
	b := newFakeBroker()
	stubWorkers(b, "c1", "c2")
	var mu sync.Mutex
	failedOnce := false
	b.workers[domain.StepEmbed] = func(in map[string]any) (map[string]any, error) {
		mu.Lock()
		defer mu.Unlock()
		if in["chunk_id"] == "c2" && !failedOnce {
			failedOnce = true
			return nil, fmt.Errorf("worker-timeout")
		}
		return map[string]any{}, nil
	}
	input := pipelineInput("chunk", "embed", "index")
	rootID := b.addRoot(input)

	orchestrator.NewDriver(b, fastOptions()).Run(context.Background(), rootID, input)

	root := b.snapshot(rootID)
	require.Equal(t, int(domain.StatusCompleted), root.StatusCode)
	assert.Equal(t, map[string]any{"indexed_chunks": 2}, root.Output)
	assert.Len(t, b.inputs(domain.StepEmbed), 3, "two chunks plus one retry")
}

func TestRun_ExhaustedRetries_FailsRootNamingStep(t *testing.T) {
	b := newFakeBroker()
	stubWorkers(b, "c1", "c2")
	b.workers[domain.StepEmbed] = func(in map[string]any) (map[string]any, error) {
		if in["chunk_id"] == "c2" {
			return nil, fmt.Errorf("worker-timeout")
		}
		return map[string]any{}, nil
	}
	input := pipelineInput("chunk", "embed", "index")
	rootID := b.addRoot(input)

	opts := fastOptions()
	opts.RetryMax = retries(2)
	orchestrator.NewDriver(b, opts).Run(context.Background(), rootID, input)

	root := b.snapshot(rootID)
	require.Equal(t, int(domain.StatusFailed), root.StatusCode)
	assert.True(t, strings.HasPrefix(root.Status, "step=embed failed after 2 retries:"), root.Status)
	assert.Contains(t, root.Status, "worker-timeout")
	assert.Empty(t, b.inputs(domain.StepIndex), "no index children after embed fails")
}

func TestRun_ZeroChunks_CompletesWithoutFanOut(t *testing.T) {
	b := newFakeBroker()
	stubWorkers(b)
	input := pipelineInput("chunk", "embed", "index")
	rootID := b.addRoot(input)

	orchestrator.NewDriver(b, fastOptions()).Run(context.Background(), rootID, input)

	root := b.snapshot(rootID)
	require.Equal(t, int(domain.StatusCompleted), root.StatusCode)
	assert.Equal(t, map[string]any{"indexed_chunks": 0}, root.Output)
	assert.Empty(t, b.inputs(domain.StepEmbed))
	assert.Empty(t, b.inputs(domain.StepIndex))
}

func TestRun_InvalidPipeline_FailsRoot(t *testing.T) {
	b := newFakeBroker()
	input := map[string]any{"file_id": "f1"} // no s3_key, no steps
	rootID := b.addRoot(input)

	orchestrator.NewDriver(b, fastOptions()).Run(context.Background(), rootID, input)

	root := b.snapshot(rootID)
	require.Equal(t, int(domain.StatusFailed), root.StatusCode)
	assert.Contains(t, root.Status, "invalid pipeline definition")
}

func TestRun_FanOutSiblingFailure_CancelsOutstandingChildren(t *testing.T) {
	b := newFakeBroker()
	stubWorkers(b, "c1", "c2")
	// c1's child never terminates; c2's fails immediately, cancelling the group.
	b.workers[domain.StepEmbed] = func(in map[string]any) (map[string]any, error) {
		if in["chunk_id"] == "c1" {
			return nil, errChildRunning
		}
		return nil, fmt.Errorf("worker-boom")
	}
	input := pipelineInput("chunk", "embed", "index")
	rootID := b.addRoot(input)

	opts := fastOptions()
	opts.RetryMax = retries(0)
	orchestrator.NewDriver(b, opts).Run(context.Background(), rootID, input)

	root := b.snapshot(rootID)
	require.Equal(t, int(domain.StatusFailed), root.StatusCode)
	assert.True(t, strings.HasPrefix(root.Status, "step=embed failed after 0 retries:"), root.Status)
	assert.Contains(t, b.statuses(domain.StepEmbed), "cancelled-by-orchestrator",
		"the still-running sibling must receive a cancel update")
}

func TestRun_RetryCapZero_MeansSingleAttempt(t *testing.T) {
	b := newFakeBroker()
	stubWorkers(b, "c1")
	b.workers[domain.StepEmbed] = func(map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("worker-timeout")
	}
	input := pipelineInput("chunk", "embed")
	rootID := b.addRoot(input)

	opts := fastOptions()
	opts.RetryMax = retries(0)
	orchestrator.NewDriver(b, opts).Run(context.Background(), rootID, input)

	root := b.snapshot(rootID)
	require.Equal(t, int(domain.StatusFailed), root.StatusCode)
	assert.True(t, strings.HasPrefix(root.Status, "step=embed failed after 0 retries:"), root.Status)
	assert.Len(t, b.inputs(domain.StepEmbed), 1, "a zero retry cap allows exactly one attempt")
}

func TestRun_ProcessingRoot_DuplicateDeliveryNoOps(t *testing.T) {
	b := newFakeBroker()
	stubWorkers(b, "c1")
	input := pipelineInput("chunk")
	rootID := b.addRoot(input)
	b.tasks[rootID].StatusCode = int(domain.StatusProcessing)
	b.tasks[rootID].Status = "processing"

	orchestrator.NewDriver(b, fastOptions()).Run(context.Background(), rootID, input)

	assert.Empty(t, b.inputs(domain.StepChunk), "a redelivered in-flight root must not start a second run")
	assert.Equal(t, int(domain.StatusProcessing), b.snapshot(rootID).StatusCode)
}

func TestRun_TerminalRoot_IsNotRerun(t *testing.T) {
	b := newFakeBroker()
	stubWorkers(b, "c1")
	input := pipelineInput("chunk")
	rootID := b.addRoot(input)
	b.tasks[rootID].StatusCode = int(domain.StatusCompleted)

	orchestrator.NewDriver(b, fastOptions()).Run(context.Background(), rootID, input)

	assert.Empty(t, b.inputs(domain.StepChunk), "a terminal root must not schedule children")
}

func TestRun_FanoutCapOne_StillProcessesAllChunks(t *testing.T) {
	b := newFakeBroker()
	stubWorkers(b, "c1", "c2", "c3")
	input := pipelineInput("chunk", "embed")
	rootID := b.addRoot(input)

	opts := fastOptions()
	opts.FanoutLimit = 1
	orchestrator.NewDriver(b, opts).Run(context.Background(), rootID, input)

	require.Equal(t, int(domain.StatusCompleted), b.snapshot(rootID).StatusCode)
	assert.Len(t, b.inputs(domain.StepEmbed), 3)
}
