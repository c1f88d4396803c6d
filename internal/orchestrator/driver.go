package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/quickresolve/docpipe/internal/adapter/brokerclient"
	"github.com/quickresolve/docpipe/internal/adapter/observability"
	"github.com/quickresolve/docpipe/internal/domain"
)

// BrokerAPI is the slice of the broker client the driver needs.
type BrokerAPI interface {
	CreateTask(ctx context.Context, req brokerclient.CreateTaskRequest, idemKey string) (brokerclient.TaskSnapshot, error)
	TaskStatus(ctx context.Context, id string) (brokerclient.TaskStatus, error)
	UpdateTask(ctx context.Context, id string, u brokerclient.TaskUpdate) error
}

// Options tune a Driver; zero values get defaults. RetryMax is a pointer so
// an explicit cap of zero (no retries) stays distinct from "unset".
type Options struct {
	StepTimeout     time.Duration
	RetryMax        *int
	FanoutLimit     int
	PollInterval    time.Duration
	PollMaxInterval time.Duration
}

const defaultRetryMax = 3

func (o *Options) retryMax() int {
	if o.RetryMax == nil {
		return defaultRetryMax
	}
	if *o.RetryMax < 0 {
		return 0
	}
	return *o.RetryMax
}

func (o *Options) defaults() {
	if o.StepTimeout <= 0 {
		o.StepTimeout = 30 * time.Minute
	}
	if o.FanoutLimit <= 0 {
		o.FanoutLimit = 8
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.PollMaxInterval <= 0 {
		o.PollMaxInterval = 5 * time.Second
	}
}

// errRootCancelled signals that the root task was terminated externally while
// the driver was awaiting children.
var errRootCancelled = errors.New("root task cancelled")

// stepError carries the failed step and last child status for the root
// failure message.
type stepError struct {
	step    string
	retries int
	last    string
}

func (e *stepError) Error() string {
	return fmt.Sprintf("step=%s failed after %d retries: %s", e.step, e.retries, e.last)
}

// Driver executes one pipeline per Run call. A Driver is safe for concurrent
// Run calls; each root task is independent.
type Driver struct {
	broker   BrokerAPI
	opts     Options
	retryMax int
}

// NewDriver constructs a Driver over a broker client.
func NewDriver(broker BrokerAPI, opts Options) *Driver {
	retryMax := opts.retryMax()
	opts.defaults()
	return &Driver{broker: broker, opts: opts, retryMax: retryMax}
}

// Run executes the pipeline described by the root task's input and concludes
// the root task. It never returns an error to the HTTP layer: every failure
// path lands in the root task's terminal state.
func (d *Driver) Run(ctx context.Context, rootID string, input map[string]any) {
	tracer := otel.Tracer("orchestrator")
	ctx, span := tracer.Start(ctx, "Driver.Run")
	span.SetAttributes(attribute.String("task.id", rootID))
	defer span.End()

	log := slog.With(slog.String("root_task_id", rootID))

	def, err := domain.ParsePipeline(input)
	if err != nil {
		d.failRoot(ctx, rootID, fmt.Sprintf("invalid pipeline definition: %v", err))
		observability.PipelineRunsTotal.WithLabelValues("invalid").Inc()
		log.Warn("rejecting malformed pipeline", slog.Any("error", err))
		return
	}

	if err := d.markProcessing(ctx, rootID); err != nil {
		// A root that is not waiting means a duplicate delivery, a run
		// already in flight, or an external cancel; either way this driver
		// has nothing left to do.
		observability.PipelineRunsTotal.WithLabelValues("stale").Inc()
		log.Warn("root task not claimable", slog.Any("error", err))
		return
	}
	log.Info("pipeline started",
		slog.String("file_id", def.FileID),
		slog.Int("steps", len(def.Steps)))

	carry := mergeCarry(input, nil)
	var chunks []domain.Chunk

	for i, s := range def.Steps {
		stepStart := time.Now()
		err := d.runStep(ctx, rootID, s, &carry, &chunks, def.WorkspaceID)
		observability.PipelineStepDuration.WithLabelValues(s.Name).Observe(time.Since(stepStart).Seconds())
		if err != nil {
			if errors.Is(err, errRootCancelled) {
				observability.PipelineRunsTotal.WithLabelValues("cancelled").Inc()
				log.Info("pipeline stopped, root cancelled externally", slog.String("step", s.Name))
				return
			}
			observability.PipelineStepsTotal.WithLabelValues(s.Name, "failed").Inc()
			observability.PipelineRunsTotal.WithLabelValues("failed").Inc()
			span.RecordError(err)
			d.failRoot(ctx, rootID, err.Error())
			log.Error("pipeline failed", slog.String("step", s.Name), slog.Any("error", err))
			return
		}
		observability.PipelineStepsTotal.WithLabelValues(s.Name, "completed").Inc()

		progress := (i + 1) * 100 / len(def.Steps)
		if progress > 99 {
			progress = 99
		}
		if err := d.broker.UpdateTask(ctx, rootID, brokerclient.TaskUpdate{Progress: &progress}); err != nil {
			log.Warn("root progress update failed", slog.Any("error", err))
		}
	}

	code := int(domain.StatusCompleted)
	output := map[string]any{"indexed_chunks": len(chunks)}
	if err := d.broker.UpdateTask(ctx, rootID, brokerclient.TaskUpdate{StatusCode: &code, Output: output}); err != nil {
		observability.PipelineRunsTotal.WithLabelValues("failed").Inc()
		log.Error("root completion update failed", slog.Any("error", err))
		return
	}
	observability.PipelineRunsTotal.WithLabelValues("completed").Inc()
	log.Info("pipeline completed", slog.Int("indexed_chunks", len(chunks)))
}

func (d *Driver) runStep(ctx context.Context, rootID string, s domain.PipelineStep, carry *map[string]any, chunks *[]domain.Chunk, workspaceID int64) error {
	stepCtx, cancel := context.WithTimeout(ctx, d.stepTimeout(s))
	defer cancel()

	if domain.FanOutStep(s.Name) {
		return d.runFanOut(stepCtx, rootID, s, *chunks, workspaceID)
	}

	out, err := d.runChild(stepCtx, rootID, s.Name, fanInInput(*carry, s))
	if err != nil {
		return err
	}
	*carry = mergeCarry(*carry, out)
	if s.Name == domain.StepChunk {
		*chunks = domain.ChunksFrom(out)
	}
	return nil
}

// stepTimeout honors an options.timeout_seconds override.
func (d *Driver) stepTimeout(s domain.PipelineStep) time.Duration {
	if v, ok := s.Options["timeout_seconds"].(float64); ok && v > 0 {
		return time.Duration(v * float64(time.Second))
	}
	return d.opts.StepTimeout
}

// runFanOut runs one child per chunk under the concurrency cap. On the first
// sibling failure it stops scheduling and best-effort cancels the rest.
func (d *Driver) runFanOut(ctx context.Context, rootID string, s domain.PipelineStep, chunks []domain.Chunk, workspaceID int64) error {
	if len(chunks) == 0 {
		return nil
	}

	var mu sync.Mutex
	inflight := make(map[string]struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.FanoutLimit)
	for _, c := range chunks {
		c := c
		g.Go(func() error {
			_, err := d.runChildTracked(gctx, rootID, s.Name, fanOutInput(c.ChunkID, workspaceID), &mu, inflight)
			return err
		})
	}
	err := g.Wait()
	if err == nil {
		return nil
	}

	d.cancelInflight(rootID, s.Name, &mu, inflight)
	return err
}

// cancelInflight marks still-running siblings failed with a cancel status.
// Workers may ignore it; their late results then hit the terminal guard and
// are discarded.
func (d *Driver) cancelInflight(rootID, step string, mu *sync.Mutex, inflight map[string]struct{}) {
	mu.Lock()
	ids := make([]string, 0, len(inflight))
	for id := range inflight {
		ids = append(ids, id)
	}
	mu.Unlock()
	if len(ids) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	code := int(domain.StatusFailed)
	status := "cancelled-by-orchestrator"
	for _, id := range ids {
		if err := d.broker.UpdateTask(ctx, id, brokerclient.TaskUpdate{StatusCode: &code, Status: &status}); err != nil {
			slog.Debug("sibling cancel skipped",
				slog.String("root_task_id", rootID),
				slog.String("step", step),
				slog.String("child_task_id", id),
				slog.Any("error", err))
		}
	}
}

// runChild creates a child task and awaits it, retrying with fresh children
// up to the retry cap.
func (d *Driver) runChild(ctx context.Context, rootID, name string, input map[string]any) (map[string]any, error) {
	return d.runChildTracked(ctx, rootID, name, input, nil, nil)
}

func (d *Driver) runChildTracked(ctx context.Context, rootID, name string, input map[string]any, mu *sync.Mutex, inflight map[string]struct{}) (map[string]any, error) {
	lastErr := "unknown"
	for attempt := 0; attempt <= d.retryMax; attempt++ {
		if attempt > 0 {
			// Exponential pause between fresh children of a failed attempt.
			delay := d.opts.PollInterval * time.Duration(1<<uint(attempt-1))
			if delay > d.opts.PollMaxInterval {
				delay = d.opts.PollMaxInterval
			}
			select {
			case <-ctx.Done():
				return nil, &stepError{step: name, retries: attempt - 1, last: lastErr}
			case <-time.After(delay):
			}
		}

		snap, err := d.broker.CreateTask(ctx, brokerclient.CreateTaskRequest{
			Name:     name,
			Input:    input,
			ParentID: &rootID,
		}, "")
		if err != nil {
			lastErr = err.Error()
			continue
		}
		if mu != nil {
			mu.Lock()
			inflight[snap.ID] = struct{}{}
			mu.Unlock()
		}

		st, err := d.awaitTerminal(ctx, rootID, snap.ID)
		if err == nil && mu != nil {
			// Only a terminal child leaves the inflight set. An aborted await
			// (sibling failure cancelling the group, root cancel, poll error)
			// means the child is still outstanding and cancelInflight must
			// reach it.
			mu.Lock()
			delete(inflight, snap.ID)
			mu.Unlock()
		}
		if err != nil {
			if errors.Is(err, errRootCancelled) {
				return nil, err
			}
			lastErr = err.Error()
			continue
		}
		if st.StatusCode == int(domain.StatusCompleted) {
			return st.Output, nil
		}
		lastErr = st.Status
		if lastErr == "" {
			lastErr = "failed"
		}
		slog.Warn("child task failed",
			slog.String("root_task_id", rootID),
			slog.String("child_task_id", snap.ID),
			slog.String("name", name),
			slog.Int("attempt", attempt+1),
			slog.String("status", lastErr))
	}
	return nil, &stepError{step: name, retries: d.retryMax, last: lastErr}
}

// awaitTerminal polls the child until terminal, starting at the poll interval
// and backing off with jitter toward the max. Every poll also checks the root
// task so an external cancel stops the run promptly.
func (d *Driver) awaitTerminal(ctx context.Context, rootID, childID string) (brokerclient.TaskStatus, error) {
	var final brokerclient.TaskStatus

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.opts.PollInterval
	bo.MaxInterval = d.opts.PollMaxInterval
	bo.MaxElapsedTime = 0 // step timeout arrives via ctx

	err := backoff.Retry(func() error {
		root, err := d.broker.TaskStatus(ctx, rootID)
		if err == nil && root.StatusCode == int(domain.StatusFailed) {
			return backoff.Permanent(errRootCancelled)
		}

		st, err := d.broker.TaskStatus(ctx, childID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if st.StatusCode != int(domain.StatusCompleted) && st.StatusCode != int(domain.StatusFailed) {
			return fmt.Errorf("task %s still %s", childID, st.Status)
		}
		final = st
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		if errors.Is(err, errRootCancelled) {
			return brokerclient.TaskStatus{}, errRootCancelled
		}
		if ctx.Err() != nil {
			return brokerclient.TaskStatus{}, fmt.Errorf("step timeout: %w", ctx.Err())
		}
		return brokerclient.TaskStatus{}, err
	}
	return final, nil
}

// markProcessing claims the root task for this run. Only a waiting root is
// claimable: a root already processing means another driver holds it (a
// duplicate delivery), and a terminal root means the run is over.
func (d *Driver) markProcessing(ctx context.Context, rootID string) error {
	st, err := d.broker.TaskStatus(ctx, rootID)
	if err != nil {
		return err
	}
	if st.StatusCode != int(domain.StatusWaiting) {
		return fmt.Errorf("root task is %s, not waiting", domain.StatusCode(st.StatusCode))
	}
	code := int(domain.StatusProcessing)
	status := "processing"
	return d.broker.UpdateTask(ctx, rootID, brokerclient.TaskUpdate{StatusCode: &code, Status: &status})
}

func (d *Driver) failRoot(ctx context.Context, rootID, msg string) {
	code := int(domain.StatusFailed)
	if err := d.broker.UpdateTask(ctx, rootID, brokerclient.TaskUpdate{StatusCode: &code, Status: &msg}); err != nil {
		slog.Error("root failure update failed",
			slog.String("root_task_id", rootID), slog.Any("error", err))
	}
}
