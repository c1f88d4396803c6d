package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quickresolve/docpipe/internal/adapter/observability"
	"github.com/quickresolve/docpipe/internal/domain"
	"github.com/quickresolve/docpipe/internal/usecase"
)

// Options tune the delivery loop; zero values get defaults.
type Options struct {
	Concurrency        int
	Interval           time.Duration
	Timeout            time.Duration
	MaxAttempts        int
	BackoffBase        time.Duration
	BackoffCap         int
	ProcessingDeadline time.Duration
	// CallbackBaseURL is the broker's own base URL advertised to workers.
	CallbackBaseURL string
}

func (o *Options) defaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.Interval <= 0 {
		o.Interval = 200 * time.Millisecond
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 6
	}
	if o.ProcessingDeadline <= 0 {
		o.ProcessingDeadline = time.Hour
	}
}

// Loop drives task dispatch. Multiple instances may share the store: claims
// are optimistic on the attempt counter, optionally fronted by a Claimer.
type Loop struct {
	tasks   domain.TaskRepository
	service *usecase.TaskService
	events  domain.EventSink
	claimer Claimer
	client  *http.Client
	opts    Options
}

// NewLoop constructs a delivery loop. claimer and events may be nil.
func NewLoop(tasks domain.TaskRepository, service *usecase.TaskService, events domain.EventSink, claimer Claimer, opts Options) *Loop {
	opts.defaults()
	return &Loop{
		tasks:   tasks,
		service: service,
		events:  events,
		claimer: claimer,
		client:  &http.Client{Timeout: opts.Timeout},
		opts:    opts,
	}
}

// Run ticks until the context is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("delivery loop stopping")
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one dispatch round: deliver routable due tasks concurrently, then
// age tasks with no ready consumer toward the undeliverable ceiling.
func (l *Loop) Tick(ctx context.Context) {
	now := time.Now().UTC()
	candidates, err := l.tasks.Due(ctx, now, l.opts.Concurrency*4)
	if err != nil {
		slog.Error("delivery selection failed", slog.Any("error", err))
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.Concurrency)
	for _, cand := range candidates {
		cand := cand
		g.Go(func() error {
			l.deliverOne(gctx, cand)
			return nil
		})
	}
	_ = g.Wait()

	l.ageUnroutable(ctx, now)
}

// DeliveryPayload is the wire body POSTed to a worker endpoint. The worker
// must respond 2xx to accept responsibility and then report progress and the
// terminal state via PUT on the callback URL.
type DeliveryPayload struct {
	TaskID            string         `json:"task_id"`
	Name              string         `json:"name"`
	Input             map[string]any `json:"input"`
	StatusCallbackURL string         `json:"status_callback_url"`
}

func (l *Loop) deliverOne(ctx context.Context, cand domain.DeliveryCandidate) {
	t := cand.Task
	now := time.Now().UTC()

	if t.Attempts >= l.opts.MaxAttempts {
		l.failTask(ctx, t.ID, "undeliverable")
		observability.DeliveriesTotal.WithLabelValues("undeliverable").Inc()
		slog.Warn("task exceeded delivery ceiling",
			slog.String("task_id", t.ID), slog.String("name", t.Name), slog.Int("attempts", t.Attempts))
		return
	}

	if l.claimer != nil {
		if !l.claimer.TryClaim(ctx, t.ID, l.opts.Timeout+5*time.Second) {
			return
		}
		defer l.claimer.Release(ctx, t.ID)
	}

	// Push the next eligible time before dispatch: a crash mid-delivery
	// degrades into a delayed redelivery, never a lost task.
	next := now.Add(l.backoffDelay(t.Attempts + 1))
	deadline := now.Add(l.opts.ProcessingDeadline)
	claimed, err := l.tasks.BeginDelivery(ctx, t.ID, t.Attempts, next, deadline)
	if err != nil {
		slog.Error("delivery claim failed", slog.String("task_id", t.ID), slog.Any("error", err))
		return
	}
	if !claimed {
		return
	}

	payload := DeliveryPayload{
		TaskID:            t.ID,
		Name:              t.Name,
		Input:             t.Input,
		StatusCallbackURL: fmt.Sprintf("%s/task/%s", strings.TrimRight(l.opts.CallbackBaseURL, "/"), t.ID),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		l.failTask(ctx, t.ID, fmt.Sprintf("delivery payload encode failed: %v", err))
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, cand.Consumer.EndpointURL, bytes.NewReader(body))
	if err != nil {
		l.failTask(ctx, t.ID, fmt.Sprintf("malformed consumer endpoint: %v", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := l.client.Do(req)
	observability.DeliveryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.DeliveriesTotal.WithLabelValues("retryable").Inc()
		slog.Warn("delivery transport error",
			slog.String("task_id", t.ID),
			slog.String("endpoint", cand.Consumer.EndpointURL),
			slog.Int("attempts", t.Attempts+1),
			slog.Any("error", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		observability.DeliveriesTotal.WithLabelValues("delivered").Inc()
		if l.events != nil {
			_ = l.events.PublishTaskEvent(ctx, domain.TaskEvent{
				Type: "delivered", TaskID: t.ID, Name: t.Name,
				StatusCode: t.StatusCode, At: time.Now().UTC(),
			})
		}
		slog.Debug("task delivered",
			slog.String("task_id", t.ID),
			slog.String("endpoint", cand.Consumer.EndpointURL),
			slog.Int("attempts", t.Attempts+1))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		observability.DeliveriesTotal.WithLabelValues("retryable").Inc()
		slog.Warn("worker refused delivery, will retry",
			slog.String("task_id", t.ID),
			slog.Int("status", resp.StatusCode),
			slog.Int("attempts", t.Attempts+1))
	default:
		// Other 4xx: the contract is broken, retrying cannot help.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		observability.DeliveriesTotal.WithLabelValues("rejected").Inc()
		l.failTask(ctx, t.ID, fmt.Sprintf("worker rejected delivery (%d): %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}
}

// ageUnroutable advances the attempt counter of due tasks with no ready
// consumer so they eventually terminate as undeliverable instead of waiting
// forever.
func (l *Loop) ageUnroutable(ctx context.Context, now time.Time) {
	tasks, err := l.tasks.DueUnroutable(ctx, now, 64)
	if err != nil {
		slog.Error("unroutable selection failed", slog.Any("error", err))
		return
	}
	for _, t := range tasks {
		if t.Attempts >= l.opts.MaxAttempts {
			l.failTask(ctx, t.ID, "undeliverable")
			observability.DeliveriesTotal.WithLabelValues("undeliverable").Inc()
			slog.Warn("no ready consumer, task undeliverable",
				slog.String("task_id", t.ID), slog.String("name", t.Name))
			continue
		}
		next := now.Add(l.backoffDelay(t.Attempts + 1))
		deadline := now.Add(l.opts.ProcessingDeadline)
		if _, err := l.tasks.BeginDelivery(ctx, t.ID, t.Attempts, next, deadline); err != nil {
			slog.Error("unroutable aging failed", slog.String("task_id", t.ID), slog.Any("error", err))
			continue
		}
		observability.DeliveriesTotal.WithLabelValues("unroutable").Inc()
		slog.Debug("no ready consumer for task",
			slog.String("task_id", t.ID), slog.String("name", t.Name), slog.Int("attempts", t.Attempts+1))
	}
}

func (l *Loop) failTask(ctx context.Context, id, status string) {
	code := domain.StatusFailed
	if _, err := l.service.Update(ctx, id, domain.TaskPatch{StatusCode: &code, Status: &status}); err != nil {
		slog.Error("failed to mark task failed", slog.String("task_id", id), slog.Any("error", err))
	}
}

// backoffDelay computes base * 2^min(attempts, cap) with ±20% jitter.
func (l *Loop) backoffDelay(attempts int) time.Duration {
	exp := attempts
	if exp > l.opts.BackoffCap {
		exp = l.opts.BackoffCap
	}
	d := l.opts.BackoffBase * time.Duration(1<<exp)
	jitter := 0.8 + 0.4*rand.Float64() //nolint:gosec // Scheduling jitter needs no crypto randomness.
	return time.Duration(float64(d) * jitter)
}
