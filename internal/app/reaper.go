package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quickresolve/docpipe/internal/adapter/observability"
	"github.com/quickresolve/docpipe/internal/domain"
)

// ProcessingReaper fails processing tasks whose worker went silent past the
// processing deadline recorded at delivery. The orchestrator observes the
// resulting worker-timeout status like any other worker failure.
type ProcessingReaper struct {
	tasks    domain.TaskRepository
	interval time.Duration
}

// NewProcessingReaper constructs a reaper; zero interval defaults to a minute.
func NewProcessingReaper(tasks domain.TaskRepository, interval time.Duration) *ProcessingReaper {
	if tasks == nil {
		return nil
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &ProcessingReaper{tasks: tasks, interval: interval}
}

// Run sweeps until the context is cancelled.
func (s *ProcessingReaper) Run(ctx context.Context) {
	if s == nil || s.tasks == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("processing reaper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *ProcessingReaper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("tasks.reaper")
	ctx, span := tracer.Start(ctx, "ProcessingReaper.sweepOnce")
	defer span.End()

	ids, err := s.tasks.ReapExpired(ctx, time.Now().UTC())
	if err != nil {
		span.RecordError(err)
		slog.Error("reap sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("tasks.reaped", len(ids)))
	if len(ids) > 0 {
		observability.TasksReapedTotal.Add(float64(len(ids)))
		slog.Warn("reaped silent processing tasks", slog.Int("count", len(ids)), slog.Any("task_ids", ids))
	}
}
