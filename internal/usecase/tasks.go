// Package usecase contains application business logic services.
package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/quickresolve/docpipe/internal/adapter/observability"
	"github.com/quickresolve/docpipe/internal/domain"
)

// TaskService owns task creation, mutation, and reads on top of the store.
type TaskService struct {
	Tasks  domain.TaskRepository
	Events domain.EventSink
}

// NewTaskService constructs a TaskService with its dependencies.
func NewTaskService(tasks domain.TaskRepository, events domain.EventSink) *TaskService {
	return &TaskService{Tasks: tasks, Events: events}
}

// CreateTaskInput is the validated payload for Create.
type CreateTaskInput struct {
	Name             string
	Input            map[string]any
	ParentID         *string
	ScheduledStartAt *time.Time
	WorkspaceID      int64
	IdemKey          string
}

// Create validates the payload, persists a waiting task, and emits the
// created event. With an idempotency key, a repeated call returns the
// previously created task unchanged.
func (s *TaskService) Create(ctx domain.Context, in CreateTaskInput) (domain.Task, error) {
	if in.Name == "" {
		return domain.Task{}, fmt.Errorf("%w: name required", domain.ErrInvalidArgument)
	}
	if in.Input == nil {
		return domain.Task{}, fmt.Errorf("%w: input must be a JSON object", domain.ErrInvalidArgument)
	}
	if in.IdemKey != "" {
		if t, err := s.Tasks.FindByIdempotencyKey(ctx, in.IdemKey); err == nil && t.ID != "" {
			return t, nil
		}
	}
	t := domain.Task{
		Name:             in.Name,
		ParentID:         in.ParentID,
		Input:            in.Input,
		StatusCode:       domain.StatusWaiting,
		Status:           "waiting",
		WorkspaceID:      in.WorkspaceID,
		CreatedAt:        time.Now().UTC(),
		ScheduledStartAt: in.ScheduledStartAt,
	}
	if in.IdemKey != "" {
		k := in.IdemKey
		t.IdemKey = &k
	}
	id, err := s.Tasks.Create(ctx, t)
	if err != nil {
		return domain.Task{}, err
	}
	created, err := s.Tasks.Get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	observability.TasksCreatedTotal.WithLabelValues(created.Name).Inc()
	s.emit(ctx, domain.TaskEvent{Type: "created", TaskID: created.ID, Name: created.Name,
		StatusCode: created.StatusCode, At: created.CreatedAt})
	return created, nil
}

// Update applies a worker- or caller-supplied patch through the state machine.
func (s *TaskService) Update(ctx domain.Context, id string, p domain.TaskPatch) (domain.Task, error) {
	t, changed, err := s.Tasks.Update(ctx, id, p)
	if err != nil {
		return domain.Task{}, err
	}
	if changed && t.StatusCode.Terminal() {
		observability.TasksTerminalTotal.WithLabelValues(t.Name, t.StatusCode.String()).Inc()
		s.emit(ctx, domain.TaskEvent{Type: "terminal", TaskID: t.ID, Name: t.Name,
			StatusCode: t.StatusCode, Status: t.Status, At: time.Now().UTC()})
	}
	return t, nil
}

// Get loads a full task record.
func (s *TaskService) Get(ctx domain.Context, id string) (domain.Task, error) {
	return s.Tasks.Get(ctx, id)
}

// List returns tasks matching the filter.
func (s *TaskService) List(ctx domain.Context, f domain.TaskFilter) ([]domain.Task, error) {
	return s.Tasks.List(ctx, f)
}

func (s *TaskService) emit(ctx domain.Context, ev domain.TaskEvent) {
	if s.Events == nil {
		return
	}
	if err := s.Events.PublishTaskEvent(ctx, ev); err != nil {
		slog.Warn("task event publish failed", slog.String("task_id", ev.TaskID), slog.Any("error", err))
	}
}
