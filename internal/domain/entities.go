// Package domain holds the core entities of the task broker and the ports
// implemented by adapters. It stays free of transport and storage concerns.
package domain

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrTerminalMismatch  = errors.New("terminal mismatch")
	ErrConflict          = errors.New("conflict")
	ErrInternal          = errors.New("internal error")
)

// StatusCode is the task state machine position.
// Transitions are monotone under the partial order 0 < 1 < {2,3}.
type StatusCode int

const (
	StatusWaiting    StatusCode = 0
	StatusProcessing StatusCode = 1
	StatusCompleted  StatusCode = 2
	StatusFailed     StatusCode = 3
)

// Terminal reports whether the code is an end state.
func (s StatusCode) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Valid reports whether the code is one of the four known states.
func (s StatusCode) Valid() bool { return s >= StatusWaiting && s <= StatusFailed }

func (s StatusCode) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ValidTransition reports whether from -> to is allowed. Terminal states only
// allow staying put; equality is handled by ApplyUpdate (terminal no-op rule).
func ValidTransition(from, to StatusCode) bool {
	if !to.Valid() {
		return false
	}
	if from.Terminal() {
		return false
	}
	switch from {
	case StatusWaiting:
		return to == StatusProcessing || to.Terminal()
	case StatusProcessing:
		return to.Terminal()
	}
	return false
}

// Task is the durable unit of work owned by the broker.
// Input is immutable after creation; Output may only be set on completion.
type Task struct {
	ID                 string
	Name               string
	ParentID           *string
	Input              map[string]any
	Output             map[string]any
	StatusCode         StatusCode
	Status             string
	Progress           int
	State              map[string]any
	WorkspaceID        int64
	IdemKey            *string
	CreatedAt          time.Time
	ScheduledStartAt   *time.Time
	StartedAt          *time.Time
	EndedAt            *time.Time
	ProcessingDeadline *time.Time
	Attempts           int
}

// Due reports whether the task is eligible for delivery at now.
func (t Task) Due(now time.Time) bool {
	if t.StatusCode != StatusWaiting {
		return false
	}
	return t.ScheduledStartAt == nil || !t.ScheduledStartAt.After(now)
}

// TaskPatch carries the mutable fields a PUT /task may touch. Nil pointers
// mean "leave unchanged"; a nil Output/State map means the same.
type TaskPatch struct {
	StatusCode       *StatusCode
	Status           *string
	Progress         *int
	Output           map[string]any
	State            map[string]any
	ScheduledStartAt *time.Time
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.StatusCode == nil && p.Status == nil && p.Progress == nil &&
		p.Output == nil && p.State == nil && p.ScheduledStartAt == nil
}

// ApplyUpdate validates the patch against the task state machine and mutates
// t in place. It returns changed=false for the accepted duplicate-terminal
// no-op. Callers must hold the per-task lock (row lock or key mutex).
//
// Rules:
//   - status_code transitions must be monotone (0 -> 1 -> {2,3});
//   - entering processing stamps StartedAt, entering a terminal state stamps
//     EndedAt; completion clamps Progress to 100;
//   - Output may only be present when the resulting state is completed;
//   - a repeated terminal update with the same code and equal output is a
//     no-op; a conflicting completion fails with ErrTerminalMismatch.
func (t *Task) ApplyUpdate(p TaskPatch, now time.Time) (changed bool, err error) {
	if p.Empty() {
		return false, fmt.Errorf("%w: no updatable fields provided", ErrInvalidArgument)
	}
	if p.Progress != nil && (*p.Progress < 0 || *p.Progress > 100) {
		return false, fmt.Errorf("%w: progress must be within 0..100", ErrInvalidArgument)
	}
	if p.StatusCode != nil && !p.StatusCode.Valid() {
		return false, fmt.Errorf("%w: unknown status_code %d", ErrInvalidArgument, int(*p.StatusCode))
	}

	if t.StatusCode.Terminal() {
		// Late arrivals: a byte-equal duplicate completion is acknowledged,
		// anything else is discarded.
		if p.StatusCode != nil && *p.StatusCode == t.StatusCode && outputsEqual(t.Output, p.Output) {
			return false, nil
		}
		if p.StatusCode != nil && *p.StatusCode == StatusCompleted {
			return false, fmt.Errorf("%w: conflicting result for terminal task %s", ErrTerminalMismatch, t.ID)
		}
		return false, fmt.Errorf("%w: task %s is terminal (%s)", ErrInvalidTransition, t.ID, t.StatusCode)
	}

	next := t.StatusCode
	if p.StatusCode != nil {
		next = *p.StatusCode
		if next != t.StatusCode && !ValidTransition(t.StatusCode, next) {
			return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.StatusCode, next)
		}
	}
	if p.Output != nil && next != StatusCompleted {
		return false, fmt.Errorf("%w: output may only be set on completion", ErrInvalidArgument)
	}

	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Progress != nil {
		t.Progress = *p.Progress
	}
	if p.Output != nil {
		t.Output = p.Output
	}
	if p.State != nil {
		t.State = p.State
	}
	if p.ScheduledStartAt != nil {
		ts := *p.ScheduledStartAt
		t.ScheduledStartAt = &ts
	}
	if next != t.StatusCode {
		if next == StatusProcessing && t.StartedAt == nil {
			ts := now
			t.StartedAt = &ts
		}
		if next.Terminal() {
			ts := now
			t.EndedAt = &ts
			if t.StartedAt == nil {
				t.StartedAt = &ts
			}
		}
		t.StatusCode = next
	}
	if t.StatusCode == StatusCompleted {
		t.Progress = 100
	}
	return true, nil
}

func outputsEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// Consumer is a registered worker endpoint for one topic.
type Consumer struct {
	Topic       string
	EndpointURL string
	HealthURL   string
	Ready       bool
	FailCount   int
	LastSeenAt  time.Time
}

// DeliveryCandidate pairs a due task with the ready consumer chosen for it.
type DeliveryCandidate struct {
	Task     Task
	Consumer Consumer
}

// TaskFilter narrows List results.
type TaskFilter struct {
	Name       string
	StatusCode *StatusCode
	ParentID   string
	Limit      int
	Offset     int
}

// Repositories (ports)

type TaskRepository interface {
	Create(ctx Context, t Task) (string, error)
	Get(ctx Context, id string) (Task, error)
	FindByIdempotencyKey(ctx Context, key string) (Task, error)
	// Update applies the patch under the per-task lock and returns the task
	// after the update. changed=false signals the duplicate-terminal no-op.
	Update(ctx Context, id string, p TaskPatch) (t Task, changed bool, err error)
	List(ctx Context, f TaskFilter) ([]Task, error)
	// Due returns waiting tasks past their scheduled start, each paired with
	// a ready consumer for its topic.
	Due(ctx Context, now time.Time, limit int) ([]DeliveryCandidate, error)
	// DueUnroutable returns waiting tasks past their scheduled start whose
	// topic has no ready consumer.
	DueUnroutable(ctx Context, now time.Time, limit int) ([]Task, error)
	// BeginDelivery claims the task for one delivery attempt. The claim is
	// optimistic on the attempt counter: it fails when another loop instance
	// already bumped it. On success the attempt counter is incremented and
	// the next eligible time plus the processing deadline are recorded.
	BeginDelivery(ctx Context, id string, expectedAttempts int, nextAttemptAt, processingDeadline time.Time) (claimed bool, err error)
	// ReapExpired fails processing tasks whose processing deadline passed and
	// returns their ids.
	ReapExpired(ctx Context, now time.Time) ([]string, error)
}

type ConsumerRepository interface {
	Upsert(ctx Context, c Consumer) error
	Remove(ctx Context, topic, endpointURL string) error
	List(ctx Context) ([]Consumer, error)
	// RecordProbe folds one health probe result into the row: a success
	// resets the failure count and marks the consumer ready, while failures
	// beyond threshold flip ready off.
	RecordProbe(ctx Context, topic, endpointURL string, ok bool, threshold int) error
}

// TaskEvent is the broker's lifecycle feed entry.
type TaskEvent struct {
	Type       string     `json:"type"` // created | delivered | terminal
	TaskID     string     `json:"task_id"`
	Name       string     `json:"name"`
	StatusCode StatusCode `json:"status_code"`
	Status     string     `json:"status,omitempty"`
	At         time.Time  `json:"at"`
}

// EventSink publishes task lifecycle events (port; Redpanda in production).
type EventSink interface {
	PublishTaskEvent(ctx Context, ev TaskEvent) error
}

// Context aliases context.Context so adapters pass it through unchanged.
type Context = context.Context
