package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/quickresolve/docpipe/internal/config"
	"github.com/quickresolve/docpipe/internal/domain"
	"github.com/quickresolve/docpipe/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg       config.Config
	Tasks     *usecase.TaskService
	Consumers *usecase.ConsumerService
	DBCheck   func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, tasks *usecase.TaskService, consumers *usecase.ConsumerService, dbCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Tasks: tasks, Consumers: consumers, DBCheck: dbCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type createTaskRequest struct {
	Name             string          `json:"name" validate:"required"`
	Input            json.RawMessage `json:"input" validate:"required"`
	ParentID         *string         `json:"parent_id"`
	ScheduledStartAt *time.Time      `json:"scheduled_start_at"`
	WorkspaceID      int64           `json:"workspace_id"`
}

func taskView(t domain.Task) map[string]any {
	v := map[string]any{
		"id":           t.ID,
		"name":         t.Name,
		"input":        t.Input,
		"status_code":  int(t.StatusCode),
		"status":       t.Status,
		"progress":     t.Progress,
		"workspace_id": t.WorkspaceID,
		"created_at":   t.CreatedAt,
		"attempts":     t.Attempts,
	}
	if t.ParentID != nil {
		v["parent_id"] = *t.ParentID
	}
	if t.Output != nil {
		v["output"] = t.Output
	}
	if t.State != nil {
		v["state"] = t.State
	}
	if t.ScheduledStartAt != nil {
		v["scheduled_start_at"] = *t.ScheduledStartAt
	}
	if t.StartedAt != nil {
		v["started_at"] = *t.StartedAt
	}
	if t.EndedAt != nil {
		v["ended_at"] = *t.EndedAt
	}
	return v
}

func statusView(t domain.Task) map[string]any {
	v := map[string]any{
		"status_code": int(t.StatusCode),
		"status":      t.Status,
		"progress":    t.Progress,
	}
	if t.Output != nil {
		v["output"] = t.Output
	}
	return v
}

// CreateTaskHandler accepts a new task and responds 202 with its snapshot.
// The Location header points at the status view for pollers.
func (s *Server) CreateTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req createTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			verrs := map[string]string{}
			if ve, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					verrs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
			return
		}
		var input map[string]any
		if err := json.Unmarshal(req.Input, &input); err != nil || input == nil {
			writeError(w, r, fmt.Errorf("%w: input must be a JSON object", domain.ErrInvalidArgument), nil)
			return
		}
		t, err := s.Tasks.Create(r.Context(), usecase.CreateTaskInput{
			Name:             strings.ToLower(strings.TrimSpace(req.Name)),
			Input:            input,
			ParentID:         req.ParentID,
			ScheduledStartAt: req.ScheduledStartAt,
			WorkspaceID:      req.WorkspaceID,
			IdemKey:          r.Header.Get("Idempotency-Key"),
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/task/%s/status", t.ID))
		writeJSON(w, http.StatusAccepted, taskView(t))
	}
}

// GetTaskHandler returns the full task record.
func (s *Server) GetTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		t, err := s.Tasks.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, taskView(t))
	}
}

// GetTaskStatusHandler returns the compact polling view.
func (s *Server) GetTaskStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		t, err := s.Tasks.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, statusView(t))
	}
}

type updateTaskRequest struct {
	StatusCode       *int            `json:"status_code"`
	Status           *string         `json:"status"`
	Progress         *int            `json:"progress"`
	Output           json.RawMessage `json:"output"`
	State            json.RawMessage `json:"state"`
	ScheduledStartAt *time.Time      `json:"scheduled_start_at"`
}

// UpdateTaskHandler advances a task through the state machine. Invalid
// transitions and conflicting terminal results respond 409.
func (s *Server) UpdateTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		r.Body = http.MaxBytesReader(w, r.Body, 4<<20)
		var req updateTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		p := domain.TaskPatch{
			Status:           req.Status,
			Progress:         req.Progress,
			ScheduledStartAt: req.ScheduledStartAt,
		}
		if req.StatusCode != nil {
			code := domain.StatusCode(*req.StatusCode)
			p.StatusCode = &code
		}
		if len(req.Output) > 0 {
			if err := json.Unmarshal(req.Output, &p.Output); err != nil || p.Output == nil {
				writeError(w, r, fmt.Errorf("%w: output must be a JSON object", domain.ErrInvalidArgument), nil)
				return
			}
		}
		if len(req.State) > 0 {
			if err := json.Unmarshal(req.State, &p.State); err != nil || p.State == nil {
				writeError(w, r, fmt.Errorf("%w: state must be a JSON object", domain.ErrInvalidArgument), nil)
				return
			}
		}
		t, err := s.Tasks.Update(r.Context(), id, p)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, statusView(t))
	}
}

// ListTasksHandler returns tasks filtered by name, status_code, and parent_id.
func (s *Server) ListTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := domain.TaskFilter{
			Name:     r.URL.Query().Get("name"),
			ParentID: r.URL.Query().Get("parent_id"),
		}
		if raw := r.URL.Query().Get("status_code"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: status_code must be an integer", domain.ErrInvalidArgument), nil)
				return
			}
			code := domain.StatusCode(n)
			f.StatusCode = &code
		}
		if raw := r.URL.Query().Get("limit"); raw != "" {
			f.Limit, _ = strconv.Atoi(raw)
		}
		if raw := r.URL.Query().Get("offset"); raw != "" {
			f.Offset, _ = strconv.Atoi(raw)
		}
		tasks, err := s.Tasks.List(r.Context(), f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]map[string]any, 0, len(tasks))
		for _, t := range tasks {
			views = append(views, taskView(t))
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": views})
	}
}

// ReadyzHandler probes the task store.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 1)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		st := http.StatusOK
		for _, c := range checks {
			if !c.OK {
				st = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
