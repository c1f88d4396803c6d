package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quickresolve/docpipe/internal/adapter/httpserver"
	"github.com/quickresolve/docpipe/internal/domain"
)

// deliveryRequest is the broker's dispatch body.
type deliveryRequest struct {
	TaskID            string         `json:"task_id"`
	Name              string         `json:"name"`
	Input             map[string]any `json:"input"`
	StatusCallbackURL string         `json:"status_callback_url"`
}

// Server accepts pipeline deliveries from the broker. Accepting a delivery
// means responding 202 immediately and running the pipeline in a goroutine;
// outcomes are reported back through the broker task API, never through the
// delivery response.
type Server struct {
	driver *Driver
}

// NewServer constructs the orchestrator's HTTP surface.
func NewServer(driver *Driver) *Server {
	return &Server{driver: driver}
}

// Router builds the orchestrator's mux.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Post("/", s.handleDelivery)
	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealth)
	return r
}

func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	var req deliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":{"code":"INVALID_ARGUMENT","message":"malformed delivery body"}}`, http.StatusBadRequest)
		return
	}
	if req.TaskID == "" || req.Name != domain.TaskIndexDocument {
		http.Error(w, `{"error":{"code":"INVALID_ARGUMENT","message":"expected an index-document task"}}`, http.StatusBadRequest)
		return
	}

	slog.Info("pipeline delivery accepted", slog.String("root_task_id", req.TaskID))
	// The run outlives this request; detach it from the request lifecycle.
	go s.driver.Run(context.WithoutCancel(r.Context()), req.TaskID, req.Input)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"accepted": req.TaskID})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
