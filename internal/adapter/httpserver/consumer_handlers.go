package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/quickresolve/docpipe/internal/domain"
)

type upsertConsumerRequest struct {
	Topic       string `json:"topic" validate:"required"`
	EndpointURL string `json:"endpoint_url" validate:"required,url"`
	HealthURL   string `json:"health_url"`
	Ready       *bool  `json:"ready"`
}

// UpsertConsumerHandler registers or refreshes a worker endpoint for a topic.
func (s *Server) UpsertConsumerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req upsertConsumerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: topic and a valid endpoint_url are required", domain.ErrInvalidArgument), nil)
			return
		}
		ready := true
		if req.Ready != nil {
			ready = *req.Ready
		}
		err := s.Consumers.Upsert(r.Context(), domain.Consumer{
			Topic:       req.Topic,
			EndpointURL: req.EndpointURL,
			HealthURL:   req.HealthURL,
			Ready:       ready,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

type removeConsumerRequest struct {
	Topic       string `json:"topic" validate:"required"`
	EndpointURL string `json:"endpoint_url" validate:"required"`
}

// RemoveConsumerHandler deregisters a worker endpoint.
func (s *Server) RemoveConsumerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req removeConsumerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: topic and endpoint_url required", domain.ErrInvalidArgument), nil)
			return
		}
		if err := s.Consumers.Remove(r.Context(), req.Topic, req.EndpointURL); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// ListConsumersHandler returns the registry contents.
func (s *Server) ListConsumersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		consumers, err := s.Consumers.List(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]map[string]any, 0, len(consumers))
		for _, c := range consumers {
			views = append(views, map[string]any{
				"topic":        c.Topic,
				"endpoint_url": c.EndpointURL,
				"health_url":   c.HealthURL,
				"ready":        c.Ready,
				"last_seen_at": c.LastSeenAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"consumers": views})
	}
}
