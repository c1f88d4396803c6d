package usecase

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/quickresolve/docpipe/internal/domain"
)

// ConsumerService owns the consumer registry.
type ConsumerService struct {
	Consumers domain.ConsumerRepository
}

// NewConsumerService constructs a ConsumerService.
func NewConsumerService(c domain.ConsumerRepository) *ConsumerService {
	return &ConsumerService{Consumers: c}
}

// Upsert registers a consumer. A missing health URL defaults to the endpoint
// host plus /health.
func (s *ConsumerService) Upsert(ctx domain.Context, c domain.Consumer) error {
	if c.Topic == "" || c.EndpointURL == "" {
		return fmt.Errorf("%w: topic and endpoint_url required", domain.ErrInvalidArgument)
	}
	c.Topic = strings.ToLower(c.Topic)
	if c.HealthURL == "" {
		h, err := DefaultHealthURL(c.EndpointURL)
		if err != nil {
			return err
		}
		c.HealthURL = h
	}
	return s.Consumers.Upsert(ctx, c)
}

// Remove deregisters a consumer row.
func (s *ConsumerService) Remove(ctx domain.Context, topic, endpointURL string) error {
	if topic == "" || endpointURL == "" {
		return fmt.Errorf("%w: topic and endpoint_url required", domain.ErrInvalidArgument)
	}
	return s.Consumers.Remove(ctx, topic, endpointURL)
}

// List returns all registered consumers.
func (s *ConsumerService) List(ctx domain.Context) ([]domain.Consumer, error) {
	return s.Consumers.List(ctx)
}

// DefaultHealthURL derives <scheme>://<host>/health from an endpoint URL.
func DefaultHealthURL(endpointURL string) (string, error) {
	u, err := url.Parse(endpointURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: malformed endpoint_url %q", domain.ErrInvalidArgument, endpointURL)
	}
	return u.Scheme + "://" + u.Host + "/health", nil
}
