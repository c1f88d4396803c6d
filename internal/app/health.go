package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/quickresolve/docpipe/internal/adapter/observability"
	"github.com/quickresolve/docpipe/internal/domain"
)

// ConsumerProber periodically probes each consumer's health URL. Consecutive
// failures past the threshold flip the consumer unready; a single success
// flips it back. Delivery never targets an unready consumer.
type ConsumerProber struct {
	consumers domain.ConsumerRepository
	client    *http.Client
	interval  time.Duration
	threshold int
}

// NewConsumerProber constructs a prober; zero interval/threshold get defaults.
func NewConsumerProber(consumers domain.ConsumerRepository, timeout, interval time.Duration, threshold int) *ConsumerProber {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if threshold <= 0 {
		threshold = 3
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ConsumerProber{
		consumers: consumers,
		client:    &http.Client{Timeout: timeout},
		interval:  interval,
		threshold: threshold,
	}
}

// Run probes until the context is cancelled.
func (p *ConsumerProber) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.probeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("consumer prober stopping")
			return
		case <-ticker.C:
			p.probeOnce(ctx)
		}
	}
}

func (p *ConsumerProber) probeOnce(ctx context.Context) {
	consumers, err := p.consumers.List(ctx)
	if err != nil {
		slog.Error("consumer probe failed to list registry", slog.Any("error", err))
		return
	}
	ready := 0
	for _, c := range consumers {
		ok := p.probe(ctx, c.HealthURL)
		if err := p.consumers.RecordProbe(ctx, c.Topic, c.EndpointURL, ok, p.threshold); err != nil {
			slog.Error("consumer probe record failed",
				slog.String("topic", c.Topic),
				slog.String("endpoint", c.EndpointURL),
				slog.Any("error", err))
			continue
		}
		if !ok && c.Ready {
			slog.Warn("consumer health probe failed",
				slog.String("topic", c.Topic),
				slog.String("health_url", c.HealthURL),
				slog.Int("fail_count", c.FailCount+1))
		}
		if ok {
			ready++
		}
	}
	observability.ConsumersReady.Set(float64(ready))
}

func (p *ConsumerProber) probe(ctx context.Context, healthURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent
}
