package app

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/quickresolve/docpipe/internal/domain"
	"github.com/quickresolve/docpipe/internal/usecase"
)

// RegistryEntry is one routing-table row mapping a task name to a worker.
type RegistryEntry struct {
	Topic       string `yaml:"topic"`
	EndpointURL string `yaml:"endpoint_url"`
	HealthURL   string `yaml:"health_url"`
}

type registryFile struct {
	Consumers []RegistryEntry `yaml:"consumers"`
}

// LoadRegistry parses the routing-table YAML file.
func LoadRegistry(path string) ([]RegistryEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=registry.load: %w", err)
	}
	var f registryFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("op=registry.load: %w", err)
	}
	for i, e := range f.Consumers {
		if e.Topic == "" || e.EndpointURL == "" {
			return nil, fmt.Errorf("op=registry.load: %w: entry %d needs topic and endpoint_url", domain.ErrInvalidArgument, i)
		}
	}
	return f.Consumers, nil
}

// SeedRegistry upserts the routing table into the consumer registry. Dynamic
// registrations via PUT /consumer later overwrite seeded rows.
func SeedRegistry(ctx domain.Context, svc *usecase.ConsumerService, path string) error {
	if path == "" {
		return nil
	}
	entries, err := LoadRegistry(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		err := svc.Upsert(ctx, domain.Consumer{
			Topic:       e.Topic,
			EndpointURL: e.EndpointURL,
			HealthURL:   e.HealthURL,
			Ready:       true,
		})
		if err != nil {
			return fmt.Errorf("op=registry.seed topic=%s: %w", e.Topic, err)
		}
		slog.Info("registry seeded", slog.String("topic", e.Topic), slog.String("endpoint", e.EndpointURL))
	}
	return nil
}
