package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickresolve/docpipe/internal/adapter/repo/memory"
	"github.com/quickresolve/docpipe/internal/app"
	"github.com/quickresolve/docpipe/internal/usecase"
)

const registryYAML = `consumers:
  - topic: index-document
    endpoint_url: http://orc:8011/
    health_url: http://orc:8011/health
  - topic: chunk
    endpoint_url: http://chunker:8022/chunk
`

func writeRegistry(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadRegistry_ParsesEntries(t *testing.T) {
	entries, err := app.LoadRegistry(writeRegistry(t, registryYAML))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "index-document", entries[0].Topic)
	assert.Equal(t, "http://orc:8011/health", entries[0].HealthURL)
	assert.Empty(t, entries[1].HealthURL)
}

func TestLoadRegistry_RejectsIncompleteEntries(t *testing.T) {
	_, err := app.LoadRegistry(writeRegistry(t, "consumers:\n  - topic: chunk\n"))
	require.Error(t, err)
}

func TestLoadRegistry_MissingFile(t *testing.T) {
	_, err := app.LoadRegistry(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestSeedRegistry_UpsertsReadyConsumersWithDefaultHealthURL(t *testing.T) {
	store := memory.New()
	svc := usecase.NewConsumerService(store.ConsumerRegistry())

	require.NoError(t, app.SeedRegistry(context.Background(), svc, writeRegistry(t, registryYAML)))

	list, err := svc.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, c := range list {
		assert.True(t, c.Ready)
	}
	// Sorted by topic: chunk first. Its health URL was derived.
	assert.Equal(t, "chunk", list[0].Topic)
	assert.Equal(t, "http://chunker:8022/health", list[0].HealthURL)
}

func TestSeedRegistry_EmptyPathIsNoOp(t *testing.T) {
	require.NoError(t, app.SeedRegistry(context.Background(), nil, ""))
}
