package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickresolve/docpipe/internal/domain"
)

func pipelineInput(steps ...string) map[string]any {
	list := make([]any, 0, len(steps))
	for _, s := range steps {
		list = append(list, map[string]any{"name": s})
	}
	return map[string]any{
		"s3_key":            "raw/doc.pdf",
		"file_id":           "f1",
		"workspace_id":      float64(7),
		"original_filename": "doc.pdf",
		"steps":             list,
	}
}

func TestParsePipeline_ValidDefinition(t *testing.T) {
	def, err := domain.ParsePipeline(pipelineInput("parse-document", "redact", "chunk", "embed", "index"))
	require.NoError(t, err)
	assert.Equal(t, "raw/doc.pdf", def.S3Key)
	assert.Equal(t, int64(7), def.WorkspaceID)
	require.Len(t, def.Steps, 5)
	assert.Equal(t, domain.StepParseDocument, def.Steps[0].Name)
}

func TestParsePipeline_NormalizesStepNames(t *testing.T) {
	in := pipelineInput()
	in["steps"] = []any{map[string]any{"name": "  CHUNK "}}
	def, err := domain.ParsePipeline(in)
	require.NoError(t, err)
	assert.Equal(t, domain.StepChunk, def.Steps[0].Name)
}

func TestParsePipeline_UnknownStep(t *testing.T) {
	_, err := domain.ParsePipeline(pipelineInput("transmogrify"))
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestParsePipeline_MissingRequiredFields(t *testing.T) {
	in := pipelineInput("chunk")
	delete(in, "s3_key")
	_, err := domain.ParsePipeline(in)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	in = pipelineInput("chunk")
	in["steps"] = []any{}
	_, err = domain.ParsePipeline(in)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestChunksFrom_AcceptsBothIDKeys(t *testing.T) {
	out := map[string]any{"chunks": []any{
		map[string]any{"chunk_id": "c1", "text_len": float64(512)},
		map[string]any{"id": "c2"},
		map[string]any{"text_len": float64(9)}, // no id, skipped
		"not-an-object",
	}}
	chunks := domain.ChunksFrom(out)
	require.Len(t, chunks, 2)
	assert.Equal(t, "c1", chunks[0].ChunkID)
	assert.Equal(t, "c2", chunks[1].ChunkID)
}

func TestChunksFrom_MissingList(t *testing.T) {
	assert.Empty(t, domain.ChunksFrom(map[string]any{}))
	assert.Empty(t, domain.ChunksFrom(map[string]any{"chunks": "oops"}))
}

func TestFanOutStep(t *testing.T) {
	assert.True(t, domain.FanOutStep(domain.StepEmbed))
	assert.True(t, domain.FanOutStep(domain.StepIndex))
	assert.False(t, domain.FanOutStep(domain.StepChunk))
}
