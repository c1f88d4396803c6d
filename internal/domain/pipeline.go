package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Task names known to the indexing pipeline.
const (
	TaskIndexDocument = "index-document"
	StepParseDocument = "parse-document"
	StepRedact        = "redact"
	StepChunk         = "chunk"
	StepEmbed         = "embed"
	StepIndex         = "index"
)

// KnownStep reports whether name is a valid pipeline step.
func KnownStep(name string) bool {
	switch name {
	case StepParseDocument, StepRedact, StepChunk, StepEmbed, StepIndex:
		return true
	}
	return false
}

// FanOutStep reports whether the step creates one child per chunk.
func FanOutStep(name string) bool { return name == StepEmbed || name == StepIndex }

// PipelineStep is one entry of the ordered step list.
type PipelineStep struct {
	Name    string         `json:"name"`
	Options map[string]any `json:"options,omitempty"`
}

// PipelineDefinition is the input of an index-document task.
type PipelineDefinition struct {
	Description      string         `json:"description,omitempty"`
	S3Key            string         `json:"s3_key"`
	FileID           string         `json:"file_id"`
	WorkspaceID      int64          `json:"workspace_id"`
	OriginalFilename string         `json:"original_filename"`
	Steps            []PipelineStep `json:"steps"`
}

// ParsePipeline decodes and validates a pipeline definition from a task input.
func ParsePipeline(input map[string]any) (PipelineDefinition, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return PipelineDefinition{}, fmt.Errorf("op=pipeline.parse: %w", err)
	}
	var def PipelineDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return PipelineDefinition{}, fmt.Errorf("%w: malformed pipeline definition: %v", ErrInvalidArgument, err)
	}
	if def.S3Key == "" || def.FileID == "" {
		return PipelineDefinition{}, fmt.Errorf("%w: s3_key and file_id are required", ErrInvalidArgument)
	}
	if len(def.Steps) == 0 {
		return PipelineDefinition{}, fmt.Errorf("%w: steps must not be empty", ErrInvalidArgument)
	}
	for i := range def.Steps {
		def.Steps[i].Name = strings.ToLower(strings.TrimSpace(def.Steps[i].Name))
		if !KnownStep(def.Steps[i].Name) {
			return PipelineDefinition{}, fmt.Errorf("%w: unknown step %q", ErrInvalidArgument, def.Steps[i].Name)
		}
	}
	return def, nil
}

// Chunk is the element of the chunk step's output collection. The orchestrator
// only needs the id; workers attach whatever else they like.
type Chunk struct {
	ChunkID string
}

// ChunksFrom extracts the chunk list from a chunk step output. Entries missing
// a chunk_id (legacy workers emit "id") are skipped.
func ChunksFrom(output map[string]any) []Chunk {
	raw, ok := output["chunks"].([]any)
	if !ok {
		return nil
	}
	out := make([]Chunk, 0, len(raw))
	for _, e := range raw {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["chunk_id"].(string)
		if id == "" {
			id, _ = m["id"].(string)
		}
		if id != "" {
			out = append(out, Chunk{ChunkID: id})
		}
	}
	return out
}
