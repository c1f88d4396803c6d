// Package orchestrator drives one index-document pipeline per root task: it
// creates child tasks through the broker, awaits them by polling, threads
// their outputs forward, and concludes the root task.
package orchestrator

import (
	"github.com/quickresolve/docpipe/internal/domain"
)

// mergeCarry copies base and overlays the non-nil overlay on top. The carry
// record stays an open map; steps consume the fields they know and ignore the
// rest.
func mergeCarry(base map[string]any, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// effectiveS3Key picks the most processed artifact key available, in order
// redacted, parsed, original.
func effectiveS3Key(carry map[string]any) string {
	for _, k := range []string{"redacted_s3_key", "parsed_s3_key", "s3_key"} {
		if v, ok := carry[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// fanInInput builds the input of a sequential step's child: the carry with
// the step options overlaid and s3_key rewritten to the latest artifact.
func fanInInput(carry map[string]any, s domain.PipelineStep) map[string]any {
	in := mergeCarry(carry, s.Options)
	if key := effectiveS3Key(in); key != "" {
		in["s3_key"] = key
	}
	return in
}

// fanOutInput builds the per-chunk input of an embed or index child.
func fanOutInput(chunkID string, workspaceID int64) map[string]any {
	return map[string]any{"chunk_id": chunkID, "workspace_id": workspaceID}
}
