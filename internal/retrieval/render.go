package retrieval

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/hanrei/internal/model"
)

// renderChunkChars caps how much of each chunk appears in the prompt.
const renderChunkChars = 300

// Render formats a ContextBlock for the classification prompt. Chunks are
// grouped by their source document's severity, most restrictive first, so
// the model reads the gravest precedents before the mild ones. Chunk text
// over renderChunkChars is cut with an ellipsis marker.
func Render(block model.ContextBlock) string {
	if block.Empty() {
		return "No relevant reference context was found for this document."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Reference context from bucket %q", block.PrimaryBucketName)
	if len(block.Buckets) > 1 {
		names := make([]string, 0, len(block.Buckets)-1)
		for _, b := range block.Buckets[1:] {
			names = append(names, b.Name)
		}
		fmt.Fprintf(&sb, " (supplemented by %s)", strings.Join(names, ", "))
	}
	sb.WriteString(":\n")

	for _, sev := range []model.Severity{model.SeverityCritical, model.SeverityHigh, model.SeverityMedium, model.SeverityLow} {
		group := chunksWithSeverity(block.Chunks, sev)
		if len(group) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "\nPrecedents labeled %s:\n", sev)
		for _, c := range group {
			fmt.Fprintf(&sb, "- [similarity %.2f, %s] %s\n",
				c.Similarity, sourceName(c), truncateRunes(c.Text, renderChunkChars))
		}
	}
	return sb.String()
}

func chunksWithSeverity(chunks []model.ContextChunk, sev model.Severity) []model.ContextChunk {
	var out []model.ContextChunk
	for _, c := range chunks {
		if c.SourceSeverity == sev {
			out = append(out, c)
		}
	}
	return out
}

func sourceName(c model.ContextChunk) string {
	if c.SourceFilename != "" {
		return c.SourceFilename
	}
	return c.SourceDocumentID.String()
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
