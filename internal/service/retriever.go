package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/connexus-ai/veriloop/internal/model"
)

// Retriever is the external vector-search collaborator, consumed as a pure
// function. Its ranking and storage are out of scope for this pipeline; the
// Orchestrator only depends on this narrow contract.
type Retriever interface {
	Search(ctx context.Context, workspaceID, query string, threshold float64, limit int) ([]model.Chunk, error)
}

// Documented defaults for a Retriever.Search call.
const (
	DefaultRetrievalThreshold = 0.3
	DefaultRetrievalLimit     = 15
)

// AssignContextIndices assigns the 1-based context index that becomes each
// chunk's citation key ([cite:N]), in the order the retriever returned them.
func AssignContextIndices(chunks []model.Chunk) []model.Chunk {
	indexed := make([]model.Chunk, len(chunks))
	for i, c := range chunks {
		c.Index = i + 1
		indexed[i] = c
	}
	return indexed
}

// BuildContextBlock renders indexed chunks into the single context string
// the Writer/Skeptic/Judge all see. The bracketed number is the only
// citation identity the agents are allowed to reference; this numbering
// must be preserved unchanged across every phase of a session.
func BuildContextBlock(chunks []model.Chunk) string {
	var sb strings.Builder
	for i, c := range chunks {
		doc := c.DocumentFilename
		if doc == "" {
			doc = c.ChunkID
		}
		sb.WriteString(fmt.Sprintf("[%d] (%s)\n%s", c.Index, doc, c.Content))
		if i < len(chunks)-1 {
			sb.WriteString("\n\n---\n\n")
		}
	}
	return sb.String()
}

// NoRelevantDocumentsResponse is the canned response for an empty retrieval.
const NoRelevantDocumentsResponse = "I couldn't find any relevant documents in your knowledge base to answer this query. Please upload relevant documents first."

// ValidateCitationIndices reports whether every [cite:N] tag in text
// references a context index that was actually retrieved (P2).
func ValidateCitationIndices(text string, numChunks int) bool {
	for _, n := range extractCiteIndices(text) {
		if n < 1 || n > numChunks {
			return false
		}
	}
	return true
}

func extractCiteIndices(text string) []int {
	var indices []int
	const tag = "[cite:"
	i := 0
	for {
		start := strings.Index(text[i:], tag)
		if start < 0 {
			break
		}
		start += i + len(tag)
		end := strings.Index(text[start:], "]")
		if end < 0 {
			break
		}
		var n int
		if _, err := fmt.Sscanf(text[start:start+end], "%d", &n); err == nil {
			indices = append(indices, n)
		}
		i = start + end
	}
	return indices
}
