package chat

import (
	"strings"

	"ragchat/internal/domain"
)

const instructions = `Answer the question based on the provided context. If you cannot find the answer in the context,
say that you don't know, then give general information related to the question and state clearly
that it does not come from the context.`

// BuildPrompt renders the conversation so far, the retrieved context and the
// question into a single prompt.
func BuildPrompt(history []domain.Turn, results []domain.ScoredChunk, query string) string {
	var b strings.Builder
	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, t := range history {
			switch t.Role {
			case domain.RoleAssistant:
				b.WriteString("Assistant: ")
			default:
				b.WriteString("User: ")
			}
			b.WriteString(t.Content)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString(instructions)
	b.WriteString("\n\nContext:\n")
	b.WriteString(FormatContext(results))
	b.WriteString("\n\nQuestion: ")
	b.WriteString(query)
	b.WriteString("\n\nAnswer:")
	return b.String()
}

// FormatContext joins chunk contents with blank lines.
func FormatContext(results []domain.ScoredChunk) string {
	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = r.Chunk.Content
	}
	return strings.Join(parts, "\n\n")
}
