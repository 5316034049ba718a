package collector

import (
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// InteractionFromChatCompletion describes a finished chat completion. The
// provider-reported usage becomes the explicit token counts, so no
// estimation happens for it.
func InteractionFromChatCompletion(traceID, framework, vectorStore, query string, resp openai.ChatCompletionResponse, elapsed time.Duration) Interaction {
	var answer strings.Builder
	for i, choice := range resp.Choices {
		if i > 0 {
			answer.WriteString("\n")
		}
		answer.WriteString(choice.Message.Content)
	}

	in := Interaction{
		TraceID:     traceID,
		Framework:   framework,
		Model:       resp.Model,
		VectorStore: vectorStore,
		Query:       query,
		Response:    answer.String(),
		Duration:    elapsed,
	}
	if resp.Usage.PromptTokens > 0 || resp.Usage.CompletionTokens > 0 {
		input := int64(resp.Usage.PromptTokens)
		output := int64(resp.Usage.CompletionTokens)
		in.InputTokens = &input
		in.OutputTokens = &output
	}
	if in.TraceID == "" {
		in.TraceID = resp.ID
	}
	return in
}
