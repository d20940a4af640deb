package pipeline

import (
	"context"
	"strings"

	"github.com/enterprise/aml-engine/internal/llm"
)

// maxSummaryBytes bounds the persisted analyst narrative.
const maxSummaryBytes = 2048

// AnalystWriter produces the narrative summary attached to an analysis.
// This is the one stage allowed a non-zero temperature, and the one stage
// whose failure does not sink the evaluation.
type AnalystWriter struct {
	gateway LLMGateway
}

func NewAnalystWriter(gateway LLMGateway) *AnalystWriter {
	return &AnalystWriter{gateway: gateway}
}

func (w *AnalystWriter) Summarize(ctx context.Context, eval *Evaluation) (string, error) {
	out, err := w.gateway.Complete(ctx, llm.CompletionRequest{
		System:      analystSystem,
		Prompt:      analystPrompt(eval),
		Temperature: 0.2,
		MaxTokens:   600,
	})
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if len(out) > maxSummaryBytes {
		out = strings.ToValidUTF8(out[:maxSummaryBytes], "")
	}
	return out, nil
}
