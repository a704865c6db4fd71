package compact

import (
	"context"
	"fmt"

	"github.com/halim/relay/pkg/history"
	"github.com/halim/relay/pkg/provider"
)

const summarySystemPrompt = "You condense agent conversation transcripts. " +
	"Write a compact summary that preserves: the user's goals, decisions made, " +
	"file paths and identifiers touched, tool actions and their outcomes, and " +
	"any unresolved problems. Omit pleasantries. Answer with the summary only."

// ProviderSummarizer summarizes through a model round-trip.
type ProviderSummarizer struct {
	Adapter   provider.Adapter
	Model     string
	MaxTokens int
}

// Summarize asks the model for a summary of the transcript.
func (s *ProviderSummarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	maxTokens := s.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	req := provider.Request{
		Model:     s.Model,
		System:    summarySystemPrompt,
		MaxTokens: maxTokens,
		Items: []history.Item{
			history.NewUserText(s.Adapter.ID(), "Summarize this transcript:\n\n"+transcript),
		},
	}
	result, err := s.Adapter.StreamTurn(ctx, req, nil)
	if err != nil {
		return "", fmt.Errorf("summarization call failed: %w", err)
	}
	return result.Text, nil
}
