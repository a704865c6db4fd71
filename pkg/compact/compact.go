package compact

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/halim/relay/internal/observability"
	"github.com/halim/relay/pkg/history"
)

// Summarizer condenses a transcript into a short summary.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

// Options tunes the compactor.
type Options struct {
	// BudgetTokens is the estimated token count above which compaction
	// triggers.
	BudgetTokens int

	// KeepRecentTurns are preserved verbatim at the tail.
	KeepRecentTurns int

	// Provider shapes the synthetic summary items.
	Provider history.Provider
}

// Result describes one compaction pass.
type Result struct {
	Compacted      bool
	Fallback       bool
	TokensBefore   int
	TokensAfter    int
	TurnsSummarized int
}

// Compactor replaces old turns with a summary once history outgrows the
// token budget. Turn boundaries guarantee a tool call and its result are
// never separated.
type Compactor struct {
	summarizer Summarizer
	opts       Options
}

// New creates a compactor. summarizer may be nil, in which case every pass
// uses the extractive fallback.
func New(summarizer Summarizer, opts Options) *Compactor {
	if opts.KeepRecentTurns < 1 {
		opts.KeepRecentTurns = 1
	}
	return &Compactor{summarizer: summarizer, opts: opts}
}

// NeedsCompaction reports whether history exceeds the token budget.
func (c *Compactor) NeedsCompaction(items []history.Item) bool {
	return history.EstimateTokens(items) > c.opts.BudgetTokens
}

// Compact summarizes everything but the most recent turns. The first user
// message survives verbatim so the original request is never lost. When the
// summarizer fails, an extractive fallback keeps the run going.
func (c *Compactor) Compact(ctx context.Context, items []history.Item) ([]history.Item, Result, error) {
	start := time.Now()
	result := Result{TokensBefore: history.EstimateTokens(items)}

	turns := history.SplitTurns(items)
	if len(turns) <= c.opts.KeepRecentTurns {
		result.TokensAfter = result.TokensBefore
		observability.RecordCompaction("skipped", time.Since(start), 0)
		return items, result, nil
	}

	old := turns[:len(turns)-c.opts.KeepRecentTurns]
	recent := turns[len(turns)-c.opts.KeepRecentTurns:]

	summary, fallback := c.summarize(ctx, old)

	compacted := make([]history.Item, 0, len(items))
	if first := firstUserItem(old); first != nil {
		compacted = append(compacted, *first)
	}
	compacted = append(compacted, history.NewAssistantText(c.opts.Provider,
		"Summary of the earlier conversation:\n\n"+summary))
	compacted = append(compacted, history.JoinTurns(recent)...)

	result.Compacted = true
	result.Fallback = fallback
	result.TurnsSummarized = len(old)
	result.TokensAfter = history.EstimateTokens(compacted)

	outcome := "summarized"
	if fallback {
		outcome = "fallback"
	}
	observability.RecordCompaction(outcome, time.Since(start), result.TokensBefore-result.TokensAfter)
	log.Info().
		Int("turns_summarized", result.TurnsSummarized).
		Int("tokens_before", result.TokensBefore).
		Int("tokens_after", result.TokensAfter).
		Bool("fallback", fallback).
		Msg("Compacted conversation history")

	return compacted, result, nil
}

func (c *Compactor) summarize(ctx context.Context, old []history.Turn) (string, bool) {
	if c.summarizer != nil {
		summary, err := c.summarizer.Summarize(ctx, RenderTranscript(old))
		if err == nil && strings.TrimSpace(summary) != "" {
			return strings.TrimSpace(summary), false
		}
		if err != nil {
			log.Warn().Err(err).Msg("Summarizer failed, using extractive fallback")
		}
	}
	return extractiveSummary(old), true
}

func firstUserItem(turns []history.Turn) *history.Item {
	for _, t := range turns {
		for _, it := range t.Items {
			if it.IsUserMessage() {
				item := it
				return &item
			}
		}
	}
	return nil
}

// transcriptItemLimit caps how much of one item the transcript carries.
const transcriptItemLimit = 600

// RenderTranscript flattens turns into a plain-text transcript for the
// summarizer prompt.
func RenderTranscript(turns []history.Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		for _, it := range t.Items {
			line := renderItem(it)
			if line == "" {
				continue
			}
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func renderItem(it history.Item) string {
	switch {
	case it.IsUserMessage():
		return "User: " + clip(it.PlainText())
	case it.Type == history.ItemFunctionCall:
		return fmt.Sprintf("Tool call %s: %s", it.Name, clip(it.Args))
	case it.Type == history.ItemFunctionOutput:
		return "Tool result: " + clip(it.Output)
	case it.Type == history.ItemAssistantMessage:
		return "Assistant: " + clip(it.Text)
	case it.Type == history.ItemMessage:
		var parts []string
		for _, b := range it.Blocks {
			switch b.Type {
			case history.BlockText:
				parts = append(parts, clip(b.Text))
			case history.BlockToolUse:
				parts = append(parts, fmt.Sprintf("[tool call %s: %s]", b.Name, clip(string(b.Input))))
			case history.BlockToolResult:
				for _, cb := range b.Content {
					if cb.Type == history.BlockText {
						parts = append(parts, "[tool result: "+clip(cb.Text)+"]")
					}
				}
			}
		}
		if len(parts) == 0 {
			return ""
		}
		role := "Assistant"
		if it.Role == "user" {
			role = "User"
		}
		return role + ": " + strings.Join(parts, " ")
	default:
		return ""
	}
}

// clip truncates on a rune boundary so multi-byte text stays valid UTF-8.
func clip(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= transcriptItemLimit {
		return s
	}
	cut := transcriptItemLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// extractiveSummary lists what each old turn was about, using the opening
// user line as the anchor.
func extractiveSummary(turns []history.Turn) string {
	var sb strings.Builder
	sb.WriteString("(automatic extract)\n")
	for _, t := range turns {
		line := t.FirstUserLine()
		if line == "" {
			continue
		}
		sb.WriteString("- ")
		sb.WriteString(clip(line))
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}
