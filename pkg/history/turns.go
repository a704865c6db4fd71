package history

import "strings"

// Turn is the atomic unit of compaction: one user message plus every
// subsequent non-user item up to (not including) the next user message.
type Turn struct {
	Items []Item
}

// FirstUserLine returns the first line of the turn's opening user message,
// or "" when the turn has no user message (leading orphan items).
func (t Turn) FirstUserLine() string {
	for _, it := range t.Items {
		if it.IsUserMessage() {
			text := it.PlainText()
			if idx := strings.IndexByte(text, '\n'); idx >= 0 {
				text = text[:idx]
			}
			return text
		}
	}
	return ""
}

// SplitTurns segments history into turns. Items preceding the first user
// message form a turn of their own so nothing is lost.
func SplitTurns(items []Item) []Turn {
	var turns []Turn
	var current []Item
	for _, it := range items {
		if it.IsUserMessage() && len(current) > 0 {
			turns = append(turns, Turn{Items: current})
			current = nil
		}
		current = append(current, it)
	}
	if len(current) > 0 {
		turns = append(turns, Turn{Items: current})
	}
	return turns
}

// JoinTurns flattens turns back into a single item slice.
func JoinTurns(turns []Turn) []Item {
	var total int
	for _, t := range turns {
		total += len(t.Items)
	}
	items := make([]Item, 0, total)
	for _, t := range turns {
		items = append(items, t.Items...)
	}
	return items
}
