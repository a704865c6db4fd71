package history

// Token estimation is a deliberate chars-per-token heuristic, not a real
// tokenizer: compaction decisions only need to be in the right ballpark and
// a tokenizer per provider would cost more than the accuracy is worth.
const (
	charsPerToken = 4

	// imageTokens is the flat charge for an inline image block; payload
	// bytes are base64 and do not tokenize like text.
	imageTokens = 1600

	// itemOverheadTokens covers role/type framing per item.
	itemOverheadTokens = 4
)

// EstimateItemTokens estimates the token cost of a single item.
func EstimateItemTokens(it Item) int {
	chars := len(it.Text) + len(it.Args) + len(it.Output) + len(it.Summary)
	tokens := itemOverheadTokens + (chars+charsPerToken-1)/charsPerToken
	tokens += estimateBlocks(it.Blocks)
	return tokens
}

func estimateBlocks(blocks []Block) int {
	var tokens int
	for _, b := range blocks {
		switch b.Type {
		case BlockImage:
			tokens += imageTokens
		case BlockToolResult:
			tokens += estimateBlocks(b.Content)
		default:
			chars := len(b.Text) + len(b.Thinking) + len(b.Input)
			tokens += (chars + charsPerToken - 1) / charsPerToken
		}
	}
	return tokens
}

// EstimateTokens estimates the total token cost of a history slice.
func EstimateTokens(items []Item) int {
	total := 0
	for _, it := range items {
		total += EstimateItemTokens(it)
	}
	return total
}
