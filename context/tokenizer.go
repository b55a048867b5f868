package context

// TokenCounter estimates the token cost of a message. Implementations must
// be deterministic (same input -> same count) and must never under-count,
// per base spec §9's requirement for thinking/structured-reasoning blocks —
// a property that, by construction, holds for every message kind here since
// DefaultTokenCounter is character-count based, not content-aware.
type TokenCounter interface {
	Count(m Message) uint32
}

// DefaultTokenCounter is the over-estimating character-count heuristic
// carried over from cosmos's core/loop.go estimateTokenCount: roughly 1.2
// characters per token, with a further 10% buffer for special tokens and
// formatting. It is deliberately conservative, pushing borderline requests
// toward compaction rather than risking a provider-side context overflow.
type DefaultTokenCounter struct{}

func (DefaultTokenCounter) Count(m Message) uint32 {
	chars := textLength(m)
	estimated := float64(chars) / 1.2
	return uint32(estimated * 1.1)
}

func textLength(m Message) int {
	switch v := m.(type) {
	case SystemMessage:
		return len(v.Content.String())
	case UserMessage:
		n := len(v.Content.String())
		if v.DisplayOverride != nil {
			n += len(v.DisplayOverride.String())
		}
		return n
	case AssistantMessage:
		return len(v.Content.String())
	case ThinkingMessage:
		n := len(v.Content.String())
		for _, item := range v.ReplayState.StructuredReasoning {
			n += len(item.Summary) + len(item.Payload)
		}
		return n
	case ToolUseMessage:
		n := len(v.Name) + 50 // name + JSON-shape overhead
		for k, val := range v.Arguments {
			n += len(k)
			if s, ok := val.(string); ok {
				n += len(s)
			} else {
				n += 8
			}
		}
		return n
	case ToolResultMessage:
		return len(v.Content) + 50
	default:
		return 0
	}
}
