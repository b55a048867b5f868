package context

import (
	"fmt"
	"time"
)

var timeNow = time.Now

// FitErrorKind distinguishes why a message would not fit the effective input
// budget.
type FitErrorKind int

const (
	// FitCompactionNeeded means the request would fit once older history is
	// compacted away.
	FitCompactionNeeded FitErrorKind = iota
	// FitRecentMessagesTooLarge means even the post-compaction-point tail
	// alone exceeds the budget — compaction cannot help.
	FitRecentMessagesTooLarge
)

// FitError reports that a candidate request does not fit the effective
// input budget.
type FitError struct {
	Kind     FitErrorKind
	Required uint32
	Budget   uint32
	Count    int // number of trailing entries compaction would preserve, set for FitRecentMessagesTooLarge
}

func (e *FitError) Error() string {
	switch e.Kind {
	case FitRecentMessagesTooLarge:
		return fmt.Sprintf("context: %d recent messages require %d tokens, exceeding budget %d even after compaction", e.Count, e.Required, e.Budget)
	default:
		return fmt.Sprintf("context: request requires %d tokens, exceeding budget %d; compaction needed", e.Required, e.Budget)
	}
}

// Prepare checks whether the current API-visible history plus overheadTokens
// fits within limits' effective input budget. It returns nil if the request
// fits, or a *FitError describing why not.
//
// compactionPreserveRecent is the number of trailing entries that compaction
// itself would keep uncompacted — used to compute whether compaction could
// even help (FitRecentMessagesTooLarge) versus would help
// (FitCompactionNeeded).
func Prepare(h *FullHistory, counter TokenCounter, limits ModelLimits, overheadTokens uint32, compactionPreserveRecent int) error {
	budget := limits.EffectiveInputBudget()
	required := h.APITokens() + overheadTokens
	if required <= budget {
		return nil
	}

	tail := h.RecentEntries(compactionPreserveRecent)
	var tailTokens uint32
	for _, e := range tail {
		tailTokens += e.TokenCount
	}
	tailRequired := tailTokens + overheadTokens
	if tailRequired > budget {
		return &FitError{
			Kind:     FitRecentMessagesTooLarge,
			Required: tailRequired,
			Budget:   budget,
			Count:    len(tail),
		}
	}

	return &FitError{Kind: FitCompactionNeeded, Required: required, Budget: budget}
}

// PrepareCompaction returns the messages eligible for summarization — the
// API-visible entries — and their total token count, matching base spec
// §4.2's prepare_compaction.
func PrepareCompaction(h *FullHistory) (messages []HistoryEntry, originalTokens uint32) {
	entries := h.APIEntries()
	out := make([]HistoryEntry, len(entries))
	copy(out, entries)
	for _, e := range out {
		originalTokens += e.TokenCount
	}
	return out, originalTokens
}

// CompleteCompaction installs a freshly generated summary and advances the
// compaction point to the current end of history.
func CompleteCompaction(h *FullHistory, summaryText string, tokenCount uint32, generatedBy string, clock func() time.Time) error {
	content, err := NewNonEmptyString(summaryText)
	if err != nil {
		return fmt.Errorf("context: cannot install empty compaction summary: %w", err)
	}
	if clock == nil {
		clock = timeNow
	}
	h.Compact(CompactionSummary{
		Content:     content,
		TokenCount:  tokenCount,
		CreatedAt:   clock(),
		GeneratedBy: generatedBy,
	})
	return nil
}
