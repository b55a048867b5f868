package context

import (
	"fmt"
	"time"
)

// HistoryEntry wraps one pushed Message with its cached token count and an
// optional link to the stream journal step that produced it (assistant
// entries only). Ported from original_source/context/src/history.rs's
// HistoryEntry.
type HistoryEntry struct {
	ID            uint64
	Msg           Message
	TokenCount    uint32
	CreatedAt     time.Time
	StreamStepID  *uint64 // nil if not linked to a journal step
}

// CompactionSummary replaces all messages before the compaction point in API
// requests. Never mutated once installed.
type CompactionSummary struct {
	Content     NonEmptyString
	TokenCount  uint32
	CreatedAt   time.Time
	GeneratedBy string // model id
}

// FullHistory is the append-only conversation ledger described in
// SPEC_FULL.md §6. It owns entry-id assignment and the compaction point.
//
// Invariants (enforced by construction, never by post-hoc validation):
//  1. len(entries) == nextID.
//  2. entries[i].ID == uint64(i).
//  3. compactionPoint == nil || *compactionPoint <= len(entries).
type FullHistory struct {
	entries           []HistoryEntry
	nextID            uint64
	compactionPoint   *int // index into entries; nil if never compacted
	compactionSummary *CompactionSummary
	clock             func() time.Time
}

// NewFullHistory returns an empty history. clock defaults to time.Now when
// nil; tests should inject a fixed clock for determinism.
func NewFullHistory(clock func() time.Time) *FullHistory {
	if clock == nil {
		clock = time.Now
	}
	return &FullHistory{clock: clock}
}

// Push appends message and returns its new id.
func (h *FullHistory) Push(message Message, tokenCount uint32) uint64 {
	id := h.nextID
	h.nextID++
	h.entries = append(h.entries, HistoryEntry{
		ID:         id,
		Msg:        message,
		TokenCount: tokenCount,
		CreatedAt:  h.clock(),
	})
	return id
}

// PushWithStepID appends message linked to a stream journal step.
func (h *FullHistory) PushWithStepID(message Message, tokenCount uint32, stepID uint64) uint64 {
	id := h.Push(message, tokenCount)
	h.entries[len(h.entries)-1].StreamStepID = &stepID
	return id
}

// HasStepID reports whether any entry is linked to stepID.
func (h *FullHistory) HasStepID(stepID uint64) bool {
	for _, e := range h.entries {
		if e.StreamStepID != nil && *e.StreamStepID == stepID {
			return true
		}
	}
	return false
}

// Entries returns all entries, display-only ones included.
func (h *FullHistory) Entries() []HistoryEntry { return h.entries }

// APIEntries returns the suffix of entries visible to the provider: the full
// history if never compacted, or everything from the compaction point on.
func (h *FullHistory) APIEntries() []HistoryEntry {
	start := 0
	if h.compactionPoint != nil {
		start = *h.compactionPoint
	}
	return h.entries[start:]
}

// CompactionSummary returns the installed summary, or nil if none.
func (h *FullHistory) CompactionSummary() *CompactionSummary { return h.compactionSummary }

// IsCompacted reports whether a compaction point has ever been set.
func (h *FullHistory) IsCompacted() bool { return h.compactionPoint != nil }

// GetEntry returns the entry at the given id. Panics on an out-of-range id,
// matching the source's direct-index semantics — callers are expected to
// only look up ids they obtained from Push or iteration over Entries.
func (h *FullHistory) GetEntry(id uint64) HistoryEntry {
	return h.entries[id]
}

// APITokens sums token counts over APIEntries.
func (h *FullHistory) APITokens() uint32 {
	var total uint32
	for _, e := range h.APIEntries() {
		total += e.TokenCount
	}
	return total
}

// TotalTokens sums token counts over all entries, including display-only.
func (h *FullHistory) TotalTokens() uint32 {
	var total uint32
	for _, e := range h.entries {
		total += e.TokenCount
	}
	return total
}

// Len returns the number of entries (display-only included).
func (h *FullHistory) Len() int { return len(h.entries) }

// IsEmpty reports whether the history has no entries.
func (h *FullHistory) IsEmpty() bool { return len(h.entries) == 0 }

// PopIfLast removes the last entry iff its id matches, returning the popped
// message. Used to roll back a staged user message when a turn aborts before
// streaming begins. Returns nil, false if the history is empty or the id
// does not match the last entry.
func (h *FullHistory) PopIfLast(id uint64) (Message, bool) {
	if len(h.entries) == 0 {
		return nil, false
	}
	last := h.entries[len(h.entries)-1]
	if last.ID != id {
		return nil, false
	}
	h.entries = h.entries[:len(h.entries)-1]
	h.nextID = uint64(len(h.entries))
	return last.Msg, true
}

// Compact marks all current entries as display-only and installs summary as
// the API-visible stand-in for them. Entries pushed after this call are
// API-visible, prefixed by the summary.
func (h *FullHistory) Compact(summary CompactionSummary) {
	point := len(h.entries)
	h.compactionPoint = &point
	h.compactionSummary = &summary
}

// RecentEntries returns the last n entries (fewer if the history is
// shorter). Exposed for compaction's "preserve the tail" step and for tests.
func (h *FullHistory) RecentEntries(n int) []HistoryEntry {
	start := len(h.entries) - n
	if start < 0 {
		start = 0
	}
	return h.entries[start:]
}

// ValidateRoundTrip checks the three structural invariants base spec §8
// requires after deserializing a persisted FullHistory. Only tests call it;
// the session-load path in core/session.go does not run it on a loaded
// ledger.
func ValidateRoundTrip(entries []HistoryEntry, nextID uint64, compactionPoint *int) error {
	if uint64(len(entries)) != nextID {
		return fmt.Errorf("context: nextID %d does not match entry count %d", nextID, len(entries))
	}
	for i, e := range entries {
		if e.ID != uint64(i) {
			return fmt.Errorf("context: entry id %d does not match position %d", e.ID, i)
		}
	}
	if compactionPoint != nil && *compactionPoint > len(entries) {
		return fmt.Errorf("context: compactionPoint %d exceeds entry count %d", *compactionPoint, len(entries))
	}
	return nil
}
