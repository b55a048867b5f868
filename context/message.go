// Package context holds the conversation history, token-budget accounting,
// and compaction protocol for a session. The name mirrors the reference
// runtime's own package-per-concern layout (core, engine/policy, engine/vfs);
// it is unrelated to the standard library's context.Context, which individual
// functions here still take as their first argument in the usual way.
package context

import (
	"fmt"
	"strings"
	"time"
)

// NonEmptyString is a string guaranteed to hold at least one character after
// trimming whitespace. It is constructed only through NewNonEmptyString, so a
// zero-value NonEmptyString never appears in a valid Message.
type NonEmptyString struct {
	value string
}

// NewNonEmptyString validates s and wraps it. An all-whitespace or empty
// string is rejected.
func NewNonEmptyString(s string) (NonEmptyString, error) {
	if strings.TrimSpace(s) == "" {
		return NonEmptyString{}, fmt.Errorf("context: empty text is not allowed")
	}
	return NonEmptyString{value: s}, nil
}

// String returns the wrapped text.
func (n NonEmptyString) String() string { return n.value }

// ReplayStateKind enumerates how a Thinking message's reasoning is replayed
// back to the provider on the next turn.
type ReplayStateKind int

const (
	ReplayUnsigned ReplayStateKind = iota
	ReplaySigned
	ReplayStructuredReasoning
)

// StructuredReasoningItem is one opaque reasoning step a provider asked to
// have replayed verbatim.
type StructuredReasoningItem struct {
	ID      string
	Summary string
	Payload string // opaque, provider-encrypted
}

// ReplayState carries whatever a provider needs to resume a chain of
// reasoning across turns. Exactly one of its fields is meaningful, selected
// by Kind — a direct port of the source's tagged Signed/StructuredReasoning
// variants into a Go struct, since Go has no enum-with-payload sum type.
type ReplayState struct {
	Kind                ReplayStateKind
	SignedToken         string // ReplaySigned
	StructuredReasoning []StructuredReasoningItem
}

// Message is the sealed sum type for one conversation turn. Only the types
// defined in this file implement it; the unexported method prevents other
// packages from adding variants, mirroring the source's closed enum.
type Message interface {
	isMessage()
	Timestamp() time.Time
}

// SystemMessage carries system/instruction text.
type SystemMessage struct {
	Content NonEmptyString
	Ts      time.Time
}

func (SystemMessage) isMessage()            {}
func (m SystemMessage) Timestamp() time.Time { return m.Ts }

// UserMessage is a message authored by the human. DisplayOverride, when set,
// lets the UI show a cleaned-up rendering while the model still sees Content
// verbatim.
type UserMessage struct {
	Content         NonEmptyString
	DisplayOverride *NonEmptyString
	Ts              time.Time
}

func (UserMessage) isMessage()             {}
func (m UserMessage) Timestamp() time.Time { return m.Ts }

// AssistantMessage is a finished text response from the model.
type AssistantMessage struct {
	Content NonEmptyString
	Ts      time.Time
	Model   string
}

func (AssistantMessage) isMessage()         {}
func (m AssistantMessage) Timestamp() time.Time { return m.Ts }

// ThinkingMessage carries a model's reasoning trace, replayed verbatim on
// subsequent turns per ReplayState.
type ThinkingMessage struct {
	Content     NonEmptyString
	ReplayState ReplayState
	Ts          time.Time
	Model       string
}

func (ThinkingMessage) isMessage()          {}
func (m ThinkingMessage) Timestamp() time.Time { return m.Ts }

// ToolUseMessage records the model invoking a tool.
type ToolUseMessage struct {
	ID        string
	Name      string
	Arguments map[string]any
	Ts        time.Time
}

func (ToolUseMessage) isMessage()           {}
func (m ToolUseMessage) Timestamp() time.Time { return m.Ts }

// ToolResultMessage records a tool's outcome being handed back to the model.
type ToolResultMessage struct {
	ToolCallID string
	ToolName   string
	Content    string
	IsError    bool
	Ts         time.Time
}

func (ToolResultMessage) isMessage()          {}
func (m ToolResultMessage) Timestamp() time.Time { return m.Ts }

// stripControlAndStego removes terminal control sequences and steganographic
// Unicode (zero-width, bidi overrides, tag characters) from untrusted text
// before it is persisted or re-sent to a provider. Grounded on the two-stage
// sanitization cosmos's tool-output path already performs ad hoc; collected
// here into one shared pass per SPEC_FULL.md §7.2/§7.5.
func stripControlAndStego(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inEscape, inOSC, prevESC := false, false, false
	for _, r := range s {
		switch {
		case inOSC:
			// ESC ] ... terminates on BEL or ST (ESC \).
			if r == '\a' || (prevESC && r == '\\') {
				inOSC = false
			}
			prevESC = r == 0x1b
			continue
		case inEscape:
			if prevESC && r == ']' {
				inEscape, inOSC, prevESC = false, true, false
				continue
			}
			prevESC = false
			// ESC [ ... letter — terminate on a final byte.
			if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || r == '\a' {
				inEscape = false
			}
			continue
		case r == 0x1b: // ESC
			inEscape, prevESC = true, true
			continue
		case isZeroWidthOrStego(r):
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isZeroWidthOrStego(r rune) bool {
	switch {
	case r == 0x200B, r == 0x200C, r == 0x200D, r == 0xFEFF: // zero-width space/joiners/BOM
		return true
	case r >= 0x202A && r <= 0x202E: // bidi embedding/override controls
		return true
	case r >= 0x2066 && r <= 0x2069: // bidi isolates
		return true
	case r >= 0xE0000 && r <= 0xE007F: // Unicode tag characters
		return true
	default:
		return false
	}
}

// NormalizeForPersistence returns a copy of m with its textual content passed
// through stripControlAndStego. Non-text fields are untouched. Messages with
// no textual payload (ToolUseMessage) are returned unchanged.
func NormalizeForPersistence(m Message) Message {
	switch v := m.(type) {
	case SystemMessage:
		v.Content = normalizeNonEmpty(v.Content)
		return v
	case UserMessage:
		v.Content = normalizeNonEmpty(v.Content)
		if v.DisplayOverride != nil {
			n := normalizeNonEmpty(*v.DisplayOverride)
			v.DisplayOverride = &n
		}
		return v
	case AssistantMessage:
		v.Content = normalizeNonEmpty(v.Content)
		return v
	case ThinkingMessage:
		v.Content = normalizeNonEmpty(v.Content)
		return v
	case ToolResultMessage:
		v.Content = stripControlAndStego(v.Content)
		return v
	default:
		return m
	}
}

func normalizeNonEmpty(n NonEmptyString) NonEmptyString {
	cleaned := stripControlAndStego(n.value)
	if strings.TrimSpace(cleaned) == "" {
		// Normalization must never produce an invalid NonEmptyString; fall
		// back to the original rather than panic on a pathological input
		// that is pure control/stego characters.
		return n
	}
	return NonEmptyString{value: cleaned}
}
