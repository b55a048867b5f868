package core

import (
	"time"

	"github.com/forgerun/cosmos-agent/context"
	"github.com/forgerun/cosmos-agent/core/provider"
)

// ToProviderMessages flattens the API-visible portion of a FullHistory back
// into the wire-level message list a provider.Request carries. context.Message
// is a fine-grained sum type (one entry per tool call, one per tool result);
// provider.Message groups a turn's tool calls onto one assistant message and a
// turn's tool results onto one user message, matching how Bedrock's Converse
// API itself expects tool use/results to be bundled. A non-nil summary is
// prepended as a synthetic assistant message, mirroring how
// buildCompactedHistory used to splice a summary directly into the message
// list before FullHistory existed.
func ToProviderMessages(summary *context.CompactionSummary, entries []context.HistoryEntry) []provider.Message {
	var out []provider.Message
	if summary != nil {
		out = append(out, provider.Message{
			Role:    provider.RoleAssistant,
			Content: "**[Conversation Summary]**\n\n" + summary.Content.String(),
		})
	}

	var pendingAssistant *provider.Message
	var pendingResults []provider.ToolResult

	flushAssistant := func() {
		if pendingAssistant != nil {
			out = append(out, *pendingAssistant)
			pendingAssistant = nil
		}
	}
	flushResults := func() {
		if len(pendingResults) > 0 {
			out = append(out, provider.Message{Role: provider.RoleUser, ToolResults: pendingResults})
			pendingResults = nil
		}
	}

	for _, e := range entries {
		switch m := e.Msg.(type) {
		case context.SystemMessage:
			// Carried via Request.System, never as a message list entry.
			continue

		case context.UserMessage:
			flushAssistant()
			flushResults()
			out = append(out, provider.Message{Role: provider.RoleUser, Content: m.Content.String()})

		case context.AssistantMessage:
			flushResults()
			flushAssistant()
			text := m.Content.String()
			pendingAssistant = &provider.Message{Role: provider.RoleAssistant, Content: text}

		case context.ThinkingMessage:
			flushResults()
			if pendingAssistant == nil {
				pendingAssistant = &provider.Message{Role: provider.RoleAssistant}
			}
			// provider.Message has no separate reasoning channel; fold the
			// trace into the assistant text the same way it will be replayed.
			pendingAssistant.Content += "\n<thinking>\n" + m.Content.String() + "\n</thinking>\n"

		case context.ToolUseMessage:
			flushResults()
			if pendingAssistant == nil {
				pendingAssistant = &provider.Message{Role: provider.RoleAssistant}
			}
			pendingAssistant.ToolCalls = append(pendingAssistant.ToolCalls, provider.ToolCall{
				ID:    m.ID,
				Name:  m.Name,
				Input: m.Arguments,
			})

		case context.ToolResultMessage:
			flushAssistant()
			pendingResults = append(pendingResults, provider.ToolResult{
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
				IsError:   m.IsError,
			})
		}
	}
	flushAssistant()
	flushResults()
	return out
}

// FromProviderMessage expands one wire-level message back into the
// fine-grained context.Message entries FullHistory stores, the inverse of
// ToProviderMessages' grouping. Used to rebuild a FullHistory when resuming a
// session saved in the flat provider.Message format.
func FromProviderMessage(m provider.Message, ts time.Time) ([]context.Message, error) {
	var out []context.Message

	switch m.Role {
	case provider.RoleUser:
		if len(m.ToolResults) > 0 {
			for _, tr := range m.ToolResults {
				out = append(out, context.ToolResultMessage{
					ToolCallID: tr.ToolUseID,
					Content:    tr.Content,
					IsError:    tr.IsError,
					Ts:         ts,
				})
			}
			return out, nil
		}
		content, err := context.NewNonEmptyString(m.Content)
		if err != nil {
			return nil, err
		}
		return []context.Message{context.UserMessage{Content: content, Ts: ts}}, nil

	case provider.RoleAssistant:
		if m.Content != "" {
			content, err := context.NewNonEmptyString(m.Content)
			if err != nil {
				return nil, err
			}
			out = append(out, context.AssistantMessage{Content: content, Ts: ts})
		}
		for _, tc := range m.ToolCalls {
			out = append(out, context.ToolUseMessage{
				ID:        tc.ID,
				Name:      tc.Name,
				Arguments: tc.Input,
				Ts:        ts,
			})
		}
		return out, nil

	default:
		return nil, nil
	}
}
