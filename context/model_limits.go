package context

import "strings"

// ModelLimits describes the token budget for a single model.
type ModelLimits struct {
	ContextWindow uint32
	MaxOutput     uint32
}

// EffectiveInputBudget is EffectiveInputBudgetWithReserved(l.MaxOutput).
func (l ModelLimits) EffectiveInputBudget() uint32 {
	return l.EffectiveInputBudgetWithReserved(l.MaxOutput)
}

// EffectiveInputBudgetWithReserved computes the maximum input tokens once
// reservedOutput tokens are set aside for the response and a 5% safety
// margin is subtracted. reservedOutput is clamped to the model's own
// MaxOutput — a session cannot reserve more output than the model allows.
// Ported from original_source/context/src/model_limits.rs's
// effective_input_budget_with_reserved, using saturating (floor-at-zero)
// subtraction throughout to match the source's Rust saturating_sub.
func (l ModelLimits) EffectiveInputBudgetWithReserved(reservedOutput uint32) uint32 {
	reserved := reservedOutput
	if reserved > l.MaxOutput {
		reserved = l.MaxOutput
	}
	available := satSub(l.ContextWindow, reserved)
	safetyMargin := available / 20 // 5%
	return satSub(available, safetyMargin)
}

func satSub(a, b uint32) uint32 {
	if b > a {
		return 0
	}
	return a - b
}

// ModelLimitsSourceKind identifies how a ModelRegistry lookup was resolved.
type ModelLimitsSourceKind int

const (
	SourceOverride ModelLimitsSourceKind = iota
	SourcePrefix
	SourceDefaultFallback
)

// ModelLimitsSource carries diagnostics about how limits were resolved.
// MatchedPrefix is only meaningful when Kind == SourcePrefix.
type ModelLimitsSource struct {
	Kind          ModelLimitsSourceKind
	MatchedPrefix string
}

// ResolvedModelLimits pairs resolved limits with where they came from, so
// callers can surface "using fallback limits" in diagnostics per base spec
// §3.
type ResolvedModelLimits struct {
	Limits ModelLimits
	Source ModelLimitsSource
}

// DefaultLimits is used when a model is completely unrecognized and has no
// configured override.
var DefaultLimits = ModelLimits{ContextWindow: 8192, MaxOutput: 4096}

// modelPrefixEntry is one row of the static known-model table.
type modelPrefixEntry struct {
	prefix string
	limits ModelLimits
}

// knownModelPrefixes mirrors original_source/context/src/model_limits.rs's
// KNOWN_MODELS table. Table order is irrelevant here (see model registry
// prefix-matching resolution in DESIGN.md): lookup always picks the longest
// matching prefix, not the first one declared.
var knownModelPrefixes = []modelPrefixEntry{
	{"anthropic.claude-opus-4", ModelLimits{ContextWindow: 200_000, MaxOutput: 64_000}},
	{"anthropic.claude-sonnet-4", ModelLimits{ContextWindow: 200_000, MaxOutput: 64_000}},
	{"anthropic.claude-haiku-4", ModelLimits{ContextWindow: 200_000, MaxOutput: 64_000}},
	{"anthropic.claude-3-5", ModelLimits{ContextWindow: 200_000, MaxOutput: 8_192}},
	{"anthropic.claude-3", ModelLimits{ContextWindow: 200_000, MaxOutput: 4_096}},
	{"gpt-5.2-pro", ModelLimits{ContextWindow: 400_000, MaxOutput: 128_000}},
	{"gpt-5.2", ModelLimits{ContextWindow: 400_000, MaxOutput: 128_000}},
	{"gemini-3-pro", ModelLimits{ContextWindow: 1_048_576, MaxOutput: 65_536}},
	{"gemini-3-flash", ModelLimits{ContextWindow: 1_048_576, MaxOutput: 65_536}},
}

// ModelRegistry resolves a model id to its ModelLimits: exact override first,
// then the longest matching prefix in the static table, then DefaultLimits.
type ModelRegistry struct {
	overrides map[string]ModelLimits
}

// NewModelRegistry returns an empty registry (no overrides).
func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{overrides: make(map[string]ModelLimits)}
}

// Get resolves model's limits per the three-tier order described in
// SPEC_FULL.md §6.
func (r *ModelRegistry) Get(model string) ResolvedModelLimits {
	if limits, ok := r.overrides[model]; ok {
		return ResolvedModelLimits{Limits: limits, Source: ModelLimitsSource{Kind: SourceOverride}}
	}

	bestIdx := -1
	for i, entry := range knownModelPrefixes {
		if !strings.HasPrefix(model, entry.prefix) {
			continue
		}
		if bestIdx == -1 || len(entry.prefix) > len(knownModelPrefixes[bestIdx].prefix) {
			bestIdx = i
		}
	}
	if bestIdx != -1 {
		entry := knownModelPrefixes[bestIdx]
		return ResolvedModelLimits{
			Limits: entry.limits,
			Source: ModelLimitsSource{Kind: SourcePrefix, MatchedPrefix: entry.prefix},
		}
	}

	return ResolvedModelLimits{Limits: DefaultLimits, Source: ModelLimitsSource{Kind: SourceDefaultFallback}}
}

// SetOverride pins model to explicit limits, taking priority over any prefix
// match.
func (r *ModelRegistry) SetOverride(model string, limits ModelLimits) {
	r.overrides[model] = limits
}

// RemoveOverride clears a previously set override, if any.
func (r *ModelRegistry) RemoveOverride(model string) {
	delete(r.overrides, model)
}

// HasOverride reports whether model has an explicit override.
func (r *ModelRegistry) HasOverride(model string) bool {
	_, ok := r.overrides[model]
	return ok
}
