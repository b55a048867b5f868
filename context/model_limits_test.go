package context

import "testing"

func TestEffectiveInputBudgetSubtractsOutputAndSafetyMargin(t *testing.T) {
	l := ModelLimits{ContextWindow: 200_000, MaxOutput: 64_000}
	got := l.EffectiveInputBudgetWithReserved(16_000)
	// available = 200_000 - 16_000 = 184_000; safety = 9_200; effective = 174_800
	if got != 174_800 {
		t.Fatalf("got %d, want 174800", got)
	}
}

func TestEffectiveInputBudgetClampsReservedToMaxOutput(t *testing.T) {
	l := ModelLimits{ContextWindow: 100_000, MaxOutput: 4_000}
	got := l.EffectiveInputBudgetWithReserved(50_000) // exceeds MaxOutput, clamp to 4000
	// available = 96_000; safety = 4_800; effective = 91_200
	if got != 91_200 {
		t.Fatalf("got %d, want 91200", got)
	}
}

func TestEffectiveInputBudgetNeverUnderflows(t *testing.T) {
	l := ModelLimits{ContextWindow: 1000, MaxOutput: 5000}
	if got := l.EffectiveInputBudget(); got != 0 {
		t.Fatalf("expected saturating subtraction to floor at 0, got %d", got)
	}
}

func TestModelRegistryExactOverrideWins(t *testing.T) {
	r := NewModelRegistry()
	r.SetOverride("anthropic.claude-3-5-sonnet-20241022-v2:0", ModelLimits{ContextWindow: 1, MaxOutput: 1})

	resolved := r.Get("anthropic.claude-3-5-sonnet-20241022-v2:0")
	if resolved.Source.Kind != SourceOverride {
		t.Fatalf("source = %v, want SourceOverride", resolved.Source.Kind)
	}
	if resolved.Limits.ContextWindow != 1 {
		t.Fatalf("ContextWindow = %d, want 1", resolved.Limits.ContextWindow)
	}
}

func TestModelRegistryLongestPrefixWins(t *testing.T) {
	r := NewModelRegistry()
	resolved := r.Get("anthropic.claude-3-5-sonnet-20241022-v2:0")
	if resolved.Source.Kind != SourcePrefix {
		t.Fatalf("source = %v, want SourcePrefix", resolved.Source.Kind)
	}
	if resolved.Source.MatchedPrefix != "anthropic.claude-3-5" {
		t.Fatalf("matched prefix = %q, want the more specific 3-5 prefix over the bare 3 prefix", resolved.Source.MatchedPrefix)
	}
}

func TestModelRegistryDefaultFallback(t *testing.T) {
	r := NewModelRegistry()
	resolved := r.Get("some-unknown-model")
	if resolved.Source.Kind != SourceDefaultFallback {
		t.Fatalf("source = %v, want SourceDefaultFallback", resolved.Source.Kind)
	}
	if resolved.Limits != DefaultLimits {
		t.Fatalf("limits = %+v, want DefaultLimits", resolved.Limits)
	}
}

func TestModelRegistryRemoveOverride(t *testing.T) {
	r := NewModelRegistry()
	r.SetOverride("gpt-5.2", ModelLimits{ContextWindow: 1, MaxOutput: 1})
	if !r.HasOverride("gpt-5.2") {
		t.Fatal("expected override to be present")
	}
	r.RemoveOverride("gpt-5.2")
	if r.HasOverride("gpt-5.2") {
		t.Fatal("expected override to be removed")
	}
	resolved := r.Get("gpt-5.2")
	if resolved.Source.Kind != SourcePrefix {
		t.Fatalf("source = %v, want SourcePrefix after override removal", resolved.Source.Kind)
	}
}
