package policy

import (
	"fmt"
	"strings"
	"unicode"
)

// MixedScriptDetectionKind distinguishes a clean scan from a suspicious one.
type MixedScriptDetectionKind int

const (
	ScriptClean MixedScriptDetectionKind = iota
	ScriptSuspicious
)

// MixedScriptDetection is the result of scanning a string for homoglyph
// attack content — visually similar characters from different Unicode
// scripts used to impersonate something else (e.g. Cyrillic 'а' standing
// in for Latin 'a').
type MixedScriptDetection struct {
	Kind    MixedScriptDetectionKind
	Warning *HomoglyphWarning // non-nil iff Kind == ScriptSuspicious
}

// HomoglyphWarning is proof that homoglyph analysis ran and found mixed
// scripts in a high-risk field. Detection is a mechanism: it reports the
// fact. The caller decides the policy for how to surface it.
type HomoglyphWarning struct {
	FieldName string
	Snippet   string
	Scripts   []string
}

// ScriptsDisplay renders the detected scripts as a comma-separated list
// for human display.
func (w *HomoglyphWarning) ScriptsDisplay() string {
	return strings.Join(w.Scripts, ", ")
}

// confusableScripts are the scripts checked for, in the fixed display
// order the original always reports them in (Latin first).
var confusableScripts = []string{"Latin", "Cyrillic", "Greek", "Armenian", "Cherokee"}

// DetectMixedScript scans input for Latin mixed with Cyrillic, Greek,
// Armenian, or Cherokee — the four scripts with the highest visual
// confusability with Latin, and so the highest homoglyph-attack surface
// for English-language tooling. Pure non-Latin content (legitimate
// non-English text) is never flagged, and ASCII-only input returns Clean
// immediately without per-rune script lookups.
func DetectMixedScript(input, fieldName string) MixedScriptDetection {
	if isASCII(input) {
		return MixedScriptDetection{Kind: ScriptClean}
	}

	present := make(map[string]bool, len(confusableScripts))
	for _, r := range input {
		for _, script := range confusableScripts {
			if unicode.Is(unicode.Scripts[script], r) {
				present[script] = true
			}
		}
	}

	if !present["Latin"] {
		return MixedScriptDetection{Kind: ScriptClean}
	}
	suspicious := present["Cyrillic"] || present["Greek"] || present["Armenian"] || present["Cherokee"]
	if !suspicious {
		return MixedScriptDetection{Kind: ScriptClean}
	}

	var scripts []string
	for _, script := range confusableScripts {
		if present[script] {
			scripts = append(scripts, script)
		}
	}

	return MixedScriptDetection{
		Kind: ScriptSuspicious,
		Warning: &HomoglyphWarning{
			FieldName: fieldName,
			Snippet:   truncatePreview(input, 40),
			Scripts:   scripts,
		},
	}
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > unicode.MaxASCII {
			return false
		}
	}
	return true
}

// truncatePreview takes the first n runes of s, appending "..." if it was
// longer — mirrors the original's historical snippet behavior (the "..."
// suffix sits outside the n-rune budget).
func truncatePreview(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return fmt.Sprintf("%s...", string(runes[:n]))
}
