package lsp

import (
	"fmt"
	"path/filepath"
)

// Config configures the LSP supervisor subsystem.
type Config struct {
	Enabled bool                    `json:"enabled"`
	Servers map[string]ServerConfig `json:"servers"`
}

// ServerConfig configures a single language server.
type ServerConfig struct {
	Command         string   `json:"command"`
	Args            []string `json:"args"`
	LanguageID      string   `json:"language_id"`
	FileExtensions  []string `json:"file_extensions"`
	RootMarkers     []string `json:"root_markers"`
}

// Severity is an LSP diagnostic severity level (1=Error .. 4=Hint, per the
// LSP wire protocol's own numbering).
type Severity int

const (
	SeverityError Severity = iota + 1
	SeverityWarning
	SeverityInformation
	SeverityHint
)

// SeverityFromLSP converts a raw LSP numeric severity. ok is false for any
// value outside the protocol's defined range; callers decide the fallback.
func SeverityFromLSP(v int) (Severity, bool) {
	switch v {
	case 1:
		return SeverityError, true
	case 2:
		return SeverityWarning, true
	case 3:
		return SeverityInformation, true
	case 4:
		return SeverityHint, true
	default:
		return 0, false
	}
}

func (s Severity) IsError() bool { return s == SeverityError }

func (s Severity) Label() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	case SeverityInformation:
		return "info"
	case SeverityHint:
		return "hint"
	default:
		return "unknown"
	}
}

// Diagnostic is a single diagnostic reported by a language server, already
// resolved to concrete fields — no optional severity/source survives past
// the wire-decoding boundary in protocol.go.
type Diagnostic struct {
	Severity Severity
	Message  string
	Line     int // 0-indexed
	Col      int // 0-indexed
	Source   string
}

// DisplayWithPath formats the diagnostic as "path:line:col: severity: [source] message",
// with line/col shown 1-indexed for humans.
func (d Diagnostic) DisplayWithPath(filePath string) string {
	return fmt.Sprintf("%s:%d:%d: %s: [%s] %s",
		filePath, d.Line+1, d.Col+1, d.Severity.Label(), d.Source, d.Message)
}

// State is the lifecycle state of a single language server.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateStopped
	StateFailed
)

// StopReason explains why a server left the running-servers map.
type StopReason struct {
	Failed  bool
	Message string
}

// Event is emitted by a running server's read loop onto the supervisor's
// shared event channel.
type Event interface{ isEvent() }

// StoppedEvent reports that a server process exited or failed.
type StoppedEvent struct {
	Server string
	Reason StopReason
}

func (StoppedEvent) isEvent() {}

// DiagnosticsEvent carries a textDocument/publishDiagnostics update for one file.
type DiagnosticsEvent struct {
	Path  string
	Items []Diagnostic
}

func (DiagnosticsEvent) isEvent() {}

// Snapshot is an immutable view over all known diagnostics, suitable for UI
// rendering. Counts are always derived from Files, never cached separately,
// so there is no synchronization obligation between a count and the data it
// describes.
type Snapshot struct {
	files []fileDiagnostics
}

type fileDiagnostics struct {
	path  string
	items []Diagnostic
}

// Files returns per-file diagnostics, sorted with error-containing files first.
func (s Snapshot) Files() []struct {
	Path  string
	Items []Diagnostic
} {
	out := make([]struct {
		Path  string
		Items []Diagnostic
	}, len(s.files))
	for i, f := range s.files {
		out[i] = struct {
			Path  string
			Items []Diagnostic
		}{Path: f.path, Items: f.items}
	}
	return out
}

func (s Snapshot) IsEmpty() bool { return len(s.files) == 0 }

func (s Snapshot) countBySeverity(sev Severity) int {
	n := 0
	for _, f := range s.files {
		for _, d := range f.items {
			if d.Severity == sev {
				n++
			}
		}
	}
	return n
}

func (s Snapshot) ErrorCount() int       { return s.countBySeverity(SeverityError) }
func (s Snapshot) WarningCount() int     { return s.countBySeverity(SeverityWarning) }
func (s Snapshot) InfoCount() int        { return s.countBySeverity(SeverityInformation) }
func (s Snapshot) HintCount() int        { return s.countBySeverity(SeverityHint) }

func (s Snapshot) TotalCount() int {
	n := 0
	for _, f := range s.files {
		n += len(f.items)
	}
	return n
}

// StatusString renders a compact "E:3 W:5" status, or "" when empty.
func (s Snapshot) StatusString() string {
	if s.IsEmpty() {
		return ""
	}
	return fmt.Sprintf("E:%d W:%d", s.ErrorCount(), s.WarningCount())
}

// extensionOf returns a file extension without its leading dot, or "" if
// the path has none ("Makefile" and ".gitignore" both yield "").
func extensionOf(p string) string {
	base := filepath.Base(p)
	ext := filepath.Ext(base)
	if ext == "" || ext == base {
		return ""
	}
	return ext[1:]
}
